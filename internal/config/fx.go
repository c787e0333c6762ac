package config

import (
	"fmt"

	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(
		LoadResolved,
		NewSyncConfigHolder,
	),
)

// LoadResolved loads the environment and fills missing credentials from the
// encrypted cache when one is configured. An unreadable cache stops startup.
func LoadResolved() (Config, error) {
	cfg := Load()
	cached, err := LoadCache(cfg.CachePath, cfg.CachePassphrase)
	if err != nil {
		return Config{}, fmt.Errorf("load config cache %s: %w", cfg.CachePath, err)
	}
	return ApplyCache(cfg, cached), nil
}
