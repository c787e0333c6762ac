package scheduler

import (
	"time"

	"github.com/smallbiznis/erpsync/internal/config"
)

// Config controls the document poll. Feed intervals come from the sync
// config and are re-read before every tick.
type Config struct {
	PollInterval time.Duration
	PollTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval: time.Minute,
		PollTimeout:  5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = defaults.PollTimeout
	}
	return c
}

func ProvideConfig(cfg config.Config) Config {
	return Config{PollInterval: cfg.Pipeline.PollInterval}.withDefaults()
}
