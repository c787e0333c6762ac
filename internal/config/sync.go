package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	FeedParties  = "parties"
	FeedAccounts = "accounts"
	FeedProducts = "products"
)

// FeedNames lists the mirrored reference feeds in run order.
var FeedNames = []string{FeedParties, FeedAccounts, FeedProducts}

// FeedConfig tunes one mirrored feed.
type FeedConfig struct {
	Enabled    bool          `mapstructure:"enabled" json:"enabled"`
	PageSize   int           `mapstructure:"pageSize" json:"page_size"`
	Pause      time.Duration `mapstructure:"pause" json:"pause"`
	Interval   time.Duration `mapstructure:"interval" json:"interval"`
	RunTimeout time.Duration `mapstructure:"runTimeout" json:"run_timeout"`
}

// SyncConfig is the hot-reloadable part of the configuration, read from
// sync.yml.
type SyncConfig struct {
	Feeds map[string]FeedConfig `mapstructure:"feeds" json:"feeds"`
}

func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		Enabled:    true,
		PageSize:   100,
		Pause:      250 * time.Millisecond,
		Interval:   5 * time.Minute,
		RunTimeout: 10 * time.Minute,
	}
}

func DefaultSyncConfig() SyncConfig {
	feeds := make(map[string]FeedConfig, len(FeedNames))
	for _, name := range FeedNames {
		feeds[name] = DefaultFeedConfig()
	}
	return SyncConfig{Feeds: feeds}
}

// Feed returns the tuning for one feed with defaults filled in.
func (c SyncConfig) Feed(name string) FeedConfig {
	def := DefaultFeedConfig()
	feed, ok := c.Feeds[name]
	if !ok {
		return def
	}
	if feed.PageSize <= 0 {
		feed.PageSize = def.PageSize
	}
	if feed.Pause < 0 {
		feed.Pause = 0
	}
	if feed.Interval <= 0 {
		feed.Interval = def.Interval
	}
	if feed.RunTimeout <= 0 {
		feed.RunTimeout = def.RunTimeout
	}
	return feed
}

type SyncConfigHolder struct {
	current atomic.Value // holds SyncConfig
}

// NewStaticSyncConfigHolder wraps a fixed configuration. Used by the CLI and
// tests.
func NewStaticSyncConfigHolder(cfg SyncConfig) *SyncConfigHolder {
	holder := &SyncConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewSyncConfigHolder(cfg Config, log *zap.Logger) (*SyncConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("sync")
	v.SetConfigType("yml")
	if cfg.SyncConfigDir != "" {
		v.AddConfigPath(cfg.SyncConfigDir)
	}
	v.AddConfigPath("/etc/erpsync")
	v.AddConfigPath(".")

	v.SetEnvPrefix("ERPSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	found := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		found = false
	}

	parsed, err := decodeSyncConfig(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticSyncConfigHolder(parsed)
	if !found {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeSyncConfig(v)
		if err != nil {
			log.Warn("sync_config.reload_failed", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("sync_config.reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *SyncConfigHolder) Get() SyncConfig {
	return h.current.Load().(SyncConfig)
}

func decodeSyncConfig(v *viper.Viper) (SyncConfig, error) {
	for name, feed := range DefaultSyncConfig().Feeds {
		v.SetDefault("feeds."+name+".enabled", feed.Enabled)
		v.SetDefault("feeds."+name+".pageSize", feed.PageSize)
		v.SetDefault("feeds."+name+".pause", feed.Pause)
		v.SetDefault("feeds."+name+".interval", feed.Interval)
		v.SetDefault("feeds."+name+".runTimeout", feed.RunTimeout)
	}

	var parsed SyncConfig
	if err := v.Unmarshal(&parsed); err != nil {
		return SyncConfig{}, err
	}
	cfg := SyncConfig{Feeds: make(map[string]FeedConfig, len(parsed.Feeds))}
	for name, feed := range parsed.Feeds {
		cfg.Feeds[strings.ToLower(name)] = feed
	}
	if err := validateSyncConfig(cfg); err != nil {
		return SyncConfig{}, err
	}
	return cfg, nil
}

func validateSyncConfig(cfg SyncConfig) error {
	for name, feed := range cfg.Feeds {
		if !isKnownFeed(name) {
			return fmt.Errorf("feeds.%s: unknown feed", name)
		}
		if feed.PageSize > 5000 {
			return fmt.Errorf("feeds.%s.pageSize must be <= 5000", name)
		}
	}
	return nil
}

func isKnownFeed(name string) bool {
	for _, known := range FeedNames {
		if known == name {
			return true
		}
	}
	return false
}
