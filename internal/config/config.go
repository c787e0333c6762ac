package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/smallbiznis/erpsync/pkg/db"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	// TenantID scopes every cloud query and push subscription. One tenant per
	// running instance.
	TenantID string

	OTLPEndpoint string

	Legacy db.Config
	Cloud  db.Config

	Channel  ChannelConfig
	Pipeline PipelineConfig
	Redis    RedisConfig

	// SyncConfigDir is an extra search path for sync.yml.
	SyncConfigDir string

	CachePath       string
	CachePassphrase string
}

// ChannelConfig configures the push notification channel.
type ChannelConfig struct {
	// Kind is one of "listen" (postgres LISTEN/NOTIFY), "realtime"
	// (phoenix websocket) or "none" (poll only).
	Kind              string
	Topic             string
	RealtimeURL       string
	RealtimeAPIKey    string
	ReconnectDelay    time.Duration
	MaxAttempts       int
	HeartbeatInterval time.Duration
	JoinTimeout       time.Duration
}

// PipelineConfig configures the document write-back pipeline.
type PipelineConfig struct {
	PollInterval time.Duration
	DocumentType string
	QueueSize    int
	LockBackend  string
	LockTTL      time.Duration
	RecalcSQL    string
	IdentityTTL  time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

const (
	ChannelListen   = "listen"
	ChannelRealtime = "realtime"
	ChannelNone     = "none"

	LockMemory = "memory"
	LockRedis  = "redis"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "erpsync"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		TenantID:     strings.TrimSpace(getenv("TENANT_ID", "")),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),
		Legacy:       loadDatabase("LEGACY_DATABASE", "legacy", "sqlserver", "1433"),
		Cloud:        loadDatabase("CLOUD_DATABASE", "cloud", "postgres", "5432"),
		Channel: ChannelConfig{
			Kind:              normalizeChannelKind(getenv("CHANNEL_KIND", ChannelListen)),
			Topic:             getenv("CHANNEL_TOPIC", "documents_changes"),
			RealtimeURL:       strings.TrimSpace(getenv("CHANNEL_REALTIME_URL", "")),
			RealtimeAPIKey:    strings.TrimSpace(getenv("CHANNEL_REALTIME_API_KEY", "")),
			ReconnectDelay:    getenvDuration("CHANNEL_RECONNECT_DELAY", 5*time.Second),
			MaxAttempts:       getenvInt("CHANNEL_MAX_ATTEMPTS", 10),
			HeartbeatInterval: getenvDuration("CHANNEL_HEARTBEAT_INTERVAL", 30*time.Second),
			JoinTimeout:       getenvDuration("CHANNEL_JOIN_TIMEOUT", 10*time.Second),
		},
		Pipeline: PipelineConfig{
			PollInterval: getenvDuration("PIPELINE_POLL_INTERVAL", time.Minute),
			DocumentType: getenv("PIPELINE_DOCUMENT_TYPE", "FV"),
			QueueSize:    getenvInt("PIPELINE_QUEUE_SIZE", 256),
			LockBackend:  strings.ToLower(getenv("PIPELINE_LOCK_BACKEND", LockMemory)),
			LockTTL:      getenvDuration("PIPELINE_LOCK_TTL", 2*time.Minute),
			RecalcSQL:    getenv("PIPELINE_RECALC_SQL", "CALL recontabilizar(?, ?)"),
			IdentityTTL:  getenvDuration("PIPELINE_IDENTITY_TTL", 5*time.Minute),
		},
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
		SyncConfigDir:   strings.TrimSpace(getenv("SYNC_CONFIG_DIR", "")),
		CachePath:       strings.TrimSpace(getenv("CONFIG_CACHE_PATH", "")),
		CachePassphrase: getenv("CONFIG_CACHE_PASSPHRASE", ""),
	}

	return cfg
}

func loadDatabase(prefix, name, defType, defPort string) db.Config {
	return db.Config{
		Name:            name,
		Type:            strings.ToLower(getenv(prefix+"_TYPE", defType)),
		Host:            getenv(prefix+"_HOST", ""),
		Port:            getenv(prefix+"_PORT", defPort),
		Database:        getenv(prefix+"_NAME", ""),
		User:            getenv(prefix+"_USER", ""),
		Password:        getenv(prefix+"_PASSWORD", ""),
		SSLMode:         getenv(prefix+"_SSLMODE", "disable"),
		Path:            getenv(prefix+"_PATH", ""),
		MaxIdleConn:     getenvInt(prefix+"_MAX_IDLE_CONN", 0),
		MaxOpenConn:     getenvInt(prefix+"_MAX_OPEN_CONN", 0),
		ConnMaxLifetime: getenvInt(prefix+"_CONN_MAX_LIFETIME", 0),
		ConnMaxIdleTime: getenvInt(prefix+"_CONN_MAX_IDLE_TIME", 0),
	}
}

func normalizeChannelKind(raw string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case ChannelRealtime, ChannelNone:
		return value
	default:
		return ChannelListen
	}
}

// Redacted returns a copy safe to print or serve over the admin API.
func (c Config) Redacted() Config {
	out := c
	out.Legacy.Password = redact(out.Legacy.Password)
	out.Cloud.Password = redact(out.Cloud.Password)
	out.Redis.Password = redact(out.Redis.Password)
	out.Channel.RealtimeAPIKey = redact(out.Channel.RealtimeAPIKey)
	out.CachePassphrase = redact(out.CachePassphrase)
	return out
}

func redact(v string) string {
	if v == "" {
		return ""
	}
	return "********"
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
