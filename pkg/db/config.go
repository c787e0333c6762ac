package db

import "time"

// Config describes one database connection. The legacy ERP and the cloud
// store each get their own.
type Config struct {
	// Name labels the connection in logs, spans and pool metrics.
	Name            string
	Type            string
	Host            string
	Port            string
	Database        string
	User            string
	Password        string
	SSLMode         string
	Path            string
	MaxIdleConn     int
	MaxOpenConn     int
	ConnMaxLifetime int
	ConnMaxIdleTime int
}

func (c Config) withDefaults() Config {
	if c.Type == "" {
		c.Type = "postgres"
	}
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	if c.MaxIdleConn <= 0 {
		c.MaxIdleConn = 2
	}
	if c.MaxOpenConn <= 0 {
		c.MaxOpenConn = 10
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 1800
	}
	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = 300
	}
	return c
}

// HasCredentials reports whether the connection can be opened without
// consulting the local configuration cache.
func (c Config) HasCredentials() bool {
	switch c.Type {
	case "sqlite":
		return c.Path != ""
	default:
		return c.Host != "" && c.User != "" && c.Password != ""
	}
}

func seconds(v int) time.Duration {
	return time.Duration(v) * time.Second
}
