package db

import (
	"context"
	"fmt"

	obslogger "github.com/smallbiznis/erpsync/internal/observability/logger"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormprom "gorm.io/plugin/prometheus"
)

// Options toggles the instrumentation attached to a connection.
type Options struct {
	Tracing     bool
	PoolMetrics bool
	Logger      obslogger.GormLoggerConfig
}

// Open dials the database, tunes the pool and installs the tracing and pool
// metrics plugins.
func Open(ctx context.Context, cfg Config, opts Options, log *zap.Logger) (*gorm.DB, error) {
	cfg = cfg.withDefaults()
	dialector, err := Dialect(cfg)
	if err != nil {
		return nil, err
	}

	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 obslogger.NewGormLogger(opts.Logger),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Name, err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConn)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConn)
	sqlDB.SetConnMaxLifetime(seconds(cfg.ConnMaxLifetime))
	sqlDB.SetConnMaxIdleTime(seconds(cfg.ConnMaxIdleTime))

	if opts.Tracing {
		if err := conn.Use(otelgorm.NewPlugin(otelgorm.WithDBName(cfg.Name))); err != nil {
			return nil, fmt.Errorf("install tracing plugin: %w", err)
		}
	}
	if opts.PoolMetrics {
		if err := conn.Use(gormprom.New(gormprom.Config{
			DBName:          cfg.Name,
			RefreshInterval: 15,
		})); err != nil {
			return nil, fmt.Errorf("install pool metrics plugin: %w", err)
		}
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping %s database: %w", cfg.Name, err)
	}

	if log != nil {
		log.Info("db.connected",
			zap.String("db", cfg.Name),
			zap.String("type", cfg.Type),
			zap.String("host", cfg.Host),
		)
	}
	return conn, nil
}

// Close releases the pool behind a gorm handle.
func Close(conn *gorm.DB) error {
	if conn == nil {
		return nil
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
