package cloudstore

import (
	"context"

	"github.com/smallbiznis/erpsync/internal/config"
	obslogger "github.com/smallbiznis/erpsync/internal/observability/logger"
	"github.com/smallbiznis/erpsync/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("cloudstore",
	fx.Provide(Open),
)

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Log       *zap.Logger
}

func Open(p Params) (*Store, error) {
	conn, err := db.Open(context.Background(), p.Config.Cloud, db.Options{
		Tracing:     true,
		PoolMetrics: true,
		Logger:      obslogger.DefaultGormLoggerConfig(p.Config.Cloud.Name),
	}, p.Log)
	if err != nil {
		return nil, err
	}
	p.Lifecycle.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return db.Close(conn)
		},
	})
	return New(conn, p.Config.TenantID, p.Log), nil
}
