package legacystore

import (
	"context"

	"github.com/smallbiznis/erpsync/internal/config"
	obslogger "github.com/smallbiznis/erpsync/internal/observability/logger"
	"github.com/smallbiznis/erpsync/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("legacystore",
	fx.Provide(Open),
)

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Log       *zap.Logger
}

// Open connects to the ERP and closes the pool on shutdown.
func Open(p Params) (*Store, error) {
	conn, err := db.Open(context.Background(), p.Config.Legacy, db.Options{
		Tracing:     true,
		PoolMetrics: true,
		Logger:      obslogger.DefaultGormLoggerConfig(p.Config.Legacy.Name),
	}, p.Log)
	if err != nil {
		return nil, err
	}
	p.Lifecycle.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return db.Close(conn)
		},
	})
	return New(conn, p.Log), nil
}
