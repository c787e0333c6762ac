package pipeline

import (
	"context"

	"github.com/smallbiznis/erpsync/internal/clock"
	"github.com/smallbiznis/erpsync/internal/config"
	"github.com/smallbiznis/erpsync/internal/document/repository"
	"github.com/smallbiznis/erpsync/internal/identity"
	"github.com/smallbiznis/erpsync/internal/legacyledger"
	"github.com/smallbiznis/erpsync/internal/lock"
	"github.com/smallbiznis/erpsync/internal/observability/metrics"
	"github.com/smallbiznis/erpsync/pkg/routine"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("pipeline",
	fx.Provide(NewFromParams),
)

// WorkerModule starts the push worker. Commands that only run one scan leave
// it out.
var WorkerModule = fx.Module("pipeline.worker",
	fx.Invoke(StartWorker),
)

type Params struct {
	fx.In

	Config   config.Config
	Docs     *repository.Repository
	Resolver *identity.Resolver
	Writer   *legacyledger.Writer
	Locker   lock.Locker
	Clock    clock.Clock
	Log      *zap.Logger
	Metrics  *metrics.Metrics     `optional:"true"`
	Sync     *metrics.SyncMetrics `optional:"true"`
}

func NewFromParams(p Params) *Pipeline {
	return New(p.Docs, p.Resolver, p.Writer, p.Locker, Options{
		TenantID:  p.Config.TenantID,
		QueueSize: p.Config.Pipeline.QueueSize,
		LockTTL:   p.Config.Pipeline.LockTTL,
		Clock:     p.Clock,
		Log:       p.Log,
		Metrics:   p.Metrics,
		Sync:      p.Sync,
	})
}

// StartWorker runs the queue consumer. Without a push channel nobody else
// triggers the startup recovery, so it runs here and gates readiness.
func StartWorker(lc fx.Lifecycle, cfg config.Config, p *Pipeline, log *zap.Logger) {
	group := routine.NewGroup(log)
	var cancel context.CancelFunc

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			group.Go(ctx, "pipeline.worker", p.Run)
			if cfg.Channel.Kind == config.ChannelNone {
				group.Go(ctx, "pipeline.startup_recovery", func(ctx context.Context) {
					if _, err := p.Recover(ctx); err != nil {
						log.Warn("pipeline.startup_recovery.failed", zap.Error(err))
					}
					p.MarkReady()
				})
			}
			return nil
		},
		OnStop: func(context.Context) error {
			if cancel != nil {
				cancel()
			}
			group.Wait()
			return nil
		},
	})
}
