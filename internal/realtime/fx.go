package realtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/smallbiznis/erpsync/internal/config"
	"github.com/smallbiznis/erpsync/internal/document/domain"
	"github.com/smallbiznis/erpsync/internal/observability/metrics"
	"github.com/smallbiznis/erpsync/internal/pipeline"
	"github.com/smallbiznis/erpsync/pkg/db"
	"github.com/smallbiznis/erpsync/pkg/routine"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("realtime",
	fx.Provide(NewChannel),
	fx.Invoke(StartSupervisor),
)

// NewChannel builds the push channel selected by CHANNEL_KIND. It returns nil
// when push is disabled.
func NewChannel(cfg config.Config, log *zap.Logger) (Channel, error) {
	switch cfg.Channel.Kind {
	case config.ChannelNone:
		return nil, nil
	case config.ChannelRealtime:
		if cfg.Channel.RealtimeURL == "" {
			return nil, errors.New("CHANNEL_REALTIME_URL is required for the realtime channel")
		}
		return NewPhoenixChannel(PhoenixOptions{
			URL:               cfg.Channel.RealtimeURL,
			APIKey:            cfg.Channel.RealtimeAPIKey,
			TenantID:          cfg.TenantID,
			HeartbeatInterval: cfg.Channel.HeartbeatInterval,
			JoinTimeout:       cfg.Channel.JoinTimeout,
			Log:               log,
		}), nil
	default:
		if cfg.Cloud.Type != "postgres" {
			return nil, fmt.Errorf("listen channel needs a postgres cloud store, got %q", cfg.Cloud.Type)
		}
		return NewListenChannel(db.DSN(cfg.Cloud), cfg.Channel.Topic, cfg.Channel.HeartbeatInterval, log), nil
	}
}

type SupervisorParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Channel   Channel
	Pipeline  *pipeline.Pipeline
	Log       *zap.Logger
	Metrics   *metrics.Metrics     `optional:"true"`
	Sync      *metrics.SyncMetrics `optional:"true"`
}

// StartSupervisor keeps the push subscription alive for the life of the
// process. Each subscription runs a recovery scan; the first one marks the
// pipeline ready.
func StartSupervisor(p SupervisorParams) {
	if p.Channel == nil {
		return
	}
	log := p.Log.Named("realtime")
	recoverPending := func(ctx context.Context) {
		summary, err := p.Pipeline.Recover(ctx)
		if err != nil {
			log.Warn("realtime.recovery.failed", zap.Error(err))
		} else {
			log.Info("realtime.recovery.finish",
				zap.Int("processed", summary.Processed),
				zap.Int("errors", summary.Errors),
				zap.Int("skipped", summary.Skipped),
			)
		}
		p.Pipeline.MarkReady()
	}
	sup := NewSupervisor(p.Channel, func(change domain.Change) { p.Pipeline.HandleChange(change) }, SupervisorOptions{
		ReconnectDelay: p.Config.Channel.ReconnectDelay,
		MaxAttempts:    p.Config.Channel.MaxAttempts,
		Recover:        recoverPending,
		Log:            p.Log,
		Metrics:        p.Metrics,
		Sync:           p.Sync,
	})

	group := routine.NewGroup(log)
	var cancel context.CancelFunc
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			group.Go(ctx, "realtime.supervisor", func(ctx context.Context) {
				if err := sup.Run(ctx); err != nil && !p.Pipeline.Ready() {
					// startup recovery still has to happen without push
					recoverPending(ctx)
				}
			})
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
