package scheduler

import (
	"context"

	"github.com/bwmarrin/snowflake"
	mirrorservice "github.com/smallbiznis/erpsync/internal/mirror/service"
	"github.com/smallbiznis/erpsync/internal/pipeline"
	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(
		ProvideConfig,
		NewNode,
		func(svc *mirrorservice.Service) MirrorSyncer { return svc },
		func(p *pipeline.Pipeline) Poller { return p },
		New,
	),
)

// RunnerModule starts the loops with the application.
var RunnerModule = fx.Module("scheduler.runner",
	fx.Invoke(StartScheduler),
)

func NewNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func StartScheduler(lc fx.Lifecycle, sched *Scheduler) {
	var (
		cancel context.CancelFunc
		done   = make(chan struct{})
	)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			go func() {
				defer close(done)
				sched.RunForever(ctx)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-ctx.Done():
			}
			return nil
		},
	})
}
