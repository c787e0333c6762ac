package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/erpsync/internal/clock"
	"github.com/smallbiznis/erpsync/internal/config"
	mirrordomain "github.com/smallbiznis/erpsync/internal/mirror/domain"
	obsmetrics "github.com/smallbiznis/erpsync/internal/observability/metrics"
	"github.com/smallbiznis/erpsync/internal/pipeline"
	"github.com/smallbiznis/erpsync/pkg/routine"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const jobDocumentPoll = "document_poll"

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

// MirrorSyncer runs incremental mirror passes.
type MirrorSyncer interface {
	IncrementalSync(ctx context.Context, feed string) (mirrordomain.Result, error)
}

// Poller scans pending documents.
type Poller interface {
	Poll(ctx context.Context) (pipeline.Summary, error)
}

type Params struct {
	fx.In

	Holder   *config.SyncConfigHolder
	Mirror   MirrorSyncer
	Pipeline Poller
	GenID    *snowflake.Node
	Clock    clock.Clock
	Log      *zap.Logger
	Config   Config                  `optional:"true"`
	Metrics  *obsmetrics.SyncMetrics `optional:"true"`
}

// Scheduler owns one loop per mirror feed plus the document poll. Each loop
// keeps its own cadence; a slow feed never delays another.
type Scheduler struct {
	holder   *config.SyncConfigHolder
	mirror   MirrorSyncer
	pipeline Poller
	genID    *snowflake.Node
	clock    clock.Clock
	log      *zap.Logger
	cfg      Config
	metrics  *obsmetrics.SyncMetrics
}

func New(p Params) (*Scheduler, error) {
	if p.Holder == nil || p.Mirror == nil || p.Pipeline == nil || p.GenID == nil || p.Clock == nil || p.Log == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		holder:   p.Holder,
		mirror:   p.Mirror,
		pipeline: p.Pipeline,
		genID:    p.GenID,
		clock:    p.Clock,
		log:      p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:      p.Config.withDefaults(),
		metrics:  p.Metrics,
	}, nil
}

func mirrorJob(feed string) string {
	return "mirror_" + feed
}

// runJob wraps one job execution with a run id, a timeout and metrics. A
// timeout is logged and swallowed; the next tick tries again.
func (s *Scheduler) runJob(parent context.Context, name string, timeout time.Duration, fn func(ctx context.Context, run *jobRun) error) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run := s.startJobRun(ctx, name)
	s.logJobStart(ctx, run)
	s.metrics.IncJobRun(name)

	var err error
	if !routine.Run(s.log, name, func() { err = fn(ctx, run) }) {
		err = fmt.Errorf("%s: panic", name)
	}
	s.metrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	s.logJobFinish(ctx, run, err)
	if err == nil {
		return nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
	}
	s.metrics.IncJobError(name, err)
	if isTimeout {
		s.logger(ctx).Warn("scheduler.job.timeout", zap.String("job", name), zap.Duration("timeout", timeout), zap.Error(err))
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// SyncFeed runs one incremental pass of a feed if it is enabled.
func (s *Scheduler) SyncFeed(ctx context.Context, feed string) error {
	tuning := s.holder.Get().Feed(feed)
	if !tuning.Enabled {
		return nil
	}
	return s.runJob(ctx, mirrorJob(feed), tuning.RunTimeout, func(ctx context.Context, run *jobRun) error {
		res, err := s.mirror.IncrementalSync(ctx, feed)
		run.AddProcessed(res.Processed)
		run.AddErrors(res.Errors)
		return err
	})
}

// PollDocuments runs one pending-document scan.
func (s *Scheduler) PollDocuments(ctx context.Context) error {
	return s.runJob(ctx, jobDocumentPoll, s.cfg.PollTimeout, func(ctx context.Context, run *jobRun) error {
		summary, err := s.pipeline.Poll(ctx)
		run.AddProcessed(summary.Processed)
		run.AddErrors(summary.Errors)
		return err
	})
}

// RunOnce runs every job a single time, feeds first.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var err error
	for _, feed := range config.FeedNames {
		err = errors.Join(err, s.SyncFeed(ctx, feed))
	}
	return errors.Join(err, s.PollDocuments(ctx))
}

// RunForever starts one loop per job and blocks until ctx is done.
func (s *Scheduler) RunForever(ctx context.Context) {
	group := routine.NewGroup(s.log)
	for _, feed := range config.FeedNames {
		feed := feed
		group.Go(ctx, mirrorJob(feed), func(ctx context.Context) {
			s.loop(ctx, mirrorJob(feed),
				func() time.Duration { return s.holder.Get().Feed(feed).Interval },
				func(ctx context.Context) error { return s.SyncFeed(ctx, feed) })
		})
	}
	group.Go(ctx, jobDocumentPoll, func(ctx context.Context) {
		s.loop(ctx, jobDocumentPoll,
			func() time.Duration { return s.cfg.PollInterval },
			s.PollDocuments)
	})
	group.Wait()
}

// loop runs job immediately and then once per interval. The interval is
// re-read after every run so config reloads take effect.
func (s *Scheduler) loop(ctx context.Context, name string, interval func() time.Duration, job func(context.Context) error) {
	nextRun := s.clock.Now()
	for {
		if lag := s.clock.Now().Sub(nextRun); lag > 0 {
			s.metrics.ObserveRunLoopLag(lag)
		}
		if err := job(ctx); err != nil {
			s.log.Warn("scheduler.run.failed", zap.String("job", name), zap.Error(err))
		}

		wait := interval()
		if wait <= 0 {
			wait = time.Minute
		}
		nextRun = s.clock.Now().Add(wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
