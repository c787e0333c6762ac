package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/smallbiznis/erpsync/internal/observability/metrics"
	"go.uber.org/zap"
)

const (
	defaultReconnectDelay = 5 * time.Second
	defaultMaxAttempts    = 10
)

// SupervisorOptions configures reconnect behaviour.
type SupervisorOptions struct {
	ReconnectDelay time.Duration
	MaxAttempts    int
	// Recover runs once after every successful subscription.
	Recover func(ctx context.Context)
	Log     *zap.Logger
	Metrics *metrics.Metrics
	Sync    *metrics.SyncMetrics
}

// Supervisor keeps one subscription alive. Failures are retried with a fixed
// delay up to MaxAttempts consecutive attempts; then it gives up and the
// periodic poll is the only trigger left.
type Supervisor struct {
	channel      Channel
	handler      Handler
	delay        time.Duration
	maxTries     int
	onSubscribed func(ctx context.Context)
	log          *zap.Logger
	metrics      *metrics.Metrics
	sync         *metrics.SyncMetrics
}

func NewSupervisor(channel Channel, handler Handler, opts SupervisorOptions) *Supervisor {
	delay := opts.ReconnectDelay
	if delay <= 0 {
		delay = defaultReconnectDelay
	}
	maxTries := opts.MaxAttempts
	if maxTries <= 0 {
		maxTries = defaultMaxAttempts
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{
		channel:      channel,
		handler:      handler,
		delay:        delay,
		maxTries:     maxTries,
		onSubscribed: opts.Recover,
		log:          log.Named("supervisor").With(zap.String("channel", channel.Name())),
		metrics:      opts.Metrics,
		sync:         opts.Sync,
	}
}

// Run subscribes and resubscribes until ctx is done or the attempts run out,
// in which case it returns ErrReconnectExhausted.
func (s *Supervisor) Run(ctx context.Context) error {
	first := true
	for {
		if !first {
			if err := sleep(ctx, s.delay); err != nil {
				return nil
			}
		}
		first = false

		sub, err := s.subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Error("realtime.reconnect.exhausted", zap.Int("max_attempts", s.maxTries), zap.Error(err))
			return ErrReconnectExhausted
		}

		s.status(ctx, StatusSubscribed, nil)
		if s.onSubscribed != nil {
			s.onSubscribed(ctx)
		}

		ev, ok := s.watch(ctx, sub)
		_ = sub.Close()
		if ctx.Err() != nil {
			s.status(ctx, StatusClosed, nil)
			return nil
		}
		if !ok {
			ev = Event{Status: StatusClosed}
		}
		s.status(ctx, ev.Status, ev.Err)
	}
}

func (s *Supervisor) subscribe(ctx context.Context) (Subscription, error) {
	attempt := 0
	op := func() (Subscription, error) {
		attempt++
		if attempt > 1 {
			s.sync.IncReconnectAttempt()
		}
		sub, err := s.channel.Subscribe(ctx, s.handler)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			s.status(ctx, StatusOf(err), err)
			return nil, err
		}
		return sub, nil
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(s.delay)),
		backoff.WithMaxTries(uint(s.maxTries)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.log.Warn("realtime.subscribe.retry",
				zap.Int("attempt", attempt),
				zap.Duration("next_in", next),
				zap.Error(err),
			)
		}),
	)
}

// watch blocks until the subscription reports a failure or ctx ends.
func (s *Supervisor) watch(ctx context.Context, sub Subscription) (Event, bool) {
	for {
		select {
		case <-ctx.Done():
			return Event{}, false
		case ev, ok := <-sub.Events():
			if !ok {
				return Event{}, false
			}
			if ev.Status == StatusSubscribed {
				continue
			}
			return ev, true
		}
	}
}

func (s *Supervisor) status(ctx context.Context, status Status, err error) {
	s.metrics.RecordChannelEvent(ctx, s.channel.Name(), string(status))
	s.sync.IncChannelStatus(string(status))
	fields := []zap.Field{zap.String("status", string(status))}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	switch status {
	case StatusSubscribed:
		s.log.Info("realtime.channel.status", fields...)
	case StatusClosed:
		if errors.Is(ctx.Err(), context.Canceled) {
			s.log.Info("realtime.channel.status", fields...)
			return
		}
		s.log.Warn("realtime.channel.status", fields...)
	default:
		s.log.Warn("realtime.channel.status", fields...)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
