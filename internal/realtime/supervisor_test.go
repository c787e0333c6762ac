package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smallbiznis/erpsync/internal/document/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubscription struct {
	events chan Event
	closed atomic.Bool
}

func (s *fakeSubscription) Events() <-chan Event { return s.events }

func (s *fakeSubscription) Close() error {
	s.closed.Store(true)
	return nil
}

// fakeChannel fails the first `failures` subscribe calls and hands out
// controllable subscriptions afterwards.
type fakeChannel struct {
	mu       sync.Mutex
	failures int
	attempts int
	subs     chan *fakeSubscription
}

func newFakeChannel(failures int) *fakeChannel {
	return &fakeChannel{failures: failures, subs: make(chan *fakeSubscription, 8)}
}

func (c *fakeChannel) Name() string { return "fake" }

func (c *fakeChannel) Subscribe(context.Context, Handler) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	if c.failures > 0 {
		c.failures--
		return nil, ErrTimedOut
	}
	sub := &fakeSubscription{events: make(chan Event, 1)}
	c.subs <- sub
	return sub, nil
}

func (c *fakeChannel) setFailures(n int) {
	c.mu.Lock()
	c.failures = n
	c.mu.Unlock()
}

func (c *fakeChannel) attemptCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func nextSub(t *testing.T, c *fakeChannel) *fakeSubscription {
	t.Helper()
	select {
	case sub := <-c.subs:
		return sub
	case <-time.After(5 * time.Second):
		t.Fatal("no subscription")
		return nil
	}
}

func TestSupervisorRecoversAfterEverySubscribe(t *testing.T) {
	ch := newFakeChannel(2)
	var recoveries atomic.Int32
	sup := NewSupervisor(ch, func(domain.Change) {}, SupervisorOptions{
		ReconnectDelay: time.Millisecond,
		MaxAttempts:    5,
		Recover:        func(context.Context) { recoveries.Add(1) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	first := nextSub(t, ch)
	require.Eventually(t, func() bool { return recoveries.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 3, ch.attemptCount())

	// the channel drops; one failed resubscribe, then success
	ch.setFailures(1)
	first.events <- Event{Status: StatusChannelError, Err: errors.New("socket reset")}
	second := nextSub(t, ch)
	require.Eventually(t, func() bool { return recoveries.Load() == 2 }, time.Second, time.Millisecond)
	assert.True(t, first.closed.Load())

	// an unexpected close counts as a failure too
	close(second.events)
	nextSub(t, ch)
	require.Eventually(t, func() bool { return recoveries.Load() == 3 }, time.Second, time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestSupervisorGivesUpAfterMaxAttempts(t *testing.T) {
	ch := newFakeChannel(100)
	var recoveries atomic.Int32
	sup := NewSupervisor(ch, func(domain.Change) {}, SupervisorOptions{
		ReconnectDelay: time.Millisecond,
		MaxAttempts:    3,
		Recover:        func(context.Context) { recoveries.Add(1) },
	})

	err := sup.Run(context.Background())
	assert.ErrorIs(t, err, ErrReconnectExhausted)
	assert.Equal(t, 3, ch.attemptCount())
	assert.Zero(t, recoveries.Load())
}

func TestSupervisorStopsOnCancel(t *testing.T) {
	ch := newFakeChannel(0)
	sup := NewSupervisor(ch, func(domain.Change) {}, SupervisorOptions{ReconnectDelay: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	sub := nextSub(t, ch)
	cancel()
	assert.NoError(t, <-done)
	assert.True(t, sub.closed.Load())
	assert.Equal(t, 1, ch.attemptCount())
}
