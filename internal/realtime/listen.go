package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

const defaultListenKeepAlive = 30 * time.Second

// ListenChannel receives changes through postgres LISTEN on the channel the
// documents notify trigger publishes to.
type ListenChannel struct {
	dsn       string
	channel   string
	keepAlive time.Duration
	log       *zap.Logger
}

// NewListenChannel builds the LISTEN channel. After keepAlive without a
// notification the connection is pinged; a failed ping ends the
// subscription as timed out.
func NewListenChannel(dsn, channel string, keepAlive time.Duration, log *zap.Logger) *ListenChannel {
	if keepAlive <= 0 {
		keepAlive = defaultListenKeepAlive
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ListenChannel{dsn: dsn, channel: channel, keepAlive: keepAlive, log: log.Named("listen")}
}

func (c *ListenChannel) Name() string {
	return "listen"
}

func (c *ListenChannel) Subscribe(ctx context.Context, handler Handler) (Subscription, error) {
	conn, err := pgx.Connect(ctx, c.dsn)
	if err != nil {
		return nil, errors.Join(ErrChannelError, err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{c.channel}.Sanitize()); err != nil {
		_ = conn.Close(context.Background())
		return nil, errors.Join(ErrChannelError, err)
	}
	return startListen(conn, c.keepAlive, handler, c.log), nil
}

// notifier is the part of *pgx.Conn the listen loop needs.
type notifier interface {
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Ping(ctx context.Context) error
	IsClosed() bool
	Close(ctx context.Context) error
}

func startListen(conn notifier, keepAlive time.Duration, handler Handler, log *zap.Logger) *listenSubscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &listenSubscription{
		conn:      conn,
		keepAlive: keepAlive,
		cancel:    cancel,
		events:    make(chan Event, 1),
		done:      make(chan struct{}),
	}
	go sub.loop(ctx, handler, log)
	return sub
}

type listenSubscription struct {
	conn      notifier
	keepAlive time.Duration
	cancel    context.CancelFunc
	events    chan Event
	done      chan struct{}
	once      sync.Once
}

func (s *listenSubscription) loop(ctx context.Context, handler Handler, log *zap.Logger) {
	defer close(s.done)
	defer close(s.events)
	for {
		waitCtx, cancelWait := context.WithTimeout(ctx, s.keepAlive)
		n, err := s.conn.WaitForNotification(waitCtx)
		idle := waitCtx.Err() != nil
		cancelWait()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if idle && !s.conn.IsClosed() {
				if err := s.ping(ctx); err != nil {
					log.Warn("realtime.listen.keepalive_failed", zap.Error(err))
					s.events <- Event{Status: StatusTimedOut, Err: errors.Join(ErrTimedOut, err)}
					return
				}
				continue
			}
			s.events <- Event{Status: StatusChannelError, Err: err}
			return
		}
		change, err := decodeChange([]byte(n.Payload))
		if err != nil {
			log.Warn("realtime.listen.bad_payload", zap.Error(err))
			continue
		}
		handler(change)
	}
}

func (s *listenSubscription) ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, s.keepAlive)
	defer cancel()
	return s.conn.Ping(pingCtx)
}

func (s *listenSubscription) Events() <-chan Event {
	return s.events
}

func (s *listenSubscription) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		<-s.done
		err = s.conn.Close(context.Background())
	})
	return err
}
