package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	phxJoin      = "phx_join"
	phxReply     = "phx_reply"
	phxError     = "phx_error"
	phxClose     = "phx_close"
	phxHeartbeat = "heartbeat"
	phxChanges   = "postgres_changes"
	phxSystem    = "system"
	phoenixTopic = "phoenix"
)

// PhoenixOptions configures a realtime server subscription.
type PhoenixOptions struct {
	URL               string
	APIKey            string
	Schema            string
	Table             string
	TenantID          string
	HeartbeatInterval time.Duration
	JoinTimeout       time.Duration
	Dialer            *websocket.Dialer
	Log               *zap.Logger
}

// PhoenixChannel subscribes to postgres_changes over a Phoenix realtime
// websocket.
type PhoenixChannel struct {
	opts PhoenixOptions
	log  *zap.Logger
}

func NewPhoenixChannel(opts PhoenixOptions) *PhoenixChannel {
	if opts.Schema == "" {
		opts.Schema = "public"
	}
	if opts.Table == "" {
		opts.Table = "documents"
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = 10 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &PhoenixChannel{opts: opts, log: log.Named("phoenix")}
}

func (c *PhoenixChannel) Name() string {
	return "realtime"
}

type phxMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
	JoinRef *string         `json:"join_ref,omitempty"`
}

type phxReplyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type phxChangesPayload struct {
	Data changePayload `json:"data"`
}

type phxSystemPayload struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (c *PhoenixChannel) topic() string {
	return "realtime:" + c.opts.Schema + ":" + c.opts.Table
}

func (c *PhoenixChannel) endpoint() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if c.opts.APIKey != "" {
		q.Set("apikey", c.opts.APIKey)
	}
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *PhoenixChannel) joinPayload() ([]byte, error) {
	change := map[string]string{
		"event":  "*",
		"schema": c.opts.Schema,
		"table":  c.opts.Table,
	}
	if c.opts.TenantID != "" {
		change["filter"] = "tenant_id=eq." + c.opts.TenantID
	}
	payload := map[string]any{
		"config": map[string]any{
			"broadcast":        map[string]bool{"self": false},
			"presence":         map[string]string{"key": ""},
			"postgres_changes": []map[string]string{change},
		},
	}
	if c.opts.APIKey != "" {
		payload["access_token"] = c.opts.APIKey
	}
	return json.Marshal(payload)
}

func (c *PhoenixChannel) Subscribe(ctx context.Context, handler Handler) (Subscription, error) {
	endpoint, err := c.endpoint()
	if err != nil {
		return nil, errors.Join(ErrChannelError, err)
	}
	dialCtx, cancelDial := context.WithTimeout(ctx, c.opts.JoinTimeout)
	defer cancelDial()

	conn, resp, err := c.opts.Dialer.DialContext(dialCtx, endpoint, nil)
	if err != nil {
		if dialCtx.Err() != nil {
			return nil, errors.Join(ErrTimedOut, err)
		}
		return nil, errors.Join(ErrChannelError, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	sub := &phoenixSubscription{
		conn:   conn,
		topic:  c.topic(),
		events: make(chan Event, 1),
		done:   make(chan struct{}),
		log:    c.log,
	}
	if err := sub.join(c); err != nil {
		_ = conn.Close()
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	sub.cancel = cancel
	go sub.heartbeat(loopCtx, c.opts.HeartbeatInterval)
	go sub.readLoop(handler)
	return sub, nil
}

type phoenixSubscription struct {
	conn    *websocket.Conn
	topic   string
	joinRef string
	ref     atomic.Int64
	writeMu sync.Mutex
	cancel  context.CancelFunc
	events  chan Event
	done    chan struct{}
	closing atomic.Bool
	once    sync.Once
	log     *zap.Logger

	// pendingHeartbeat is the ref of the last heartbeat still waiting for
	// its reply, zero when none is outstanding.
	pendingHeartbeat atomic.Int64
	timedOut         atomic.Bool
}

func (s *phoenixSubscription) send(topic, event string, payload []byte, joinRef string) (string, error) {
	ref := strconv.FormatInt(s.ref.Add(1), 10)
	return ref, s.write(topic, event, payload, joinRef, ref)
}

func (s *phoenixSubscription) write(topic, event string, payload []byte, joinRef, ref string) error {
	msg := phxMessage{Topic: topic, Event: event, Payload: payload, Ref: &ref}
	if joinRef != "" {
		msg.JoinRef = &joinRef
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(msg)
}

// join sends phx_join and waits for its reply before any reader goroutine
// exists.
func (s *phoenixSubscription) join(c *PhoenixChannel) error {
	payload, err := c.joinPayload()
	if err != nil {
		return errors.Join(ErrChannelError, err)
	}
	ref, err := s.send(s.topic, phxJoin, payload, "")
	if err != nil {
		return errors.Join(ErrChannelError, err)
	}
	s.joinRef = ref

	deadline := time.Now().Add(c.opts.JoinTimeout)
	_ = s.conn.SetReadDeadline(deadline)
	defer func() { _ = s.conn.SetReadDeadline(time.Time{}) }()

	for {
		var msg phxMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				return errors.Join(ErrTimedOut, err)
			}
			return errors.Join(ErrChannelError, err)
		}
		if msg.Event != phxReply || msg.Ref == nil || *msg.Ref != ref {
			continue
		}
		var reply phxReplyPayload
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			return errors.Join(ErrChannelError, err)
		}
		if reply.Status != "ok" {
			return fmt.Errorf("%w: join rejected: %s", ErrChannelError, string(reply.Response))
		}
		return nil
	}
}

// heartbeat keeps the socket alive. A heartbeat still unanswered when the
// next one is due means the server is gone; the connection is dropped and the
// reader reports the subscription as timed out.
func (s *phoenixSubscription) heartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.pendingHeartbeat.Load() != 0 {
				s.log.Warn("realtime.heartbeat.timed_out", zap.Duration("interval", interval))
				s.timedOut.Store(true)
				_ = s.conn.Close()
				return
			}
			ref := s.ref.Add(1)
			s.pendingHeartbeat.Store(ref)
			if err := s.write(phoenixTopic, phxHeartbeat, []byte(`{}`), "", strconv.FormatInt(ref, 10)); err != nil {
				s.log.Warn("realtime.heartbeat.failed", zap.Error(err))
				_ = s.conn.Close()
				return
			}
		}
	}
}

func (s *phoenixSubscription) ackHeartbeat(msg phxMessage) {
	if msg.Event != phxReply || msg.Ref == nil {
		return
	}
	if ref, err := strconv.ParseInt(*msg.Ref, 10, 64); err == nil {
		s.pendingHeartbeat.CompareAndSwap(ref, 0)
	}
}

func (s *phoenixSubscription) readLoop(handler Handler) {
	defer close(s.done)
	defer close(s.events)
	for {
		var msg phxMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if s.closing.Load() {
				return
			}
			if s.timedOut.Load() {
				s.events <- Event{Status: StatusTimedOut, Err: errors.Join(ErrTimedOut, err)}
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.events <- Event{Status: StatusClosed, Err: err}
				return
			}
			s.events <- Event{Status: StatusChannelError, Err: err}
			return
		}
		if msg.Topic == phoenixTopic {
			s.ackHeartbeat(msg)
			continue
		}
		if msg.Topic != s.topic {
			continue
		}
		switch msg.Event {
		case phxChanges:
			var payload phxChangesPayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				s.log.Warn("realtime.phoenix.bad_payload", zap.Error(err))
				continue
			}
			change, err := payload.Data.change()
			if err != nil {
				s.log.Warn("realtime.phoenix.bad_payload", zap.Error(err))
				continue
			}
			handler(change)
		case phxSystem:
			var payload phxSystemPayload
			if err := json.Unmarshal(msg.Payload, &payload); err == nil && payload.Status == "error" {
				s.events <- Event{Status: StatusChannelError, Err: fmt.Errorf("%w: %s", ErrChannelError, payload.Message)}
				return
			}
		case phxError:
			s.events <- Event{Status: StatusChannelError, Err: ErrChannelError}
			return
		case phxClose:
			s.events <- Event{Status: StatusClosed}
			return
		}
	}
}

func (s *phoenixSubscription) Events() <-chan Event {
	return s.events
}

func (s *phoenixSubscription) Close() error {
	var err error
	s.once.Do(func() {
		s.closing.Store(true)
		if s.cancel != nil {
			s.cancel()
		}
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
		<-s.done
	})
	return err
}
