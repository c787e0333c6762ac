package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/smallbiznis/erpsync/internal/document/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// phoenixServer answers joins and lets the test push frames to the client.
type phoenixServer struct {
	t      *testing.T
	reject bool
	// answerHeartbeats replies to heartbeats; otherwise the server goes
	// silent once the join is acknowledged.
	answerHeartbeats bool
	writeMu          sync.Mutex
	joins            chan phxMessage
	outbox           chan phxMessage
	queries          chan string
}

func newPhoenixServer(t *testing.T) (*phoenixServer, *httptest.Server) {
	ps := &phoenixServer{
		t:       t,
		joins:   make(chan phxMessage, 1),
		outbox:  make(chan phxMessage, 8),
		queries: make(chan string, 1),
	}
	srv := httptest.NewServer(http.HandlerFunc(ps.serve))
	t.Cleanup(srv.Close)
	return ps, srv
}

func (ps *phoenixServer) serve(w http.ResponseWriter, r *http.Request) {
	ps.queries <- r.URL.RawQuery
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var join phxMessage
	if err := conn.ReadJSON(&join); err != nil {
		return
	}
	ps.joins <- join
	status := "ok"
	if ps.reject {
		status = "error"
	}
	reply, _ := json.Marshal(phxReplyPayload{Status: status, Response: json.RawMessage(`{}`)})
	if err := conn.WriteJSON(phxMessage{Topic: join.Topic, Event: phxReply, Payload: reply, Ref: join.Ref}); err != nil {
		return
	}

	go func() {
		for {
			var msg phxMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if ps.answerHeartbeats && msg.Event == phxHeartbeat {
				ack, _ := json.Marshal(phxReplyPayload{Status: "ok", Response: json.RawMessage(`{}`)})
				if err := ps.write(conn, phxMessage{Topic: phoenixTopic, Event: phxReply, Payload: ack, Ref: msg.Ref}); err != nil {
					return
				}
			}
		}
	}()
	for msg := range ps.outbox {
		if err := ps.write(conn, msg); err != nil {
			return
		}
	}
}

func (ps *phoenixServer) write(conn *websocket.Conn, msg phxMessage) error {
	ps.writeMu.Lock()
	defer ps.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/realtime/v1/websocket"
}

func TestPhoenixSubscribeDeliversChanges(t *testing.T) {
	ps, srv := newPhoenixServer(t)
	ch := NewPhoenixChannel(PhoenixOptions{
		URL:         wsURL(srv),
		APIKey:      "anon-key",
		TenantID:    "t1",
		JoinTimeout: 2 * time.Second,
	})

	changes := make(chan domain.Change, 1)
	sub, err := ch.Subscribe(context.Background(), func(c domain.Change) { changes <- c })
	require.NoError(t, err)
	defer sub.Close()

	assert.Contains(t, <-ps.queries, "apikey=anon-key")
	join := <-ps.joins
	assert.Equal(t, "realtime:public:documents", join.Topic)
	assert.Equal(t, phxJoin, join.Event)
	assert.Contains(t, string(join.Payload), "tenant_id=eq.t1")

	payload := `{"data":{"type":"UPDATE","schema":"public","table":"documents",
		"record":{"id":"doc-1","tenant_id":"t1","status":"APPROVED"},
		"old_record":{"id":"doc-1","tenant_id":"t1","status":"DRAFT"}}}`
	ps.outbox <- phxMessage{Topic: join.Topic, Event: phxChanges, Payload: json.RawMessage(payload)}

	select {
	case change := <-changes:
		assert.True(t, change.BecameApproved())
		assert.Equal(t, "doc-1", change.New.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("change not delivered")
	}

	ps.outbox <- phxMessage{Topic: join.Topic, Event: phxError, Payload: json.RawMessage(`{}`)}
	select {
	case ev := <-sub.Events():
		assert.Equal(t, StatusChannelError, ev.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("no status event")
	}
	close(ps.outbox)
}

func TestPhoenixJoinRejected(t *testing.T) {
	ps, srv := newPhoenixServer(t)
	ps.reject = true
	ch := NewPhoenixChannel(PhoenixOptions{URL: wsURL(srv), JoinTimeout: 2 * time.Second})

	_, err := ch.Subscribe(context.Background(), func(domain.Change) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChannelError)
	assert.Equal(t, StatusChannelError, StatusOf(err))
	close(ps.outbox)
}

func TestPhoenixDialFailure(t *testing.T) {
	ch := NewPhoenixChannel(PhoenixOptions{URL: "ws://127.0.0.1:1/realtime", JoinTimeout: time.Second})
	_, err := ch.Subscribe(context.Background(), func(domain.Change) {})
	require.Error(t, err)
	assert.NotEqual(t, StatusSubscribed, StatusOf(err))
}

func TestPhoenixSilentServerTimesOut(t *testing.T) {
	ps, srv := newPhoenixServer(t)
	defer close(ps.outbox)
	ch := NewPhoenixChannel(PhoenixOptions{
		URL:               wsURL(srv),
		HeartbeatInterval: 100 * time.Millisecond,
		JoinTimeout:       2 * time.Second,
	})

	sub, err := ch.Subscribe(context.Background(), func(domain.Change) {})
	require.NoError(t, err)
	defer sub.Close()

	select {
	case ev := <-sub.Events():
		assert.Equal(t, StatusTimedOut, ev.Status)
		assert.ErrorIs(t, ev.Err, ErrTimedOut)
	case <-time.After(5 * time.Second):
		t.Fatal("dead server not detected")
	}
}

func TestPhoenixAnsweredHeartbeatsKeepSubscription(t *testing.T) {
	ps, srv := newPhoenixServer(t)
	defer close(ps.outbox)
	ps.answerHeartbeats = true
	ch := NewPhoenixChannel(PhoenixOptions{
		URL:               wsURL(srv),
		HeartbeatInterval: 50 * time.Millisecond,
		JoinTimeout:       2 * time.Second,
	})

	sub, err := ch.Subscribe(context.Background(), func(domain.Change) {})
	require.NoError(t, err)

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %s: %v", ev.Status, ev.Err)
	case <-time.After(500 * time.Millisecond):
	}
	require.NoError(t, sub.Close())
}
