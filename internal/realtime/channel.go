// Package realtime subscribes to document changes pushed by the cloud store
// and keeps the subscription alive.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/erpsync/internal/document/domain"
)

type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusChannelError Status = "CHANNEL_ERROR"
	StatusTimedOut     Status = "TIMED_OUT"
	StatusClosed       Status = "CLOSED"
)

var (
	ErrTimedOut           = errors.New("channel_timed_out")
	ErrChannelError       = errors.New("channel_error")
	ErrReconnectExhausted = errors.New("channel_reconnect_exhausted")
	ErrInvalidPayload     = errors.New("invalid_change_payload")
)

// Event is a status transition of a live subscription.
type Event struct {
	Status Status
	Err    error
}

// Handler receives every change delivered on the subscription.
type Handler func(domain.Change)

// Channel opens push subscriptions on the documents table. Subscribe returns
// once the subscription is live.
type Channel interface {
	Name() string
	Subscribe(ctx context.Context, handler Handler) (Subscription, error)
}

// Subscription reports status transitions after it went live. Events is
// closed when the subscription ends.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

// StatusOf maps a subscribe error to the status it represents.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusSubscribed
	case errors.Is(err, ErrTimedOut), errors.Is(err, context.DeadlineExceeded):
		return StatusTimedOut
	default:
		return StatusChannelError
	}
}

// changePayload is the row-change envelope shared by the notify trigger and
// the realtime server.
type changePayload struct {
	Type            string          `json:"type"`
	Schema          string          `json:"schema"`
	Table           string          `json:"table"`
	Record          json.RawMessage `json:"record"`
	OldRecord       json.RawMessage `json:"old_record"`
	CommitTimestamp string          `json:"commit_timestamp"`
}

func decodeChange(raw []byte) (domain.Change, error) {
	var payload changePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.Change{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return payload.change()
}

func (p changePayload) change() (domain.Change, error) {
	change := domain.Change{Type: strings.ToUpper(strings.TrimSpace(p.Type))}
	if !hasObject(p.Record) {
		return domain.Change{}, fmt.Errorf("%w: missing record", ErrInvalidPayload)
	}
	if err := json.Unmarshal(p.Record, &change.New); err != nil {
		return domain.Change{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if hasObject(p.OldRecord) {
		var old domain.Snapshot
		if err := json.Unmarshal(p.OldRecord, &old); err != nil {
			return domain.Change{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		// a partial old record (replica identity default) carries no status
		if old.Status != "" {
			change.Old = &old
		}
	}
	if ts, err := time.Parse(time.RFC3339Nano, p.CommitTimestamp); err == nil {
		change.Timestamp = ts
	}
	return change, nil
}

func hasObject(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed != "" && trimmed != "null" && trimmed != "{}"
}
