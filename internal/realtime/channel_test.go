package realtime

import (
	"context"
	"errors"
	"testing"

	"github.com/smallbiznis/erpsync/internal/document/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeChange(t *testing.T) {
	raw := `{"type":"update","schema":"public","table":"documents",
		"record":{"id":"doc-1","tenant_id":"t1","status":"APPROVED","result":null},
		"old_record":{"id":"doc-1","tenant_id":"t1","status":"DRAFT","result":null},
		"commit_timestamp":"2025-03-01T10:00:00Z"}`

	change, err := decodeChange([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "UPDATE", change.Type)
	assert.Equal(t, "doc-1", change.New.ID)
	assert.Equal(t, domain.StatusApproved, change.New.Status)
	require.NotNil(t, change.Old)
	assert.Equal(t, domain.StatusDraft, change.Old.Status)
	assert.False(t, change.Timestamp.IsZero())
	assert.True(t, change.BecameApproved())
}

func TestDecodeChangePartialOldRecord(t *testing.T) {
	raw := `{"type":"UPDATE","record":{"id":"doc-1","status":"APPROVED"},"old_record":{"id":"doc-1"}}`
	change, err := decodeChange([]byte(raw))
	require.NoError(t, err)
	assert.Nil(t, change.Old)
}

func TestDecodeChangeRejectsGarbage(t *testing.T) {
	for _, raw := range []string{`not json`, `{"type":"INSERT"}`, `{"type":"INSERT","record":null}`} {
		_, err := decodeChange([]byte(raw))
		assert.ErrorIs(t, err, ErrInvalidPayload, raw)
	}
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, StatusSubscribed, StatusOf(nil))
	assert.Equal(t, StatusTimedOut, StatusOf(errors.Join(ErrTimedOut, errors.New("x"))))
	assert.Equal(t, StatusTimedOut, StatusOf(context.DeadlineExceeded))
	assert.Equal(t, StatusChannelError, StatusOf(errors.New("refused")))
}
