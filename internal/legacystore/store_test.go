package legacystore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	store := New(conn, nil)
	require.NoError(t, store.EnsureSchema(context.Background()))
	return store
}

func TestTransactionCommitsOnNil(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.Transaction(ctx, func(tx *gorm.DB) error {
		return tx.Exec("INSERT INTO consecutivos (tipo, siguiente) VALUES (?, ?)", "FV", 10).Error
	})
	require.NoError(t, err)

	var next int64
	require.NoError(t, store.Query(ctx, &next, "SELECT siguiente FROM consecutivos WHERE tipo = ?", "FV"))
	assert.Equal(t, int64(10), next)
}

func TestTransactionRollsBackOnError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.Transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Exec("INSERT INTO consecutivos (tipo, siguiente) VALUES (?, ?)", "FV", 10).Error; err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var count int64
	require.NoError(t, store.Query(ctx, &count, "SELECT COUNT(*) FROM consecutivos"))
	assert.Zero(t, count)
}

func TestExecReportsRowsAffected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Exec(ctx, "INSERT INTO consecutivos (tipo, siguiente) VALUES ('FV', 1), ('NC', 1)")
	require.NoError(t, err)
	rows, err := store.Exec(ctx, "UPDATE consecutivos SET siguiente = siguiente + 1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rows)
	assert.Equal(t, "sqlite", store.Dialect())
}

func TestNilStore(t *testing.T) {
	store := New(nil, nil)
	assert.ErrorIs(t, store.Ping(context.Background()), ErrNotConnected)
	assert.ErrorIs(t, store.Transaction(context.Background(), func(*gorm.DB) error { return nil }), ErrNotConnected)
}
