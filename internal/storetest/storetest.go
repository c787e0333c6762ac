// Package storetest opens throwaway in-memory databases standing in for the
// legacy ERP and the cloud store.
package storetest

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/erpsync/internal/cloudstore"
	documentdomain "github.com/smallbiznis/erpsync/internal/document/domain"
	"github.com/smallbiznis/erpsync/internal/legacystore"
	mirrordomain "github.com/smallbiznis/erpsync/internal/mirror/domain"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const TenantID = "tenant-test"

var seq atomic.Int64

// Open returns a private in-memory sqlite database.
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, seq.Add(1))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)

	sqlDB, err := conn.DB()
	require.NoError(t, err)
	// one connection keeps the shared-cache database alive and serialises
	// writers the way the ERP's row locks would
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return conn
}

// Legacy returns a legacy store with the ERP tables created.
func Legacy(t testing.TB) *legacystore.Store {
	t.Helper()
	store := legacystore.New(Open(t), nil)
	require.NoError(t, store.EnsureSchema(context.Background()))
	return store
}

// Cloud returns a cloud store for TenantID with mirror and document tables.
func Cloud(t testing.TB) *cloudstore.Store {
	t.Helper()
	conn := Open(t)
	require.NoError(t, conn.AutoMigrate(
		&mirrordomain.Party{},
		&mirrordomain.Account{},
		&mirrordomain.Product{},
		&documentdomain.Document{},
		&documentdomain.Line{},
	))
	return cloudstore.New(conn, TenantID, nil)
}
