package db

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	assert.False(t, IsDuplicateKeyErr(nil))
	assert.True(t, IsDuplicateKeyErr(gorm.ErrDuplicatedKey))
	assert.True(t, IsDuplicateKeyErr(&pgconn.PgError{Code: "23505"}))
	assert.True(t, IsDuplicateKeyErr(errors.New("UNIQUE constraint failed: terceros.id_n")))
	assert.True(t, IsDuplicateKeyErr(errors.New("Error 1062: Duplicate entry '900' for key 'PRIMARY'")))
	assert.False(t, IsDuplicateKeyErr(errors.New("boom")))
}

func TestIsConstraintErr(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "pg_fk", err: &pgconn.PgError{Code: "23503"}, want: true},
		{name: "pg_not_null", err: &pgconn.PgError{Code: "23502"}, want: true},
		{name: "sqlite_not_null", err: errors.New("NOT NULL constraint failed: documentos.tipo"), want: true},
		{name: "mysql_fk", err: errors.New("Error 1452: Cannot add or update a child row"), want: true},
		{name: "wrapped", err: fmt.Errorf("insert line: %w", gorm.ErrForeignKeyViolated), want: true},
		{name: "plain", err: errors.New("boom"), want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsConstraintErr(tc.err))
		})
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "deadline", err: fmt.Errorf("query: %w", context.DeadlineExceeded), want: true},
		{name: "bad_conn", err: driver.ErrBadConn, want: true},
		{name: "pg_connection_exception", err: &pgconn.PgError{Code: "08006"}, want: true},
		{name: "pg_serialization", err: &pgconn.PgError{Code: "40001"}, want: true},
		{name: "pg_syntax", err: &pgconn.PgError{Code: "42601"}, want: false},
		{name: "refused", err: errors.New("dial tcp 10.0.0.4:1433: connect: connection refused"), want: true},
		{name: "constraint", err: errors.New("UNIQUE constraint failed: terceros.id_n"), want: false},
		{name: "validation", err: errors.New("no_ledger_lines"), want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}

func TestDialect(t *testing.T) {
	for _, typ := range []string{"mysql", "postgres", "sqlserver", "sqlite"} {
		d, err := Dialect(Config{Type: typ, Host: "h", Port: "1", Database: "erp", User: "u", Password: "p"})
		assert.NoError(t, err, typ)
		assert.NotNil(t, d, typ)
	}

	_, err := Dialect(Config{Type: "oracle"})
	assert.Error(t, err)
}

func TestHasCredentials(t *testing.T) {
	assert.False(t, Config{Type: "postgres", Host: "h", User: "u"}.HasCredentials())
	assert.True(t, Config{Type: "postgres", Host: "h", User: "u", Password: "p"}.HasCredentials())
	assert.True(t, Config{Type: "sqlite", Path: "erp.db"}.HasCredentials())
}
