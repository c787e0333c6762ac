package legacystore

import (
	"context"
	"database/sql"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrNotConnected = errors.New("legacy_store_not_connected")

// Store is the single gateway to the legacy ERP database. Every statement is
// plain SQL against the ERP's own tables.
type Store struct {
	db        *gorm.DB
	log       *zap.Logger
	isolation sql.IsolationLevel
}

func New(conn *gorm.DB, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	isolation := sql.LevelReadCommitted
	if conn != nil && conn.Dialector != nil && conn.Dialector.Name() == "sqlite" {
		// sqlite only offers serializable transactions
		isolation = sql.LevelDefault
	}
	return &Store{db: conn, log: log.Named("legacystore"), isolation: isolation}
}

// DB exposes the handle for callers composing queries with gorm.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Dialect names the ERP engine: mysql, postgres, sqlserver or sqlite.
func (s *Store) Dialect() string {
	if s.db == nil || s.db.Dialector == nil {
		return ""
	}
	return s.db.Dialector.Name()
}

// Query runs a read statement and scans the rows into dest.
func (s *Store) Query(ctx context.Context, dest any, query string, args ...any) error {
	if s.db == nil {
		return ErrNotConnected
	}
	return s.db.WithContext(ctx).Raw(query, args...).Scan(dest).Error
}

// Exec runs a write statement outside of any transaction.
func (s *Store) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	if s.db == nil {
		return 0, ErrNotConnected
	}
	res := s.db.WithContext(ctx).Exec(query, args...)
	return res.RowsAffected, res.Error
}

// Transaction runs fn inside one read-committed transaction. A nil return
// commits; an error or panic rolls back.
func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s.db == nil {
		return ErrNotConnected
	}
	opts := &sql.TxOptions{Isolation: s.isolation}
	return s.db.WithContext(ctx).Transaction(fn, opts)
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return ErrNotConnected
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
