package cloudstore

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotConnected = errors.New("cloud_store_not_connected")

// Store wraps the cloud relational store. Every read and write is scoped to
// the tenant the instance serves.
type Store struct {
	db       *gorm.DB
	log      *zap.Logger
	tenantID string
}

func New(conn *gorm.DB, tenantID string, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: conn, log: log.Named("cloudstore"), tenantID: tenantID}
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) TenantID() string {
	return s.tenantID
}

func (s *Store) Query(ctx context.Context, dest any, query string, args ...any) error {
	if s.db == nil {
		return ErrNotConnected
	}
	return s.db.WithContext(ctx).Raw(query, args...).Scan(dest).Error
}

func (s *Store) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	if s.db == nil {
		return 0, ErrNotConnected
	}
	res := s.db.WithContext(ctx).Exec(query, args...)
	return res.RowsAffected, res.Error
}

// Upsert inserts rows, overwriting every column of rows that collide on the
// conflict columns. rows must be a pointer to a slice of gorm models or a
// single model pointer.
func (s *Store) Upsert(ctx context.Context, rows any, conflict ...string) error {
	if s.db == nil {
		return ErrNotConnected
	}
	columns := make([]clause.Column, 0, len(conflict))
	for _, name := range conflict {
		columns = append(columns, clause.Column{Name: name})
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: columns, UpdateAll: true}).
		Create(rows).Error
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
