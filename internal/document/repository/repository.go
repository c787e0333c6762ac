package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/smallbiznis/erpsync/internal/cloudstore"
	"github.com/smallbiznis/erpsync/internal/document/domain"
	"gorm.io/gorm"
)

type Repository struct {
	store *cloudstore.Store
}

func New(store *cloudstore.Store) *Repository {
	return &Repository{store: store}
}

func (r *Repository) TenantID() string {
	return r.store.TenantID()
}

// Get loads a document of the instance tenant with its lines in line order.
func (r *Repository) Get(ctx context.Context, id string) (*domain.Document, error) {
	var doc domain.Document
	err := r.store.DB().WithContext(ctx).
		Preload("Lines", func(db *gorm.DB) *gorm.DB { return db.Order("line_no ASC") }).
		Where("id = ? AND tenant_id = ?", id, r.store.TenantID()).
		First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// ListPending returns approved documents without a success marker, oldest
// document date first.
func (r *Repository) ListPending(ctx context.Context, limit int) ([]string, error) {
	var ids []string
	q := r.store.DB().WithContext(ctx).
		Model(&domain.Document{}).
		Where("tenant_id = ? AND status = ?", r.store.TenantID(), domain.StatusApproved).
		Where("(result IS NULL OR result NOT LIKE ?)", domain.ResultOk+"%").
		Order("document_date ASC").
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Pluck("id", &ids).Error
	return ids, err
}

// MarkSynced records a successful legacy write. Only approved documents are
// touched.
func (r *Repository) MarkSynced(ctx context.Context, id, result string, batch int64, at time.Time) error {
	return r.update(ctx, id, map[string]any{
		"status":       domain.StatusSynced,
		"result":       result,
		"legacy_batch": batch,
		"synced_at":    at,
		"updated_at":   at,
	})
}

// MarkFailed moves the document to ERROR with the failure message.
func (r *Repository) MarkFailed(ctx context.Context, id, message string, at time.Time) error {
	return r.update(ctx, id, map[string]any{
		"status":     domain.StatusError,
		"result":     failureText(message),
		"updated_at": at,
	})
}

// MarkRetry keeps the document APPROVED so the next poll retries it, and
// records why this attempt failed.
func (r *Repository) MarkRetry(ctx context.Context, id, message string, at time.Time) error {
	return r.update(ctx, id, map[string]any{
		"result":     domain.ResultRetryPrefix + message,
		"updated_at": at,
	})
}

func (r *Repository) update(ctx context.Context, id string, values map[string]any) error {
	res := r.store.DB().WithContext(ctx).
		Model(&domain.Document{}).
		Where("id = ? AND tenant_id = ? AND status = ?", id, r.store.TenantID(), domain.StatusApproved).
		Updates(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// AutoMigrate creates the document tables from the models. Production uses
// the SQL migrations.
func (r *Repository) AutoMigrate(ctx context.Context) error {
	return r.store.DB().WithContext(ctx).AutoMigrate(&domain.Document{}, &domain.Line{})
}

// failureText keeps an error message from reading as a success marker.
func failureText(message string) string {
	message = strings.TrimSpace(message)
	if message == "" {
		return "Error"
	}
	if strings.HasPrefix(message, domain.ResultOk) {
		return "Error: " + message
	}
	return message
}
