package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/smallbiznis/erpsync/internal/cloudstore"
	"github.com/smallbiznis/erpsync/internal/mirror/domain"
	"gorm.io/gorm"
)

// Repository reads and writes the cloud mirror tables of the instance tenant.
type Repository struct {
	store *cloudstore.Store
}

func New(store *cloudstore.Store) *Repository {
	return &Repository{store: store}
}

func (r *Repository) TenantID() string {
	return r.store.TenantID()
}

func (r *Repository) scoped(ctx context.Context, model any) *gorm.DB {
	return r.store.DB().WithContext(ctx).Model(model).Where("tenant_id = ?", r.store.TenantID())
}

// Count returns the number of mirrored rows, error rows included.
func (r *Repository) Count(ctx context.Context, model any) (int64, error) {
	var total int64
	err := r.scoped(ctx, model).Count(&total).Error
	return total, err
}

// MaxVersion returns the cursor of a feed: the highest version already
// mirrored, or nil when no versioned row has been mirrored.
func (r *Repository) MaxVersion(ctx context.Context, model any) (*int64, error) {
	var max sql.NullInt64
	if err := r.scoped(ctx, model).Select("MAX(version)").Scan(&max).Error; err != nil {
		return nil, err
	}
	if !max.Valid {
		return nil, nil
	}
	v := max.Int64
	return &v, nil
}

// Upsert writes rows with overwrite on (natural key, tenant_id).
func (r *Repository) Upsert(ctx context.Context, rows any, conflict []string) error {
	return r.store.Upsert(ctx, rows, conflict...)
}

// Stats summarises one mirror table.
func (r *Repository) Stats(ctx context.Context, feed string, model any) (domain.Stats, error) {
	stats := domain.Stats{Feed: feed}

	total, err := r.Count(ctx, model)
	if err != nil {
		return stats, err
	}
	stats.Total = total

	if err := r.scoped(ctx, model).Where("sync_status = ?", domain.SyncStatusError).Count(&stats.Errors).Error; err != nil {
		return stats, err
	}

	if stats.MaxVersion, err = r.MaxVersion(ctx, model); err != nil {
		return stats, err
	}

	var last struct {
		SyncedAt sql.NullTime
	}
	err = r.scoped(ctx, model).Select("synced_at").Order("synced_at DESC").Limit(1).Scan(&last).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return stats, err
	}
	if last.SyncedAt.Valid {
		t := last.SyncedAt.Time
		stats.LastSynced = &t
	}
	return stats, nil
}

// FindPartyByVariants returns the first mirrored party whose canonical id or
// tax id equals one of the variants, honouring the variant order.
func (r *Repository) FindPartyByVariants(ctx context.Context, variants []string) (*domain.Party, error) {
	if len(variants) == 0 {
		return nil, nil
	}
	var parties []domain.Party
	err := r.scoped(ctx, &domain.Party{}).
		Where("sync_status = ?", domain.SyncStatusSynced).
		Where("canonical_id IN ? OR tax_id IN ?", variants, variants).
		Find(&parties).Error
	if err != nil {
		return nil, err
	}
	for _, v := range variants {
		for i := range parties {
			if parties[i].CanonicalID == v || parties[i].TaxID == v {
				return &parties[i], nil
			}
		}
	}
	return nil, nil
}

// AutoMigrate creates the mirror tables from the models. Production schemas
// come from the SQL migrations; sandboxes and tests use this.
func (r *Repository) AutoMigrate(ctx context.Context) error {
	return r.store.DB().WithContext(ctx).AutoMigrate(&domain.Party{}, &domain.Account{}, &domain.Product{})
}
