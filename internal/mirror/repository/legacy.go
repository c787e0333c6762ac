package repository

import (
	"context"

	"github.com/smallbiznis/erpsync/internal/legacystore"
	"github.com/smallbiznis/erpsync/internal/mirror/domain"
)

// Position is a keyset paging position over (version, natural key). Without
// a key it sits after every row of Version.
type Position struct {
	Version int64
	Key     string
	HasKey  bool
}

// Start is the position before every versioned row; versions are never
// negative.
var Start = Position{Version: -1}

// From is the position before the first row of version. Runs resume from the
// stored cursor this way: an interrupted run may have mirrored only some of
// the rows sharing that version, and upserting the rest again is harmless.
func From(version int64) Position {
	return Position{Version: version - 1}
}

// LegacyRepository reads reference tables from the ERP.
type LegacyRepository struct {
	store *legacystore.Store
}

func NewLegacy(store *legacystore.Store) *LegacyRepository {
	return &LegacyRepository{store: store}
}

var (
	partyColumns   = []string{"id_n", "nit", "nombre", "direccion", "ciudad", "telefono", "email", "cliente", "proveedor", "empleado", "version"}
	accountColumns = []string{"acct", "descripcion", "naturaleza", "nivel", "activa", "tercero", "version"}
	productColumns = []string{"codigo", "descripcion", "unidad", "precio", "iva", "activo", "version"}
)

func (r *LegacyRepository) unversioned(ctx context.Context, dest any, table, key string, columns []string, offset, limit int) error {
	return r.store.DB().WithContext(ctx).
		Table(table).
		Select(columns).
		Where("version IS NULL").
		Order(key).
		Offset(offset).
		Limit(limit).
		Scan(dest).Error
}

func (r *LegacyRepository) page(ctx context.Context, dest any, table, key string, columns []string, after Position, limit int) error {
	q := r.store.DB().WithContext(ctx).Table(table).Select(columns)
	if after.HasKey {
		q = q.Where("(version > ? OR (version = ? AND "+key+" > ?))", after.Version, after.Version, after.Key)
	} else {
		q = q.Where("version > ?", after.Version)
	}
	return q.Order("version").
		Order(key).
		Limit(limit).
		Scan(dest).Error
}

func (r *LegacyRepository) UnversionedParties(ctx context.Context, offset, limit int) ([]domain.LegacyParty, error) {
	var rows []domain.LegacyParty
	err := r.unversioned(ctx, &rows, "terceros", "id_n", partyColumns, offset, limit)
	return rows, err
}

func (r *LegacyRepository) PartiesAfter(ctx context.Context, after Position, limit int) ([]domain.LegacyParty, error) {
	var rows []domain.LegacyParty
	err := r.page(ctx, &rows, "terceros", "id_n", partyColumns, after, limit)
	return rows, err
}

func (r *LegacyRepository) UnversionedAccounts(ctx context.Context, offset, limit int) ([]domain.LegacyAccount, error) {
	var rows []domain.LegacyAccount
	err := r.unversioned(ctx, &rows, "cuentas", "acct", accountColumns, offset, limit)
	return rows, err
}

func (r *LegacyRepository) AccountsAfter(ctx context.Context, after Position, limit int) ([]domain.LegacyAccount, error) {
	var rows []domain.LegacyAccount
	err := r.page(ctx, &rows, "cuentas", "acct", accountColumns, after, limit)
	return rows, err
}

func (r *LegacyRepository) UnversionedProducts(ctx context.Context, offset, limit int) ([]domain.LegacyProduct, error) {
	var rows []domain.LegacyProduct
	err := r.unversioned(ctx, &rows, "productos", "codigo", productColumns, offset, limit)
	return rows, err
}

func (r *LegacyRepository) ProductsAfter(ctx context.Context, after Position, limit int) ([]domain.LegacyProduct, error) {
	var rows []domain.LegacyProduct
	err := r.page(ctx, &rows, "productos", "codigo", productColumns, after, limit)
	return rows, err
}
