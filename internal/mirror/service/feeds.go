package service

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/smallbiznis/erpsync/internal/config"
	"github.com/smallbiznis/erpsync/internal/mirror/domain"
	"github.com/smallbiznis/erpsync/internal/mirror/repository"
	"gorm.io/datatypes"
)

type partiesFeed struct {
	legacy *repository.LegacyRepository
}

func (partiesFeed) Name() string              { return config.FeedParties }
func (partiesFeed) Model() any                { return &domain.Party{} }
func (partiesFeed) ConflictColumns() []string { return []string{"canonical_id", "tenant_id"} }

func (f partiesFeed) FetchUnversioned(ctx context.Context, offset, limit int) ([]domain.LegacyParty, error) {
	return f.legacy.UnversionedParties(ctx, offset, limit)
}

func (f partiesFeed) FetchPage(ctx context.Context, after repository.Position, limit int) ([]domain.LegacyParty, error) {
	return f.legacy.PartiesAfter(ctx, after, limit)
}

func (partiesFeed) Position(row domain.LegacyParty) repository.Position {
	return position(row.Version, row.IDN)
}

func (partiesFeed) MapRow(rc RowContext, row domain.LegacyParty) (domain.Party, error) {
	id := strings.TrimSpace(row.IDN)
	if id == "" {
		return domain.Party{}, fmt.Errorf("%w: id_n is empty", domain.ErrInvalidRow)
	}
	name := strings.TrimSpace(row.Nombre)
	if name == "" {
		return domain.Party{}, fmt.Errorf("%w: nombre is empty for %s", domain.ErrInvalidRow, id)
	}
	customer, err := flag("cliente", row.Cliente)
	if err != nil {
		return domain.Party{}, err
	}
	supplier, err := flag("proveedor", row.Proveedor)
	if err != nil {
		return domain.Party{}, err
	}
	employee, err := flag("empleado", row.Empleado)
	if err != nil {
		return domain.Party{}, err
	}
	taxID := strings.TrimSpace(row.Nit)
	if taxID == "" {
		taxID = id
	}
	return domain.Party{
		TenantID:    rc.TenantID,
		CanonicalID: id,
		TaxID:       taxID,
		Name:        name,
		Address:     strings.TrimSpace(row.Direccion),
		City:        strings.TrimSpace(row.Ciudad),
		Phone:       strings.TrimSpace(row.Telefono),
		Email:       strings.ToLower(strings.TrimSpace(row.Email)),
		IsCustomer:  customer,
		IsSupplier:  supplier,
		IsEmployee:  employee,
		Version:     row.Version,
		SyncStatus:  domain.SyncStatusSynced,
		Payload:     partyPayload(row),
		SyncedAt:    rc.SyncedAt,
	}, nil
}

func (partiesFeed) ErrorRow(rc RowContext, row domain.LegacyParty, cause error) domain.Party {
	return domain.Party{
		TenantID:    rc.TenantID,
		CanonicalID: strings.TrimSpace(row.IDN),
		TaxID:       strings.TrimSpace(row.Nit),
		Name:        strings.TrimSpace(row.Nombre),
		Version:     row.Version,
		SyncStatus:  domain.SyncStatusError,
		SyncError:   errorText(cause),
		Payload:     partyPayload(row),
		SyncedAt:    rc.SyncedAt,
	}
}

func partyPayload(row domain.LegacyParty) datatypes.JSONMap {
	return datatypes.JSONMap{
		"id_n":      row.IDN,
		"nit":       row.Nit,
		"nombre":    row.Nombre,
		"direccion": row.Direccion,
		"ciudad":    row.Ciudad,
		"telefono":  row.Telefono,
		"email":     row.Email,
		"cliente":   row.Cliente,
		"proveedor": row.Proveedor,
		"empleado":  row.Empleado,
	}
}

type accountsFeed struct {
	legacy *repository.LegacyRepository
}

func (accountsFeed) Name() string              { return config.FeedAccounts }
func (accountsFeed) Model() any                { return &domain.Account{} }
func (accountsFeed) ConflictColumns() []string { return []string{"code", "tenant_id"} }

func (f accountsFeed) FetchUnversioned(ctx context.Context, offset, limit int) ([]domain.LegacyAccount, error) {
	return f.legacy.UnversionedAccounts(ctx, offset, limit)
}

func (f accountsFeed) FetchPage(ctx context.Context, after repository.Position, limit int) ([]domain.LegacyAccount, error) {
	return f.legacy.AccountsAfter(ctx, after, limit)
}

func (accountsFeed) Position(row domain.LegacyAccount) repository.Position {
	return position(row.Version, row.Acct)
}

const (
	NatureDebit  = "DEBIT"
	NatureCredit = "CREDIT"
)

func (accountsFeed) MapRow(rc RowContext, row domain.LegacyAccount) (domain.Account, error) {
	code := strings.TrimSpace(row.Acct)
	if code == "" {
		return domain.Account{}, fmt.Errorf("%w: acct is empty", domain.ErrInvalidRow)
	}
	var nature string
	switch strings.ToUpper(strings.TrimSpace(row.Naturaleza)) {
	case "D":
		nature = NatureDebit
	case "C":
		nature = NatureCredit
	default:
		return domain.Account{}, fmt.Errorf("%w: naturaleza %q of %s is neither D nor C", domain.ErrInvalidRow, row.Naturaleza, code)
	}
	if row.Nivel < 0 {
		return domain.Account{}, fmt.Errorf("%w: nivel %d of %s is negative", domain.ErrInvalidRow, row.Nivel, code)
	}
	active, err := flagDefault("activa", row.Activa, true)
	if err != nil {
		return domain.Account{}, err
	}
	requiresParty, err := flag("tercero", row.Tercero)
	if err != nil {
		return domain.Account{}, err
	}
	return domain.Account{
		TenantID:      rc.TenantID,
		Code:          code,
		Description:   strings.TrimSpace(row.Descripcion),
		Nature:        nature,
		Level:         row.Nivel,
		Active:        active,
		RequiresParty: requiresParty,
		Version:       row.Version,
		SyncStatus:    domain.SyncStatusSynced,
		Payload:       accountPayload(row),
		SyncedAt:      rc.SyncedAt,
	}, nil
}

func (accountsFeed) ErrorRow(rc RowContext, row domain.LegacyAccount, cause error) domain.Account {
	return domain.Account{
		TenantID:    rc.TenantID,
		Code:        strings.TrimSpace(row.Acct),
		Description: strings.TrimSpace(row.Descripcion),
		Version:     row.Version,
		SyncStatus:  domain.SyncStatusError,
		SyncError:   errorText(cause),
		Payload:     accountPayload(row),
		SyncedAt:    rc.SyncedAt,
	}
}

func accountPayload(row domain.LegacyAccount) datatypes.JSONMap {
	return datatypes.JSONMap{
		"acct":        row.Acct,
		"descripcion": row.Descripcion,
		"naturaleza":  row.Naturaleza,
		"nivel":       row.Nivel,
		"activa":      row.Activa,
		"tercero":     row.Tercero,
	}
}

type productsFeed struct {
	legacy *repository.LegacyRepository
}

func (productsFeed) Name() string              { return config.FeedProducts }
func (productsFeed) Model() any                { return &domain.Product{} }
func (productsFeed) ConflictColumns() []string { return []string{"code", "tenant_id"} }

func (f productsFeed) FetchUnversioned(ctx context.Context, offset, limit int) ([]domain.LegacyProduct, error) {
	return f.legacy.UnversionedProducts(ctx, offset, limit)
}

func (f productsFeed) FetchPage(ctx context.Context, after repository.Position, limit int) ([]domain.LegacyProduct, error) {
	return f.legacy.ProductsAfter(ctx, after, limit)
}

func (productsFeed) Position(row domain.LegacyProduct) repository.Position {
	return position(row.Version, row.Codigo)
}

func (productsFeed) MapRow(rc RowContext, row domain.LegacyProduct) (domain.Product, error) {
	code := strings.TrimSpace(row.Codigo)
	if code == "" {
		return domain.Product{}, fmt.Errorf("%w: codigo is empty", domain.ErrInvalidRow)
	}
	var price, rate float64
	if row.Precio != nil {
		price = *row.Precio
	}
	if row.Iva != nil {
		rate = *row.Iva
	}
	if price < 0 || math.IsNaN(price) {
		return domain.Product{}, fmt.Errorf("%w: precio of %s is negative", domain.ErrInvalidRow, code)
	}
	if rate < 0 || rate > 100 || math.IsNaN(rate) {
		return domain.Product{}, fmt.Errorf("%w: iva %.4f of %s is out of range", domain.ErrInvalidRow, rate, code)
	}
	active, err := flagDefault("activo", row.Activo, true)
	if err != nil {
		return domain.Product{}, err
	}
	return domain.Product{
		TenantID:    rc.TenantID,
		Code:        code,
		Description: strings.TrimSpace(row.Descripcion),
		Unit:        strings.ToUpper(strings.TrimSpace(row.Unidad)),
		Price:       round2(price),
		TaxRate:     rate,
		Active:      active,
		Version:     row.Version,
		SyncStatus:  domain.SyncStatusSynced,
		Payload:     productPayload(row),
		SyncedAt:    rc.SyncedAt,
	}, nil
}

func (productsFeed) ErrorRow(rc RowContext, row domain.LegacyProduct, cause error) domain.Product {
	return domain.Product{
		TenantID:    rc.TenantID,
		Code:        strings.TrimSpace(row.Codigo),
		Description: strings.TrimSpace(row.Descripcion),
		Version:     row.Version,
		SyncStatus:  domain.SyncStatusError,
		SyncError:   errorText(cause),
		Payload:     productPayload(row),
		SyncedAt:    rc.SyncedAt,
	}
}

func productPayload(row domain.LegacyProduct) datatypes.JSONMap {
	return datatypes.JSONMap{
		"codigo":      row.Codigo,
		"descripcion": row.Descripcion,
		"unidad":      row.Unidad,
		"precio":      row.Precio,
		"iva":         row.Iva,
		"activo":      row.Activo,
	}
}

func position(version *int64, key string) repository.Position {
	p := repository.Position{Key: key, HasKey: true}
	if version != nil {
		p.Version = *version
	}
	return p
}

// flag reads an ERP S/N column. Blank means no.
func flag(column, raw string) (bool, error) {
	return flagDefault(column, raw, false)
}

func flagDefault(column, raw string, def bool) (bool, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "":
		return def, nil
	case "S", "Y", "1":
		return true, nil
	case "N", "0":
		return false, nil
	default:
		return false, fmt.Errorf("%w: %s has invalid flag %q", domain.ErrInvalidRow, column, raw)
	}
}

func errorText(err error) *string {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return &msg
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
