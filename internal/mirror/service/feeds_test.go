package service

import (
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/erpsync/internal/mirror/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountMapping(t *testing.T) {
	rc := RowContext{TenantID: "t1", SyncedAt: time.Unix(0, 0)}
	v := int64(9)

	acc, err := accountsFeed{}.MapRow(rc, domain.LegacyAccount{Acct: " 2408 ", Naturaleza: "c", Nivel: 2, Tercero: "S", Version: &v})
	require.NoError(t, err)
	assert.Equal(t, "2408", acc.Code)
	assert.Equal(t, NatureCredit, acc.Nature)
	assert.True(t, acc.Active)
	assert.True(t, acc.RequiresParty)
	assert.Equal(t, &v, acc.Version)

	_, err = accountsFeed{}.MapRow(rc, domain.LegacyAccount{Acct: "2408", Naturaleza: "X"})
	assert.True(t, errors.Is(err, domain.ErrInvalidRow))

	_, err = accountsFeed{}.MapRow(rc, domain.LegacyAccount{Acct: "2408", Naturaleza: "D", Activa: "maybe"})
	assert.ErrorIs(t, err, domain.ErrInvalidRow)
}

func TestPartyMapping(t *testing.T) {
	rc := RowContext{TenantID: "t1"}

	_, err := partiesFeed{}.MapRow(rc, domain.LegacyParty{IDN: "  "})
	assert.ErrorIs(t, err, domain.ErrInvalidRow)

	p, err := partiesFeed{}.MapRow(rc, domain.LegacyParty{IDN: "900", Nit: "900-1", Nombre: "ACME", Email: " Ventas@Acme.CO ", Proveedor: "S"})
	require.NoError(t, err)
	assert.Equal(t, "900-1", p.TaxID)
	assert.Equal(t, "ventas@acme.co", p.Email)
	assert.True(t, p.IsSupplier)
	assert.False(t, p.IsCustomer)

	errRow := partiesFeed{}.ErrorRow(rc, domain.LegacyParty{IDN: "901"}, errors.New("boom"))
	assert.Equal(t, domain.SyncStatusError, errRow.SyncStatus)
	assert.Equal(t, "boom", *errRow.SyncError)
}

func TestProductMappingRoundsPrice(t *testing.T) {
	price := 10.456
	rate := 19.0
	p, err := productsFeed{}.MapRow(RowContext{}, domain.LegacyProduct{Codigo: "P1", Precio: &price, Iva: &rate})
	require.NoError(t, err)
	assert.Equal(t, 10.46, p.Price)

	bad := 120.0
	_, err = productsFeed{}.MapRow(RowContext{}, domain.LegacyProduct{Codigo: "P1", Iva: &bad})
	assert.ErrorIs(t, err, domain.ErrInvalidRow)
}
