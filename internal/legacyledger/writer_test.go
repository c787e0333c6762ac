package legacyledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/smallbiznis/erpsync/internal/document/domain"
	"github.com/smallbiznis/erpsync/internal/legacystore"
	"github.com/smallbiznis/erpsync/internal/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func strptr(s string) *string { return &s }

func sampleDocument(id string) *domain.Document {
	return &domain.Document{
		ID:           id,
		TenantID:     storetest.TenantID,
		Number:       "FV-" + id,
		Status:       domain.StatusApproved,
		TaxID:        "900123456-7",
		DocumentDate: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		Total:        119,
		Lines: []domain.Line{
			{LineNo: 1, AccountCode: "130505", Debit: 119},
			{LineNo: 2, AccountCode: "413505", Credit: 100},
			{LineNo: 3, AccountCode: "240805", Credit: 19, TaxID: strptr("800111222-1")},
		},
	}
}

var resolved = map[string]string{
	"900123456-7": "900123456",
	"800111222-1": "800111222",
}

type ledgerLine struct {
	Linea   int
	Acct    string
	IDN     string `gorm:"column:id_n"`
	Debito  float64
	Credito float64
}

func linesOf(t *testing.T, store *legacystore.Store, batch int64) []ledgerLine {
	t.Helper()
	var lines []ledgerLine
	require.NoError(t, store.Query(context.Background(), &lines,
		`SELECT linea, acct, id_n, debito, credito FROM documentos_lineas WHERE batch = ? ORDER BY linea`, batch))
	return lines
}

func counter(t *testing.T, store *legacystore.Store) int64 {
	t.Helper()
	var next int64
	require.NoError(t, store.Query(context.Background(), &next,
		`SELECT siguiente FROM consecutivos WHERE tipo = 'FV'`))
	return next
}

func TestWriteHeaderAndLines(t *testing.T) {
	store := storetest.Legacy(t)
	w := NewWriter(store, Options{})

	res, err := w.Write(context.Background(), sampleDocument("doc-1"), resolved)
	require.NoError(t, err)
	assert.Equal(t, Result{Batch: 1}, res)

	var head struct {
		IDN        string `gorm:"column:id_n"`
		Total      float64
		Referencia string
	}
	require.NoError(t, store.Query(context.Background(), &head,
		`SELECT id_n, total, referencia FROM documentos WHERE tipo = 'FV' AND batch = 1`))
	assert.Equal(t, "900123456", head.IDN)
	assert.Equal(t, 119.0, head.Total)
	assert.Equal(t, "doc-1", head.Referencia)

	lines := linesOf(t, store, 1)
	require.Len(t, lines, 3)
	assert.Equal(t, "900123456", lines[0].IDN)
	assert.Equal(t, "800111222", lines[2].IDN)
	assert.Equal(t, 19.0, lines[2].Credito)

	assert.EqualValues(t, 2, counter(t, store))
}

func TestWriteIsIdempotentPerDocument(t *testing.T) {
	store := storetest.Legacy(t)
	w := NewWriter(store, Options{})

	first, err := w.Write(context.Background(), sampleDocument("doc-1"), resolved)
	require.NoError(t, err)
	second, err := w.Write(context.Background(), sampleDocument("doc-1"), resolved)
	require.NoError(t, err)

	assert.Equal(t, first.Batch, second.Batch)
	assert.True(t, second.Existing)

	var headers int64
	require.NoError(t, store.DB().Table("documentos").Count(&headers).Error)
	assert.EqualValues(t, 1, headers)
}

func TestWriteHealsStaleCounter(t *testing.T) {
	store := storetest.Legacy(t)
	ctx := context.Background()
	_, err := store.Exec(ctx, `INSERT INTO consecutivos (tipo, siguiente) VALUES ('FV', 3)`)
	require.NoError(t, err)
	_, err = store.Exec(ctx, `INSERT INTO documentos (tipo, batch, id_n, fecha, total) VALUES ('FV', 10, 'x', '2025-01-01', 1)`)
	require.NoError(t, err)

	core, logs := observer.New(zap.WarnLevel)
	w := NewWriter(store, Options{Log: zap.New(core)})
	res, err := w.Write(ctx, sampleDocument("doc-2"), resolved)
	require.NoError(t, err)
	assert.EqualValues(t, 11, res.Batch)
	assert.EqualValues(t, 12, counter(t, store))
	assert.Equal(t, 1, logs.FilterMessage("legacyledger.sequence.healed").Len())
}

func TestWriteRollsBackAndStillAdvancesCounter(t *testing.T) {
	store := storetest.Legacy(t)
	ctx := context.Background()
	// a leftover line for batch 1 makes the line insert collide
	_, err := store.Exec(ctx, `INSERT INTO documentos_lineas (tipo, batch, linea, acct, id_n, debito, credito)
		VALUES ('FV', 1, 2, '999', 'x', 0, 0)`)
	require.NoError(t, err)

	w := NewWriter(store, Options{})
	_, err = w.Write(ctx, sampleDocument("doc-3"), resolved)
	require.ErrorIs(t, err, ErrLedgerConstraint)

	var headers int64
	require.NoError(t, store.DB().Table("documentos").Count(&headers).Error)
	assert.Zero(t, headers)
	assert.EqualValues(t, 2, counter(t, store))

	// the retry takes the next number
	res, err := w.Write(ctx, sampleDocument("doc-3"), resolved)
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.Batch)
}

func TestWriteRejectsInvalidDocuments(t *testing.T) {
	store := storetest.Legacy(t)
	w := NewWriter(store, Options{})
	ctx := context.Background()

	doc := sampleDocument("doc-4")
	doc.Lines = nil
	_, err := w.Write(ctx, doc, resolved)
	assert.ErrorIs(t, err, domain.ErrNoLines)

	doc = sampleDocument("doc-5")
	doc.Lines[1].AccountCode = " "
	_, err = w.Write(ctx, doc, resolved)
	assert.ErrorIs(t, err, domain.ErrInvalidLine)

	doc = sampleDocument("doc-6")
	doc.Lines[0].Debit = -1
	_, err = w.Write(ctx, doc, resolved)
	assert.ErrorIs(t, err, domain.ErrInvalidLine)

	_, err = w.Write(ctx, sampleDocument("doc-7"), map[string]string{"900123456-7": "900123456"})
	assert.ErrorIs(t, err, ErrUnresolvedParty)

	// validation failures never consume a number
	var counters int64
	require.NoError(t, store.DB().Table("consecutivos").Count(&counters).Error)
	assert.Zero(t, counters)
}

func TestWriteRecalcFailureIsNotFatal(t *testing.T) {
	store := storetest.Legacy(t)
	core, logs := observer.New(zap.WarnLevel)
	w := NewWriter(store, Options{RecalcSQL: "CALL recontabilizar(?, ?)", Log: zap.New(core)})

	res, err := w.Write(context.Background(), sampleDocument("doc-8"), resolved)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Batch)
	assert.Equal(t, 1, logs.FilterMessage("legacyledger.recalc_failed").Len())
}

func TestWriteConcurrentBatchesAreUnique(t *testing.T) {
	store := storetest.Legacy(t)
	w := NewWriter(store, Options{})

	const n = 6
	batches := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := w.Write(context.Background(), sampleDocument(string(rune('a'+i))), resolved)
			assert.NoError(t, err)
			batches[i] = res.Batch
		}(i)
	}
	wg.Wait()

	seen := map[int64]bool{}
	for _, b := range batches {
		assert.False(t, seen[b], "batch %d allocated twice", b)
		seen[b] = true
	}
	assert.EqualValues(t, n+1, counter(t, store))
}
