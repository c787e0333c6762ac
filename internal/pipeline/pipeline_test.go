package pipeline

import (
	"context"
	"database/sql/driver"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/smallbiznis/erpsync/internal/clock"
	"github.com/smallbiznis/erpsync/internal/cloudstore"
	"github.com/smallbiznis/erpsync/internal/document/domain"
	"github.com/smallbiznis/erpsync/internal/document/repository"
	"github.com/smallbiznis/erpsync/internal/identity"
	"github.com/smallbiznis/erpsync/internal/legacyledger"
	"github.com/smallbiznis/erpsync/internal/legacystore"
	"github.com/smallbiznis/erpsync/internal/lock"
	mirrorrepo "github.com/smallbiznis/erpsync/internal/mirror/repository"
	"github.com/smallbiznis/erpsync/internal/observability/metrics"
	"github.com/smallbiznis/erpsync/internal/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	legacy *legacystore.Store
	cloud  *cloudstore.Store
	docs   *repository.Repository
	writer *legacyledger.Writer
	p      *Pipeline
	clock  *clock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	legacy := storetest.Legacy(t)
	cloud := storetest.Cloud(t)
	fc := clock.NewFakeClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))

	docs := repository.New(cloud)
	resolver := identity.NewResolver(mirrorrepo.New(cloud), legacy, identity.Options{TenantID: storetest.TenantID})
	writer := legacyledger.NewWriter(legacy, legacyledger.Options{Clock: fc})
	p := New(docs, resolver, writer, lock.NewMemoryLocker(), Options{
		TenantID: storetest.TenantID,
		Clock:    fc,
	})
	return &fixture{legacy: legacy, cloud: cloud, docs: docs, writer: writer, p: p, clock: fc}
}

func (f *fixture) document(t *testing.T, id, taxID string, status domain.Status, lines int) {
	t.Helper()
	doc := domain.Document{
		ID:           id,
		TenantID:     storetest.TenantID,
		Number:       "FV-" + id,
		Status:       status,
		TaxID:        taxID,
		PartyName:    "Cliente " + id,
		DocumentDate: f.clock.Now(),
		Total:        100,
	}
	for i := 0; i < lines; i++ {
		doc.Lines = append(doc.Lines, domain.Line{
			DocumentID:  id,
			LineNo:      i + 1,
			AccountCode: fmt.Sprintf("41350%d", i),
			Debit:       float64(100 * ((i + 1) % 2)),
			Credit:      float64(100 * (i % 2)),
		})
	}
	require.NoError(t, f.cloud.DB().Create(&doc).Error)
}

func (f *fixture) party(t *testing.T, idn, nit string) {
	t.Helper()
	_, err := f.legacy.Exec(context.Background(),
		`INSERT INTO terceros (id_n, nit, nombre) VALUES (?, ?, 'EXISTENTE')`, idn, nit)
	require.NoError(t, err)
}

func (f *fixture) reload(t *testing.T, id string) domain.Document {
	t.Helper()
	var doc domain.Document
	require.NoError(t, f.cloud.DB().First(&doc, "id = ?", id).Error)
	return doc
}

func (f *fixture) headers(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.legacy.DB().Table("documentos").Count(&n).Error)
	return n
}

func TestProcessProvisionsNewParty(t *testing.T) {
	f := newFixture(t)
	f.document(t, "doc-1", "999888777-6", domain.StatusApproved, 2)

	out, err := f.p.Process(context.Background(), "doc-1", TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeSynced, out.Status)
	assert.True(t, out.Provisioned)
	assert.EqualValues(t, 1, out.Batch)

	doc := f.reload(t, "doc-1")
	assert.Equal(t, domain.StatusSynced, doc.Status)
	require.NotNil(t, doc.Result)
	assert.Equal(t, domain.ResultOkProvisioned, *doc.Result)
	require.NotNil(t, doc.LegacyBatch)
	assert.EqualValues(t, 1, *doc.LegacyBatch)
	assert.NotNil(t, doc.SyncedAt)

	var idn string
	require.NoError(t, f.legacy.Query(context.Background(), &idn, `SELECT id_n FROM documentos WHERE batch = 1`))
	assert.Equal(t, "999888777", idn)

	var nombre string
	require.NoError(t, f.legacy.Query(context.Background(), &nombre, `SELECT nombre FROM terceros WHERE id_n = '999888777'`))
	assert.Equal(t, "CLIENTE DOC-1", nombre)
}

func TestProcessKnownPartyWritesOk(t *testing.T) {
	f := newFixture(t)
	f.party(t, "900123456", "900123456-7")
	f.document(t, "doc-1", "900123456-7", domain.StatusApproved, 2)

	out, err := f.p.Process(context.Background(), "doc-1", TriggerPush)
	require.NoError(t, err)
	assert.False(t, out.Provisioned)

	doc := f.reload(t, "doc-1")
	assert.Equal(t, domain.ResultOk, *doc.Result)
}

func TestProcessWithoutLinesFails(t *testing.T) {
	f := newFixture(t)
	f.document(t, "doc-1", "900123456-7", domain.StatusApproved, 0)

	out, err := f.p.Process(context.Background(), "doc-1", TriggerPoll)
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeFailed, out.Status)

	doc := f.reload(t, "doc-1")
	assert.Equal(t, domain.StatusError, doc.Status)
	assert.Contains(t, *doc.Result, "no_ledger_lines")
	assert.Zero(t, f.headers(t))

	var parties int64
	require.NoError(t, f.legacy.DB().Table("terceros").Count(&parties).Error)
	assert.Zero(t, parties, "nothing is provisioned for an empty document")
}

func TestProcessSkipsDoneAndDraftDocuments(t *testing.T) {
	f := newFixture(t)
	f.document(t, "draft", "1", domain.StatusDraft, 1)
	f.document(t, "done", "1", domain.StatusSynced, 1)

	for _, id := range []string{"draft", "done", "missing"} {
		out, err := f.p.Process(context.Background(), id, TriggerManual)
		require.NoError(t, err)
		assert.Equal(t, metrics.OutcomeSkipped, out.Status, id)
	}
	assert.Zero(t, f.headers(t))
}

func TestProcessConcurrentWritesOnce(t *testing.T) {
	f := newFixture(t)
	f.party(t, "900123456", "900123456")
	f.document(t, "doc-1", "900123456", domain.StatusApproved, 2)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.p.Process(context.Background(), "doc-1", TriggerPush)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, f.headers(t))
	assert.Equal(t, domain.StatusSynced, f.reload(t, "doc-1").Status)
}

func TestProcessFindsDocumentAlreadyInLedger(t *testing.T) {
	f := newFixture(t)
	f.party(t, "900123456", "900123456")
	f.document(t, "doc-1", "900123456", domain.StatusApproved, 2)

	// a previous attempt committed in the ERP but never wrote back
	doc, err := f.docs.Get(context.Background(), "doc-1")
	require.NoError(t, err)
	first, err := f.writer.Write(context.Background(), doc, map[string]string{"900123456": "900123456"})
	require.NoError(t, err)

	out, err := f.p.Process(context.Background(), "doc-1", TriggerRecovery)
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeSynced, out.Status)
	assert.Equal(t, first.Batch, out.Batch)
	assert.EqualValues(t, 1, f.headers(t))
}

type flakyWriter struct {
	inner Writer
	fail  bool
}

func (w *flakyWriter) Write(ctx context.Context, doc *domain.Document, resolved map[string]string) (legacyledger.Result, error) {
	if w.fail {
		return legacyledger.Result{}, fmt.Errorf("insert header: %w", driver.ErrBadConn)
	}
	return w.inner.Write(ctx, doc, resolved)
}

func TestTransientFailureIsRetriedByPoll(t *testing.T) {
	f := newFixture(t)
	f.party(t, "900123456", "900123456")
	f.document(t, "doc-1", "900123456", domain.StatusApproved, 2)

	flaky := &flakyWriter{inner: f.writer, fail: true}
	f.p.writer = flaky

	out, err := f.p.Process(context.Background(), "doc-1", TriggerPush)
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeRetry, out.Status)

	doc := f.reload(t, "doc-1")
	assert.Equal(t, domain.StatusApproved, doc.Status)
	require.NotNil(t, doc.Result)
	assert.Contains(t, *doc.Result, domain.ResultRetryPrefix)

	flaky.fail = false
	summary, err := f.p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Processed: 1}, summary)
	assert.Equal(t, domain.StatusSynced, f.reload(t, "doc-1").Status)
}

// cancellingWriter stands in for a shutdown arriving while the ERP write is
// in flight.
type cancellingWriter struct {
	inner  Writer
	cancel context.CancelFunc
}

func (w *cancellingWriter) Write(ctx context.Context, doc *domain.Document, resolved map[string]string) (legacyledger.Result, error) {
	w.cancel()
	return w.inner.Write(ctx, doc, resolved)
}

func TestCancelledWriteLeavesDocumentForRecovery(t *testing.T) {
	f := newFixture(t)
	f.party(t, "900123456", "900123456")
	f.document(t, "doc-1", "900123456", domain.StatusApproved, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.p.writer = &cancellingWriter{inner: f.writer, cancel: cancel}

	out, err := f.p.Process(ctx, "doc-1", TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeRetry, out.Status)
	assert.Equal(t, "interrupted", out.Reason)

	doc := f.reload(t, "doc-1")
	assert.Equal(t, domain.StatusApproved, doc.Status)
	assert.Nil(t, doc.Result)
	assert.Zero(t, f.headers(t))

	// next start
	f.p.writer = f.writer
	summary, err := f.p.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Processed: 1}, summary)
	assert.Equal(t, domain.StatusSynced, f.reload(t, "doc-1").Status)
	assert.EqualValues(t, 1, f.headers(t))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, isRetryable(fmt.Errorf("lookup existing document: %w", context.Canceled)))
	assert.True(t, isRetryable(fmt.Errorf("insert header: %w", driver.ErrBadConn)))
	assert.False(t, isRetryable(domain.ErrNoLines))
	assert.False(t, isRetryable(fmt.Errorf("insert lines: %w", legacyledger.ErrLedgerConstraint)))
}

func TestProcessProvisionsLineOverrideSeparately(t *testing.T) {
	f := newFixture(t)
	f.party(t, "900123456", "900123456-7")
	f.document(t, "doc-1", "900123456-7", domain.StatusApproved, 2)

	override := "800555444-1"
	require.NoError(t, f.cloud.DB().Model(&domain.Line{}).
		Where("document_id = ? AND line_no = ?", "doc-1", 2).
		Update("tax_id", override).Error)

	out, err := f.p.Process(context.Background(), "doc-1", TriggerPoll)
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeSynced, out.Status)
	assert.True(t, out.Provisioned)

	doc := f.reload(t, "doc-1")
	assert.Equal(t, domain.ResultOkProvisioned, *doc.Result)

	var parties []string
	require.NoError(t, f.legacy.DB().Table("terceros").Order("id_n").Pluck("id_n", &parties).Error)
	assert.Equal(t, []string{"800555444", "900123456"}, parties)

	var nombre string
	require.NoError(t, f.legacy.Query(context.Background(), &nombre, `SELECT nombre FROM terceros WHERE id_n = '800555444'`))
	assert.NotEqual(t, "CLIENTE DOC-1", nombre, "the document party name belongs to the document party only")

	var header string
	require.NoError(t, f.legacy.Query(context.Background(), &header, `SELECT id_n FROM documentos WHERE batch = ?`, out.Batch))
	assert.Equal(t, "900123456", header)

	var lines []string
	require.NoError(t, f.legacy.DB().Table("documentos_lineas").Order("linea").Pluck("id_n", &lines).Error)
	assert.Equal(t, []string{"900123456", "800555444"}, lines)
}

func TestRecoverProcessesPendingInDateOrder(t *testing.T) {
	f := newFixture(t)
	f.party(t, "1", "1")
	f.document(t, "late", "1", domain.StatusApproved, 2)
	f.clock.Advance(-24 * time.Hour)
	f.document(t, "early", "1", domain.StatusApproved, 2)
	f.document(t, "empty", "1", domain.StatusApproved, 0)
	f.document(t, "draft", "1", domain.StatusDraft, 2)

	summary, err := f.p.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Processed: 2, Errors: 1}, summary)

	early := f.reload(t, "early")
	late := f.reload(t, "late")
	assert.Less(t, *early.LegacyBatch, *late.LegacyBatch)
	assert.Equal(t, domain.StatusDraft, f.reload(t, "draft").Status)

	again, err := f.p.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{}, again)
}

func TestHandleChangeFiltersApprovedEdge(t *testing.T) {
	f := newFixture(t)
	approved := domain.Snapshot{ID: "doc-1", TenantID: storetest.TenantID, Status: domain.StatusApproved}

	assert.True(t, f.p.HandleChange(domain.Change{Type: "INSERT", New: approved}))
	assert.True(t, f.p.HandleChange(domain.Change{
		Type: "UPDATE", New: approved,
		Old: &domain.Snapshot{ID: "doc-1", Status: domain.StatusDraft},
	}))
	assert.False(t, f.p.HandleChange(domain.Change{
		Type: "UPDATE", New: approved,
		Old: &domain.Snapshot{ID: "doc-1", Status: domain.StatusApproved},
	}), "result updates on approved rows are not an edge")
	assert.False(t, f.p.HandleChange(domain.Change{
		Type: "UPDATE", New: domain.Snapshot{ID: "doc-1", TenantID: storetest.TenantID, Status: domain.StatusSynced},
	}))
	other := approved
	other.TenantID = "someone-else"
	assert.False(t, f.p.HandleChange(domain.Change{Type: "INSERT", New: other}))

	assert.Len(t, f.p.queue, 2)
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	p := New(nil, nil, nil, nil, Options{QueueSize: 1})
	require.NoError(t, p.Enqueue("a"))
	assert.ErrorIs(t, p.Enqueue("b"), ErrQueueFull)
}

func TestRunDrainsQueue(t *testing.T) {
	f := newFixture(t)
	f.party(t, "1", "1")
	f.document(t, "doc-1", "1", domain.StatusApproved, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.p.Run(ctx)
		close(done)
	}()

	require.NoError(t, f.p.Enqueue("doc-1"))
	require.Eventually(t, func() bool {
		return f.reload(t, "doc-1").Status == domain.StatusSynced
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestReadyFlag(t *testing.T) {
	p := New(nil, nil, nil, nil, Options{})
	assert.False(t, p.Ready())
	p.MarkReady()
	assert.True(t, p.Ready())
}
