// Package pipeline moves approved cloud documents into the legacy ledger.
// Push notifications, the periodic poll and recovery scans all end in
// Process, which claims the document, re-reads it and writes it at most
// once.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/smallbiznis/erpsync/internal/clock"
	"github.com/smallbiznis/erpsync/internal/document/domain"
	"github.com/smallbiznis/erpsync/internal/identity"
	"github.com/smallbiznis/erpsync/internal/legacyledger"
	"github.com/smallbiznis/erpsync/internal/lock"
	obslogger "github.com/smallbiznis/erpsync/internal/observability/logger"
	"github.com/smallbiznis/erpsync/internal/observability/metrics"
	"github.com/smallbiznis/erpsync/internal/observability/obscontext"
	"github.com/smallbiznis/erpsync/internal/observability/tracing"
	"github.com/smallbiznis/erpsync/pkg/db"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	TriggerPush     = "push"
	TriggerPoll     = "poll"
	TriggerRecovery = "recovery"
	TriggerManual   = "manual"
)

const (
	defaultQueueSize = 256
	defaultLockTTL   = 2 * time.Minute
	pendingLimit     = 500
)

var ErrQueueFull = errors.New("pipeline_queue_full")

// Documents is the cloud side of the pipeline.
type Documents interface {
	Get(ctx context.Context, id string) (*domain.Document, error)
	ListPending(ctx context.Context, limit int) ([]string, error)
	MarkSynced(ctx context.Context, id, result string, batch int64, at time.Time) error
	MarkFailed(ctx context.Context, id, message string, at time.Time) error
	MarkRetry(ctx context.Context, id, message string, at time.Time) error
}

type Resolver interface {
	Resolve(ctx context.Context, taxID string, hint identity.Hint) (identity.Resolution, error)
}

type Writer interface {
	Write(ctx context.Context, doc *domain.Document, resolved map[string]string) (legacyledger.Result, error)
}

// Outcome describes what Process did with one document.
type Outcome struct {
	DocumentID  string
	Status      string
	Batch       int64
	Provisioned bool
	Reason      string
}

// Summary aggregates a poll or recovery scan.
type Summary struct {
	Processed int `json:"processed"`
	Errors    int `json:"errors"`
	Skipped   int `json:"skipped"`
}

type Options struct {
	TenantID  string
	QueueSize int
	LockTTL   time.Duration
	Clock     clock.Clock
	Log       *zap.Logger
	Metrics   *metrics.Metrics
	Sync      *metrics.SyncMetrics
}

type Pipeline struct {
	docs     Documents
	resolver Resolver
	writer   Writer
	locker   lock.Locker

	tenantID string
	lockTTL  time.Duration
	clock    clock.Clock
	log      *zap.Logger
	metrics  *metrics.Metrics
	sync     *metrics.SyncMetrics

	queue chan string
	ready atomic.Bool
}

func New(docs Documents, resolver Resolver, writer Writer, locker lock.Locker, opts Options) *Pipeline {
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	ttl := opts.LockTTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	c := opts.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	if locker == nil {
		locker = lock.NewMemoryLocker()
	}
	return &Pipeline{
		docs:     docs,
		resolver: resolver,
		writer:   writer,
		locker:   locker,
		tenantID: opts.TenantID,
		lockTTL:  ttl,
		clock:    c,
		log:      log.Named("pipeline"),
		metrics:  opts.Metrics,
		sync:     opts.Sync,
		queue:    make(chan string, size),
	}
}

// Ready reports whether the startup recovery scan has finished.
func (p *Pipeline) Ready() bool {
	return p.ready.Load()
}

func (p *Pipeline) MarkReady() {
	p.ready.Store(true)
}

// HandleChange queues the document when the change is the APPROVED edge for
// this tenant. It reports whether the document was queued.
func (p *Pipeline) HandleChange(change domain.Change) bool {
	if !change.BecameApproved() {
		return false
	}
	if p.tenantID != "" && change.New.TenantID != p.tenantID {
		return false
	}
	if change.New.ID == "" {
		return false
	}
	if err := p.Enqueue(change.New.ID); err != nil {
		p.log.Warn("pipeline.queue.dropped", zap.String("document_id", change.New.ID), zap.Error(err))
		return false
	}
	return true
}

// Enqueue hands a document to the worker without blocking. A full queue drops
// the id; the next poll picks the document up.
func (p *Pipeline) Enqueue(id string) error {
	select {
	case p.queue <- id:
		return nil
	default:
		p.sync.IncQueueDropped()
		return ErrQueueFull
	}
}

// Run consumes the queue until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-p.queue:
			if _, err := p.Process(ctx, id, TriggerPush); err != nil {
				p.log.Warn("pipeline.push.failed", zap.String("document_id", id), zap.Error(err))
			}
		}
	}
}

// Poll processes every pending document.
func (p *Pipeline) Poll(ctx context.Context) (Summary, error) {
	return p.scan(ctx, TriggerPoll)
}

// Recover is the scan run at startup and after each (re)subscription.
func (p *Pipeline) Recover(ctx context.Context) (Summary, error) {
	return p.scan(ctx, TriggerRecovery)
}

func (p *Pipeline) scan(ctx context.Context, trigger string) (Summary, error) {
	ctx = obscontext.WithTrigger(ctx, trigger)
	log := obslogger.WithContext(ctx, p.log)

	ids, err := p.docs.ListPending(ctx, pendingLimit)
	if err != nil {
		log.Error("pipeline.scan.list_failed", zap.Error(err))
		return Summary{}, fmt.Errorf("list pending documents: %w", err)
	}

	var summary Summary
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		outcome, err := p.Process(ctx, id, trigger)
		switch {
		case err != nil:
			summary.Errors++
		case outcome.Status == metrics.OutcomeSynced:
			summary.Processed++
		case outcome.Status == metrics.OutcomeSkipped:
			summary.Skipped++
		default:
			summary.Errors++
		}
	}
	if len(ids) > 0 {
		log.Info("pipeline.scan.finish",
			zap.Int("pending", len(ids)),
			zap.Int("processed", summary.Processed),
			zap.Int("errors", summary.Errors),
			zap.Int("skipped", summary.Skipped),
		)
	}
	return summary, nil
}

// Process runs one document through the state machine. The returned error is
// non-nil only when the outcome could not be recorded on the document.
func (p *Pipeline) Process(ctx context.Context, id, trigger string) (out Outcome, err error) {
	ctx = obscontext.WithDocumentID(obscontext.WithTrigger(ctx, trigger), id)
	ctx, span := otel.Tracer("erpsync/pipeline").Start(ctx, "pipeline.process")
	span.SetAttributes(tracing.SafeAttributes(
		attribute.String("document_id", id),
		attribute.String("trigger", trigger),
	)...)
	defer func() {
		if out.Status != "" {
			p.metrics.RecordDocument(ctx, trigger, out.Status)
			p.sync.IncDocument(trigger, out.Status)
		}
		tracing.EndSpan(span, err)
	}()

	out = Outcome{DocumentID: id}
	log := obslogger.WithContext(ctx, p.log)

	token, ok, err := p.locker.TryLock(ctx, id, p.lockTTL)
	if err != nil {
		return out, fmt.Errorf("claim document: %w", err)
	}
	if !ok {
		out.Status, out.Reason = metrics.OutcomeSkipped, "claimed"
		log.Debug("pipeline.document.claimed_elsewhere")
		return out, nil
	}
	defer func() {
		if err := p.locker.Release(context.WithoutCancel(ctx), id, token); err != nil {
			log.Warn("pipeline.lock.release_failed", zap.Error(err))
		}
	}()

	doc, err := p.docs.Get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		out.Status, out.Reason = metrics.OutcomeSkipped, "not_found"
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("load document: %w", err)
	}
	if doc.Status != domain.StatusApproved || doc.IsDone() {
		out.Status, out.Reason = metrics.OutcomeSkipped, "not_pending"
		return out, nil
	}

	batch, provisioned, werr := p.write(ctx, doc)
	now := p.clock.Now()
	if werr != nil {
		return p.fail(ctx, log, out, werr, now)
	}

	result := domain.ResultOk
	if provisioned {
		result = domain.ResultOkProvisioned
	}
	// the ERP already committed; record that even if the caller went away
	if err := p.docs.MarkSynced(context.WithoutCancel(ctx), id, result, batch, now); err != nil {
		log.Error("pipeline.document.writeback_failed", zap.Int64("legacy_batch", batch), zap.Error(err))
		out.Status, out.Reason = metrics.OutcomeRetry, "writeback"
		return out, fmt.Errorf("write back document: %w", err)
	}

	out.Status, out.Batch, out.Provisioned = metrics.OutcomeSynced, batch, provisioned
	log.Info("pipeline.document.synced",
		zap.Int64("legacy_batch", batch),
		zap.Bool("provisioned", provisioned),
	)
	return out, nil
}

func (p *Pipeline) write(ctx context.Context, doc *domain.Document) (int64, bool, error) {
	if len(doc.Lines) == 0 {
		return 0, false, domain.ErrNoLines
	}

	resolved := make(map[string]string)
	provisioned := false
	for _, taxID := range taxIDs(doc) {
		hint := identity.Hint{}
		if taxID == strings.TrimSpace(doc.TaxID) {
			hint.Name = doc.PartyName
		}
		res, err := p.resolver.Resolve(ctx, taxID, hint)
		if err != nil {
			return 0, false, err
		}
		resolved[taxID] = res.CanonicalID
		provisioned = provisioned || res.Provisioned
	}

	res, err := p.writer.Write(ctx, doc, resolved)
	if err != nil {
		return 0, provisioned, err
	}
	return res.Batch, provisioned, nil
}

// fail records a failed attempt. Retryable causes keep the document APPROVED
// with the message so the next poll or recovery scan picks it up again.
// Permanent causes move it to ERROR, which no scan selects: an operator has to
// correct the data and set the document back to APPROVED before it is retried.
// An attempt cut short by the caller's context writes nothing back; the
// referencia check makes the rerun after restart safe.
func (p *Pipeline) fail(ctx context.Context, log *zap.Logger, out Outcome, cause error, now time.Time) (Outcome, error) {
	if ctx.Err() != nil {
		out.Status, out.Reason = metrics.OutcomeRetry, "interrupted"
		log.Warn("pipeline.document.interrupted", zap.Error(cause))
		return out, nil
	}
	message := cause.Error()
	ctx = context.WithoutCancel(ctx)
	var err error
	if isRetryable(cause) {
		out.Status, out.Reason = metrics.OutcomeRetry, "transient"
		log.Warn("pipeline.document.retry", zap.Error(cause))
		err = p.docs.MarkRetry(ctx, out.DocumentID, message, now)
	} else {
		out.Status, out.Reason = metrics.OutcomeFailed, metrics.ClassifyErrorType(cause)
		log.Error("pipeline.document.failed", zap.Error(cause))
		err = p.docs.MarkFailed(ctx, out.DocumentID, message, now)
	}
	if err != nil {
		return out, fmt.Errorf("record failure: %w", err)
	}
	return out, nil
}

// isRetryable separates connectivity trouble, which leaves the document for
// the next poll, from defects in the document or the ERP data.
func isRetryable(err error) bool {
	switch {
	case errors.Is(err, domain.ErrNoLines),
		errors.Is(err, domain.ErrInvalidLine),
		errors.Is(err, identity.ErrProvisioning),
		errors.Is(err, identity.ErrEmptyTaxID),
		errors.Is(err, legacyledger.ErrUnresolvedParty),
		errors.Is(err, legacyledger.ErrLedgerConstraint):
		return false
	case errors.Is(err, context.Canceled):
		return true
	}
	return db.IsTransient(err)
}

// taxIDs lists the distinct tax ids the document books against, document
// party first.
func taxIDs(doc *domain.Document) []string {
	seen := make(map[string]struct{})
	var ids []string
	add := func(id string) {
		id = strings.TrimSpace(id)
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	add(doc.TaxID)
	for _, l := range doc.Lines {
		add(l.PartyTaxID(doc.TaxID))
	}
	return ids
}
