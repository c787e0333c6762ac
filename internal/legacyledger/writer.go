// Package legacyledger writes approved cloud documents into the ERP ledger
// tables.
package legacyledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/erpsync/internal/clock"
	"github.com/smallbiznis/erpsync/internal/document/domain"
	"github.com/smallbiznis/erpsync/internal/legacystore"
	obslogger "github.com/smallbiznis/erpsync/internal/observability/logger"
	"github.com/smallbiznis/erpsync/internal/observability/metrics"
	"github.com/smallbiznis/erpsync/internal/observability/tracing"
	"github.com/smallbiznis/erpsync/pkg/db"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultDocumentType = "FV"
	legacyUser          = "ERPSYNC"
	maxDescription      = 255
)

var (
	ErrUnresolvedParty = errors.New("unresolved_party")
	// ErrLedgerConstraint marks writes the ERP schema rejected. Retrying the
	// same document cannot succeed.
	ErrLedgerConstraint = errors.New("legacy_constraint_violation")
)

// Result is the outcome of one write.
type Result struct {
	Batch int64
	// Existing is set when the ERP already held the document and nothing was
	// written.
	Existing bool
}

type Options struct {
	DocumentType string
	// RecalcSQL runs after each commit with (type, batch). Empty disables it.
	RecalcSQL string
	Clock     clock.Clock
	Log       *zap.Logger
	Metrics   *metrics.SyncMetrics
}

// Writer turns a cloud document into one legacy header plus its lines.
// Writes are serialised so sequence allocation never races.
type Writer struct {
	store     *legacystore.Store
	docType   string
	recalcSQL string
	clock     clock.Clock
	log       *zap.Logger
	metrics   *metrics.SyncMetrics

	mu sync.Mutex
}

func NewWriter(store *legacystore.Store, opts Options) *Writer {
	docType := strings.TrimSpace(opts.DocumentType)
	if docType == "" {
		docType = defaultDocumentType
	}
	c := opts.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		store:     store,
		docType:   docType,
		recalcSQL: strings.TrimSpace(opts.RecalcSQL),
		clock:     c,
		log:       log.Named("legacyledger"),
		metrics:   opts.Metrics,
	}
}

func (w *Writer) DocumentType() string {
	return w.docType
}

type header struct {
	Tipo        string    `gorm:"column:tipo"`
	Batch       int64     `gorm:"column:batch"`
	IDN         string    `gorm:"column:id_n"`
	Fecha       time.Time `gorm:"column:fecha"`
	Total       float64   `gorm:"column:total"`
	Descripcion string    `gorm:"column:descripcion"`
	Referencia  string    `gorm:"column:referencia"`
	Usuario     string    `gorm:"column:usuario"`
}

func (header) TableName() string { return "documentos" }

type line struct {
	Tipo        string  `gorm:"column:tipo"`
	Batch       int64   `gorm:"column:batch"`
	Linea       int     `gorm:"column:linea"`
	Acct        string  `gorm:"column:acct"`
	IDN         string  `gorm:"column:id_n"`
	Debito      float64 `gorm:"column:debito"`
	Credito     float64 `gorm:"column:credito"`
	Descripcion string  `gorm:"column:descripcion"`
}

func (line) TableName() string { return "documentos_lineas" }

// Write books doc under a fresh batch number. resolved maps every raw tax id
// used by the document to its canonical party id.
func (w *Writer) Write(ctx context.Context, doc *domain.Document, resolved map[string]string) (res Result, err error) {
	ctx, span := otel.Tracer("erpsync/legacyledger").Start(ctx, "legacyledger.write")
	span.SetAttributes(tracing.SafeAttributes(attribute.String("document_id", doc.ID))...)
	defer func() { tracing.EndSpan(span, err) }()

	if len(doc.Lines) == 0 {
		return Result{}, domain.ErrNoLines
	}
	head, lines, err := w.mapDocument(doc, resolved)
	if err != nil {
		return Result{}, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	log := obslogger.WithContext(ctx, w.log).With(zap.String("document_id", doc.ID))

	existing, found, err := w.existingBatch(ctx, doc.ID)
	if err != nil {
		return Result{}, fmt.Errorf("lookup existing document: %w", err)
	}
	if found {
		log.Info("legacyledger.write.already_present", zap.Int64("legacy_batch", existing))
		return Result{Batch: existing, Existing: true}, nil
	}

	batch, err := w.nextBatch(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("allocate batch: %w", err)
	}
	// the number is consumed whether or not the write commits
	defer w.advanceCounter(ctx, log, batch)

	head.Batch = batch
	for i := range lines {
		lines[i].Batch = batch
	}

	start := w.clock.Now()
	err = w.store.Transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(&head).Error; err != nil {
			return fmt.Errorf("insert header: %w", err)
		}
		if err := tx.Create(&lines).Error; err != nil {
			return fmt.Errorf("insert lines: %w", err)
		}
		return nil
	})
	w.metrics.ObserveLegacyWrite(w.clock.Now().Sub(start))
	if err != nil {
		log.Warn("legacyledger.write.rolled_back", zap.Int64("legacy_batch", batch), zap.Error(err))
		if db.IsConstraintErr(err) {
			return Result{}, fmt.Errorf("%w: %v", ErrLedgerConstraint, err)
		}
		return Result{}, err
	}

	w.recalculate(ctx, log, batch)
	log.Info("legacyledger.write.committed",
		zap.Int64("legacy_batch", batch),
		zap.Int("lines", len(lines)),
		zap.Float64("total", head.Total),
	)
	return Result{Batch: batch}, nil
}

func (w *Writer) mapDocument(doc *domain.Document, resolved map[string]string) (header, []line, error) {
	party, err := canonical(resolved, doc.TaxID)
	if err != nil {
		return header{}, nil, err
	}

	description := strings.TrimSpace(doc.Description)
	if description == "" && doc.Number != "" {
		description = "Factura " + doc.Number
	}
	head := header{
		Tipo:        w.docType,
		IDN:         party,
		Fecha:       doc.DocumentDate,
		Total:       round2(doc.Total),
		Descripcion: truncate(description, maxDescription),
		Referencia:  doc.ID,
		Usuario:     legacyUser,
	}

	lines := make([]line, 0, len(doc.Lines))
	for i, l := range doc.Lines {
		no := l.LineNo
		if no <= 0 {
			no = i + 1
		}
		code := strings.TrimSpace(l.AccountCode)
		if code == "" {
			return header{}, nil, fmt.Errorf("%w: line %d has no account", domain.ErrInvalidLine, no)
		}
		if l.Debit < 0 || l.Credit < 0 {
			return header{}, nil, fmt.Errorf("%w: line %d has a negative amount", domain.ErrInvalidLine, no)
		}
		idn, err := canonical(resolved, l.PartyTaxID(doc.TaxID))
		if err != nil {
			return header{}, nil, err
		}
		desc := strings.TrimSpace(l.Description)
		if desc == "" {
			desc = description
		}
		lines = append(lines, line{
			Tipo:        w.docType,
			Linea:       no,
			Acct:        code,
			IDN:         idn,
			Debito:      round2(l.Debit),
			Credito:     round2(l.Credit),
			Descripcion: truncate(desc, maxDescription),
		})
	}
	return head, lines, nil
}

func canonical(resolved map[string]string, taxID string) (string, error) {
	id, ok := resolved[strings.TrimSpace(taxID)]
	if !ok || strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("%w: %s", ErrUnresolvedParty, taxID)
	}
	return id, nil
}

func (w *Writer) existingBatch(ctx context.Context, reference string) (int64, bool, error) {
	var batches []int64
	err := w.store.Query(ctx, &batches,
		`SELECT batch FROM documentos WHERE tipo = ? AND referencia = ?`, w.docType, reference)
	if err != nil || len(batches) == 0 {
		return 0, false, err
	}
	return batches[0], true, nil
}

// nextBatch reads the counter and heals it against the highest batch
// already written for the type.
func (w *Writer) nextBatch(ctx context.Context) (int64, error) {
	var counters []int64
	if err := w.store.Query(ctx, &counters,
		`SELECT siguiente FROM consecutivos WHERE tipo = ?`, w.docType); err != nil {
		return 0, err
	}
	var maxBatch int64
	if err := w.store.Query(ctx, &maxBatch,
		`SELECT COALESCE(MAX(batch), 0) FROM documentos WHERE tipo = ?`, w.docType); err != nil {
		return 0, err
	}

	next := int64(1)
	if len(counters) > 0 && counters[0] > next {
		next = counters[0]
	}
	if maxBatch+1 > next {
		if len(counters) > 0 {
			w.log.Warn("legacyledger.sequence.healed",
				zap.String("tipo", w.docType),
				zap.Int64("counter", counters[0]),
				zap.Int64("max_batch", maxBatch))
		}
		next = maxBatch + 1
	}
	return next, nil
}

func (w *Writer) advanceCounter(ctx context.Context, log *zap.Logger, batch int64) {
	next := batch + 1
	ctx = context.WithoutCancel(ctx)
	affected, err := w.store.Exec(ctx,
		`UPDATE consecutivos SET siguiente = ? WHERE tipo = ? AND siguiente < ?`, next, w.docType, next)
	if err == nil && affected == 0 {
		var present []string
		err = w.store.Query(ctx, &present, `SELECT tipo FROM consecutivos WHERE tipo = ?`, w.docType)
		if err == nil && len(present) == 0 {
			_, err = w.store.Exec(ctx,
				`INSERT INTO consecutivos (tipo, siguiente) VALUES (?, ?)`, w.docType, next)
		}
	}
	if err != nil {
		log.Warn("legacyledger.sequence.advance_failed", zap.Int64("next", next), zap.Error(err))
	}
}

func (w *Writer) recalculate(ctx context.Context, log *zap.Logger, batch int64) {
	if w.recalcSQL == "" {
		return
	}
	if _, err := w.store.Exec(ctx, w.recalcSQL, w.docType, batch); err != nil {
		log.Warn("legacyledger.recalc_failed", zap.Int64("legacy_batch", batch), zap.Error(err))
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
