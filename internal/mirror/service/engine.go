package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/smallbiznis/erpsync/internal/clock"
	"github.com/smallbiznis/erpsync/internal/config"
	"github.com/smallbiznis/erpsync/internal/mirror/domain"
	"github.com/smallbiznis/erpsync/internal/mirror/repository"
	obslogger "github.com/smallbiznis/erpsync/internal/observability/logger"
	"github.com/smallbiznis/erpsync/internal/observability/metrics"
	"github.com/smallbiznis/erpsync/internal/observability/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// RowContext carries the values every mapped row needs.
type RowContext struct {
	TenantID string
	SyncedAt time.Time
}

// Feed adapts one legacy reference table to its cloud mirror table. R is the
// legacy row, M the cloud model.
type Feed[R any, M any] interface {
	Name() string
	// Model returns an empty cloud model, used to address the mirror table.
	Model() any
	ConflictColumns() []string
	FetchUnversioned(ctx context.Context, offset, limit int) ([]R, error)
	FetchPage(ctx context.Context, after repository.Position, limit int) ([]R, error)
	Position(row R) repository.Position
	MapRow(rc RowContext, row R) (M, error)
	// ErrorRow builds the row persisted when row cannot be mirrored.
	ErrorRow(rc RowContext, row R, cause error) M
}

// Engine mirrors one feed. Runs of the same feed never overlap.
type Engine[R any, M any] struct {
	feed     Feed[R, M]
	repo     *repository.Repository
	tuning   func() config.FeedConfig
	clock    clock.Clock
	log      *zap.Logger
	metrics  *metrics.Metrics
	counters *metrics.SyncMetrics
	sleep    func(ctx context.Context, d time.Duration) error

	runMu sync.Mutex
}

type EngineParams struct {
	Repo     *repository.Repository
	Tuning   func() config.FeedConfig
	Clock    clock.Clock
	Log      *zap.Logger
	Metrics  *metrics.Metrics
	Counters *metrics.SyncMetrics
}

func NewEngine[R any, M any](feed Feed[R, M], p EngineParams) *Engine[R, M] {
	tuning := p.Tuning
	if tuning == nil {
		tuning = config.DefaultFeedConfig
	}
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine[R, M]{
		feed:     feed,
		repo:     p.Repo,
		tuning:   tuning,
		clock:    c,
		log:      log.Named("mirror").With(zap.String("feed", feed.Name())),
		metrics:  p.Metrics,
		counters: p.Counters,
		sleep:    sleepContext,
	}
}

func (e *Engine[R, M]) Name() string {
	return e.feed.Name()
}

// Sync mirrors legacy rows at or above the cursor version. The cursor is absent
// when full is set or nothing has been mirrored yet; only then are rows
// without a version read, so they are captured exactly once.
func (e *Engine[R, M]) Sync(ctx context.Context, full bool) (result domain.Result, err error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	ctx, span := otel.Tracer("erpsync/mirror").Start(ctx, "mirror.sync")
	span.SetAttributes(tracing.SafeAttributes(attribute.String("feed", e.feed.Name()))...)
	defer func() {
		span.SetAttributes(tracing.SafeAttributes(
			attribute.Int("processed", result.Processed),
			attribute.Int("errors", result.Errors),
		)...)
		tracing.EndSpan(span, err)
	}()

	tuning := e.tuning()
	result = domain.Result{Feed: e.feed.Name(), Full: full}
	log := obslogger.WithContext(ctx, e.log)

	cursorless := full
	var cursor *int64
	if !full {
		total, err := e.repo.Count(ctx, e.feed.Model())
		if err != nil {
			return result, fmt.Errorf("count mirrored rows: %w", err)
		}
		if total == 0 {
			cursorless = true
		} else if cursor, err = e.repo.MaxVersion(ctx, e.feed.Model()); err != nil {
			return result, fmt.Errorf("read cursor: %w", err)
		}
	}

	log.Info("mirror.sync.start",
		zap.Bool("full", full),
		zap.Bool("cursorless", cursorless),
		zap.Any("cursor", cursor),
		zap.Int("page_size", tuning.PageSize),
	)
	start := e.clock.Now()

	if cursorless {
		for offset := 0; ; offset += tuning.PageSize {
			rows, err := e.feed.FetchUnversioned(ctx, offset, tuning.PageSize)
			if err != nil {
				return result, fmt.Errorf("fetch unversioned rows: %w", err)
			}
			if len(rows) == 0 {
				break
			}
			e.applyPage(ctx, rows, &result)
			if len(rows) < tuning.PageSize {
				break
			}
			if err := e.sleep(ctx, tuning.Pause); err != nil {
				return result, err
			}
		}
	}

	after := repository.Start
	if cursor != nil {
		after = repository.From(*cursor)
	}
	for {
		rows, err := e.feed.FetchPage(ctx, after, tuning.PageSize)
		if err != nil {
			return result, fmt.Errorf("fetch page after version %d: %w", after.Version, err)
		}
		if len(rows) == 0 {
			break
		}
		e.applyPage(ctx, rows, &result)
		after = e.feed.Position(rows[len(rows)-1])
		v := after.Version
		result.Cursor = &v
		if len(rows) < tuning.PageSize {
			break
		}
		if err := e.sleep(ctx, tuning.Pause); err != nil {
			return result, err
		}
	}

	if result.Cursor == nil {
		result.Cursor = cursor
	}
	if result.Cursor != nil {
		e.counters.SetMirrorCursor(e.feed.Name(), *result.Cursor)
	}

	log.Info("mirror.sync.finish",
		zap.Int("processed", result.Processed),
		zap.Int("errors", result.Errors),
		zap.Int("pages", result.Pages),
		zap.Any("cursor", result.Cursor),
		zap.Duration("duration", e.clock.Now().Sub(start)),
	)
	return result, nil
}

// applyPage maps and upserts one page. Failures never abort the page: rows
// that cannot be mapped or written are stored as error rows.
func (e *Engine[R, M]) applyPage(ctx context.Context, rows []R, result *domain.Result) {
	log := obslogger.WithContext(ctx, e.log)
	rc := RowContext{TenantID: e.repo.TenantID(), SyncedAt: e.clock.Now()}
	conflict := e.feed.ConflictColumns()

	mapped := make([]M, 0, len(rows))
	sources := make([]R, 0, len(rows))
	var failed []failedRow[R]
	for _, row := range rows {
		m, err := e.feed.MapRow(rc, row)
		if err != nil {
			failed = append(failed, failedRow[R]{row: row, cause: err})
			continue
		}
		mapped = append(mapped, m)
		sources = append(sources, row)
	}

	succeeded := 0
	if len(mapped) > 0 {
		if err := e.repo.Upsert(ctx, &mapped, conflict); err == nil {
			succeeded = len(mapped)
		} else {
			log.Warn("mirror.page.batch_failed", zap.Int("rows", len(mapped)), zap.Error(err))
			for i := range mapped {
				single := mapped[i]
				if err := e.repo.Upsert(ctx, &single, conflict); err != nil {
					failed = append(failed, failedRow[R]{row: sources[i], cause: err})
					continue
				}
				succeeded++
			}
		}
	}

	for _, f := range failed {
		errRow := e.feed.ErrorRow(rc, f.row, f.cause)
		if err := e.repo.Upsert(ctx, &errRow, conflict); err != nil {
			log.Error("mirror.row.error_write_failed",
				zap.String("key", e.feed.Position(f.row).Key),
				zap.NamedError("cause", f.cause),
				zap.Error(err),
			)
			continue
		}
		log.Warn("mirror.row.failed",
			zap.String("key", e.feed.Position(f.row).Key),
			zap.Error(f.cause),
		)
	}

	result.Pages++
	result.Processed += succeeded
	result.Errors += len(failed)

	e.counters.AddMirrorRows(e.feed.Name(), string(domain.SyncStatusSynced), succeeded)
	e.counters.AddMirrorRows(e.feed.Name(), string(domain.SyncStatusError), len(failed))
	e.metrics.RecordMirrorRows(ctx, e.feed.Name(), string(domain.SyncStatusSynced), succeeded)
	e.metrics.RecordMirrorRows(ctx, e.feed.Name(), string(domain.SyncStatusError), len(failed))
}

type failedRow[R any] struct {
	row   R
	cause error
}

// Stats summarises the mirror table of this feed.
func (e *Engine[R, M]) Stats(ctx context.Context) (domain.Stats, error) {
	return e.repo.Stats(ctx, e.feed.Name(), e.feed.Model())
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
