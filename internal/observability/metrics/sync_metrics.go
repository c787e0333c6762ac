package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	ErrorTypeDeadlineExceeded = "deadline_exceeded"
	ErrorTypeCanceled         = "canceled"
	ErrorTypeDB               = "db"
	ErrorTypeConstraint       = "constraint"
	ErrorTypeValidation       = "validation"
	ErrorTypeUnknown          = "unknown"
)

const (
	OutcomeSynced  = "synced"
	OutcomeFailed  = "failed"
	OutcomeRetry   = "retry"
	OutcomeSkipped = "skipped"
)

// SyncMetrics captures scheduler, mirror, pipeline and channel health for the
// /metrics endpoint.
type SyncMetrics struct {
	jobRuns         *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	jobTimeouts     *prometheus.CounterVec
	jobErrors       *prometheus.CounterVec
	runLoopLag      prometheus.Histogram
	mirrorRows      *prometheus.CounterVec
	mirrorCursor    *prometheus.GaugeVec
	documents       *prometheus.CounterVec
	queueDropped    prometheus.Counter
	channelStatus   *prometheus.CounterVec
	reconnects      prometheus.Counter
	legacyWriteTime prometheus.Histogram
}

var (
	syncMetricsOnce sync.Once
	syncMetrics     *SyncMetrics
)

// Sync returns the singleton sync metrics registry.
func Sync() *SyncMetrics {
	return SyncWithConfig(Config{})
}

// SyncWithConfig returns the singleton sync metrics registry using config labels.
func SyncWithConfig(cfg Config) *SyncMetrics {
	syncMetricsOnce.Do(func() {
		syncMetrics = newSyncMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return syncMetrics
}

// ResetSyncMetricsForTest resets the sync metrics singleton for tests.
func ResetSyncMetricsForTest() {
	syncMetricsOnce = sync.Once{}
	syncMetrics = nil
}

func newSyncMetrics(registerer prometheus.Registerer, cfg Config) *SyncMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "erpsync"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &SyncMetrics{
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "erpsync_scheduler_job_runs_total",
			Help:        "Scheduler job runs by name.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "erpsync_scheduler_job_duration_seconds",
			Help:        "Scheduler job latency.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "erpsync_scheduler_job_timeouts_total",
			Help:        "Scheduler jobs that hit their run timeout.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "erpsync_scheduler_job_errors_total",
			Help:        "Scheduler job failures by error type.",
			ConstLabels: constLabels,
		}, []string{"job", "error_type"}),
		runLoopLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "erpsync_scheduler_run_loop_lag_seconds",
			Help:        "Delay between a tick and the job actually starting.",
			Buckets:     []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
			ConstLabels: constLabels,
		}),
		mirrorRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "erpsync_mirror_rows_total",
			Help:        "Rows upserted into the cloud mirror by feed and status.",
			ConstLabels: constLabels,
		}, []string{"feed", "status"}),
		mirrorCursor: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "erpsync_mirror_cursor_version",
			Help:        "Highest legacy version mirrored per feed.",
			ConstLabels: constLabels,
		}, []string{"feed"}),
		documents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "erpsync_documents_total",
			Help:        "Documents handled by the write-back pipeline by trigger and outcome.",
			ConstLabels: constLabels,
		}, []string{"trigger", "outcome"}),
		queueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "erpsync_pipeline_queue_dropped_total",
			Help:        "Push events dropped because the in-process queue was full.",
			ConstLabels: constLabels,
		}),
		channelStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "erpsync_channel_status_total",
			Help:        "Push channel status transitions.",
			ConstLabels: constLabels,
		}, []string{"status"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "erpsync_channel_reconnect_attempts_total",
			Help:        "Push channel subscribe attempts after the first.",
			ConstLabels: constLabels,
		}),
		legacyWriteTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "erpsync_legacy_write_duration_seconds",
			Help:        "Legacy ledger transaction latency.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}),
	}

	registerer.MustRegister(
		m.jobRuns,
		m.jobDuration,
		m.jobTimeouts,
		m.jobErrors,
		m.runLoopLag,
		m.mirrorRows,
		m.mirrorCursor,
		m.documents,
		m.queueDropped,
		m.channelStatus,
		m.reconnects,
		m.legacyWriteTime,
	)
	return m
}

func (m *SyncMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *SyncMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

func (m *SyncMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

func (m *SyncMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifyErrorType(err)).Inc()
}

func (m *SyncMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil || duration < 0 {
		return
	}
	m.runLoopLag.Observe(duration.Seconds())
}

func (m *SyncMetrics) AddMirrorRows(feed, status string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.mirrorRows.WithLabelValues(feed, status).Add(float64(count))
}

func (m *SyncMetrics) SetMirrorCursor(feed string, version int64) {
	if m == nil {
		return
	}
	m.mirrorCursor.WithLabelValues(feed).Set(float64(version))
}

func (m *SyncMetrics) IncDocument(trigger, outcome string) {
	if m == nil {
		return
	}
	m.documents.WithLabelValues(trigger, outcome).Inc()
}

func (m *SyncMetrics) IncQueueDropped() {
	if m == nil {
		return
	}
	m.queueDropped.Inc()
}

func (m *SyncMetrics) IncChannelStatus(status string) {
	if m == nil {
		return
	}
	m.channelStatus.WithLabelValues(status).Inc()
}

func (m *SyncMetrics) IncReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *SyncMetrics) ObserveLegacyWrite(duration time.Duration) {
	if m == nil {
		return
	}
	m.legacyWriteTime.Observe(duration.Seconds())
}

// ClassifyErrorType maps errors to a low-cardinality label.
func ClassifyErrorType(err error) string {
	if err == nil {
		return ErrorTypeUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeDeadlineExceeded
	}
	if errors.Is(err, context.Canceled) {
		return ErrorTypeCanceled
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || errors.Is(err, gorm.ErrForeignKeyViolated) || hasPGClass(err, "23") {
		return ErrorTypeConstraint
	}
	if isDBError(err) {
		return ErrorTypeDB
	}
	return ErrorTypeUnknown
}

func hasPGClass(err error, class string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, class)
	}
	return false
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	return errors.Is(err, gorm.ErrInvalidTransaction) || errors.Is(err, gorm.ErrInvalidDB)
}
