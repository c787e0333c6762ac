package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestClassifyErrorType(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: ErrorTypeDeadlineExceeded},
		{name: "canceled", err: fmt.Errorf("lookup existing document: %w", context.Canceled), want: ErrorTypeCanceled},
		{name: "duplicate", err: fmt.Errorf("insert: %w", gorm.ErrDuplicatedKey), want: ErrorTypeConstraint},
		{name: "pg_fk", err: &pgconn.PgError{Code: "23503"}, want: ErrorTypeConstraint},
		{name: "pg_other", err: &pgconn.PgError{Code: "42P01"}, want: ErrorTypeDB},
		{name: "unknown", err: errors.New("boom"), want: ErrorTypeUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyErrorType(tc.err))
		})
	}
}

func TestSyncMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newSyncMetrics(reg, Config{ServiceName: "erpsync-test", Environment: "test"})

	m.IncJobRun("mirror_parties")
	m.IncJobRun("mirror_parties")
	m.IncJobError("mirror_parties", context.DeadlineExceeded)
	m.AddMirrorRows("accounts", "SYNCED", 99)
	m.AddMirrorRows("accounts", "ERROR", 1)
	m.AddMirrorRows("accounts", "ERROR", 0)
	m.SetMirrorCursor("accounts", 4200)
	m.IncDocument("push", OutcomeSynced)
	m.IncQueueDropped()
	m.ObserveJobDuration("mirror_parties", 1500*time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.jobRuns.WithLabelValues("mirror_parties")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.jobErrors.WithLabelValues("mirror_parties", ErrorTypeDeadlineExceeded)))
	assert.Equal(t, float64(99), testutil.ToFloat64(m.mirrorRows.WithLabelValues("accounts", "SYNCED")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.mirrorRows.WithLabelValues("accounts", "ERROR")))
	assert.Equal(t, float64(4200), testutil.ToFloat64(m.mirrorCursor.WithLabelValues("accounts")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.documents.WithLabelValues("push", OutcomeSynced)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.queueDropped))

	families, err := reg.Gather()
	require.NoError(t, err)
	var found *dto.MetricFamily
	for _, mf := range families {
		if mf.GetName() == "erpsync_scheduler_job_duration_seconds" {
			found = mf
		}
	}
	require.NotNil(t, found)
	metric := found.GetMetric()[0]
	assert.Equal(t, uint64(1), metric.GetHistogram().GetSampleCount())

	labels := map[string]string{}
	for _, lp := range metric.GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}
	assert.Equal(t, "erpsync-test", labels["service"])
	assert.Equal(t, "test", labels["env"])
}

func TestNilSyncMetricsIsSafe(t *testing.T) {
	var m *SyncMetrics
	assert.NotPanics(t, func() {
		m.IncJobRun("x")
		m.IncDocument("poll", OutcomeFailed)
		m.IncReconnectAttempt()
		m.ObserveLegacyWrite(time.Second)
	})
}
