package logger

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/erpsync/internal/observability/obscontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

func TestWithContextAddsCorrelationFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	base := zap.New(core)

	ctx := obscontext.WithRunID(context.Background(), "run-7")
	ctx = obscontext.WithDocumentID(ctx, "doc-1")
	ctx = obscontext.WithTrigger(ctx, "push")

	WithContext(ctx, base).Info("pipeline.document.synced")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "run-7", fields["run_id"])
	assert.Equal(t, "doc-1", fields["document_id"])
	assert.Equal(t, "push", fields["trigger"])
	assert.NotContains(t, fields, "request_id")
	assert.NotContains(t, fields, "trace_id")
}

func TestGormLoggerTagsDatabaseAndOperation(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	defer restore()

	gl := NewGormLogger(GormLoggerConfig{Store: "legacy", Level: gormlogger.Warn, SlowThreshold: time.Millisecond})
	gl.Trace(context.Background(), time.Now().Add(-time.Second), func() (string, int64) {
		return "CALL recontabilizar(?, ?)", 0
	}, nil)

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.WarnLevel, entry.Level)
	fields := entry.ContextMap()
	assert.Equal(t, "legacy", fields["store"])
	assert.Equal(t, "CALL", fields["operation"])
}

func TestGormLoggerSkipsFastStatementsAtWarn(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	defer restore()

	gl := NewGormLogger(DefaultGormLoggerConfig("cloud"))
	gl.Trace(context.Background(), time.Now(), func() (string, int64) {
		return "SELECT 1", 1
	}, nil)
	gl.Trace(context.Background(), time.Now(), func() (string, int64) {
		return "SELECT * FROM documents WHERE id = ?", 0
	}, gormlogger.ErrRecordNotFound)

	assert.Equal(t, 0, logs.Len())
}

func TestDescribeSQL(t *testing.T) {
	cases := []struct {
		sql, op, table string
	}{
		{"WITH x AS (SELECT 1) SELECT * FROM x", "SELECT", "x"},
		{"insert into documentos values (?)", "INSERT", "documentos"},
		{"UPDATE consecutivos SET siguiente = ? WHERE tipo = ?", "UPDATE", "consecutivos"},
		{"SELECT id_n, nit FROM terceros WHERE nit IN (?)", "SELECT", "terceros"},
		{"", "UNKNOWN", ""},
	}
	for _, tc := range cases {
		op, table := describeSQL(tc.sql)
		assert.Equal(t, tc.op, op, tc.sql)
		assert.Equal(t, tc.table, table, tc.sql)
	}
}
