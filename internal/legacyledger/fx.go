package legacyledger

import (
	"github.com/smallbiznis/erpsync/internal/clock"
	"github.com/smallbiznis/erpsync/internal/config"
	"github.com/smallbiznis/erpsync/internal/legacystore"
	"github.com/smallbiznis/erpsync/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("legacyledger.writer",
	fx.Provide(NewFromParams),
)

type Params struct {
	fx.In

	Config  config.Config
	Store   *legacystore.Store
	Clock   clock.Clock
	Log     *zap.Logger
	Metrics *metrics.SyncMetrics `optional:"true"`
}

func NewFromParams(p Params) *Writer {
	return NewWriter(p.Store, Options{
		DocumentType: p.Config.Pipeline.DocumentType,
		RecalcSQL:    p.Config.Pipeline.RecalcSQL,
		Clock:        p.Clock,
		Log:          p.Log,
		Metrics:      p.Metrics,
	})
}
