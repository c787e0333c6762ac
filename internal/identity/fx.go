package identity

import (
	"github.com/smallbiznis/erpsync/internal/cache"
	"github.com/smallbiznis/erpsync/internal/config"
	"github.com/smallbiznis/erpsync/internal/legacystore"
	"github.com/smallbiznis/erpsync/internal/mirror/repository"
	"github.com/smallbiznis/erpsync/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("identity.resolver",
	fx.Provide(NewFromParams),
)

type Params struct {
	fx.In

	Config  config.Config
	Mirror  *repository.Repository
	Legacy  *legacystore.Store
	Log     *zap.Logger
	Metrics *metrics.Metrics `optional:"true"`
}

func NewFromParams(p Params) *Resolver {
	return NewResolver(p.Mirror, p.Legacy, Options{
		TenantID: p.Config.TenantID,
		Cache:    cache.NewIdentityCache(p.Config.Pipeline.IdentityTTL),
		Log:      p.Log,
		Metrics:  p.Metrics,
	})
}
