package mirror

import (
	"github.com/smallbiznis/erpsync/internal/mirror/repository"
	"github.com/smallbiznis/erpsync/internal/mirror/service"
	"go.uber.org/fx"
)

var Module = fx.Module("mirror.service",
	fx.Provide(repository.New),
	fx.Provide(service.NewService),
)
