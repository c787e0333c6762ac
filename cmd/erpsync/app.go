package main

import (
	"context"
	"time"

	"github.com/smallbiznis/erpsync/internal/clock"
	"github.com/smallbiznis/erpsync/internal/cloudstore"
	"github.com/smallbiznis/erpsync/internal/config"
	"github.com/smallbiznis/erpsync/internal/document"
	"github.com/smallbiznis/erpsync/internal/identity"
	"github.com/smallbiznis/erpsync/internal/legacyledger"
	"github.com/smallbiznis/erpsync/internal/legacystore"
	"github.com/smallbiznis/erpsync/internal/lock"
	"github.com/smallbiznis/erpsync/internal/migration"
	"github.com/smallbiznis/erpsync/internal/mirror"
	"github.com/smallbiznis/erpsync/internal/observability"
	"github.com/smallbiznis/erpsync/internal/pipeline"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

const stopTimeout = 15 * time.Second

// coreModules is the graph every command shares: both stores, the mirror and
// the document pipeline. Background loops are added by serve only.
func coreModules() fx.Option {
	return fx.Options(
		// Core Infrastructure
		config.Module,
		observability.Module,
		clock.Module,
		legacystore.Module,
		cloudstore.Module,
		migration.Module,

		// Functional Domains
		mirror.Module,
		document.Module,
		identity.Module,
		legacyledger.Module,
		lock.Module,
		pipeline.Module,
	)
}

func fxLogger(verbose bool) fx.Option {
	if !verbose {
		return fx.NopLogger
	}
	return fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
		return &fxevent.ZapLogger{Logger: log.Named("fx")}
	})
}

// withApp starts the core graph, fills targets and runs fn. The graph is
// stopped afterwards even when fn fails.
func withApp(ctx context.Context, verbose bool, fn func(context.Context) error, targets ...any) error {
	app := fx.New(coreModules(), fxLogger(verbose), fx.Populate(targets...))
	if err := app.Err(); err != nil {
		return err
	}
	if err := app.Start(ctx); err != nil {
		return err
	}

	runErr := fn(ctx)

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := app.Stop(stopCtx); err != nil && runErr == nil {
		return err
	}
	return runErr
}
