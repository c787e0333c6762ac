package migration

import (
	"github.com/smallbiznis/erpsync/internal/cloudstore"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(store *cloudstore.Store, log *zap.Logger) error {
		if store.DB().Dialector.Name() != "postgres" {
			log.Info("migration.skipped", zap.String("dialect", store.DB().Dialector.Name()))
			return nil
		}
		sqlDB, err := store.DB().DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
