package main

import (
	"github.com/smallbiznis/erpsync/internal/pipeline"
	"github.com/smallbiznis/erpsync/internal/realtime"
	"github.com/smallbiznis/erpsync/internal/scheduler"
	"github.com/smallbiznis/erpsync/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func serveCmd(verbose *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the mirror loops, the document pipeline and the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app := fx.New(
				coreModules(),
				fxLogger(*verbose),

				scheduler.Module,
				scheduler.RunnerModule,
				pipeline.WorkerModule,
				realtime.Module,
				server.Module,
			)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
}
