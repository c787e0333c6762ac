package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/smallbiznis/erpsync/internal/pipeline"
	"github.com/spf13/cobra"
)

func recoverCmd(verbose *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Write every approved, unsynced document into the ERP ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var p *pipeline.Pipeline
			return withApp(cmd.Context(), *verbose, func(ctx context.Context) error {
				summary, err := p.Recover(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("%s %d processed, %s errors, %d skipped\n",
					color.New(color.FgGreen).Sprint("recovered"),
					summary.Processed, countColor(summary.Errors), summary.Skipped)
				if summary.Errors > 0 {
					return fmt.Errorf("%d documents failed, see the result column", summary.Errors)
				}
				return nil
			}, &p)
		},
	}
}
