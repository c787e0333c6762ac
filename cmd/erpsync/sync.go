package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/smallbiznis/erpsync/internal/config"
	mirrorservice "github.com/smallbiznis/erpsync/internal/mirror/service"
	"github.com/spf13/cobra"
)

func syncCmd(verbose *bool) *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:       "sync <feed>",
		Short:     "Mirror one reference feed from the ERP into the cloud database",
		Long:      "Feeds: " + strings.Join(config.FeedNames, ", ") + ". --full re-reads every row, unversioned ones included.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: config.FeedNames,
		RunE: func(cmd *cobra.Command, args []string) error {
			feed := strings.ToLower(strings.TrimSpace(args[0]))
			var svc *mirrorservice.Service
			return withApp(cmd.Context(), *verbose, func(ctx context.Context) error {
				res, err := svc.Sync(ctx, feed, full)
				if err != nil {
					return err
				}
				mode := "incremental"
				if res.Full {
					mode = "full"
				}
				fmt.Printf("%s %s (%s)\n", color.New(color.FgGreen).Sprint("synced"), res.Feed, mode)
				fmt.Printf("  processed: %d\n", res.Processed)
				fmt.Printf("  pages:     %d\n", res.Pages)
				fmt.Printf("  errors:    %s\n", countColor(res.Errors))
				if res.Cursor != nil {
					fmt.Printf("  cursor:    %d\n", *res.Cursor)
				}
				return nil
			}, &svc)
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "re-read every legacy row instead of rows above the cursor")
	return cmd
}

func statsCmd(verbose *bool) *cobra.Command {
	return &cobra.Command{
		Use:       "stats <feed>",
		Short:     "Show mirror row counts and the cursor of one feed",
		Args:      cobra.ExactArgs(1),
		ValidArgs: config.FeedNames,
		RunE: func(cmd *cobra.Command, args []string) error {
			feed := strings.ToLower(strings.TrimSpace(args[0]))
			var svc *mirrorservice.Service
			return withApp(cmd.Context(), *verbose, func(ctx context.Context) error {
				stats, err := svc.GetSyncStats(ctx, feed)
				if err != nil {
					return err
				}
				fmt.Println(color.New(color.Bold).Sprint(stats.Feed))
				fmt.Printf("  rows:        %d\n", stats.Total)
				fmt.Printf("  errors:      %s\n", countColor(int(stats.Errors)))
				if stats.MaxVersion != nil {
					fmt.Printf("  max version: %d\n", *stats.MaxVersion)
				} else {
					fmt.Printf("  max version: %s\n", color.New(color.FgYellow).Sprint("(none)"))
				}
				if stats.LastSynced != nil {
					fmt.Printf("  last synced: %s\n", stats.LastSynced.Format("2006-01-02 15:04:05 MST"))
				}
				return nil
			}, &svc)
		},
	}
}

func countColor(n int) string {
	if n == 0 {
		return color.New(color.FgGreen).Sprint(n)
	}
	return color.New(color.FgRed).Sprint(n)
}
