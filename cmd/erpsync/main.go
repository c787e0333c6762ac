package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, color.New(color.FgRed).Sprint("error: ")+err.Error())
		stop()
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var verbose bool
	root := &cobra.Command{
		Use:   "erpsync",
		Short: "Keep the legacy ERP and the cloud invoicing database in step",
		Long: `erpsync mirrors reference data (parties, accounts, products) from the
legacy ERP into the cloud database and writes approved cloud invoices back
into the ERP ledger.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "print dependency wiring events")

	root.AddCommand(serveCmd(&verbose))
	root.AddCommand(syncCmd(&verbose))
	root.AddCommand(statsCmd(&verbose))
	root.AddCommand(recoverCmd(&verbose))
	root.AddCommand(configCmd())
	return root
}
