package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/smallbiznis/erpsync/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func configCmd() *cobra.Command {
	var saveCache bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadResolved()
			if err != nil {
				return err
			}
			holder, err := config.NewSyncConfigHolder(cfg, zap.NewNop())
			if err != nil {
				return err
			}

			if saveCache {
				if err := writeCache(cfg); err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "%s %s\n", color.New(color.FgGreen).Sprint("cache saved"), cfg.CachePath)
			}

			out, err := json.MarshalIndent(map[string]any{
				"service": cfg.Redacted(),
				"feeds":   holder.Get().Feeds,
			}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().BoolVar(&saveCache, "save-cache", false, "persist tenant and database credentials to CONFIG_CACHE_PATH")
	return cmd
}

func writeCache(cfg config.Config) error {
	if cfg.CachePath == "" {
		return errors.New("CONFIG_CACHE_PATH is not set")
	}
	return config.SaveCache(cfg.CachePath, cfg.CachePassphrase, config.CachedConfig{
		TenantID: cfg.TenantID,
		Legacy:   cfg.Legacy,
		Cloud:    cfg.Cloud,
	})
}
