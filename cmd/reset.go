package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/pinpt/go-common/v10/log"
	"github.com/pinpt/syncagent/runner"
	"github.com/pinpt/syncagent/sdk"
	"github.com/spf13/cobra"
)

// resetCmd represents the reset command
var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "reset the last sync so the next sync starts from the beginning of the table",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		logger := log.NewCommandLogger(cmd)
		defer logger.Close()
		cfg := loadConfig(logger, cmd)
		ctx := context.Background()
		store, err := runner.NewStore(ctx, cfg)
		if err != nil {
			log.Fatal(logger, "error opening state", "err", err)
		}
		if c, ok := store.(io.Closer); ok {
			defer c.Close()
		}
		prev, err := store.Get(ctx)
		if err != nil {
			log.Fatal(logger, "error reading last sync", "err", err)
		}
		if err := store.Set(ctx, sdk.Watermark{}); err != nil {
			log.Fatal(logger, "error resetting last sync", "err", err)
		}
		fmt.Printf("last sync reset from %s to %s\n", prev.String(), sdk.Never)
	},
}

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "print the last sync",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		logger := log.NewCommandLogger(cmd)
		defer logger.Close()
		cfg := loadConfig(logger, cmd)
		ctx := context.Background()
		store, err := runner.NewStore(ctx, cfg)
		if err != nil {
			log.Fatal(logger, "error opening state", "err", err)
		}
		if c, ok := store.(io.Closer); ok {
			defer c.Close()
		}
		wm, err := store.Get(ctx)
		if err != nil {
			log.Fatal(logger, "error reading last sync", "err", err)
		}
		fmt.Printf("table:     %s.%s\n", cfg.Database.Database, cfg.Database.Table)
		fmt.Printf("api:       %s\n", cfg.API.URL)
		fmt.Printf("state:     %s\n", cfg.Sync.State)
		if wm.IsSet() {
			fmt.Printf("last sync: %s\n", green(wm.String()))
		} else {
			fmt.Printf("last sync: %s\n", yellow(wm.String()))
		}
		if wm.HasKey() {
			fmt.Printf("last key:  %s\n", wm.Key)
		}
	},
}

func init() {
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(statusCmd)
}
