package cmd

import (
	"fmt"
	"os"

	"github.com/pinpt/go-common/v10/log"
	pos "github.com/pinpt/go-common/v10/os"
	"github.com/pinpt/syncagent/internal/config"
	"github.com/spf13/cobra"

	// SIGUSR2 dumps all goroutine stacks
	_ "github.com/songgao/stacktraces/on/SIGUSR2"
)

// set by the release build with -ldflags
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:          "syncagent",
	Short:        "incrementally sync rows from a database table to an HTTP API",
	SilenceUsage: true,
	Args:         cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the build version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "syncagent %s (commit %s, built %s)\n", version, commit, date)
	},
}

// Execute runs the command selected on the command line, exiting non-zero on error
func Execute(v, c, d string) {
	version, commit, date = v, c, d
	rootCmd.Version = v
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", pos.Getenv("SYNCAGENT_CONFIG", config.DefaultFile), "path of the config.ini file")
	log.RegisterFlags(rootCmd)
	rootCmd.AddCommand(versionCmd)
}
