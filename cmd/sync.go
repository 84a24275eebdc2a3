package cmd

import (
	"context"
	"fmt"
	"os"

	pjson "github.com/pinpt/go-common/v10/json"
	"github.com/pinpt/go-common/v10/log"
	pos "github.com/pinpt/go-common/v10/os"
	"github.com/pinpt/syncagent/runner"
	"github.com/pinpt/syncagent/sdk"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"
)

func printSession(format string, sess sdk.Session) error {
	switch format {
	case "json":
		fmt.Println(pjson.Stringify(sess))
	case "yaml":
		buf, err := yaml.Marshal(sess)
		if err != nil {
			return err
		}
		fmt.Print(string(buf))
	case "text", "":
		fmt.Printf("%s sync %s: %d records in %d batches, last sync %s\n", sess.Mode, sess.Outcome, sess.Records, sess.Batches, sess.Cursor)
		if sess.Error != "" {
			fmt.Println(red(sess.Error))
		}
	default:
		return fmt.Errorf("unknown format %q", format)
	}
	return nil
}

// syncCmd represents the sync command
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "run a single sync and exit",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		logger := log.NewCommandLogger(cmd)
		defer logger.Close()
		cfg := loadConfig(logger, cmd)
		full, _ := cmd.Flags().GetBool("full")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		output, _ := cmd.Flags().GetString("output")
		format, _ := cmd.Flags().GetString("format")
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		agent, err := runner.New(ctx, logger, cfg, runner.Options{DryRun: dryRun, OutputDir: output, Out: os.Stdout})
		if err != nil {
			log.Fatal(logger, "error starting agent", "err", err)
		}
		done := make(chan bool)
		pos.OnExit(func(_ int) {
			// a full sync stops after the batch in flight
			log.Info(logger, "stopping")
			cancel()
			<-done
		})
		var sess sdk.Session
		if full {
			sess, err = agent.Orchestrator.RunFull(ctx)
		} else {
			sess, err = agent.Orchestrator.RunIncremental(ctx)
		}
		agent.Close()
		close(done)
		if perr := printSession(format, sess); perr != nil {
			log.Fatal(logger, "error printing result", "err", perr)
		}
		if err != nil && sess.Outcome != sdk.OutcomeCancelled {
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().Bool("full", false, "sync everything from the beginning of the table")
	syncCmd.Flags().Bool("dry-run", false, "print records instead of sending them to the API")
	syncCmd.Flags().String("output", "", "write batches as gzipped JSON files to this directory instead of the API")
	syncCmd.Flags().String("format", "text", "the result format: text, json or yaml")
}
