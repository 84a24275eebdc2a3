package cmd

import (
	"context"
	"errors"
	"net/http"

	"github.com/pinpt/go-common/v10/log"
	pos "github.com/pinpt/go-common/v10/os"
	"github.com/pinpt/syncagent/runner"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run the agent, syncing every interval while auto sync is enabled",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		logger := log.NewCommandLogger(cmd)
		defer logger.Close()
		cfg := loadConfig(logger, cmd)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		agent, err := runner.New(ctx, logger, cfg, runner.Options{})
		if err != nil {
			log.Fatal(logger, "error starting agent", "err", err)
		}
		quiet, _ := cmd.Flags().GetBool("quiet")
		if !quiet {
			agent.Server.Subscribe(printEvent)
		}
		noAuto, _ := cmd.Flags().GetBool("no-auto")
		if cfg.Sync.AutoSync && !noAuto {
			agent.Server.EnableAutoSync()
		}
		g, gctx := errgroup.WithContext(ctx)
		listen, _ := cmd.Flags().GetString("listen")
		if listen != "" {
			srv := &http.Server{Addr: listen, Handler: agent.Server.Handler()}
			g.Go(func() error {
				log.Info(logger, "control server listening", "addr", listen)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				return srv.Shutdown(context.Background())
			})
		} else if !agent.Scheduler.Running() {
			log.Info(logger, "auto sync is disabled and no --listen address was given, nothing will be synced")
		}
		g.Go(func() error {
			<-gctx.Done()
			return nil
		})
		done := make(chan bool)
		pos.OnExit(func(_ int) {
			log.Info(logger, "shutting down")
			cancel()
			<-done
		})
		log.Info(logger, "running", "table", cfg.Database.Table, "interval", cfg.Interval(), "last_sync", cfg.Sync.LastSync)
		if err := g.Wait(); err != nil {
			log.Error(logger, "error running control server", "err", err)
		}
		// a sync in flight is allowed to finish so the watermark stays correct
		agent.Close()
		close(done)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("listen", pos.Getenv("SYNCAGENT_LISTEN", ""), "address for the HTTP control endpoints such as localhost:8080")
	runCmd.Flags().Bool("no-auto", false, "don't start auto sync even if SYNC.auto_sync is enabled")
	runCmd.Flags().Bool("quiet", false, "don't print status changes")
}
