package cmd

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/pinpt/go-common/v10/log"
	"github.com/pinpt/syncagent/internal/config"
	"github.com/pinpt/syncagent/sdk"
	"github.com/spf13/cobra"
)

// loadConfig loads and validates the config named by --config, exiting on error
func loadConfig(logger log.Logger, cmd *cobra.Command) *config.Config {
	fn, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(fn)
	if err != nil {
		log.Fatal(logger, "error loading config", "err", err)
	}
	return cfg
}

var (
	green  = color.New(color.FgHiGreen).SprintFunc()
	yellow = color.New(color.FgHiYellow).SprintFunc()
	red    = color.New(color.FgHiRed).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
)

func colorStatus(status sdk.Status) string {
	switch status {
	case sdk.StatusIdle:
		return green(status)
	case sdk.StatusRunning:
		return yellow(status)
	case sdk.StatusError:
		return red(status)
	}
	return string(status)
}

// printEvent writes status and watermark changes to the terminal
func printEvent(evt sdk.Event) {
	ts := gray(time.Now().Format("15:04:05"))
	switch evt.Type {
	case sdk.EventStatus:
		sess := evt.Session
		switch {
		case evt.Status == sdk.StatusRunning:
			fmt.Printf("%s %s %s sync\n", ts, colorStatus(evt.Status), sess.Mode)
		case evt.Err != nil && evt.Status == sdk.StatusError:
			fmt.Printf("%s %s %s\n", ts, colorStatus(evt.Status), evt.Err)
		case evt.Status == sdk.StatusIdle && sess.Outcome == sdk.OutcomeFailed:
			fmt.Printf("%s %s\n", ts, colorStatus(evt.Status))
		default:
			fmt.Printf("%s %s %s sync %s, %d records in %v\n", ts, colorStatus(evt.Status), sess.Mode, sess.Outcome, sess.Records, sess.Duration.Round(time.Millisecond))
		}
	case sdk.EventWatermark:
		fmt.Printf("%s last sync %s\n", ts, evt.Watermark.String())
	}
}
