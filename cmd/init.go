package cmd

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/denisbrodbeck/machineid"
	"github.com/fatih/color"
	"github.com/pinpt/go-common/v10/fileutil"
	"github.com/pinpt/go-common/v10/log"
	"github.com/pinpt/syncagent/internal/config"
	"github.com/spf13/cobra"
)

// defaultAgentName returns a name which is stable for this machine
func defaultAgentName() string {
	id, err := machineid.ProtectedID("syncagent")
	if err != nil || len(id) < 8 {
		return config.Default().API.AgentName
	}
	return "syncagent-" + id[:8]
}

type initAnswers struct {
	Driver    string `survey:"driver"`
	Server    string `survey:"server"`
	Database  string `survey:"database"`
	Table     string `survey:"table"`
	Timestamp string `survey:"timestamp_column"`
	Username  string `survey:"username"`
	Password  string `survey:"password"`
	URL       string `survey:"url"`
	AgentName string `survey:"agent_name"`
	APIToken  string `survey:"api_token"`
}

func validateURL(val interface{}) error {
	str := strings.TrimSpace(val.(string))
	u, err := url.ParseRequestURI(str)
	if err != nil {
		return err
	}
	if u.Scheme == "" {
		return errors.New("missing scheme")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func promptSettings(cfg *config.Config) error {
	var result initAnswers
	if err := survey.Ask([]*survey.Question{
		{
			Name: "driver",
			Prompt: &survey.Select{
				Message: "Database driver:",
				Options: []string{cfg.Database.Driver, "sqlite3"},
				Default: cfg.Database.Driver,
			},
		},
		{
			Name:     "server",
			Prompt:   &survey.Input{Message: "Database server:", Default: cfg.Database.Server},
			Validate: survey.Required,
		},
		{
			Name: "database",
			Prompt: &survey.Input{
				Message: "Database name:",
				Help:    "For sqlite this is the path of the database file",
				Default: cfg.Database.Database,
			},
			Validate: survey.Required,
		},
		{
			Name:     "table",
			Prompt:   &survey.Input{Message: "Table to sync:", Default: cfg.Database.Table},
			Validate: survey.Required,
		},
		{
			Name: "timestamp_column",
			Prompt: &survey.Input{
				Message: "Timestamp column:",
				Help:    "Rows are synced in the order of this column, new rows must have a later value",
				Default: cfg.Database.TimestampColumn,
			},
			Validate: survey.Required,
		},
		{
			Name:   "username",
			Prompt: &survey.Input{Message: "Database username:", Default: cfg.Database.Username},
		},
		{
			Name:   "password",
			Prompt: &survey.Password{Message: "Database password:"},
		},
		{
			Name:      "url",
			Prompt:    &survey.Input{Message: "API url:", Default: cfg.API.URL},
			Validate:  validateURL,
			Transform: survey.TransformString(strings.TrimSpace),
		},
		{
			Name:     "agent_name",
			Prompt:   &survey.Input{Message: "Agent name:", Default: cfg.API.AgentName},
			Validate: survey.Required,
		},
		{
			Name:     "api_token",
			Prompt:   &survey.Password{Message: "API token:"},
			Validate: survey.Required,
		},
	}, &result); err != nil {
		return err
	}
	cfg.Database.Driver = result.Driver
	cfg.Database.Server = result.Server
	cfg.Database.Database = result.Database
	cfg.Database.Table = result.Table
	cfg.Database.TimestampColumn = result.Timestamp
	cfg.Database.Username = result.Username
	if result.Password != "" {
		cfg.Database.Password = result.Password
	}
	cfg.API.URL = result.URL
	cfg.API.AgentName = result.AgentName
	cfg.API.APIToken = result.APIToken
	return nil
}

// initCmd represents the init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "create a config file",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		logger := log.NewCommandLogger(cmd)
		defer logger.Close()
		fn, _ := cmd.Flags().GetString("config")
		force, _ := cmd.Flags().GetBool("force")
		if fileutil.FileExists(fn) && !force {
			log.Fatal(logger, "config file already exists, use --force to overwrite it", "file", fn)
		}
		cfg := config.Default()
		cfg.API.AgentName = defaultAgentName()
		if interactive, _ := cmd.Flags().GetBool("interactive"); interactive {
			if err := promptSettings(cfg); err != nil {
				log.Fatal(logger, "error with settings", "err", err)
			}
			if err := cfg.Validate(); err != nil {
				log.Fatal(logger, "invalid settings", "err", err)
			}
		}
		if err := config.Write(fn, cfg); err != nil {
			log.Fatal(logger, "error writing config", "err", err)
		}
		fmt.Println(color.New(color.FgHiGreen).Sprint("created ") + fn)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().Bool("interactive", false, "prompt for the settings")
	initCmd.Flags().Bool("force", false, "overwrite an existing config file")
}
