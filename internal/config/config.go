package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pinpt/go-common/v10/fileutil"
	"github.com/pinpt/syncagent/sdk"
	"github.com/spf13/viper"
)

// DefaultFile is the config file used when none is given
const DefaultFile = "config.ini"

// EnvPrefix is the prefix for environment overrides such as SYNCAGENT_API_API_TOKEN
const EnvPrefix = "SYNCAGENT"

const configType = "ini"

// supported watermark store backends
const (
	StateConfig = "config"
	StateFile   = "file"
	StateRedis  = "redis"
)

// DatabaseConfig is the DATABASE section
type DatabaseConfig struct {
	Server          string `mapstructure:"server"`
	Port            int    `mapstructure:"port"`
	Database        string `mapstructure:"database"`
	Table           string `mapstructure:"table"`
	Username        string `mapstructure:"username"`
	Password        string `mapstructure:"password"`
	Driver          string `mapstructure:"driver"`
	TimestampColumn string `mapstructure:"timestamp_column"`
	KeyColumn       string `mapstructure:"key_column"`
}

// APIConfig is the API section
type APIConfig struct {
	URL            string `mapstructure:"url"`
	AgentName      string `mapstructure:"agent_name"`
	APIToken       string `mapstructure:"api_token"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	// NotifyURL is an optional slack style webhook told about failed syncs
	NotifyURL string `mapstructure:"notify_url"`
}

// SyncConfig is the SYNC section
type SyncConfig struct {
	IntervalMinutes   int    `mapstructure:"interval_minutes"`
	BatchSize         int    `mapstructure:"batch_size"`
	RetryCount        int    `mapstructure:"retry_count"`
	RetryDelaySeconds int    `mapstructure:"retry_delay_seconds"`
	AutoSync          bool   `mapstructure:"auto_sync"`
	LastSync          string `mapstructure:"last_sync"`
	LastKey           string `mapstructure:"last_key"`
	State             string `mapstructure:"state"`
	StateFile         string `mapstructure:"state_file"`
	RedisURL          string `mapstructure:"redis_url"`
	RedisDB           int    `mapstructure:"redis_db"`
}

// Config is the agent configuration
type Config struct {
	File     string         `mapstructure:"-"`
	Database DatabaseConfig `mapstructure:"database"`
	API      APIConfig      `mapstructure:"api"`
	Sync     SyncConfig     `mapstructure:"sync"`
}

// Default returns the configuration written when no config file exists
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Server:          "localhost",
			Database:        "your_database",
			Table:           "your_table",
			Username:        "your_username",
			Password:        "your_password",
			Driver:          "ODBC Driver 17 for SQL Server",
			TimestampColumn: "date_time",
		},
		API: APIConfig{
			URL:            "https://api.example.com/sync",
			AgentName:      "sync_agent_1",
			APIToken:       "your_api_token",
			TimeoutSeconds: 60,
		},
		Sync: SyncConfig{
			IntervalMinutes:   1,
			BatchSize:         1000,
			RetryCount:        3,
			RetryDelaySeconds: 5,
			AutoSync:          true,
			LastSync:          sdk.Never,
			State:             StateConfig,
			RedisURL:          "localhost:6379",
		},
	}
}

// settings flattens the config into viper keys
func (c *Config) settings() map[string]interface{} {
	return map[string]interface{}{
		"database.server":           c.Database.Server,
		"database.port":             c.Database.Port,
		"database.database":         c.Database.Database,
		"database.table":            c.Database.Table,
		"database.username":         c.Database.Username,
		"database.password":         c.Database.Password,
		"database.driver":           c.Database.Driver,
		"database.timestamp_column": c.Database.TimestampColumn,
		"database.key_column":       c.Database.KeyColumn,
		"api.url":                   c.API.URL,
		"api.agent_name":            c.API.AgentName,
		"api.api_token":             c.API.APIToken,
		"api.timeout_seconds":       c.API.TimeoutSeconds,
		"api.notify_url":            c.API.NotifyURL,
		"sync.interval_minutes":     c.Sync.IntervalMinutes,
		"sync.batch_size":           c.Sync.BatchSize,
		"sync.retry_count":          c.Sync.RetryCount,
		"sync.retry_delay_seconds":  c.Sync.RetryDelaySeconds,
		"sync.auto_sync":            c.Sync.AutoSync,
		"sync.last_sync":            c.Sync.LastSync,
		"sync.last_key":             c.Sync.LastKey,
		"sync.state":                c.Sync.State,
		"sync.state_file":           c.Sync.StateFile,
		"sync.redis_url":            c.Sync.RedisURL,
		"sync.redis_db":             c.Sync.RedisDB,
	}
}

// New returns a viper instance reading fn as an ini file
func New(fn string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(fn)
	v.SetConfigType(configType)
	return v
}

func newWithDefaults(fn string) *viper.Viper {
	v := New(fn)
	for k, val := range Default().settings() {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file, creating it with defaults if it doesn't exist
func Load(fn string) (*Config, error) {
	if fn == "" {
		fn = DefaultFile
	}
	if !fileutil.FileExists(fn) {
		if err := Write(fn, Default()); err != nil {
			return nil, fmt.Errorf("error creating default config: %w", err)
		}
	}
	v := newWithDefaults(fn)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config %s: %w", fn, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &sdk.ConfigError{Message: err.Error()}
	}
	cfg.File = fn
	return &cfg, nil
}

// Write atomically writes cfg to fn
func Write(fn string, cfg *Config) error {
	v := New(fn)
	for k, val := range cfg.settings() {
		v.Set(k, val)
	}
	return WriteViper(v, fn)
}

// tempFile returns the hidden sibling fn is written through. viper picks the encoding from the
// file extension, so the temp name has to keep the ini extension.
func tempFile(fn string) string {
	return filepath.Join(filepath.Dir(fn), "."+filepath.Base(fn)+".tmp."+configType)
}

// WriteViper writes all of the settings of v to a temp file next to fn and renames it over fn,
// so fn always holds either the previous or the new contents
func WriteViper(v *viper.Viper, fn string) error {
	dir := filepath.Dir(fn)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp := tempFile(fn)
	if err := v.WriteConfigAs(tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("error writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, fn); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("error replacing %s: %w", fn, err)
	}
	return nil
}

// IsSQLite returns true if the configured driver is sqlite, where database is a file path
func (c *Config) IsSQLite() bool {
	d := strings.ToLower(c.Database.Driver)
	return strings.Contains(d, "sqlite")
}

// Validate checks the config and returns a *sdk.ConfigError for the first invalid value
func (c *Config) Validate() error {
	if err := c.ValidateSource(); err != nil {
		return err
	}
	if err := c.ValidateSink(); err != nil {
		return err
	}
	return c.ValidateSync()
}

// ValidateSource checks the DATABASE section
func (c *Config) ValidateSource() error {
	db := c.Database
	if !c.IsSQLite() && strings.TrimSpace(db.Server) == "" {
		return sdk.NewConfigError("DATABASE.server", "is required")
	}
	if strings.TrimSpace(db.Database) == "" {
		return sdk.NewConfigError("DATABASE.database", "is required")
	}
	if strings.TrimSpace(db.Table) == "" {
		return sdk.NewConfigError("DATABASE.table", "is required")
	}
	if strings.TrimSpace(db.TimestampColumn) == "" {
		return sdk.NewConfigError("DATABASE.timestamp_column", "is required")
	}
	if db.Port < 0 || db.Port > 65535 {
		return sdk.NewConfigError("DATABASE.port", "invalid port %d", db.Port)
	}
	if _, err := ResolveDriver(db.Driver); err != nil {
		return err
	}
	return nil
}

// ValidateSink checks the API section
func (c *Config) ValidateSink() error {
	api := c.API
	if strings.TrimSpace(api.URL) == "" {
		return sdk.NewConfigError("API.url", "is required")
	}
	u, err := url.Parse(api.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return sdk.NewConfigError("API.url", "invalid url %q", api.URL)
	}
	if strings.TrimSpace(api.AgentName) == "" {
		return sdk.NewConfigError("API.agent_name", "is required")
	}
	if strings.TrimSpace(api.APIToken) == "" {
		return sdk.NewConfigError("API.api_token", "is required")
	}
	if api.TimeoutSeconds < 0 {
		return sdk.NewConfigError("API.timeout_seconds", "must not be negative")
	}
	if api.NotifyURL != "" {
		if u, err := url.Parse(api.NotifyURL); err != nil || u.Scheme == "" || u.Host == "" {
			return sdk.NewConfigError("API.notify_url", "invalid url %q", api.NotifyURL)
		}
	}
	return nil
}

// ValidateSync checks the SYNC section
func (c *Config) ValidateSync() error {
	s := c.Sync
	if s.BatchSize <= 0 {
		return sdk.NewConfigError("SYNC.batch_size", "must be a positive integer, was %d", s.BatchSize)
	}
	if s.RetryCount < 0 {
		return sdk.NewConfigError("SYNC.retry_count", "must not be negative, was %d", s.RetryCount)
	}
	if s.IntervalMinutes <= 0 {
		return sdk.NewConfigError("SYNC.interval_minutes", "must be a positive integer, was %d", s.IntervalMinutes)
	}
	if s.RetryDelaySeconds < 0 {
		return sdk.NewConfigError("SYNC.retry_delay_seconds", "must not be negative, was %d", s.RetryDelaySeconds)
	}
	if _, err := c.Watermark(); err != nil {
		return err
	}
	switch s.State {
	case StateConfig, StateFile, StateRedis:
	default:
		return sdk.NewConfigError("SYNC.state", "unknown state store %q", s.State)
	}
	if s.State == StateRedis && s.RedisURL == "" {
		return sdk.NewConfigError("SYNC.redis_url", "is required for the redis state store")
	}
	return nil
}

// Watermark returns the watermark recorded in SYNC.last_sync
func (c *Config) Watermark() (sdk.Watermark, error) {
	wm, err := sdk.ParseWatermark(c.Sync.LastSync, c.Sync.LastKey)
	if err != nil {
		return wm, sdk.NewConfigError("SYNC.last_sync", "%s", err)
	}
	return wm, nil
}

// Interval is the auto sync interval
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Sync.IntervalMinutes) * time.Minute
}

// RetryDelay is the delay between delivery attempts
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Sync.RetryDelaySeconds) * time.Second
}

// Timeout is the per request timeout for the API
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.API.TimeoutSeconds) * time.Second
}

// StateFile returns the path of the file state store
func (c *Config) StateFile() string {
	if c.Sync.StateFile != "" {
		return c.Sync.StateFile
	}
	return filepath.Join(filepath.Dir(c.File), "state.json")
}
