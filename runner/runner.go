package runner

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/pinpt/go-common/v10/log"
	"github.com/pinpt/syncagent/internal/config"
	phttp "github.com/pinpt/syncagent/internal/http"
	"github.com/pinpt/syncagent/internal/orchestrator"
	"github.com/pinpt/syncagent/internal/pipe/api"
	"github.com/pinpt/syncagent/internal/pipe/console"
	"github.com/pinpt/syncagent/internal/pipe/file"
	"github.com/pinpt/syncagent/internal/scheduler"
	"github.com/pinpt/syncagent/internal/server"
	source "github.com/pinpt/syncagent/internal/source/sql"
	filestate "github.com/pinpt/syncagent/internal/state/file"
	"github.com/pinpt/syncagent/internal/state/inifile"
	redisstate "github.com/pinpt/syncagent/internal/state/redis"
	"github.com/pinpt/syncagent/sdk"
)

// Options change how the agent is assembled
type Options struct {
	// DryRun writes records to Out instead of the API and never stores the watermark
	DryRun bool
	// OutputDir writes batches as gzipped files instead of the API
	OutputDir string
	Out       io.Writer
}

// Agent is every component of a configured agent
type Agent struct {
	Config       *config.Config
	Source       *source.Source
	Store        sdk.WatermarkStore
	Sink         sdk.Sink
	Stats        sdk.Stats
	Orchestrator *orchestrator.Orchestrator
	Scheduler    *scheduler.Scheduler
	Server       *server.Server
	notifier     *server.Notifier
}

// Close shuts down the agent, waiting for a running sync to finish
func (a *Agent) Close() error {
	if a.Server != nil {
		a.Server.Close()
	}
	if a.notifier != nil {
		a.notifier.Wait()
	}
	if c, ok := a.Store.(io.Closer); ok {
		c.Close()
	}
	if a.Source != nil {
		return a.Source.Close()
	}
	return nil
}

// dryRunStore reads the real watermark but only keeps new ones in memory
type dryRunStore struct {
	store sdk.WatermarkStore
	mu    sync.Mutex
	wm    *sdk.Watermark
}

func (s *dryRunStore) Get(ctx context.Context) (sdk.Watermark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wm != nil {
		return *s.wm, nil
	}
	return s.store.Get(ctx)
}

func (s *dryRunStore) Set(ctx context.Context, wm sdk.Watermark) error {
	s.mu.Lock()
	s.wm = &wm
	s.mu.Unlock()
	return nil
}

func (s *dryRunStore) Close() error {
	if c, ok := s.store.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// NewStore returns the watermark store selected by SYNC.state
func NewStore(ctx context.Context, cfg *config.Config) (sdk.WatermarkStore, error) {
	switch cfg.Sync.State {
	case config.StateConfig, "":
		return inifile.New(cfg.File), nil
	case config.StateFile:
		return filestate.New(cfg.StateFile())
	case config.StateRedis:
		return redisstate.New(ctx, cfg.Sync.RedisURL, cfg.Sync.RedisDB, cfg.API.AgentName)
	}
	return nil, sdk.NewConfigError("SYNC.state", "unknown state store %q", cfg.Sync.State)
}

// NewSink returns the sink records are delivered to
func NewSink(logger log.Logger, cfg *config.Config, opts Options) (sdk.Sink, error) {
	switch {
	case opts.DryRun:
		return console.New(logger, opts.Out, cfg.API.AgentName), nil
	case opts.OutputDir != "":
		return file.New(logger, opts.OutputDir, cfg.API.AgentName)
	}
	if err := cfg.ValidateSink(); err != nil {
		return nil, err
	}
	return api.New(api.Config{
		Logger:     logger,
		Client:     phttp.New(cfg.Timeout(), nil).New(cfg.API.URL, nil),
		AgentName:  cfg.API.AgentName,
		APIToken:   cfg.API.APIToken,
		Retries:    cfg.Sync.RetryCount,
		RetryDelay: cfg.RetryDelay(),
	}), nil
}

// NewSource connects to the configured database
func NewSource(ctx context.Context, logger log.Logger, cfg *config.Config) (*source.Source, error) {
	if err := cfg.ValidateSource(); err != nil {
		return nil, err
	}
	driver, dsn, err := cfg.DSN()
	if err != nil {
		return nil, err
	}
	return source.New(ctx, source.Config{
		Logger:          logger,
		Driver:          driver.Name,
		Dialect:         driver.Dialect,
		DSN:             dsn,
		Table:           cfg.Database.Table,
		TimestampColumn: cfg.Database.TimestampColumn,
		KeyColumn:       strings.TrimSpace(cfg.Database.KeyColumn),
	})
}

// New assembles an agent from the config
func New(ctx context.Context, logger log.Logger, cfg *config.Config, opts Options) (*Agent, error) {
	if err := cfg.ValidateSync(); err != nil {
		return nil, err
	}
	a := &Agent{Config: cfg, Stats: sdk.NewStats()}
	var err error
	if a.Sink, err = NewSink(logger, cfg, opts); err != nil {
		return nil, err
	}
	if a.Store, err = NewStore(ctx, cfg); err != nil {
		return nil, err
	}
	if opts.DryRun {
		a.Store = &dryRunStore{store: a.Store}
	}
	if a.Source, err = NewSource(ctx, logger, cfg); err != nil {
		a.Close()
		return nil, err
	}
	if a.Orchestrator, err = orchestrator.New(ctx, orchestrator.Config{
		Logger:    logger,
		Source:    a.Source,
		Sink:      a.Sink,
		Store:     a.Store,
		BatchSize: cfg.Sync.BatchSize,
		Stats:     a.Stats,
	}); err != nil {
		a.Close()
		return nil, err
	}
	if a.Scheduler, err = scheduler.New(logger, cfg.Interval(), a.Orchestrator.TriggerIncremental); err != nil {
		a.Close()
		return nil, err
	}
	if cfg.API.NotifyURL != "" {
		a.notifier = server.NewNotifier(logger, phttp.New(cfg.Timeout(), nil).New(cfg.API.NotifyURL, nil), cfg.API.AgentName)
	}
	if a.Server, err = server.New(server.Config{
		Ctx:          ctx,
		Logger:       logger,
		Orchestrator: a.Orchestrator,
		Scheduler:    a.Scheduler,
		Notifier:     a.notifier,
	}); err != nil {
		a.Close()
		return nil, fmt.Errorf("error creating server: %w", err)
	}
	return a, nil
}
