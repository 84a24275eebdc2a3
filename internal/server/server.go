package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"

	pjson "github.com/pinpt/go-common/v10/json"
	"github.com/pinpt/go-common/v10/log"
	"github.com/pinpt/syncagent/internal/orchestrator"
	"github.com/pinpt/syncagent/internal/scheduler"
	"github.com/pinpt/syncagent/sdk"
)

// Config is the configuration for the server
type Config struct {
	Ctx          context.Context
	Logger       log.Logger
	Orchestrator *orchestrator.Orchestrator
	Scheduler    *scheduler.Scheduler
	// Notifier is optional and receives failed and recovered sessions
	Notifier *Notifier
}

// State is the state reported by the control surface
type State struct {
	orchestrator.State `yaml:",inline"`
	AutoSync bool `json:"auto_sync" yaml:"auto_sync"`
}

// Server is the control surface of the agent
type Server struct {
	logger log.Logger
	config Config
	unsub  func()
	once   sync.Once
}

var _ io.Closer = (*Server)(nil)

// TriggerIncrementalSync starts an incremental sync in the background, returns sdk.ErrBusy if one is running
func (s *Server) TriggerIncrementalSync() error {
	return s.config.Orchestrator.TriggerIncremental()
}

// TriggerFullSync starts a full sync in the background, returns sdk.ErrBusy if one is running
func (s *Server) TriggerFullSync() error {
	return s.config.Orchestrator.TriggerFull()
}

// EnableAutoSync starts the scheduler
func (s *Server) EnableAutoSync() {
	s.config.Scheduler.Start(s.config.Ctx)
}

// DisableAutoSync stops the scheduler, a sync already running is left to finish
func (s *Server) DisableAutoSync() {
	s.config.Scheduler.Stop()
}

// Subscribe registers fn for status, progress and watermark notifications
func (s *Server) Subscribe(fn sdk.Subscriber) func() {
	return s.config.Orchestrator.Subscribe(fn)
}

// State returns the current state
func (s *Server) State() State {
	return State{
		State:    s.config.Orchestrator.State(),
		AutoSync: s.config.Scheduler.Running(),
	}
}

// Close stops the scheduler and waits for a running sync to finish
func (s *Server) Close() error {
	s.once.Do(func() {
		s.config.Scheduler.Stop()
		s.config.Orchestrator.Wait()
		if s.unsub != nil {
			s.unsub()
		}
	})
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, obj interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	io.WriteString(w, pjson.Stringify(obj))
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) post(fn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			s.writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
			return
		}
		if err := fn(); err != nil {
			if errors.Is(err, sdk.ErrBusy) {
				s.writeError(w, http.StatusConflict, err)
				return
			}
			log.Error(s.logger, "error handling request", "path", r.URL.Path, "err", err)
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		s.writeJSON(w, http.StatusAccepted, s.State())
	}
}

// Handler returns the HTTP handler for the control endpoints
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			s.writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
			return
		}
		s.writeJSON(w, http.StatusOK, s.State())
	})
	mux.HandleFunc("/sync", s.post(s.TriggerIncrementalSync))
	mux.HandleFunc("/sync/full", s.post(s.TriggerFullSync))
	mux.HandleFunc("/auto/enable", s.post(func() error {
		s.EnableAutoSync()
		return nil
	}))
	mux.HandleFunc("/auto/disable", s.post(func() error {
		s.DisableAutoSync()
		return nil
	}))
	return mux
}

// New returns a new server
func New(config Config) (*Server, error) {
	if config.Orchestrator == nil || config.Scheduler == nil {
		return nil, errors.New("orchestrator and scheduler are required")
	}
	if config.Ctx == nil {
		config.Ctx = context.Background()
	}
	s := &Server{
		logger: log.With(config.Logger, "pkg", "server"),
		config: config,
	}
	if config.Notifier != nil {
		s.unsub = config.Orchestrator.Subscribe(config.Notifier.Handle)
	}
	return s, nil
}
