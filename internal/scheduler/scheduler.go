package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pinpt/go-common/v10/log"
	"github.com/pinpt/syncagent/sdk"
)

// Trigger starts a sync without waiting for it. It returns sdk.ErrBusy if one is already running.
type Trigger func() error

// Scheduler triggers a sync, waits for the interval and repeats until stopped
type Scheduler struct {
	logger   log.Logger
	interval time.Duration
	trigger  Trigger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		if err := s.trigger(); err != nil {
			if errors.Is(err, sdk.ErrBusy) {
				log.Debug(s.logger, "skipping scheduled sync, one is already running")
			} else {
				log.Error(s.logger, "error triggering scheduled sync", "err", err)
			}
		}
		t := time.NewTimer(s.interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// Start runs the scheduler in the background, the first sync is triggered immediately. Calling
// Start while running does nothing. The scheduler also stops when ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	log.Info(s.logger, "auto sync enabled", "interval", s.interval)
	go s.loop(ctx, s.done)
}

// Stop prevents the next trigger and waits for the loop to exit. A sync already running is not
// affected.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Info(s.logger, "auto sync disabled")
}

// Running returns true if the scheduler is started
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// New returns a stopped scheduler calling trigger every interval
func New(logger log.Logger, interval time.Duration, trigger Trigger) (*Scheduler, error) {
	if interval <= 0 {
		return nil, sdk.NewConfigError("SYNC.interval_minutes", "must be a positive integer")
	}
	return &Scheduler{
		logger:   log.With(logger, "pkg", "scheduler"),
		interval: interval,
		trigger:  trigger,
	}, nil
}
