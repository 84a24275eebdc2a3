package inifile

import (
	"context"
	"fmt"
	"sync"

	"github.com/pinpt/go-common/v10/fileutil"
	"github.com/pinpt/syncagent/internal/config"
	"github.com/pinpt/syncagent/sdk"
)

const (
	lastSyncKey = "sync.last_sync"
	lastKeyKey  = "sync.last_key"
)

// State stores the watermark in the SYNC section of the agent config file
type State struct {
	fn string
	mu sync.Mutex
}

var _ sdk.WatermarkStore = (*State)(nil)

// Get reads SYNC.last_sync and SYNC.last_key from the config file
func (s *State) Get(ctx context.Context) (sdk.Watermark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !fileutil.FileExists(s.fn) {
		return sdk.Watermark{}, nil
	}
	v := config.New(s.fn)
	if err := v.ReadInConfig(); err != nil {
		return sdk.Watermark{}, fmt.Errorf("error reading %s: %w", s.fn, err)
	}
	wm, err := sdk.ParseWatermark(v.GetString(lastSyncKey), v.GetString(lastKeyKey))
	if err != nil {
		return wm, sdk.NewConfigError("SYNC.last_sync", "%s", err)
	}
	return wm, nil
}

// Set rewrites the config file with the new watermark, leaving every other setting untouched
func (s *State) Set(ctx context.Context, wm sdk.Watermark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := config.New(s.fn)
	if fileutil.FileExists(s.fn) {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading %s: %w", s.fn, err)
		}
	}
	v.Set(lastSyncKey, wm.String())
	v.Set(lastKeyKey, wm.Key)
	return config.WriteViper(v, s.fn)
}

// New returns a watermark store backed by the config file fn
func New(fn string) *State {
	return &State{fn: fn}
}
