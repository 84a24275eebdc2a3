package file

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/pinpt/go-common/v10/fileutil"
	pjson "github.com/pinpt/go-common/v10/json"
	"github.com/pinpt/syncagent/sdk"
)

type record struct {
	LastSync string `json:"last_sync"`
	LastKey  string `json:"last_key,omitempty"`
}

// State is a simple file backed watermark store
type State struct {
	fn string
	mu sync.Mutex
}

var _ sdk.WatermarkStore = (*State)(nil)
var _ io.Closer = (*State)(nil)

// Get returns the stored watermark or an unset one if the file is missing or empty
func (f *State) Get(ctx context.Context) (sdk.Watermark, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !fileutil.FileExists(f.fn) {
		return sdk.Watermark{}, nil
	}
	of, err := os.Open(f.fn)
	if err != nil {
		return sdk.Watermark{}, err
	}
	defer of.Close()
	var rec record
	if err := json.NewDecoder(of).Decode(&rec); err != nil && err != io.EOF {
		return sdk.Watermark{}, fmt.Errorf("error decoding state file %s: %w", f.fn, err)
	}
	return sdk.ParseWatermark(rec.LastSync, rec.LastKey)
}

// Set writes the watermark to a temp file in the same directory, syncs it and renames it over the
// state file
func (f *State) Set(ctx context.Context, wm sdk.Watermark) error {
	rec := record{LastSync: wm.String(), LastKey: wm.Key}
	f.mu.Lock()
	defer f.mu.Unlock()
	tmp, err := ioutil.TempFile(filepath.Dir(f.fn), filepath.Base(f.fn)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(pjson.Stringify(rec)); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.fn)
}

// Close the state
func (f *State) Close() error {
	return nil
}

// New will create a new watermark store backed by a file
func New(fn string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(fn), 0755); err != nil {
		return nil, err
	}
	return &State{fn: fn}, nil
}
