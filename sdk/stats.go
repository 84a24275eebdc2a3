package sdk

import (
	"encoding/json"
	"sync"
)

// well known stats keys
const (
	StatSessionsCompleted = "sessions.completed"
	StatSessionsFailed    = "sessions.failed"
	StatSessionsRejected  = "sessions.rejected"
	StatBatchesDelivered  = "batches.delivered"
	StatRecordsDelivered  = "records.delivered"
)

// Stats is a concurrency safe set of counters
type Stats interface {
	json.Marshaler
	// Increment adds n to the counter for key
	Increment(key string, n int64)
	// Get returns the counter for key
	Get(key string) int64
	// Snapshot returns a copy of all counters
	Snapshot() map[string]int64
}

type stats struct {
	kv map[string]int64
	mu sync.Mutex
}

// NewStats will return a properly initialized Stats
func NewStats() Stats {
	return &stats{
		kv: make(map[string]int64),
	}
}

func (s *stats) Increment(key string, n int64) {
	s.mu.Lock()
	s.kv[key] += n
	s.mu.Unlock()
}

func (s *stats) Get(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv[key]
}

func (s *stats) Snapshot() map[string]int64 {
	s.mu.Lock()
	res := make(map[string]int64, len(s.kv))
	for k, v := range s.kv {
		res[k] = v
	}
	s.mu.Unlock()
	return res
}

// MarshalJSON returns the underlying map
func (s *stats) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Snapshot())
}
