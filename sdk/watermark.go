package sdk

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Never is the persisted form of an unset watermark
const Never = "Never"

// WatermarkFormat is the ISO-8601 format the watermark is persisted in, always in UTC. Fractional
// seconds are kept so that resuming never re-reads rows inside the last delivered second.
const WatermarkFormat = "2006-01-02T15:04:05.999999999"

// Watermark is the cursor of the last successfully delivered record. The zero value is unset,
// meaning sync from the beginning of the table.
type Watermark struct {
	Timestamp time.Time
	// Key is the tiebreaker key of the last record when a key column is configured, empty otherwise
	Key string
}

// IsSet returns true if the watermark has a value
func (w Watermark) IsSet() bool {
	return !w.Timestamp.IsZero()
}

// HasKey returns true if the watermark carries a tiebreaker key
func (w Watermark) HasKey() bool {
	return w.IsSet() && w.Key != ""
}

// Before returns true if w sorts before o. An unset watermark sorts before everything. Keys
// which both parse as integers compare numerically.
func (w Watermark) Before(o Watermark) bool {
	if !w.IsSet() {
		return o.IsSet()
	}
	if !o.IsSet() {
		return false
	}
	if !w.Timestamp.Equal(o.Timestamp) {
		return w.Timestamp.Before(o.Timestamp)
	}
	a, aerr := strconv.ParseInt(w.Key, 10, 64)
	b, berr := strconv.ParseInt(o.Key, 10, 64)
	if aerr == nil && berr == nil {
		return a < b
	}
	return w.Key < o.Key
}

// Advances returns true if w is a position past from: a later timestamp, or the same timestamp
// with a different key. Keys are ordered by the source so any other key counts as progress.
func (w Watermark) Advances(from Watermark) bool {
	if !w.IsSet() {
		return false
	}
	if !from.IsSet() || w.Timestamp.After(from.Timestamp) {
		return true
	}
	return w.Timestamp.Equal(from.Timestamp) && w.Key != from.Key
}

// String returns the persisted form of the timestamp, or Never
func (w Watermark) String() string {
	if !w.IsSet() {
		return Never
	}
	return w.Timestamp.UTC().Format(WatermarkFormat)
}

var watermarkLayouts = []string{
	WatermarkFormat,
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05.999999999-07:00",
	DateFormat,
}

// ParseWatermark parses a persisted timestamp (and optional key). An empty value or Never is unset.
func ParseWatermark(ts string, key string) (Watermark, error) {
	ts = strings.TrimSpace(ts)
	if ts == "" || strings.EqualFold(ts, Never) {
		return Watermark{}, nil
	}
	for _, layout := range watermarkLayouts {
		if tv, err := time.Parse(layout, ts); err == nil {
			return Watermark{Timestamp: tv.UTC(), Key: strings.TrimSpace(key)}, nil
		}
	}
	return Watermark{}, fmt.Errorf("invalid watermark %q, expected an ISO-8601 timestamp or %s", ts, Never)
}

// WatermarkStore holds the last confirmed watermark
type WatermarkStore interface {
	// Get returns the stored watermark or an unset watermark if none was stored
	Get(ctx context.Context) (Watermark, error)
	// Set durably stores the watermark before returning. A failed Set leaves the previous value intact.
	Set(ctx context.Context, wm Watermark) error
}
