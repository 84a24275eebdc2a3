package sdk

import "time"

// Status is the state of the sync engine
type Status string

const (
	// StatusIdle means no sync is running
	StatusIdle Status = "Idle"
	// StatusRunning means a sync is in progress
	StatusRunning Status = "Running"
	// StatusError means the last sync failed
	StatusError Status = "Error"
)

// Mode is the kind of sync cycle
type Mode string

const (
	// ModeIncremental syncs records newer than the watermark in a single pass
	ModeIncremental Mode = "incremental"
	// ModeFull syncs everything from the beginning until the source is exhausted
	ModeFull Mode = "full"
)

// Outcome is how a session ended
type Outcome string

const (
	// OutcomeCompleted is a session which delivered everything it extracted
	OutcomeCompleted Outcome = "completed"
	// OutcomeFailed is a session which stopped on an error
	OutcomeFailed Outcome = "failed"
	// OutcomeCancelled is a session which was stopped before it finished
	OutcomeCancelled Outcome = "cancelled"
)

// Session describes one sync run
type Session struct {
	ID        string        `json:"id" yaml:"id"`
	Mode      Mode          `json:"mode" yaml:"mode"`
	Cursor    string        `json:"cursor" yaml:"cursor"`
	Records   int           `json:"records" yaml:"records"`
	Batches   int           `json:"batches" yaml:"batches"`
	Outcome   Outcome       `json:"outcome,omitempty" yaml:"outcome,omitempty"`
	Error     string        `json:"error,omitempty" yaml:"error,omitempty"`
	Started   time.Time     `json:"started" yaml:"started"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
	Watermark Watermark     `json:"-" yaml:"-"`
}

// EventType is the kind of notification
type EventType string

const (
	// EventStatus is sent whenever the status changes
	EventStatus EventType = "status"
	// EventWatermark is sent after the watermark has been durably advanced
	EventWatermark EventType = "watermark"
	// EventProgress is sent after each delivered batch
	EventProgress EventType = "progress"
)

// Event is a notification about the engine
type Event struct {
	Type      EventType
	Status    Status
	Watermark Watermark
	Session   Session
	Err       error
}

// Subscriber receives engine notifications. It is called synchronously and must not block.
type Subscriber func(evt Event)
