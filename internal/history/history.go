// Package history exports supervisor lifecycle events to databases and
// search backends. Sinks are append-only and never affect supervision.
package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart       EventType = "start"
	EventStartFailed EventType = "start_failed"
	EventStop        EventType = "stop"
	EventRestart     EventType = "restart"
	// EventStale is emitted when a recorded pid is found dead or reused and
	// the PID file is reclaimed.
	EventStale EventType = "stale"
)

// Event is a supervisor lifecycle transition exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	PID        int       `json:"pid"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	// Forced is set on stop events that needed SIGKILL.
	Forced bool   `json:"forced,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Nullable maps the zero time to nil for SQL drivers.
func Nullable(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// NullableString maps "" to nil for SQL drivers.
func NullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
