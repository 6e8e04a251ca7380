// Package audit records security-relevant mutations (role changes, grant
// changes, cache flushes) to the auth database for later review.
package audit

import (
	"context"
	"time"
)

// Event is one audit trail entry.
type Event struct {
	ID        int64     `json:"id"`
	ActorID   int64     `json:"actor_id"`
	ActorName string    `json:"actor_name"`
	Action    string    `json:"action"`
	Entity    string    `json:"entity"`
	EntityID  string    `json:"entity_id"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Logger records audit events. Implementations must not fail the calling
// request path; recording failures are returned for logging only.
type Logger interface {
	Log(ctx context.Context, event *Event) error
}

// NopLogger discards events. Used in tests and when auditing is disabled.
type NopLogger struct{}

// Log discards the event.
func (NopLogger) Log(context.Context, *Event) error { return nil }
