// Package ratelimit implements the per-session fixed-window admission gate.
package ratelimit

import (
	"context"
	"time"
)

// Entry is the window state for one session.
type Entry struct {
	Count   int       `json:"count"`
	ResetAt time.Time `json:"reset_at"`
}

// Expired reports whether the window ended before now.
func (e Entry) Expired(now time.Time) bool {
	return e.ResetAt.Before(now)
}

// EntryStore holds window entries keyed by session ID. Implementations must be
// safe for concurrent use; the Limiter provides the check-and-increment atomicity.
type EntryStore interface {
	Get(ctx context.Context, sessionID string) (Entry, bool, error)
	Set(ctx context.Context, sessionID string, entry Entry) error
	Delete(ctx context.Context, sessionID string) error
}

// Sweeper is implemented by stores that can drop expired entries in bulk.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// Clocked is implemented by stores that make time-based decisions of their
// own. The Limiter hands them its clock.
type Clocked interface {
	SetClock(now func() time.Time)
}
