package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// Default window settings.
const (
	DefaultWindow      = 60 * time.Second
	DefaultMaxRequests = 10
)

// Decision is the outcome of one admission check. ResetAt is the end of the
// session's current window whether or not the request was allowed.
type Decision struct {
	Allowed bool
	ResetAt time.Time
	Count   int
}

// RetryAfter returns the whole seconds until ResetAt, rounded up, never negative.
func (d Decision) RetryAfter(now time.Time) int {
	return retryAfterSeconds(d.ResetAt, now)
}

func retryAfterSeconds(resetAt, now time.Time) int {
	wait := resetAt.Sub(now)
	if wait <= 0 {
		return 0
	}
	return int(math.Ceil(wait.Seconds()))
}

// DeniedError is returned to callers whose session exhausted its window.
type DeniedError struct {
	ResetAt    time.Time
	RetryAfter int // seconds
}

// Error implements the error interface.
func (e *DeniedError) Error() string {
	return fmt.Sprintf("rate limit exceeded: retry after %ds", e.RetryAfter)
}

// Limiter is a fixed-window request counter per session.
type Limiter struct {
	store       EntryStore
	window      time.Duration
	maxRequests int
	now         func() time.Time
	mu          sync.Mutex
}

// NewLimiter creates a limiter over store. Non-positive settings fall back to the defaults.
func NewLimiter(store EntryStore, maxRequests int, window time.Duration) *Limiter {
	if maxRequests <= 0 {
		maxRequests = DefaultMaxRequests
	}
	if window <= 0 {
		window = DefaultWindow
	}
	l := &Limiter{
		store:       store,
		window:      window,
		maxRequests: maxRequests,
	}
	l.setClockLocked(time.Now)
	return l
}

// SetClock replaces the time source of the limiter and of its store.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setClockLocked(now)
}

func (l *Limiter) setClockLocked(now func() time.Time) {
	l.now = now
	if c, ok := l.store.(Clocked); ok {
		c.SetClock(now)
	}
}

// Check counts one request for sessionID. The read-modify-write runs under the
// limiter lock so concurrent requests from one session cannot undercount.
func (l *Limiter) Check(ctx context.Context, sessionID string) (Decision, error) {
	d, _, err := l.check(ctx, sessionID)
	return d, err
}

func (l *Limiter) check(ctx context.Context, sessionID string) (Decision, time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	entry, ok, err := l.store.Get(ctx, sessionID)
	if err != nil {
		return Decision{}, now, fmt.Errorf("failed to read rate limit entry: %w", err)
	}

	// Lazy expiry
	if ok && entry.Expired(now) {
		if err := l.store.Delete(ctx, sessionID); err != nil {
			return Decision{}, now, fmt.Errorf("failed to expire rate limit entry: %w", err)
		}
		ok = false
	}

	if !ok {
		entry = Entry{Count: 1, ResetAt: now.Add(l.window)}
		if err := l.store.Set(ctx, sessionID, entry); err != nil {
			return Decision{}, now, fmt.Errorf("failed to store rate limit entry: %w", err)
		}
		return Decision{Allowed: true, ResetAt: entry.ResetAt, Count: entry.Count}, now, nil
	}

	if entry.Count >= l.maxRequests {
		return Decision{Allowed: false, ResetAt: entry.ResetAt, Count: entry.Count}, now, nil
	}

	entry.Count++
	if err := l.store.Set(ctx, sessionID, entry); err != nil {
		return Decision{}, now, fmt.Errorf("failed to store rate limit entry: %w", err)
	}
	return Decision{Allowed: true, ResetAt: entry.ResetAt, Count: entry.Count}, now, nil
}

// Admit is Check folded into an error: a denial comes back as *DeniedError.
func (l *Limiter) Admit(ctx context.Context, sessionID string) error {
	d, now, err := l.check(ctx, sessionID)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return &DeniedError{ResetAt: d.ResetAt, RetryAfter: d.RetryAfter(now)}
	}
	return nil
}

// Sweep drops expired entries when the store supports it.
func (l *Limiter) Sweep(ctx context.Context) (int, error) {
	sweeper, ok := l.store.(Sweeper)
	if !ok {
		return 0, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return sweeper.Sweep(ctx, l.now())
}
