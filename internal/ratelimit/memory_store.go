package ratelimit

import (
	"context"
	"sync"
	"time"
)

// DefaultMaxSessions bounds the in-memory store when no capacity is given.
const DefaultMaxSessions = 10000

// MemoryStore keeps entries in process memory with a hard cap on distinct
// sessions. When full, expired entries go first, then the entry whose window
// ends soonest.
type MemoryStore struct {
	entries  map[string]Entry
	capacity int
	now      func() time.Time
	mu       sync.RWMutex
}

// NewMemoryStore creates a store holding at most capacity sessions.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultMaxSessions
	}
	return &MemoryStore{
		entries:  make(map[string]Entry),
		capacity: capacity,
		now:      time.Now,
	}
}

// SetClock replaces the time source used to spot expired entries on eviction.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) Get(_ context.Context, sessionID string) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[sessionID]
	return entry, ok, nil
}

func (m *MemoryStore) Set(_ context.Context, sessionID string, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[sessionID]; !exists && len(m.entries) >= m.capacity {
		m.evictLocked()
	}
	m.entries[sessionID] = entry
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, sessionID)
	return nil
}

// Sweep removes every entry whose window ended before now.
func (m *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweepLocked(now), nil
}

// Len returns the number of tracked sessions.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *MemoryStore) sweepLocked(now time.Time) int {
	removed := 0
	for id, entry := range m.entries {
		if entry.Expired(now) {
			delete(m.entries, id)
			removed++
		}
	}
	return removed
}

func (m *MemoryStore) evictLocked() {
	if m.sweepLocked(m.now()) > 0 {
		return
	}

	var oldestID string
	var oldest time.Time
	for id, entry := range m.entries {
		if oldestID == "" || entry.ResetAt.Before(oldest) {
			oldestID = id
			oldest = entry.ResetAt
		}
	}
	if oldestID != "" {
		delete(m.entries, oldestID)
	}
}
