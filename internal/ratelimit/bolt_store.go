package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var rateLimitBucket = []byte("rate_limits")

// BoltStore persists window entries in a BoltDB file so quotas survive restarts.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (or creates) the BoltDB file at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create rate limit directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open rate limit db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rateLimitBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create rate limit bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (b *BoltStore) Close() error {
	return b.db.Close()
}

func (b *BoltStore) Get(_ context.Context, sessionID string) (Entry, bool, error) {
	var entry Entry
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(rateLimitBucket).Get([]byte(sessionID))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &entry); err != nil {
			return fmt.Errorf("failed to decode entry for %s: %w", sessionID, err)
		}
		found = true
		return nil
	})
	return entry, found, err
}

func (b *BoltStore) Set(_ context.Context, sessionID string, entry Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(rateLimitBucket).Put([]byte(sessionID), raw)
	})
}

func (b *BoltStore) Delete(_ context.Context, sessionID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(rateLimitBucket).Delete([]byte(sessionID))
	})
}

// Sweep removes entries whose window ended before now. Undecodable records go too.
func (b *BoltStore) Sweep(_ context.Context, now time.Time) (int, error) {
	removed := 0
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(rateLimitBucket)
		var stale [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil || entry.Expired(now) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}
