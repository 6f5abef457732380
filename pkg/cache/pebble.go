package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// PebbleStore is an on-disk cache backend for runs without a Redis server.
// Pebble has no key expiry, so expired entries are dropped on read.
type PebbleStore struct {
	db *pebble.DB
}

// OpenPebble opens (or creates) a Pebble cache database in dir.
func OpenPebble(dir string) (*PebbleStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("pebble cache directory is required")
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble cache %s: %w", dir, err)
	}
	return &PebbleStore{db: db}, nil
}

// Get retrieves a cache entry by key.
// Returns ErrCacheMiss if the key doesn't exist or entry is expired.
func (s *PebbleStore) Get(ctx context.Context, key CacheKey) (*CacheEntry, error) {
	v, closer, err := s.db.Get([]byte(key.String()))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			CacheMisses.WithLabelValues(backendPebble).Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues(backendPebble, "get").Inc()
		return nil, fmt.Errorf("pebble get: %w", err)
	}

	// v is only valid until closer.Close.
	var entry CacheEntry
	uerr := json.Unmarshal(v, &entry)
	closer.Close()
	if uerr != nil {
		CacheErrors.WithLabelValues(backendPebble, "get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, uerr)
	}

	if entry.IsExpired() {
		_ = s.Delete(ctx, key)
		CacheMisses.WithLabelValues(backendPebble).Inc()
		return nil, ErrCacheMiss
	}

	CacheHits.WithLabelValues(backendPebble).Inc()
	return &entry, nil
}

// Set stores a cache entry. Expired entries are not stored.
func (s *PebbleStore) Set(_ context.Context, key CacheKey, entry *CacheEntry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}
	if entry.TTL() <= 0 {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues(backendPebble, "set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := s.db.Set([]byte(key.String()), data, pebble.Sync); err != nil {
		CacheErrors.WithLabelValues(backendPebble, "set").Inc()
		return fmt.Errorf("pebble set: %w", err)
	}

	CacheWrittenBytes.WithLabelValues(backendPebble).Add(float64(len(data)))
	return nil
}

// Delete removes a cache entry.
func (s *PebbleStore) Delete(_ context.Context, key CacheKey) error {
	if err := s.db.Delete([]byte(key.String()), pebble.Sync); err != nil {
		CacheErrors.WithLabelValues(backendPebble, "delete").Inc()
		return fmt.Errorf("pebble delete: %w", err)
	}
	return nil
}

// Close flushes and closes the database.
func (s *PebbleStore) Close() error {
	return s.db.Close()
}
