// Package store provides the dedup storage backends for KisanVoice.
//
// The webhook ingestor records every inbound update ID before
// acknowledging it; RecordInbound must behave as an atomic
// insert-if-absent so that two turns racing on the same ID cannot both
// win. An in-memory set is sufficient for a single process; the SQLite,
// Postgres and Redis backends exist so a multi-instance deployment can
// share the guard.
package store

import (
	"context"
	"sync"
	"time"
)

// DedupRepo defines the interface for inbound update deduplication.
type DedupRepo interface {
	// RecordInbound inserts a new inbound update record. Returns false if
	// the update was already recorded (duplicate). The insert is atomic:
	// for concurrent calls with the same ID exactly one returns true.
	RecordInbound(ctx context.Context, updateID, chatID int64) (bool, error)

	// IsDuplicate reports whether an update ID has already been recorded.
	IsDuplicate(ctx context.Context, updateID int64) (bool, error)

	// Close releases the backend's resources.
	Close() error
}

// Opts holds configuration for store constructors.
type Opts struct {
	DSN string
	// TTL bounds how long a dedup record is retained on backends that
	// support expiry. Zero means keep forever.
	TTL time.Duration
}

// Option configures a store constructor.
type Option func(*Opts)

// WithDSN sets the backend connection string (file path for SQLite,
// postgres:// or key=value DSN for Postgres, redis:// URL for Redis).
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithTTL sets the retention window for backends that support expiry.
func WithTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.TTL = ttl }
}

// InMemoryStore is a mutex-guarded dedup set. Records are never evicted,
// so it is only suitable for development and tests.
type InMemoryStore struct {
	mu   sync.Mutex
	seen map[int64]time.Time
}

// Compile-time check that InMemoryStore implements DedupRepo.
var _ DedupRepo = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory dedup store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{seen: make(map[int64]time.Time)}
}

func (s *InMemoryStore) RecordInbound(ctx context.Context, updateID, chatID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[updateID]; ok {
		return false, nil
	}
	s.seen[updateID] = time.Now()
	return true, nil
}

func (s *InMemoryStore) IsDuplicate(ctx context.Context, updateID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[updateID]
	return ok, nil
}

func (s *InMemoryStore) Close() error { return nil }
