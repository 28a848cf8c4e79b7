// Package checkpoint provides durable stores for execution snapshots.
// Blobs are opaque here: the engine owns encoding and schema versioning,
// the store only keys them by session and enforces TTL.
package checkpoint

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when no live checkpoint exists for a session.
var ErrNotFound = errors.New("checkpoint not found")

// MemoryStore is an in-process checkpoint store. Tests and single-run CLI
// sessions use it; durable deployments use SQLiteStore.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	step      int
	blob      []byte
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Save stores a blob under the session id, replacing any prior snapshot.
func (s *MemoryStore) Save(ctx context.Context, sessionID string, step int, blob []byte, ttl time.Duration) error {
	cp := make([]byte, len(blob))
	copy(cp, blob)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[sessionID] = memoryEntry{
		step:      step,
		blob:      cp,
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Load returns the latest snapshot, or ErrNotFound if absent or expired.
func (s *MemoryStore) Load(ctx context.Context, sessionID string) (int, []byte, error) {
	s.mu.RLock()
	entry, ok := s.entries[sessionID]
	s.mu.RUnlock()

	if !ok || s.now().After(entry.expiresAt) {
		return 0, nil, ErrNotFound
	}
	cp := make([]byte, len(entry.blob))
	copy(cp, entry.blob)
	return entry.step, cp, nil
}

// Delete removes a session's snapshot.
func (s *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, sessionID)
	return nil
}
