package recordstore

import (
	"context"
	"sync"

	"github.com/mirrorops/vodsync/internal/pipeline"
)

// MemoryStore is a process-local record store for tests and dry runs.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]pipeline.RecordEntry
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]pipeline.RecordEntry)}
}

// ReadAll returns every record, ordered by key.
func (s *MemoryStore) ReadAll(context.Context) ([]pipeline.RecordEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]pipeline.RecordEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

// Upsert writes entry under its normalized key, replacing any existing
// record for the same key.
func (s *MemoryStore) Upsert(_ context.Context, entry pipeline.RecordEntry) error {
	key, err := entryKey(entry)
	if err != nil {
		return err
	}
	entry.Key = key
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry
	return nil
}

// IsProcessed reports whether a done record exists for the URL.
func (s *MemoryStore) IsProcessed(_ context.Context, rawKey string) (bool, error) {
	key, err := lookupKey(rawKey)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return ok && e.Status == pipeline.ItemStatusDone, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
