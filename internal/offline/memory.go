package offline

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store. Each store owns an isolated map; two
// guards share state only when they are handed the same instance explicitly.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*Entry),
	}
}

// Available always reports true; memory needs no environment support.
func (*MemoryStore) Available(_ context.Context) bool {
	return true
}

// Get retrieves the entry for a key. Expired entries are removed on detection.
func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, ErrEntryNotFound
	}
	if !e.Valid(time.Now()) {
		delete(s.entries, key)
		return nil, ErrEntryNotFound
	}
	return e.Clone(), nil
}

// Set stores a copy of the entry, replacing any previous one.
func (s *MemoryStore) Set(_ context.Context, key string, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = e.Clone()
	return nil
}

// Delete removes the entry for a key.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

// Len returns the number of stored entries, including expired ones that have
// not been touched since expiry.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
