package cursor

import (
	"context"
	"sync"
)

// MemStore is a thread-safe in-memory cursor store. It is the fallback
// when no durable storage is configured: the cursor then lives only for
// the process lifetime and every session resumes from the beginning.
type MemStore struct {
	mu    sync.RWMutex
	value string
}

// NewMemStore creates an empty in-memory cursor store.
func NewMemStore() *MemStore {
	return &MemStore{}
}

// Get returns the stored cursor, or the Beginning sentinel if unset.
func (s *MemStore) Get(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.value == "" {
		return Beginning, nil
	}
	return s.value, nil
}

// Set stores the cursor value.
func (s *MemStore) Set(_ context.Context, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = value
	return nil
}

// Compile-time interface check.
var _ Store = (*MemStore)(nil)
