package artifact

import (
	"context"
	"fmt"
	"sync"

	"github.com/papforge/pap/pkg/api"
)

// MemoryStore is an in-memory Store used by tests and local dry runs.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	names map[string][]api.ArtifactRef
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs: make(map[string][]byte),
		names: make(map[string][]api.ArtifactRef),
	}
}

// Put stores data in memory keyed by content hash.
func (s *MemoryStore) Put(_ context.Context, namespace, name string, data []byte) (api.ArtifactRef, error) {
	hash := HashBytes(data)
	ref := api.ArtifactRef{Hash: hash, Name: name, Size: int64(len(data))}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[hash]; !ok {
		stored := make([]byte, len(data))
		copy(stored, data)
		s.blobs[hash] = stored
	}
	for _, existing := range s.names[namespace] {
		if existing.Hash == ref.Hash && existing.Name == ref.Name {
			return ref, nil
		}
	}
	s.names[namespace] = append(s.names[namespace], ref)
	return ref, nil
}

// Get returns the blob for ref.
func (s *MemoryStore) Get(_ context.Context, _ string, ref api.ArtifactRef) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[ref.Hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref.Hash)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// List returns the refs recorded under namespace.
func (s *MemoryStore) List(_ context.Context, namespace string) ([]api.ArtifactRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]api.ArtifactRef, len(s.names[namespace]))
	copy(out, s.names[namespace])
	return out, nil
}

// Purge drops the namespace index. Blobs are retained; the memory store is
// short-lived and sized for tests.
func (s *MemoryStore) Purge(_ context.Context, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.names, namespace)
	return nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }
