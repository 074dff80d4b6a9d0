package artifact

import (
	"context"
	"sync"
)

// MemoryStore keeps artifacts in process memory. Used for in-process runs and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	puts  int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, data []byte) (string, error) {
	hash := Hash(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.puts++
	if _, ok := s.blobs[hash]; !ok {
		s.blobs[hash] = append([]byte(nil), data...)
	}
	return hash, nil
}

func (s *MemoryStore) Get(_ context.Context, hash string) ([]byte, error) {
	h, err := normalize(hash)
	if err != nil {
		return nil, &NotFoundError{Hash: hash}
	}

	s.mu.RLock()
	data, ok := s.blobs[h]
	s.mu.RUnlock()

	if !ok {
		return nil, &NotFoundError{Hash: h}
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) Exists(_ context.Context, hash string) bool {
	h := NormalizeHash(hash)

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.blobs[h]
	return ok
}

// Len returns the number of distinct artifacts stored.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

// Puts returns the number of Put calls, including duplicates.
func (s *MemoryStore) Puts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.puts
}

var _ Store = (*MemoryStore)(nil)
