// internal/cache/memory.go
package cache

import (
	"context"
	"sync"

	"github.com/YaganovValera/market-stream/internal/stream"
)

// MemoryStore — потокобезопасное in-memory хранилище снапшотов.
// Используется, когда Redis выключен конфигом: деградация на кеш
// тогда переживает реконнекты, но не рестарт процесса.
type MemoryStore struct {
	mu sync.RWMutex
	m  map[string]stream.DataSnapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: make(map[string]stream.DataSnapshot)}
}

func (s *MemoryStore) Save(_ context.Context, snap stream.DataSnapshot) error {
	s.mu.Lock()
	s.m[snap.FeedID] = snap
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Load(_ context.Context, feedID string) (stream.DataSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.m[feedID]
	if !ok {
		return stream.DataSnapshot{}, stream.ErrNoSnapshot
	}
	return snap, nil
}
