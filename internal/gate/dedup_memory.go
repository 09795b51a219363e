package gate

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryDedupStore is an in-process DedupStore for tests and
// single-node setups without Redis. Expired markers are dropped lazily
// on read.
type MemoryDedupStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemoryDedupStore() *MemoryDedupStore {
	return &MemoryDedupStore{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (s *MemoryDedupStore) Seen(_ context.Context, clusterKey string, endpointID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dedupKey(clusterKey, endpointID)
	expiry, ok := s.entries[key]
	if !ok {
		return false, nil
	}
	if s.now().After(expiry) {
		delete(s.entries, key)
		return false, nil
	}
	return true, nil
}

func (s *MemoryDedupStore) Mark(_ context.Context, clusterKey string, endpointID uuid.UUID, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[dedupKey(clusterKey, endpointID)] = s.now().Add(ttl)
	return nil
}
