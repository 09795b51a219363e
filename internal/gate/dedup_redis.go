package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisDedupStore keeps suppression markers in Redis so they survive
// process restarts and are shared by the API server and the worker.
// Expiry is delegated to Redis key TTLs.
type RedisDedupStore struct {
	rdb *redis.Client
}

func NewRedisDedupStore(rdb *redis.Client) *RedisDedupStore {
	return &RedisDedupStore{rdb: rdb}
}

func dedupKey(clusterKey string, endpointID uuid.UUID) string {
	return fmt.Sprintf("dedup:%s:%s", clusterKey, endpointID)
}

func (s *RedisDedupStore) Seen(ctx context.Context, clusterKey string, endpointID uuid.UUID) (bool, error) {
	n, err := s.rdb.Exists(ctx, dedupKey(clusterKey, endpointID)).Result()
	if err != nil {
		return false, fmt.Errorf("dedup exists: %w", err)
	}
	return n > 0, nil
}

func (s *RedisDedupStore) Mark(ctx context.Context, clusterKey string, endpointID uuid.UUID, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, dedupKey(clusterKey, endpointID), time.Now().UTC().Format(time.RFC3339), ttl).Err(); err != nil {
		return fmt.Errorf("dedup mark: %w", err)
	}
	return nil
}
