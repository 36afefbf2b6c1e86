package worker

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/redis/go-redis/v9"
)

// StatusStore keeps the last known status of every worker key. It is
// informational: the running set of this process is authoritative.
type StatusStore interface {
	Set(ctx context.Context, key, status string) error
	All(ctx context.Context) (map[string]string, error)
}

const statusHash = "workers:status"

type RedisStatusStore struct {
	rdb redis.UniversalClient
}

func NewRedisStatusStore(rdb redis.UniversalClient) *RedisStatusStore {
	return &RedisStatusStore{rdb: rdb}
}

func (s *RedisStatusStore) Set(ctx context.Context, key, status string) error {
	if err := s.rdb.HSet(ctx, statusHash, key, status).Err(); err != nil {
		return fmt.Errorf("save worker status: %w", err)
	}
	return nil
}

func (s *RedisStatusStore) All(ctx context.Context) (map[string]string, error) {
	out, err := s.rdb.HGetAll(ctx, statusHash).Result()
	if err != nil {
		return nil, fmt.Errorf("load worker status: %w", err)
	}
	return out, nil
}

type MemoryStatusStore struct {
	mu     sync.Mutex
	status map[string]string
}

func NewMemoryStatusStore() *MemoryStatusStore {
	return &MemoryStatusStore{status: make(map[string]string)}
}

func (s *MemoryStatusStore) Set(_ context.Context, key, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[key] = status
	return nil
}

func (s *MemoryStatusStore) All(_ context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.status), nil
}
