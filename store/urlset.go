package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// URLSet remembers which content URLs discovery has already stored, so a
// repeat sighting is dropped before it reaches the database. The database
// unique constraint stays authoritative.
type URLSet interface {
	Seen(ctx context.Context, platform, url string) (bool, error)
	Add(ctx context.Context, platform, url string) error
}

const urlSetPrefix = "discovered:urls:"

type RedisURLSet struct {
	rdb redis.UniversalClient
}

func NewRedisURLSet(rdb redis.UniversalClient) *RedisURLSet {
	return &RedisURLSet{rdb: rdb}
}

func (s *RedisURLSet) Seen(ctx context.Context, platform, url string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, urlSetPrefix+platform, url).Result()
	if err != nil {
		return false, fmt.Errorf("check discovered url: %w", err)
	}
	return ok, nil
}

func (s *RedisURLSet) Add(ctx context.Context, platform, url string) error {
	if err := s.rdb.SAdd(ctx, urlSetPrefix+platform, url).Err(); err != nil {
		return fmt.Errorf("add discovered url: %w", err)
	}
	return nil
}

type MemoryURLSet struct {
	mu   sync.Mutex
	seen map[string]map[string]struct{}
}

func NewMemoryURLSet() *MemoryURLSet {
	return &MemoryURLSet{seen: make(map[string]map[string]struct{})}
}

func (s *MemoryURLSet) Seen(_ context.Context, platform, url string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[platform][url]
	return ok, nil
}

func (s *MemoryURLSet) Add(_ context.Context, platform, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.seen[platform]
	if !ok {
		set = make(map[string]struct{})
		s.seen[platform] = set
	}
	set[url] = struct{}{}
	return nil
}
