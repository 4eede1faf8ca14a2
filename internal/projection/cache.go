package projection

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"permitline/internal/domain"
)

// Cache stores dashboard counts. Staleness up to the TTL is acceptable.
type Cache interface {
	Get(ctx context.Context, key string) (domain.Counts, bool, error)
	Set(ctx context.Context, key string, c domain.Counts, ttl time.Duration) error
}

type memoryEntry struct {
	counts  domain.Counts
	expires time.Time
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	Now func() time.Time

	mu      sync.Mutex
	entries map[string]memoryEntry
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: map[string]memoryEntry{}}
}

func (m *MemoryCache) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *MemoryCache) Get(_ context.Context, key string) (domain.Counts, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return domain.Counts{}, false, nil
	}
	if !m.now().Before(e.expires) {
		delete(m.entries, key)
		return domain.Counts{}, false, nil
	}
	return e.counts, true, nil
}

func (m *MemoryCache) Set(_ context.Context, key string, c domain.Counts, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = map[string]memoryEntry{}
	}
	m.entries[key] = memoryEntry{counts: c, expires: m.now().Add(ttl)}
	return nil
}

const redisKeyPrefix = "permitline:dashboard:"

// RedisCache shares counts between API replicas.
type RedisCache struct {
	Client *redis.Client
}

func NewRedisCache(ctx context.Context, url string) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisCache{Client: client}, nil
}

func (r *RedisCache) Get(ctx context.Context, key string) (domain.Counts, bool, error) {
	data, err := r.Client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Counts{}, false, nil
	}
	if err != nil {
		return domain.Counts{}, false, err
	}
	var c domain.Counts
	if err := json.Unmarshal(data, &c); err != nil {
		return domain.Counts{}, false, err
	}
	return c, true, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, c domain.Counts, ttl time.Duration) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return r.Client.Set(ctx, redisKeyPrefix+key, data, ttl).Err()
}

func (r *RedisCache) Close() error {
	return r.Client.Close()
}
