/**
 * @description
 * Bounded recent-delivery dedup windows backing the bus consumer's
 * idempotency check. The Redis window is shared across replicas; the
 * in-memory window covers single-process deployments and tests.
 *
 * @dependencies
 * - github.com/redis/go-redis/v9: Distributed window via SET NX with TTL.
 */

package bus

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDeduper marks dedup keys in Redis with a TTL. SET NX is atomic, so
// concurrent consumers agree on who saw a key first.
type RedisDeduper struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisDeduper creates a window with the given key prefix and TTL.
func NewRedisDeduper(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisDeduper {
	trimmed := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmed == "" {
		trimmed = "settlement:dedup"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDeduper{client: client, prefix: trimmed, ttl: ttl}
}

// Seen records the key and reports whether it was already present.
func (r *RedisDeduper) Seen(ctx context.Context, key string) (bool, error) {
	set, err := r.client.SetNX(ctx, r.prefix+":"+key, 1, r.ttl).Result()
	if err != nil {
		return false, err
	}
	return !set, nil
}

// MemoryDeduper is a bounded in-process window: a set plus an eviction
// queue capped at a fixed size.
type MemoryDeduper struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order *list.List
	cap   int
}

// NewMemoryDeduper creates a window remembering the last capacity keys.
func NewMemoryDeduper(capacity int) *MemoryDeduper {
	if capacity <= 0 {
		capacity = 10000
	}
	return &MemoryDeduper{
		seen:  make(map[string]struct{}, capacity),
		order: list.New(),
		cap:   capacity,
	}
}

// Seen records the key and reports whether it was already present.
func (m *MemoryDeduper) Seen(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[key]; ok {
		return true, nil
	}
	m.seen[key] = struct{}{}
	m.order.PushBack(key)
	for m.order.Len() > m.cap {
		front := m.order.Front()
		m.order.Remove(front)
		delete(m.seen, front.Value.(string))
	}
	return false, nil
}
