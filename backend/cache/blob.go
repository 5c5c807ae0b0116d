package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by a BlobStore when a key is absent or has
// expired.
var ErrNotFound = errors.New("cache: key not found")

// BlobStore is the opaque key/value backend behind the symbol catalog
// and the candle-response cache: callers own JSON encoding, the store
// only moves bytes with a TTL. Grounded on the teacher's Cache
// interface (backend/cache/cache.go) narrowed to the two operations
// the catalog actually needs, with a real in-memory and a real Redis
// backend (backend/cache/memory.go, backend/cache/redis.go) instead of
// the teacher's byte-budgeted LRU.
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type memoryBlobEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryBlobStore is an in-process BlobStore with a background sweep
// for expired entries, in the teacher's MemoryCache.cleanupExpired
// idiom.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	items map[string]memoryBlobEntry
}

func NewMemoryBlobStore() *MemoryBlobStore {
	s := &MemoryBlobStore{items: make(map[string]memoryBlobEntry)}
	go s.sweepExpired()
	return s
}

func (s *MemoryBlobStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	entry, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		return nil, ErrNotFound
	}
	return entry.value, nil
}

func (s *MemoryBlobStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	s.mu.Lock()
	s.items[key] = memoryBlobEntry{value: value, expiresAt: expiresAt}
	s.mu.Unlock()
	return nil
}

func (s *MemoryBlobStore) sweepExpired() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		now := time.Now()
		s.mu.Lock()
		for k, e := range s.items {
			if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
				delete(s.items, k)
			}
		}
		s.mu.Unlock()
	}
}

// RedisBlobStore is a distributed BlobStore, used when the gateway
// runs as more than one replica and the symbol catalog/candle cache
// must be shared across them.
type RedisBlobStore struct {
	client *redis.Client
	prefix string
}

func NewRedisBlobStore(client *redis.Client, prefix string) *RedisBlobStore {
	if prefix == "" {
		prefix = "marketfeed"
	}
	return &RedisBlobStore{client: client, prefix: prefix}
}

func (s *RedisBlobStore) namespaced(key string) string {
	return s.prefix + ":" + key
}

func (s *RedisBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.namespaced(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

func (s *RedisBlobStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, s.namespaced(key), value, ttl).Err()
}

// DialRedis constructs a client for a RedisBlobStore, in the teacher's
// redis.NewClient(&redis.Options{...}) style (backend/cache/redis.go's
// NewRedisCache), addressed by addr/password/db instead of the
// teacher's Host/Port RedisConfig split.
func DialRedis(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return client, nil
}
