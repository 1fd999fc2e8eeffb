package domain

import (
	"context"
	"time"
)

// Cache is the shared byte cache used for lookup results.
// Namespaces keep dataset entries apart; implementations must be safe
// for concurrent use.
type Cache interface {
	// Get retrieves a value. Returns nil, nil if the key is absent or
	// expired.
	Get(ctx context.Context, namespace, key string) ([]byte, error)

	// Set stores a value with a TTL.
	Set(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error

	// Delete removes a value.
	Delete(ctx context.Context, namespace, key string) error

	// Purge drops every entry in a namespace (dataset reload).
	Purge(ctx context.Context, namespace string) error

	// Ping checks cache health.
	Ping(ctx context.Context) error

	Close() error
}

// CacheStats exposes hit/miss counters for caches that track them.
type CacheStats struct {
	Size     int   `json:"size"`
	Capacity int   `json:"capacity"`
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis".
	Type string

	// Local LRU settings.
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// EnableTwoPhase checks the local LRU first, then Redis.
	EnableTwoPhase bool
}
