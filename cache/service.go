package cache

import (
	"context"
	"time"
)

// KeySerializer builds a cache key from a method name + arbitrary args.
// It is responsible for producing stable keys across calls.
type KeySerializer interface {
	SerializeKey(method string, args ...any) string
}

// CacheService is the cache client the repositories depend on. Values are
// opaque to the service. A ttl <= 0 means the service default.
type CacheService interface {
	Get(ctx context.Context, key string) (any, bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeleteByPrefix(ctx context.Context, prefix string) error
	InvalidateKeys(ctx context.Context, keys []string) error

	// SetAdd adds members to the set stored at key; each member expires ttl
	// after it was last added.
	SetAdd(ctx context.Context, key string, members []string, ttl time.Duration) error
	SetRemove(ctx context.Context, key string, members []string) error
	SetMembers(ctx context.Context, key string) ([]string, error)
}
