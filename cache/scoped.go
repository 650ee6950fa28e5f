package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Lookup is the outcome of a ScopedCache read.
type Lookup int

const (
	Miss Lookup = iota
	Hit
	// NegativeHit means the key is cached as known to be absent.
	NegativeHit
)

type negativeMarker struct{}

// Stats are the counters kept by a ScopedCache.
type Stats struct {
	Hits   int64
	Misses int64
}

// ScopedCache namespaces a CacheService under a prefix (normally one per
// entity type) and stores values msgpack-encoded, so readers never share
// memory with what was cached.
type ScopedCache struct {
	service CacheService
	scope   string
	hits    atomic.Int64
	misses  atomic.Int64
}

// NewScopedCache wraps service under scope. The scope should end with a
// separator; see ScopeName.
func NewScopedCache(service CacheService, scope string) *ScopedCache {
	return &ScopedCache{service: service, scope: scope}
}

// Scope returns the prefix applied to every key.
func (c *ScopedCache) Scope() string { return c.scope }

// Key returns the fully qualified key for key.
func (c *ScopedCache) Key(key string) string { return c.scope + key }

// Get decodes the value at key into dest.
func (c *ScopedCache) Get(ctx context.Context, key string, dest any) (Lookup, error) {
	raw, ok, err := c.service.Get(ctx, c.Key(key))
	if err != nil {
		return Miss, err
	}
	if !ok {
		c.misses.Add(1)
		return Miss, nil
	}

	switch v := raw.(type) {
	case negativeMarker:
		c.hits.Add(1)
		return NegativeHit, nil
	case []byte:
		if err := msgpack.Unmarshal(v, dest); err != nil {
			_ = c.service.Delete(ctx, c.Key(key))
			c.misses.Add(1)
			return Miss, fmt.Errorf("decode cached %s: %w", c.Key(key), err)
		}
		c.hits.Add(1)
		return Hit, nil
	}

	c.misses.Add(1)
	return Miss, nil
}

// Set encodes value and stores it at key.
func (c *ScopedCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", c.Key(key), err)
	}
	return c.service.Set(ctx, c.Key(key), data, ttl)
}

// SetMissing records that key is known to be absent.
func (c *ScopedCache) SetMissing(ctx context.Context, key string, ttl time.Duration) error {
	return c.service.Set(ctx, c.Key(key), negativeMarker{}, ttl)
}

// Remove evicts keys.
func (c *ScopedCache) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	scoped := make([]string, len(keys))
	for i, key := range keys {
		scoped[i] = c.Key(key)
	}
	return c.service.InvalidateKeys(ctx, scoped)
}

// RemoveByPrefix evicts every key in the scope starting with prefix.
func (c *ScopedCache) RemoveByPrefix(ctx context.Context, prefix string) error {
	return c.service.DeleteByPrefix(ctx, c.Key(prefix))
}

// RemoveAll evicts the whole scope.
func (c *ScopedCache) RemoveAll(ctx context.Context) error {
	return c.service.DeleteByPrefix(ctx, c.scope)
}

func (c *ScopedCache) SetAdd(ctx context.Context, key string, members []string, ttl time.Duration) error {
	return c.service.SetAdd(ctx, c.Key(key), members, ttl)
}

func (c *ScopedCache) SetRemove(ctx context.Context, key string, members []string) error {
	return c.service.SetRemove(ctx, c.Key(key), members)
}

func (c *ScopedCache) SetMembers(ctx context.Context, key string) ([]string, error) {
	return c.service.SetMembers(ctx, c.Key(key))
}

// Stats returns the hit and miss counters.
func (c *ScopedCache) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}
