// Package cache is the cache facade used by the repositories.
//
// CacheService is the client contract: keyed values with TTLs, prefix
// deletion and expiring member sets. NewCacheService returns the sturdyc
// backed implementation from internal/cacheinfra.
//
// ScopedCache sits on top of a CacheService and gives every entity type its
// own key prefix:
//
//	docs := cache.NewScopedCache(svc, cache.TypeScope(&Employee{})) // "employee:"
//	_ = docs.Set(ctx, id, hit, time.Minute)
//	switch lookup, _ := docs.Get(ctx, id, &hit); lookup {
//	case cache.Hit:
//	case cache.NegativeHit: // cached as absent
//	case cache.Miss:
//	}
//
// Values are msgpack encoded on write and decoded into a fresh destination on
// read. A missing record is cached with SetMissing so that repeated lookups
// for an absent id do not reach the store.
//
// Query pages are cached under keys built from Fingerprint, which hashes the
// KeySerializer output with xxhash. The default serializer walks values with
// reflection: map keys are sorted, pointers followed, times written in UTC and
// encoding.TextMarshaler honoured, so equal queries produce equal keys across
// processes.
package cache
