package cachemanager

import (
	"context"
	"time"
)

// ReadThroughCache serves from a cache and falls back to a loader on a
// miss, caching what the loader returns.
type ReadThroughCache[K ~string, V any] struct {
	cache CacheManager[K, V]
	load  func(ctx context.Context, key K) (V, error)
}

// NewReadThroughCache wraps cache with load.
func NewReadThroughCache[K ~string, V any](cache CacheManager[K, V], load func(ctx context.Context, key K) (V, error)) *ReadThroughCache[K, V] {
	return &ReadThroughCache[K, V]{cache: cache, load: load}
}

// Get returns the cached value for key, or loads and caches it for ttl.
// Loader errors are returned and nothing is cached.
func (r *ReadThroughCache[K, V]) Get(ctx context.Context, key K, ttl time.Duration) (V, error) {
	if value, ok := r.cache.Get(ctx, key); ok {
		return value, nil
	}

	value, err := r.load(ctx, key)
	if err != nil {
		return value, err
	}
	r.cache.Set(ctx, key, value, ttl)
	return value, nil
}
