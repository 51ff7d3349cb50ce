package cachemanager

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/zjrosen/batchflow/internal/log"
)

// InMemoryCacheManager is a CacheManager backed by go-cache.
type InMemoryCacheManager[K ~string, V any] struct {
	useCase string
	cache   *gocache.Cache
}

var _ CacheManager[string, int] = (*InMemoryCacheManager[string, int])(nil)

// NewInMemoryCacheManager creates a cache whose items expire after
// defaultExpiration (0 keeps them forever). Expired items are purged every
// cleanupInterval; 0 purges them only when read.
func NewInMemoryCacheManager[K ~string, V any](useCase string, defaultExpiration, cleanupInterval time.Duration) *InMemoryCacheManager[K, V] {
	if defaultExpiration <= 0 {
		defaultExpiration = NoExpiration
	}
	return &InMemoryCacheManager[K, V]{
		useCase: useCase,
		cache:   gocache.New(defaultExpiration, cleanupInterval),
	}
}

// OnEvicted registers fn to run when an item expires or is deleted.
func (c *InMemoryCacheManager[K, V]) OnEvicted(fn func(key K, value V)) {
	c.cache.OnEvicted(func(key string, value any) {
		if v, ok := value.(V); ok {
			fn(K(key), v)
		}
	})
}

// Get returns the item under key.
func (c *InMemoryCacheManager[K, V]) Get(_ context.Context, key K) (V, bool) {
	var zero V

	value, found := c.cache.Get(string(key))
	if !found {
		return zero, false
	}
	v, ok := value.(V)
	if !ok {
		log.Error(log.CatCache, "Wrong type in cache", "cache", c.useCase, "key", key)
		return zero, false
	}
	return v, true
}

// Set stores value under key. A ttl of DefaultExpiration uses the cache
// default.
func (c *InMemoryCacheManager[K, V]) Set(_ context.Context, key K, value V, ttl time.Duration) {
	c.cache.Set(string(key), value, ttl)
	log.Debug(log.CatCache, "Cached item", "cache", c.useCase, "key", key)
}

// Delete removes the items under keys.
func (c *InMemoryCacheManager[K, V]) Delete(_ context.Context, keys ...K) {
	for _, key := range keys {
		c.cache.Delete(string(key))
	}
}

// Items returns every unexpired item.
func (c *InMemoryCacheManager[K, V]) Items(_ context.Context) map[K]V {
	items := c.cache.Items()
	out := make(map[K]V, len(items))
	for key, item := range items {
		if v, ok := item.Object.(V); ok {
			out[K(key)] = v
		}
	}
	return out
}

// Flush removes every item.
func (c *InMemoryCacheManager[K, V]) Flush(_ context.Context) {
	c.cache.Flush()
}
