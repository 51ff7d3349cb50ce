// Package cachemanager provides typed in-memory caches with expiry.
package cachemanager

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	// DefaultExpiration uses the expiry the cache was created with.
	DefaultExpiration = gocache.DefaultExpiration
	// NoExpiration keeps an item until it is deleted.
	NoExpiration = gocache.NoExpiration
)

// CacheManager is a typed key/value cache with per-item expiry.
type CacheManager[K ~string, V any] interface {
	Get(ctx context.Context, key K) (V, bool)
	Set(ctx context.Context, key K, value V, ttl time.Duration)
	Delete(ctx context.Context, keys ...K)
	Items(ctx context.Context) map[K]V
	Flush(ctx context.Context)
}
