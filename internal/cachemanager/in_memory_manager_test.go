package cachemanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type snapshot struct {
	ID     string
	Status string
}

func TestInMemoryCacheManager_SetGet(t *testing.T) {
	cache := NewInMemoryCacheManager[string, snapshot]("batches", time.Hour, 0)
	want := snapshot{ID: "b1", Status: "completed"}
	cache.Set(context.Background(), "b1", want, DefaultExpiration)

	got, ok := cache.Get(context.Background(), "b1")
	require.True(t, ok)
	require.Equal(t, want, got)

	_, ok = cache.Get(context.Background(), "missing")
	require.False(t, ok)
}

func TestInMemoryCacheManager_NamedKeyType(t *testing.T) {
	type batchID string
	cache := NewInMemoryCacheManager[batchID, int]("counts", NoExpiration, 0)
	cache.Set(context.Background(), batchID("b1"), 3, DefaultExpiration)

	got, ok := cache.Get(context.Background(), "b1")
	require.True(t, ok)
	require.Equal(t, 3, got)
	require.Equal(t, map[batchID]int{"b1": 3}, cache.Items(context.Background()))
}

func TestInMemoryCacheManager_WrongType(t *testing.T) {
	cache := NewInMemoryCacheManager[string, string]("batches", time.Hour, 0)
	cache.cache.Set("b1", 123, DefaultExpiration)

	got, ok := cache.Get(context.Background(), "b1")
	require.False(t, ok)
	require.Empty(t, got)
	require.Empty(t, cache.Items(context.Background()))
}

func TestInMemoryCacheManager_Expiry(t *testing.T) {
	cache := NewInMemoryCacheManager[string, string]("batches", 20*time.Millisecond, 0)
	cache.Set(context.Background(), "short", "x", DefaultExpiration)
	cache.Set(context.Background(), "pinned", "y", NoExpiration)

	require.Eventually(t, func() bool {
		_, ok := cache.Get(context.Background(), "short")
		return !ok
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, map[string]string{"pinned": "y"}, cache.Items(context.Background()))
}

func TestInMemoryCacheManager_ZeroExpiryKeepsForever(t *testing.T) {
	cache := NewInMemoryCacheManager[string, string]("batches", 0, 0)
	cache.Set(context.Background(), "k", "v", DefaultExpiration)
	time.Sleep(10 * time.Millisecond)

	_, ok := cache.Get(context.Background(), "k")
	require.True(t, ok)
}

func TestInMemoryCacheManager_DeleteAndFlush(t *testing.T) {
	ctx := context.Background()
	cache := NewInMemoryCacheManager[string, int]("batches", time.Hour, 0)

	var mu sync.Mutex
	var evicted []string
	cache.OnEvicted(func(key string, _ int) {
		mu.Lock()
		defer mu.Unlock()
		evicted = append(evicted, key)
	})

	cache.Set(ctx, "a", 1, DefaultExpiration)
	cache.Set(ctx, "b", 2, DefaultExpiration)
	cache.Set(ctx, "c", 3, DefaultExpiration)

	cache.Delete(ctx, "a", "b")
	require.Equal(t, map[string]int{"c": 3}, cache.Items(ctx))
	mu.Lock()
	require.ElementsMatch(t, []string{"a", "b"}, evicted)
	mu.Unlock()

	cache.Flush(ctx)
	require.Empty(t, cache.Items(ctx))
}
