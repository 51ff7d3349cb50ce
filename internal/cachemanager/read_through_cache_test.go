package cachemanager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type loaderMock struct {
	mock.Mock
}

func (m *loaderMock) load(ctx context.Context, key string) (snapshot, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(snapshot), args.Error(1)
}

func TestReadThroughCache_LoadsOnceOnMiss(t *testing.T) {
	ctx := context.Background()
	loader := &loaderMock{}
	loader.On("load", ctx, "b1").Return(snapshot{ID: "b1", Status: "cancelled"}, nil).Once()

	cache := NewInMemoryCacheManager[string, snapshot]("batches", time.Hour, 0)
	rt := NewReadThroughCache[string, snapshot](cache, loader.load)

	for i := 0; i < 3; i++ {
		got, err := rt.Get(ctx, "b1", DefaultExpiration)
		require.NoError(t, err)
		require.Equal(t, "cancelled", got.Status)
	}
	loader.AssertExpectations(t)
}

func TestReadThroughCache_ServesCachedValue(t *testing.T) {
	ctx := context.Background()
	loader := &loaderMock{}

	cache := NewInMemoryCacheManager[string, snapshot]("batches", time.Hour, 0)
	cache.Set(ctx, "b1", snapshot{ID: "b1", Status: "completed"}, DefaultExpiration)
	rt := NewReadThroughCache[string, snapshot](cache, loader.load)

	got, err := rt.Get(ctx, "b1", DefaultExpiration)
	require.NoError(t, err)
	require.Equal(t, "completed", got.Status)
	loader.AssertNotCalled(t, "load", mock.Anything, mock.Anything)
}

func TestReadThroughCache_LoaderErrorIsNotCached(t *testing.T) {
	ctx := context.Background()
	notFound := errors.New("not found")
	loader := &loaderMock{}
	loader.On("load", ctx, "b1").Return(snapshot{}, notFound).Twice()

	cache := NewInMemoryCacheManager[string, snapshot]("batches", time.Hour, 0)
	rt := NewReadThroughCache[string, snapshot](cache, loader.load)

	for i := 0; i < 2; i++ {
		_, err := rt.Get(ctx, "b1", DefaultExpiration)
		require.ErrorIs(t, err, notFound)
	}
	require.Empty(t, cache.Items(ctx))
	loader.AssertExpectations(t)
}
