// Package testutil builds batch fixtures and loads them into a batch store.
package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/batchflow/internal/batch"
)

// Builder accumulates batches and saves them in the correct order.
type Builder struct {
	t       *testing.T
	store   batch.BatchStore
	batches []*batch.Operation
}

// NewBuilder creates a builder for the given store.
func NewBuilder(t *testing.T, store batch.BatchStore) *Builder {
	t.Helper()
	return &Builder{t: t, store: store}
}

// WithBatch adds a batch with optional configuration.
func (b *Builder) WithBatch(opts ...BatchOption) *Builder {
	b.batches = append(b.batches, NewBatch(opts...))
	return b
}

// Build saves every batch header, then its results in completion order.
// It returns the batches in the order they were added.
func (b *Builder) Build() []*batch.Operation {
	b.t.Helper()
	ctx := context.Background()
	for _, op := range b.batches {
		require.NoError(b.t, b.store.SaveOperation(ctx, op))
		for i, r := range op.Results {
			require.NoError(b.t, b.store.AppendResult(ctx, op.ID, i+1, r))
		}
	}
	return b.batches
}
