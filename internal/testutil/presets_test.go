package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/batchflow/internal/batch"
)

func TestWithStandardTestData(t *testing.T) {
	store := newMemStore()
	ops := NewBuilder(t, store).WithStandardTestData().Build()
	require.Len(t, ops, 3)

	completed, partial, cancelled := ops[0], ops[1], ops[2]
	require.True(t, completed.CreatedAt.Before(partial.CreatedAt))
	require.True(t, partial.CreatedAt.Before(cancelled.CreatedAt))

	require.Equal(t, batch.StatusCompleted, completed.Status)
	require.Equal(t, batch.Progress{Total: 2, Completed: 2}, completed.Progress)

	require.Equal(t, batch.StatusCompleted, partial.Status)
	require.Equal(t, batch.Progress{Total: 3, Completed: 2, Failed: 1}, partial.Progress)
	require.Equal(t, "upscaler timed out", partial.Results[1].Error)

	require.Equal(t, batch.StatusCancelled, cancelled.Status)
	require.Equal(t, "bob", cancelled.Owner)
	require.Equal(t, batch.Progress{Total: 4, Completed: 1, Cancelled: 3}, cancelled.Progress)
	require.Len(t, store.results[cancelled.ID], 1)

	for _, op := range ops {
		require.True(t, op.Settled)
		require.Equal(t, op.Progress.Total, op.Progress.Done()+op.Progress.Cancelled)
	}
}
