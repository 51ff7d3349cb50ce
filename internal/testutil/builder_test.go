package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/batchflow/internal/batch"
	"github.com/zjrosen/batchflow/internal/engine"
	registry "github.com/zjrosen/batchflow/internal/registry/domain"
)

// memStore records what the builder saves.
type memStore struct {
	mu      sync.Mutex
	ops     map[batch.BatchID]*batch.Operation
	results map[batch.BatchID][]int
}

func newMemStore() *memStore {
	return &memStore{ops: map[batch.BatchID]*batch.Operation{}, results: map[batch.BatchID][]int{}}
}

func (m *memStore) SaveOperation(_ context.Context, op *batch.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops[op.ID] = op.Clone()
	return nil
}

func (m *memStore) AppendResult(_ context.Context, id batch.BatchID, seq int, _ batch.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[id] = append(m.results[id], seq)
	return nil
}

func (m *memStore) LoadOperation(_ context.Context, id batch.BatchID) (*batch.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[id]
	if !ok {
		return nil, batch.ErrBatchNotFound
	}
	return op.Clone(), nil
}

func TestNewBatch_Defaults(t *testing.T) {
	op := NewBatch()
	require.True(t, op.ID.IsValid())
	require.Equal(t, "upscale-enhance", op.TemplateID)
	require.Equal(t, batch.StatusPending, op.Status)
	require.False(t, op.Settled)
	require.Empty(t, op.Inputs)
	require.False(t, op.CreatedAt.IsZero())
}

func TestNewBatch_AllOptions(t *testing.T) {
	created := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	op := NewBatch(
		ID("fixed"),
		Template("alice/shots@v2"),
		Owner("alice"),
		CreatedAt(created),
		Inputs("a", "b", "c"),
		Results(NewResult("a"), NewResult("b", Failed("boom"))),
		Status(batch.StatusCancelled),
	)

	require.Equal(t, batch.BatchID("fixed"), op.ID)
	require.Equal(t, "alice/shots@v2", op.TemplateID)
	require.Equal(t, "alice", op.Owner)
	require.Equal(t, created.Add(time.Second), op.StartedAt)
	require.Equal(t, created.Add(time.Minute), op.FinishedAt)
	require.True(t, op.Settled)
	require.Equal(t, batch.Progress{Total: 3, Completed: 1, Failed: 1, Cancelled: 1}, op.Progress)
}

func TestNewResult(t *testing.T) {
	r := NewResult("a", Step("upscale", engine.StepSuccess, 2), Took(5*time.Second))
	require.True(t, r.Succeeded())
	require.Equal(t, []string{"render", "upscale"}, r.StepOrder)
	require.Equal(t, []registry.Artifact{"a.png", "a/upscale"}, r.OutputArtifacts)
	require.Equal(t, 2, r.StepResults["upscale"].Attempts)
	require.Equal(t, 5*time.Second, r.Duration)

	failed := NewResult("b", Step("upscale", engine.StepSuccess, 1), Failed("timeout"))
	require.False(t, failed.Succeeded())
	require.Empty(t, failed.OutputArtifacts)
	require.Equal(t, engine.StepFailed, failed.StepResults["upscale"].Status)
	require.Equal(t, "timeout", failed.StepResults["upscale"].ErrorMessage)
	require.Equal(t, engine.StepSuccess, failed.StepResults["render"].Status, "earlier steps keep their outcome")
}

func TestBuilder_SavesHeadersThenResults(t *testing.T) {
	store := newMemStore()

	ops := NewBuilder(t, store).
		WithBatch(Inputs("a", "b"), Results(NewResult("a"), NewResult("b")), Status(batch.StatusCompleted)).
		WithBatch(Inputs("x")).
		Build()

	require.Len(t, ops, 2)
	require.Equal(t, []int{1, 2}, store.results[ops[0].ID])
	require.Empty(t, store.results[ops[1].ID])

	loaded, err := store.LoadOperation(context.Background(), ops[1].ID)
	require.NoError(t, err)
	require.Equal(t, batch.StatusPending, loaded.Status)
}
