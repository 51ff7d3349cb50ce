package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/batchflow/internal/batch"
	"github.com/zjrosen/batchflow/internal/engine"
	registryapp "github.com/zjrosen/batchflow/internal/registry/application"
	registry "github.com/zjrosen/batchflow/internal/registry/domain"
	"github.com/zjrosen/batchflow/internal/testutil"
)

func sampleDef(owner, key string, version int) registry.TemplateDef {
	return registry.TemplateDef{
		Key:     key,
		Owner:   owner,
		Version: version,
		Name:    "Product shots",
		Labels:  []string{"ecommerce"},
		Inputs:  registry.InputsDef{Artifacts: 1},
		Steps: []registry.StepDef{
			{ID: "render", Operation: "image.generate", Parameters: map[string]any{"size": "1024x1024"}},
			{
				ID:        "upscale",
				Operation: "image.upscale",
				DependsOn: []string{"render"},
				Retry:     &registry.RetryDef{MaxAttempts: 3, BaseDelay: "1s", BackoffMultiplier: 2},
				Condition: &registry.ConditionDef{Kind: "threshold", Step: "render", Metric: "quality", Comparator: "gte", Value: 0.8},
			},
		},
	}
}

func TestTemplateRepository_SaveListDelete(t *testing.T) {
	repo := newTestDB(t).TemplateRepository()
	ctx := context.Background()

	defs, err := repo.ListTemplates(ctx)
	require.NoError(t, err)
	require.Empty(t, defs)

	require.NoError(t, repo.SaveTemplate(ctx, sampleDef("bob", "shots", 1)))
	require.NoError(t, repo.SaveTemplate(ctx, sampleDef("alice", "shots", 2)))
	require.NoError(t, repo.SaveTemplate(ctx, sampleDef("alice", "shots", 1)))

	defs, err = repo.ListTemplates(ctx)
	require.NoError(t, err)
	require.Len(t, defs, 3)
	require.Equal(t, "alice/shots@v1", defs[0].ID())
	require.Equal(t, "alice/shots@v2", defs[1].ID())
	require.Equal(t, "bob/shots@v1", defs[2].ID())
	require.Equal(t, sampleDef("alice", "shots", 1).Steps[1].Retry, defs[0].Steps[1].Retry)
	require.Equal(t, "1024x1024", defs[0].Steps[0].Parameters["size"])

	require.NoError(t, repo.DeleteTemplate(ctx, "alice/shots@v2"))
	require.ErrorIs(t, repo.DeleteTemplate(ctx, "alice/shots@v2"), registry.ErrTemplateNotFound)

	defs, err = repo.ListTemplates(ctx)
	require.NoError(t, err)
	require.Len(t, defs, 2)
}

func TestTemplateRepository_SaveReplaces(t *testing.T) {
	repo := newTestDB(t).TemplateRepository()
	ctx := context.Background()

	def := sampleDef("alice", "shots", 1)
	require.NoError(t, repo.SaveTemplate(ctx, def))
	def.Description = "updated"
	require.NoError(t, repo.SaveTemplate(ctx, def))

	defs, err := repo.ListTemplates(ctx)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	require.Equal(t, "updated", defs[0].Description)
}

// Custom templates registered through the registry survive a restart.
func TestTemplateRepository_BacksRegistry(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	svc := registryapp.NewRegistryService(registryapp.WithTemplateStore(db.TemplateRepository()))
	tmpl, err := registry.FromDef(sampleDef("alice", "shots", 1), nil)
	require.NoError(t, err)
	require.NoError(t, svc.Register(ctx, tmpl))

	restarted := registryapp.NewRegistryService(registryapp.WithTemplateStore(db.TemplateRepository()))
	n, err := restarted.LoadFromStore(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := restarted.Get("alice/shots@v1")
	require.NoError(t, err)
	require.Equal(t, 2, got.Graph().Len())
}

func sampleOperation() *batch.Operation {
	created := time.UnixMilli(1767225600000)
	return &batch.Operation{
		ID:         batch.NewBatchID(),
		TemplateID: "alice/shots@v1",
		Owner:      "alice",
		Status:     batch.StatusRunning,
		Progress:   batch.Progress{Total: 3},
		Running:    2,
		Inputs:     []string{"a", "b", "c"},
		CreatedAt:  created,
		StartedAt:  created.Add(time.Second),
	}
}

func TestBatchRepository_SaveLoad(t *testing.T) {
	repo := newTestDB(t).BatchRepository()
	ctx := context.Background()

	op := sampleOperation()
	require.NoError(t, repo.SaveOperation(ctx, op))

	got, err := repo.LoadOperation(ctx, op.ID)
	require.NoError(t, err)
	require.Equal(t, op.ID, got.ID)
	require.Equal(t, op.TemplateID, got.TemplateID)
	require.Equal(t, "alice", got.Owner)
	require.Equal(t, batch.StatusRunning, got.Status)
	require.Equal(t, op.Progress, got.Progress)
	require.Equal(t, 2, got.Running)
	require.Equal(t, op.Inputs, got.Inputs)
	require.True(t, op.CreatedAt.Equal(got.CreatedAt))
	require.True(t, op.StartedAt.Equal(got.StartedAt))
	require.True(t, got.FinishedAt.IsZero())
	require.False(t, got.Settled)
	require.Empty(t, got.Results)
}

func TestBatchRepository_UpdateAndResults(t *testing.T) {
	repo := newTestDB(t).BatchRepository()
	ctx := context.Background()

	op := sampleOperation()
	require.NoError(t, repo.SaveOperation(ctx, op))

	ok := batch.Result{
		InputID:         "a",
		ExecutionID:     "exec-1",
		Status:          engine.ExecutionCompleted,
		OutputArtifacts: []registry.Artifact{"s3://out/a.png"},
		StepResults: map[string]engine.StepResult{
			"render": {StepID: "render", Status: engine.StepSuccess, Attempts: 1, Metrics: map[string]float64{"quality": 0.9}},
		},
		StepOrder: []string{"render"},
		Duration:  2 * time.Second,
	}
	failed := batch.Result{
		InputID:         "b",
		Status:          engine.ExecutionFailed,
		OutputArtifacts: []registry.Artifact{},
		StepResults: map[string]engine.StepResult{
			"render": {StepID: "render", Status: engine.StepFailed, ErrorMessage: "gpu lost", Attempts: 3},
		},
		Error: "step render failed: gpu lost",
	}
	require.NoError(t, repo.AppendResult(ctx, op.ID, 2, failed))
	require.NoError(t, repo.AppendResult(ctx, op.ID, 1, ok))

	op.Status = batch.StatusCancelled
	op.Progress = batch.Progress{Total: 3, Completed: 1, Failed: 1, Cancelled: 1}
	op.Running = 0
	op.Settled = true
	op.FinishedAt = op.StartedAt.Add(time.Minute)
	require.NoError(t, repo.SaveOperation(ctx, op))

	got, err := repo.LoadOperation(ctx, op.ID)
	require.NoError(t, err)
	require.Equal(t, batch.StatusCancelled, got.Status)
	require.True(t, got.Settled)
	require.Equal(t, op.Progress, got.Progress)
	require.True(t, op.FinishedAt.Equal(got.FinishedAt))

	require.Len(t, got.Results, 2)
	require.Equal(t, "a", got.Results[0].InputID, "ordered by seq")
	require.Equal(t, ok.OutputArtifacts, got.Results[0].OutputArtifacts)
	require.Equal(t, 0.9, got.Results[0].StepResults["render"].Metrics["quality"])
	require.Equal(t, 2*time.Second, got.Results[0].Duration)
	require.Equal(t, "b", got.Results[1].InputID)
	require.Equal(t, "gpu lost", got.Results[1].StepResults["render"].ErrorMessage)
	require.Equal(t, failed.Error, got.Results[1].Error)
}

func TestBatchRepository_Errors(t *testing.T) {
	repo := newTestDB(t).BatchRepository()
	ctx := context.Background()

	_, err := repo.LoadOperation(ctx, batch.NewBatchID())
	require.ErrorIs(t, err, ErrBatchRecordNotFound)
	require.ErrorIs(t, err, batch.ErrBatchNotFound)

	err = repo.AppendResult(ctx, batch.NewBatchID(), 1, batch.Result{InputID: "a"})
	require.Error(t, err, "results need a saved batch")
}

func TestBatchRepository_ListAndPrune(t *testing.T) {
	repo := newTestDB(t).BatchRepository()
	ctx := context.Background()

	old := sampleOperation()
	old.Status = batch.StatusCompleted
	old.Settled = true
	old.FinishedAt = old.CreatedAt.Add(time.Minute)
	require.NoError(t, repo.SaveOperation(ctx, old))
	require.NoError(t, repo.AppendResult(ctx, old.ID, 1, batch.Result{InputID: "a", Status: engine.ExecutionCompleted}))

	recent := sampleOperation()
	recent.CreatedAt = old.CreatedAt.Add(time.Hour)
	require.NoError(t, repo.SaveOperation(ctx, recent))

	ops, err := repo.ListOperations(ctx, 0)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	require.Equal(t, recent.ID, ops[0].ID)

	ops, err = repo.ListOperations(ctx, 1)
	require.NoError(t, err)
	require.Len(t, ops, 1)

	n, err := repo.DeleteSettledBefore(ctx, old.CreatedAt.Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, int64(1), n, "only the settled batch is pruned")

	_, err = repo.LoadOperation(ctx, old.ID)
	require.ErrorIs(t, err, batch.ErrBatchNotFound)
	var orphans int
	require.NoError(t, repo.db.QueryRow(`SELECT COUNT(*) FROM batch_results`).Scan(&orphans))
	require.Zero(t, orphans, "results are removed with their batch")
}

// The scheduler reads settled batches back from the store after they
// leave memory.
func TestBatchRepository_BacksScheduler(t *testing.T) {
	repo := newTestDB(t).BatchRepository()
	ctx := context.Background()

	tmpl, err := registry.FromDef(sampleDef("alice", "shots", 1), nil)
	require.NoError(t, err)
	svc := registryapp.NewRegistryService()
	require.NoError(t, svc.Register(ctx, tmpl))

	eng, err := engine.New(engine.ExecutorFunc(func(_ context.Context, call engine.StepCall) (engine.StepOutput, error) {
		return engine.StepOutput{
			Artifacts: []registry.Artifact{registry.Artifact(call.InputID + "/" + call.Step.ID())},
			Metrics:   map[string]float64{"quality": 0.95},
		}, nil
	}), engine.DefaultConfig())
	require.NoError(t, err)

	s, err := batch.NewScheduler(svc, eng, batch.Config{Concurrency: 2, Retention: time.Millisecond}, batch.WithBatchStore(repo))
	require.NoError(t, err)
	defer func() { _ = s.Close(ctx) }()

	op, err := s.Submit(ctx, tmpl.ID(), []batch.Input{
		{ID: "a", Artifacts: []registry.Artifact{"s3://in/a.png"}},
		{ID: "b", Artifacts: []registry.Artifact{"s3://in/b.png"}},
	})
	require.NoError(t, err)
	_, err = s.Wait(ctx, op.ID)
	require.NoError(t, err)

	stored, err := repo.LoadOperation(ctx, op.ID)
	require.NoError(t, err)
	require.Equal(t, batch.StatusCompleted, stored.Status)
	require.True(t, stored.Settled)
	require.Len(t, stored.Results, 2)
	for _, r := range stored.Results {
		require.Equal(t, []registry.Artifact{
			registry.Artifact(r.InputID + "/render"),
			registry.Artifact(r.InputID + "/upscale"),
		}, r.OutputArtifacts)
	}

	time.Sleep(20 * time.Millisecond)
	got, err := s.Status(op.ID)
	require.NoError(t, err)
	require.Equal(t, batch.StatusCompleted, got.Status)
	require.Len(t, got.Results, 2)
}

func TestBatchRepository_StandardData(t *testing.T) {
	repo := newTestDB(t).BatchRepository()
	ctx := context.Background()

	ops := testutil.NewBuilder(t, repo).WithStandardTestData().Build()
	completed, partial, cancelled := ops[0], ops[1], ops[2]

	listed, err := repo.ListOperations(ctx, 0)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	require.Equal(t, []batch.BatchID{cancelled.ID, partial.ID, completed.ID},
		[]batch.BatchID{listed[0].ID, listed[1].ID, listed[2].ID})

	loaded, err := repo.LoadOperation(ctx, partial.ID)
	require.NoError(t, err)
	require.Equal(t, partial.Progress, loaded.Progress)
	require.Equal(t, "alice/shots@v1", loaded.TemplateID)
	require.Len(t, loaded.Results, 3)
	require.Equal(t, "upscaler timed out", loaded.Results[1].Error)
	require.Equal(t, engine.StepFailed, loaded.Results[1].StepResults["upscale"].Status)
	require.Equal(t, 3*time.Second, loaded.Results[2].Duration)

	loaded, err = repo.LoadOperation(ctx, cancelled.ID)
	require.NoError(t, err)
	require.Equal(t, batch.StatusCancelled, loaded.Status)
	require.Equal(t, 3, loaded.Progress.Cancelled)

	n, err := repo.DeleteSettledBefore(ctx, time.Now().Add(-12*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	listed, err = repo.ListOperations(ctx, 0)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, cancelled.ID, listed[0].ID)
}
