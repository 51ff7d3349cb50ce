package testutil

import (
	"time"

	"github.com/zjrosen/batchflow/internal/batch"
	"github.com/zjrosen/batchflow/internal/engine"
	registry "github.com/zjrosen/batchflow/internal/registry/domain"
)

// BatchOption configures a batch during builder setup.
type BatchOption func(*batch.Operation)

// Template sets the template id.
func Template(id string) BatchOption {
	return func(op *batch.Operation) { op.TemplateID = id }
}

// Owner sets the batch owner.
func Owner(owner string) BatchOption {
	return func(op *batch.Operation) { op.Owner = owner }
}

// ID sets a fixed batch id.
func ID(id batch.BatchID) BatchOption {
	return func(op *batch.Operation) { op.ID = id }
}

// Status sets the status. Terminal statuses also mark the batch settled
// and stamp FinishedAt, and cancelled batches count every input without
// a result as cancelled.
func Status(s batch.Status) BatchOption {
	return func(op *batch.Operation) {
		op.Status = s
		if !s.IsTerminal() {
			return
		}
		op.Settled = true
		if op.FinishedAt.IsZero() {
			op.FinishedAt = op.CreatedAt.Add(time.Minute)
		}
		if s == batch.StatusCancelled {
			op.Progress.Cancelled = op.Progress.Total - op.Progress.Done()
		}
	}
}

// CreatedAt sets the creation time; StartedAt follows one second later.
func CreatedAt(t time.Time) BatchOption {
	return func(op *batch.Operation) {
		op.CreatedAt = t
		op.StartedAt = t.Add(time.Second)
	}
}

// Inputs sets the submitted input ids and the progress total.
func Inputs(ids ...string) BatchOption {
	return func(op *batch.Operation) {
		op.Inputs = append([]string(nil), ids...)
		op.Progress.Total = len(ids)
	}
}

// Results appends finished inputs and counts them in the progress.
func Results(results ...batch.Result) BatchOption {
	return func(op *batch.Operation) {
		for _, r := range results {
			op.Results = append(op.Results, r)
			if r.Succeeded() {
				op.Progress.Completed++
			} else {
				op.Progress.Failed++
			}
		}
	}
}

// ResultOption configures one input result.
type ResultOption func(*batch.Result)

// NewResult returns a completed result for inputID whose single "render"
// step produced inputID+".png".
func NewResult(inputID string, opts ...ResultOption) batch.Result {
	out := registry.Artifact(inputID + ".png")
	r := batch.Result{
		InputID:         inputID,
		ExecutionID:     "exec-" + inputID,
		Status:          engine.ExecutionCompleted,
		OutputArtifacts: []registry.Artifact{out},
		StepResults: map[string]engine.StepResult{
			"render": {StepID: "render", Status: engine.StepSuccess, OutputArtifacts: []registry.Artifact{out}, Attempts: 1},
		},
		StepOrder: []string{"render"},
		Duration:  time.Second,
	}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

// Failed marks the result and its last step failed with msg. Output
// artifacts are cleared.
func Failed(msg string) ResultOption {
	return func(r *batch.Result) {
		r.Status = engine.ExecutionFailed
		r.Error = msg
		r.OutputArtifacts = nil
		if n := len(r.StepOrder); n > 0 {
			id := r.StepOrder[n-1]
			sr := r.StepResults[id]
			sr.Status = engine.StepFailed
			sr.OutputArtifacts = nil
			sr.ErrorMessage = msg
			r.StepResults[id] = sr
		}
	}
}

// Step appends a step result in resolution order.
func Step(id string, status engine.StepStatus, attempts int) ResultOption {
	return func(r *batch.Result) {
		sr := engine.StepResult{StepID: id, Status: status, Attempts: attempts}
		if status == engine.StepSuccess {
			art := registry.Artifact(r.InputID + "/" + id)
			sr.OutputArtifacts = []registry.Artifact{art}
			if r.Status == engine.ExecutionCompleted {
				r.OutputArtifacts = append(r.OutputArtifacts, art)
			}
		}
		r.StepResults[id] = sr
		r.StepOrder = append(r.StepOrder, id)
	}
}

// Took sets the execution duration.
func Took(d time.Duration) ResultOption {
	return func(r *batch.Result) { r.Duration = d }
}

// defaultBatch returns a pending batch with a fresh id created now.
func defaultBatch() *batch.Operation {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &batch.Operation{
		ID:         batch.NewBatchID(),
		TemplateID: "upscale-enhance",
		Status:     batch.StatusPending,
		Inputs:     []string{},
		CreatedAt:  now,
	}
}

// NewBatch builds a batch. Options apply in order, so Status should come
// after Inputs and Results.
func NewBatch(opts ...BatchOption) *batch.Operation {
	op := defaultBatch()
	for _, opt := range opts {
		opt(op)
	}
	return op
}
