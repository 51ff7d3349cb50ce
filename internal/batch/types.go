// Package batch fans a template out over many inputs under a global
// concurrency budget, with cooperative cancellation and live progress.
package batch

import (
	"errors"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/batchflow/internal/engine"
	"github.com/zjrosen/batchflow/internal/pubsub"
	registry "github.com/zjrosen/batchflow/internal/registry/domain"
)

// Errors returned by the scheduler.
var (
	ErrEmptyBatch       = errors.New("batch has no inputs")
	ErrDuplicateInputID = errors.New("duplicate input id")
	ErrSchedulerClosed  = errors.New("scheduler is closed")
	ErrBatchNotFound    = errors.New("batch not found")
	ErrBatchTerminal    = errors.New("batch already finished")
	ErrDispatchPanic    = errors.New("batch dispatcher panicked")
)

// BatchID uniquely identifies a batch. It is a UUID.
type BatchID string

// NewBatchID generates a new BatchID.
func NewBatchID() BatchID {
	return BatchID(uuid.New().String())
}

// String returns the id as a string.
func (id BatchID) String() string {
	return string(id)
}

// IsValid returns true if the id is a UUID.
func (id BatchID) IsValid() bool {
	if id == "" {
		return false
	}
	_, err := uuid.Parse(string(id))
	return err == nil
}

// Status is the lifecycle state of a batch.
// Valid transitions:
//
//	Pending   -> Running, Failed, Cancelled
//	Running   -> Completed, Failed, Cancelled
//	Completed -> (terminal)
//	Failed    -> (terminal)
//	Cancelled -> (terminal)
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed" // every input has a result, whatever its outcome
	StatusFailed    Status = "failed"    // the batch itself could not proceed
	StatusCancelled Status = "cancelled"
)

var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// IsTerminal returns true for completed, failed and cancelled.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo reports whether moving from s to target is allowed.
func (s Status) CanTransitionTo(target Status) bool {
	return validTransitions[s][target]
}

// Input is one unit of work in a batch.
type Input = engine.Input

// Progress counts input outcomes. Counters never decrease and
// Completed+Failed never exceeds Total.
type Progress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	// Cancelled counts inputs that never started because the batch was
	// cancelled. Set when a cancelled batch settles.
	Cancelled int `json:"cancelled"`
}

// Done returns the number of inputs with a result.
func (p Progress) Done() int {
	return p.Completed + p.Failed
}

// Result is the outcome of one input.
type Result struct {
	InputID         string                       `json:"input_id"`
	ExecutionID     string                       `json:"execution_id"`
	Status          engine.ExecutionStatus       `json:"status"`
	OutputArtifacts []registry.Artifact          `json:"output_artifacts"` // empty when failed
	StepResults     map[string]engine.StepResult `json:"step_results"`     // kept even when partial
	StepOrder       []string                     `json:"step_order"`
	Error           string                       `json:"error,omitempty"`
	Duration        time.Duration                `json:"duration"`
	FinishedAt      time.Time                    `json:"finished_at"`
}

// Succeeded returns true for a completed execution.
func (r Result) Succeeded() bool {
	return r.Status == engine.ExecutionCompleted
}

func resultFromExecution(exec *engine.Execution) Result {
	r := Result{
		InputID:         exec.InputID,
		ExecutionID:     exec.ID,
		Status:          exec.Status,
		OutputArtifacts: []registry.Artifact{},
		StepResults:     make(map[string]engine.StepResult, len(exec.StepResults)),
		StepOrder:       append([]string(nil), exec.StepOrder...),
		Error:           exec.ErrorMessage(),
		Duration:        exec.Duration(),
		FinishedAt:      exec.FinishedAt,
	}
	if exec.Status == engine.ExecutionCompleted {
		r.OutputArtifacts = registry.CloneArtifacts(exec.OutputArtifacts)
	}
	for id, sr := range exec.Clone().StepResults {
		r.StepResults[id] = sr
	}
	return r
}

func (r Result) clone() Result {
	r.OutputArtifacts = registry.CloneArtifacts(r.OutputArtifacts)
	r.StepOrder = append([]string(nil), r.StepOrder...)
	steps := make(map[string]engine.StepResult, len(r.StepResults))
	for id, sr := range r.StepResults {
		sr.OutputArtifacts = registry.CloneArtifacts(sr.OutputArtifacts)
		sr.Metrics = maps.Clone(sr.Metrics)
		steps[id] = sr
	}
	r.StepResults = steps
	return r
}

// Operation is a read-only snapshot of a batch.
type Operation struct {
	ID         BatchID `json:"id"`
	TemplateID string  `json:"template_id"`
	Owner      string  `json:"owner,omitempty"`
	// Status turns cancelled as soon as Cancel returns, while in-flight
	// inputs may still append results. Only Settled snapshots are stable.
	Status     Status    `json:"status"`
	Progress   Progress  `json:"progress"`
	Running    int       `json:"running"` // executions in flight
	Results    []Result  `json:"results"` // completion order
	Inputs     []string  `json:"inputs"`  // input ids in submission order
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	// Settled is true once the batch is terminal with nothing in flight.
	// A settled snapshot no longer changes.
	Settled bool `json:"settled"`
}

// Clone returns a deep copy.
func (o *Operation) Clone() *Operation {
	if o == nil {
		return nil
	}
	out := *o
	out.Inputs = append([]string(nil), o.Inputs...)
	out.Results = make([]Result, len(o.Results))
	for i, r := range o.Results {
		out.Results[i] = r.clone()
	}
	return &out
}

func (o *Operation) transition(to Status) bool {
	if !o.Status.CanTransitionTo(to) {
		return false
	}
	o.Status = to
	return true
}

// Event types published by the scheduler.
const (
	EventSubmitted     pubsub.EventType = "batch.submitted"
	EventInputStarted  pubsub.EventType = "input.started"
	EventInputFinished pubsub.EventType = "input.finished"
	EventCancelled     pubsub.EventType = "batch.cancelled"
	EventSettled       pubsub.EventType = "batch.settled"
)

// Update is the payload of a scheduler event.
type Update struct {
	BatchID  BatchID
	InputID  string // set for input events
	Status   Status
	Progress Progress
	Running  int
	Result   *Result // set for EventInputFinished
}

// Event is a published scheduler event.
type Event = pubsub.Event[Update]
