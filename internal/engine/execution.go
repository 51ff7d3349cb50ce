package engine

import (
	"errors"
	"fmt"
	"maps"
	"time"

	registry "github.com/zjrosen/batchflow/internal/registry/domain"
)

// Run-time errors recorded on steps and executions.
var (
	ErrStepTimeout = errors.New("step timed out")
	ErrStepPanic   = errors.New("step executor panicked")
	ErrNilTemplate = errors.New("template cannot be nil")
	ErrEnginePanic = errors.New("engine panicked")
)

// StepStatus is the terminal status of a step within one execution.
type StepStatus string

const (
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// StepResult records how one step resolved.
type StepResult struct {
	StepID          string              `json:"step_id"`
	Status          StepStatus          `json:"status"`
	OutputArtifacts []registry.Artifact `json:"output_artifacts"` // empty unless Status is success
	Metrics         map[string]float64  `json:"metrics,omitempty"`
	Error           error               `json:"-"` // set iff Status is failed
	ErrorMessage    string              `json:"error,omitempty"`
	Attempts        int                 `json:"attempts"`
	ExecutionTime   time.Duration       `json:"execution_time"` // includes retries and backoff delays
	StartedAt       time.Time           `json:"started_at"`     // zero for skipped steps
}

func (r StepResult) clone() StepResult {
	r.OutputArtifacts = registry.CloneArtifacts(r.OutputArtifacts)
	r.Metrics = maps.Clone(r.Metrics)
	return r
}

// ExecutionStatus is the lifecycle state of an execution.
// Valid transitions:
//
//	Pending   -> Running, Failed
//	Running   -> Completed, Failed
//	Completed -> (terminal)
//	Failed    -> (terminal)
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

var validTransitions = map[ExecutionStatus]map[ExecutionStatus]bool{
	ExecutionPending: {
		ExecutionRunning: true,
		ExecutionFailed:  true, // rejected before any step ran
	},
	ExecutionRunning: {
		ExecutionCompleted: true,
		ExecutionFailed:    true,
	},
	ExecutionCompleted: {},
	ExecutionFailed:    {},
}

// IsTerminal returns true for completed and failed.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// CanTransitionTo reports whether moving from s to target is allowed.
func (s ExecutionStatus) CanTransitionTo(target ExecutionStatus) bool {
	return validTransitions[s][target]
}

// Input is one unit of work in a batch.
type Input struct {
	ID         string              `json:"id" yaml:"id"`
	Artifacts  []registry.Artifact `json:"artifacts" yaml:"artifacts"`
	Parameters registry.Parameters `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Metadata   map[string]string   `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Execution is one run of a template against one input.
type Execution struct {
	ID               string
	TemplateID       string
	InputID          string
	Status           ExecutionStatus
	StepResults      map[string]StepResult
	StepOrder        []string            // step ids in resolution order
	CurrentArtifacts []registry.Artifact // input artifacts plus every successful output, no duplicates
	OutputArtifacts  []registry.Artifact // artifacts produced by steps only
	CurrentStep      string              // most recently started step
	Error            error
	StartedAt        time.Time
	FinishedAt       time.Time
}

func (e *Execution) transition(to ExecutionStatus) {
	if !e.Status.CanTransitionTo(to) {
		panic(fmt.Sprintf("invalid execution transition %s -> %s", e.Status, to))
	}
	e.Status = to
}

// Duration is the wall time of a finished execution.
func (e *Execution) Duration() time.Duration {
	if e.FinishedAt.IsZero() {
		return 0
	}
	return e.FinishedAt.Sub(e.StartedAt)
}

// Result returns the result of stepID.
func (e *Execution) Result(stepID string) (StepResult, bool) {
	r, ok := e.StepResults[stepID]
	return r, ok
}

// Clone returns a deep copy safe to hand to other goroutines.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	out := *e
	out.StepResults = make(map[string]StepResult, len(e.StepResults))
	for id, r := range e.StepResults {
		out.StepResults[id] = r.clone()
	}
	out.StepOrder = append([]string(nil), e.StepOrder...)
	out.CurrentArtifacts = registry.CloneArtifacts(e.CurrentArtifacts)
	out.OutputArtifacts = registry.CloneArtifacts(e.OutputArtifacts)
	return &out
}

// ErrorMessage returns the execution error text, empty on success.
func (e *Execution) ErrorMessage() string {
	if e.Error == nil {
		return ""
	}
	return e.Error.Error()
}
