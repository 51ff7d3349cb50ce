// Package presentation renders templates and batches for CLI output.
package presentation

import (
	"time"

	"github.com/zjrosen/batchflow/internal/batch"
	registry "github.com/zjrosen/batchflow/internal/registry/domain"
)

// TemplateDTO represents a registered template for presentation
type TemplateDTO struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	Owner       string    `json:"owner,omitempty"`
	Version     int       `json:"version,omitempty"`
	Source      string    `json:"source"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Category    string    `json:"category,omitempty"`
	Labels      []string  `json:"labels"`
	Inputs      InputsDTO `json:"inputs"`
	Steps       []StepDTO `json:"steps"`
}

// InputsDTO represents a template's input requirements
type InputsDTO struct {
	Artifacts          int      `json:"artifacts"`
	RequiredParameters []string `json:"required_parameters"`
}

// StepDTO represents a template step with its scheduling rules
type StepDTO struct {
	ID          string   `json:"id"`
	Operation   string   `json:"operation"`
	Intent      string   `json:"intent,omitempty"`
	DependsOn   []string `json:"depends_on"` // always present
	Condition   string   `json:"condition"`
	MaxAttempts int      `json:"max_attempts"`
	Timeout     string   `json:"timeout,omitempty"`
	Optional    bool     `json:"optional,omitempty"`
}

// FromTemplate converts a domain template to a DTO. Steps are listed in
// declaration order.
func FromTemplate(t *registry.Template) TemplateDTO {
	steps := make([]StepDTO, 0, t.Graph().Len())
	for _, s := range t.Graph().Steps() {
		dto := StepDTO{
			ID:          s.ID(),
			Operation:   s.OperationRef(),
			Intent:      s.Intent(),
			DependsOn:   append([]string{}, s.DependsOn()...),
			Condition:   s.Condition().String(),
			MaxAttempts: s.RetryPolicy().Attempts(),
			Optional:    s.Optional(),
		}
		if s.Timeout() > 0 {
			dto.Timeout = s.Timeout().String() + " " + string(s.TimeoutScope())
		}
		steps = append(steps, dto)
	}

	inputs := t.Inputs()
	return TemplateDTO{
		ID:          t.ID(),
		Key:         t.Key(),
		Owner:       t.Owner(),
		Version:     t.Version(),
		Source:      string(t.Source()),
		Name:        t.Name(),
		Description: t.Description(),
		Category:    t.Category(),
		Labels:      append([]string{}, t.Labels()...),
		Inputs: InputsDTO{
			Artifacts:          inputs.ArtifactCount,
			RequiredParameters: append([]string{}, inputs.RequiredParameters...),
		},
		Steps: steps,
	}
}

// BatchDTO represents a batch operation
type BatchDTO struct {
	ID         string         `json:"id"`
	TemplateID string         `json:"template_id"`
	Owner      string         `json:"owner,omitempty"`
	Status     string         `json:"status"`
	Settled    bool           `json:"settled"`
	Progress   batch.Progress `json:"progress"`
	Running    int            `json:"running"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Results    []ResultDTO    `json:"results,omitempty"`
}

// ResultDTO represents one input's execution result
type ResultDTO struct {
	InputID         string          `json:"input_id"`
	Status          string          `json:"status"`
	OutputArtifacts []string        `json:"output_artifacts"`
	Error           string          `json:"error,omitempty"`
	DurationMS      int64           `json:"duration_ms"`
	Steps           []StepResultDTO `json:"steps"`
}

// StepResultDTO represents one step's outcome, in resolution order
type StepResultDTO struct {
	ID       string             `json:"id"`
	Status   string             `json:"status"`
	Attempts int                `json:"attempts"`
	Metrics  map[string]float64 `json:"metrics,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// FromOperation converts a batch snapshot to a DTO. withResults controls
// whether per-input results are included.
func FromOperation(op *batch.Operation, withResults bool) BatchDTO {
	dto := BatchDTO{
		ID:         op.ID.String(),
		TemplateID: op.TemplateID,
		Owner:      op.Owner,
		Status:     string(op.Status),
		Settled:    op.Settled,
		Progress:   op.Progress,
		Running:    op.Running,
		Error:      op.Error,
		CreatedAt:  op.CreatedAt,
		StartedAt:  timePtr(op.StartedAt),
		FinishedAt: timePtr(op.FinishedAt),
	}
	if withResults {
		dto.Results = make([]ResultDTO, 0, len(op.Results))
		for _, r := range op.Results {
			dto.Results = append(dto.Results, FromResult(r))
		}
	}
	return dto
}

// FromResult converts one input result to a DTO.
func FromResult(r batch.Result) ResultDTO {
	dto := ResultDTO{
		InputID:         r.InputID,
		Status:          string(r.Status),
		OutputArtifacts: make([]string, len(r.OutputArtifacts)),
		Error:           r.Error,
		DurationMS:      r.Duration.Milliseconds(),
		Steps:           make([]StepResultDTO, 0, len(r.StepOrder)),
	}
	for i, a := range r.OutputArtifacts {
		dto.OutputArtifacts[i] = string(a)
	}
	for _, id := range r.StepOrder {
		sr, ok := r.StepResults[id]
		if !ok {
			continue
		}
		dto.Steps = append(dto.Steps, StepResultDTO{
			ID:       sr.StepID,
			Status:   string(sr.Status),
			Attempts: sr.Attempts,
			Metrics:  sr.Metrics,
			Error:    sr.ErrorMessage,
		})
	}
	return dto
}

// EventDTO represents a progress event
type EventDTO struct {
	Type     string         `json:"type"`
	BatchID  string         `json:"batch_id"`
	InputID  string         `json:"input_id,omitempty"`
	Status   string         `json:"status"`
	Progress batch.Progress `json:"progress"`
	Running  int            `json:"running"`
	Result   *ResultDTO     `json:"result,omitempty"`
	Time     time.Time      `json:"time"`
}

// FromEvent converts a scheduler event to a DTO.
func FromEvent(ev batch.Event) EventDTO {
	dto := EventDTO{
		Type:     string(ev.Type),
		BatchID:  ev.Payload.BatchID.String(),
		InputID:  ev.Payload.InputID,
		Status:   string(ev.Payload.Status),
		Progress: ev.Payload.Progress,
		Running:  ev.Payload.Running,
		Time:     ev.Timestamp,
	}
	if ev.Payload.Result != nil {
		r := FromResult(*ev.Payload.Result)
		dto.Result = &r
	}
	return dto
}

// ValidationDTO reports the outcome of validating one template file
type ValidationDTO struct {
	File  string `json:"file"`
	ID    string `json:"id,omitempty"`
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
