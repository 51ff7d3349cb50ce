package sqlite

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/zjrosen/batchflow/internal/batch"
	registry "github.com/zjrosen/batchflow/internal/registry/domain"
)

// TemplateModel is a row of the templates table. Definition holds the
// JSON encoded TemplateDef.
type TemplateModel struct {
	ID         string
	Owner      string
	Key        string
	Version    int
	Definition string
	CreatedAt  int64 // Unix milliseconds
	UpdatedAt  int64 // Unix milliseconds
}

func toTemplateModel(def registry.TemplateDef, now time.Time) (*TemplateModel, error) {
	data, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("failed to encode template %s: %w", def.ID(), err)
	}
	version := def.Version
	if version == 0 {
		version = 1
	}
	return &TemplateModel{
		ID:         def.ID(),
		Owner:      def.Owner,
		Key:        def.Key,
		Version:    version,
		Definition: string(data),
		CreatedAt:  now.UnixMilli(),
		UpdatedAt:  now.UnixMilli(),
	}, nil
}

func (m *TemplateModel) toDomain() (registry.TemplateDef, error) {
	var def registry.TemplateDef
	if err := json.Unmarshal([]byte(m.Definition), &def); err != nil {
		return registry.TemplateDef{}, fmt.Errorf("failed to decode template %s: %w", m.ID, err)
	}
	return def, nil
}

// BatchModel is a row of the batches table. Results live in
// batch_results.
type BatchModel struct {
	ID         string
	TemplateID string
	Owner      *string // nullable
	Status     string
	Total      int
	Completed  int
	Failed     int
	Cancelled  int
	Running    int
	Inputs     string // JSON encoded input ids
	Error      *string
	Settled    bool
	CreatedAt  int64  // Unix milliseconds
	StartedAt  *int64 // Unix milliseconds, nullable
	FinishedAt *int64 // Unix milliseconds, nullable
	UpdatedAt  int64
}

func toBatchModel(op *batch.Operation, now time.Time) (*BatchModel, error) {
	inputs, err := json.Marshal(op.Inputs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch inputs: %w", err)
	}
	m := &BatchModel{
		ID:         op.ID.String(),
		TemplateID: op.TemplateID,
		Status:     string(op.Status),
		Total:      op.Progress.Total,
		Completed:  op.Progress.Completed,
		Failed:     op.Progress.Failed,
		Cancelled:  op.Progress.Cancelled,
		Running:    op.Running,
		Inputs:     string(inputs),
		Settled:    op.Settled,
		CreatedAt:  op.CreatedAt.UnixMilli(),
		StartedAt:  millisOrNil(op.StartedAt),
		FinishedAt: millisOrNil(op.FinishedAt),
		UpdatedAt:  now.UnixMilli(),
	}
	if op.Owner != "" {
		owner := op.Owner
		m.Owner = &owner
	}
	if op.Error != "" {
		msg := op.Error
		m.Error = &msg
	}
	return m, nil
}

func (m *BatchModel) toDomain() (*batch.Operation, error) {
	op := &batch.Operation{
		ID:         batch.BatchID(m.ID),
		TemplateID: m.TemplateID,
		Status:     batch.Status(m.Status),
		Progress: batch.Progress{
			Total:     m.Total,
			Completed: m.Completed,
			Failed:    m.Failed,
			Cancelled: m.Cancelled,
		},
		Running:    m.Running,
		Results:    []batch.Result{},
		Settled:    m.Settled,
		CreatedAt:  time.UnixMilli(m.CreatedAt),
		StartedAt:  timeOrZero(m.StartedAt),
		FinishedAt: timeOrZero(m.FinishedAt),
	}
	if err := json.Unmarshal([]byte(m.Inputs), &op.Inputs); err != nil {
		return nil, fmt.Errorf("failed to decode inputs of batch %s: %w", m.ID, err)
	}
	if m.Owner != nil {
		op.Owner = *m.Owner
	}
	if m.Error != nil {
		op.Error = *m.Error
	}
	return op, nil
}

func millisOrNil(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func timeOrZero(ms *int64) time.Time {
	if ms == nil {
		return time.Time{}
	}
	return time.UnixMilli(*ms)
}
