package presentation

import (
	"io"

	json "github.com/goccy/go-json"
)

// Formatter handles output formatting
type Formatter struct {
	writer io.Writer
}

// NewFormatter creates a new formatter
func NewFormatter(writer io.Writer) *Formatter {
	return &Formatter{
		writer: writer,
	}
}

func (f *Formatter) indented(v any) error {
	encoder := json.NewEncoder(f.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// FormatTemplates formats a list of templates as JSON
func (f *Formatter) FormatTemplates(templates []TemplateDTO) error {
	if templates == nil {
		templates = []TemplateDTO{}
	}
	return f.indented(templates)
}

// FormatValidation formats template validation results as JSON
func (f *Formatter) FormatValidation(results []ValidationDTO) error {
	return f.indented(results)
}

// FormatBatch formats a batch operation as JSON
func (f *Formatter) FormatBatch(b BatchDTO) error {
	return f.indented(b)
}

// FormatBatches formats a list of batch operations as JSON
func (f *Formatter) FormatBatches(batches []BatchDTO) error {
	if batches == nil {
		batches = []BatchDTO{}
	}
	return f.indented(batches)
}

// FormatEvent writes one event as a single JSON line
func (f *Formatter) FormatEvent(e EventDTO) error {
	return json.NewEncoder(f.writer).Encode(e)
}
