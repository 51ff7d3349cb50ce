package registry

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Source indicates where a template originated from.
type Source string

const (
	// SourceBuiltin indicates a template bundled with the application.
	SourceBuiltin Source = "builtin"
	// SourceCustom indicates a template registered by an owner.
	SourceCustom Source = "custom"
)

// InputRequirements declares what each input must carry to run a template.
type InputRequirements struct {
	ArtifactCount      int      // minimum number of input artifacts
	RequiredParameters []string // keys each input's parameters must contain
}

// Check validates one input against the requirements.
func (r InputRequirements) Check(artifacts []Artifact, params Parameters) error {
	if len(artifacts) < r.ArtifactCount {
		return fmt.Errorf("%w: expected at least %d artifacts, got %d",
			ErrInputRequirements, r.ArtifactCount, len(artifacts))
	}
	var missing []string
	for _, key := range r.RequiredParameters {
		if _, ok := params[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing parameters %s", ErrInputRequirements, strings.Join(missing, ", "))
	}
	return nil
}

// Template is an immutable, named pipeline of steps.
type Template struct {
	key               string // e.g., "upscale-enhance"
	owner             string // empty for built-ins
	version           int    // 1 for built-ins and first custom versions
	name              string
	description       string
	category          string // e.g., "enhance", "video"
	labels            []string
	source            Source
	graph             *Graph
	inputs            InputRequirements
	estimatedDuration time.Duration // display only
}

// TemplateID composes the id of a template. Built-ins (empty owner) are
// identified by key alone; custom templates by owner/key@vN.
func TemplateID(owner, key string, version int) string {
	if owner == "" {
		return key
	}
	return owner + "/" + key + "@v" + strconv.Itoa(version)
}

// ParseTemplateID splits a custom template id into its parts. Built-in ids
// return an empty owner and version 0.
func ParseTemplateID(id string) (owner, key string, version int, err error) {
	slash := strings.Index(id, "/")
	if slash < 0 {
		return "", id, 0, nil
	}
	owner = id[:slash]
	rest := id[slash+1:]
	at := strings.LastIndex(rest, "@v")
	if at < 0 {
		return "", "", 0, fmt.Errorf("%w: malformed template id %q", ErrTemplateNotFound, id)
	}
	key = rest[:at]
	version, err = strconv.Atoi(rest[at+2:])
	if err != nil || version < 1 || owner == "" || key == "" {
		return "", "", 0, fmt.Errorf("%w: malformed template id %q", ErrTemplateNotFound, id)
	}
	return owner, key, version, nil
}

// ID returns the registry id of the template.
func (t *Template) ID() string {
	return TemplateID(t.owner, t.key, t.version)
}

// Key returns the template key.
func (t *Template) Key() string {
	return t.key
}

// Owner returns the owning namespace, empty for built-ins.
func (t *Template) Owner() string {
	return t.owner
}

// Version returns the template version.
func (t *Template) Version() int {
	return t.version
}

// Name returns the human-readable name, falling back to the key.
func (t *Template) Name() string {
	if t.name == "" {
		return t.key
	}
	return t.name
}

// Description returns the template description.
func (t *Template) Description() string {
	return t.description
}

// Category returns the template category.
func (t *Template) Category() string {
	return t.category
}

// Labels returns a copy of the template labels.
func (t *Template) Labels() []string {
	out := make([]string, len(t.labels))
	copy(out, t.labels)
	return out
}

// Source returns where the template came from.
func (t *Template) Source() Source {
	return t.source
}

// Graph returns the validated step graph.
func (t *Template) Graph() *Graph {
	return t.graph
}

// Inputs returns the declared input requirements.
func (t *Template) Inputs() InputRequirements {
	return InputRequirements{
		ArtifactCount:      t.inputs.ArtifactCount,
		RequiredParameters: append([]string{}, t.inputs.RequiredParameters...),
	}
}

// EstimatedDuration returns the display-only duration estimate.
func (t *Template) EstimatedDuration() time.Duration {
	return t.estimatedDuration
}

// HasLabel returns true if the template carries label.
func (t *Template) HasLabel(label string) bool {
	return contains(t.labels, label)
}

// TemplateBuilder provides a fluent API for constructing templates.
type TemplateBuilder struct {
	t       Template
	steps   []*Step
	catalog *Catalog
}

// NewTemplate starts a template with the given key. The source defaults to
// built-in and the version to 1.
func NewTemplate(key string) *TemplateBuilder {
	return &TemplateBuilder{
		t: Template{
			key:     key,
			version: 1,
			source:  SourceBuiltin,
		},
	}
}

// Owner sets the owning namespace and marks the template custom.
func (b *TemplateBuilder) Owner(owner string) *TemplateBuilder {
	b.t.owner = owner
	b.t.source = SourceCustom
	return b
}

// Version sets the template version.
func (b *TemplateBuilder) Version(v int) *TemplateBuilder {
	b.t.version = v
	return b
}

// Name sets the human-readable name.
func (b *TemplateBuilder) Name(n string) *TemplateBuilder {
	b.t.name = n
	return b
}

// Description sets the description.
func (b *TemplateBuilder) Description(d string) *TemplateBuilder {
	b.t.description = d
	return b
}

// Category sets the category used by list filters.
func (b *TemplateBuilder) Category(c string) *TemplateBuilder {
	b.t.category = c
	return b
}

// Labels sets the labels.
func (b *TemplateBuilder) Labels(labels ...string) *TemplateBuilder {
	b.t.labels = append([]string{}, labels...)
	return b
}

// Inputs sets the input requirements.
func (b *TemplateBuilder) Inputs(req InputRequirements) *TemplateBuilder {
	b.t.inputs = InputRequirements{
		ArtifactCount:      req.ArtifactCount,
		RequiredParameters: append([]string{}, req.RequiredParameters...),
	}
	return b
}

// EstimatedDuration sets the display-only duration estimate.
func (b *TemplateBuilder) EstimatedDuration(d time.Duration) *TemplateBuilder {
	b.t.estimatedDuration = d
	return b
}

// Step adds a step.
func (b *TemplateBuilder) Step(id, operationRef string, opts ...StepOption) *TemplateBuilder {
	b.steps = append(b.steps, NewStep(id, operationRef, opts...))
	return b
}

// AddSteps adds prebuilt steps.
func (b *TemplateBuilder) AddSteps(steps ...*Step) *TemplateBuilder {
	b.steps = append(b.steps, steps...)
	return b
}

// WithCatalog checks step parameters against c on Build.
func (b *TemplateBuilder) WithCatalog(c *Catalog) *TemplateBuilder {
	b.catalog = c
	return b
}

// Build validates and returns the template.
func (b *TemplateBuilder) Build() (*Template, error) {
	t := b.t
	if strings.TrimSpace(t.key) == "" {
		return nil, invalid("template key cannot be empty")
	}
	if strings.ContainsAny(t.key, "/@") {
		return nil, invalid("template key %q cannot contain '/' or '@'", t.key)
	}
	if t.source == SourceCustom {
		if strings.TrimSpace(t.owner) == "" || strings.ContainsAny(t.owner, "/@") {
			return nil, invalid("template owner %q is not a valid namespace", t.owner)
		}
	}
	if t.version < 1 {
		return nil, invalid("template %s: version must be at least 1", t.key)
	}
	if t.inputs.ArtifactCount < 0 {
		return nil, invalid("template %s: artifact count cannot be negative", t.key)
	}
	if t.estimatedDuration < 0 {
		return nil, invalid("template %s: estimated duration cannot be negative", t.key)
	}

	graph, err := NewGraph(b.steps...)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", t.key, err)
	}

	for _, s := range graph.Steps() {
		if err := b.catalog.CheckStep(s.operationRef, s.parameters, t.inputs.RequiredParameters); err != nil {
			return nil, fmt.Errorf("template %s: %w: step %s: %w", t.key, ErrInvalidTemplate, s.id, err)
		}
	}

	t.graph = graph
	return &t, nil
}
