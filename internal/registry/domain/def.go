package registry

import (
	"fmt"
	"time"
)

// TemplateDef is the serializable form of a template, shared by YAML
// template files, the durable store and the revision API.
type TemplateDef struct {
	Key               string    `yaml:"key" json:"key"`
	Owner             string    `yaml:"owner,omitempty" json:"owner,omitempty"`
	Version           int       `yaml:"version,omitempty" json:"version,omitempty"`
	Name              string    `yaml:"name,omitempty" json:"name,omitempty"`
	Description       string    `yaml:"description,omitempty" json:"description,omitempty"`
	Category          string    `yaml:"category,omitempty" json:"category,omitempty"`
	Labels            []string  `yaml:"labels,omitempty" json:"labels,omitempty"`
	EstimatedDuration string    `yaml:"estimated_duration,omitempty" json:"estimated_duration,omitempty"`
	Inputs            InputsDef `yaml:"inputs,omitempty" json:"inputs"`
	Steps             []StepDef `yaml:"steps" json:"steps"`
}

// InputsDef is the serializable form of InputRequirements.
type InputsDef struct {
	Artifacts          int      `yaml:"artifacts,omitempty" json:"artifacts,omitempty"`
	RequiredParameters []string `yaml:"required_parameters,omitempty" json:"required_parameters,omitempty"`
}

// StepDef is the serializable form of a Step.
type StepDef struct {
	ID           string         `yaml:"id" json:"id"`
	Intent       string         `yaml:"intent,omitempty" json:"intent,omitempty"`
	Operation    string         `yaml:"operation" json:"operation"`
	Parameters   map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	DependsOn    []string       `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Condition    *ConditionDef  `yaml:"condition,omitempty" json:"condition,omitempty"`
	Retry        *RetryDef      `yaml:"retry,omitempty" json:"retry,omitempty"`
	Timeout      string         `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	TimeoutScope string         `yaml:"timeout_scope,omitempty" json:"timeout_scope,omitempty"`
	Optional     bool           `yaml:"optional,omitempty" json:"optional,omitempty"`
}

// ConditionDef is the serializable form of a Condition.
type ConditionDef struct {
	Kind       string  `yaml:"kind" json:"kind"`
	Step       string  `yaml:"step,omitempty" json:"step,omitempty"`
	Metric     string  `yaml:"metric,omitempty" json:"metric,omitempty"`
	Comparator string  `yaml:"comparator,omitempty" json:"comparator,omitempty"`
	Value      float64 `yaml:"value,omitempty" json:"value,omitempty"`
}

// RetryDef is the serializable form of a RetryPolicy.
type RetryDef struct {
	MaxAttempts       int     `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay         string  `yaml:"base_delay,omitempty" json:"base_delay,omitempty"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier,omitempty" json:"backoff_multiplier,omitempty"`
}

// ID returns the id the definition will be registered under.
func (d TemplateDef) ID() string {
	v := d.Version
	if v == 0 {
		v = 1
	}
	return TemplateID(d.Owner, d.Key, v)
}

// Clone returns a deep copy of the definition.
func (d TemplateDef) Clone() TemplateDef {
	out := d
	out.Labels = append([]string(nil), d.Labels...)
	out.Inputs.RequiredParameters = append([]string(nil), d.Inputs.RequiredParameters...)
	out.Steps = make([]StepDef, len(d.Steps))
	for i, s := range d.Steps {
		cs := s
		if s.Parameters != nil {
			cs.Parameters = map[string]any(Parameters(s.Parameters).Clone())
		}
		cs.DependsOn = append([]string(nil), s.DependsOn...)
		if s.Condition != nil {
			c := *s.Condition
			cs.Condition = &c
		}
		if s.Retry != nil {
			r := *s.Retry
			cs.Retry = &r
		}
		out.Steps[i] = cs
	}
	return out
}

// FromDef builds a template from its definition. A non-empty owner makes
// the template custom. The catalog may be nil.
func FromDef(def TemplateDef, catalog *Catalog) (*Template, error) {
	b := NewTemplate(def.Key).
		Name(def.Name).
		Description(def.Description).
		Category(def.Category).
		Labels(def.Labels...).
		Inputs(InputRequirements{
			ArtifactCount:      def.Inputs.Artifacts,
			RequiredParameters: def.Inputs.RequiredParameters,
		}).
		WithCatalog(catalog)

	if def.Owner != "" {
		b.Owner(def.Owner)
	}
	if def.Version != 0 {
		b.Version(def.Version)
	}

	est, err := parseDuration(def.EstimatedDuration)
	if err != nil {
		return nil, invalid("template %s: estimated_duration: %v", def.Key, err)
	}
	b.EstimatedDuration(est)

	for _, sd := range def.Steps {
		step, err := stepFromDef(sd)
		if err != nil {
			return nil, fmt.Errorf("template %s: %w", def.Key, err)
		}
		b.AddSteps(step)
	}
	return b.Build()
}

func stepFromDef(sd StepDef) (*Step, error) {
	opts := []StepOption{
		Intent(sd.Intent),
		Params(Parameters(sd.Parameters)),
		DependsOn(sd.DependsOn...),
	}
	if sd.Optional {
		opts = append(opts, Optional())
	}

	if sd.Condition != nil {
		opts = append(opts, When(Condition{
			Kind:       ConditionKind(sd.Condition.Kind),
			Step:       sd.Condition.Step,
			Metric:     sd.Condition.Metric,
			Comparator: Comparator(sd.Condition.Comparator),
			Value:      sd.Condition.Value,
		}))
	}

	if sd.Retry != nil {
		delay, err := parseDuration(sd.Retry.BaseDelay)
		if err != nil {
			return nil, invalid("step %s: retry.base_delay: %v", sd.ID, err)
		}
		opts = append(opts, Retry(RetryPolicy{
			MaxAttempts:       sd.Retry.MaxAttempts,
			BaseDelay:         delay,
			BackoffMultiplier: sd.Retry.BackoffMultiplier,
		}))
	}

	timeout, err := parseDuration(sd.Timeout)
	if err != nil {
		return nil, invalid("step %s: timeout: %v", sd.ID, err)
	}
	if timeout != 0 || sd.TimeoutScope != "" {
		opts = append(opts, Timeout(timeout, TimeoutScope(sd.TimeoutScope)))
	}

	return NewStep(sd.ID, sd.Operation, opts...), nil
}

// Def returns the serializable definition of the template.
func (t *Template) Def() TemplateDef {
	def := TemplateDef{
		Key:         t.key,
		Owner:       t.owner,
		Version:     t.version,
		Name:        t.name,
		Description: t.description,
		Category:    t.category,
		Labels:      t.Labels(),
		Inputs: InputsDef{
			Artifacts:          t.inputs.ArtifactCount,
			RequiredParameters: append([]string(nil), t.inputs.RequiredParameters...),
		},
		Steps: make([]StepDef, 0, t.graph.Len()),
	}
	if len(def.Labels) == 0 {
		def.Labels = nil
	}
	if t.estimatedDuration > 0 {
		def.EstimatedDuration = t.estimatedDuration.String()
	}

	for _, s := range t.graph.Steps() {
		sd := StepDef{
			ID:        s.id,
			Intent:    s.intent,
			Operation: s.operationRef,
			DependsOn: s.DependsOn(),
			Optional:  s.optional,
		}
		if len(s.parameters) > 0 {
			sd.Parameters = map[string]any(s.Parameters())
		}
		if len(sd.DependsOn) == 0 {
			sd.DependsOn = nil
		}
		if s.condition.Kind != "" {
			sd.Condition = &ConditionDef{
				Kind:       string(s.condition.Kind),
				Step:       s.condition.Step,
				Metric:     s.condition.Metric,
				Comparator: string(s.condition.Comparator),
				Value:      s.condition.Value,
			}
		}
		if s.retry != NoRetry() {
			sd.Retry = &RetryDef{
				MaxAttempts:       s.retry.MaxAttempts,
				BackoffMultiplier: s.retry.BackoffMultiplier,
			}
			if s.retry.BaseDelay > 0 {
				sd.Retry.BaseDelay = s.retry.BaseDelay.String()
			}
		}
		if s.timeout > 0 {
			sd.Timeout = s.timeout.String()
		}
		sd.TimeoutScope = string(s.timeoutScope)
		def.Steps = append(def.Steps, sd)
	}
	return def
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
