package registry

import "time"

// Step is one unit of work in a template.
type Step struct {
	id           string
	intent       string // semantic name shown in progress output
	operationRef string // external operation, passed through untouched
	parameters   Parameters
	dependsOn    []string
	condition    Condition
	retry        RetryPolicy
	timeout      time.Duration
	timeoutScope TimeoutScope
	optional     bool // best-effort; failure does not fail the execution
}

// StepOption configures a Step during construction.
type StepOption func(*Step)

// Intent sets the semantic name of the step.
func Intent(intent string) StepOption {
	return func(s *Step) { s.intent = intent }
}

// Params sets the step parameters. The map is copied.
func Params(p Parameters) StepOption {
	return func(s *Step) { s.parameters = p.Clone() }
}

// DependsOn adds dependencies on other steps.
func DependsOn(ids ...string) StepOption {
	return func(s *Step) { s.dependsOn = append(s.dependsOn, ids...) }
}

// When sets the condition gating the step.
func When(c Condition) StepOption {
	return func(s *Step) { s.condition = c }
}

// Retry sets the retry policy.
func Retry(p RetryPolicy) StepOption {
	return func(s *Step) { s.retry = p }
}

// Timeout sets the step timeout and what it bounds.
func Timeout(d time.Duration, scope TimeoutScope) StepOption {
	return func(s *Step) {
		s.timeout = d
		s.timeoutScope = scope
	}
}

// Optional marks the step best-effort.
func Optional() StepOption {
	return func(s *Step) { s.optional = true }
}

// NewStep creates a step. Validation happens when the step is added to a
// graph.
func NewStep(id, operationRef string, opts ...StepOption) *Step {
	s := &Step{
		id:           id,
		operationRef: operationRef,
		parameters:   Parameters{},
		dependsOn:    []string{},
		retry:        NoRetry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the step id, unique within its template.
func (s *Step) ID() string {
	return s.id
}

// Intent returns the semantic name, falling back to the id.
func (s *Step) Intent() string {
	if s.intent == "" {
		return s.id
	}
	return s.intent
}

// OperationRef returns the external operation reference.
func (s *Step) OperationRef() string {
	return s.operationRef
}

// Parameters returns a copy of the step parameters.
func (s *Step) Parameters() Parameters {
	return s.parameters.Clone()
}

// DependsOn returns a copy of the dependency ids in declaration order.
func (s *Step) DependsOn() []string {
	out := make([]string, len(s.dependsOn))
	copy(out, s.dependsOn)
	return out
}

// Condition returns the normalized condition.
func (s *Step) Condition() Condition {
	return s.condition.Normalized()
}

// RetryPolicy returns the retry policy.
func (s *Step) RetryPolicy() RetryPolicy {
	return s.retry
}

// Timeout returns the step timeout, zero meaning none.
func (s *Step) Timeout() time.Duration {
	return s.timeout
}

// TimeoutScope returns what the timeout bounds, defaulting to the step.
func (s *Step) TimeoutScope() TimeoutScope {
	if s.timeoutScope == "" {
		return TimeoutPerStep
	}
	return s.timeoutScope
}

// Optional returns true if the step is best-effort.
func (s *Step) Optional() bool {
	return s.optional
}

func (s *Step) validate() error {
	if s.id == "" {
		return invalid("step id cannot be empty")
	}
	if s.operationRef == "" {
		return invalid("step %s: operation cannot be empty", s.id)
	}
	if s.timeout < 0 {
		return invalid("step %s: timeout cannot be negative", s.id)
	}
	if !s.timeoutScope.IsValid() {
		return invalid("step %s: unknown timeout scope %q", s.id, s.timeoutScope)
	}
	if err := s.retry.validate(s.id); err != nil {
		return err
	}
	return s.condition.validate(s.id, s.dependsOn)
}
