package registry

import (
	"fmt"
	"math"
)

// ConditionKind selects how a step's eligibility is decided once its
// dependencies are terminal.
type ConditionKind string

const (
	ConditionAlways    ConditionKind = "always"
	ConditionOnSuccess ConditionKind = "on_success"
	ConditionOnFailure ConditionKind = "on_failure"
	ConditionThreshold ConditionKind = "threshold"
)

// IsValid returns true if the condition kind is a known kind.
func (k ConditionKind) IsValid() bool {
	switch k {
	case ConditionAlways, ConditionOnSuccess, ConditionOnFailure, ConditionThreshold:
		return true
	default:
		return false
	}
}

// Comparator is the comparison used by a threshold condition.
type Comparator string

const (
	CompareGT  Comparator = "gt"
	CompareGTE Comparator = "gte"
	CompareLT  Comparator = "lt"
	CompareLTE Comparator = "lte"
	CompareEQ  Comparator = "eq"
)

// equalEpsilon absorbs float noise from executors reporting scores.
const equalEpsilon = 1e-9

// Compare applies the comparator as "got <op> want".
func (c Comparator) Compare(got, want float64) bool {
	switch c {
	case CompareGT:
		return got > want
	case CompareGTE:
		return got >= want
	case CompareLT:
		return got < want
	case CompareLTE:
		return got <= want
	case CompareEQ:
		return math.Abs(got-want) <= equalEpsilon
	default:
		return false
	}
}

// IsValid returns true if the comparator is a known comparator.
func (c Comparator) IsValid() bool {
	switch c {
	case CompareGT, CompareGTE, CompareLT, CompareLTE, CompareEQ:
		return true
	default:
		return false
	}
}

// Condition gates a step once its dependencies are terminal. The zero value
// behaves as on_success.
type Condition struct {
	Kind       ConditionKind
	Step       string // threshold only: dependency to inspect, empty means all
	Metric     string // threshold only
	Comparator Comparator
	Value      float64
}

// Always runs the step regardless of how its dependencies ended.
func Always() Condition { return Condition{Kind: ConditionAlways} }

// OnSuccess runs the step only if every dependency succeeded.
func OnSuccess() Condition { return Condition{Kind: ConditionOnSuccess} }

// OnFailure runs the step only if at least one dependency failed.
func OnFailure() Condition { return Condition{Kind: ConditionOnFailure} }

// Threshold runs the step only if the dependency (or every dependency when
// step is empty) succeeded and reported metric satisfying cmp against value.
func Threshold(step, metric string, cmp Comparator, value float64) Condition {
	return Condition{
		Kind:       ConditionThreshold,
		Step:       step,
		Metric:     metric,
		Comparator: cmp,
		Value:      value,
	}
}

// Normalized returns c with an empty kind resolved to on_success.
func (c Condition) Normalized() Condition {
	if c.Kind == "" {
		c.Kind = ConditionOnSuccess
	}
	return c
}

// String renders the condition for logs and CLI output.
func (c Condition) String() string {
	c = c.Normalized()
	if c.Kind != ConditionThreshold {
		return string(c.Kind)
	}
	target := c.Step
	if target == "" {
		target = "*"
	}
	return fmt.Sprintf("threshold(%s.%s %s %g)", target, c.Metric, c.Comparator, c.Value)
}

// validate checks the condition against the owning step's dependencies.
func (c Condition) validate(stepID string, dependsOn []string) error {
	c = c.Normalized()
	if !c.Kind.IsValid() {
		return invalid("step %s: unknown condition %q", stepID, c.Kind)
	}
	if c.Kind != ConditionThreshold {
		return nil
	}
	if c.Metric == "" {
		return invalid("step %s: threshold condition needs a metric", stepID)
	}
	if !c.Comparator.IsValid() {
		return invalid("step %s: unknown comparator %q", stepID, c.Comparator)
	}
	if len(dependsOn) == 0 {
		return invalid("step %s: threshold condition needs at least one dependency", stepID)
	}
	if c.Step != "" && !contains(dependsOn, c.Step) {
		return invalid("step %s: threshold references %q which is not a dependency", stepID, c.Step)
	}
	return nil
}

// Outcome is the terminal result of a dependency as seen by a condition.
type Outcome struct {
	StepID    string
	Succeeded bool
	Failed    bool
	Metrics   map[string]float64
}

// Evaluate reports whether the condition holds for the given dependency
// outcomes. Steps without dependencies pass on_success and always, and
// never pass on_failure.
func (c Condition) Evaluate(deps []Outcome) bool {
	c = c.Normalized()
	switch c.Kind {
	case ConditionAlways:
		return true
	case ConditionOnSuccess:
		for _, d := range deps {
			if !d.Succeeded {
				return false
			}
		}
		return true
	case ConditionOnFailure:
		for _, d := range deps {
			if d.Failed {
				return true
			}
		}
		return false
	case ConditionThreshold:
		matched := 0
		for _, d := range deps {
			if c.Step != "" && d.StepID != c.Step {
				continue
			}
			matched++
			if !d.Succeeded {
				return false
			}
			got, ok := d.Metrics[c.Metric]
			if !ok || !c.Comparator.Compare(got, c.Value) {
				return false
			}
		}
		return matched > 0
	default:
		return false
	}
}
