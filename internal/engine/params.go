package engine

import (
	"dario.cat/mergo"

	registry "github.com/zjrosen/batchflow/internal/registry/domain"
)

// mergeParameters returns the step parameters with the input parameters
// merged over them. Nested maps merge key by key; every other input value,
// lists included, replaces the step value. Neither argument is modified.
func mergeParameters(step, input registry.Parameters) (registry.Parameters, error) {
	merged := step.Clone()
	if len(input) == 0 {
		return merged, nil
	}
	if err := mergo.Merge(&merged, input.Clone(), mergo.WithOverride); err != nil {
		return nil, err
	}
	return merged, nil
}
