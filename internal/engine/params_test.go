package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	registry "github.com/zjrosen/batchflow/internal/registry/domain"
)

func TestMergeParameters(t *testing.T) {
	tests := []struct {
		name  string
		step  registry.Parameters
		input registry.Parameters
		want  registry.Parameters
	}{
		{
			name: "no input keeps step values",
			step: registry.Parameters{"scale": 2},
			want: registry.Parameters{"scale": 2},
		},
		{
			name:  "input overrides scalars",
			step:  registry.Parameters{"scale": 2, "style": "noir"},
			input: registry.Parameters{"scale": 4},
			want:  registry.Parameters{"scale": 4, "style": "noir"},
		},
		{
			name:  "input adds keys",
			step:  registry.Parameters{},
			input: registry.Parameters{"seed": 7},
			want:  registry.Parameters{"seed": 7},
		},
		{
			name:  "nested maps merge",
			step:  registry.Parameters{"camera": map[string]any{"move": "pan", "speed": 1.0}},
			input: registry.Parameters{"camera": map[string]any{"speed": 0.5}},
			want:  registry.Parameters{"camera": map[string]any{"move": "pan", "speed": 0.5}},
		},
		{
			name:  "lists are replaced",
			step:  registry.Parameters{"tags": []any{"a", "b"}},
			input: registry.Parameters{"tags": []any{"c"}},
			want:  registry.Parameters{"tags": []any{"c"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := mergeParameters(tt.step, tt.input)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestMergeParameters_DoesNotMutateArguments(t *testing.T) {
	step := registry.Parameters{"camera": map[string]any{"move": "pan"}}
	input := registry.Parameters{"camera": map[string]any{"speed": 0.5}}

	_, err := mergeParameters(step, input)
	require.NoError(t, err)

	require.Equal(t, map[string]any{"move": "pan"}, step["camera"])
	require.Equal(t, map[string]any{"speed": 0.5}, input["camera"])
}
