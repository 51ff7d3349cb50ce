package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParamType_Accepts(t *testing.T) {
	require.True(t, ParamString.Accepts("x"))
	require.False(t, ParamString.Accepts(1))
	require.True(t, ParamNumber.Accepts(4))
	require.True(t, ParamNumber.Accepts(4.5))
	require.True(t, ParamNumber.Accepts(int64(4)))
	require.False(t, ParamNumber.Accepts("4"))
	require.True(t, ParamBool.Accepts(true))
	require.True(t, ParamList.Accepts([]any{"a"}))
	require.False(t, ParamList.Accepts([]string{"a"}))
	require.True(t, ParamMap.Accepts(map[string]any{}))
	require.False(t, ParamType("blob").Accepts("x"))
}

func TestNewCatalog_Rejects(t *testing.T) {
	_, err := NewCatalog(OperationKind{Ref: ""})
	require.ErrorIs(t, err, ErrEmptyOperationRef)

	_, err = NewCatalog(OperationKind{Ref: "a"}, OperationKind{Ref: "a"})
	require.ErrorIs(t, err, ErrDuplicateOperation)

	_, err = NewCatalog(OperationKind{Ref: "a", Params: []ParamSpec{{Key: "k", Type: "blob"}}})
	require.ErrorIs(t, err, ErrInvalidParamSpec)

	_, err = NewCatalog(OperationKind{Ref: "a", Params: []ParamSpec{
		{Key: "k", Type: ParamString},
		{Key: "k", Type: ParamNumber},
	}})
	require.ErrorIs(t, err, ErrDuplicateParamSpecs)
}

func TestCatalog_CheckStep(t *testing.T) {
	c := DefaultCatalog()

	require.NoError(t, c.CheckStep("image.upscale", Parameters{"scale": 4, "face_enhance": true}, nil))
	require.ErrorIs(t, c.CheckStep("image.upscale", Parameters{"scale": "4"}, nil), ErrParameterType)
	require.ErrorIs(t, c.CheckStep("image.upscale", Parameters{}, nil), ErrMissingParameter)
	require.NoError(t, c.CheckStep("image.upscale", Parameters{}, []string{"scale"}))
	require.ErrorIs(t, c.CheckStep("nope", nil, nil), ErrUnknownOperation)

	var none *Catalog
	require.NoError(t, none.CheckStep("anything", Parameters{"x": time.Second}, nil))
	require.Nil(t, none.Kinds())
}

func TestCatalog_KindsOrder(t *testing.T) {
	kinds := DefaultCatalog().Kinds()
	require.Equal(t, "image.generate", kinds[0].Ref)
	require.Equal(t, "asset.store", kinds[len(kinds)-1].Ref)
}

func TestParameters_CloneIsDeep(t *testing.T) {
	p := Parameters{
		"list": []any{"a", map[string]any{"k": "v"}},
		"map":  map[string]any{"inner": []any{1}},
	}
	c := p.Clone()
	c["list"].([]any)[1].(map[string]any)["k"] = "changed"
	c["map"].(map[string]any)["inner"].([]any)[0] = 2

	require.Equal(t, "v", p["list"].([]any)[1].(map[string]any)["k"])
	require.Equal(t, 1, p["map"].(map[string]any)["inner"].([]any)[0])
	require.Equal(t, []string{"list", "map"}, p.Keys())
}

func TestAppendArtifacts(t *testing.T) {
	set := AppendArtifacts(nil, "a", "b", "a")
	set = AppendArtifacts(set, "c", "b")
	require.Equal(t, []Artifact{"a", "b", "c"}, set)

	clone := CloneArtifacts(set)
	clone[0] = "z"
	require.Equal(t, Artifact("a"), set[0])
	require.NotNil(t, CloneArtifacts(nil))
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond, BackoffMultiplier: 2}
	require.Equal(t, 100*time.Millisecond, p.Delay(1))
	require.Equal(t, 200*time.Millisecond, p.Delay(2))
	require.Equal(t, 400*time.Millisecond, p.Delay(3))
	require.Zero(t, p.Delay(0))

	flat := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}
	require.Equal(t, time.Second, flat.Delay(3))
	require.Equal(t, 1.0, flat.Multiplier())

	require.Equal(t, 1, RetryPolicy{}.Attempts())
	require.Equal(t, 4, p.Attempts())
}
