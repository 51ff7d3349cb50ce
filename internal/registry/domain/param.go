package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ParamType defines the value type of an operation parameter.
type ParamType string

const (
	ParamString ParamType = "string"
	ParamNumber ParamType = "number"
	ParamBool   ParamType = "bool"
	ParamList   ParamType = "list"
	ParamMap    ParamType = "map"
)

// IsValid returns true if the parameter type is a known type.
func (t ParamType) IsValid() bool {
	switch t {
	case ParamString, ParamNumber, ParamBool, ParamList, ParamMap:
		return true
	default:
		return false
	}
}

// Accepts reports whether v is a value of this type. Numbers accept every
// Go numeric kind since YAML decodes integers as int and JSON as float64.
func (t ParamType) Accepts(v any) bool {
	switch t {
	case ParamString:
		_, ok := v.(string)
		return ok
	case ParamNumber:
		switch v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
			return true
		}
		return false
	case ParamBool:
		_, ok := v.(bool)
		return ok
	case ParamList:
		_, ok := v.([]any)
		return ok
	case ParamMap:
		_, ok := v.(map[string]any)
		return ok
	default:
		return false
	}
}

// Parameter errors
var (
	ErrUnknownOperation    = errors.New("unknown operation")
	ErrUnknownParameter    = errors.New("unrecognized parameter")
	ErrParameterType       = errors.New("parameter has wrong type")
	ErrMissingParameter    = errors.New("required parameter missing")
	ErrDuplicateOperation  = errors.New("duplicate operation kind")
	ErrInvalidParamSpec    = errors.New("invalid parameter spec")
	ErrEmptyOperationRef   = errors.New("operation ref cannot be empty")
	ErrDuplicateParamSpecs = errors.New("duplicate parameter key")
)

// ParamSpec declares one recognized parameter of an operation kind.
type ParamSpec struct {
	Key         string
	Type        ParamType
	Required    bool
	Description string
}

// OperationKind declares the closed set of parameters an operation
// recognizes.
type OperationKind struct {
	Ref         string
	Description string
	Params      []ParamSpec
}

// Param returns the spec for key.
func (k OperationKind) Param(key string) (ParamSpec, bool) {
	for _, p := range k.Params {
		if p.Key == key {
			return p, true
		}
	}
	return ParamSpec{}, false
}

// Check validates params against the kind. Keys in provided are treated as
// satisfied even when absent from params; templates use this for required
// keys that each input supplies at run time.
func (k OperationKind) Check(params Parameters, provided []string) error {
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		spec, ok := k.Param(key)
		if !ok {
			return fmt.Errorf("%w: %s does not accept %q", ErrUnknownParameter, k.Ref, key)
		}
		if !spec.Type.Accepts(params[key]) {
			return fmt.Errorf("%w: %s.%s must be %s, got %T", ErrParameterType, k.Ref, key, spec.Type, params[key])
		}
	}

	for _, spec := range k.Params {
		if !spec.Required {
			continue
		}
		if _, ok := params[spec.Key]; ok {
			continue
		}
		if contains(provided, spec.Key) {
			continue
		}
		return fmt.Errorf("%w: %s requires %q", ErrMissingParameter, k.Ref, spec.Key)
	}
	return nil
}

// Catalog is an ordered set of operation kinds.
type Catalog struct {
	kinds []OperationKind
	byRef map[string]int
}

// NewCatalog creates a catalog, rejecting duplicate refs and malformed
// parameter specs.
func NewCatalog(kinds ...OperationKind) (*Catalog, error) {
	c := &Catalog{byRef: make(map[string]int, len(kinds))}
	for _, k := range kinds {
		if strings.TrimSpace(k.Ref) == "" {
			return nil, ErrEmptyOperationRef
		}
		if _, exists := c.byRef[k.Ref]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateOperation, k.Ref)
		}
		seen := make(map[string]bool, len(k.Params))
		for _, p := range k.Params {
			if p.Key == "" || !p.Type.IsValid() {
				return nil, fmt.Errorf("%w: %s.%q type %q", ErrInvalidParamSpec, k.Ref, p.Key, p.Type)
			}
			if seen[p.Key] {
				return nil, fmt.Errorf("%w: %s.%s", ErrDuplicateParamSpecs, k.Ref, p.Key)
			}
			seen[p.Key] = true
		}
		c.byRef[k.Ref] = len(c.kinds)
		c.kinds = append(c.kinds, k)
	}
	return c, nil
}

// MustCatalog is NewCatalog that panics on error, for static catalogs.
func MustCatalog(kinds ...OperationKind) *Catalog {
	c, err := NewCatalog(kinds...)
	if err != nil {
		panic(err)
	}
	return c
}

// Lookup returns the operation kind for ref.
func (c *Catalog) Lookup(ref string) (OperationKind, bool) {
	if c == nil {
		return OperationKind{}, false
	}
	i, ok := c.byRef[ref]
	if !ok {
		return OperationKind{}, false
	}
	return c.kinds[i], true
}

// Kinds returns the operation kinds in declaration order.
func (c *Catalog) Kinds() []OperationKind {
	if c == nil {
		return nil
	}
	out := make([]OperationKind, len(c.kinds))
	copy(out, c.kinds)
	return out
}

// CheckStep validates one step's operation and parameters. A nil catalog
// accepts anything.
func (c *Catalog) CheckStep(ref string, params Parameters, provided []string) error {
	if c == nil {
		return nil
	}
	kind, ok := c.Lookup(ref)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOperation, ref)
	}
	return kind.Check(params, provided)
}

// DefaultCatalog returns the operation kinds used by the built-in image
// templates.
func DefaultCatalog() *Catalog {
	return MustCatalog(
		OperationKind{
			Ref:         "image.generate",
			Description: "Generate an image from a text prompt",
			Params: []ParamSpec{
				{Key: "prompt", Type: ParamString, Required: true},
				{Key: "negative_prompt", Type: ParamString},
				{Key: "model", Type: ParamString},
				{Key: "width", Type: ParamNumber},
				{Key: "height", Type: ParamNumber},
				{Key: "seed", Type: ParamNumber},
				{Key: "style", Type: ParamString},
			},
		},
		OperationKind{
			Ref:         "image.upscale",
			Description: "Upscale an image by a fixed factor",
			Params: []ParamSpec{
				{Key: "scale", Type: ParamNumber, Required: true},
				{Key: "model", Type: ParamString},
				{Key: "face_enhance", Type: ParamBool},
			},
		},
		OperationKind{
			Ref:         "image.enhance",
			Description: "Adjust sharpness, color and noise",
			Params: []ParamSpec{
				{Key: "strength", Type: ParamNumber},
				{Key: "denoise", Type: ParamBool},
				{Key: "filters", Type: ParamList},
			},
		},
		OperationKind{
			Ref:         "image.variations",
			Description: "Produce stylistic variations of an image",
			Params: []ParamSpec{
				{Key: "count", Type: ParamNumber},
				{Key: "style", Type: ParamString},
				{Key: "strength", Type: ParamNumber},
			},
		},
		OperationKind{
			Ref:         "scene.edit",
			Description: "Edit a scene with a natural-language instruction",
			Params: []ParamSpec{
				{Key: "instruction", Type: ParamString, Required: true},
				{Key: "mask", Type: ParamString},
				{Key: "guidance", Type: ParamNumber},
			},
		},
		OperationKind{
			Ref:         "video.synthesize",
			Description: "Animate a still image into a short clip",
			Params: []ParamSpec{
				{Key: "duration_seconds", Type: ParamNumber},
				{Key: "fps", Type: ParamNumber},
				{Key: "motion", Type: ParamString},
				{Key: "camera", Type: ParamMap},
			},
		},
		OperationKind{
			Ref:         "asset.store",
			Description: "Persist artifacts to the asset store",
			Params: []ParamSpec{
				{Key: "folder", Type: ParamString},
				{Key: "public", Type: ParamBool},
				{Key: "tags", Type: ParamList},
			},
		},
	)
}

// Parameters is the configuration bag of a step or input. Values are
// strings, numbers, bools, []any or map[string]any.
type Parameters map[string]any

// Clone returns a deep copy of p. Nested maps and lists are copied so the
// result never aliases p.
func (p Parameters) Clone() Parameters {
	out := make(Parameters, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

// Keys returns the parameter keys in sorted order.
func (p Parameters) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, inner := range val {
			m[k] = cloneValue(inner)
		}
		return m
	case []any:
		l := make([]any, len(val))
		for i, inner := range val {
			l[i] = cloneValue(inner)
		}
		return l
	default:
		return v
	}
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
