package registry

import (
	"errors"
	"fmt"
)

// Definition-time errors.
var (
	ErrInvalidTemplate     = errors.New("invalid template")
	ErrCyclicWorkflow      = fmt.Errorf("%w: cyclic workflow", ErrInvalidTemplate)
	ErrDuplicateTemplateID = errors.New("duplicate template id")
	ErrTemplateNotFound    = errors.New("template not found")
	ErrNilTemplate         = errors.New("template cannot be nil")
	ErrBuiltinImmutable    = errors.New("built-in templates cannot be changed or removed")
)

// ErrInputRequirements is returned by InputRequirements.Check when an input
// cannot be run against a template.
var ErrInputRequirements = errors.New("input does not satisfy template requirements")

// invalid wraps ErrInvalidTemplate with a formatted reason.
func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTemplate, fmt.Sprintf(format, args...))
}
