package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the engine.
var (
	ErrNotFound         = errors.New("not found")
	ErrSelfLoop         = errors.New("edge endpoints are identical")
	ErrDuplicateEdge    = errors.New("edge already exists")
	ErrAsymmetricEdge   = errors.New("edge pair is not mirrored")
	ErrUnknownRelType   = errors.New("unknown relationship type")
	ErrInvalidStrength  = errors.New("strength out of range")
	ErrUnknownJobType   = errors.New("unknown job type")
	ErrMissingName      = errors.New("name is required")
	ErrInvalidEmail     = errors.New("invalid email")
	ErrInvalidURL       = errors.New("invalid social profile url")
	ErrInvalidPath      = errors.New("invalid connection path")
	ErrCyclicPath       = errors.New("path revisits a person")
	ErrMissingEndpoints = errors.New("edge endpoints are required")
)

// ValidationError wraps a sentinel with the offending field.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}
