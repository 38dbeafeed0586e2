package engine

import (
	"errors"
	"fmt"
)

// ErrValidation matches every *ValidationError. Validation failures are
// raised before any event is published or module is called, and are never
// retried.
var ErrValidation = errors.New("validation failed")

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
