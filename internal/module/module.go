package module

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotRegistered is returned when a stage or coordinator names a module
	// that is not in the registry.
	ErrNotRegistered = errors.New("module not registered")
	// ErrTimeout matches every *TimeoutError.
	ErrTimeout = errors.New("module invocation timed out")
	// ErrTransient marks failures a module considers worth retrying.
	ErrTransient = errors.New("transient module error")
)

// TimeoutError reports an invocation that exceeded its ceiling.
type TimeoutError struct {
	Module string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("module %s: timed out after %s", e.Module, e.After)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// Transient wraps err so that errors.Is(err, ErrTransient) holds.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Module is the contract every pluggable unit satisfies. The descriptor that
// tracks a module's status is owned by the registry Handle, never the module.
type Module interface {
	Name() string
	// Initialize performs idempotent setup.
	Initialize(ctx context.Context) error
	// Execute runs the module's primary business action.
	Execute(ctx context.Context, input any) (any, error)
	// ExecuteStage adapts a workflow stage invocation into Execute.
	ExecuteStage(ctx context.Context, sc StageContext) (any, error)
	// ExecuteBusinessCoordination wraps Execute in a coordination envelope.
	ExecuteBusinessCoordination(ctx context.Context, req CoordinationRequest) (CoordinationResponse, error)
	// ValidateInput never fails; problems are reported in the result.
	ValidateInput(input any) ValidationResult
	// HandleError never fails; it returns a recovery directive.
	HandleError(err error, ec ErrorContext) Recovery
	// Cleanup releases resources and is idempotent.
	Cleanup(ctx context.Context) error
}

type StageContext struct {
	ExecutionID     string
	ContextID       string
	Stage           string
	Attempt         int
	PreviousResults map[string]any
	Metadata        map[string]any
}

type CoordinationRequest struct {
	CoordinationID string
	ContextID      string
	Module         string
	Type           string
	Payload        any
	Timeout        time.Duration
}

type CoordinationResponse struct {
	CoordinationID string    `json:"coordination_id"`
	Module         string    `json:"module"`
	Status         string    `json:"status"`
	Output         any       `json:"output,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	CompletedAt    time.Time `json:"completed_at"`
	DurationMS     int64     `json:"duration_ms"`
}

type ValidationResult struct {
	IsValid  bool     `json:"is_valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Valid is the zero-problem validation result.
func Valid() ValidationResult { return ValidationResult{IsValid: true} }

// Invalid builds a failing validation result.
func Invalid(errs ...string) ValidationResult {
	return ValidationResult{IsValid: false, Errors: errs}
}

type ErrorContext struct {
	ContextID string
	Stage     string
	Attempt   int
}

// Action is a recovery directive returned by HandleError.
type Action string

const (
	ActionRetry Action = "retry"
	ActionSkip  Action = "skip"
	ActionAbort Action = "abort"
)

type Recovery struct {
	Action Action `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// DefaultRecovery asks for a retry on ErrTransient and aborts otherwise.
func DefaultRecovery(err error) Recovery {
	switch {
	case errors.Is(err, ErrTimeout):
		return Recovery{Action: ActionAbort, Reason: "timeout"}
	case errors.Is(err, ErrTransient):
		return Recovery{Action: ActionRetry, Reason: err.Error()}
	case err == nil:
		return Recovery{Action: ActionSkip}
	default:
		return Recovery{Action: ActionAbort, Reason: err.Error()}
	}
}
