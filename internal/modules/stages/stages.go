// Package stages provides the lightweight context, plan and confirm stage
// modules.
package stages

import (
	"context"
	"fmt"
	"sort"
	"time"

	"coordline/internal/module"
)

// Names lists the modules built by Defaults.
var Names = []string{"context", "plan", "confirm"}

// Report is what a stage module returns.
type Report struct {
	Stage       string    `json:"stage"`
	ContextID   string    `json:"context_id"`
	ExecutionID string    `json:"execution_id,omitempty"`
	Attempt     int       `json:"attempt"`
	After       []string  `json:"after,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// New returns a module that acknowledges its stage with a Report.
func New(name string, now func() time.Time) *module.Func {
	if now == nil {
		now = time.Now
	}
	return &module.Func{
		ID: name,
		Exec: func(ctx context.Context, input any) (any, error) {
			in, ok := input.(module.StageInput)
			if !ok {
				return nil, fmt.Errorf("%s: unsupported input %T", name, input)
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			after := make([]string, 0, len(in.PreviousResults))
			for s := range in.PreviousResults {
				after = append(after, s)
			}
			sort.Strings(after)
			return Report{
				Stage:       name,
				ContextID:   in.ContextID,
				ExecutionID: in.ExecutionID,
				Attempt:     in.Attempt,
				After:       after,
				CompletedAt: now().UTC(),
			}, nil
		},
		Validate: func(input any) module.ValidationResult {
			in, ok := input.(module.StageInput)
			if !ok {
				return module.Invalid(fmt.Sprintf("unsupported input %T", input))
			}
			if in.ContextID == "" {
				return module.Invalid("context_id is required")
			}
			return module.Valid()
		},
	}
}

// Defaults builds one module per entry of Names.
func Defaults(now func() time.Time) []module.Module {
	out := make([]module.Module, 0, len(Names))
	for _, n := range Names {
		out = append(out, New(n, now))
	}
	return out
}
