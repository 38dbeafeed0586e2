package module

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// StageInput is what StageFromExecute hands to Execute.
type StageInput struct {
	ContextID       string         `json:"context_id"`
	ExecutionID     string         `json:"execution_id"`
	Stage           string         `json:"stage"`
	Attempt         int            `json:"attempt"`
	PreviousResults map[string]any `json:"previous_results,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// StageFromExecute is the stock ExecuteStage: it forwards the stage context to
// m.Execute as a StageInput.
func StageFromExecute(ctx context.Context, m Module, sc StageContext) (any, error) {
	return m.Execute(ctx, StageInput{
		ContextID:       sc.ContextID,
		ExecutionID:     sc.ExecutionID,
		Stage:           sc.Stage,
		Attempt:         sc.Attempt,
		PreviousResults: sc.PreviousResults,
		Metadata:        sc.Metadata,
	})
}

// Envelope is the stock ExecuteBusinessCoordination: it runs m.Execute on the
// request payload and reports coordination id plus wall-clock timing.
func Envelope(ctx context.Context, m Module, req CoordinationRequest) (CoordinationResponse, error) {
	if req.CoordinationID == "" {
		req.CoordinationID = uuid.NewString()
	}
	started := time.Now()
	out, err := m.Execute(ctx, req.Payload)
	completed := time.Now()
	resp := CoordinationResponse{
		CoordinationID: req.CoordinationID,
		Module:         m.Name(),
		Status:         "completed",
		Output:         out,
		StartedAt:      started.UTC(),
		CompletedAt:    completed.UTC(),
		DurationMS:     completed.Sub(started).Milliseconds(),
	}
	if err != nil {
		resp.Status = "failed"
		return resp, err
	}
	return resp, nil
}
