// Package collab exposes decision coordination as a registrable module.
package collab

import (
	"context"
	"errors"
	"fmt"

	"coordline/internal/domain"
	"coordline/internal/module"
)

const Name = "collab"

// Decider resolves a decision request.
type Decider interface {
	CoordinateDecision(ctx context.Context, req domain.DecisionRequest) (domain.DecisionResult, error)
}

// Module forwards decision requests to a Decider. When run as a plain stage
// it decides among Participants with Strategy.
type Module struct {
	Decider      Decider
	Participants []string
	Strategy     domain.Strategy
}

var _ module.Module = (*Module)(nil)

func New(d Decider, participants []string, strategy domain.Strategy) *Module {
	return &Module{Decider: d, Participants: participants, Strategy: strategy}
}

func (m *Module) Name() string { return Name }

func (m *Module) Initialize(context.Context) error {
	if m.Decider == nil {
		return errors.New("collab: no decider configured")
	}
	return nil
}

func (m *Module) Execute(ctx context.Context, input any) (any, error) {
	if m.Decider == nil {
		return nil, errors.New("collab: no decider configured")
	}
	switch in := input.(type) {
	case domain.DecisionRequest:
		return m.Decider.CoordinateDecision(ctx, in)
	case *domain.DecisionRequest:
		if in == nil {
			return nil, errors.New("collab: nil request")
		}
		return m.Decider.CoordinateDecision(ctx, *in)
	case module.StageInput:
		return m.Decider.CoordinateDecision(ctx, m.stageRequest(in.ContextID))
	default:
		return nil, fmt.Errorf("collab: unsupported input %T", input)
	}
}

func (m *Module) stageRequest(contextID string) domain.DecisionRequest {
	strategy := m.Strategy
	if strategy == "" {
		strategy = domain.SimpleVoting
	}
	return domain.DecisionRequest{
		ContextID:    contextID,
		Participants: append([]string(nil), m.Participants...),
		Strategy:     strategy,
	}
}

func (m *Module) ExecuteStage(ctx context.Context, sc module.StageContext) (any, error) {
	return module.StageFromExecute(ctx, m, sc)
}

func (m *Module) ExecuteBusinessCoordination(ctx context.Context, req module.CoordinationRequest) (module.CoordinationResponse, error) {
	return module.Envelope(ctx, m, req)
}

func (m *Module) ValidateInput(input any) module.ValidationResult {
	var req domain.DecisionRequest
	switch in := input.(type) {
	case domain.DecisionRequest:
		req = in
	case *domain.DecisionRequest:
		if in == nil {
			return module.Invalid("request is nil")
		}
		req = *in
	case module.StageInput:
		req = m.stageRequest(in.ContextID)
	default:
		return module.Invalid(fmt.Sprintf("unsupported input %T", input))
	}
	var errs []string
	if req.ContextID == "" {
		errs = append(errs, "context_id is required")
	}
	if len(req.Participants) < 2 {
		errs = append(errs, "at least 2 participants required")
	}
	if req.Strategy == "" {
		errs = append(errs, "strategy is required")
	}
	if len(errs) > 0 {
		return module.Invalid(errs...)
	}
	return module.Valid()
}

func (m *Module) HandleError(err error, _ module.ErrorContext) module.Recovery {
	return module.DefaultRecovery(err)
}

func (m *Module) Cleanup(context.Context) error { return nil }
