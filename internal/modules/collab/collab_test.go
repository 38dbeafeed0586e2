package collab

import (
	"context"
	"errors"
	"testing"

	"coordline/internal/domain"
	"coordline/internal/module"
)

type recordingDecider struct {
	got []domain.DecisionRequest
}

func (d *recordingDecider) CoordinateDecision(_ context.Context, req domain.DecisionRequest) (domain.DecisionResult, error) {
	d.got = append(d.got, req)
	return domain.DecisionResult{ContextID: req.ContextID, Strategy: req.Strategy, Result: domain.Approved}, nil
}

func TestExecuteForwardsRequests(t *testing.T) {
	d := &recordingDecider{}
	m := New(d, []string{"lead", "dev"}, "")
	ctx := context.Background()
	if err := m.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	req := domain.DecisionRequest{ContextID: "c1", Participants: []string{"a", "b"}, Strategy: domain.Consensus}
	if _, err := m.Execute(ctx, req); err != nil {
		t.Fatalf("execute value: %v", err)
	}
	if _, err := m.Execute(ctx, &req); err != nil {
		t.Fatalf("execute pointer: %v", err)
	}
	out, err := m.Execute(ctx, module.StageInput{ContextID: "c2", Stage: Name})
	if err != nil {
		t.Fatalf("execute stage: %v", err)
	}
	if res := out.(domain.DecisionResult); res.ContextID != "c2" || res.Strategy != domain.SimpleVoting {
		t.Fatalf("stage decision %+v", res)
	}
	if len(d.got) != 3 || len(d.got[2].Participants) != 2 {
		t.Fatalf("decider saw %+v", d.got)
	}
}

func TestExecuteWithoutDecider(t *testing.T) {
	m := New(nil, nil, "")
	if err := m.Initialize(context.Background()); err == nil {
		t.Fatalf("expected init error without decider")
	}
	if _, err := m.Execute(context.Background(), domain.DecisionRequest{}); err == nil {
		t.Fatalf("expected execute error without decider")
	}
	if _, err := New(&recordingDecider{}, nil, "").Execute(context.Background(), 3); err == nil {
		t.Fatalf("expected error for unsupported input")
	}
}

func TestValidateInput(t *testing.T) {
	m := New(&recordingDecider{}, []string{"solo"}, domain.Delegation)
	if vr := m.ValidateInput(module.StageInput{ContextID: "c"}); vr.IsValid {
		t.Fatalf("one configured participant is not enough: %+v", vr)
	}
	vr := m.ValidateInput(domain.DecisionRequest{})
	if vr.IsValid || len(vr.Errors) != 3 {
		t.Fatalf("expected 3 errors, got %+v", vr)
	}
	ok := domain.DecisionRequest{ContextID: "c", Participants: []string{"a", "b"}, Strategy: domain.SimpleVoting}
	if !m.ValidateInput(&ok).IsValid {
		t.Fatalf("valid request rejected")
	}
}

func TestHandleError(t *testing.T) {
	m := New(&recordingDecider{}, nil, "")
	if m.HandleError(errors.New("x"), module.ErrorContext{}).Action != module.ActionAbort {
		t.Fatalf("plain errors abort")
	}
	if m.HandleError(module.Transient(errors.New("x")), module.ErrorContext{}).Action != module.ActionRetry {
		t.Fatalf("transient errors retry")
	}
}
