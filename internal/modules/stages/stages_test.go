package stages

import (
	"context"
	"slices"
	"testing"
	"time"

	"coordline/internal/module"
)

func TestStageReport(t *testing.T) {
	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	m := New("plan", func() time.Time { return now })
	out, err := m.ExecuteStage(context.Background(), module.StageContext{
		ExecutionID:     "exec",
		ContextID:       "ctx",
		Stage:           "plan",
		Attempt:         2,
		PreviousResults: map[string]any{"trace": 1, "context": 1},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	r := out.(Report)
	if r.Stage != "plan" || r.ContextID != "ctx" || r.Attempt != 2 || !r.CompletedAt.Equal(now) {
		t.Fatalf("unexpected report %+v", r)
	}
	if !slices.Equal(r.After, []string{"context", "trace"}) {
		t.Fatalf("after %v", r.After)
	}
}

func TestStageRejectsOtherInput(t *testing.T) {
	m := New("confirm", nil)
	if _, err := m.Execute(context.Background(), "hello"); err == nil {
		t.Fatalf("expected error for unsupported input")
	}
	if m.ValidateInput(module.StageInput{}).IsValid {
		t.Fatalf("missing context should be invalid")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Execute(ctx, module.StageInput{ContextID: "c"}); err == nil {
		t.Fatalf("expected error for a cancelled context")
	}
}

func TestDefaults(t *testing.T) {
	mods := Defaults(nil)
	var names []string
	for _, m := range mods {
		names = append(names, m.Name())
	}
	if !slices.Equal(names, Names) {
		t.Fatalf("defaults %v, want %v", names, Names)
	}
}
