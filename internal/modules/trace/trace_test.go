package trace

import (
	"context"
	"testing"
	"time"

	"coordline/internal/db"
	"coordline/internal/domain"
	"coordline/internal/events"
	"coordline/internal/migrate"
	"coordline/internal/module"
	"coordline/internal/repo"
)

func newTestModule(t *testing.T) (*Module, *events.Bus) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	bus := events.NewBus(0)
	m := New(repo.Repo{DB: conn}, bus)
	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	m.Now = func() time.Time { return now }
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return m, bus
}

func TestStageInputIsTraced(t *testing.T) {
	m, bus := newTestModule(t)
	ctx := context.Background()
	out, err := m.Execute(ctx, module.StageInput{
		ContextID:       "ctx",
		ExecutionID:     "exec-1",
		Stage:           Name,
		PreviousResults: map[string]any{"plan": 1, "context": 2},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	tr := out.(domain.Trace)
	if tr.ID == "" || tr.Detail != "after context,plan" || tr.CreatedAt == "" {
		t.Fatalf("unexpected trace %+v", tr)
	}
	stored, err := m.Repo.ListTraces(ctx, "ctx")
	if err != nil || len(stored) != 1 || stored[0].ExecutionID != "exec-1" {
		t.Fatalf("stored traces %v %+v", err, stored)
	}
	h := bus.History()
	if len(h) != 1 || h[0].Type != EventRecorded || h[0].ContextID != "ctx" || h[0].Stage != Name {
		t.Fatalf("unexpected events %+v", h)
	}
}

func TestSyncRoleRecordsTrace(t *testing.T) {
	m, _ := newTestModule(t)
	ctx := context.Background()
	err := m.SyncRole(ctx, domain.LifecycleResult{RoleID: "role-9", ContextID: "ctx", Capabilities: []string{"review", "basic_operations"}})
	if err != nil {
		t.Fatalf("sync role: %v", err)
	}
	stored, _ := m.Repo.ListTraces(ctx, "ctx")
	if len(stored) != 1 || stored[0].Stage != "role" || stored[0].ExecutionID != "role-9" {
		t.Fatalf("unexpected traces %+v", stored)
	}
	if stored[0].Detail != "role role-9 created with review,basic_operations" {
		t.Fatalf("detail %q", stored[0].Detail)
	}
}

func TestExplicitTraceDefaults(t *testing.T) {
	m, _ := newTestModule(t)
	out, err := m.Execute(context.Background(), domain.Trace{ContextID: "ctx", Detail: "manual"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	tr := out.(domain.Trace)
	if tr.Stage != Name || tr.CreatedAt != "2026-02-01T09:00:00Z" {
		t.Fatalf("defaults not applied: %+v", tr)
	}
	if _, err := m.Execute(context.Background(), domain.Trace{}); err == nil {
		t.Fatalf("expected error without context")
	}
	if _, err := m.Execute(context.Background(), 7); err == nil {
		t.Fatalf("expected error for unsupported input")
	}
}

func TestValidateInput(t *testing.T) {
	m := &Module{}
	if !m.ValidateInput(module.StageInput{ContextID: "c"}).IsValid {
		t.Fatalf("stage input with context should be valid")
	}
	if m.ValidateInput(domain.Trace{}).IsValid || m.ValidateInput(nil).IsValid {
		t.Fatalf("invalid inputs accepted")
	}
}
