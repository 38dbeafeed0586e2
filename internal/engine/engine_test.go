package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"coordline/internal/config"
	"coordline/internal/db"
	"coordline/internal/domain"
	"coordline/internal/engine"
	"coordline/internal/logx"
	"coordline/internal/migrate"
	"coordline/internal/module"
	"coordline/internal/modules/collab"
	"coordline/internal/modules/role"
	"coordline/internal/modules/stages"
	"coordline/internal/modules/trace"
	"coordline/internal/repo"
)

type testEnv struct {
	Engine *engine.Engine
	Repo   repo.Repo
	Now    time.Time
}

// newTestEnv wires an engine over a temporary workspace database with every
// built-in module registered and initialized.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := engine.New(engine.Options{
		Config: config.Default(),
		Log:    logx.Discard(),
		Voter:  engine.Unanimous(domain.VoteApprove),
		Now:    func() time.Time { return now },
	})
	r := repo.Repo{DB: conn}
	roles := role.New(r, logx.Discard())
	roles.Now = e.Now
	traces := trace.New(r, e.Bus)
	traces.Now = e.Now
	mods := stages.Defaults(e.Now)
	mods = append(mods, roles, traces, collab.New(e.Decisions, []string{"lead", "reviewer"}, domain.SimpleVoting))
	for _, m := range mods {
		if err := e.Register(m); err != nil {
			t.Fatalf("register %s: %v", m.Name(), err)
		}
	}
	if err := e.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return &testEnv{Engine: e, Repo: r, Now: now}
}

// newBareEngine wires an engine with only the given modules registered.
func newBareEngine(t *testing.T, mods ...module.Module) *engine.Engine {
	t.Helper()
	e := engine.New(engine.Options{Config: config.Default(), Log: logx.Discard()})
	for _, m := range mods {
		if err := e.Register(m); err != nil {
			t.Fatalf("register %s: %v", m.Name(), err)
		}
	}
	return e
}

func eventTypes(evts []domain.Event, contextID string) []string {
	var out []string
	for _, evt := range evts {
		if contextID == "" || evt.ContextID == contextID {
			out = append(out, evt.Type)
		}
	}
	return out
}

func TestInitializeReportsEveryModule(t *testing.T) {
	env := newTestEnv(t)
	report := env.Engine.StatusReport()
	if len(report) != 6 {
		t.Fatalf("expected 6 modules, got %d", len(report))
	}
	for name, d := range report {
		if d.Status != domain.StateInitialized {
			t.Fatalf("module %s status %s", name, d.Status)
		}
	}
	if missing := env.Engine.ValidateRegistration(); len(missing) != 0 {
		t.Fatalf("unexpected missing modules %v", missing)
	}
	if n := env.Engine.Bus.Count(domain.EventModuleInitialized); n != 6 {
		t.Fatalf("expected 6 module_initialized events, got %d", n)
	}
}

func TestInitializeContinuesPastFailures(t *testing.T) {
	bad := &module.Func{ID: "bad", Init: func(context.Context) error { return errors.New("no backing store") }}
	good := &module.Func{ID: "good"}
	e := newBareEngine(t, bad, good)

	err := e.Initialize(context.Background())
	if err == nil || !strings.Contains(err.Error(), "initialize bad") {
		t.Fatalf("expected initialize bad error, got %v", err)
	}
	report := e.StatusReport()
	if report["bad"].Status != domain.StateError || report["bad"].ErrorCount != 1 {
		t.Fatalf("bad module descriptor %+v", report["bad"])
	}
	if report["good"].Status != domain.StateInitialized {
		t.Fatalf("good module descriptor %+v", report["good"])
	}
	if e.Bus.Count(domain.EventModuleFailed) != 1 || e.Bus.Count(domain.EventModuleInitialized) != 1 {
		t.Fatalf("unexpected event counts %v", e.Bus.Counts())
	}
	if missing := e.ValidateRegistration(); len(missing) != 6 {
		t.Fatalf("expected every required module missing, got %v", missing)
	}
}

func TestShutdownJoinsCleanupErrors(t *testing.T) {
	closed := 0
	a := &module.Func{ID: "a", Close: func(context.Context) error { closed++; return errors.New("a stuck") }}
	b := &module.Func{ID: "b", Close: func(context.Context) error { closed++; return nil }}
	c := &module.Func{ID: "c", Close: func(context.Context) error { closed++; return errors.New("c stuck") }}
	e := newBareEngine(t, a, b, c)
	if err := e.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	err := e.Shutdown(context.Background())
	if err == nil || !strings.Contains(err.Error(), "a stuck") || !strings.Contains(err.Error(), "c stuck") {
		t.Fatalf("expected joined cleanup errors, got %v", err)
	}
	if closed != 3 {
		t.Fatalf("expected every module cleaned up, got %d", closed)
	}
	if e.StatusReport()["b"].Status != domain.StateIdle {
		t.Fatalf("b should be idle after cleanup")
	}
}

func TestRunNamedWorkflowOnboarding(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.Engine.RunNamedWorkflow(ctx, "onboarding", "ctx-on")
	if err != nil {
		t.Fatalf("run onboarding: %v", err)
	}
	if res.Status != domain.WorkflowCompleted {
		t.Fatalf("expected completed, got %s: %s", res.Status, res.Error)
	}
	if len(res.Stages) != 4 {
		t.Fatalf("expected 4 stages, got %d", len(res.Stages))
	}
	lifecycle, ok := res.Stages[1].Result.(domain.LifecycleResult)
	if !ok || lifecycle.RoleID == "" {
		t.Fatalf("role stage result %T %+v", res.Stages[1].Result, res.Stages[1].Result)
	}
	decision, ok := res.Stages[2].Result.(domain.DecisionResult)
	if !ok || decision.Result != domain.Approved || len(decision.ParticipantsVotes) != 3 {
		t.Fatalf("collab stage result %T %+v", res.Stages[2].Result, res.Stages[2].Result)
	}

	stored, err := env.Repo.GetRole(ctx, lifecycle.RoleID)
	if err != nil {
		t.Fatalf("get role: %v", err)
	}
	if stored.ContextID != "ctx-on" || stored.Classification != "functional" {
		t.Fatalf("unexpected stored role %+v", stored)
	}
	traces, err := env.Repo.ListTraces(ctx, "ctx-on")
	if err != nil {
		t.Fatalf("list traces: %v", err)
	}
	if len(traces) != 2 || traces[0].Stage != "role" || traces[1].Stage != "trace" {
		t.Fatalf("expected role sync and trace stage traces, got %+v", traces)
	}

	got := eventTypes(env.Engine.Bus.History(), "ctx-on")
	want := []string{
		domain.EventWorkflowStarted,
		domain.EventStageStarted, domain.EventStageCompleted,
		domain.EventStageStarted, domain.EventRoleCreated, trace.EventRecorded, domain.EventRoleActivated, domain.EventStageCompleted,
		domain.EventStageStarted, domain.EventDecisionStarted, domain.EventDecisionCompleted, domain.EventStageCompleted,
		domain.EventStageStarted, trace.EventRecorded, domain.EventStageCompleted,
		domain.EventWorkflowCompleted,
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("event order\n got %v\nwant %v", got, want)
	}
}

func TestRunNamedWorkflowUnknown(t *testing.T) {
	env := newTestEnv(t)
	before := len(env.Engine.Bus.History())
	if _, err := env.Engine.RunNamedWorkflow(context.Background(), "missing", "ctx"); !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if after := len(env.Engine.Bus.History()); after != before {
		t.Fatalf("rejected workflow published %d events", after-before)
	}
}

func TestExtendedWorkflowDefaultStages(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.ExecuteExtendedWorkflow(context.Background(), "ctx-ext", domain.ExtendedWorkflowConfig{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != domain.WorkflowCompleted || len(res.Stages) != len(engine.DefaultExtendedStages) {
		t.Fatalf("unexpected result %+v", res)
	}
	for i, st := range res.Stages {
		if st.Stage != engine.DefaultExtendedStages[i] {
			t.Fatalf("stage %d is %s", i, st.Stage)
		}
		resp, ok := st.Result.(module.CoordinationResponse)
		if !ok || resp.Status != "completed" || resp.Module != st.Stage {
			t.Fatalf("stage %s result %T %+v", st.Stage, st.Result, st.Result)
		}
	}
	report, ok := res.Stages[1].Result.(module.CoordinationResponse).Output.(stages.Report)
	if !ok || len(report.After) != 1 || report.After[0] != "context" {
		t.Fatalf("plan stage should see the context result, got %+v", res.Stages[1].Result)
	}
}

func TestSubscriptions(t *testing.T) {
	env := newTestEnv(t)
	var mu sync.Mutex
	var all, roleOnly, typed []string
	env.Engine.Subscribe(func(evt domain.Event) {
		mu.Lock()
		defer mu.Unlock()
		all = append(all, evt.Type)
	})
	unsubscribe := env.Engine.SubscribeStage(role.Name, func(evt domain.Event) {
		mu.Lock()
		defer mu.Unlock()
		roleOnly = append(roleOnly, evt.Type)
	})
	env.Engine.SubscribeType(func(evt domain.Event) {
		mu.Lock()
		defer mu.Unlock()
		typed = append(typed, evt.Type)
	}, domain.EventRoleActivated)

	req := domain.LifecycleRequest{ContextID: "ctx-sub", CreationStrategy: domain.StaticCreation}
	if _, err := env.Engine.CoordinateLifecycle(context.Background(), req); err != nil {
		t.Fatalf("coordinate: %v", err)
	}
	unsubscribe()
	if _, err := env.Engine.CoordinateLifecycle(context.Background(), req); err != nil {
		t.Fatalf("coordinate: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(roleOnly, ",") != "role_created,role_activated" {
		t.Fatalf("stage subscriber saw %v", roleOnly)
	}
	if len(typed) != 2 {
		t.Fatalf("type subscriber saw %v", typed)
	}
	if len(all) != 6 {
		t.Fatalf("expected 6 events (created, traced, activated twice), got %v", all)
	}
}
