package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"coordline/internal/config"
	"coordline/internal/domain"
	"coordline/internal/events"
	"coordline/internal/module"
)

// Engine ties the registry, event bus and coordinators of one process
// together. Everything it owns is explicit; there is no package-level state.
type Engine struct {
	Registry *module.Registry
	Bus      *events.Bus
	Config   *config.Config
	Log      *slog.Logger
	Now      func() time.Time
	NewID    func() string

	Decisions *DecisionCoordinator
	Lifecycle *LifecycleCoordinator
	Workflows *WorkflowExecutor
}

type Options struct {
	Config *config.Config
	Log    *slog.Logger
	Voter  Voter
	Hooks  Hooks
	Now    func() time.Time
	NewID  func() string
}

// New wires an engine from opts. A nil config means config.Default().
func New(opts Options) *Engine {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	reg := module.NewRegistry()
	reg.Now = now
	bus := events.NewBus(cfg.Engine.EventHistory)
	bus.Now = now
	if cfg.Engine.EnableEventLogging {
		bus.Log = log.With("component", "events")
	}

	e := &Engine{
		Registry: reg,
		Bus:      bus,
		Config:   cfg,
		Log:      log,
		Now:      now,
		NewID:    newID,
	}
	e.Decisions = &DecisionCoordinator{
		Bus:              bus,
		Voter:            opts.Voter,
		DefaultThreshold: cfg.Decision.DefaultThreshold,
		Log:              log.With("component", "decision"),
		Now:              now,
		NewID:            newID,
	}
	e.Lifecycle = &LifecycleCoordinator{
		Registry:    reg,
		Bus:         bus,
		RoleModule:  cfg.Lifecycle.RoleModule,
		ElevatedTTL: cfg.Lifecycle.ElevatedTTL,
		Timeout:     cfg.ModuleTimeout(),
		Log:         log.With("component", "lifecycle"),
		Now:         now,
		NewID:       newID,
	}
	e.Workflows = &WorkflowExecutor{
		Registry:       reg,
		Bus:            bus,
		Decisions:      e.Decisions,
		Lifecycle:      e.Lifecycle,
		Defaults:       cfg.Workflow,
		MaxConcurrency: cfg.Engine.MaxConcurrency,
		Hooks:          opts.Hooks,
		Log:            log.With("component", "workflow"),
		Now:            now,
		NewID:          newID,
	}
	return e
}

// Register installs m in the registry.
func (e *Engine) Register(m module.Module) error {
	if _, err := e.Registry.Register(m); err != nil {
		return err
	}
	e.Log.Debug("module registered", "module", m.Name())
	return nil
}

// Initialize initializes every registered module in name order. Missing
// required modules are logged, not fatal. The first initialization failure is
// returned after the remaining modules have been tried.
func (e *Engine) Initialize(ctx context.Context) error {
	if missing := e.Registry.ValidateRegistration(e.Config.Engine.RequiredModules); len(missing) > 0 {
		e.Log.Warn("required modules not registered", "missing", missing)
	}
	var first error
	for _, h := range e.Registry.Handles() {
		if err := h.Initialize(ctx); err != nil {
			e.Log.Error("module initialization failed", "module", h.Name(), "err", err)
			e.Bus.Publish(domain.Event{
				Type:    domain.EventModuleFailed,
				Stage:   h.Name(),
				Payload: events.EventPayload{"module": h.Name(), "error": err.Error()},
			})
			if first == nil {
				first = fmt.Errorf("initialize %s: %w", h.Name(), err)
			}
			continue
		}
		e.Bus.Publish(domain.Event{
			Type:    domain.EventModuleInitialized,
			Stage:   h.Name(),
			Payload: events.EventPayload{"module": h.Name()},
		})
	}
	return first
}

// Shutdown cleans up every module and joins the failures.
func (e *Engine) Shutdown(ctx context.Context) error {
	var errs []error
	for _, h := range e.Registry.Handles() {
		if err := h.Cleanup(ctx); err != nil {
			e.Log.Warn("module cleanup failed", "module", h.Name(), "err", err)
			errs = append(errs, fmt.Errorf("cleanup %s: %w", h.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// ValidateRegistration reports which of the configured required modules are
// missing.
func (e *Engine) ValidateRegistration() []string {
	return e.Registry.ValidateRegistration(e.Config.Engine.RequiredModules)
}

func (e *Engine) StatusReport() map[string]domain.ModuleDescriptor {
	return e.Registry.StatusReport()
}

func (e *Engine) CoordinateDecision(ctx context.Context, req domain.DecisionRequest) (domain.DecisionResult, error) {
	return e.Decisions.CoordinateDecision(ctx, req)
}

func (e *Engine) CoordinateLifecycle(ctx context.Context, req domain.LifecycleRequest) (domain.LifecycleResult, error) {
	return e.Lifecycle.CoordinateLifecycle(ctx, req)
}

func (e *Engine) ExecuteWorkflow(ctx context.Context, contextID string, cfg domain.WorkflowConfig) (domain.WorkflowResult, error) {
	return e.Workflows.ExecuteWorkflow(ctx, contextID, cfg)
}

func (e *Engine) ExecuteExtendedWorkflow(ctx context.Context, contextID string, cfg domain.ExtendedWorkflowConfig) (domain.WorkflowResult, error) {
	return e.Workflows.ExecuteExtendedWorkflow(ctx, contextID, cfg)
}

// RunNamedWorkflow executes a workflow defined under workflows in the config.
func (e *Engine) RunNamedWorkflow(ctx context.Context, name, contextID string) (domain.WorkflowResult, error) {
	wf, ok := e.Config.Workflows[name]
	if !ok {
		return domain.WorkflowResult{}, invalid("workflow", "unknown workflow %q", name)
	}
	return e.Workflows.ExecuteExtendedWorkflow(ctx, contextID, wf)
}

// Subscribe registers l for every event on the engine bus.
func (e *Engine) Subscribe(l events.Listener) func() { return e.Bus.Subscribe(l) }

// SubscribeType registers l for the named event types.
func (e *Engine) SubscribeType(l events.Listener, types ...string) func() {
	return e.Bus.SubscribeType(l, types...)
}

// SubscribeStage registers l for events raised by one stage or module.
func (e *Engine) SubscribeStage(stage string, l events.Listener) func() {
	return e.Bus.SubscribeStage(stage, l)
}
