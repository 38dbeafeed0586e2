package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"coordline/internal/domain"
	"coordline/internal/events"
	"coordline/internal/module"
)

// DefaultExtendedStages run when an extended workflow names no stages.
var DefaultExtendedStages = []string{"context", "plan", "confirm", "trace"}

// Hooks observe workflow progress. In parallel mode the stage hooks are
// called from several goroutines at once.
type Hooks struct {
	BeforeWorkflow func(ctx context.Context, exec domain.Execution)
	AfterWorkflow  func(ctx context.Context, res domain.WorkflowResult)
	BeforeStage    func(ctx context.Context, exec domain.Execution, stage string)
	AfterStage     func(ctx context.Context, exec domain.Execution, res domain.StageExecutionResult)
	OnError        func(ctx context.Context, exec domain.Execution, stage string, err error)
}

// WorkflowExecutor runs staged workflows against the registry.
type WorkflowExecutor struct {
	Registry  *module.Registry
	Bus       *events.Bus
	Decisions *DecisionCoordinator
	Lifecycle *LifecycleCoordinator
	// Defaults fill the zero fields of a submitted workflow config. Only a nil
	// RetryPolicy is replaced; an explicit policy is used as given.
	Defaults       domain.WorkflowConfig
	MaxConcurrency int
	Hooks          Hooks
	Log            *slog.Logger
	Now            func() time.Time
	NewID          func() string

	mu     sync.Mutex
	active map[string]*domain.Execution
}

type stageFunc func(ctx context.Context, run *workflowRun, h *module.Handle, stage string, attempt int, prev map[string]any) (any, error)

type workflowRun struct {
	exec    domain.Execution
	cfg     domain.WorkflowConfig
	ext     domain.ExtendedWorkflowConfig
	timeout time.Duration
	invoke  stageFunc
}

// ExecuteWorkflow runs cfg.Stages through each module's ExecuteStage. The
// returned error is non-nil only when the request is rejected; stage
// failures are reported in the result.
func (w *WorkflowExecutor) ExecuteWorkflow(ctx context.Context, contextID string, cfg domain.WorkflowConfig) (domain.WorkflowResult, error) {
	cfg = w.merge(cfg, w.Defaults.Stages)
	return w.run(ctx, contextID, domain.ExtendedWorkflowConfig{WorkflowConfig: cfg}, w.plainStage)
}

// ExecuteExtendedWorkflow runs an arbitrary stage list. The collab stage runs
// the configured decision, the role stage the configured lifecycle request,
// and every other stage a business coordination envelope on its module.
func (w *WorkflowExecutor) ExecuteExtendedWorkflow(ctx context.Context, contextID string, cfg domain.ExtendedWorkflowConfig) (domain.WorkflowResult, error) {
	cfg.WorkflowConfig = w.merge(cfg.WorkflowConfig, DefaultExtendedStages)
	return w.run(ctx, contextID, cfg, w.extendedStage)
}

// ActiveExecutions lists the workflows still in flight, oldest first.
func (w *WorkflowExecutor) ActiveExecutions() []domain.Execution {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]domain.Execution, 0, len(w.active))
	for _, e := range w.active {
		cp := *e
		cp.Stages = append([]string(nil), e.Stages...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ExecutionID < out[j].ExecutionID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (w *WorkflowExecutor) merge(cfg domain.WorkflowConfig, stages []string) domain.WorkflowConfig {
	if len(cfg.Stages) == 0 {
		cfg.Stages = append([]string(nil), stages...)
	}
	if cfg.ExecutionMode == "" {
		cfg.ExecutionMode = w.Defaults.ExecutionMode
	}
	if cfg.ExecutionMode == "" {
		cfg.ExecutionMode = domain.Sequential
	}
	if cfg.TimeoutMS == 0 {
		cfg.TimeoutMS = w.Defaults.TimeoutMS
	}
	if cfg.RetryPolicy == nil {
		var policy domain.RetryPolicy
		if w.Defaults.RetryPolicy != nil {
			policy = *w.Defaults.RetryPolicy
		}
		cfg.RetryPolicy = &policy
	}
	return cfg
}

func validateWorkflow(contextID string, cfg domain.WorkflowConfig) error {
	if strings.TrimSpace(contextID) == "" {
		return invalid("context_id", "must not be empty")
	}
	if len(cfg.Stages) == 0 {
		return invalid("stages", "at least one stage required")
	}
	seen := make(map[string]struct{}, len(cfg.Stages))
	for _, st := range cfg.Stages {
		if strings.TrimSpace(st) == "" {
			return invalid("stages", "stage name must not be empty")
		}
		if _, dup := seen[st]; dup {
			return invalid("stages", "duplicate stage %q", st)
		}
		seen[st] = struct{}{}
	}
	switch cfg.ExecutionMode {
	case domain.Sequential, domain.Parallel:
	default:
		return invalid("execution_mode", "unknown execution mode %q", cfg.ExecutionMode)
	}
	if cfg.TimeoutMS < 0 {
		return invalid("timeout_ms", "must be >= 0")
	}
	if cfg.RetryPolicy.MaxRetries < 0 {
		return invalid("retry_policy.max_retries", "must be >= 0")
	}
	if cfg.RetryPolicy.DelayMS < 0 {
		return invalid("retry_policy.delay_ms", "must be >= 0")
	}
	return nil
}

func (w *WorkflowExecutor) run(ctx context.Context, contextID string, cfg domain.ExtendedWorkflowConfig, invoke stageFunc) (domain.WorkflowResult, error) {
	if err := validateWorkflow(contextID, cfg.WorkflowConfig); err != nil {
		return domain.WorkflowResult{}, err
	}
	started := time.Now()
	run := &workflowRun{
		exec: domain.Execution{
			ExecutionID: w.newID(),
			ContextID:   contextID,
			Stages:      append([]string(nil), cfg.Stages...),
			StartedAt:   w.now().UTC(),
		},
		cfg:     cfg.WorkflowConfig,
		ext:     cfg,
		timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
		invoke:  invoke,
	}
	log := w.log().With("context_id", contextID, "execution_id", run.exec.ExecutionID, "mode", string(cfg.ExecutionMode))
	w.track(run.exec)
	defer w.untrack(run.exec.ExecutionID)

	if w.Hooks.BeforeWorkflow != nil {
		w.Hooks.BeforeWorkflow(ctx, run.exec)
	}
	w.Bus.Publish(domain.Event{
		Type:        domain.EventWorkflowStarted,
		ContextID:   contextID,
		ExecutionID: run.exec.ExecutionID,
		Payload: events.EventPayload{
			"execution_id":   run.exec.ExecutionID,
			"stages":         run.exec.Stages,
			"execution_mode": string(cfg.ExecutionMode),
		},
	})
	log.Info("workflow started", "stages", strings.Join(cfg.Stages, ","))

	var stages []domain.StageExecutionResult
	if cfg.ExecutionMode == domain.Parallel {
		stages = w.runParallel(ctx, run)
	} else {
		stages = w.runSequential(ctx, run)
	}

	res := domain.WorkflowResult{
		ExecutionID:     run.exec.ExecutionID,
		ContextID:       contextID,
		Status:          domain.WorkflowCompleted,
		Stages:          stages,
		StartedAt:       run.exec.StartedAt,
		CompletedAt:     w.now().UTC(),
		TotalDurationMS: time.Since(started).Milliseconds(),
	}
	var failed []string
	for _, st := range stages {
		if st.Status == domain.StageFailed {
			failed = append(failed, st.Stage+": "+st.Error)
		}
	}
	if len(failed) > 0 {
		res.Status = domain.WorkflowFailed
		res.Error = strings.Join(failed, "; ")
	}

	evtType := domain.EventWorkflowCompleted
	if res.Status == domain.WorkflowFailed {
		evtType = domain.EventWorkflowFailed
		log.Warn("workflow failed", "error", res.Error, "duration_ms", res.TotalDurationMS)
	} else {
		log.Info("workflow completed", "duration_ms", res.TotalDurationMS)
	}
	w.Bus.Publish(domain.Event{
		Type:        evtType,
		ContextID:   contextID,
		ExecutionID: run.exec.ExecutionID,
		Payload:     res,
	})
	if w.Hooks.AfterWorkflow != nil {
		w.Hooks.AfterWorkflow(ctx, res)
	}
	return res, nil
}

func (w *WorkflowExecutor) runSequential(ctx context.Context, run *workflowRun) []domain.StageExecutionResult {
	prev := map[string]any{}
	var out []domain.StageExecutionResult
	for _, stage := range run.cfg.Stages {
		if ctx.Err() != nil {
			out = append(out, w.failStage(ctx, run, stage, time.Now(), w.now().UTC(), 0, ctx.Err()))
			break
		}
		res := w.runStage(ctx, run, stage, prev)
		out = append(out, res)
		if res.Status == domain.StageFailed && !run.cfg.ContinueOnError {
			break
		}
		if res.Status == domain.StageCompleted {
			prev[stage] = res.Result
		}
	}
	return out
}

func (w *WorkflowExecutor) runParallel(ctx context.Context, run *workflowRun) []domain.StageExecutionResult {
	out := make([]domain.StageExecutionResult, len(run.cfg.Stages))
	var g errgroup.Group
	if w.MaxConcurrency > 0 {
		g.SetLimit(w.MaxConcurrency)
	}
	for i, stage := range run.cfg.Stages {
		g.Go(func() error {
			out[i] = w.runStage(ctx, run, stage, nil)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (w *WorkflowExecutor) runStage(ctx context.Context, run *workflowRun, stage string, prev map[string]any) domain.StageExecutionResult {
	started := time.Now()
	startedAt := w.now().UTC()
	w.setCurrent(run.exec.ExecutionID, stage)
	if w.Hooks.BeforeStage != nil {
		w.Hooks.BeforeStage(ctx, run.exec, stage)
	}
	w.Bus.Publish(domain.Event{
		Type:        domain.EventStageStarted,
		ContextID:   run.exec.ContextID,
		Stage:       stage,
		ExecutionID: run.exec.ExecutionID,
		Payload:     events.EventPayload{"stage": stage},
	})

	h, err := w.Registry.Get(stage)
	if err != nil {
		return w.failStage(ctx, run, stage, started, startedAt, 0, err)
	}

	attempts := 0
	op := func() (any, error) {
		attempts++
		out, err := run.invoke(ctx, run, h, stage, attempts, prev)
		if err == nil {
			return out, nil
		}
		if !w.retryable(h, err, module.ErrorContext{ContextID: run.exec.ContextID, Stage: stage, Attempt: attempts}) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	delay := time.Duration(run.cfg.RetryPolicy.DelayMS) * time.Millisecond
	out, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(delay)),
		backoff.WithMaxTries(uint(run.cfg.RetryPolicy.MaxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			w.log().Warn("stage retry", "execution_id", run.exec.ExecutionID, "stage", stage, "attempt", attempts, "err", err)
			w.Bus.Publish(domain.Event{
				Type:        domain.EventStageRetry,
				ContextID:   run.exec.ContextID,
				Stage:       stage,
				ExecutionID: run.exec.ExecutionID,
				Payload: events.EventPayload{
					"stage":    stage,
					"attempt":  attempts,
					"error":    err.Error(),
					"delay_ms": next.Milliseconds(),
				},
			})
		}),
	)
	if err != nil {
		return w.failStage(ctx, run, stage, started, startedAt, attempts, err)
	}

	res := domain.StageExecutionResult{
		Stage:       stage,
		Status:      domain.StageCompleted,
		Result:      out,
		Attempts:    attempts,
		DurationMS:  time.Since(started).Milliseconds(),
		StartedAt:   startedAt,
		CompletedAt: w.now().UTC(),
	}
	w.Bus.Publish(domain.Event{
		Type:        domain.EventStageCompleted,
		ContextID:   run.exec.ContextID,
		Stage:       stage,
		ExecutionID: run.exec.ExecutionID,
		Payload:     res,
	})
	if w.Hooks.AfterStage != nil {
		w.Hooks.AfterStage(ctx, run.exec, res)
	}
	return res
}

func (w *WorkflowExecutor) failStage(ctx context.Context, run *workflowRun, stage string, started, startedAt time.Time, attempts int, err error) domain.StageExecutionResult {
	res := domain.StageExecutionResult{
		Stage:       stage,
		Status:      domain.StageFailed,
		Error:       err.Error(),
		Attempts:    attempts,
		DurationMS:  time.Since(started).Milliseconds(),
		StartedAt:   startedAt,
		CompletedAt: w.now().UTC(),
		Err:         err,
	}
	w.log().Warn("stage failed", "execution_id", run.exec.ExecutionID, "stage", stage, "attempts", attempts, "err", err)
	w.Bus.Publish(domain.Event{
		Type:        domain.EventStageFailed,
		ContextID:   run.exec.ContextID,
		Stage:       stage,
		ExecutionID: run.exec.ExecutionID,
		Payload:     res,
	})
	if w.Hooks.OnError != nil {
		w.Hooks.OnError(ctx, run.exec, stage, err)
	}
	if w.Hooks.AfterStage != nil {
		w.Hooks.AfterStage(ctx, run.exec, res)
	}
	return res
}

// retryable defers to the module's HandleError, except for failures that are
// never retried: timeouts, rejected requests, missing modules and a done
// context.
func (w *WorkflowExecutor) retryable(h *module.Handle, err error, ec module.ErrorContext) bool {
	switch {
	case errors.Is(err, module.ErrTimeout),
		errors.Is(err, ErrValidation),
		errors.Is(err, module.ErrNotRegistered),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return h.Module().HandleError(err, ec).Action == module.ActionRetry
}

func (w *WorkflowExecutor) plainStage(ctx context.Context, run *workflowRun, h *module.Handle, stage string, attempt int, prev map[string]any) (any, error) {
	return h.ExecuteStage(ctx, run.timeout, module.StageContext{
		ExecutionID:     run.exec.ExecutionID,
		ContextID:       run.exec.ContextID,
		Stage:           stage,
		Attempt:         attempt,
		PreviousResults: prev,
	})
}

func (w *WorkflowExecutor) extendedStage(ctx context.Context, run *workflowRun, h *module.Handle, stage string, attempt int, prev map[string]any) (any, error) {
	switch {
	case stage == CollabStage && run.ext.Decision != nil && w.Decisions != nil:
		req := *run.ext.Decision
		if req.ContextID == "" {
			req.ContextID = run.exec.ContextID
		}
		return h.Invoke(ctx, run.timeout, func(ctx context.Context) (any, error) {
			return w.Decisions.CoordinateDecision(ctx, req)
		})
	case w.Lifecycle != nil && stage == w.Lifecycle.roleModule() && run.ext.Lifecycle != nil:
		req := *run.ext.Lifecycle
		if req.ContextID == "" {
			req.ContextID = run.exec.ContextID
		}
		return w.Lifecycle.coordinate(ctx, req, run.timeout)
	}
	resp, err := h.Coordinate(ctx, run.timeout, module.CoordinationRequest{
		ContextID: run.exec.ContextID,
		Module:    stage,
		Type:      "stage",
		Payload: module.StageInput{
			ContextID:       run.exec.ContextID,
			ExecutionID:     run.exec.ExecutionID,
			Stage:           stage,
			Attempt:         attempt,
			PreviousResults: prev,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", stage, err)
	}
	return resp, nil
}

func (w *WorkflowExecutor) track(exec domain.Execution) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active == nil {
		w.active = map[string]*domain.Execution{}
	}
	w.active[exec.ExecutionID] = &exec
}

func (w *WorkflowExecutor) untrack(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.active, id)
}

func (w *WorkflowExecutor) setCurrent(id, stage string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e, ok := w.active[id]; ok {
		e.CurrentStage = stage
	}
}

func (w *WorkflowExecutor) log() *slog.Logger {
	if w.Log != nil {
		return w.Log
	}
	return slog.Default()
}

func (w *WorkflowExecutor) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w *WorkflowExecutor) newID() string {
	if w.NewID != nil {
		return w.NewID()
	}
	return uuid.NewString()
}
