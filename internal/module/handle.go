package module

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"coordline/internal/domain"
)

// Handle owns the descriptor of one registered module. Every descriptor
// transition happens under mu, and invocations of the same module are
// serialized through slot so that the running read-modify-write never
// interleaves with another call on the same module.
type Handle struct {
	module Module
	now    func() time.Time
	slot   chan struct{}

	mu    sync.Mutex
	desc  domain.ModuleDescriptor
	token uint64
}

func newHandle(m Module, now func() time.Time) *Handle {
	if now == nil {
		now = time.Now
	}
	return &Handle{
		module: m,
		now:    now,
		slot:   make(chan struct{}, 1),
		desc:   domain.ModuleDescriptor{Name: m.Name(), Status: domain.StateIdle},
	}
}

func (h *Handle) Name() string   { return h.module.Name() }
func (h *Handle) Module() Module { return h.module }

// Status returns a snapshot of the module descriptor.
func (h *Handle) Status() domain.ModuleDescriptor {
	h.mu.Lock()
	defer h.mu.Unlock()
	d := h.desc
	if d.LastExecution != nil {
		t := *d.LastExecution
		d.LastExecution = &t
	}
	return d
}

func (h *Handle) acquire(ctx context.Context) error {
	select {
	case h.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) release() { <-h.slot }

// Initialize runs the module's setup. A failure moves the descriptor to
// error, bumps error_count and is returned unchanged.
func (h *Handle) Initialize(ctx context.Context) error {
	if err := h.acquire(ctx); err != nil {
		return err
	}
	defer h.release()
	err := h.module.Initialize(ctx)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.token++
	if err != nil {
		h.fail(err)
		return err
	}
	h.desc.Status = domain.StateInitialized
	h.desc.LastError = ""
	return nil
}

// Cleanup releases module resources and returns the descriptor to idle.
func (h *Handle) Cleanup(ctx context.Context) error {
	if err := h.acquire(ctx); err != nil {
		return err
	}
	defer h.release()
	err := h.module.Cleanup(ctx)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.token++
	if err != nil {
		h.fail(err)
		return err
	}
	h.desc.Status = domain.StateIdle
	return nil
}

// Execute invokes Module.Execute under the descriptor guard.
func (h *Handle) Execute(ctx context.Context, timeout time.Duration, input any) (any, error) {
	return h.Invoke(ctx, timeout, func(ctx context.Context) (any, error) {
		return h.module.Execute(ctx, input)
	})
}

// ExecuteStage invokes Module.ExecuteStage under the descriptor guard.
func (h *Handle) ExecuteStage(ctx context.Context, timeout time.Duration, sc StageContext) (any, error) {
	return h.Invoke(ctx, timeout, func(ctx context.Context) (any, error) {
		return h.module.ExecuteStage(ctx, sc)
	})
}

// Coordinate invokes Module.ExecuteBusinessCoordination under the descriptor guard.
func (h *Handle) Coordinate(ctx context.Context, timeout time.Duration, req CoordinationRequest) (CoordinationResponse, error) {
	if req.Module == "" {
		req.Module = h.Name()
	}
	if req.Timeout == 0 {
		req.Timeout = timeout
	}
	out, err := h.Invoke(ctx, timeout, func(ctx context.Context) (any, error) {
		return h.module.ExecuteBusinessCoordination(ctx, req)
	})
	resp, _ := out.(CoordinationResponse)
	return resp, err
}

// Invoke moves the descriptor to running, calls fn bounded by timeout (no
// bound when timeout <= 0) and moves it back to idle or error. When the
// timeout fires first the invocation is recorded as failed with a
// *TimeoutError and whatever fn later returns is discarded.
func (h *Handle) Invoke(ctx context.Context, timeout time.Duration, fn func(context.Context) (any, error)) (any, error) {
	if err := h.acquire(ctx); err != nil {
		return nil, err
	}
	defer h.release()

	tok := h.begin()
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type outcome struct {
		out any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("module %s panicked: %v", h.Name(), r)}
			}
		}()
		out, err := fn(runCtx)
		done <- outcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		if terr := h.timedOut(ctx, runCtx, timeout); terr != nil {
			h.finish(tok, terr)
			return nil, terr
		}
		h.finish(tok, o.err)
		return o.out, o.err
	case <-runCtx.Done():
		err := h.timedOut(ctx, runCtx, timeout)
		if err == nil {
			err = ctx.Err()
		}
		h.finish(tok, err)
		return nil, err
	}
}

func (h *Handle) timedOut(parent, run context.Context, timeout time.Duration) error {
	if timeout > 0 && parent.Err() == nil && errors.Is(run.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Module: h.Name(), After: timeout}
	}
	return nil
}

func (h *Handle) begin() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.token++
	h.desc.Status = domain.StateRunning
	return h.token
}

func (h *Handle) finish(tok uint64, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if tok != h.token || h.desc.Status != domain.StateRunning {
		return
	}
	h.token++
	now := h.now().UTC()
	h.desc.LastExecution = &now
	if err != nil {
		h.fail(err)
		return
	}
	h.desc.Status = domain.StateIdle
	h.desc.LastError = ""
}

// fail must be called with mu held.
func (h *Handle) fail(err error) {
	h.desc.Status = domain.StateError
	h.desc.ErrorCount++
	h.desc.LastError = err.Error()
}
