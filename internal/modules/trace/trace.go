// Package trace records an audit trail of workflow stages and created roles.
package trace

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"coordline/internal/domain"
	"coordline/internal/events"
	"coordline/internal/module"
	"coordline/internal/repo"
)

const Name = "trace"

// EventRecorded is published after every stored trace.
const EventRecorded = "trace_recorded"

type Module struct {
	Repo  repo.Repo
	Bus   *events.Bus
	Now   func() time.Time
	NewID func() string
}

var _ module.Module = (*Module)(nil)

func New(r repo.Repo, bus *events.Bus) *Module {
	return &Module{Repo: r, Bus: bus}
}

func (m *Module) Name() string { return Name }

func (m *Module) Initialize(ctx context.Context) error {
	if err := m.Repo.Ping(ctx); err != nil {
		return fmt.Errorf("trace store not available: %w", err)
	}
	return nil
}

// Execute records a trace for a stage input or a ready-made domain.Trace.
func (m *Module) Execute(ctx context.Context, input any) (any, error) {
	var t domain.Trace
	switch in := input.(type) {
	case module.StageInput:
		t = domain.Trace{
			ContextID:   in.ContextID,
			ExecutionID: in.ExecutionID,
			Stage:       in.Stage,
			Detail:      summarize(in.PreviousResults),
		}
	case domain.Trace:
		t = in
	default:
		return nil, fmt.Errorf("trace: unsupported input %T", input)
	}
	return m.record(ctx, t)
}

// SyncRole traces every role created through lifecycle coordination.
func (m *Module) SyncRole(ctx context.Context, res domain.LifecycleResult) error {
	_, err := m.record(ctx, domain.Trace{
		ContextID:   res.ContextID,
		ExecutionID: res.RoleID,
		Stage:       "role",
		Detail:      "role " + res.RoleID + " created with " + strings.Join(res.Capabilities, ","),
	})
	return err
}

func (m *Module) record(ctx context.Context, t domain.Trace) (domain.Trace, error) {
	if t.ContextID == "" {
		return t, errors.New("trace: context_id is required")
	}
	if t.Stage == "" {
		t.Stage = Name
	}
	if t.ID == "" {
		t.ID = m.newID()
	}
	if t.CreatedAt == "" {
		t.CreatedAt = m.now().UTC().Format(time.RFC3339Nano)
	}
	if err := m.Repo.InsertTrace(ctx, t); err != nil {
		return t, fmt.Errorf("insert trace: %w", err)
	}
	if m.Bus != nil {
		m.Bus.Publish(domain.Event{
			Type:        EventRecorded,
			ContextID:   t.ContextID,
			Stage:       Name,
			ExecutionID: t.ExecutionID,
			Payload:     t,
		})
	}
	return t, nil
}

func summarize(prev map[string]any) string {
	if len(prev) == 0 {
		return ""
	}
	stages := make([]string, 0, len(prev))
	for s := range prev {
		stages = append(stages, s)
	}
	sort.Strings(stages)
	return "after " + strings.Join(stages, ",")
}

func (m *Module) ExecuteStage(ctx context.Context, sc module.StageContext) (any, error) {
	return module.StageFromExecute(ctx, m, sc)
}

func (m *Module) ExecuteBusinessCoordination(ctx context.Context, req module.CoordinationRequest) (module.CoordinationResponse, error) {
	return module.Envelope(ctx, m, req)
}

func (m *Module) ValidateInput(input any) module.ValidationResult {
	switch in := input.(type) {
	case module.StageInput:
		if in.ContextID == "" {
			return module.Invalid("context_id is required")
		}
	case domain.Trace:
		if in.ContextID == "" {
			return module.Invalid("context_id is required")
		}
	default:
		return module.Invalid(fmt.Sprintf("unsupported input %T", input))
	}
	return module.Valid()
}

func (m *Module) HandleError(err error, _ module.ErrorContext) module.Recovery {
	return module.DefaultRecovery(err)
}

func (m *Module) Cleanup(context.Context) error { return nil }

func (m *Module) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Module) newID() string {
	if m.NewID != nil {
		return m.NewID()
	}
	return uuid.NewString()
}
