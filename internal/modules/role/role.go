// Package role persists role entities planned by lifecycle coordination.
package role

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"coordline/internal/domain"
	"coordline/internal/module"
	"coordline/internal/repo"
)

const Name = "role"

const StatusActive = "active"

// Module stores roles in the workspace database.
type Module struct {
	Repo  repo.Repo
	Log   *slog.Logger
	Now   func() time.Time
	NewID func() string
}

var _ module.Module = (*Module)(nil)

func New(r repo.Repo, log *slog.Logger) *Module {
	return &Module{Repo: r, Log: log}
}

func (m *Module) Name() string { return Name }

func (m *Module) Initialize(ctx context.Context) error {
	if err := m.Repo.Ping(ctx); err != nil {
		return fmt.Errorf("role store not available: %w", err)
	}
	return nil
}

// Execute persists a domain.RolePlan and answers with a domain.RoleRecord.
// As a workflow stage it lists the roles of the stage's context.
func (m *Module) Execute(ctx context.Context, input any) (any, error) {
	switch in := input.(type) {
	case domain.RolePlan:
		return m.create(ctx, in)
	case *domain.RolePlan:
		if in == nil {
			return nil, errors.New("role: nil plan")
		}
		return m.create(ctx, *in)
	case module.StageInput:
		return m.Repo.ListRoles(ctx, in.ContextID)
	default:
		return nil, fmt.Errorf("role: unsupported input %T", input)
	}
}

func (m *Module) create(ctx context.Context, plan domain.RolePlan) (domain.RoleRecord, error) {
	if vr := m.ValidateInput(plan); !vr.IsValid {
		return domain.RoleRecord{}, fmt.Errorf("role: invalid plan: %s", strings.Join(vr.Errors, "; "))
	}
	r := domain.Role{
		ID:             m.newID(),
		ContextID:      plan.ContextID,
		Name:           plan.Name,
		Classification: plan.Classification,
		DisplayName:    plan.DisplayName,
		Description:    plan.Description,
		Strategy:       string(plan.Strategy),
		Status:         StatusActive,
		Permissions:    append([]domain.Permission(nil), plan.Permissions...),
		Capabilities:   append([]string(nil), plan.Capabilities...),
		CreatedAt:      m.now().UTC().Format(time.RFC3339),
	}
	if err := m.Repo.InsertRole(ctx, r); err != nil {
		return domain.RoleRecord{}, err
	}
	m.log().Debug("role created", "role_id", r.ID, "context_id", r.ContextID, "name", r.Name)
	return domain.RoleRecord{RoleID: r.ID, Role: r}, nil
}

func (m *Module) ExecuteStage(ctx context.Context, sc module.StageContext) (any, error) {
	return module.StageFromExecute(ctx, m, sc)
}

func (m *Module) ExecuteBusinessCoordination(ctx context.Context, req module.CoordinationRequest) (module.CoordinationResponse, error) {
	return module.Envelope(ctx, m, req)
}

func (m *Module) ValidateInput(input any) module.ValidationResult {
	var plan domain.RolePlan
	switch in := input.(type) {
	case domain.RolePlan:
		plan = in
	case *domain.RolePlan:
		if in == nil {
			return module.Invalid("plan is nil")
		}
		plan = *in
	case module.StageInput:
		if in.ContextID == "" {
			return module.Invalid("context_id is required")
		}
		return module.Valid()
	default:
		return module.Invalid(fmt.Sprintf("unsupported input %T", input))
	}
	var errs []string
	if plan.ContextID == "" {
		errs = append(errs, "context_id is required")
	}
	if plan.Name == "" {
		errs = append(errs, "name is required")
	}
	if plan.Classification == "" {
		errs = append(errs, "classification is required")
	}
	for i, p := range plan.Permissions {
		if p.Resource == "" || p.Action == "" {
			errs = append(errs, fmt.Sprintf("permission %d needs resource and action", i))
		}
	}
	if len(errs) > 0 {
		return module.Invalid(errs...)
	}
	res := module.Valid()
	if len(plan.Capabilities) == 0 {
		res.Warnings = append(res.Warnings, "role has no capabilities")
	}
	return res
}

// HandleError retries when the database is busy.
func (m *Module) HandleError(err error, ec module.ErrorContext) module.Recovery {
	if isBusy(err) {
		return module.Recovery{Action: module.ActionRetry, Reason: "database busy"}
	}
	return module.DefaultRecovery(err)
}

func isBusy(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	return err != nil && strings.Contains(err.Error(), "database is locked")
}

func (m *Module) Cleanup(context.Context) error { return nil }

func (m *Module) log() *slog.Logger {
	if m.Log != nil {
		return m.Log
	}
	return slog.Default()
}

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
