package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"coordline/internal/domain"
	"coordline/internal/events"
	"coordline/internal/module"
)

const (
	CapabilityBasic    = "basic_operations"
	CapabilityAdvanced = "advanced_operations"
	CapabilityExpert   = "expert_operations"
	CapabilityAdaptive = "adaptive_learning"
)

// DefaultElevatedTTL bounds elevated ai_generated permissions when unset.
const DefaultElevatedTTL = 24 * time.Hour

// RoleSyncer is implemented by modules that want to learn about roles created
// through lifecycle coordination. It is called between role_created and
// role_activated; failures are logged and do not fail the coordination.
type RoleSyncer interface {
	SyncRole(ctx context.Context, res domain.LifecycleResult) error
}

// LifecycleCoordinator creates role-like entities through a delegate module.
type LifecycleCoordinator struct {
	Registry    *module.Registry
	Bus         *events.Bus
	RoleModule  string
	ElevatedTTL time.Duration
	Timeout     time.Duration
	Log         *slog.Logger
	Now         func() time.Time
	NewID       func() string
}

type planSeed struct {
	Suffix string
	Now    time.Time
	TTL    time.Duration
}

type planFunc func(req domain.LifecycleRequest, seed planSeed) domain.RolePlan

var creationStrategies = map[domain.CreationStrategy]planFunc{
	domain.StaticCreation:        staticPlan,
	domain.DynamicCreation:       dynamicPlan,
	domain.TemplateBasedCreation: templatePlan,
	domain.AIGeneratedCreation:   aiGeneratedPlan,
}

// CoordinateLifecycle validates req, has the role module persist the planned
// entity and publishes role_created followed by role_activated.
func (l *LifecycleCoordinator) CoordinateLifecycle(ctx context.Context, req domain.LifecycleRequest) (domain.LifecycleResult, error) {
	return l.coordinate(ctx, req, l.Timeout)
}

func (l *LifecycleCoordinator) coordinate(ctx context.Context, req domain.LifecycleRequest, timeout time.Duration) (domain.LifecycleResult, error) {
	build, err := validateLifecycle(req)
	if err != nil {
		return domain.LifecycleResult{}, err
	}
	h, err := l.Registry.Get(l.roleModule())
	if err != nil {
		return domain.LifecycleResult{}, err
	}
	log := l.log().With("context_id", req.ContextID, "strategy", string(req.CreationStrategy), "module", h.Name())

	plan := build(req, planSeed{Suffix: shortID(l.newID()), Now: l.now().UTC(), TTL: l.ttl()})
	plan.ContextID = req.ContextID
	plan.Strategy = req.CreationStrategy
	plan.Capabilities = DeriveCapabilities(req.CapabilityManagement)
	if vr := h.Module().ValidateInput(plan); !vr.IsValid {
		return domain.LifecycleResult{}, invalid("role plan", "%s", strings.Join(vr.Errors, "; "))
	}

	log.Info("lifecycle coordination started")
	out, err := h.Execute(ctx, timeout, plan)
	if err != nil {
		log.Error("lifecycle coordination failed", "err", err)
		return domain.LifecycleResult{}, fmt.Errorf("lifecycle %s: %w", req.ContextID, err)
	}
	rec, err := roleRecord(out)
	if err != nil {
		log.Error("lifecycle coordination failed", "err", err)
		return domain.LifecycleResult{}, fmt.Errorf("lifecycle %s: module %s: %w", req.ContextID, h.Name(), err)
	}

	res := domain.LifecycleResult{
		RoleID:       rec.RoleID,
		ContextID:    req.ContextID,
		RoleData:     rec.Role,
		Capabilities: append([]string(nil), plan.Capabilities...),
		Timestamp:    l.now().UTC(),
	}
	l.Bus.Publish(domain.Event{
		Type:        domain.EventRoleCreated,
		ContextID:   req.ContextID,
		Stage:       h.Name(),
		ExecutionID: res.RoleID,
		Payload:     res,
	})
	l.syncRole(ctx, h.Name(), res, log)
	l.Bus.Publish(domain.Event{
		Type:        domain.EventRoleActivated,
		ContextID:   req.ContextID,
		Stage:       h.Name(),
		ExecutionID: res.RoleID,
		Payload:     res,
	})
	log.Info("lifecycle coordination completed", "role_id", res.RoleID)
	return res, nil
}

func (l *LifecycleCoordinator) syncRole(ctx context.Context, owner string, res domain.LifecycleResult, log *slog.Logger) {
	for _, h := range l.Registry.Handles() {
		if h.Name() == owner {
			continue
		}
		syncer, ok := h.Module().(RoleSyncer)
		if !ok {
			continue
		}
		if err := syncer.SyncRole(ctx, res); err != nil {
			log.Warn("role sync failed", "target", h.Name(), "role_id", res.RoleID, "err", err)
		}
	}
}

func roleRecord(out any) (domain.RoleRecord, error) {
	var rec domain.RoleRecord
	switch v := out.(type) {
	case domain.RoleRecord:
		rec = v
	case *domain.RoleRecord:
		if v != nil {
			rec = *v
		}
	default:
		return rec, fmt.Errorf("unexpected result type %T", out)
	}
	if rec.RoleID == "" {
		return rec, errors.New("no role id returned")
	}
	return rec, nil
}

func validateLifecycle(req domain.LifecycleRequest) (planFunc, error) {
	if strings.TrimSpace(req.ContextID) == "" {
		return nil, invalid("context_id", "must not be empty")
	}
	build, ok := creationStrategies[req.CreationStrategy]
	if !ok {
		return nil, invalid("creation_strategy", "unsupported creation strategy %q", req.CreationStrategy)
	}
	switch req.CreationStrategy {
	case domain.TemplateBasedCreation:
		if strings.TrimSpace(req.Parameters.TemplateSource) == "" {
			return nil, invalid("parameters.template_source", "required for template_based")
		}
	case domain.AIGeneratedCreation:
		if len(req.Parameters.GenerationCriteria) == 0 {
			return nil, invalid("parameters.generation_criteria", "required for ai_generated")
		}
	}
	if cm := req.CapabilityManagement; cm != nil {
		if len(cm.Skills) == 0 {
			return nil, invalid("capability_management.skills", "must not be empty")
		}
		for _, s := range cm.Skills {
			if strings.TrimSpace(s) == "" {
				return nil, invalid("capability_management.skills", "skill must not be empty")
			}
		}
		if cm.ExpertiseLevel < 1 || cm.ExpertiseLevel > 10 {
			return nil, invalid("capability_management.expertise_level", "must be in [1,10], got %d", cm.ExpertiseLevel)
		}
	}
	return build, nil
}

// DeriveCapabilities returns skills (deduplicated, order kept) plus the tags
// unlocked by expertise and learning. No management yields basic_operations.
func DeriveCapabilities(cm *domain.CapabilityManagement) []string {
	if cm == nil {
		return []string{CapabilityBasic}
	}
	var caps []string
	seen := map[string]bool{}
	add := func(c string) {
		if !seen[c] {
			seen[c] = true
			caps = append(caps, c)
		}
	}
	for _, s := range cm.Skills {
		add(s)
	}
	if cm.ExpertiseLevel >= 7 {
		add(CapabilityAdvanced)
	}
	if cm.ExpertiseLevel >= 9 {
		add(CapabilityExpert)
	}
	if cm.LearningEnabled {
		add(CapabilityAdaptive)
	}
	return caps
}

func perm(resource, action string) domain.Permission {
	return domain.Permission{Resource: resource, Action: action}
}

func adminPerm() domain.Permission {
	return domain.Permission{Resource: "*", Action: "admin", Elevated: true}
}

func withPerm(perms []domain.Permission, p domain.Permission) []domain.Permission {
	for _, existing := range perms {
		if existing.Resource == p.Resource && existing.Action == p.Action {
			return perms
		}
	}
	return append(perms, p)
}

func roleName(req domain.LifecycleRequest, prefix, suffix string) string {
	if req.Parameters.RoleName != "" {
		return req.Parameters.RoleName
	}
	return prefix + "_role_" + suffix
}

func staticPlan(req domain.LifecycleRequest, seed planSeed) domain.RolePlan {
	return domain.RolePlan{
		Name:           roleName(req, "static", seed.Suffix),
		Classification: "functional",
		DisplayName:    "Static Role",
		Description:    "Role created with the static strategy",
		Permissions:    []domain.Permission{perm("context", "read")},
	}
}

func dynamicPlan(req domain.LifecycleRequest, seed planSeed) domain.RolePlan {
	plan := domain.RolePlan{
		Name:           roleName(req, "dynamic", seed.Suffix),
		Classification: "project",
		DisplayName:    "Dynamic Role",
		Permissions:    []domain.Permission{perm("context", "read")},
	}
	for _, rule := range req.Parameters.CreationRules {
		switch {
		case rule == "admin_access":
			plan.Classification = "system"
			plan.Permissions = withPerm(plan.Permissions, adminPerm())
		case strings.HasSuffix(rule, "_access"):
			plan.Permissions = withPerm(plan.Permissions, perm("context", strings.TrimSuffix(rule, "_access")))
		}
	}
	plan.Description = "Role created with the dynamic strategy"
	if len(req.Parameters.CreationRules) > 0 {
		plan.Description += " from rules " + strings.Join(req.Parameters.CreationRules, ", ")
	}
	return plan
}

func templatePlan(req domain.LifecycleRequest, seed planSeed) domain.RolePlan {
	name := roleName(req, "template", seed.Suffix)
	if req.Parameters.RoleName == "" && req.Parameters.TemplateID != "" {
		name = req.Parameters.TemplateID + "_" + seed.Suffix
	}
	plan := domain.RolePlan{
		Name:           name,
		Classification: "organizational",
		DisplayName:    "Template Role",
		Description:    "Role created from template " + req.Parameters.TemplateSource,
		Permissions:    []domain.Permission{perm("context", "read"), perm("context", "write")},
	}
	if strings.Contains(strings.ToLower(req.Parameters.TemplateSource), "admin") {
		plan.Permissions = withPerm(plan.Permissions, adminPerm())
	}
	return plan
}

func aiGeneratedPlan(req domain.LifecycleRequest, seed planSeed) domain.RolePlan {
	criteria := req.Parameters.GenerationCriteria
	prefix := "ai"
	if dom, ok := criteria["domain"].(string); ok && dom != "" {
		prefix = "ai_" + dom
	}
	plan := domain.RolePlan{
		Name:           roleName(req, prefix, seed.Suffix),
		Classification: "temporary",
		DisplayName:    "AI Generated Role",
		Description:    "Role generated from criteria",
		Permissions:    []domain.Permission{perm("context", "read")},
	}
	if fmt.Sprint(criteria["access_level"]) != "high" {
		return plan
	}
	expires := seed.Now.Add(seed.TTL).Format(time.RFC3339)
	plan.Permissions = withPerm(plan.Permissions, perm("context", "write"))
	plan.Permissions = withPerm(plan.Permissions, adminPerm())
	for i := range plan.Permissions {
		exp := expires
		plan.Permissions[i].ExpiresAt = &exp
	}
	return plan
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (l *LifecycleCoordinator) roleModule() string {
	if l.RoleModule != "" {
		return l.RoleModule
	}
	return "role"
}

func (l *LifecycleCoordinator) ttl() time.Duration {
	if l.ElevatedTTL > 0 {
		return l.ElevatedTTL
	}
	return DefaultElevatedTTL
}

func (l *LifecycleCoordinator) log() *slog.Logger {
	if l.Log != nil {
		return l.Log
	}
	return slog.Default()
}

func (l *LifecycleCoordinator) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *LifecycleCoordinator) newID() string {
	if l.NewID != nil {
		return l.NewID()
	}
	return uuid.NewString()
}
