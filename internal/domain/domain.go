package domain

import "time"

// ModuleState is the descriptor state machine tag.
type ModuleState string

const (
	StateIdle        ModuleState = "idle"
	StateInitialized ModuleState = "initialized"
	StateRunning     ModuleState = "running"
	StateError       ModuleState = "error"
)

// ModuleDescriptor is a point-in-time snapshot of a registered module.
type ModuleDescriptor struct {
	Name          string      `json:"name"`
	Status        ModuleState `json:"status" enum:"idle,initialized,running,error"`
	ErrorCount    int         `json:"error_count"`
	LastExecution *time.Time  `json:"last_execution,omitempty" format:"date-time"`
	LastError     string      `json:"last_error,omitempty"`
}

type Event struct {
	ID          string    `json:"id"`
	Seq         int64     `json:"seq"`
	Type        string    `json:"event_type"`
	ContextID   string    `json:"context_id,omitempty"`
	Stage       string    `json:"stage,omitempty"`
	ExecutionID string    `json:"execution_id,omitempty"`
	Payload     any       `json:"payload,omitempty"`
	Timestamp   time.Time `json:"timestamp" format:"date-time"`
}

// Coordination event types published by the engine.
const (
	EventDecisionStarted   = "decision_started"
	EventDecisionCompleted = "decision_completed"
	EventConsensusReached  = "consensus_reached"
	EventRoleCreated       = "role_created"
	EventRoleActivated     = "role_activated"
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"
	EventStageStarted      = "stage_started"
	EventStageCompleted    = "stage_completed"
	EventStageFailed       = "stage_failed"
	EventStageRetry        = "stage_retry"
	EventModuleInitialized = "module_initialized"
	EventModuleFailed      = "module_failed"
)

// StoredEvent is an event row read back from the event log.
type StoredEvent struct {
	ID          int64  `json:"id"`
	Seq         int64  `json:"seq"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	ContextID   string `json:"context_id,omitempty"`
	Stage       string `json:"stage,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
	Payload     string `json:"payload,omitempty"`
}

type Role struct {
	ID             string       `json:"id"`
	ContextID      string       `json:"context_id"`
	Name           string       `json:"name"`
	Classification string       `json:"classification"`
	DisplayName    string       `json:"display_name"`
	Description    string       `json:"description,omitempty"`
	Strategy       string       `json:"creation_strategy"`
	Status         string       `json:"status" enum:"active,inactive"`
	Permissions    []Permission `json:"permissions"`
	Capabilities   []string     `json:"capabilities"`
	CreatedAt      string       `json:"created_at" format:"date-time"`
}

type Permission struct {
	Resource  string  `json:"resource"`
	Action    string  `json:"action"`
	Elevated  bool    `json:"elevated,omitempty"`
	ExpiresAt *string `json:"expires_at,omitempty" format:"date-time"`
}

type Trace struct {
	ID          string `json:"id"`
	ContextID   string `json:"context_id"`
	ExecutionID string `json:"execution_id,omitempty"`
	Stage       string `json:"stage"`
	Detail      string `json:"detail,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}
