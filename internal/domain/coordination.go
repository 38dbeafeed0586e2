package domain

import "time"

// Strategy selects a decision algorithm.
type Strategy string

const (
	SimpleVoting   Strategy = "simple_voting"
	WeightedVoting Strategy = "weighted_voting"
	Consensus      Strategy = "consensus"
	Delegation     Strategy = "delegation"
)

type Vote string

const (
	VoteApprove  Vote = "approve"
	VoteReject   Vote = "reject"
	VoteDeferred Vote = "deferred"
)

type Outcome string

const (
	Approved Outcome = "approved"
	Rejected Outcome = "rejected"
)

type DecisionRequest struct {
	ContextID    string             `json:"context_id" yaml:"context_id"`
	Participants []string           `json:"participants" yaml:"participants"`
	Strategy     Strategy           `json:"strategy" yaml:"strategy"`
	Parameters   DecisionParameters `json:"parameters" yaml:"parameters"`
}

type DecisionParameters struct {
	Weights   map[string]float64 `json:"weights,omitempty" yaml:"weights"`
	Threshold *float64           `json:"threshold,omitempty" yaml:"threshold"`
	Delegate  string             `json:"delegate,omitempty" yaml:"delegate"`
	// Ballots pins votes for named participants; the rest are asked of the voter.
	Ballots map[string]Vote `json:"ballots,omitempty" yaml:"ballots"`
}

type DecisionResult struct {
	DecisionID        string          `json:"decision_id"`
	ContextID         string          `json:"context_id"`
	Strategy          Strategy        `json:"strategy"`
	Result            Outcome         `json:"result"`
	ConsensusReached  bool            `json:"consensus_reached"`
	ParticipantsVotes map[string]Vote `json:"participants_votes"`
	Tally             Tally           `json:"tally"`
	Timestamp         time.Time       `json:"timestamp"`
}

type Tally struct {
	Approvals     int     `json:"approvals"`
	Rejections    int     `json:"rejections"`
	ApproveWeight float64 `json:"approve_weight"`
	RejectWeight  float64 `json:"reject_weight"`
}

// CreationStrategy selects how a role-like entity is generated.
type CreationStrategy string

const (
	StaticCreation        CreationStrategy = "static"
	DynamicCreation       CreationStrategy = "dynamic"
	TemplateBasedCreation CreationStrategy = "template_based"
	AIGeneratedCreation   CreationStrategy = "ai_generated"
)

type LifecycleRequest struct {
	ContextID            string                `json:"context_id" yaml:"context_id"`
	CreationStrategy     CreationStrategy      `json:"creation_strategy" yaml:"creation_strategy"`
	Parameters           LifecycleParameters   `json:"parameters" yaml:"parameters"`
	CapabilityManagement *CapabilityManagement `json:"capability_management,omitempty" yaml:"capability_management"`
}

type LifecycleParameters struct {
	RoleName           string         `json:"role_name,omitempty" yaml:"role_name"`
	CreationRules      []string       `json:"creation_rules,omitempty" yaml:"creation_rules"`
	TemplateID         string         `json:"template_id,omitempty" yaml:"template_id"`
	TemplateSource     string         `json:"template_source,omitempty" yaml:"template_source"`
	GenerationCriteria map[string]any `json:"generation_criteria,omitempty" yaml:"generation_criteria"`
}

type CapabilityManagement struct {
	Skills          []string `json:"skills" yaml:"skills"`
	ExpertiseLevel  int      `json:"expertise_level" yaml:"expertise_level"`
	LearningEnabled bool     `json:"learning_enabled" yaml:"learning_enabled"`
}

// RolePlan is what a lifecycle strategy hands to the role module for persistence.
type RolePlan struct {
	ContextID      string           `json:"context_id"`
	Strategy       CreationStrategy `json:"creation_strategy"`
	Name           string           `json:"name"`
	Classification string           `json:"classification"`
	DisplayName    string           `json:"display_name"`
	Description    string           `json:"description"`
	Permissions    []Permission     `json:"permissions"`
	Capabilities   []string         `json:"capabilities"`
}

// RoleRecord is the role module's answer to a persisted RolePlan.
type RoleRecord struct {
	RoleID string `json:"role_id"`
	Role   Role   `json:"role_data"`
}

type LifecycleResult struct {
	RoleID       string    `json:"role_id"`
	ContextID    string    `json:"context_id"`
	RoleData     any       `json:"role_data"`
	Capabilities []string  `json:"capabilities"`
	Timestamp    time.Time `json:"timestamp"`
}

type ExecutionMode string

const (
	Sequential ExecutionMode = "sequential"
	Parallel   ExecutionMode = "parallel"
)

// RetryPolicy caps how often a failed stage is retried. A nil policy on a
// submitted workflow means the configured default applies.
type RetryPolicy struct {
	MaxRetries int `json:"max_retries" yaml:"max_retries" env:"MAX_RETRIES"`
	DelayMS    int `json:"delay_ms" yaml:"delay_ms" env:"DELAY_MS"`
}

type WorkflowConfig struct {
	Stages          []string      `json:"stages" yaml:"stages"`
	ExecutionMode   ExecutionMode `json:"execution_mode" yaml:"execution_mode" env:"EXECUTION_MODE"`
	TimeoutMS       int           `json:"timeout_ms" yaml:"timeout_ms" env:"TIMEOUT_MS"`
	RetryPolicy     *RetryPolicy  `json:"retry_policy,omitempty" yaml:"retry_policy" envPrefix:"RETRY_"`
	ContinueOnError bool          `json:"continue_on_error,omitempty" yaml:"continue_on_error"`
}

// ExtendedWorkflowConfig binds coordination requests to the collab and role stages.
type ExtendedWorkflowConfig struct {
	WorkflowConfig `yaml:",inline"`
	Decision       *DecisionRequest  `json:"decision,omitempty" yaml:"decision"`
	Lifecycle      *LifecycleRequest `json:"lifecycle,omitempty" yaml:"lifecycle"`
}

type StageStatus string

const (
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
)

type StageExecutionResult struct {
	Stage       string      `json:"stage"`
	Status      StageStatus `json:"status"`
	Result      any         `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
	Attempts    int         `json:"attempts"`
	DurationMS  int64       `json:"duration_ms"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt time.Time   `json:"completed_at"`

	Err error `json:"-"`
}

type WorkflowStatus string

const (
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
)

type WorkflowResult struct {
	ExecutionID     string                 `json:"execution_id"`
	ContextID       string                 `json:"context_id"`
	Status          WorkflowStatus         `json:"status"`
	Stages          []StageExecutionResult `json:"stages"`
	TotalDurationMS int64                  `json:"total_duration_ms"`
	StartedAt       time.Time              `json:"started_at"`
	CompletedAt     time.Time              `json:"completed_at"`
	Error           string                 `json:"error,omitempty"`
}

// Execution describes a workflow that is still in flight.
type Execution struct {
	ExecutionID  string    `json:"execution_id"`
	ContextID    string    `json:"context_id"`
	Stages       []string  `json:"stages"`
	CurrentStage string    `json:"current_stage,omitempty"`
	StartedAt    time.Time `json:"started_at"`
}
