package config

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"coordline/internal/domain"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "COORD_"

// Config models coordline.yml.
type Config struct {
	Engine struct {
		ModuleTimeoutMS    int      `yaml:"module_timeout_ms" env:"MODULE_TIMEOUT_MS"`
		MaxConcurrency     int      `yaml:"max_concurrency" env:"MAX_CONCURRENCY"`
		EventHistory       int      `yaml:"event_history" env:"EVENT_HISTORY"`
		EnableEventLogging bool     `yaml:"enable_event_logging" env:"ENABLE_EVENT_LOGGING"`
		RequiredModules    []string `yaml:"required_modules" env:"REQUIRED_MODULES" envSeparator:","`
	} `yaml:"engine" envPrefix:"ENGINE_"`
	Workflow  domain.WorkflowConfig `yaml:"workflow" envPrefix:"WORKFLOW_"`
	Decision  DecisionConfig        `yaml:"decision" envPrefix:"DECISION_"`
	Lifecycle LifecycleConfig       `yaml:"lifecycle" envPrefix:"LIFECYCLE_"`
	Log       struct {
		Level  string `yaml:"level" env:"LEVEL"`
		Format string `yaml:"format" env:"FORMAT"`
	} `yaml:"log" envPrefix:"LOG_"`
	// Workflows are named, reusable workflow definitions.
	Workflows map[string]domain.ExtendedWorkflowConfig `yaml:"workflows"`
}

type DecisionConfig struct {
	DefaultThreshold float64 `yaml:"default_threshold" env:"DEFAULT_THRESHOLD"`
}

type LifecycleConfig struct {
	RoleModule  string        `yaml:"role_module" env:"ROLE_MODULE"`
	ElevatedTTL time.Duration `yaml:"elevated_ttl" env:"ELEVATED_TTL"`
}

// ModuleTimeout returns the per-invocation ceiling as a duration.
func (c *Config) ModuleTimeout() time.Duration {
	return time.Duration(c.Engine.ModuleTimeoutMS) * time.Millisecond
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Engine.ModuleTimeoutMS <= 0 {
		return fmt.Errorf("config.engine.module_timeout_ms must be > 0")
	}
	if c.Engine.MaxConcurrency < 0 {
		return fmt.Errorf("config.engine.max_concurrency must be >= 0")
	}
	for _, name := range c.Engine.RequiredModules {
		if name == "" {
			return fmt.Errorf("config.engine.required_modules contains an empty name")
		}
	}
	if err := validateWorkflow("config.workflow", c.Workflow); err != nil {
		return err
	}
	if t := c.Decision.DefaultThreshold; math.IsNaN(t) || t <= 0 || t > 1 {
		return fmt.Errorf("config.decision.default_threshold must be in (0,1], got %v", t)
	}
	if c.Lifecycle.RoleModule == "" {
		return fmt.Errorf("config.lifecycle.role_module is required")
	}
	if c.Lifecycle.ElevatedTTL <= 0 {
		return fmt.Errorf("config.lifecycle.elevated_ttl must be > 0")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level must be one of debug, info, warn, error")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	for name, wf := range c.Workflows {
		if name == "" {
			return fmt.Errorf("config.workflows contains an empty name")
		}
		if err := validateWorkflow("workflow "+name, wf.WorkflowConfig); err != nil {
			return err
		}
	}
	return nil
}

func validateWorkflow(where string, wf domain.WorkflowConfig) error {
	switch wf.ExecutionMode {
	case "", domain.Sequential, domain.Parallel:
	default:
		return fmt.Errorf("%s.execution_mode must be sequential or parallel", where)
	}
	if wf.TimeoutMS < 0 {
		return fmt.Errorf("%s.timeout_ms must be >= 0", where)
	}
	if p := wf.RetryPolicy; p != nil && (p.MaxRetries < 0 || p.DelayMS < 0) {
		return fmt.Errorf("%s.retry_policy values must be >= 0", where)
	}
	for _, st := range wf.Stages {
		if st == "" {
			return fmt.Errorf("%s has an empty stage name", where)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "coordline.yml")
}

// Load reads config from the workspace, applies env overrides and validates.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with coord init", path)
		}
		return nil, err
	}
	return fromYAML(data, true)
}

// LoadOptional falls back to Default (plus env overrides) when the file is absent.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		cfg := Default()
		if err := ApplyEnv(cfg); err != nil {
			return nil, err
		}
		return cfg, cfg.Validate()
	}
	return fromYAML(data, true)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses raw YAML over the defaults and validates it. Environment
// overrides are not applied.
func FromYAML(data []byte) (*Config, error) {
	return fromYAML(data, false)
}

func fromYAML(data []byte, withEnv bool) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if withEnv {
		if err := ApplyEnv(cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return fromYAML(data, true)
}

// ApplyEnv overlays COORD_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

const defaultTemplate = `engine:
  module_timeout_ms: 30000
  max_concurrency: 8
  event_history: 1024
  enable_event_logging: true
  required_modules: [context, plan, confirm, trace, role, collab]

workflow:
  stages: [context, plan, confirm, trace]
  execution_mode: sequential
  timeout_ms: 30000
  retry_policy:
    max_retries: 3
    delay_ms: 1000

decision:
  default_threshold: 0.66

lifecycle:
  role_module: role
  elevated_ttl: 24h

log:
  level: info
  format: text

workflows:
  onboarding:
    stages: [context, role, collab, trace]
    execution_mode: sequential
    lifecycle:
      creation_strategy: static
      capability_management:
        skills: [basic_operations]
        expertise_level: 5
        learning_enabled: false
    decision:
      participants: [lead, reviewer, owner]
      strategy: simple_voting
  review:
    stages: [plan, confirm]
    execution_mode: parallel
`
