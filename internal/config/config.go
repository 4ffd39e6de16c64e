// Package config loads layered conductor configuration. Later sources
// override earlier ones:
//
//  1. Built-in defaults
//  2. System config (/etc/conductor/config.yaml)
//  3. User config (~/.conductor/config.yaml)
//  4. Project config (.conductor/config.yaml)
//  5. Environment variables (CONDUCTOR_*)
package config

import (
	"time"

	cerr "github.com/ideamine/conductor/internal/errors"
)

const (
	// ConductorDir is the project-local configuration directory.
	ConductorDir = ".conductor"
	// ConfigFileName is the config file name inside each layer.
	ConfigFileName = "config.yaml"
	// EnvPrefix prefixes all environment overrides.
	EnvPrefix = "CONDUCTOR_"
)

// Config is the full conductor configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
	Engine    EngineConfig    `yaml:"engine"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Quota     QuotaConfig     `yaml:"quota"`
	Budget    BudgetConfig    `yaml:"budget"`
	Gate      GateConfig      `yaml:"gate"`
	SEM       SEMConfig       `yaml:"sem"`
	API       APIConfig       `yaml:"api"`
}

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	// Dialect is "sqlite" or "postgres".
	Dialect string `yaml:"dialect"`
	// DSN is the file path for sqlite or the connection string for
	// postgres.
	DSN string `yaml:"dsn"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// EngineConfig controls run-level behavior.
type EngineConfig struct {
	// MaxPhaseAttempts bounds gate-driven phase retries.
	MaxPhaseAttempts int `yaml:"max_phase_attempts"`
	// BackoffBaseMs is the exponential backoff base for task retries.
	BackoffBaseMs int `yaml:"backoff_base_ms"`
	// BackoffCapMs caps the backoff delay.
	BackoffCapMs int `yaml:"backoff_cap_ms"`
	// HeartbeatInterval is how often running phases emit heartbeats.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// StallTimeout marks a phase stalled after this long without
	// progress.
	StallTimeout time.Duration `yaml:"stall_timeout"`
}

// SchedulerConfig controls the priority scheduler.
type SchedulerConfig struct {
	// Workers is the number of concurrent task slots.
	Workers int `yaml:"workers"`
	// QueueCapacity bounds the pending queue; 0 means unbounded.
	QueueCapacity int `yaml:"queue_capacity"`
	// PressureHighWater is CPU or memory utilization above which
	// preemptible tasks are evicted.
	PressureHighWater float64 `yaml:"pressure_high_water"`
	// PressureInterval is how often resource pressure is sampled.
	PressureInterval time.Duration `yaml:"pressure_interval"`
}

// DispatchConfig controls task dispatch.
type DispatchConfig struct {
	// DefaultTimeout applies to targets without an explicit budget.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	// FailureThreshold is consecutive failures of a task before
	// self-execution takes over.
	FailureThreshold int `yaml:"failure_threshold"`
	// CacheEnabled toggles the idempotence cache.
	CacheEnabled bool `yaml:"cache_enabled"`
}

// QuotaConfig controls tenant quota enforcement.
type QuotaConfig struct {
	// DefaultTier names the tier applied to tenants with no quota row.
	DefaultTier string `yaml:"default_tier"`
	// ThrottleDuration is how long a tenant stays throttled after
	// crossing the throttle threshold.
	ThrottleDuration time.Duration `yaml:"throttle_duration"`
	// PenaltyMs is the per-admission delay applied while throttled.
	PenaltyMs int `yaml:"penalty_ms"`
	// MaintenanceSchedule is the cron expression for usage pruning and
	// violation resolution.
	MaintenanceSchedule string `yaml:"maintenance_schedule"`
	// RetentionDays is how long usage samples are kept.
	RetentionDays int `yaml:"retention_days"`
}

// BudgetConfig holds the run budget alert thresholds as fractions.
type BudgetConfig struct {
	WarnThreshold     float64 `yaml:"warn_threshold"`
	ThrottleThreshold float64 `yaml:"throttle_threshold"`
	PauseThreshold    float64 `yaml:"pause_threshold"`
}

// GateConfig controls phase gate evaluation.
type GateConfig struct {
	// PassThreshold is the 0-100 score at or above which a phase
	// passes.
	PassThreshold float64 `yaml:"pass_threshold"`
	// MarginError widens the escalation band below the pass threshold.
	MarginError float64 `yaml:"margin_error"`
	// MaxAttempts bounds auto-fix retries per phase.
	MaxAttempts int `yaml:"max_attempts"`
	// GuardWeights overrides the default per-guard weights.
	GuardWeights map[string]float64 `yaml:"guard_weights,omitempty"`
}

// SEMConfig controls self-execution takeovers.
type SEMConfig struct {
	// Enabled toggles takeovers entirely.
	Enabled bool `yaml:"enabled"`
	// MaxPerPhase caps interventions in one phase attempt.
	MaxPerPhase int `yaml:"max_per_phase"`
	// MaxPlanSteps bounds the micro-plan length.
	MaxPlanSteps int `yaml:"max_plan_steps"`
	// AllowedTools is the tool allow-list for self-execution.
	AllowedTools []string `yaml:"allowed_tools,omitempty"`
	// StepTimeout bounds each micro-plan step.
	StepTimeout time.Duration `yaml:"step_timeout"`
}

// APIConfig controls the status and event-stream server.
type APIConfig struct {
	// Addr is the listen address, e.g. "127.0.0.1:7433".
	Addr string `yaml:"addr"`
	// ReadTimeout and WriteTimeout apply to plain HTTP handlers.
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Database.Dialect != "sqlite" && c.Database.Dialect != "postgres" {
		return cerr.ErrConfigInvalid("database.dialect", "must be sqlite or postgres")
	}
	if c.Database.DSN == "" {
		return cerr.ErrConfigMissing("database.dsn")
	}
	if c.Gate.PassThreshold < 0 || c.Gate.PassThreshold > 100 {
		return cerr.ErrConfigInvalid("gate.pass_threshold", "must be within [0, 100]")
	}
	if c.Budget.WarnThreshold >= c.Budget.ThrottleThreshold ||
		c.Budget.ThrottleThreshold >= c.Budget.PauseThreshold {
		return cerr.ErrConfigInvalid("budget", "thresholds must be strictly increasing")
	}
	if c.Budget.PauseThreshold > 1 {
		return cerr.ErrConfigInvalid("budget.pause_threshold", "must be a fraction <= 1")
	}
	if c.Scheduler.Workers <= 0 {
		return cerr.ErrConfigInvalid("scheduler.workers", "must be positive")
	}
	if c.Engine.BackoffBaseMs <= 0 || c.Engine.BackoffCapMs < c.Engine.BackoffBaseMs {
		return cerr.ErrConfigInvalid("engine.backoff", "cap must be >= base > 0")
	}
	return nil
}
