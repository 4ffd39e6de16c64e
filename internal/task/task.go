// Package task provides the task data model: one agent or tool invocation
// inside a phase, with priority class, budgets, dependencies, and retry
// policy.
package task

import (
	"fmt"
	"time"
)

// Type distinguishes agent invocations from tool invocations.
type Type string

const (
	TypeAgent Type = "agent"
	TypeTool  Type = "tool"
)

// PriorityClass controls admission order and preemption.
type PriorityClass string

const (
	// PriorityP0 is critical work; never preempted.
	PriorityP0 PriorityClass = "P0"
	// PriorityP1 preempts P2/P3 under pressure.
	PriorityP1 PriorityClass = "P1"
	// PriorityP2 is the default class.
	PriorityP2 PriorityClass = "P2"
	// PriorityP3 is background work; first to be preempted.
	PriorityP3 PriorityClass = "P3"
)

// Weight returns the numeric scheduling weight for the class.
// Unknown classes weigh as P2.
func (p PriorityClass) Weight() int {
	switch p {
	case PriorityP0:
		return 1000
	case PriorityP1:
		return 100
	case PriorityP2:
		return 10
	case PriorityP3:
		return 1
	default:
		return 10
	}
}

// Preemptible reports whether tasks of this class may be preempted.
// Only P2 and P3 are preemption candidates.
func (p PriorityClass) Preemptible() bool {
	return p == PriorityP2 || p == PriorityP3
}

// ParsePriorityClass parses a class name, defaulting to P2.
func ParsePriorityClass(s string) PriorityClass {
	switch PriorityClass(s) {
	case PriorityP0, PriorityP1, PriorityP2, PriorityP3:
		return PriorityClass(s)
	default:
		return PriorityP2
	}
}

// State is the lifecycle state of a task.
type State string

const (
	StatePending      State = "pending"
	StateQueued       State = "queued"
	StateRunning      State = "running"
	StatePreempted    State = "preempted"
	StateSucceeded    State = "succeeded"
	StateFailed       State = "failed"
	StateBlockedBySEM State = "blocked_by_sem"
	// StateSucceededViaSEM marks a task whose artifacts were produced by a
	// self-execution intervention rather than the original doer.
	StateSucceededViaSEM State = "succeeded_via_sem"
)

// legalTransitions defines the allowed task state moves.
var legalTransitions = map[State][]State{
	StatePending:      {StateQueued, StateFailed},
	StateQueued:       {StateRunning, StatePreempted, StateFailed},
	StateRunning:      {StateSucceeded, StateFailed, StatePreempted, StateBlockedBySEM},
	StatePreempted:    {StateQueued, StateFailed},
	StateBlockedBySEM: {StateSucceededViaSEM, StateFailed, StateRunning},
	StateSucceeded:    {},
	StateSucceededViaSEM: {},
	StateFailed:       {StateQueued}, // retry re-enqueues
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to State) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Done reports whether the state is terminal for scheduling purposes.
func (s State) Done() bool {
	return s == StateSucceeded || s == StateSucceededViaSEM || s == StateFailed
}

// Budget bounds one task or one run. Zero values mean unlimited for that
// dimension.
type Budget struct {
	MaxCostUSD          float64 `yaml:"max_cost_usd" json:"max_cost_usd"`
	MaxTokens           int     `yaml:"max_tokens" json:"max_tokens"`
	MaxToolMinutes      float64 `yaml:"max_tool_minutes" json:"max_tool_minutes"`
	MaxWallclockMinutes float64 `yaml:"max_wallclock_minutes" json:"max_wallclock_minutes"`
	MaxRetries          int     `yaml:"max_retries" json:"max_retries"`
}

// Validate checks that all budget dimensions are non-negative.
func (b Budget) Validate() error {
	if b.MaxCostUSD < 0 || b.MaxTokens < 0 || b.MaxToolMinutes < 0 ||
		b.MaxWallclockMinutes < 0 || b.MaxRetries < 0 {
		return fmt.Errorf("budget dimensions must be non-negative: %+v", b)
	}
	return nil
}

// Wallclock returns the wallclock budget as a duration, or 0 if unlimited.
func (b Budget) Wallclock() time.Duration {
	return time.Duration(b.MaxWallclockMinutes * float64(time.Minute))
}

// RetryPolicy controls per-task retry behavior. The delay doubles per
// attempt from BackoffBaseMs up to BackoffCapMs.
type RetryPolicy struct {
	MaxAttempts   int   `yaml:"max_attempts" json:"max_attempts"`
	BackoffBaseMs int64 `yaml:"backoff_base_ms" json:"backoff_base_ms"`
	BackoffCapMs  int64 `yaml:"backoff_cap_ms" json:"backoff_cap_ms"`
}

// DefaultRetryPolicy returns the standard policy: 3 attempts, 1 s base,
// 30 s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BackoffBaseMs: 1000, BackoffCapMs: 30000}
}

// Delay returns the backoff before the given retry (0-based):
// min(base * 2^retry, cap).
func (r RetryPolicy) Delay(retry int) time.Duration {
	base := r.BackoffBaseMs
	if base <= 0 {
		base = 1000
	}
	cap := r.BackoffCapMs
	if cap <= 0 {
		cap = 30000
	}
	ms := base
	for i := 0; i < retry; i++ {
		ms *= 2
		if ms >= cap {
			ms = cap
			break
		}
	}
	if ms > cap {
		ms = cap
	}
	return time.Duration(ms) * time.Millisecond
}

// Metrics records what a completed invocation consumed.
type Metrics struct {
	DurationMs  int64   `json:"duration_ms"`
	Tokens      int     `json:"tokens"`
	ToolMinutes float64 `json:"tool_minutes"`
	CostUSD     float64 `json:"cost_usd"`
	RetryCount  int     `json:"retry_count"`
}

// Add accumulates other into m.
func (m *Metrics) Add(other Metrics) {
	m.DurationMs += other.DurationMs
	m.Tokens += other.Tokens
	m.ToolMinutes += other.ToolMinutes
	m.CostUSD += other.CostUSD
	m.RetryCount += other.RetryCount
}

// Spec describes one agent or tool invocation.
type Spec struct {
	ID       string        `json:"id"`
	RunID    string        `json:"run_id"`
	TenantID string        `json:"tenant_id"`
	Phase    string        `json:"phase"`
	Type     Type          `json:"type"`
	Target   string        `json:"target"`
	Input    map[string]any `json:"input,omitempty"`

	Budget         Budget        `json:"budget"`
	Dependencies   []string      `json:"dependencies,omitempty"`
	IdempotenceKey string        `json:"idempotence_key,omitempty"`
	Priority       PriorityClass `json:"priority_class"`
	Retry          RetryPolicy   `json:"retry_policy"`

	// MustSucceed marks tasks counted against the partial-success
	// threshold; optional tasks may fail without failing the phase.
	MustSucceed bool `json:"must_succeed"`
	// ReplaceDoer permits a self-execution takeover after repeated
	// failures.
	ReplaceDoer bool `json:"replace_doer"`
	// Produces names the artifact types this task is expected to emit.
	Produces []string `json:"produces,omitempty"`

	State           State     `json:"state"`
	Preempted       bool      `json:"preempted"`
	PreemptionCount int       `json:"preemption_count"`
	Attempt         int       `json:"attempt"`
	EnqueuedAt      time.Time `json:"enqueued_at,omitempty"`
	StartedAt       time.Time `json:"started_at,omitempty"`
	CompletedAt     time.Time `json:"completed_at,omitempty"`
	Usage           Metrics   `json:"usage"`
	Error           string    `json:"error,omitempty"`
}

// Validate checks structural invariants of a spec before submission.
func (s *Spec) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("task ID is required")
	}
	if s.RunID == "" {
		return fmt.Errorf("task %s: run ID is required", s.ID)
	}
	if s.Phase == "" {
		return fmt.Errorf("task %s: phase is required", s.ID)
	}
	if s.Type != TypeAgent && s.Type != TypeTool {
		return fmt.Errorf("task %s: type must be agent or tool, got %q", s.ID, s.Type)
	}
	if s.Target == "" {
		return fmt.Errorf("task %s: target is required", s.ID)
	}
	for _, dep := range s.Dependencies {
		if dep == s.ID {
			return fmt.Errorf("task %s depends on itself", s.ID)
		}
	}
	return s.Budget.Validate()
}

// Transition moves the task to a new state, rejecting illegal moves.
func (s *Spec) Transition(to State) error {
	if !CanTransition(s.State, to) {
		return fmt.Errorf("task %s: illegal state transition %s -> %s", s.ID, s.State, to)
	}
	s.State = to
	switch to {
	case StateQueued:
		s.EnqueuedAt = time.Now()
	case StateRunning:
		s.StartedAt = time.Now()
	case StateSucceeded, StateSucceededViaSEM, StateFailed:
		s.CompletedAt = time.Now()
	case StatePreempted:
		s.Preempted = true
		s.PreemptionCount++
	}
	return nil
}
