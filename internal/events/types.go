// Package events provides event types and publishing infrastructure for
// conductor. Events are values emitted into a Publisher; transport to
// dashboards or queues is decided by the embedder.
package events

import (
	"time"
)

// EventType defines the type of event.
type EventType string

const (
	// Run lifecycle events

	// EventRunCreated indicates a run was created.
	EventRunCreated EventType = "run.created"
	// EventRunPaused indicates a run was paused (budget or gate-block).
	EventRunPaused EventType = "run.paused"
	// EventRunResumed indicates a paused run was resumed.
	EventRunResumed EventType = "run.resumed"
	// EventRunFailed indicates a run failed terminally.
	EventRunFailed EventType = "run.failed"
	// EventRunCompleted indicates a run reached GA.
	EventRunCompleted EventType = "run.completed"

	// Phase events (external shapes consumed by dashboards)

	// EventPhaseStarted indicates a phase began executing.
	EventPhaseStarted EventType = "phase.started"
	// EventPhaseProgress indicates task-completion progress inside a phase.
	EventPhaseProgress EventType = "phase.progress"
	// EventPhaseReady indicates all phase artifacts are produced.
	EventPhaseReady EventType = "phase.ready"
	// EventGatePassed indicates a phase gate passed.
	EventGatePassed EventType = "phase.gate.passed"
	// EventGateFailed indicates a phase gate failed.
	EventGateFailed EventType = "phase.gate.failed"
	// EventPhaseStalled indicates no progress within the stall window.
	EventPhaseStalled EventType = "phase.stalled"
	// EventPhaseCompleted indicates a phase finished (any status).
	EventPhaseCompleted EventType = "phase.completed"

	// Resource events

	// EventBudgetAlert indicates a budget threshold fired.
	EventBudgetAlert EventType = "budget.alert"
	// EventQuotaViolation indicates a tenant quota admission was refused
	// or burst-allowed.
	EventQuotaViolation EventType = "quota.violation"
	// EventTaskPreempted indicates a task was preempted under pressure.
	EventTaskPreempted EventType = "task.preempted"

	// Self-execution events

	// EventSEMActivated indicates the orchestrator claimed a blocked step.
	EventSEMActivated EventType = "sem.activated"
	// EventSEMCompleted indicates a self-execution intervention finished.
	EventSEMCompleted EventType = "sem.completed"

	// EventHeartbeat indicates a task is still making progress.
	EventHeartbeat EventType = "heartbeat"
)

// Event represents a published event.
type Event struct {
	Type  EventType `json:"type"`
	RunID string    `json:"run_id"`
	Data  any       `json:"data"`
	Time  time.Time `json:"time"`
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(eventType EventType, runID string, data any) Event {
	return Event{
		Type:  eventType,
		RunID: runID,
		Data:  data,
		Time:  time.Now(),
	}
}

// PhaseBudgets is the per-phase budget slice carried on phase.started.
type PhaseBudgets struct {
	Tokens           int     `json:"tokens"`
	ToolsMinutes     float64 `json:"toolsMinutes"`
	WallclockMinutes float64 `json:"wallclockMinutes"`
}

// Usage summarizes resource consumption for phase events.
type Usage struct {
	Tokens       int     `json:"tokens"`
	ToolsMinutes float64 `json:"toolsMinutes"`
	WallclockMs  int64   `json:"wallclockMs"`
	CostUSD      float64 `json:"costUsd,omitempty"`
}

// Progress describes task completion inside a phase.
type Progress struct {
	Completed   int     `json:"completed"`
	Total       int     `json:"total"`
	Percent     float64 `json:"percent"`
	CurrentTask string  `json:"currentTask,omitempty"`
}

// GuardReport is the outcome of one guard check. Scores are in [0,1].
type GuardReport struct {
	Type      string    `json:"type"`
	Pass      bool      `json:"pass"`
	Score     float64   `json:"score"`
	Reasons   []string  `json:"reasons,omitempty"`
	Severity  string    `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

// FailureReason describes one cause of a gate failure.
type FailureReason struct {
	Category    string `json:"category"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Suggestion  string `json:"suggestion,omitempty"`
}

// PhaseStarted is the payload of phase.started.
type PhaseStarted struct {
	RunID       string       `json:"runId"`
	Phase       string       `json:"phase"`
	Budgets     PhaseBudgets `json:"budgets"`
	Agents      []string     `json:"agents"`
	Parallelism string       `json:"parallelism"`
}

// PhaseProgress is the payload of phase.progress.
type PhaseProgress struct {
	RunID    string   `json:"runId"`
	Phase    string   `json:"phase"`
	Progress Progress `json:"progress"`
	Usage    Usage    `json:"usage"`
}

// PhaseReady is the payload of phase.ready.
type PhaseReady struct {
	RunID     string   `json:"runId"`
	Phase     string   `json:"phase"`
	Artifacts []string `json:"artifacts"`
	Usage     Usage    `json:"usage"`
	KmapRefs  []string `json:"kmapRefs,omitempty"`
}

// GatePassed is the payload of phase.gate.passed. GateScore is
// normalized to [0,1].
type GatePassed struct {
	RunID         string        `json:"runId"`
	Phase         string        `json:"phase"`
	GateScore     float64       `json:"gateScore"`
	PassThreshold float64       `json:"passThreshold"`
	GuardReports  []GuardReport `json:"guardReports"`
	QAVSummary    string        `json:"qavSummary,omitempty"`
	NextPhase     string        `json:"nextPhase"`
}

// GateFailed is the payload of phase.gate.failed.
type GateFailed struct {
	RunID           string          `json:"runId"`
	Phase           string          `json:"phase"`
	GateScore       float64         `json:"gateScore"`
	GuardReports    []GuardReport   `json:"guardReports"`
	FailureReasons  []FailureReason `json:"failureReasons"`
	Attempt         int             `json:"attempt"`
	MaxAttempts     int             `json:"maxAttempts"`
	AutoFixStrategy string          `json:"autoFixStrategy"`
}

// PhaseStalled is the payload of phase.stalled.
type PhaseStalled struct {
	RunID           string    `json:"runId"`
	Phase           string    `json:"phase"`
	StallDurationMs int64     `json:"stallDurationMs"`
	LastProgress    time.Time `json:"lastProgress"`
	SuspectedCause  string    `json:"suspectedCause"`
	UnstickerAction string    `json:"unstickerAction"`
}

// PhaseCompleted is the payload of phase.completed.
type PhaseCompleted struct {
	RunID      string   `json:"runId"`
	Phase      string   `json:"phase"`
	Status     string   `json:"status"` // success, failed, timeout, cancelled
	DurationMs int64    `json:"durationMs"`
	Usage      Usage    `json:"usage"`
	Artifacts  []string `json:"artifacts"`
	GateScore  float64  `json:"gateScore"`
	Attempts   int      `json:"attempts"`
	Errors     []string `json:"errors,omitempty"`
	NextPhase  string   `json:"nextPhase,omitempty"`
}

// RunLifecycle is the payload of run.paused/resumed/failed/completed.
type RunLifecycle struct {
	RunID  string `json:"runId"`
	Reason string `json:"reason,omitempty"`
	By     string `json:"by,omitempty"`
}

// BudgetAlert is the payload of budget.alert.
type BudgetAlert struct {
	RunID       string  `json:"runId"`
	TenantID    string  `json:"tenantId"`
	EventType   string  `json:"eventType"` // warn, throttle, pause, preempt
	Dimension   string  `json:"dimension"` // cost, tokens, tool_minutes, wallclock
	PercentUsed float64 `json:"percentUsed"`
	Action      string  `json:"action"`
}

// QuotaViolation is the payload of quota.violation.
type QuotaViolation struct {
	TenantID string  `json:"tenantId"`
	Resource string  `json:"resource"`
	Used     float64 `json:"used"`
	Quota    float64 `json:"quota"`
	Severity string  `json:"severity"`
	Action   string  `json:"action"` // rejected, burst_allowed, throttled
}

// TaskPreempted is the payload of task.preempted.
type TaskPreempted struct {
	RunID        string `json:"runId"`
	TaskID       string `json:"taskId"`
	Priority     string `json:"priority"`
	Reason       string `json:"reason"`
	ResourceType string `json:"resourceType"`
}

// SEMUpdate is the payload of sem.activated and sem.completed.
type SEMUpdate struct {
	RunID          string   `json:"runId"`
	InterventionID string   `json:"interventionId"`
	Phase          string   `json:"phase"`
	TaskID         string   `json:"taskId"`
	Trigger        string   `json:"trigger,omitempty"`
	Status         string   `json:"status"`
	ToolsUsed      []string `json:"toolsUsed,omitempty"`
	GateScore      float64  `json:"gateScore,omitempty"`
}

// HeartbeatData is the payload of heartbeat events.
type HeartbeatData struct {
	RunID     string    `json:"runId"`
	TaskID    string    `json:"taskId"`
	Phase     string    `json:"phase"`
	Timestamp time.Time `json:"timestamp"`
}
