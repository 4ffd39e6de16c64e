// Package sem implements self-execution mode: when a doer stops making
// progress, the orchestrator snapshots the blocked step, plans a
// minimal set of allow-listed tool invocations to produce the missing
// artifacts, executes them under guard checks, and hands the result
// back through the phase gate. It never bypasses the Gatekeeper.
package sem

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ideamine/conductor/internal/artifact"
	"github.com/ideamine/conductor/internal/dispatch"
	cerr "github.com/ideamine/conductor/internal/errors"
	"github.com/ideamine/conductor/internal/events"
	"github.com/ideamine/conductor/internal/gate"
	"github.com/ideamine/conductor/internal/ledger"
	"github.com/ideamine/conductor/internal/metrics"
	"github.com/ideamine/conductor/internal/storage"
	"github.com/ideamine/conductor/internal/task"
)

// Triggers that activate an intervention.
const (
	TriggerHeartbeatTimeout = "heartbeat_timeout"
	TriggerNoProgress       = "no_progress"
	TriggerSchemaFailures   = "consecutive_schema_failures"
	TriggerToolFailures     = "consecutive_tool_failures"
	TriggerGateDeadlock     = "gate_deadlock"
	TriggerUnderperformance = "slo_underperformance"
)

// Intervention statuses.
const (
	StatusClaimed   = "claimed"
	StatusExecuting = "executing"
	StatusCompleted = "completed"
	StatusHandback  = "handed_back"
	StatusFailed    = "failed"
)

// BlockedStepContext is the frozen state of the step being taken over.
type BlockedStepContext struct {
	RunID             string         `json:"runId"`
	Phase             string         `json:"phase"`
	TaskID            string         `json:"taskId"`
	Trigger           string         `json:"trigger"`
	TriggerDetails    string         `json:"triggerDetails,omitempty"`
	OriginalDoer      string         `json:"originalDoer"`
	RequiredArtifacts []string       `json:"requiredArtifacts"`
	Inputs            map[string]any `json:"inputs,omitempty"`
	RemainingBudget   task.Budget    `json:"remainingBudget"`
	AllowedTools      []string       `json:"allowedTools"`
	Rubric            gate.Rubric    `json:"gateRubrics,omitempty"`
}

// PassCriteria are the per-step quality floors attached to a plan step.
type PassCriteria struct {
	MinCompleteness float64 `json:"minCompleteness"`
	MinGrounding    float64 `json:"minGrounding"`
}

// PlanStep assigns one allow-listed tool to one required artifact.
type PlanStep struct {
	ArtifactType string       `json:"artifactType"`
	Tool         string       `json:"tool"`
	Criteria     PassCriteria `json:"criteria"`
}

// Outcome summarizes a finished intervention.
type Outcome struct {
	InterventionID string               `json:"interventionId"`
	Status         string               `json:"status"`
	Artifacts      []*artifact.Artifact `json:"artifacts,omitempty"`
	GateScore      float64              `json:"gateScore"`
	// Hints carries the gate failure reasons back to the original doer
	// when the produced artifacts did not clear the threshold.
	Hints []string `json:"hints,omitempty"`
}

// Options bound an intervention.
type Options struct {
	MaxPerPhase  int
	MaxPlanSteps int
	StepTimeout  time.Duration
}

// DefaultOptions allows two interventions per phase, eight plan steps,
// two minutes per step.
func DefaultOptions() Options {
	return Options{MaxPerPhase: 2, MaxPlanSteps: 8, StepTimeout: 2 * time.Minute}
}

// Executor runs self-execution interventions.
type Executor struct {
	db       *storage.DB
	ledger   *ledger.Ledger
	gk       *gate.Gatekeeper
	registry *dispatch.Registry
	disp     *dispatch.Dispatcher
	pub      events.Publisher
	logger   *slog.Logger
	opts     Options
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithPublisher sets the event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(e *Executor) {
		if p != nil {
			e.pub = p
		}
	}
}

// WithOptions overrides the intervention bounds.
func WithOptions(opts Options) Option {
	return func(e *Executor) { e.opts = opts }
}

// New creates an Executor. The dispatcher is reused for tool
// invocations so manifests, schema validation, and timeouts apply to
// self-executed steps exactly as they do to doer steps.
func New(db *storage.DB, led *ledger.Ledger, gk *gate.Gatekeeper, registry *dispatch.Registry, disp *dispatch.Dispatcher, opts ...Option) *Executor {
	e := &Executor{
		db:       db,
		ledger:   led,
		gk:       gk,
		registry: registry,
		disp:     disp,
		pub:      events.NewNopPublisher(),
		logger:   slog.Default(),
		opts:     DefaultOptions(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Intervene claims the blocked step, plans, executes, and validates.
// It returns the outcome together with the persisted intervention ID;
// an error means the intervention could not run at all (cap reached,
// no viable plan), not that the artifacts failed the gate.
func (e *Executor) Intervene(ctx context.Context, bsc *BlockedStepContext, blocked *task.Spec) (*Outcome, error) {
	count, err := e.db.CountSEMInterventions(ctx, bsc.RunID, bsc.Phase)
	if err != nil {
		return nil, err
	}
	if e.opts.MaxPerPhase > 0 && count >= e.opts.MaxPerPhase {
		return nil, cerr.ErrMaxRetries(
			fmt.Sprintf("self-execution in phase %s", bsc.Phase), count)
	}

	plan, err := e.Plan(bsc)
	if err != nil {
		return nil, err
	}

	intervention, err := e.claim(ctx, bsc, blocked, plan)
	if err != nil {
		return nil, err
	}

	artifacts, toolsUsed, stepErr := e.execute(ctx, bsc, plan)
	if stepErr != nil {
		return e.finish(ctx, intervention, &Outcome{
			InterventionID: intervention.ID,
			Status:         StatusFailed,
			Hints:          []string{stepErr.Error()},
		}, stepErr.Error())
	}

	return e.validate(ctx, bsc, blocked, intervention, artifacts, toolsUsed)
}

// Plan builds the micro-plan: one step per required artifact, assigned
// to the first allow-listed tool able to produce it.
func (e *Executor) Plan(bsc *BlockedStepContext) ([]PlanStep, error) {
	if len(bsc.RequiredArtifacts) == 0 {
		return nil, fmt.Errorf("blocked step %s has no required artifacts to produce", bsc.TaskID)
	}
	allowed := make(map[string]bool, len(bsc.AllowedTools))
	for _, t := range bsc.AllowedTools {
		allowed[t] = true
	}

	var plan []PlanStep
	for _, artType := range bsc.RequiredArtifacts {
		candidates := e.registry.ByProduces(artType)
		var tool string
		for _, m := range candidates {
			if allowed[m.Name] {
				tool = m.Name
				break
			}
		}
		if tool == "" {
			if len(candidates) > 0 {
				return nil, cerr.ErrToolNotAllowed(candidates[0].Name)
			}
			return nil, fmt.Errorf("no registered tool produces artifact type %q", artType)
		}
		plan = append(plan, PlanStep{
			ArtifactType: artType,
			Tool:         tool,
			Criteria:     PassCriteria{MinCompleteness: 0.7, MinGrounding: 0.6},
		})
	}
	if e.opts.MaxPlanSteps > 0 && len(plan) > e.opts.MaxPlanSteps {
		plan = plan[:e.opts.MaxPlanSteps]
	}
	return plan, nil
}

// claim freezes the step: the task moves to blocked_by_sem, the
// intervention row and ledger entry are written, sem.activated fires.
func (e *Executor) claim(ctx context.Context, bsc *BlockedStepContext, blocked *task.Spec, plan []PlanStep) (*storage.SEMIntervention, error) {
	if blocked.State != task.StateBlockedBySEM {
		if err := blocked.Transition(task.StateBlockedBySEM); err != nil {
			return nil, err
		}
		if err := e.db.SaveTask(ctx, blocked); err != nil {
			return nil, err
		}
	}

	planNames := make([]string, len(plan))
	for i, s := range plan {
		planNames[i] = s.Tool + ":" + s.ArtifactType
	}
	intervention := &storage.SEMIntervention{
		ID:             uuid.NewString(),
		RunID:          bsc.RunID,
		Phase:          bsc.Phase,
		TaskID:         bsc.TaskID,
		Trigger:        bsc.Trigger,
		TriggerDetails: bsc.TriggerDetails,
		OriginalDoer:   bsc.OriginalDoer,
		ContextSnapshot: map[string]any{
			"requiredArtifacts": bsc.RequiredArtifacts,
			"inputs":            bsc.Inputs,
			"remainingBudget":   bsc.RemainingBudget,
			"allowedTools":      bsc.AllowedTools,
		},
		MicroPlan: planNames,
		ClaimedAt: time.Now().UTC(),
		Status:    StatusClaimed,
	}
	if err := e.db.SaveSEMIntervention(ctx, intervention); err != nil {
		return nil, err
	}
	if err := e.ledger.RecordDecision(ctx, bsc.RunID, map[string]any{
		"kind":           "sem_claim",
		"interventionId": intervention.ID,
		"phase":          bsc.Phase,
		"taskId":         bsc.TaskID,
		"trigger":        bsc.Trigger,
		"microPlan":      planNames,
	}, "sem"); err != nil {
		return nil, err
	}

	e.pub.Publish(events.NewEvent(events.EventSEMActivated, bsc.RunID, events.SEMUpdate{
		RunID:          bsc.RunID,
		InterventionID: intervention.ID,
		Phase:          bsc.Phase,
		TaskID:         bsc.TaskID,
		Trigger:        bsc.Trigger,
		Status:         StatusClaimed,
	}))
	e.logger.Info("self-execution claimed blocked step",
		"run_id", bsc.RunID, "phase", bsc.Phase, "task", bsc.TaskID,
		"trigger", bsc.Trigger, "plan_steps", len(plan))
	return intervention, nil
}

// execute runs the plan steps in order through the dispatcher, checking
// the step criteria after each. The first failure aborts the plan.
func (e *Executor) execute(ctx context.Context, bsc *BlockedStepContext, plan []PlanStep) ([]*artifact.Artifact, []string, error) {
	var (
		produced  []*artifact.Artifact
		toolsUsed []string
	)
	for i, step := range plan {
		stepCtx, cancel := ctx, context.CancelFunc(func() {})
		if e.opts.StepTimeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, e.opts.StepTimeout)
		}

		spec := &task.Spec{
			ID:       fmt.Sprintf("%s-sem-%d", bsc.TaskID, i+1),
			RunID:    bsc.RunID,
			Phase:    bsc.Phase,
			Type:     task.TypeTool,
			Target:   step.Tool,
			Input:    bsc.Inputs,
			Budget:   bsc.RemainingBudget,
			Priority: task.PriorityP1,
			State:    task.StateRunning,
			Produces: []string{step.ArtifactType},
		}
		res, err := e.disp.Dispatch(stepCtx, spec)
		cancel()
		if err != nil {
			return produced, toolsUsed, fmt.Errorf("plan step %d (%s → %s): %w",
				i+1, step.Tool, step.ArtifactType, err)
		}
		toolsUsed = append(toolsUsed, step.Tool)
		if !res.OK {
			return produced, toolsUsed, fmt.Errorf("plan step %d (%s) failed: %s",
				i+1, step.Tool, res.Error)
		}
		produced = append(produced, res.Artifacts...)

		if reason := e.checkStep(bsc, step, produced); reason != "" {
			return produced, toolsUsed, fmt.Errorf("guard failed after step %d: %s", i+1, reason)
		}
	}
	return produced, toolsUsed, nil
}

// checkStep verifies the step criteria on the artifacts produced so
// far. It returns an empty string when the step holds.
func (e *Executor) checkStep(bsc *BlockedStepContext, step PlanStep, produced []*artifact.Artifact) string {
	have := make(map[string]bool, len(produced))
	for _, a := range produced {
		have[a.Type] = true
	}
	if !have[step.ArtifactType] {
		return fmt.Sprintf("tool %s did not produce required artifact %q", step.Tool, step.ArtifactType)
	}
	if step.Criteria.MinCompleteness > 0 {
		done := 0
		for _, want := range bsc.RequiredArtifacts {
			if have[want] {
				done++
			}
		}
		// Completeness floor applies once every planned step has run.
		if step.ArtifactType == bsc.RequiredArtifacts[len(bsc.RequiredArtifacts)-1] {
			frac := float64(done) / float64(len(bsc.RequiredArtifacts))
			if frac < step.Criteria.MinCompleteness {
				return fmt.Sprintf("completeness %.2f below floor %.2f", frac, step.Criteria.MinCompleteness)
			}
		}
	}
	return ""
}

// validate submits the produced artifacts through the phase gate and
// hands back accordingly.
func (e *Executor) validate(ctx context.Context, bsc *BlockedStepContext, blocked *task.Spec, intervention *storage.SEMIntervention, artifacts []*artifact.Artifact, toolsUsed []string) (*Outcome, error) {
	ev := &gate.Evidence{
		RunID:         bsc.RunID,
		Phase:         bsc.Phase,
		Attempt:       blocked.Attempt + 1,
		CreatedAt:     time.Now().UTC(),
		Artifacts:     artifacts,
		RequiredTypes: bsc.RequiredArtifacts,
		Provenance:    artifact.Provenance{Producer: "sem", When: time.Now().UTC()},
	}
	decision, err := e.gk.Evaluate(ctx, ev, bsc.Rubric)
	if err != nil {
		return nil, err
	}

	intervention.ToolsUsed = toolsUsed
	intervention.GateScore = &decision.Score
	out := &Outcome{
		InterventionID: intervention.ID,
		GateScore:      decision.Score,
		Artifacts:      artifacts,
	}

	if decision.Outcome == gate.OutcomePass {
		for _, a := range artifacts {
			if err := e.db.SaveArtifact(ctx, a, ""); err != nil {
				return nil, err
			}
		}
		if err := blocked.Transition(task.StateSucceededViaSEM); err != nil {
			return nil, err
		}
		if err := e.db.SaveTask(ctx, blocked); err != nil {
			return nil, err
		}
		out.Status = StatusCompleted
		return e.finish(ctx, intervention, out, "")
	}

	// Below threshold: hand back to the original doer with hints.
	for _, r := range decision.FailureReasons {
		out.Hints = append(out.Hints, r.Description)
	}
	out.Status = StatusHandback
	return e.finish(ctx, intervention, out,
		fmt.Sprintf("gate score %.1f below threshold", decision.Score))
}

// finish persists the terminal intervention state, ledgers it, and
// publishes sem.completed.
func (e *Executor) finish(ctx context.Context, intervention *storage.SEMIntervention, out *Outcome, failureReason string) (*Outcome, error) {
	intervention.Status = out.Status
	intervention.CompletedAt = time.Now().UTC()
	intervention.FailureReason = failureReason
	if err := e.db.SaveSEMIntervention(ctx, intervention); err != nil {
		return nil, err
	}

	ledgerData := map[string]any{
		"kind":           "sem_result",
		"interventionId": intervention.ID,
		"phase":          intervention.Phase,
		"taskId":         intervention.TaskID,
		"status":         out.Status,
		"gateScore":      out.GateScore,
		"toolsUsed":      intervention.ToolsUsed,
	}
	if failureReason != "" {
		ledgerData["failureReason"] = failureReason
	}
	if err := e.ledger.RecordDecision(ctx, intervention.RunID, ledgerData, "sem"); err != nil {
		return nil, err
	}

	e.pub.Publish(events.NewEvent(events.EventSEMCompleted, intervention.RunID, events.SEMUpdate{
		RunID:          intervention.RunID,
		InterventionID: intervention.ID,
		Phase:          intervention.Phase,
		TaskID:         intervention.TaskID,
		Status:         out.Status,
		ToolsUsed:      intervention.ToolsUsed,
		GateScore:      out.GateScore,
	}))
	metrics.RecordSEMIntervention(intervention.Phase, out.Status)
	e.logger.Info("self-execution finished",
		"run_id", intervention.RunID, "intervention", intervention.ID,
		"status", out.Status, "gate_score", out.GateScore)

	return out, nil
}
