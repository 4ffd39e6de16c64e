// Package engine drives the run lifecycle: it creates runs, sequences
// pipeline phases through the coordinator, honors budget and gate
// pause conditions, and owns the legal state graph of a run.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/ideamine/conductor/internal/budget"
	"github.com/ideamine/conductor/internal/coordinator"
	cerr "github.com/ideamine/conductor/internal/errors"
	"github.com/ideamine/conductor/internal/events"
	"github.com/ideamine/conductor/internal/ledger"
	"github.com/ideamine/conductor/internal/quota"
	"github.com/ideamine/conductor/internal/sched"
	"github.com/ideamine/conductor/internal/storage"
	"github.com/ideamine/conductor/internal/task"
)

// Pause reasons.
const (
	PauseReasonBudget    = "budget"
	PauseReasonGateBlock = "gate-block"
)

// Engine is the top-level run state machine.
type Engine struct {
	db       *storage.DB
	coord    *coordinator.Coordinator
	pipeline *coordinator.Pipeline
	led      *ledger.Ledger
	guard    *budget.Guard
	quota    *quota.Enforcer
	sched    *sched.Scheduler
	hb       *HeartbeatMonitor
	pub      events.Publisher
	logger   *slog.Logger

	retry task.RetryPolicy
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithPublisher sets the event publisher.
func WithPublisher(pub events.Publisher) Option {
	return func(e *Engine) { e.pub = pub }
}

// WithBudgetGuard attaches a budget guard; runs are tracked on create
// and resume, and budget pause decisions pause the run.
func WithBudgetGuard(g *budget.Guard) Option {
	return func(e *Engine) { e.guard = g }
}

// WithHeartbeatMonitor attaches the stall watch; the engine beats at
// each phase iteration and forgets the phase when it settles.
func WithHeartbeatMonitor(m *HeartbeatMonitor) Option {
	return func(e *Engine) { e.hb = m }
}

// WithQuotaEnforcer attaches the tenant quota enforcer; each phase's
// spend is charged to the tenant's usage windows.
func WithQuotaEnforcer(enf *quota.Enforcer) Option {
	return func(e *Engine) { e.quota = enf }
}

// WithScheduler attaches the scheduler so a budget pause can preempt
// the run's preemptible tasks.
func WithScheduler(s *sched.Scheduler) Option {
	return func(e *Engine) { e.sched = s }
}

// WithRetryPolicy overrides the phase retry backoff.
func WithRetryPolicy(p task.RetryPolicy) Option {
	return func(e *Engine) { e.retry = p }
}

// New creates an engine over the given coordinator and pipeline.
func New(db *storage.DB, coord *coordinator.Coordinator, pipeline *coordinator.Pipeline, led *ledger.Ledger, opts ...Option) *Engine {
	e := &Engine{
		db:       db,
		coord:    coord,
		pipeline: pipeline,
		led:      led,
		pub:      events.NewNopPublisher(),
		logger:   slog.Default(),
		retry:    task.DefaultRetryPolicy(),
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CreateRun validates the budget, enforces the tenant's concurrent-run
// cap, and persists a run in the created state.
func (e *Engine) CreateRun(ctx context.Context, tenantID, userID, ideaSpecID string, b task.Budget) (*storage.Run, error) {
	if err := b.Validate(); err != nil {
		return nil, cerr.ErrConfigInvalid("budget", err.Error())
	}
	if b.MaxCostUSD == 0 {
		return nil, cerr.ErrConfigMissing("budget.max_cost_usd")
	}

	q, err := e.db.GetTenantQuota(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if q != nil && q.MaxConcurrentRuns > 0 {
		active, err := e.db.CountActiveRuns(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		if active >= q.MaxConcurrentRuns {
			return nil, cerr.ErrQuotaExceeded(tenantID, "concurrent_runs",
				float64(active), float64(q.MaxConcurrentRuns))
		}
	}

	run := &storage.Run{
		ID:         task.NewRunID(),
		TenantID:   tenantID,
		UserID:     userID,
		IdeaSpecID: ideaSpecID,
		State:      StateCreated,
		Budget:     b,
	}
	if err := e.db.SaveRun(ctx, run); err != nil {
		return nil, err
	}
	if e.guard != nil {
		e.guard.Track(run.ID, tenantID, b, task.Metrics{})
	}
	e.pub.Publish(events.NewEvent(events.EventRunCreated, run.ID, events.RunLifecycle{
		RunID: run.ID,
		By:    userID,
	}))
	e.logger.Info("run created", "run_id", run.ID, "tenant_id", tenantID,
		"max_cost_usd", b.MaxCostUSD)
	return run, nil
}

// Execute drives the phase loop until the run completes, pauses, or
// fails. Entering with a phase state continues from that phase.
func (e *Engine) Execute(ctx context.Context, run *storage.Run) error {
	start := 0
	switch {
	case run.State == StateCreated:
		if run.StartedAt.IsZero() {
			run.StartedAt = time.Now().UTC()
		}
	case IsPhase(run.State):
		start = phaseIndex(run.State)
	default:
		return cerr.ErrRunInvalidState(run.ID, run.State, "created or a phase")
	}

	for i := start; i < len(phaseOrder); i++ {
		phase := phaseOrder[i]
		m := e.pipeline.Find(phase)
		if m == nil {
			continue
		}
		if run.State != phase {
			if err := e.setState(ctx, run, phase); err != nil {
				return err
			}
		}

		if e.hb != nil {
			e.hb.Beat(run.ID, phase, phase)
		}
		outcome, err := e.coord.ExecutePhase(ctx, run, m)
		if e.hb != nil {
			e.hb.Forget(run.ID, phase)
		}
		if err != nil {
			if cerr.IsRetryable(err) && e.retryPhase(ctx, run) {
				i--
				continue
			}
			e.failRun(ctx, run, err.Error())
			return err
		}

		run.Usage.Add(outcome.Usage)
		if err := e.db.SaveRun(ctx, run); err != nil {
			return err
		}
		e.chargeTenant(ctx, run, outcome.Usage)
		var decisions []budget.Decision
		if e.guard != nil {
			if decisions, err = e.guard.Record(ctx, run.ID, outcome.Usage); err != nil {
				e.logger.Warn("budget record failed", "run_id", run.ID, "error", err)
			}
		}

		switch outcome.Status {
		case coordinator.PhasePassed, coordinator.PhaseEscalated:
			run.RetryCount = 0
			if outcome.Status == coordinator.PhaseEscalated {
				e.logger.Warn("phase escalated, advancing with warnings",
					"run_id", run.ID, "phase", phase, "score", outcome.GateScore)
			}
		case coordinator.PhaseBlocked:
			return e.pause(ctx, run, PauseReasonGateBlock, phase)
		case coordinator.PhaseFailed:
			if e.retryPhase(ctx, run) {
				i--
				continue
			}
			e.failRun(ctx, run, "phase "+phase+" failed after max retries")
			return cerr.ErrMaxRetries("phase "+phase, run.RetryCount)
		}

		if paused, err := e.applyBudget(ctx, run, i, decisions); err != nil || paused {
			return err
		}
	}

	return e.complete(ctx, run)
}

// retryPhase waits out the backoff and reports whether the phase
// should be re-executed. The counter persists across pauses.
func (e *Engine) retryPhase(ctx context.Context, run *storage.Run) bool {
	if run.RetryCount >= run.Budget.MaxRetries {
		return false
	}
	delay := e.retry.Delay(run.RetryCount)
	run.RetryCount++
	e.logger.Info("retrying phase", "run_id", run.ID, "phase", run.State,
		"retry", run.RetryCount, "delay", delay)
	if err := e.db.SaveRun(ctx, run); err != nil {
		e.logger.Warn("run save failed during retry", "run_id", run.ID, "error", err)
	}
	return e.sleep(ctx, delay) == nil
}

// applyBudget pauses the run when a pause threshold fired or the cost
// ceiling is reached. The next phase is the resume point.
func (e *Engine) applyBudget(ctx context.Context, run *storage.Run, idx int, decisions []budget.Decision) (bool, error) {
	resumeFrom := StateGA
	if idx+1 < len(phaseOrder) {
		resumeFrom = phaseOrder[idx+1]
	}

	for _, d := range decisions {
		if !d.ShouldPause() {
			continue
		}
		e.preemptForBudget(ctx, run, d)
		return true, e.pause(ctx, run, PauseReasonBudget, resumeFrom)
	}
	if e.guard != nil && e.guard.Frozen(run.ID) {
		return true, e.pause(ctx, run, PauseReasonBudget, resumeFrom)
	}
	if run.Budget.MaxCostUSD > 0 && run.Usage.CostUSD >= run.Budget.MaxCostUSD {
		return true, e.pause(ctx, run, PauseReasonBudget, resumeFrom)
	}
	return false, nil
}

// preemptForBudget hands the run's preemptible tasks back to the queue
// when a budget pause fires.
func (e *Engine) preemptForBudget(ctx context.Context, run *storage.Run, d budget.Decision) {
	if e.sched == nil {
		return
	}
	victims := e.sched.Preempt(ctx, "budget", d.Dimension, d.PercentUsed, 0)
	if len(victims) == 0 || e.guard == nil {
		return
	}
	ids := make([]string, len(victims))
	classes := make([]task.PriorityClass, len(victims))
	for i, v := range victims {
		ids[i] = v.ID
		classes[i] = v.Priority
	}
	e.guard.RecordPreemption(ctx, run.ID, ids, classes, d.Dimension)
}

// chargeTenant records a phase's spend against the tenant's usage
// windows. The spend already happened, so a denial cannot fail the
// run: the enforcer persists the violation and sets the throttle
// marker, and the sample is recorded anyway to keep the books right.
func (e *Engine) chargeTenant(ctx context.Context, run *storage.Run, u task.Metrics) {
	if e.quota == nil || run.TenantID == "" {
		return
	}
	charges := []struct {
		resource string
		amount   float64
		unit     string
	}{
		{quota.ResourceCost, u.CostUSD, "usd"},
		{quota.ResourceTokens, float64(u.Tokens), "tokens"},
	}
	for _, ch := range charges {
		if ch.amount <= 0 {
			continue
		}
		uc := quota.UsageContext{RunID: run.ID, Unit: ch.unit}
		_, err := e.quota.EnforceQuota(ctx, run.TenantID, ch.resource, ch.amount, uc)
		if err == nil {
			continue
		}
		if cerr.CategoryOf(err) == cerr.CategoryPolicy {
			if rerr := e.quota.RecordUsage(ctx, run.TenantID, ch.resource, ch.amount, uc); rerr != nil {
				e.logger.Warn("usage sample dropped after quota denial",
					"run_id", run.ID, "tenant_id", run.TenantID,
					"resource", ch.resource, "error", rerr)
			}
			e.logger.Warn("tenant over quota after phase spend",
				"run_id", run.ID, "tenant_id", run.TenantID,
				"resource", ch.resource, "amount", ch.amount)
			continue
		}
		e.logger.Warn("usage recording failed",
			"run_id", run.ID, "tenant_id", run.TenantID,
			"resource", ch.resource, "error", err)
	}
}

// Resume continues a paused run from the phase it paused at.
func (e *Engine) Resume(ctx context.Context, runID, by string) (*storage.Run, error) {
	run, err := e.db.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, cerr.ErrRunNotFound(runID)
	}
	if run.State != StatePaused {
		return nil, cerr.ErrRunInvalidState(runID, run.State, StatePaused)
	}

	target := run.PausedFrom
	if target == StateGA {
		run.State = StateGA
		run.PausedReason, run.PausedFrom = "", ""
		if err := e.db.SaveRun(ctx, run); err != nil {
			return nil, err
		}
		return run, e.complete(ctx, run)
	}
	if !IsPhase(target) {
		target = phaseOrder[0]
	}
	next, err := transition(run.State, target)
	if err != nil {
		return nil, err
	}
	run.State = next
	run.PausedReason, run.PausedFrom = "", ""
	if err := e.db.SaveRun(ctx, run); err != nil {
		return nil, err
	}
	if e.guard != nil {
		e.guard.Track(run.ID, run.TenantID, run.Budget, run.Usage)
	}
	e.pub.Publish(events.NewEvent(events.EventRunResumed, run.ID, events.RunLifecycle{
		RunID: run.ID,
		By:    by,
	}))
	e.logger.Info("run resumed", "run_id", run.ID, "from", target, "by", by)
	return run, e.Execute(ctx, run)
}

// FailRun terminally fails a run with a reason.
func (e *Engine) FailRun(ctx context.Context, run *storage.Run, reason string) error {
	if IsTerminal(run.State) {
		return cerr.ErrRunInvalidState(run.ID, run.State, "non-terminal")
	}
	e.failRun(ctx, run, reason)
	return nil
}

// Cancel terminally cancels a run.
func (e *Engine) Cancel(ctx context.Context, run *storage.Run, by string) error {
	next, err := transition(run.State, StateCancelled)
	if err != nil {
		return err
	}
	run.State = next
	run.CompletedAt = time.Now().UTC()
	if err := e.db.SaveRun(ctx, run); err != nil {
		return err
	}
	if e.guard != nil {
		e.guard.Forget(run.ID)
	}
	e.recordLifecycle(ctx, run, "cancelled", by)
	e.pub.Publish(events.NewEvent(events.EventRunFailed, run.ID, events.RunLifecycle{
		RunID:  run.ID,
		Reason: "cancelled",
		By:     by,
	}))
	return nil
}

func (e *Engine) pause(ctx context.Context, run *storage.Run, reason, from string) error {
	next, err := transition(run.State, StatePaused)
	if err != nil {
		return err
	}
	run.State = next
	run.PausedReason = reason
	run.PausedFrom = from
	if err := e.db.SaveRun(ctx, run); err != nil {
		return err
	}
	e.recordLifecycle(ctx, run, "paused: "+reason, "engine")
	e.pub.Publish(events.NewEvent(events.EventRunPaused, run.ID, events.RunLifecycle{
		RunID:  run.ID,
		Reason: reason,
	}))
	e.logger.Info("run paused", "run_id", run.ID, "reason", reason, "resume_from", from)
	return nil
}

func (e *Engine) failRun(ctx context.Context, run *storage.Run, reason string) {
	run.State = StateFailed
	run.PausedReason = ""
	run.CompletedAt = time.Now().UTC()
	if err := e.db.SaveRun(ctx, run); err != nil {
		e.logger.Error("run save failed while failing", "run_id", run.ID, "error", err)
	}
	if e.guard != nil {
		e.guard.Forget(run.ID)
	}
	e.recordLifecycle(ctx, run, "failed: "+reason, "engine")
	e.pub.Publish(events.NewEvent(events.EventRunFailed, run.ID, events.RunLifecycle{
		RunID:  run.ID,
		Reason: reason,
	}))
	e.logger.Error("run failed", "run_id", run.ID, "reason", reason)
}

func (e *Engine) complete(ctx context.Context, run *storage.Run) error {
	switch {
	case run.State == StateGA:
	case run.State == StateCreated:
		// Empty pipeline: nothing ran, the run still completes.
		run.State = StateGA
	default:
		next, err := transition(run.State, StateGA)
		if err != nil {
			return err
		}
		run.State = next
	}
	run.CompletedAt = time.Now().UTC()
	if err := e.db.SaveRun(ctx, run); err != nil {
		return err
	}
	if e.guard != nil {
		e.guard.Forget(run.ID)
	}
	e.recordLifecycle(ctx, run, "completed", "engine")
	e.pub.Publish(events.NewEvent(events.EventRunCompleted, run.ID, events.RunLifecycle{
		RunID: run.ID,
	}))
	e.logger.Info("run completed", "run_id", run.ID,
		"cost_usd", run.Usage.CostUSD, "tokens", run.Usage.Tokens)
	return nil
}

func (e *Engine) recordLifecycle(ctx context.Context, run *storage.Run, what, by string) {
	if e.led == nil {
		return
	}
	err := e.led.RecordDecision(ctx, run.ID, map[string]any{
		"kind":   "run_lifecycle",
		"state":  run.State,
		"detail": what,
	}, by)
	if err != nil {
		e.logger.Warn("lifecycle ledger append failed", "run_id", run.ID, "error", err)
	}
}

func (e *Engine) setState(ctx context.Context, run *storage.Run, phase string) error {
	next, err := transition(run.State, phase)
	if err != nil {
		return err
	}
	run.State = next
	return e.db.SaveRun(ctx, run)
}
