package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/ideamine/conductor/internal/artifact"
	"github.com/ideamine/conductor/internal/dispatch"
	cerr "github.com/ideamine/conductor/internal/errors"
	"github.com/ideamine/conductor/internal/events"
	"github.com/ideamine/conductor/internal/gate"
	"github.com/ideamine/conductor/internal/ledger"
	"github.com/ideamine/conductor/internal/metrics"
	"github.com/ideamine/conductor/internal/sched"
	"github.com/ideamine/conductor/internal/sem"
	"github.com/ideamine/conductor/internal/storage"
	"github.com/ideamine/conductor/internal/task"
)

// Phase outcome statuses.
const (
	PhasePassed    = "passed"
	PhaseEscalated = "escalated"
	PhaseBlocked   = "blocked"
	PhaseFailed    = "failed"
)

// DefaultPartialThreshold is the fraction of must-succeed tasks a
// parallel phase needs; the effective floor never drops below n-1.
const DefaultPartialThreshold = 0.75

// Outcome summarizes one executed phase.
type Outcome struct {
	Phase     string               `json:"phase"`
	Status    string               `json:"status"`
	GateScore float64              `json:"gateScore"`
	Decision  *gate.Decision       `json:"decision,omitempty"`
	Artifacts []*artifact.Artifact `json:"-"`
	Succeeded int                  `json:"succeeded"`
	Failed    int                  `json:"failed"`
	Attempts  int                  `json:"attempts"`
	Usage     task.Metrics         `json:"usage"`
	Errors    []string             `json:"errors,omitempty"`
}

// Coordinator executes phases.
type Coordinator struct {
	db       *storage.DB
	sched    *sched.Scheduler
	disp     *dispatch.Dispatcher
	gk       *gate.Gatekeeper
	sem      *sem.Executor
	led      *ledger.Ledger
	recorder *metrics.Recorder
	pub      events.Publisher
	logger   *slog.Logger

	maxGateRetries int
	semTools       []string
	nextPhase      map[string]string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithPublisher sets the event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(c *Coordinator) {
		if p != nil {
			c.pub = p
		}
	}
}

// WithSEM enables self-execution takeover with the given tool
// allow-list.
func WithSEM(executor *sem.Executor, allowedTools []string) Option {
	return func(c *Coordinator) {
		c.sem = executor
		c.semTools = allowedTools
	}
}

// WithRecorder wires phase metrics.
func WithRecorder(r *metrics.Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

// WithMaxGateRetries bounds the auto-fix loop.
func WithMaxGateRetries(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxGateRetries = n
		}
	}
}

// WithPhaseOrder tells the coordinator the pipeline's phase sequence
// so gate events can name the phase that follows a pass.
func WithPhaseOrder(order []string) Option {
	return func(c *Coordinator) {
		c.nextPhase = make(map[string]string, len(order))
		for i := 0; i+1 < len(order); i++ {
			c.nextPhase[order[i]] = order[i+1]
		}
	}
}

// New creates a Coordinator.
func New(db *storage.DB, scheduler *sched.Scheduler, dispatcher *dispatch.Dispatcher, gk *gate.Gatekeeper, led *ledger.Ledger, opts ...Option) *Coordinator {
	c := &Coordinator{
		db:             db,
		sched:          scheduler,
		disp:           dispatcher,
		gk:             gk,
		led:            led,
		pub:            events.NewNopPublisher(),
		logger:         slog.Default(),
		maxGateRetries: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ExecutePhase runs one phase to a gate decision. The returned error
// covers structural failures (cycle, missing input, storage); a gate
// block is reported through the Outcome status, not the error.
func (c *Coordinator) ExecutePhase(ctx context.Context, run *storage.Run, m *PhaseManifest) (*Outcome, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	order, err := TopoSort(m.Tasks)
	if err != nil {
		return nil, err
	}
	if err := c.checkInputs(ctx, run.ID, order); err != nil {
		return nil, err
	}

	all := c.buildSpecs(run, m, order)
	c.pub.Publish(events.NewEvent(events.EventPhaseStarted, run.ID, events.PhaseStarted{
		RunID: run.ID,
		Phase: m.Phase,
		Budgets: events.PhaseBudgets{
			Tokens:           run.Budget.MaxTokens - run.Usage.Tokens,
			ToolsMinutes:     run.Budget.MaxToolMinutes - run.Usage.ToolMinutes,
			WallclockMinutes: run.Budget.MaxWallclockMinutes,
		},
		Agents:      targets(all),
		Parallelism: mode(m),
	}))

	outcome := &Outcome{Phase: m.Phase}
	started := time.Now()
	torun := all
	for attempt := 1; ; attempt++ {
		outcome.Attempts = attempt
		if c.recorder != nil {
			if err := c.recorder.PhaseStarted(ctx, run.ID, m.Phase, attempt); err != nil {
				c.logger.Warn("phase metrics start failed", "phase", m.Phase, "error", err)
			}
		}

		if err := c.runTasks(ctx, run, m, torun, outcome); err != nil {
			return nil, err
		}
		c.tally(all, outcome)
		if !c.quorumMet(m, all) {
			outcome.Status = PhaseFailed
			c.completePhase(ctx, run, m, outcome, started)
			return outcome, nil
		}

		pack, err := c.assemblePack(ctx, run.ID, m, attempt)
		if err != nil {
			return nil, err
		}
		maxRetries := m.MaxGateRetries
		if maxRetries <= 0 {
			maxRetries = c.maxGateRetries
		}
		pack.NextPhase = c.nextPhase[m.Phase]
		pack.MaxAttempts = maxRetries
		if coversRequired(pack.Artifacts, m.RequiredTypes) {
			c.pub.Publish(events.NewEvent(events.EventPhaseReady, run.ID, events.PhaseReady{
				RunID:     run.ID,
				Phase:     m.Phase,
				Artifacts: pack.ArtifactIDs(),
				Usage: events.Usage{
					Tokens:       outcome.Usage.Tokens,
					ToolsMinutes: outcome.Usage.ToolMinutes,
					CostUSD:      outcome.Usage.CostUSD,
				},
			}))
		}
		decision, err := c.gk.Evaluate(ctx, pack, m.Rubric)
		if err != nil {
			return nil, err
		}
		outcome.Decision = decision
		outcome.GateScore = decision.Score
		outcome.Artifacts = pack.Artifacts
		if err := c.led.RecordGate(ctx, run.ID, ledger.GateEvent{
			Phase:    m.Phase,
			Attempt:  attempt,
			Score:    decision.Score,
			Decision: decision.Outcome,
		}); err != nil {
			return nil, err
		}

		switch decision.Outcome {
		case gate.OutcomePass:
			outcome.Status = PhasePassed
			c.completePhase(ctx, run, m, outcome, started)
			return outcome, nil
		case gate.OutcomeEscalate:
			outcome.Status = PhaseEscalated
			c.completePhase(ctx, run, m, outcome, started)
			return outcome, nil
		}

		if attempt > maxRetries || decision.Strategy == gate.FixManualIntervention {
			outcome.Status = PhaseBlocked
			c.completePhase(ctx, run, m, outcome, started)
			return outcome, nil
		}

		torun = c.applyStrategy(decision.Strategy, all, pack)
		if len(torun) == 0 {
			outcome.Status = PhaseBlocked
			c.completePhase(ctx, run, m, outcome, started)
			return outcome, nil
		}
		c.logger.Info("applying auto-fix strategy",
			"run_id", run.ID, "phase", m.Phase,
			"strategy", decision.Strategy, "rerun_tasks", len(torun))
	}
}

// checkInputs fails fast when a declared input artifact type is absent
// for the run.
func (c *Coordinator) checkInputs(ctx context.Context, runID string, decls []TaskDecl) error {
	existing, err := c.db.ListArtifacts(ctx, runID, "")
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(existing))
	for _, a := range existing {
		have[a.Type] = true
	}
	for _, d := range decls {
		for _, want := range d.RequiresArtifacts {
			if !have[want] {
				return cerr.ErrMissingInput(d.ID, want)
			}
		}
	}
	return nil
}

func (c *Coordinator) buildSpecs(run *storage.Run, m *PhaseManifest, order []TaskDecl) []*task.Spec {
	specs := make([]*task.Spec, 0, len(order))
	for _, d := range order {
		retry := task.DefaultRetryPolicy()
		if d.Retry != nil {
			retry = *d.Retry
		}
		specs = append(specs, &task.Spec{
			ID:             fmt.Sprintf("%s-%s-%s", run.ID, m.Phase, d.ID),
			RunID:          run.ID,
			TenantID:       run.TenantID,
			Phase:          m.Phase,
			Type:           d.Type,
			Target:         d.Target,
			Input:          d.Input,
			Budget:         d.Budget,
			Dependencies:   qualifyDeps(run.ID, m.Phase, d.DependsOn),
			IdempotenceKey: d.IdempotenceKey,
			Priority:       task.ParsePriorityClass(d.Priority),
			Retry:          retry,
			MustSucceed:    d.MustSucceed,
			ReplaceDoer:    d.ReplaceDoer,
			Produces:       d.Produces,
			State:          task.StatePending,
		})
	}
	return specs
}

// depsSucceeded reports whether every in-phase dependency of s reached
// a successful terminal state. Dependencies outside the phase graph
// count as satisfied.
func depsSucceeded(byID map[string]*task.Spec, s *task.Spec) bool {
	for _, dep := range s.Dependencies {
		d, ok := byID[dep]
		if !ok {
			continue
		}
		if d.State != task.StateSucceeded && d.State != task.StateSucceededViaSEM {
			return false
		}
	}
	return true
}

// coversRequired reports whether the pack holds every required
// artifact type.
func coversRequired(artifacts []*artifact.Artifact, required []string) bool {
	have := make(map[string]bool, len(artifacts))
	for _, a := range artifacts {
		have[a.Type] = true
	}
	for _, want := range required {
		if !have[want] {
			return false
		}
	}
	return true
}

func qualifyDeps(runID, phase string, deps []string) []string {
	out := make([]string, len(deps))
	for i, d := range deps {
		out[i] = fmt.Sprintf("%s-%s-%s", runID, phase, d)
	}
	return out
}

// runTasks drives the current spec set to terminal states through the
// scheduler, honoring the phase's parallelism mode.
func (c *Coordinator) runTasks(ctx context.Context, run *storage.Run, m *PhaseManifest, specs []*task.Spec, outcome *Outcome) error {
	pending := make(map[string]*task.Spec, len(specs))
	for _, s := range specs {
		if s.State.Done() {
			continue
		}
		if err := c.sched.Enqueue(ctx, s); err != nil {
			return err
		}
		pending[s.ID] = s
	}

	batchSize := len(specs)
	if mode(m) == ModeSequential {
		batchSize = 1
	}

	var mu sync.Mutex
	for len(pending) > 0 {
		ready := c.sched.NextReadyForRun(ctx, run.ID, batchSize)
		if len(ready) == 0 {
			if c.sched.RunningCount() > 0 {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			// Remaining tasks are unreachable: deps failed, or the
			// admitters keep refusing an otherwise runnable task.
			byID := make(map[string]*task.Spec, len(specs))
			for _, s := range specs {
				byID[s.ID] = s
			}
			for id, s := range pending {
				if !s.State.Done() {
					c.sched.Evict(s)
					s.State = task.StateFailed
					if depsSucceeded(byID, s) {
						s.Error = "admission refused"
					} else {
						s.Error = "dependency failed"
					}
					if err := c.db.SaveTask(ctx, s); err != nil {
						c.logger.Warn("failed to persist cascaded failure", "task", id, "error", err)
					}
				}
				delete(pending, id)
			}
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, t := range ready {
			t := t
			g.Go(func() error {
				err := c.runOne(gctx, run, t)
				mu.Lock()
				delete(pending, t.ID)
				mu.Unlock()
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		done := 0
		for _, s := range specs {
			if s.State.Done() {
				done++
			}
		}
		c.pub.Publish(events.NewEvent(events.EventPhaseProgress, run.ID, events.PhaseProgress{
			RunID: run.ID,
			Phase: m.Phase,
			Progress: events.Progress{
				Completed: done,
				Total:     len(specs),
				Percent:   float64(done) / float64(len(specs)) * 100,
			},
		}))
	}

	return nil
}

// tally recounts task outcomes over the full phase graph.
func (c *Coordinator) tally(specs []*task.Spec, outcome *Outcome) {
	outcome.Succeeded, outcome.Failed = 0, 0
	outcome.Errors = nil
	outcome.Usage = task.Metrics{}
	for _, s := range specs {
		outcome.Usage.Add(s.Usage)
		switch s.State {
		case task.StateSucceeded, task.StateSucceededViaSEM:
			outcome.Succeeded++
		case task.StateFailed:
			outcome.Failed++
			if s.Error != "" {
				outcome.Errors = append(outcome.Errors, s.ID+": "+s.Error)
			}
		}
	}
}

// runOne executes a single task to a terminal state: dispatch with
// retry/backoff, then self-execution takeover when permitted.
func (c *Coordinator) runOne(ctx context.Context, run *storage.Run, t *task.Spec) error {
	var lastErr error
	for {
		res, err := c.disp.Dispatch(ctx, t)
		if err == nil && res != nil && res.OK {
			t.Usage.Add(res.Metrics)
			if err := t.Transition(task.StateSucceeded); err != nil {
				return err
			}
			if err := c.sched.MarkCompleted(ctx, t); err != nil {
				return err
			}
			return c.recordSuccess(ctx, run.ID, t, res)
		}

		retryable := true
		if err != nil {
			lastErr = err
			// Policy refusals and structural validation errors repeat
			// deterministically; transient and schema failures retry
			// (the schema streak is what arms the takeover).
			switch cerr.CategoryOf(err) {
			case cerr.CategoryPolicy, cerr.CategoryValidation, cerr.CategoryNotFound:
				retryable = false
			}
		} else if res != nil {
			lastErr = fmt.Errorf("%s", res.Error)
		}
		t.Attempt++
		if t.Attempt < t.Retry.MaxAttempts && retryable {
			select {
			case <-time.After(t.Retry.Delay(t.Attempt - 1)):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		break
	}

	if t.ReplaceDoer && c.sem != nil && len(t.Produces) > 0 {
		return c.takeover(ctx, run, t, lastErr)
	}
	return c.fail(ctx, run.ID, t, lastErr)
}

func (c *Coordinator) takeover(ctx context.Context, run *storage.Run, t *task.Spec, cause error) error {
	details := ""
	if cause != nil {
		details = cause.Error()
	}
	bsc := &sem.BlockedStepContext{
		RunID:             t.RunID,
		Phase:             t.Phase,
		TaskID:            t.ID,
		Trigger:           sem.TriggerToolFailures,
		TriggerDetails:    details,
		OriginalDoer:      t.Target,
		RequiredArtifacts: t.Produces,
		Inputs:            t.Input,
		RemainingBudget:   t.Budget,
		AllowedTools:      c.semTools,
	}
	out, err := c.sem.Intervene(ctx, bsc, t)
	if err != nil {
		c.logger.Warn("self-execution refused",
			"run_id", t.RunID, "task", t.ID, "error", err)
		return c.fail(ctx, run.ID, t, cause)
	}
	if out.Status == sem.StatusCompleted {
		if err := c.sched.MarkCompleted(ctx, t); err != nil {
			return err
		}
		return c.led.RecordTask(ctx, t.RunID, ledger.TaskEvent{
			TaskID: t.ID,
			Phase:  t.Phase,
			Target: t.Target,
			State:  string(t.State),
		}, "sem")
	}
	hint := "self-execution below gate threshold"
	if len(out.Hints) > 0 {
		hint = out.Hints[0]
	}
	return c.fail(ctx, run.ID, t, fmt.Errorf("%s", hint))
}

func (c *Coordinator) fail(ctx context.Context, runID string, t *task.Spec, cause error) error {
	if cause != nil {
		t.Error = cause.Error()
	}
	if t.State != task.StateFailed {
		if err := t.Transition(task.StateFailed); err != nil {
			t.State = task.StateFailed
		}
	}
	if err := c.sched.MarkFailed(ctx, t); err != nil {
		return err
	}
	return c.led.RecordTask(ctx, runID, ledger.TaskEvent{
		TaskID: t.ID,
		Phase:  t.Phase,
		Target: t.Target,
		State:  string(t.State),
		Error:  t.Error,
	}, "coordinator")
}

func (c *Coordinator) recordSuccess(ctx context.Context, runID string, t *task.Spec, res *dispatch.Result) error {
	if err := c.led.RecordTask(ctx, runID, ledger.TaskEvent{
		TaskID: t.ID,
		Phase:  t.Phase,
		Target: t.Target,
		State:  string(t.State),
	}, "coordinator"); err != nil {
		return err
	}
	for _, a := range res.Artifacts {
		if !res.Cached {
			if err := c.db.SaveArtifact(ctx, a, ""); err != nil {
				return err
			}
		}
		if err := c.led.RecordArtifact(ctx, runID, ledger.ArtifactEvent{
			ArtifactID:  a.ID,
			TaskID:      t.ID,
			Phase:       t.Phase,
			Type:        a.Type,
			ContentHash: a.ContentHash,
		}, t.Target, a.Provenance.InputArtifactIDs); err != nil {
			return err
		}
	}
	if res.Metrics.CostUSD > 0 || res.Metrics.Tokens > 0 {
		if err := c.led.RecordCost(ctx, runID, ledger.CostEvent{
			TaskID:      t.ID,
			Phase:       t.Phase,
			CostUSD:     res.Metrics.CostUSD,
			Tokens:      int64(res.Metrics.Tokens),
			ToolMinutes: res.Metrics.ToolMinutes,
		}, t.Target); err != nil {
			return err
		}
	}
	return nil
}

// quorumMet checks the phase's success requirement over must-succeed
// tasks: sequential and iterative phases need all of them; parallel and
// partial phases need ceil(threshold*n), never fewer than n-1.
func (c *Coordinator) quorumMet(m *PhaseManifest, specs []*task.Spec) bool {
	var required, ok int
	for _, s := range specs {
		if !s.MustSucceed {
			continue
		}
		required++
		if s.State == task.StateSucceeded || s.State == task.StateSucceededViaSEM {
			ok++
		}
	}
	if required == 0 {
		return true
	}
	switch mode(m) {
	case ModeParallel, ModePartial:
		threshold := m.PartialThreshold
		if threshold <= 0 {
			threshold = DefaultPartialThreshold
		}
		need := int(math.Ceil(threshold * float64(required)))
		if floor := required - 1; need < floor {
			need = floor
		}
		if need < 1 {
			need = 1
		}
		return ok >= need
	default:
		return ok == required
	}
}

// assemblePack collects the phase's artifacts and measured facts into
// a fresh evidence pack. Retries re-read the store so the pack always
// reflects the current attempt.
func (c *Coordinator) assemblePack(ctx context.Context, runID string, m *PhaseManifest, attempt int) (*gate.Evidence, error) {
	artifacts, err := c.db.ListArtifacts(ctx, runID, m.Phase)
	if err != nil {
		return nil, err
	}
	ev := &gate.Evidence{
		RunID:         runID,
		Phase:         m.Phase,
		Attempt:       attempt,
		CreatedAt:     time.Now().UTC(),
		Artifacts:     artifacts,
		RequiredTypes: m.RequiredTypes,
		Facts:         collectFacts(artifacts),
		Provenance: artifact.Provenance{
			Producer: "coordinator",
			When:     time.Now().UTC(),
		},
	}
	for _, a := range artifacts {
		if a.Type == "qav_summary" {
			ev.QAVSummary = string(a.Content)
		}
	}
	return ev, nil
}

// collectFacts extracts guard inputs from well-known report artifacts.
func collectFacts(artifacts []*artifact.Artifact) gate.Facts {
	f := gate.Facts{DSARReady: true}
	for _, a := range artifacts {
		switch a.Type {
		case "test_report":
			if v := gjson.GetBytes(a.Content, "passPercent"); v.Exists() {
				p := v.Float()
				f.TestPassPercent = &p
			}
			if v := gjson.GetBytes(a.Content, "coveragePercent"); v.Exists() {
				p := v.Float()
				f.CoveragePercent = &p
			}
		case "cve_report":
			f.CriticalCVEs += int(gjson.GetBytes(a.Content, "critical").Int())
			f.HighCVEs += int(gjson.GetBytes(a.Content, "high").Int())
			f.SecretsDetected += int(gjson.GetBytes(a.Content, "secrets").Int())
		case "contradiction_report":
			for _, item := range gjson.GetBytes(a.Content, "items").Array() {
				f.Contradictions = append(f.Contradictions, item.String())
			}
		case "grounding_report":
			if v := gjson.GetBytes(a.Content, "citationCoverage"); v.Exists() {
				cov := v.Float()
				f.CitationCoverage = &cov
			}
			f.StaleSources += int(gjson.GetBytes(a.Content, "staleSources").Int())
		case "privacy_report":
			f.UnredactedPII += int(gjson.GetBytes(a.Content, "unredactedPii").Int())
			if v := gjson.GetBytes(a.Content, "dsarReady"); v.Exists() && !v.Bool() {
				f.DSARReady = false
			}
		case "perf_report":
			if v := gjson.GetBytes(a.Content, "p95Ms"); v.Exists() {
				f.LatencyP95Ms = v.Int()
			}
			if v := gjson.GetBytes(a.Content, "budgetMs"); v.Exists() {
				f.LatencyBudgetMs = v.Int()
			}
		}
	}
	return f
}

// applyStrategy maps an auto-fix strategy to the tasks to re-execute.
// Returned specs are reset for a fresh attempt.
func (c *Coordinator) applyStrategy(strategy string, specs []*task.Spec, pack *gate.Evidence) []*task.Spec {
	have := make(map[string]bool, len(pack.Artifacts))
	for _, a := range pack.Artifacts {
		have[a.Type] = true
	}

	var rerun []*task.Spec
	for _, s := range specs {
		var pick bool
		switch strategy {
		case gate.FixRerunQAV:
			pick = producesAny(s, "test_report", "qav_summary")
		case gate.FixAddMissingAgents:
			for _, p := range s.Produces {
				if !have[p] {
					pick = true
				}
			}
			pick = pick || s.State == task.StateFailed
		case gate.FixRerunSecurity:
			pick = producesAny(s, "cve_report", "sbom", "privacy_report")
		case gate.FixStricterValidation:
			pick = s.State == task.StateFailed || producesAny(s, "contradiction_report", "grounding_report")
		case gate.FixReduceScope:
			pick = s.MustSucceed && s.State == task.StateFailed
		}
		if pick {
			rerun = append(rerun, resetSpec(s))
		}
	}
	// A strategy with no matching producer falls back to the failed set.
	if len(rerun) == 0 {
		for _, s := range specs {
			if s.State == task.StateFailed {
				rerun = append(rerun, resetSpec(s))
			}
		}
	}
	return rerun
}

func producesAny(s *task.Spec, types ...string) bool {
	for _, p := range s.Produces {
		for _, want := range types {
			if p == want {
				return true
			}
		}
	}
	return false
}

// resetSpec prepares a spec for re-execution: fresh state, no
// dependencies on the already-settled graph, same identity.
func resetSpec(s *task.Spec) *task.Spec {
	s.State = task.StatePending
	s.Error = ""
	s.Attempt = 0
	s.Dependencies = nil
	return s
}

func (c *Coordinator) completePhase(ctx context.Context, run *storage.Run, m *PhaseManifest, outcome *Outcome, started time.Time) {
	duration := time.Since(started)
	if c.recorder != nil {
		res := metrics.PhaseResult{
			RunID:           run.ID,
			Phase:           m.Phase,
			Attempt:         outcome.Attempts,
			Status:          outcome.Status,
			AgentsSucceeded: outcome.Succeeded,
			AgentsFailed:    outcome.Failed,
			Tokens:          int64(outcome.Usage.Tokens),
			ToolMinutes:     outcome.Usage.ToolMinutes,
			CostUSD:         outcome.Usage.CostUSD,
		}
		if outcome.Decision != nil {
			res.GateScore = &outcome.GateScore
			res.GateDecision = outcome.Decision.Outcome
		}
		if err := c.recorder.PhaseCompleted(ctx, res); err != nil {
			c.logger.Warn("phase metrics completion failed", "phase", m.Phase, "error", err)
		}
	}

	if err := c.led.RecordDecision(ctx, run.ID, map[string]any{
		"kind":     "phase_outcome",
		"phase":    m.Phase,
		"status":   outcome.Status,
		"score":    outcome.GateScore,
		"attempts": outcome.Attempts,
	}, "coordinator"); err != nil {
		c.logger.Warn("phase outcome ledger append failed",
			"run_id", run.ID, "phase", m.Phase, "error", err)
	}

	c.pub.Publish(events.NewEvent(events.EventPhaseCompleted, run.ID, events.PhaseCompleted{
		RunID:      run.ID,
		Phase:      m.Phase,
		Status:     outcome.Status,
		DurationMs: duration.Milliseconds(),
		Usage: events.Usage{
			Tokens:       outcome.Usage.Tokens,
			ToolsMinutes: outcome.Usage.ToolMinutes,
			WallclockMs:  duration.Milliseconds(),
			CostUSD:      outcome.Usage.CostUSD,
		},
		Artifacts: artifactIDs(outcome.Artifacts),
		GateScore: outcome.GateScore / 100,
		Attempts:  outcome.Attempts,
		Errors:    outcome.Errors,
	}))
	c.logger.Info("phase completed",
		"run_id", run.ID, "phase", m.Phase, "status", outcome.Status,
		"score", outcome.GateScore, "attempts", outcome.Attempts,
		"duration", duration)
}

func artifactIDs(artifacts []*artifact.Artifact) []string {
	ids := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		ids = append(ids, a.ID)
	}
	return ids
}

func targets(specs []*task.Spec) []string {
	out := make([]string, 0, len(specs))
	for _, s := range specs {
		out = append(out, s.Target)
	}
	return out
}

func mode(m *PhaseManifest) string {
	if m.Mode == "" {
		return ModeSequential
	}
	return m.Mode
}
