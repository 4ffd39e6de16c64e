package engine

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ideamine/conductor/internal/artifact"
	"github.com/ideamine/conductor/internal/budget"
	"github.com/ideamine/conductor/internal/coordinator"
	"github.com/ideamine/conductor/internal/dispatch"
	cerr "github.com/ideamine/conductor/internal/errors"
	"github.com/ideamine/conductor/internal/events"
	"github.com/ideamine/conductor/internal/gate"
	"github.com/ideamine/conductor/internal/ledger"
	"github.com/ideamine/conductor/internal/quota"
	"github.com/ideamine/conductor/internal/sched"
	"github.com/ideamine/conductor/internal/storage"
	"github.com/ideamine/conductor/internal/task"
)

var noRetry = &task.RetryPolicy{MaxAttempts: 1, BackoffBaseMs: 1, BackoffCapMs: 1}

type fixture struct {
	db     *storage.DB
	disp   *dispatch.Dispatcher
	led    *ledger.Ledger
	pub    *events.MemoryPublisher
	stream <-chan events.Event
	guard  *budget.Guard
	eng    *Engine
}

func newFixture(t *testing.T, pipeline *coordinator.Pipeline, opts ...Option) *fixture {
	t.Helper()
	db := storage.NewTestDB(t)
	pub := events.NewMemoryPublisher()

	reg := dispatch.NewRegistry()
	for _, name := range []string{"analyst", "ideator", "qav"} {
		require.NoError(t, reg.Register(&dispatch.Manifest{
			Name: name, Version: "1.0.0", Runtime: dispatch.RuntimeNative,
		}))
	}

	f := &fixture{
		db:     db,
		disp:   dispatch.New(db, reg),
		led:    ledger.New(db),
		pub:    pub,
		stream: pub.Subscribe(events.GlobalRunID),
		guard:  budget.NewGuard(db),
	}
	coord := coordinator.New(db, sched.New(db, 4), f.disp, gate.New(db), f.led,
		coordinator.WithPublisher(pub))
	opts = append([]Option{
		WithPublisher(pub),
		WithBudgetGuard(f.guard),
	}, opts...)
	f.eng = New(db, coord, pipeline, f.led, opts...)
	f.eng.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return f
}

// produce wires an invoker emitting one artifact at a fixed cost.
func (f *fixture) produce(t *testing.T, target, artType string, costUSD float64) *atomic.Int64 {
	t.Helper()
	var calls atomic.Int64
	f.disp.RegisterInvoker(target, dispatch.InvokerFunc(
		func(ctx context.Context, tk *task.Spec, m *dispatch.Manifest) (*dispatch.Result, error) {
			calls.Add(1)
			content := []byte(`{"ok":true}`)
			return &dispatch.Result{
				OK:     true,
				Output: json.RawMessage(content),
				Artifacts: []*artifact.Artifact{
					artifact.New(tk.RunID, tk.ID, tk.Phase, artType, content,
						artifact.Provenance{Producer: target}),
				},
				Metrics: task.Metrics{Tokens: 10, CostUSD: costUSD},
			}, nil
		}))
	return &calls
}

func onePhase(phase, target, artType string) *coordinator.Pipeline {
	return &coordinator.Pipeline{Phases: []coordinator.PhaseManifest{{
		Phase: phase,
		Mode:  coordinator.ModeSequential,
		Tasks: []coordinator.TaskDecl{{
			ID: "t1", Type: task.TypeAgent, Target: target,
			Produces: []string{artType}, MustSucceed: true, Retry: noRetry,
		}},
		RequiredTypes: []string{artType},
	}}}
}

func createRun(t *testing.T, f *fixture, b task.Budget) *storage.Run {
	t.Helper()
	run, err := f.eng.CreateRun(context.Background(), "t1", "user-1", "idea-1", b)
	require.NoError(t, err)
	return run
}

// eventTypes drains the global subscription and returns the types seen
// for one run.
func (f *fixture) eventTypes(runID string) []events.EventType {
	var out []events.EventType
	for {
		select {
		case ev := <-f.stream:
			if ev.RunID == runID {
				out = append(out, ev.Type)
			}
		default:
			return out
		}
	}
}

func TestLegalTransitions(t *testing.T) {
	assert.True(t, Legal(StateCreated, StateIntake))
	assert.True(t, Legal(StateIntake, StateIdeation))
	assert.True(t, Legal(StateBeta, StateGA))
	assert.True(t, Legal(StateBuild, StatePaused))
	assert.True(t, Legal(StatePaused, StateQA))
	assert.True(t, Legal(StateCreated, StateFailed))

	assert.True(t, Legal(StateCreated, StateIdeation), "undeclared phases are skipped")
	assert.True(t, Legal(StateIntake, StateQA))

	assert.False(t, Legal(StateIdeation, StateIntake), "phases cannot run backwards")
	assert.False(t, Legal(StateGA, StatePaused), "terminal states are final")
	assert.False(t, Legal(StateFailed, StateIntake))
	assert.False(t, Legal(StatePaused, StateGA))
	assert.False(t, Legal(StatePaused, StatePaused))
}

func TestCreateRun(t *testing.T) {
	f := newFixture(t, onePhase(StateIntake, "analyst", "intake_summary"))
	run := createRun(t, f, task.Budget{MaxCostUSD: 1.5, MaxRetries: 3})

	assert.Equal(t, StateCreated, run.State)
	assert.Equal(t, "t1", run.TenantID)
	assert.NotEmpty(t, run.ID)

	stored, err := f.db.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, StateCreated, stored.State)
	assert.InDelta(t, 1.5, stored.Budget.MaxCostUSD, 0.001)

	types := f.eventTypes(run.ID)
	assert.Contains(t, types, events.EventRunCreated)
}

func TestCreateRunRejectsBadBudget(t *testing.T) {
	f := newFixture(t, onePhase(StateIntake, "analyst", "intake_summary"))

	_, err := f.eng.CreateRun(context.Background(), "t1", "u", "i", task.Budget{})
	require.Error(t, err)
	assert.Equal(t, cerr.CategoryValidation, cerr.CategoryOf(err))

	_, err = f.eng.CreateRun(context.Background(), "t1", "u", "i", task.Budget{MaxCostUSD: -1})
	require.Error(t, err)
}

func TestCreateRunEnforcesConcurrentRunCap(t *testing.T) {
	f := newFixture(t, onePhase(StateIntake, "analyst", "intake_summary"))
	ctx := context.Background()
	require.NoError(t, f.db.SaveTenantQuota(ctx, &storage.TenantQuota{
		TenantID: "t1", Tier: "free", MaxConcurrentRuns: 1,
	}))
	createRun(t, f, task.Budget{MaxCostUSD: 1})

	_, err := f.eng.CreateRun(ctx, "t1", "u", "i", task.Budget{MaxCostUSD: 1})
	require.Error(t, err)
	assert.Equal(t, cerr.CategoryPolicy, cerr.CategoryOf(err))
}

func TestExecuteHappyPath(t *testing.T) {
	pipeline := &coordinator.Pipeline{Phases: []coordinator.PhaseManifest{
		{
			Phase: StateIntake,
			Mode:  coordinator.ModeSequential,
			Tasks: []coordinator.TaskDecl{{
				ID: "analyze", Type: task.TypeAgent, Target: "analyst",
				Produces: []string{"intake_summary"}, MustSucceed: true,
			}},
			RequiredTypes: []string{"intake_summary"},
		},
		{
			Phase: StateIdeation,
			Mode:  coordinator.ModeSequential,
			Tasks: []coordinator.TaskDecl{{
				ID: "ideate", Type: task.TypeAgent, Target: "ideator",
				Produces: []string{"idea_doc"}, MustSucceed: true,
			}},
			RequiredTypes: []string{"idea_doc"},
		},
	}}
	f := newFixture(t, pipeline)
	f.produce(t, "analyst", "intake_summary", 0.10)
	f.produce(t, "ideator", "idea_doc", 0.20)

	run := createRun(t, f, task.Budget{MaxCostUSD: 1.5, MaxRetries: 3})
	require.NoError(t, f.eng.Execute(context.Background(), run))

	assert.Equal(t, StateGA, run.State)
	assert.InDelta(t, 0.30, run.Usage.CostUSD, 0.001)
	assert.Equal(t, 20, run.Usage.Tokens)
	assert.False(t, run.CompletedAt.IsZero())

	types := f.eventTypes(run.ID)
	assert.Contains(t, types, events.EventRunCompleted)
	assert.NotContains(t, types, events.EventRunFailed)

	// Phases without a manifest were skipped, not failed.
	stored, err := f.db.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, StateGA, stored.State)
}

func TestExecuteSkipsUndeclaredPhases(t *testing.T) {
	f := newFixture(t, onePhase(StateQA, "qav", "test_report"))
	f.produce(t, "qav", "test_report", 0.05)

	run := createRun(t, f, task.Budget{MaxCostUSD: 1, MaxRetries: 1})
	require.NoError(t, f.eng.Execute(context.Background(), run))
	assert.Equal(t, StateGA, run.State)
}

func TestExecuteRejectsTerminalRun(t *testing.T) {
	f := newFixture(t, onePhase(StateIntake, "analyst", "intake_summary"))
	run := createRun(t, f, task.Budget{MaxCostUSD: 1})
	run.State = StateFailed

	err := f.eng.Execute(context.Background(), run)
	require.Error(t, err)
	assert.Equal(t, cerr.CategoryValidation, cerr.CategoryOf(err))
}

func TestPhaseRetryBackoff(t *testing.T) {
	f := newFixture(t, onePhase(StateIntake, "analyst", "intake_summary"))

	// First execution fails, second succeeds.
	var calls atomic.Int64
	f.disp.RegisterInvoker("analyst", dispatch.InvokerFunc(
		func(ctx context.Context, tk *task.Spec, m *dispatch.Manifest) (*dispatch.Result, error) {
			if calls.Add(1) == 1 {
				return &dispatch.Result{OK: false, Error: "agent crashed"}, nil
			}
			content := []byte(`{"ok":true}`)
			return &dispatch.Result{
				OK:     true,
				Output: json.RawMessage(content),
				Artifacts: []*artifact.Artifact{
					artifact.New(tk.RunID, tk.ID, tk.Phase, "intake_summary", content,
						artifact.Provenance{Producer: "analyst"}),
				},
				Metrics: task.Metrics{CostUSD: 0.05},
			}, nil
		}))

	var delays []time.Duration
	f.eng.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	run := createRun(t, f, task.Budget{MaxCostUSD: 1, MaxRetries: 2})
	require.NoError(t, f.eng.Execute(context.Background(), run))

	assert.Equal(t, StateGA, run.State)
	assert.Zero(t, run.RetryCount, "retry counter resets on success")
	require.Len(t, delays, 1)
	assert.Equal(t, time.Second, delays[0])
}

func TestRunFailsAfterMaxRetries(t *testing.T) {
	f := newFixture(t, onePhase(StateIntake, "analyst", "intake_summary"))
	f.disp.RegisterInvoker("analyst", dispatch.InvokerFunc(
		func(ctx context.Context, tk *task.Spec, m *dispatch.Manifest) (*dispatch.Result, error) {
			return &dispatch.Result{OK: false, Error: "hopeless"}, nil
		}))

	run := createRun(t, f, task.Budget{MaxCostUSD: 1, MaxRetries: 1})
	err := f.eng.Execute(context.Background(), run)
	require.Error(t, err)

	assert.Equal(t, StateFailed, run.State)
	types := f.eventTypes(run.ID)
	assert.Contains(t, types, events.EventRunFailed)

	// Terminal: no further lifecycle operations.
	require.Error(t, f.eng.FailRun(context.Background(), run, "again"))
}

func TestGateBlockPausesRunAndResumeContinues(t *testing.T) {
	pipeline := &coordinator.Pipeline{Phases: []coordinator.PhaseManifest{{
		Phase:          StateQA,
		Mode:           coordinator.ModeSequential,
		MaxGateRetries: 1,
		Tasks: []coordinator.TaskDecl{{
			ID: "verify", Type: task.TypeTool, Target: "qav",
			Produces: []string{"test_report"}, MustSucceed: true,
		}},
		RequiredTypes: []string{"test_report"},
		Rubric: gate.Rubric{
			{Guard: gate.GuardQuality, Weight: 3},
			{Guard: gate.GuardCoverage, Weight: 2},
		},
	}}}
	f := newFixture(t, pipeline)

	// Bad test reports until the third invocation.
	var calls atomic.Int64
	f.disp.RegisterInvoker("qav", dispatch.InvokerFunc(
		func(ctx context.Context, tk *task.Spec, m *dispatch.Manifest) (*dispatch.Result, error) {
			content := []byte(`{"passPercent": 10, "coveragePercent": 5}`)
			if calls.Add(1) > 2 {
				content = []byte(`{"passPercent": 100, "coveragePercent": 90}`)
			}
			return &dispatch.Result{
				OK:     true,
				Output: json.RawMessage(content),
				Artifacts: []*artifact.Artifact{
					artifact.New(tk.RunID, tk.ID, tk.Phase, "test_report", content,
						artifact.Provenance{Producer: "qav"}),
				},
				Metrics: task.Metrics{CostUSD: 0.01},
			}, nil
		}))

	run := createRun(t, f, task.Budget{MaxCostUSD: 5, MaxRetries: 0})
	require.NoError(t, f.eng.Execute(context.Background(), run))

	assert.Equal(t, StatePaused, run.State)
	assert.Equal(t, PauseReasonGateBlock, run.PausedReason)
	assert.Equal(t, StateQA, run.PausedFrom)
	assert.Contains(t, f.eventTypes(run.ID), events.EventRunPaused)

	resumed, err := f.eng.Resume(context.Background(), run.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, StateGA, resumed.State)
	assert.Contains(t, f.eventTypes(run.ID), events.EventRunResumed)
}

func TestBudgetPauseAndResume(t *testing.T) {
	pipeline := &coordinator.Pipeline{Phases: []coordinator.PhaseManifest{
		onePhase(StateIntake, "analyst", "intake_summary").Phases[0],
		onePhase(StateIdeation, "ideator", "idea_doc").Phases[0],
	}}
	f := newFixture(t, pipeline)
	f.produce(t, "analyst", "intake_summary", 0.96)
	ideations := f.produce(t, "ideator", "idea_doc", 0.01)

	run := createRun(t, f, task.Budget{MaxCostUSD: 1.00, MaxRetries: 1})
	require.NoError(t, f.eng.Execute(context.Background(), run))

	assert.Equal(t, StatePaused, run.State)
	assert.Equal(t, PauseReasonBudget, run.PausedReason)
	assert.Equal(t, StateIdeation, run.PausedFrom)
	assert.Zero(t, ideations.Load(), "later phases must not run past a budget pause")

	// An operator raises the budget and resumes.
	run.Budget.MaxCostUSD = 10
	require.NoError(t, f.db.SaveRun(context.Background(), run))

	resumed, err := f.eng.Resume(context.Background(), run.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, StateGA, resumed.State)
	assert.Equal(t, int64(1), ideations.Load())
	assert.InDelta(t, 0.97, resumed.Usage.CostUSD, 0.001)
}

func TestResumeRequiresPausedState(t *testing.T) {
	f := newFixture(t, onePhase(StateIntake, "analyst", "intake_summary"))
	run := createRun(t, f, task.Budget{MaxCostUSD: 1})

	_, err := f.eng.Resume(context.Background(), run.ID, "admin")
	require.Error(t, err)
	assert.Equal(t, cerr.CategoryValidation, cerr.CategoryOf(err))

	_, err = f.eng.Resume(context.Background(), "run-missing", "admin")
	require.Error(t, err)
	assert.Equal(t, cerr.CategoryNotFound, cerr.CategoryOf(err))
}

func TestCancelRun(t *testing.T) {
	f := newFixture(t, onePhase(StateIntake, "analyst", "intake_summary"))
	run := createRun(t, f, task.Budget{MaxCostUSD: 1})

	require.NoError(t, f.eng.Cancel(context.Background(), run, "admin"))
	assert.Equal(t, StateCancelled, run.State)
	require.Error(t, f.eng.Cancel(context.Background(), run, "admin"))
}

func TestQuotaAdmitterScenario(t *testing.T) {
	db := storage.NewTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.SaveTenantQuota(ctx, &storage.TenantQuota{
		TenantID: "t1", Tier: "pro", MaxCostPerDayUSD: 10.00,
	}))
	enf := quota.NewEnforcer(db)
	require.NoError(t, enf.RecordUsage(ctx, "t1", quota.ResourceCost, 9.95, quota.UsageContext{}))

	admit := QuotaAdmitter(enf)
	err := admit(ctx, &task.Spec{
		ID: "TASK-001", RunID: "run-1", TenantID: "t1",
		Budget: task.Budget{MaxCostUSD: 0.20},
	})
	require.Error(t, err)
	assert.Equal(t, cerr.CategoryPolicy, cerr.CategoryOf(err))

	// A tenant-less task is never quota-gated.
	assert.NoError(t, admit(ctx, &task.Spec{ID: "TASK-002", RunID: "run-1"}))
}

func TestExecuteChargesTenantUsage(t *testing.T) {
	f := newFixture(t, onePhase(StateIntake, "analyst", "intake_summary"))
	f.produce(t, "analyst", "intake_summary", 0.40)
	f.eng.quota = quota.NewEnforcer(f.db)

	run := createRun(t, f, task.Budget{MaxCostUSD: 2, MaxRetries: 1})
	require.NoError(t, f.eng.Execute(context.Background(), run))

	usage, err := f.db.CurrentUsage(context.Background(), "t1")
	require.NoError(t, err)
	assert.InDelta(t, 0.40, usage[quota.ResourceCost], 0.001)
	assert.InDelta(t, 10, usage[quota.ResourceTokens], 0.001)
}

func TestExecuteRecordsQuotaViolationOnOverspend(t *testing.T) {
	f := newFixture(t, onePhase(StateIntake, "analyst", "intake_summary"))
	f.produce(t, "analyst", "intake_summary", 0.10)
	ctx := context.Background()
	require.NoError(t, f.db.SaveTenantQuota(ctx, &storage.TenantQuota{
		TenantID: "t1", Tier: "pro", MaxTokensPerDay: 8, MaxCostPerDayUSD: 10,
	}))
	f.eng.quota = quota.NewEnforcer(f.db)

	run := createRun(t, f, task.Budget{MaxCostUSD: 2, MaxRetries: 1})
	require.NoError(t, f.eng.Execute(context.Background(), run))
	assert.Equal(t, StateGA, run.State, "overspend is accounted, not fatal")

	// The 10-token phase blew the 8-token ceiling: a violation is on
	// file and the spend is still booked.
	violations, err := f.db.ListQuotaViolations(ctx, "t1", time.Now().Add(-time.Hour), false)
	require.NoError(t, err)
	require.NotEmpty(t, violations)
	assert.Equal(t, quota.ResourceTokens, violations[0].Resource)

	usage, err := f.db.CurrentUsage(ctx, "t1")
	require.NoError(t, err)
	assert.InDelta(t, 10, usage[quota.ResourceTokens], 0.001)
}

func TestExecuteBeatsHeartbeat(t *testing.T) {
	f := newFixture(t, onePhase(StateIntake, "analyst", "intake_summary"))
	f.produce(t, "analyst", "intake_summary", 0.05)
	f.eng.hb = NewHeartbeatMonitor(time.Minute, f.pub, nil, nil)

	run := createRun(t, f, task.Budget{MaxCostUSD: 1, MaxRetries: 1})
	require.NoError(t, f.eng.Execute(context.Background(), run))

	types := f.eventTypes(run.ID)
	assert.Contains(t, types, events.EventHeartbeat)
}

func TestBudgetAdmitter(t *testing.T) {
	db := storage.NewTestDB(t)
	ctx := context.Background()
	guard := budget.NewGuard(db)
	guard.Track("run-1", "t1", task.Budget{MaxCostUSD: 1}, task.Metrics{})

	admit := BudgetAdmitter(guard)
	assert.NoError(t, admit(ctx, &task.Spec{ID: "TASK-001", RunID: "run-1"}))

	_, err := guard.Record(ctx, "run-1", task.Metrics{CostUSD: 0.96})
	require.NoError(t, err)
	err = admit(ctx, &task.Spec{ID: "TASK-002", RunID: "run-1"})
	require.Error(t, err)
	assert.Equal(t, cerr.CategoryPolicy, cerr.CategoryOf(err))
}

func TestHeartbeatMonitorDetectsStall(t *testing.T) {
	pub := events.NewMemoryPublisher()
	ch := pub.Subscribe("run-1")
	var stalls []string
	mon := NewHeartbeatMonitor(10*time.Millisecond, pub, nil,
		func(runID, taskID, phase string, last time.Time) {
			stalls = append(stalls, runID+"/"+taskID+"/"+phase)
		})

	mon.Beat("run-1", "TASK-001", "build")
	mon.Check(time.Now())
	assert.Empty(t, stalls, "fresh beat is not a stall")

	mon.Check(time.Now().Add(50 * time.Millisecond))
	require.Len(t, stalls, 1)
	assert.Equal(t, "run-1/TASK-001/build", stalls[0])

	var stalled []events.Event
drain:
	for {
		select {
		case ev := <-ch:
			if ev.Type == events.EventPhaseStalled {
				stalled = append(stalled, ev)
			}
		default:
			break drain
		}
	}
	require.Len(t, stalled, 1)
	data := stalled[0].Data.(events.PhaseStalled)
	assert.Equal(t, "heartbeat_timeout", data.SuspectedCause)
	assert.GreaterOrEqual(t, data.StallDurationMs, int64(30))

	// Fires once; the entry is dropped until the task beats again.
	mon.Check(time.Now().Add(100 * time.Millisecond))
	assert.Len(t, stalls, 1)

	mon.Beat("run-1", "TASK-001", "build")
	mon.Check(time.Now().Add(200 * time.Millisecond))
	assert.Len(t, stalls, 2)
}
