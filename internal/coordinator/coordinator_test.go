package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ideamine/conductor/internal/artifact"
	"github.com/ideamine/conductor/internal/dispatch"
	cerr "github.com/ideamine/conductor/internal/errors"
	"github.com/ideamine/conductor/internal/events"
	"github.com/ideamine/conductor/internal/gate"
	"github.com/ideamine/conductor/internal/ledger"
	"github.com/ideamine/conductor/internal/sched"
	"github.com/ideamine/conductor/internal/sem"
	"github.com/ideamine/conductor/internal/storage"
	"github.com/ideamine/conductor/internal/task"
)

type env struct {
	db    *storage.DB
	sched *sched.Scheduler
	disp  *dispatch.Dispatcher
	gk    *gate.Gatekeeper
	led   *ledger.Ledger
	coord *Coordinator
	run   *storage.Run
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	db := storage.NewTestDB(t)
	run := &storage.Run{ID: "run-1", TenantID: "t1", State: "running"}
	require.NoError(t, db.SaveRun(context.Background(), run))

	reg := dispatch.NewRegistry()
	for _, name := range []string{"ideator", "critic", "coder", "qav", "artifact.write"} {
		require.NoError(t, reg.Register(&dispatch.Manifest{
			Name: name, Version: "1.0.0", Runtime: dispatch.RuntimeNative,
			Produces: []string{"idea_doc", "critique", "code", "test_report"},
		}))
	}

	e := &env{
		db:    db,
		sched: sched.New(db, 4),
		disp:  dispatch.New(db, reg),
		gk:    gate.New(db),
		led:   ledger.New(db),
		run:   run,
	}
	e.coord = New(db, e.sched, e.disp, e.gk, e.led, opts...)
	return e
}

// produce registers an invoker that emits one artifact of the given type.
func (e *env) produce(target, artType string) *atomic.Int64 {
	var calls atomic.Int64
	e.disp.RegisterInvoker(target, dispatch.InvokerFunc(
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
				Metrics: task.Metrics{Tokens: 5, CostUSD: 0.01},
			}, nil
		}))
	return &calls
}

// noRetry keeps failure-path tests from sleeping through backoff.
var noRetry = &task.RetryPolicy{MaxAttempts: 1, BackoffBaseMs: 1, BackoffCapMs: 1}

func simpleManifest(mode string) *PhaseManifest {
	return &PhaseManifest{
		Phase: "ideation",
		Mode:  mode,
		Tasks: []TaskDecl{
			{ID: "ideate", Type: task.TypeAgent, Target: "ideator", Produces: []string{"idea_doc"}, MustSucceed: true, Retry: noRetry},
			{ID: "critique", Type: task.TypeAgent, Target: "critic", DependsOn: []string{"ideate"}, Produces: []string{"critique"}, MustSucceed: true, Retry: noRetry},
		},
		RequiredTypes: []string{"idea_doc", "critique"},
	}
}

func TestExecutePhaseSequential(t *testing.T) {
	e := newEnv(t)
	e.produce("ideator", "idea_doc")
	e.produce("critic", "critique")

	out, err := e.coord.ExecutePhase(context.Background(), e.run, simpleManifest(ModeSequential))
	require.NoError(t, err)
	assert.Equal(t, PhasePassed, out.Status)
	assert.Equal(t, 2, out.Succeeded)
	assert.Zero(t, out.Failed)
	assert.GreaterOrEqual(t, out.GateScore, 70.0)

	// Task, artifact, cost, and gate entries all hit the ledger.
	timeline, err := e.led.Timeline(context.Background(), "run-1")
	require.NoError(t, err)
	assert.NotEmpty(t, timeline)
	for i, entry := range timeline {
		assert.Equal(t, int64(i+1), entry.Sequence)
	}

	arts, err := e.db.ListArtifacts(context.Background(), "run-1", "ideation")
	require.NoError(t, err)
	assert.Len(t, arts, 2)
}

func TestLedgerShapeForPassingPhase(t *testing.T) {
	e := newEnv(t)
	e.produce("ideator", "idea_doc")
	e.produce("critic", "critique")
	e.produce("coder", "code")

	m := &PhaseManifest{
		Phase: "intake",
		Mode:  ModeSequential,
		Tasks: []TaskDecl{
			{ID: "t1", Type: task.TypeAgent, Target: "ideator", Produces: []string{"idea_doc"}, MustSucceed: true, Retry: noRetry},
			{ID: "t2", Type: task.TypeAgent, Target: "critic", DependsOn: []string{"t1"}, Produces: []string{"critique"}, MustSucceed: true, Retry: noRetry},
			{ID: "t3", Type: task.TypeAgent, Target: "coder", DependsOn: []string{"t2"}, Produces: []string{"code"}, MustSucceed: true, Retry: noRetry},
		},
		RequiredTypes: []string{"idea_doc", "critique", "code"},
	}

	out, err := e.coord.ExecutePhase(context.Background(), e.run, m)
	require.NoError(t, err)
	require.Equal(t, PhasePassed, out.Status)
	assert.GreaterOrEqual(t, out.GateScore, 70.0)

	timeline, err := e.led.Timeline(context.Background(), "run-1")
	require.NoError(t, err)
	counts := map[storage.LedgerType]int{}
	for _, entry := range timeline {
		counts[entry.Type]++
	}
	assert.Equal(t, 3, counts[storage.LedgerTask])
	assert.Equal(t, 3, counts[storage.LedgerCost])
	assert.Equal(t, 3, counts[storage.LedgerArtifact])
	assert.Equal(t, 1, counts[storage.LedgerGate])
	assert.Equal(t, 1, counts[storage.LedgerDecision])

	summary, err := e.led.CostSummary(context.Background(), "run-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.03, summary.TotalUSD, 0.001)
	assert.EqualValues(t, 15, summary.TotalTokens)
}

func TestPhaseEventsCarryPipelineContext(t *testing.T) {
	db := storage.NewTestDB(t)
	run := &storage.Run{
		ID: "run-1", TenantID: "t1", State: "running",
		Budget: task.Budget{MaxCostUSD: 2, MaxTokens: 500, MaxToolMinutes: 30, MaxWallclockMinutes: 60},
	}
	require.NoError(t, db.SaveRun(context.Background(), run))

	pub := events.NewMemoryPublisher()
	defer pub.Close()
	stream := pub.Subscribe("run-1")

	reg := dispatch.NewRegistry()
	for _, name := range []string{"ideator", "critic"} {
		require.NoError(t, reg.Register(&dispatch.Manifest{
			Name: name, Version: "1.0.0", Runtime: dispatch.RuntimeNative,
			Produces: []string{"idea_doc", "critique"},
		}))
	}
	e := &env{
		db:    db,
		sched: sched.New(db, 4),
		disp:  dispatch.New(db, reg),
		gk:    gate.New(db, gate.WithPublisher(pub)),
		led:   ledger.New(db),
		run:   run,
	}
	e.coord = New(db, e.sched, e.disp, e.gk, e.led,
		WithPublisher(pub),
		WithPhaseOrder([]string{"ideation", "critique"}))
	e.produce("ideator", "idea_doc")
	e.produce("critic", "critique")

	out, err := e.coord.ExecutePhase(context.Background(), e.run, simpleManifest(ModeSequential))
	require.NoError(t, err)
	require.Equal(t, PhasePassed, out.Status)

	var (
		started    events.PhaseStarted
		passed     events.GatePassed
		sawStarted bool
		sawReady   bool
		sawPassed  bool
	)
	for drained := false; !drained; {
		select {
		case ev := <-stream:
			switch data := ev.Data.(type) {
			case events.PhaseStarted:
				started, sawStarted = data, true
			case events.PhaseReady:
				sawReady = true
			case events.GatePassed:
				passed, sawPassed = data, true
			}
		default:
			drained = true
		}
	}
	require.True(t, sawStarted)
	assert.Equal(t, 500, started.Budgets.Tokens)
	assert.Equal(t, 30.0, started.Budgets.ToolsMinutes)
	assert.True(t, sawReady)
	require.True(t, sawPassed)
	assert.Equal(t, "critique", passed.NextPhase)
}

func TestAdmissionRefusalIsLabeled(t *testing.T) {
	db := storage.NewTestDB(t)
	run := &storage.Run{ID: "run-1", TenantID: "t1", State: "running"}
	require.NoError(t, db.SaveRun(context.Background(), run))

	reg := dispatch.NewRegistry()
	require.NoError(t, reg.Register(&dispatch.Manifest{
		Name: "ideator", Version: "1.0.0", Runtime: dispatch.RuntimeNative,
		Produces: []string{"idea_doc"},
	}))
	refuse := sched.AdmitterFunc(func(ctx context.Context, tk *task.Spec) error {
		return cerr.ErrRateLimited(tk.TenantID)
	})
	e := &env{
		db:    db,
		sched: sched.New(db, 4, sched.WithAdmitters(refuse)),
		disp:  dispatch.New(db, reg),
		gk:    gate.New(db),
		led:   ledger.New(db),
		run:   run,
	}
	e.coord = New(db, e.sched, e.disp, e.gk, e.led)
	e.produce("ideator", "idea_doc")

	m := &PhaseManifest{
		Phase: "ideation",
		Mode:  ModeParallel,
		Tasks: []TaskDecl{
			{ID: "ideate", Type: task.TypeAgent, Target: "ideator", Produces: []string{"idea_doc"}, MustSucceed: true, Retry: noRetry},
		},
		RequiredTypes: []string{"idea_doc"},
	}
	out, err := e.coord.ExecutePhase(context.Background(), e.run, m)
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, out.Status)
	require.Len(t, out.Errors, 1)
	assert.Contains(t, out.Errors[0], "admission refused")
	assert.NotContains(t, out.Errors[0], "dependency failed")
	assert.Zero(t, e.sched.QueueLen())
}

func TestExecutePhaseLeavesOtherRunsQueued(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.db.SaveRun(context.Background(),
		&storage.Run{ID: "run-2", TenantID: "t1", State: "running"}))
	foreign := &task.Spec{
		ID: "run-2-ideation-x", RunID: "run-2", TenantID: "t1", Phase: "ideation",
		Type: task.TypeAgent, Target: "ideator", Priority: task.PriorityP0,
		State: task.StatePending, Produces: []string{"idea_doc"},
	}
	require.NoError(t, e.sched.Enqueue(context.Background(), foreign))

	e.produce("ideator", "idea_doc")
	e.produce("critic", "critique")
	out, err := e.coord.ExecutePhase(context.Background(), e.run, simpleManifest(ModeSequential))
	require.NoError(t, err)
	assert.Equal(t, PhasePassed, out.Status)

	// The foreign task was neither executed nor ledgered under run-1.
	assert.Equal(t, 1, e.sched.QueueLen())
	assert.Equal(t, task.StateQueued, foreign.State)
	timeline, err := e.led.Timeline(context.Background(), "run-1")
	require.NoError(t, err)
	for _, entry := range timeline {
		assert.NotContains(t, fmt.Sprint(entry.Data), "run-2-ideation-x")
	}
}

func TestTopoSortRejectsCycle(t *testing.T) {
	decls := []TaskDecl{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
	}
	_, err := TopoSort(decls)
	require.Error(t, err)
	assert.Equal(t, cerr.CategoryValidation, cerr.CategoryOf(err))
}

func TestTopoSortOrdersDependencies(t *testing.T) {
	decls := []TaskDecl{
		{ID: "tests", DependsOn: []string{"code"}},
		{ID: "code", DependsOn: []string{"design"}},
		{ID: "design"},
	}
	order, err := TopoSort(decls)
	require.NoError(t, err)
	assert.Equal(t, "design", order[0].ID)
	assert.Equal(t, "code", order[1].ID)
	assert.Equal(t, "tests", order[2].ID)
}

func TestMissingInputFailsFast(t *testing.T) {
	e := newEnv(t)
	m := simpleManifest(ModeSequential)
	m.Tasks[0].RequiresArtifacts = []string{"prd"}

	_, err := e.coord.ExecutePhase(context.Background(), e.run, m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prd")
}

func TestPartialSuccessQuorum(t *testing.T) {
	e := newEnv(t)

	// Four parallel must-succeed agents; one fails. ceil(0.75*4)=3 and
	// n-1=3, so three successes pass the quorum.
	m := &PhaseManifest{
		Phase: "build",
		Mode:  ModeParallel,
		Tasks: []TaskDecl{
			{ID: "a1", Type: task.TypeAgent, Target: "ideator", Produces: []string{"code"}, MustSucceed: true},
			{ID: "a2", Type: task.TypeAgent, Target: "critic", Produces: []string{"code"}, MustSucceed: true},
			{ID: "a3", Type: task.TypeAgent, Target: "coder", Produces: []string{"code"}, MustSucceed: true},
			{ID: "a4", Type: task.TypeAgent, Target: "qav", Produces: []string{"code"}, MustSucceed: true, Retry: noRetry},
		},
		RequiredTypes: []string{"code"},
	}
	e.produce("ideator", "code")
	e.produce("critic", "code")
	e.produce("coder", "code")
	e.disp.RegisterInvoker("qav", dispatch.InvokerFunc(
		func(ctx context.Context, tk *task.Spec, mf *dispatch.Manifest) (*dispatch.Result, error) {
			return &dispatch.Result{OK: false, Error: "agent crashed"}, nil
		}))

	out, err := e.coord.ExecutePhase(context.Background(), e.run, m)
	require.NoError(t, err)
	assert.Equal(t, PhasePassed, out.Status)
	assert.Equal(t, 3, out.Succeeded)
	assert.Equal(t, 1, out.Failed)
}

func TestQuorumFailureFailsPhase(t *testing.T) {
	e := newEnv(t)

	m := simpleManifest(ModeSequential)
	e.produce("ideator", "idea_doc")
	e.disp.RegisterInvoker("critic", dispatch.InvokerFunc(
		func(ctx context.Context, tk *task.Spec, mf *dispatch.Manifest) (*dispatch.Result, error) {
			return &dispatch.Result{OK: false, Error: "no critique possible"}, nil
		}))

	out, err := e.coord.ExecutePhase(context.Background(), e.run, m)
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, out.Status)
	assert.Equal(t, 1, out.Failed)
	assert.NotEmpty(t, out.Errors)
}

func TestDependencyFailureCascades(t *testing.T) {
	e := newEnv(t)

	m := simpleManifest(ModeParallel)
	e.disp.RegisterInvoker("ideator", dispatch.InvokerFunc(
		func(ctx context.Context, tk *task.Spec, mf *dispatch.Manifest) (*dispatch.Result, error) {
			return &dispatch.Result{OK: false, Error: "blocked"}, nil
		}))
	critic := e.produce("critic", "critique")

	out, err := e.coord.ExecutePhase(context.Background(), e.run, m)
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, out.Status)
	assert.Zero(t, critic.Load(), "dependent task must not run")
}

func TestGateRetryWithAutoFix(t *testing.T) {
	e := newEnv(t)
	e.produce("coder", "code")

	// QAV produces a failing test report first, a clean one on rerun.
	var qavRuns atomic.Int64
	e.disp.RegisterInvoker("qav", dispatch.InvokerFunc(
		func(ctx context.Context, tk *task.Spec, mf *dispatch.Manifest) (*dispatch.Result, error) {
			n := qavRuns.Add(1)
			content := []byte(`{"passPercent": 20, "coveragePercent": 10}`)
			if n > 1 {
				content = []byte(`{"passPercent": 100, "coveragePercent": 90}`)
			}
			return &dispatch.Result{
				OK:     true,
				Output: json.RawMessage(content),
				Artifacts: []*artifact.Artifact{
					artifact.New(tk.RunID, tk.ID, tk.Phase, "test_report", content,
						artifact.Provenance{Producer: "qav"}),
				},
			}, nil
		}))

	m := &PhaseManifest{
		Phase: "qa",
		Mode:  ModeSequential,
		Tasks: []TaskDecl{
			{ID: "build", Type: task.TypeAgent, Target: "coder", Produces: []string{"code"}, MustSucceed: true},
			{ID: "verify", Type: task.TypeTool, Target: "qav", DependsOn: []string{"build"}, Produces: []string{"test_report"}, MustSucceed: true},
		},
		RequiredTypes: []string{"code", "test_report"},
		Rubric: gate.Rubric{
			{Guard: gate.GuardCompleteness, Weight: 1},
			{Guard: gate.GuardQuality, Weight: 3},
			{Guard: gate.GuardCoverage, Weight: 2},
		},
	}

	out, err := e.coord.ExecutePhase(context.Background(), e.run, m)
	require.NoError(t, err)
	assert.Equal(t, PhasePassed, out.Status)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, int64(2), qavRuns.Load(), "rerun-QAV re-executes only the QAV task")
}

func TestGateBlockAfterMaxRetries(t *testing.T) {
	e := newEnv(t)
	e.produce("coder", "code")
	e.disp.RegisterInvoker("qav", dispatch.InvokerFunc(
		func(ctx context.Context, tk *task.Spec, mf *dispatch.Manifest) (*dispatch.Result, error) {
			content := []byte(`{"passPercent": 20, "coveragePercent": 10}`)
			return &dispatch.Result{
				OK:     true,
				Output: json.RawMessage(content),
				Artifacts: []*artifact.Artifact{
					artifact.New(tk.RunID, tk.ID, tk.Phase, "test_report", content,
						artifact.Provenance{Producer: "qav"}),
				},
			}, nil
		}))

	m := &PhaseManifest{
		Phase: "qa",
		Mode:  ModeSequential,
		MaxGateRetries: 2,
		Tasks: []TaskDecl{
			{ID: "build", Type: task.TypeAgent, Target: "coder", Produces: []string{"code"}, MustSucceed: true},
			{ID: "verify", Type: task.TypeTool, Target: "qav", DependsOn: []string{"build"}, Produces: []string{"test_report"}, MustSucceed: true},
		},
		RequiredTypes: []string{"code", "test_report"},
		Rubric: gate.Rubric{
			{Guard: gate.GuardQuality, Weight: 3},
			{Guard: gate.GuardCoverage, Weight: 2},
		},
	}

	out, err := e.coord.ExecutePhase(context.Background(), e.run, m)
	require.NoError(t, err)
	assert.Equal(t, PhaseBlocked, out.Status)
	assert.Equal(t, 3, out.Attempts)
}

func TestSEMTakeoverOnDoerFailure(t *testing.T) {
	e := newEnv(t)

	// The doer always fails; artifact.write is the allow-listed rescue.
	e.disp.RegisterInvoker("ideator", dispatch.InvokerFunc(
		func(ctx context.Context, tk *task.Spec, mf *dispatch.Manifest) (*dispatch.Result, error) {
			return &dispatch.Result{OK: false, Error: "doer stuck"}, nil
		}))
	e.produce("artifact.write", "idea_doc")

	reg := dispatch.NewRegistry()
	require.NoError(t, reg.Register(&dispatch.Manifest{
		Name: "artifact.write", Version: "1.0.0", Runtime: dispatch.RuntimeNative,
		Produces: []string{"idea_doc"},
	}))
	semExec := sem.New(e.db, e.led, e.gk, reg, e.disp)
	e.coord.sem = semExec
	e.coord.semTools = []string{"artifact.write"}

	m := &PhaseManifest{
		Phase: "ideation",
		Mode:  ModeSequential,
		Tasks: []TaskDecl{
			{ID: "ideate", Type: task.TypeAgent, Target: "ideator",
				Produces: []string{"idea_doc"}, MustSucceed: true, ReplaceDoer: true, Retry: noRetry},
		},
		RequiredTypes: []string{"idea_doc"},
	}

	out, err := e.coord.ExecutePhase(context.Background(), e.run, m)
	require.NoError(t, err)
	assert.Equal(t, PhasePassed, out.Status)
	assert.Equal(t, 1, out.Succeeded)

	interventions, err := e.db.ListSEMInterventions(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, interventions, 1)
	assert.Equal(t, sem.StatusCompleted, interventions[0].Status)
}

func TestCollectFacts(t *testing.T) {
	arts := []*artifact.Artifact{
		artifact.New("run-1", "t1", "qa", "test_report",
			[]byte(`{"passPercent": 95.5, "coveragePercent": 81}`), artifact.Provenance{}),
		artifact.New("run-1", "t2", "qa", "cve_report",
			[]byte(`{"critical": 1, "high": 4, "secrets": 0}`), artifact.Provenance{}),
		artifact.New("run-1", "t3", "qa", "grounding_report",
			[]byte(`{"citationCoverage": 0.82, "staleSources": 2}`), artifact.Provenance{}),
		artifact.New("run-1", "t4", "qa", "privacy_report",
			[]byte(`{"unredactedPii": 0, "dsarReady": true}`), artifact.Provenance{}),
	}
	f := collectFacts(arts)
	require.NotNil(t, f.TestPassPercent)
	assert.InDelta(t, 95.5, *f.TestPassPercent, 0.01)
	require.NotNil(t, f.CoveragePercent)
	assert.InDelta(t, 81, *f.CoveragePercent, 0.01)
	assert.Equal(t, 1, f.CriticalCVEs)
	assert.Equal(t, 4, f.HighCVEs)
	require.NotNil(t, f.CitationCoverage)
	assert.InDelta(t, 0.82, *f.CitationCoverage, 0.001)
	assert.Equal(t, 2, f.StaleSources)
	assert.True(t, f.DSARReady)
}

func TestParsePipeline(t *testing.T) {
	data := []byte(`
phases:
  - phase: ideation
    mode: parallel
    partial_threshold: 0.8
    tasks:
      - id: ideate
        type: agent
        target: ideator
        produces: [idea_doc]
        must_succeed: true
  - phase: critique
    mode: sequential
    tasks:
      - id: critique
        type: agent
        target: critic
        requires_artifacts: [idea_doc]
        must_succeed: true
`)
	p, err := ParsePipeline(data)
	require.NoError(t, err)
	require.Len(t, p.Phases, 2)
	assert.Equal(t, ModeParallel, p.Phases[0].Mode)
	assert.InDelta(t, 0.8, p.Phases[0].PartialThreshold, 0.001)
	assert.NotNil(t, p.Find("critique"))
	assert.Nil(t, p.Find("release"))
}

func TestPipelineValidation(t *testing.T) {
	_, err := ParsePipeline([]byte(`phases: []`))
	require.Error(t, err)

	_, err = ParsePipeline([]byte(`
phases:
  - phase: x
    mode: quantum
    tasks: [{id: a, target: t}]
`))
	require.Error(t, err)

	_, err = ParsePipeline([]byte(`
phases:
  - phase: x
    tasks:
      - id: a
        target: t
        depends_on: [ghost]
`))
	require.Error(t, err)
}
