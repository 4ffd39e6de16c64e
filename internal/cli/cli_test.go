package cli

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ideamine/conductor/internal/artifact"
	"github.com/ideamine/conductor/internal/config"
	"github.com/ideamine/conductor/internal/dispatch"
	"github.com/ideamine/conductor/internal/gate"
	"github.com/ideamine/conductor/internal/ledger"
	"github.com/ideamine/conductor/internal/sem"
	"github.com/ideamine/conductor/internal/storage"
	"github.com/ideamine/conductor/internal/task"
)

func TestRootRegistersSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, want := range []string{
		"create", "run", "resume", "cancel", "list",
		"status", "timeline", "cost", "quota", "serve", "version",
	} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestLoadPipelineFallsBackToEmbedded(t *testing.T) {
	p, err := loadPipeline()
	require.NoError(t, err)
	assert.Len(t, p.Phases, 13)
}

func TestLoadRegistryLoadsEmbeddedManifests(t *testing.T) {
	reg, err := loadRegistry()
	require.NoError(t, err)
	assert.Contains(t, reg.Names(), "qav")
	assert.Contains(t, reg.Names(), "security.scanner")
}

func TestSemTakeoverHandsBlockedTaskToSelfExecution(t *testing.T) {
	ctx := context.Background()
	db := storage.NewTestDB(t)
	require.NoError(t, db.SaveRun(ctx,
		&storage.Run{ID: "run-1", TenantID: "t1", State: "running"}))

	reg := dispatch.NewRegistry()
	require.NoError(t, reg.Register(&dispatch.Manifest{
		Name: "artifact.write", Version: "1.0.0", Runtime: dispatch.RuntimeNative,
		Produces: []string{"arch_doc"},
	}))
	disp := dispatch.New(db, reg)
	disp.RegisterInvoker("artifact.write", dispatch.InvokerFunc(
		func(ctx context.Context, tk *task.Spec, m *dispatch.Manifest) (*dispatch.Result, error) {
			a := artifact.New(tk.RunID, tk.ID, tk.Phase, "arch_doc", []byte("content"),
				artifact.Provenance{Producer: "sem"})
			return &dispatch.Result{OK: true, Artifacts: []*artifact.Artifact{a}}, nil
		}))
	led := ledger.New(db)
	exec := sem.New(db, led, gate.New(db), reg, disp)

	fn := semTakeover(func() *sem.Executor { return exec },
		[]string{"artifact.write"}, slog.Default())

	blocked := &task.Spec{
		ID: "TASK-001", RunID: "run-1", Phase: "arch", Type: task.TypeAgent,
		Target: "architect", Priority: task.PriorityP2, State: task.StateRunning,
		Produces: []string{"arch_doc"}, Budget: task.Budget{MaxTokens: 1000},
	}
	fn(ctx, blocked, "tool_failures", "3 consecutive tool failures")

	interventions, err := db.ListSEMInterventions(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, interventions, 1)
	assert.Equal(t, sem.StatusCompleted, interventions[0].Status)

	// Tasks without declared outputs are left to the coordinator.
	fn(ctx, &task.Spec{ID: "TASK-002", RunID: "run-1"}, "tool_failures", "")
	interventions, err = db.ListSEMInterventions(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, interventions, 1)
}

func TestNewLoggerHonorsLevel(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.Level = "error"
	logger := newLogger(cfg)
	require.NotNil(t, logger)
	assert.False(t, logger.Enabled(t.Context(), 0)) // info is suppressed
}
