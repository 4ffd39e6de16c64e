package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ideamine/conductor/internal/budget"
	"github.com/ideamine/conductor/internal/config"
	"github.com/ideamine/conductor/internal/coordinator"
	"github.com/ideamine/conductor/internal/dispatch"
	"github.com/ideamine/conductor/internal/engine"
	"github.com/ideamine/conductor/internal/events"
	"github.com/ideamine/conductor/internal/gate"
	"github.com/ideamine/conductor/internal/ledger"
	"github.com/ideamine/conductor/internal/metrics"
	"github.com/ideamine/conductor/internal/quota"
	"github.com/ideamine/conductor/internal/sched"
	"github.com/ideamine/conductor/internal/sem"
	"github.com/ideamine/conductor/internal/storage"
	"github.com/ideamine/conductor/internal/storage/driver"
	"github.com/ideamine/conductor/internal/task"
	"github.com/ideamine/conductor/templates"
)

// stack is the assembled orchestrator: everything a command needs.
type stack struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *storage.DB
	pub      *events.MemoryPublisher
	led      *ledger.Ledger
	guard    *budget.Guard
	enforcer *quota.Enforcer
	sched    *sched.Scheduler
	registry *dispatch.Registry
	disp     *dispatch.Dispatcher
	gate     *gate.Gatekeeper
	sem      *sem.Executor
	coord    *coordinator.Coordinator
	pipeline *coordinator.Pipeline
	eng      *engine.Engine
	hb       *engine.HeartbeatMonitor
}

// loadConfig builds the effective configuration, honoring --config.
func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		return config.LoadFile(cfgFile)
	}
	return config.Load()
}

// newLogger builds the slog logger from the logging config and the
// --verbose flag.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// openDB opens the configured database with migrations applied.
func openDB(cfg *config.Config) (*storage.DB, error) {
	dialect, err := driver.ParseDialect(cfg.Database.Dialect)
	if err != nil {
		return nil, err
	}
	return storage.OpenWithDialect(cfg.Database.DSN, dialect)
}

// loadPipeline prefers the project pipeline file and falls back to the
// embedded default.
func loadPipeline() (*coordinator.Pipeline, error) {
	path := filepath.Join(config.ConductorDir, "pipeline.yaml")
	if _, err := os.Stat(path); err == nil {
		return coordinator.LoadPipeline(path)
	}
	return coordinator.ParsePipeline(templates.Pipeline)
}

// loadRegistry loads the embedded default manifests, then overlays any
// project manifests.
func loadRegistry() (*dispatch.Registry, error) {
	reg := dispatch.NewRegistry()
	if err := reg.LoadFS(templates.Manifests, "manifests"); err != nil {
		return nil, err
	}
	dir := filepath.Join(config.ConductorDir, "manifests")
	if _, err := os.Stat(dir); err == nil {
		if err := reg.LoadDir(dir); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// semTakeover adapts self-execution into the dispatcher's
// failure-streak callback.
func semTakeover(exec func() *sem.Executor, allowedTools []string, logger *slog.Logger) dispatch.InterventionFunc {
	return func(ctx context.Context, t *task.Spec, trigger, details string) {
		e := exec()
		if e == nil || len(t.Produces) == 0 {
			return
		}
		_, err := e.Intervene(ctx, &sem.BlockedStepContext{
			RunID:             t.RunID,
			Phase:             t.Phase,
			TaskID:            t.ID,
			Trigger:           trigger,
			TriggerDetails:    details,
			OriginalDoer:      t.Target,
			RequiredArtifacts: t.Produces,
			Inputs:            t.Input,
			RemainingBudget:   t.Budget,
			AllowedTools:      allowedTools,
		}, t)
		if err != nil {
			logger.Warn("self-execution takeover refused",
				"run_id", t.RunID, "task", t.ID, "error", err)
		}
	}
}

// buildStack wires the full orchestrator from configuration.
func buildStack() (*stack, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg)

	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}

	pub := events.NewMemoryPublisher()
	led := ledger.New(db, ledger.WithLogger(logger))
	recorder := metrics.NewRecorder(db)

	guard := budget.NewGuard(db,
		budget.WithLogger(logger),
		budget.WithPublisher(pub),
		budget.WithThresholds(budget.Thresholds{
			Warn:     cfg.Budget.WarnThreshold,
			Throttle: cfg.Budget.ThrottleThreshold,
			Pause:    cfg.Budget.PauseThreshold,
		}))

	enforcer := quota.NewEnforcer(db,
		quota.WithLogger(logger),
		quota.WithPublisher(pub),
		quota.WithOptions(quota.Options{
			ThrottleDuration: cfg.Quota.ThrottleDuration,
			PenaltyMs:        cfg.Quota.PenaltyMs,
			DefaultTier:      cfg.Quota.DefaultTier,
			RetentionDays:    cfg.Quota.RetentionDays,
		}))

	scheduler := sched.New(db, cfg.Scheduler.Workers,
		sched.WithLogger(logger),
		sched.WithPublisher(pub),
		sched.WithAdmitters(
			engine.QuotaAdmitter(enforcer),
			engine.BudgetAdmitter(guard),
		))

	registry, err := loadRegistry()
	if err != nil {
		return nil, err
	}

	gk := gate.New(db,
		gate.WithLogger(logger),
		gate.WithPublisher(pub),
		gate.WithThresholds(cfg.Gate.PassThreshold, cfg.Gate.MarginError))

	// The dispatcher's failure-streak callback hands the blocked step to
	// self-execution; the executor is bound late because the dispatcher
	// is constructed first.
	var semExec *sem.Executor
	dispOpts := []dispatch.Option{
		dispatch.WithLogger(logger),
		dispatch.WithRecorder(recorder),
		dispatch.WithFailureThreshold(cfg.Dispatch.FailureThreshold),
	}
	if cfg.SEM.Enabled {
		dispOpts = append(dispOpts, dispatch.WithInterventionFunc(semTakeover(
			func() *sem.Executor { return semExec }, cfg.SEM.AllowedTools, logger)))
	}
	disp := dispatch.New(db, registry, dispOpts...)
	for _, name := range registry.Names() {
		disp.RegisterInvoker(name, &dispatch.ExecInvoker{})
	}

	semExec = sem.New(db, led, gk, registry, disp,
		sem.WithLogger(logger),
		sem.WithPublisher(pub),
		sem.WithOptions(sem.Options{
			MaxPerPhase:  cfg.SEM.MaxPerPhase,
			MaxPlanSteps: cfg.SEM.MaxPlanSteps,
			StepTimeout:  cfg.SEM.StepTimeout,
		}))

	coordOpts := []coordinator.Option{
		coordinator.WithLogger(logger),
		coordinator.WithPublisher(pub),
		coordinator.WithRecorder(recorder),
		coordinator.WithMaxGateRetries(cfg.Gate.MaxAttempts),
		coordinator.WithPhaseOrder(engine.Phases()),
	}
	if cfg.SEM.Enabled {
		coordOpts = append(coordOpts, coordinator.WithSEM(semExec, cfg.SEM.AllowedTools))
	}
	coord := coordinator.New(db, scheduler, disp, gk, led, coordOpts...)

	pipeline, err := loadPipeline()
	if err != nil {
		return nil, fmt.Errorf("load pipeline: %w", err)
	}

	hb := engine.NewHeartbeatMonitor(cfg.Engine.HeartbeatInterval, pub, logger, nil)

	eng := engine.New(db, coord, pipeline, led,
		engine.WithLogger(logger),
		engine.WithPublisher(pub),
		engine.WithBudgetGuard(guard),
		engine.WithQuotaEnforcer(enforcer),
		engine.WithScheduler(scheduler),
		engine.WithHeartbeatMonitor(hb),
		engine.WithRetryPolicy(task.RetryPolicy{
			MaxAttempts:   cfg.Engine.MaxPhaseAttempts,
			BackoffBaseMs: int64(cfg.Engine.BackoffBaseMs),
			BackoffCapMs:  int64(cfg.Engine.BackoffCapMs),
		}))

	return &stack{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		pub:      pub,
		led:      led,
		guard:    guard,
		enforcer: enforcer,
		sched:    scheduler,
		registry: registry,
		disp:     disp,
		gate:     gk,
		sem:      semExec,
		coord:    coord,
		pipeline: pipeline,
		eng:      eng,
		hb:       hb,
	}, nil
}

// Close releases the stack's resources.
func (s *stack) Close() {
	s.pub.Close()
	if err := s.db.Close(); err != nil {
		s.logger.Warn("closing database", "error", err)
	}
}
