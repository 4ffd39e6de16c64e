package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ideamine/conductor/internal/storage"
)

// Recorder persists per-step and per-phase metrics. Step rows are
// buffered and written by a background flusher; phase metrics are
// written synchronously because gate evaluation reads them back.
//
// A Recorder is an injected dependency with an explicit lifecycle so
// embedded deployments can run several engines in one process.
type Recorder struct {
	db     *storage.DB
	logger *slog.Logger

	mu      sync.Mutex
	steps   []*storage.StepRecord
	started map[string]time.Time

	flushEvery time.Duration
	stop       chan struct{}
	done       chan struct{}
	startOnce  sync.Once
	stopOnce   sync.Once
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) RecorderOption {
	return func(r *Recorder) { r.logger = logger }
}

// WithFlushInterval overrides the background flush interval.
func WithFlushInterval(d time.Duration) RecorderOption {
	return func(r *Recorder) { r.flushEvery = d }
}

// NewRecorder creates a Recorder over the given store.
func NewRecorder(db *storage.DB, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		db:         db,
		logger:     slog.Default(),
		started:    make(map[string]time.Time),
		flushEvery: 2 * time.Second,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the background flusher.
func (r *Recorder) Start() {
	r.startOnce.Do(func() {
		go func() {
			defer close(r.done)
			ticker := time.NewTicker(r.flushEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					r.Flush(context.Background())
				case <-r.stop:
					r.Flush(context.Background())
					return
				}
			}
		}()
	})
}

// Stop flushes pending rows and stops the flusher.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		r.logger.Warn("recorder flusher did not stop in time")
	}
}

// Flush writes buffered step rows.
func (r *Recorder) Flush(ctx context.Context) {
	r.mu.Lock()
	pending := r.steps
	r.steps = nil
	r.mu.Unlock()

	for _, s := range pending {
		if err := r.db.SaveStepRecord(ctx, s); err != nil {
			r.logger.Warn("failed to persist step record",
				"run_id", s.RunID, "step", s.Step, "error", err)
		}
	}
}

// RecordStep buffers one step row for the background flusher.
func (r *Recorder) RecordStep(s *storage.StepRecord) {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	r.mu.Lock()
	r.steps = append(r.steps, s)
	r.mu.Unlock()
}

// PhaseStarted marks the beginning of a phase attempt.
func (r *Recorder) PhaseStarted(ctx context.Context, runID, phase string, attempt int) error {
	now := time.Now()
	r.mu.Lock()
	r.started[runID+"/"+phase] = now
	r.mu.Unlock()

	return r.db.SavePhaseMetrics(ctx, &storage.PhaseMetrics{
		RunID:     runID,
		Phase:     phase,
		Attempt:   attempt,
		Status:    "running",
		StartedAt: now,
	})
}

// PhaseResult carries the terminal outcome of one phase attempt.
type PhaseResult struct {
	RunID           string
	Phase           string
	Attempt         int
	Status          string
	GateScore       *float64
	GateDecision    string
	AgentsSucceeded int
	AgentsFailed    int
	Tokens          int64
	ToolMinutes     float64
	CostUSD         float64
	TestPassPercent *float64
	CoveragePercent *float64
	CVECount        *int
}

// PhaseCompleted persists the terminal metrics for a phase attempt and
// updates the Prometheus collectors.
func (r *Recorder) PhaseCompleted(ctx context.Context, res PhaseResult) error {
	now := time.Now()
	r.mu.Lock()
	startedAt, ok := r.started[res.RunID+"/"+res.Phase]
	delete(r.started, res.RunID+"/"+res.Phase)
	r.mu.Unlock()
	if !ok {
		startedAt = now
	}
	duration := now.Sub(startedAt)

	RecordPhaseComplete(res.Phase, res.Status, duration, res.Tokens, res.CostUSD)

	return r.db.SavePhaseMetrics(ctx, &storage.PhaseMetrics{
		RunID:           res.RunID,
		Phase:           res.Phase,
		Attempt:         res.Attempt,
		Status:          res.Status,
		DurationMs:      duration.Milliseconds(),
		GateScore:       res.GateScore,
		GateDecision:    res.GateDecision,
		AgentsSucceeded: res.AgentsSucceeded,
		AgentsFailed:    res.AgentsFailed,
		Tokens:          res.Tokens,
		ToolMinutes:     res.ToolMinutes,
		CostUSD:         res.CostUSD,
		TestPassPercent: res.TestPassPercent,
		CoveragePercent: res.CoveragePercent,
		CVECount:        res.CVECount,
		StartedAt:       startedAt,
		CompletedAt:     now,
	})
}

// RunReport aggregates a run's recorded metrics.
type RunReport struct {
	RunID       string                  `json:"runId"`
	Phases      []*storage.PhaseMetrics `json:"phases"`
	TotalTokens int64                   `json:"totalTokens"`
	TotalCost   float64                 `json:"totalCostUsd"`
	TotalMs     int64                   `json:"totalDurationMs"`
	Steps       int                     `json:"steps"`
}

// Report builds the aggregate report for one run.
func (r *Recorder) Report(ctx context.Context, runID string) (*RunReport, error) {
	r.Flush(ctx)

	phases, err := r.db.GetPhaseMetrics(ctx, runID, "")
	if err != nil {
		return nil, err
	}
	steps, err := r.db.ListStepRecords(ctx, runID, "")
	if err != nil {
		return nil, err
	}

	report := &RunReport{RunID: runID, Phases: phases, Steps: len(steps)}
	for _, p := range phases {
		report.TotalTokens += p.Tokens
		report.TotalCost += p.CostUSD
		report.TotalMs += p.DurationMs
	}
	return report, nil
}
