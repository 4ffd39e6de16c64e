// Package budget enforces per-run spending limits across cost, tokens,
// tool minutes, and wallclock time. Crossing 50%, 80%, and 95% of any
// dimension escalates from warning through throttling to pausing the
// run, with preemption candidates handed to the scheduler.
package budget

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ideamine/conductor/internal/events"
	"github.com/ideamine/conductor/internal/storage"
	"github.com/ideamine/conductor/internal/task"
)

// Budget dimensions.
const (
	DimensionCost        = "cost"
	DimensionTokens      = "tokens"
	DimensionToolMinutes = "tool_minutes"
	DimensionWallclock   = "wallclock"
)

// Threshold levels as fractions of the budget.
type Thresholds struct {
	Warn     float64
	Throttle float64
	Pause    float64
}

// DefaultThresholds returns the standard 50/80/95 ladder.
func DefaultThresholds() Thresholds {
	return Thresholds{Warn: 0.50, Throttle: 0.80, Pause: 0.95}
}

// Event types emitted by the guard.
const (
	EventWarn     = "warn"
	EventThrottle = "throttle"
	EventPause    = "pause"
	EventPreempt  = "preempt"
)

// Decision is the guard's reaction to a usage update on one dimension.
type Decision struct {
	Dimension      string
	Total          float64
	Spent          float64
	PercentUsed    float64
	EventType      string
	Action         string
	PreemptClasses []task.PriorityClass
}

// ShouldPause reports whether this decision pauses the run.
func (d Decision) ShouldPause() bool { return d.EventType == EventPause }

// runBudget is the per-run spending ledger. Counters are only touched
// under the guard's per-run mutex.
type runBudget struct {
	mu        sync.Mutex
	tenantID  string
	budget    task.Budget
	startedAt time.Time
	spent     task.Metrics
	// level tracks the highest threshold already fired per dimension
	// so each level alerts once.
	level  map[string]float64
	paused bool
}

// Guard watches run budgets.
type Guard struct {
	db         *storage.DB
	pub        events.Publisher
	logger     *slog.Logger
	thresholds Thresholds

	mu   sync.Mutex
	runs map[string]*runBudget
}

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) { g.logger = logger }
}

// WithPublisher sets the event publisher.
func WithPublisher(pub events.Publisher) Option {
	return func(g *Guard) { g.pub = pub }
}

// WithThresholds overrides the alert ladder.
func WithThresholds(t Thresholds) Option {
	return func(g *Guard) { g.thresholds = t }
}

// NewGuard creates a budget guard over the given store.
func NewGuard(db *storage.DB, opts ...Option) *Guard {
	g := &Guard{
		db:         db,
		pub:        events.NewNopPublisher(),
		logger:     slog.Default(),
		thresholds: DefaultThresholds(),
		runs:       make(map[string]*runBudget),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Track registers a run's budget. Spent counters may be preloaded when
// resuming a persisted run.
func (g *Guard) Track(runID, tenantID string, budget task.Budget, spent task.Metrics) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.runs[runID] = &runBudget{
		tenantID:  tenantID,
		budget:    budget,
		startedAt: time.Now(),
		spent:     spent,
		level:     make(map[string]float64),
	}
}

// Forget drops a run's in-memory counters.
func (g *Guard) Forget(runID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.runs, runID)
}

func (g *Guard) run(runID string) (*runBudget, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rb, ok := g.runs[runID]
	return rb, ok
}

// Spent returns a copy of the run's spent counters.
func (g *Guard) Spent(runID string) (task.Metrics, bool) {
	rb, ok := g.run(runID)
	if !ok {
		return task.Metrics{}, false
	}
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.spent, true
}

// Frozen reports whether new admissions for the run are frozen.
func (g *Guard) Frozen(runID string) bool {
	rb, ok := g.run(runID)
	if !ok {
		return false
	}
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.paused
}

// Throttled reports whether the run has crossed the throttle threshold
// on any dimension.
func (g *Guard) Throttled(runID string) bool {
	rb, ok := g.run(runID)
	if !ok {
		return false
	}
	rb.mu.Lock()
	defer rb.mu.Unlock()
	for _, lvl := range rb.level {
		if lvl >= g.thresholds.Throttle {
			return true
		}
	}
	return false
}

// Record adds task usage to the run's counters and evaluates every
// dimension. The returned decisions contain at most one entry per
// dimension whose threshold level increased.
func (g *Guard) Record(ctx context.Context, runID string, usage task.Metrics) ([]Decision, error) {
	rb, ok := g.run(runID)
	if !ok {
		return nil, nil
	}

	rb.mu.Lock()
	rb.spent.Add(usage)
	decisions := g.evaluateLocked(rb)
	rb.mu.Unlock()

	for _, d := range decisions {
		g.persist(ctx, runID, rb.tenantID, d)
	}
	return decisions, nil
}

// Check re-evaluates the run without adding usage. Wallclock spend is
// derived from the tracking start, so the ladder can fire on time alone.
func (g *Guard) Check(ctx context.Context, runID string) ([]Decision, error) {
	rb, ok := g.run(runID)
	if !ok {
		return nil, nil
	}
	rb.mu.Lock()
	decisions := g.evaluateLocked(rb)
	rb.mu.Unlock()

	for _, d := range decisions {
		g.persist(ctx, runID, rb.tenantID, d)
	}
	return decisions, nil
}

// evaluateLocked walks all dimensions; rb.mu must be held.
func (g *Guard) evaluateLocked(rb *runBudget) []Decision {
	type dim struct {
		name  string
		total float64
		spent float64
	}
	wallclockMin := time.Since(rb.startedAt).Minutes()
	dims := []dim{
		{DimensionCost, rb.budget.MaxCostUSD, rb.spent.CostUSD},
		{DimensionTokens, float64(rb.budget.MaxTokens), float64(rb.spent.Tokens)},
		{DimensionToolMinutes, rb.budget.MaxToolMinutes, rb.spent.ToolMinutes},
		{DimensionWallclock, float64(rb.budget.MaxWallclockMinutes), wallclockMin},
	}

	var decisions []Decision
	for _, d := range dims {
		if d.total <= 0 {
			continue
		}
		used := d.spent / d.total
		threshold, eventType, action := g.classify(used)
		if eventType == "" || threshold <= rb.level[d.name] {
			continue
		}
		rb.level[d.name] = threshold

		decision := Decision{
			Dimension:   d.name,
			Total:       d.total,
			Spent:       d.spent,
			PercentUsed: used * 100,
			EventType:   eventType,
			Action:      action,
		}
		switch eventType {
		case EventThrottle:
			decision.PreemptClasses = []task.PriorityClass{task.PriorityP3}
		case EventPause:
			decision.PreemptClasses = []task.PriorityClass{task.PriorityP3}
			rb.paused = true
		}
		decisions = append(decisions, decision)
	}
	return decisions
}

func (g *Guard) classify(used float64) (threshold float64, eventType, action string) {
	switch {
	case used >= g.thresholds.Pause:
		return g.thresholds.Pause, EventPause, "pause_run"
	case used >= g.thresholds.Throttle:
		return g.thresholds.Throttle, EventThrottle, "prefer_high_priority"
	case used >= g.thresholds.Warn:
		return g.thresholds.Warn, EventWarn, "notify"
	default:
		return 0, "", ""
	}
}

func (g *Guard) persist(ctx context.Context, runID, tenantID string, d Decision) {
	classes := make([]string, len(d.PreemptClasses))
	for i, c := range d.PreemptClasses {
		classes[i] = string(c)
	}
	err := g.db.SaveBudgetEvent(ctx, &storage.BudgetEvent{
		RunID:                    runID,
		TenantID:                 tenantID,
		Dimension:                d.Dimension,
		Total:                    d.Total,
		Spent:                    d.Spent,
		Remaining:                d.Total - d.Spent,
		PercentUsed:              d.PercentUsed,
		EventType:                d.EventType,
		Threshold:                thresholdFor(g.thresholds, d.EventType),
		Action:                   d.Action,
		PriorityClassesPreempted: classes,
	})
	if err != nil {
		g.logger.Warn("failed to persist budget event",
			"run_id", runID, "dimension", d.Dimension, "error", err)
	}

	g.pub.Publish(events.Event{
		Type:  events.EventBudgetAlert,
		RunID: runID,
		Data: events.BudgetAlert{
			RunID:       runID,
			TenantID:    tenantID,
			EventType:   d.EventType,
			Dimension:   d.Dimension,
			PercentUsed: d.PercentUsed,
			Action:      d.Action,
		},
		Time: time.Now().UTC(),
	})
	g.logger.Info("budget threshold crossed",
		"run_id", runID, "dimension", d.Dimension,
		"event", d.EventType, "percent_used", d.PercentUsed)
}

func thresholdFor(t Thresholds, eventType string) float64 {
	switch eventType {
	case EventPause:
		return t.Pause
	case EventThrottle:
		return t.Throttle
	case EventWarn:
		return t.Warn
	default:
		return 0
	}
}

// RecordPreemption persists a preemption that the scheduler executed on
// the guard's behalf.
func (g *Guard) RecordPreemption(ctx context.Context, runID string, affected []string, classes []task.PriorityClass, dimension string) {
	rb, ok := g.run(runID)
	tenantID := ""
	var total, spent float64
	if ok {
		rb.mu.Lock()
		tenantID = rb.tenantID
		switch dimension {
		case DimensionCost:
			total, spent = rb.budget.MaxCostUSD, rb.spent.CostUSD
		case DimensionTokens:
			total, spent = float64(rb.budget.MaxTokens), float64(rb.spent.Tokens)
		}
		rb.mu.Unlock()
	}

	strs := make([]string, len(classes))
	for i, c := range classes {
		strs[i] = string(c)
	}
	pct := 0.0
	if total > 0 {
		pct = spent / total * 100
	}
	err := g.db.SaveBudgetEvent(ctx, &storage.BudgetEvent{
		RunID:                    runID,
		TenantID:                 tenantID,
		Dimension:                dimension,
		Total:                    total,
		Spent:                    spent,
		Remaining:                total - spent,
		PercentUsed:              pct,
		EventType:                EventPreempt,
		Threshold:                g.thresholds.Throttle,
		Action:                   "preempt",
		TasksAffected:            affected,
		PriorityClassesPreempted: strs,
	})
	if err != nil {
		g.logger.Warn("failed to persist preempt event", "run_id", runID, "error", err)
	}
}
