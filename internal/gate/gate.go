package gate

import (
	"context"
	"log/slog"
	"time"

	cerr "github.com/ideamine/conductor/internal/errors"
	"github.com/ideamine/conductor/internal/events"
	"github.com/ideamine/conductor/internal/metrics"
	"github.com/ideamine/conductor/internal/storage"
)

// Outcomes of a gate evaluation.
const (
	OutcomePass     = "pass"
	OutcomeFail     = "fail"
	OutcomeEscalate = "escalate"
)

// Auto-fix strategies returned on failure.
const (
	FixRerunQAV           = "rerun-QAV"
	FixAddMissingAgents   = "add-missing-agents"
	FixRerunSecurity      = "rerun-security"
	FixStricterValidation = "stricter-validation"
	FixReduceScope        = "reduce-scope"
	FixManualIntervention = "manual-intervention"
)

// RubricEntry weights one guard and marks whether its failure blocks
// the phase outright.
type RubricEntry struct {
	Guard       string  `yaml:"guard" json:"guard"`
	Weight      float64 `yaml:"weight" json:"weight"`
	HardBlocker bool    `yaml:"hard_blocker" json:"hardBlocker"`
}

// Rubric is a phase-specific guard weighting. Guards absent from the
// rubric do not contribute; weights are renormalized over the guards
// present.
type Rubric []RubricEntry

// DefaultRubric weights all eight guards, with security and privacy as
// hard blockers.
func DefaultRubric() Rubric {
	return Rubric{
		{Guard: GuardCompleteness, Weight: 2},
		{Guard: GuardContradictions, Weight: 1.5},
		{Guard: GuardCoverage, Weight: 1},
		{Guard: GuardQuality, Weight: 2},
		{Guard: GuardSecurity, Weight: 2, HardBlocker: true},
		{Guard: GuardPerformance, Weight: 1},
		{Guard: GuardGrounding, Weight: 1.5},
		{Guard: GuardPrivacy, Weight: 1, HardBlocker: true},
	}
}

func (r Rubric) entry(guardType string) (RubricEntry, bool) {
	for _, e := range r {
		if e.Guard == guardType {
			return e, true
		}
	}
	return RubricEntry{}, false
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Outcome        string                 `json:"outcome"`
	Score          float64                `json:"score"` // 0..100
	Reports        []events.GuardReport   `json:"reports"`
	FailureReasons []events.FailureReason `json:"failureReasons,omitempty"`
	Strategy       string                 `json:"strategy,omitempty"`
	PackCreatedAt  time.Time              `json:"packCreatedAt"`
	Attempt        int                    `json:"attempt"`
}

// Prefer picks between two decisions of equal score: the more recent
// pack wins; on the identical pack, escalate beats pass so warnings
// stay visible.
func Prefer(a, b Decision) Decision {
	if a.Score != b.Score {
		if a.Score > b.Score {
			return a
		}
		return b
	}
	if !a.PackCreatedAt.Equal(b.PackCreatedAt) {
		if a.PackCreatedAt.After(b.PackCreatedAt) {
			return a
		}
		return b
	}
	if a.Outcome == OutcomeEscalate {
		return a
	}
	if b.Outcome == OutcomeEscalate {
		return b
	}
	return a
}

// Gatekeeper evaluates evidence packs.
type Gatekeeper struct {
	db     *storage.DB
	logger *slog.Logger
	pub    events.Publisher

	guards        []Guard
	passThreshold float64
	marginError   float64
}

// Option configures a Gatekeeper.
type Option func(*Gatekeeper)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gatekeeper) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithPublisher sets the event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(g *Gatekeeper) {
		if p != nil {
			g.pub = p
		}
	}
}

// WithGuards replaces the default guard set.
func WithGuards(guards ...Guard) Option {
	return func(g *Gatekeeper) { g.guards = guards }
}

// WithThresholds sets the pass threshold and margin of error, both on
// the 0..100 scale.
func WithThresholds(pass, margin float64) Option {
	return func(g *Gatekeeper) {
		g.passThreshold = pass
		g.marginError = margin
	}
}

// New creates a Gatekeeper with the default guards and thresholds
// (pass 70, margin 10).
func New(db *storage.DB, opts ...Option) *Gatekeeper {
	g := &Gatekeeper{
		db:            db,
		logger:        slog.Default(),
		pub:           events.NewNopPublisher(),
		guards:        DefaultGuards(),
		passThreshold: 70,
		marginError:   10,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Evaluate runs every rubric-weighted guard over the pack, renormalizes
// the weighted score to 0..100, and decides pass, fail, or escalate.
// The decision is persisted to the deliberation history and published.
func (g *Gatekeeper) Evaluate(ctx context.Context, ev *Evidence, rubric Rubric) (*Decision, error) {
	if len(rubric) == 0 {
		rubric = DefaultRubric()
	}

	var (
		reports     []events.GuardReport
		weighted    float64
		totalWeight float64
		hardBlocked []events.GuardReport
	)
	for _, guard := range g.guards {
		entry, ok := rubric.entry(guard.Type())
		if !ok || entry.Weight <= 0 {
			continue
		}
		rep := guard.Check(ev)
		reports = append(reports, rep)
		weighted += rep.Score * entry.Weight
		totalWeight += entry.Weight
		if entry.HardBlocker && !rep.Pass && rep.Severity == SeverityCritical {
			hardBlocked = append(hardBlocked, rep)
		}
	}

	d := &Decision{
		Reports:       reports,
		PackCreatedAt: ev.CreatedAt,
		Attempt:       ev.Attempt,
	}
	if totalWeight > 0 {
		d.Score = weighted / totalWeight * 100
	}

	switch {
	case len(hardBlocked) > 0:
		d.Outcome = OutcomeFail
	case d.Score >= g.passThreshold:
		d.Outcome = OutcomePass
	case d.Score < g.passThreshold-g.marginError:
		d.Outcome = OutcomeFail
	default:
		d.Outcome = OutcomeEscalate
	}

	if d.Outcome != OutcomePass {
		d.FailureReasons = failureReasons(reports)
	}
	if d.Outcome == OutcomeFail {
		d.Strategy = pickStrategy(reports, hardBlocked)
	}

	if err := g.persist(ctx, ev, d); err != nil {
		return nil, err
	}
	g.publish(ev, d)
	metrics.RecordGate(ev.Phase, d.Outcome, d.Score)
	g.logger.Info("gate decision",
		"run_id", ev.RunID, "phase", ev.Phase, "attempt", ev.Attempt,
		"score", d.Score, "outcome", d.Outcome, "strategy", d.Strategy)
	return d, nil
}

// Blocked wraps a fail decision in the error taxonomy for callers that
// treat a hard failure as an error.
func (g *Gatekeeper) Blocked(ev *Evidence, d *Decision) error {
	if d.Outcome != OutcomeFail {
		return nil
	}
	return cerr.ErrGateBlocked(ev.Phase, d.Score)
}

func failureReasons(reports []events.GuardReport) []events.FailureReason {
	var out []events.FailureReason
	for _, rep := range reports {
		if rep.Pass {
			continue
		}
		for _, r := range rep.Reasons {
			out = append(out, events.FailureReason{
				Category:    rep.Type,
				Description: r,
				Severity:    rep.Severity,
			})
		}
	}
	return out
}

// pickStrategy maps the dominant failure to one of the six auto-fix
// strategies. Hard security and privacy blocks route to their
// dedicated strategies; otherwise the lowest-scoring failed guard
// chooses.
func pickStrategy(reports []events.GuardReport, hardBlocked []events.GuardReport) string {
	for _, rep := range hardBlocked {
		switch rep.Type {
		case GuardSecurity:
			return FixRerunSecurity
		case GuardPrivacy:
			return FixStricterValidation
		}
	}

	worst := events.GuardReport{Score: 2}
	found := false
	for _, rep := range reports {
		if !rep.Pass && rep.Score < worst.Score {
			worst = rep
			found = true
		}
	}
	if !found {
		return FixManualIntervention
	}
	switch worst.Type {
	case GuardQuality, GuardCoverage:
		return FixRerunQAV
	case GuardCompleteness:
		return FixAddMissingAgents
	case GuardSecurity:
		return FixRerunSecurity
	case GuardContradictions, GuardGrounding, GuardPrivacy:
		return FixStricterValidation
	case GuardPerformance:
		return FixReduceScope
	}
	return FixManualIntervention
}

func (g *Gatekeeper) persist(ctx context.Context, ev *Evidence, d *Decision) error {
	return g.db.SaveDeliberationScore(ctx, &storage.DeliberationScore{
		RunID:        ev.RunID,
		Phase:        ev.Phase,
		Attempt:      ev.Attempt,
		OverallScore: d.Score,
		Decision:     d.Outcome,
		GuardReports: d.Reports,
	})
}

func (g *Gatekeeper) publish(ev *Evidence, d *Decision) {
	if d.Outcome == OutcomePass {
		g.pub.Publish(events.NewEvent(events.EventGatePassed, ev.RunID, events.GatePassed{
			RunID:         ev.RunID,
			Phase:         ev.Phase,
			GateScore:     d.Score / 100,
			PassThreshold: g.passThreshold / 100,
			GuardReports:  d.Reports,
			QAVSummary:    ev.QAVSummary,
			NextPhase:     ev.NextPhase,
		}))
		return
	}
	g.pub.Publish(events.NewEvent(events.EventGateFailed, ev.RunID, events.GateFailed{
		RunID:           ev.RunID,
		Phase:           ev.Phase,
		GateScore:       d.Score / 100,
		GuardReports:    d.Reports,
		FailureReasons:  d.FailureReasons,
		Attempt:         ev.Attempt,
		MaxAttempts:     ev.MaxAttempts,
		AutoFixStrategy: d.Strategy,
	}))
}

// History returns the persisted decisions for a run phase, oldest
// first, for tie-breaking and audits.
func (g *Gatekeeper) History(ctx context.Context, runID, phase string) ([]*storage.DeliberationScore, error) {
	return g.db.ListDeliberationScores(ctx, runID, phase)
}
