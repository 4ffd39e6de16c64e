// Package gate scores evidence packs and turns them into
// pass/fail/escalate decisions with an auto-fix strategy on failure.
package gate

import (
	"fmt"
	"time"

	"github.com/ideamine/conductor/internal/artifact"
	"github.com/ideamine/conductor/internal/events"
)

// Guard types.
const (
	GuardCompleteness   = "completeness"
	GuardContradictions = "contradictions"
	GuardCoverage       = "coverage"
	GuardQuality        = "quality"
	GuardSecurity       = "security"
	GuardPerformance    = "performance"
	GuardGrounding      = "grounding"
	GuardPrivacy        = "privacy"
)

// Severity levels carried on guard reports.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Facts are the measured inputs guards evaluate. They are collected by
// the coordinator from task outputs and QAV tooling; guards are pure
// functions of these values so a re-evaluation of the same pack always
// yields the same reports.
type Facts struct {
	AgentsSucceeded int `json:"agentsSucceeded"`
	AgentsFailed    int `json:"agentsFailed"`

	Contradictions []string `json:"contradictions,omitempty"`

	TestPassPercent *float64 `json:"testPassPercent,omitempty"`
	CoveragePercent *float64 `json:"coveragePercent,omitempty"`

	CriticalCVEs    int `json:"criticalCves"`
	HighCVEs        int `json:"highCves"`
	SecretsDetected int `json:"secretsDetected"`

	LatencyP95Ms    int64 `json:"latencyP95Ms,omitempty"`
	LatencyBudgetMs int64 `json:"latencyBudgetMs,omitempty"`

	CitationCoverage *float64 `json:"citationCoverage,omitempty"`
	StaleSources     int      `json:"staleSources"`

	UnredactedPII int  `json:"unredactedPii"`
	DSARReady     bool `json:"dsarReady"`
}

// Evidence is the pack a phase submits for gating.
type Evidence struct {
	RunID     string               `json:"runId"`
	Phase     string               `json:"phase"`
	Attempt   int                  `json:"attempt"`
	CreatedAt time.Time            `json:"createdAt"`
	Artifacts []*artifact.Artifact `json:"-"`
	// RequiredTypes lists the artifact types the phase manifest expects.
	RequiredTypes []string `json:"requiredTypes,omitempty"`
	QAVSummary    string   `json:"qavSummary,omitempty"`
	// NextPhase names the phase that follows a pass; MaxAttempts is the
	// gate retry ceiling for this phase. Both ride along for events.
	NextPhase   string `json:"nextPhase,omitempty"`
	MaxAttempts int    `json:"maxAttempts,omitempty"`
	Facts       Facts  `json:"facts"`
	Provenance    artifact.Provenance `json:"provenance"`
}

// ArtifactIDs returns the IDs carried by the pack.
func (e *Evidence) ArtifactIDs() []string {
	ids := make([]string, 0, len(e.Artifacts))
	for _, a := range e.Artifacts {
		ids = append(ids, a.ID)
	}
	return ids
}

// Guard evaluates one concern against an evidence pack.
type Guard interface {
	Type() string
	Check(ev *Evidence) events.GuardReport
}

// GuardFunc adapts a function to the Guard interface.
type GuardFunc struct {
	Name string
	Fn   func(ev *Evidence) events.GuardReport
}

func (g GuardFunc) Type() string                          { return g.Name }
func (g GuardFunc) Check(ev *Evidence) events.GuardReport { return g.Fn(ev) }

func report(guardType string, score float64, severity string, reasons ...string) events.GuardReport {
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return events.GuardReport{
		Type:      guardType,
		Pass:      len(reasons) == 0,
		Score:     score,
		Reasons:   reasons,
		Severity:  severity,
		Timestamp: time.Now().UTC(),
	}
}

// DefaultGuards returns the standard eight guards.
func DefaultGuards() []Guard {
	return []Guard{
		GuardFunc{GuardCompleteness, checkCompleteness},
		GuardFunc{GuardContradictions, checkContradictions},
		GuardFunc{GuardCoverage, checkCoverage},
		GuardFunc{GuardQuality, checkQuality},
		GuardFunc{GuardSecurity, checkSecurity},
		GuardFunc{GuardPerformance, checkPerformance},
		GuardFunc{GuardGrounding, checkGrounding},
		GuardFunc{GuardPrivacy, checkPrivacy},
	}
}

// checkCompleteness scores the fraction of required artifact types the
// pack actually carries.
func checkCompleteness(ev *Evidence) events.GuardReport {
	if len(ev.RequiredTypes) == 0 {
		return report(GuardCompleteness, 1, SeverityLow)
	}
	have := make(map[string]bool, len(ev.Artifacts))
	for _, a := range ev.Artifacts {
		have[a.Type] = true
	}
	var missing []string
	for _, want := range ev.RequiredTypes {
		if !have[want] {
			missing = append(missing, fmt.Sprintf("missing artifact type %q", want))
		}
	}
	score := float64(len(ev.RequiredTypes)-len(missing)) / float64(len(ev.RequiredTypes))
	severity := SeverityLow
	if len(missing) > 0 {
		severity = SeverityHigh
	}
	return report(GuardCompleteness, score, severity, missing...)
}

// checkContradictions fails on any detected cross-artifact
// contradiction; the score drops with the count.
func checkContradictions(ev *Evidence) events.GuardReport {
	n := len(ev.Facts.Contradictions)
	if n == 0 {
		return report(GuardContradictions, 1, SeverityLow)
	}
	return report(GuardContradictions, 1-float64(n)*0.2, SeverityMedium,
		ev.Facts.Contradictions...)
}

func checkCoverage(ev *Evidence) events.GuardReport {
	cov := ev.Facts.CoveragePercent
	if cov == nil {
		return report(GuardCoverage, 1, SeverityLow)
	}
	if *cov >= 70 {
		return report(GuardCoverage, *cov/100, SeverityLow)
	}
	return report(GuardCoverage, *cov/100, SeverityMedium,
		fmt.Sprintf("test coverage %.1f%% below 70%%", *cov))
}

func checkQuality(ev *Evidence) events.GuardReport {
	pass := ev.Facts.TestPassPercent
	if pass == nil {
		return report(GuardQuality, 1, SeverityLow)
	}
	if *pass >= 100 {
		return report(GuardQuality, 1, SeverityLow)
	}
	severity := SeverityMedium
	if *pass < 80 {
		severity = SeverityHigh
	}
	return report(GuardQuality, *pass/100, severity,
		fmt.Sprintf("test pass rate %.1f%%", *pass))
}

// checkSecurity hard-fails on critical CVEs or detected secrets.
func checkSecurity(ev *Evidence) events.GuardReport {
	f := ev.Facts
	var reasons []string
	if f.CriticalCVEs > 0 {
		reasons = append(reasons, fmt.Sprintf("%d critical CVEs", f.CriticalCVEs))
	}
	if f.SecretsDetected > 0 {
		reasons = append(reasons, fmt.Sprintf("%d secrets detected in artifacts", f.SecretsDetected))
	}
	if len(reasons) > 0 {
		return report(GuardSecurity, 0, SeverityCritical, reasons...)
	}
	if f.HighCVEs > 0 {
		return report(GuardSecurity, 1-float64(f.HighCVEs)*0.1, SeverityHigh,
			fmt.Sprintf("%d high CVEs", f.HighCVEs))
	}
	return report(GuardSecurity, 1, SeverityLow)
}

func checkPerformance(ev *Evidence) events.GuardReport {
	f := ev.Facts
	if f.LatencyBudgetMs <= 0 || f.LatencyP95Ms <= 0 {
		return report(GuardPerformance, 1, SeverityLow)
	}
	if f.LatencyP95Ms <= f.LatencyBudgetMs {
		return report(GuardPerformance, 1, SeverityLow)
	}
	score := float64(f.LatencyBudgetMs) / float64(f.LatencyP95Ms)
	return report(GuardPerformance, score, SeverityMedium,
		fmt.Sprintf("p95 latency %dms over budget %dms", f.LatencyP95Ms, f.LatencyBudgetMs))
}

// checkGrounding scores citation coverage, penalizing stale sources.
func checkGrounding(ev *Evidence) events.GuardReport {
	f := ev.Facts
	if f.CitationCoverage == nil {
		return report(GuardGrounding, 1, SeverityLow)
	}
	score := *f.CitationCoverage - float64(f.StaleSources)*0.05
	var reasons []string
	if *f.CitationCoverage < 0.6 {
		reasons = append(reasons, fmt.Sprintf("citation coverage %.2f below 0.60", *f.CitationCoverage))
	}
	if f.StaleSources > 0 {
		reasons = append(reasons, fmt.Sprintf("%d stale sources", f.StaleSources))
	}
	severity := SeverityLow
	if len(reasons) > 0 {
		severity = SeverityMedium
	}
	return report(GuardGrounding, score, severity, reasons...)
}

// checkPrivacy hard-fails on unredacted PII.
func checkPrivacy(ev *Evidence) events.GuardReport {
	f := ev.Facts
	if f.UnredactedPII > 0 {
		return report(GuardPrivacy, 0, SeverityCritical,
			fmt.Sprintf("%d unredacted PII findings", f.UnredactedPII))
	}
	if !f.DSARReady {
		return report(GuardPrivacy, 0.8, SeverityMedium,
			"data subject access request handling not verified")
	}
	return report(GuardPrivacy, 1, SeverityLow)
}
