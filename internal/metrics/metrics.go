// Package metrics records per-phase and per-step execution metrics and
// exposes Prometheus collectors for the pipeline.
//
// Metric naming follows Prometheus conventions:
//   - conductor_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// PhasesTotal counts phase attempts by phase and terminal status.
	PhasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_phases_total",
			Help: "Total number of phase attempts by phase and status.",
		},
		[]string{"phase", "status"},
	)

	// PhaseDurationSeconds is a histogram of phase duration by phase.
	PhaseDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_phase_duration_seconds",
			Help:    "Duration of phase attempts in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400},
		},
		[]string{"phase"},
	)

	// TasksTotal counts dispatched tasks by target and status.
	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_tasks_total",
			Help: "Total number of dispatched tasks by target and status.",
		},
		[]string{"target", "status"},
	)

	// TokensUsedTotal counts tokens consumed by phase.
	TokensUsedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_tokens_used_total",
			Help: "Total tokens consumed by phase.",
		},
		[]string{"phase"},
	)

	// CostUSDTotal counts dollars spent by phase.
	CostUSDTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_cost_usd_total",
			Help: "Total cost in USD by phase.",
		},
		[]string{"phase"},
	)

	// GateScore is the most recent gate score by phase, scaled to [0, 1].
	GateScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conductor_gate_score",
			Help: "Most recent gate score by phase.",
		},
		[]string{"phase"},
	)

	// GateDecisionsTotal counts gate evaluations by phase and decision.
	GateDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_gate_decisions_total",
			Help: "Total gate evaluations by phase and decision.",
		},
		[]string{"phase", "decision"},
	)

	// QuotaViolationsTotal counts quota denials by tenant and resource.
	QuotaViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_quota_violations_total",
			Help: "Total quota violations by tenant and resource.",
		},
		[]string{"tenant", "resource"},
	)

	// PreemptionsTotal counts task preemptions by priority class and reason.
	PreemptionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_preemptions_total",
			Help: "Total task preemptions by priority class and reason.",
		},
		[]string{"class", "reason"},
	)

	// SEMInterventionsTotal counts self-execution takeovers by phase and outcome.
	SEMInterventionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_sem_interventions_total",
			Help: "Total self-execution takeovers by phase and outcome.",
		},
		[]string{"phase", "outcome"},
	)

	// ActiveRuns is the number of runs currently executing.
	ActiveRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_active_runs",
			Help: "Number of runs currently executing.",
		},
	)

	// QueueDepth is the number of tasks waiting in the scheduler.
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_queue_depth",
			Help: "Number of tasks waiting in the scheduler queue.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		PhasesTotal,
		PhaseDurationSeconds,
		TasksTotal,
		TokensUsedTotal,
		CostUSDTotal,
		GateScore,
		GateDecisionsTotal,
		QuotaViolationsTotal,
		PreemptionsTotal,
		SEMInterventionsTotal,
		ActiveRuns,
		QueueDepth,
	)
}

// RecordPhaseComplete records collectors for a finished phase attempt.
func RecordPhaseComplete(phase, status string, duration time.Duration, tokens int64, costUSD float64) {
	PhasesTotal.WithLabelValues(phase, status).Inc()
	PhaseDurationSeconds.WithLabelValues(phase).Observe(duration.Seconds())
	TokensUsedTotal.WithLabelValues(phase).Add(float64(tokens))
	CostUSDTotal.WithLabelValues(phase).Add(costUSD)
}

// RecordTask records one task completion.
func RecordTask(target, status string) {
	TasksTotal.WithLabelValues(target, status).Inc()
}

// RecordGate records one gate evaluation.
func RecordGate(phase, decision string, score float64) {
	GateScore.WithLabelValues(phase).Set(score)
	GateDecisionsTotal.WithLabelValues(phase, decision).Inc()
}

// RecordQuotaViolation records one quota denial.
func RecordQuotaViolation(tenant, resource string) {
	QuotaViolationsTotal.WithLabelValues(tenant, resource).Inc()
}

// RecordPreemption records one task preemption.
func RecordPreemption(class, reason string) {
	PreemptionsTotal.WithLabelValues(class, reason).Inc()
}

// RecordSEMIntervention records one self-execution takeover outcome.
func RecordSEMIntervention(phase, outcome string) {
	SEMInterventionsTotal.WithLabelValues(phase, outcome).Inc()
}
