package storage

import (
	"context"
	"database/sql"
	"time"

	cerr "github.com/ideamine/conductor/internal/errors"
)

// PhaseMetrics is one row of phase-level aggregates, keyed by
// (run, phase, attempt).
type PhaseMetrics struct {
	RunID           string
	Phase           string
	Attempt         int
	Status          string
	DurationMs      int64
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
	StartedAt       time.Time
	CompletedAt     time.Time
}

// StepRecord is one fine-grained step inside a phase.
type StepRecord struct {
	ID        int64
	RunID     string
	Phase     string
	Step      string
	Actor     string
	Inputs    any
	Outputs   any
	CostUSD   float64
	LatencyMs int64
	Status    string
	Metadata  map[string]any
	CreatedAt time.Time
}

// SavePhaseMetrics upserts a phase attempt's aggregates.
func (d *DB) SavePhaseMetrics(ctx context.Context, m *PhaseMetrics) error {
	if m.Attempt <= 0 {
		m.Attempt = 1
	}
	_, err := d.driver.Exec(ctx, `
		INSERT INTO phase_metrics (run_id, phase, attempt, status, duration_ms,
			gate_score, gate_decision, agents_succeeded, agents_failed,
			tokens, tool_minutes, cost_usd, test_pass_percent, coverage_percent,
			cve_count, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, phase, attempt) DO UPDATE SET
			status = excluded.status,
			duration_ms = excluded.duration_ms,
			gate_score = excluded.gate_score,
			gate_decision = excluded.gate_decision,
			agents_succeeded = excluded.agents_succeeded,
			agents_failed = excluded.agents_failed,
			tokens = excluded.tokens,
			tool_minutes = excluded.tool_minutes,
			cost_usd = excluded.cost_usd,
			test_pass_percent = excluded.test_pass_percent,
			coverage_percent = excluded.coverage_percent,
			cve_count = excluded.cve_count,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at`,
		m.RunID, m.Phase, m.Attempt, m.Status, m.DurationMs,
		m.GateScore, nullIfEmpty(m.GateDecision), m.AgentsSucceeded, m.AgentsFailed,
		m.Tokens, m.ToolMinutes, m.CostUSD, m.TestPassPercent, m.CoveragePercent,
		m.CVECount, nullableTime(m.StartedAt), nullableTime(m.CompletedAt))
	if err != nil {
		return cerr.ErrStorageFailed("SavePhaseMetrics", err)
	}
	return nil
}

// GetPhaseMetrics returns all attempts for a phase, oldest first. An
// empty phase returns every phase of the run.
func (d *DB) GetPhaseMetrics(ctx context.Context, runID, phase string) ([]*PhaseMetrics, error) {
	query := `SELECT run_id, phase, attempt, status, duration_ms, gate_score,
			gate_decision, agents_succeeded, agents_failed, tokens, tool_minutes,
			cost_usd, test_pass_percent, coverage_percent, cve_count,
			started_at, completed_at
		FROM phase_metrics WHERE run_id = ?`
	args := []any{runID}
	if phase != "" {
		query += ` AND phase = ?`
		args = append(args, phase)
	}
	query += ` ORDER BY phase, attempt`

	rows, err := d.driver.Query(ctx, query, args...)
	if err != nil {
		return nil, cerr.ErrStorageFailed("GetPhaseMetrics", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*PhaseMetrics
	for rows.Next() {
		var m PhaseMetrics
		var gateDecision, startedAt, completedAt sql.NullString
		if err := rows.Scan(&m.RunID, &m.Phase, &m.Attempt, &m.Status, &m.DurationMs,
			&m.GateScore, &gateDecision, &m.AgentsSucceeded, &m.AgentsFailed,
			&m.Tokens, &m.ToolMinutes, &m.CostUSD, &m.TestPassPercent,
			&m.CoveragePercent, &m.CVECount, &startedAt, &completedAt); err != nil {
			return nil, cerr.ErrStorageFailed("GetPhaseMetrics", err)
		}
		m.GateDecision = gateDecision.String
		m.StartedAt = scanTime(startedAt)
		m.CompletedAt = scanTime(completedAt)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// SaveStepRecord appends one step record.
func (d *DB) SaveStepRecord(ctx context.Context, s *StepRecord) error {
	inputs, err := marshalJSON(s.Inputs)
	if err != nil {
		return cerr.ErrStorageFailed("SaveStepRecord", err)
	}
	outputs, err := marshalJSON(s.Outputs)
	if err != nil {
		return cerr.ErrStorageFailed("SaveStepRecord", err)
	}
	metadata, err := marshalJSON(s.Metadata)
	if err != nil {
		return cerr.ErrStorageFailed("SaveStepRecord", err)
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	_, err = d.driver.Exec(ctx, `
		INSERT INTO step_records (run_id, phase, step, actor, inputs, outputs,
			cost_usd, latency_ms, status, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.RunID, s.Phase, s.Step, s.Actor, inputs, outputs,
		s.CostUSD, s.LatencyMs, s.Status, metadata, formatTime(s.CreatedAt))
	if err != nil {
		return cerr.ErrStorageFailed("SaveStepRecord", err)
	}
	return nil
}

// ListStepRecords returns the step records for a run, optionally
// filtered by phase, in insertion order.
func (d *DB) ListStepRecords(ctx context.Context, runID, phase string) ([]*StepRecord, error) {
	query := `SELECT id, run_id, phase, step, actor, inputs, outputs, cost_usd,
			latency_ms, status, metadata, created_at
		FROM step_records WHERE run_id = ?`
	args := []any{runID}
	if phase != "" {
		query += ` AND phase = ?`
		args = append(args, phase)
	}
	query += ` ORDER BY id`

	rows, err := d.driver.Query(ctx, query, args...)
	if err != nil {
		return nil, cerr.ErrStorageFailed("ListStepRecords", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*StepRecord
	for rows.Next() {
		var s StepRecord
		var inputs, outputs, metadata sql.NullString
		var createdAt string
		if err := rows.Scan(&s.ID, &s.RunID, &s.Phase, &s.Step, &s.Actor,
			&inputs, &outputs, &s.CostUSD, &s.LatencyMs, &s.Status,
			&metadata, &createdAt); err != nil {
			return nil, cerr.ErrStorageFailed("ListStepRecords", err)
		}
		if inputs.Valid {
			var v any
			if err := unmarshalJSON(inputs, &v); err != nil {
				return nil, err
			}
			s.Inputs = v
		}
		if outputs.Valid {
			var v any
			if err := unmarshalJSON(outputs, &v); err != nil {
				return nil, err
			}
			s.Outputs = v
		}
		if err := unmarshalJSON(metadata, &s.Metadata); err != nil {
			return nil, err
		}
		if s.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}
