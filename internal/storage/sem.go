package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	cerr "github.com/ideamine/conductor/internal/errors"
)

// SEMIntervention tracks one self-execution takeover of a failed task,
// from claim to validated hand-back.
type SEMIntervention struct {
	ID              string         `json:"id"`
	RunID           string         `json:"run_id"`
	Phase           string         `json:"phase"`
	TaskID          string         `json:"task_id"`
	Trigger         string         `json:"trigger"`
	TriggerDetails  string         `json:"trigger_details,omitempty"`
	OriginalDoer    string         `json:"original_doer"`
	ContextSnapshot map[string]any `json:"context_snapshot,omitempty"`
	MicroPlan       []string       `json:"micro_plan,omitempty"`
	ClaimedAt       time.Time      `json:"claimed_at"`
	CompletedAt     time.Time      `json:"completed_at,omitempty"`
	Status          string         `json:"status"`
	ToolsUsed       []string       `json:"tools_used,omitempty"`
	GateScore       *float64       `json:"gate_score,omitempty"`
	FailureReason   string         `json:"failure_reason,omitempty"`
}

// SaveSEMIntervention inserts or updates an intervention row.
func (d *DB) SaveSEMIntervention(ctx context.Context, s *SEMIntervention) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.ClaimedAt.IsZero() {
		s.ClaimedAt = time.Now()
	}
	snapshot, err := marshalJSON(s.ContextSnapshot)
	if err != nil {
		return cerr.ErrStorageFailed("SaveSEMIntervention", err)
	}
	plan, err := marshalJSON(s.MicroPlan)
	if err != nil {
		return cerr.ErrStorageFailed("SaveSEMIntervention", err)
	}
	tools, err := marshalJSON(s.ToolsUsed)
	if err != nil {
		return cerr.ErrStorageFailed("SaveSEMIntervention", err)
	}
	_, err = d.driver.Exec(ctx, `
		INSERT INTO sem_interventions (id, run_id, phase, task_id, trigger_type,
			trigger_details, original_doer, context_snapshot, micro_plan,
			claimed_at, completed_at, status, tools_used, gate_score, failure_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			context_snapshot = excluded.context_snapshot,
			micro_plan = excluded.micro_plan,
			completed_at = excluded.completed_at,
			status = excluded.status,
			tools_used = excluded.tools_used,
			gate_score = excluded.gate_score,
			failure_reason = excluded.failure_reason`,
		s.ID, s.RunID, s.Phase, s.TaskID, s.Trigger,
		nullIfEmpty(s.TriggerDetails), s.OriginalDoer, snapshot, plan,
		formatTime(s.ClaimedAt), nullableTime(s.CompletedAt), s.Status,
		tools, s.GateScore, nullIfEmpty(s.FailureReason))
	if err != nil {
		return cerr.ErrStorageFailed("SaveSEMIntervention", err)
	}
	return nil
}

// GetSEMIntervention returns one intervention by ID, or nil when absent.
func (d *DB) GetSEMIntervention(ctx context.Context, id string) (*SEMIntervention, error) {
	row := d.driver.QueryRow(ctx, semColumns+` WHERE id = ?`, id)
	s, err := scanSEMIntervention(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, cerr.ErrStorageFailed("GetSEMIntervention", err)
	}
	return s, nil
}

// ListSEMInterventions returns a run's interventions, oldest first.
func (d *DB) ListSEMInterventions(ctx context.Context, runID string) ([]*SEMIntervention, error) {
	rows, err := d.driver.Query(ctx, semColumns+` WHERE run_id = ? ORDER BY claimed_at`, runID)
	if err != nil {
		return nil, cerr.ErrStorageFailed("ListSEMInterventions", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*SEMIntervention
	for rows.Next() {
		s, err := scanSEMIntervention(rows.Scan)
		if err != nil {
			return nil, cerr.ErrStorageFailed("ListSEMInterventions", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CountSEMInterventions returns the number of interventions for a run
// and phase. The per-phase takeover cap is enforced against this.
func (d *DB) CountSEMInterventions(ctx context.Context, runID, phase string) (int, error) {
	var count int
	err := d.driver.QueryRow(ctx,
		`SELECT COUNT(*) FROM sem_interventions WHERE run_id = ? AND phase = ?`,
		runID, phase).Scan(&count)
	if err != nil {
		return 0, cerr.ErrStorageFailed("CountSEMInterventions", err)
	}
	return count, nil
}

const semColumns = `SELECT id, run_id, phase, task_id, trigger_type, trigger_details,
	original_doer, context_snapshot, micro_plan, claimed_at, completed_at,
	status, tools_used, gate_score, failure_reason FROM sem_interventions`

func scanSEMIntervention(scan func(...any) error) (*SEMIntervention, error) {
	var s SEMIntervention
	var details, snapshot, plan, tools, failure, completedAt sql.NullString
	var claimedAt string

	if err := scan(&s.ID, &s.RunID, &s.Phase, &s.TaskID, &s.Trigger, &details,
		&s.OriginalDoer, &snapshot, &plan, &claimedAt, &completedAt,
		&s.Status, &tools, &s.GateScore, &failure); err != nil {
		return nil, err
	}
	s.TriggerDetails = details.String
	s.FailureReason = failure.String
	if err := unmarshalJSON(snapshot, &s.ContextSnapshot); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(plan, &s.MicroPlan); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(tools, &s.ToolsUsed); err != nil {
		return nil, err
	}
	var err error
	if s.ClaimedAt, err = parseTime(claimedAt); err != nil {
		return nil, err
	}
	s.CompletedAt = scanTime(completedAt)
	return &s, nil
}

// DeliberationScore is one gate evaluation outcome persisted for the
// run's audit trail.
type DeliberationScore struct {
	ID           int64     `json:"id"`
	RunID        string    `json:"run_id"`
	Phase        string    `json:"phase"`
	Attempt      int       `json:"attempt"`
	OverallScore float64   `json:"overall_score"`
	Decision     string    `json:"decision"`
	GuardReports any       `json:"guard_reports,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// SaveDeliberationScore appends one gate evaluation record.
func (d *DB) SaveDeliberationScore(ctx context.Context, s *DeliberationScore) error {
	if s.Attempt <= 0 {
		s.Attempt = 1
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	reports, err := marshalJSON(s.GuardReports)
	if err != nil {
		return cerr.ErrStorageFailed("SaveDeliberationScore", err)
	}
	_, err = d.driver.Exec(ctx, `
		INSERT INTO deliberation_scores (run_id, phase, attempt, overall_score,
			decision, guard_reports, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.RunID, s.Phase, s.Attempt, s.OverallScore,
		s.Decision, reports, formatTime(s.CreatedAt))
	if err != nil {
		return cerr.ErrStorageFailed("SaveDeliberationScore", err)
	}
	return nil
}

// ListDeliberationScores returns gate evaluations for a run and phase,
// oldest first. An empty phase returns all phases.
func (d *DB) ListDeliberationScores(ctx context.Context, runID, phase string) ([]*DeliberationScore, error) {
	query := `SELECT id, run_id, phase, attempt, overall_score, decision,
			guard_reports, created_at
		FROM deliberation_scores WHERE run_id = ?`
	args := []any{runID}
	if phase != "" {
		query += ` AND phase = ?`
		args = append(args, phase)
	}
	query += ` ORDER BY id`

	rows, err := d.driver.Query(ctx, query, args...)
	if err != nil {
		return nil, cerr.ErrStorageFailed("ListDeliberationScores", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*DeliberationScore
	for rows.Next() {
		var s DeliberationScore
		var reports sql.NullString
		var createdAt string
		if err := rows.Scan(&s.ID, &s.RunID, &s.Phase, &s.Attempt,
			&s.OverallScore, &s.Decision, &reports, &createdAt); err != nil {
			return nil, cerr.ErrStorageFailed("ListDeliberationScores", err)
		}
		if reports.Valid {
			var v any
			if err := unmarshalJSON(reports, &v); err != nil {
				return nil, err
			}
			s.GuardReports = v
		}
		if s.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, cerr.ErrStorageFailed("ListDeliberationScores", err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}
