package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	cerr "github.com/ideamine/conductor/internal/errors"
	"github.com/ideamine/conductor/internal/task"
)

// Run is the persisted shape of one pipeline execution.
type Run struct {
	ID           string `json:"id"`
	TenantID     string `json:"tenant_id"`
	UserID       string `json:"user_id"`
	IdeaSpecID   string `json:"idea_spec_id"`
	State        string `json:"state"`
	PausedReason string `json:"paused_reason,omitempty"`
	// PausedFrom is the phase to continue from after resume.
	PausedFrom  string       `json:"paused_from,omitempty"`
	Budget      task.Budget  `json:"budget"`
	Usage       task.Metrics `json:"usage"`
	RetryCount  int          `json:"retry_count"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	StartedAt   time.Time    `json:"started_at,omitempty"`
	CompletedAt time.Time    `json:"completed_at,omitempty"`
}

// SaveRun inserts or updates a run.
func (d *DB) SaveRun(ctx context.Context, r *Run) error {
	budget, err := marshalJSON(r.Budget)
	if err != nil {
		return err
	}
	usage, err := marshalJSON(r.Usage)
	if err != nil {
		return err
	}
	now := formatTime(time.Now())
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	_, err = d.driver.Exec(ctx, `
		INSERT INTO runs (id, tenant_id, user_id, idea_spec_id, state,
			paused_reason, paused_from, budget, usage, retry_count,
			created_at, updated_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			state = excluded.state,
			paused_reason = excluded.paused_reason,
			paused_from = excluded.paused_from,
			budget = excluded.budget,
			usage = excluded.usage,
			retry_count = excluded.retry_count,
			updated_at = excluded.updated_at,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at`,
		r.ID, r.TenantID, r.UserID, r.IdeaSpecID, r.State,
		nullIfEmpty(r.PausedReason), nullIfEmpty(r.PausedFrom), budget, usage, r.RetryCount,
		formatTime(r.CreatedAt), now, nullableTime(r.StartedAt), nullableTime(r.CompletedAt))
	if err != nil {
		return cerr.ErrStorageFailed("SaveRun", err)
	}
	return nil
}

// GetRun loads a run by ID.
func (d *DB) GetRun(ctx context.Context, id string) (*Run, error) {
	row := d.driver.QueryRow(ctx, `
		SELECT id, tenant_id, user_id, idea_spec_id, state, paused_reason,
			paused_from, budget, usage, retry_count, created_at, updated_at,
			started_at, completed_at
		FROM runs WHERE id = ?`, id)

	r, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cerr.ErrRunNotFound(id)
	}
	if err != nil {
		return nil, cerr.ErrStorageFailed("GetRun", err)
	}
	return r, nil
}

// ListRuns returns runs, newest first, optionally filtered by tenant.
func (d *DB) ListRuns(ctx context.Context, tenantID string, limit int) ([]*Run, error) {
	query := `
		SELECT id, tenant_id, user_id, idea_spec_id, state, paused_reason,
			paused_from, budget, usage, retry_count, created_at, updated_at,
			started_at, completed_at
		FROM runs`
	args := []any{}
	if tenantID != "" {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := d.driver.Query(ctx, query, args...)
	if err != nil {
		return nil, cerr.ErrStorageFailed("ListRuns", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, cerr.ErrStorageFailed("ListRuns", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, cerr.ErrStorageFailed("ListRuns", err)
	}
	return runs, nil
}

// CountActiveRuns returns the number of runs for the tenant that are not
// in a terminal or paused state.
func (d *DB) CountActiveRuns(ctx context.Context, tenantID string) (int, error) {
	var count int
	row := d.driver.QueryRow(ctx, `
		SELECT COUNT(*) FROM runs
		WHERE tenant_id = ? AND state NOT IN ('ga', 'failed', 'cancelled', 'paused')`,
		tenantID)
	if err := row.Scan(&count); err != nil {
		return 0, cerr.ErrStorageFailed("CountActiveRuns", err)
	}
	return count, nil
}

// DeleteRun removes a run. Tasks, metrics, and step records cascade via
// foreign keys; ledger entries are never deleted.
func (d *DB) DeleteRun(ctx context.Context, id string) error {
	if _, err := d.driver.Exec(ctx, `DELETE FROM runs WHERE id = ?`, id); err != nil {
		return cerr.ErrStorageFailed("DeleteRun", err)
	}
	// Usage rows carry no FK (the table is shared across tenants).
	if _, err := d.driver.Exec(ctx, `DELETE FROM tenant_usage WHERE run_id = ?`, id); err != nil {
		return cerr.ErrStorageFailed("DeleteRun", err)
	}
	return nil
}

func scanRun(scan func(...any) error) (*Run, error) {
	var r Run
	var pausedReason, pausedFrom, budget, usage sql.NullString
	var createdAt, updatedAt string
	var startedAt, completedAt sql.NullString

	if err := scan(&r.ID, &r.TenantID, &r.UserID, &r.IdeaSpecID, &r.State,
		&pausedReason, &pausedFrom, &budget, &usage, &r.RetryCount,
		&createdAt, &updatedAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}

	r.PausedReason = pausedReason.String
	r.PausedFrom = pausedFrom.String
	if err := unmarshalJSON(budget, &r.Budget); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(usage, &r.Usage); err != nil {
		return nil, err
	}

	var err error
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	r.StartedAt = scanTime(startedAt)
	r.CompletedAt = scanTime(completedAt)
	return &r, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
