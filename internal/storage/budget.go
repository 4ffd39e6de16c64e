package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	cerr "github.com/ideamine/conductor/internal/errors"
)

// BudgetEvent records one threshold crossing or preemption decision for
// a run's budget on one dimension (cost, tokens, tool_minutes,
// wallclock).
type BudgetEvent struct {
	ID                       string    `json:"id"`
	RunID                    string    `json:"run_id"`
	TenantID                 string    `json:"tenant_id"`
	Dimension                string    `json:"dimension"`
	Total                    float64   `json:"total"`
	Spent                    float64   `json:"spent"`
	Remaining                float64   `json:"remaining"`
	PercentUsed              float64   `json:"percent_used"`
	EventType                string    `json:"event_type"`
	Threshold                float64   `json:"threshold"`
	Action                   string    `json:"action"`
	TasksAffected            []string  `json:"tasks_affected,omitempty"`
	PriorityClassesPreempted []string  `json:"priority_classes_preempted,omitempty"`
	CreatedAt                time.Time `json:"created_at"`
}

// SaveBudgetEvent appends one budget event.
func (d *DB) SaveBudgetEvent(ctx context.Context, e *BudgetEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := d.driver.Exec(ctx, `
		INSERT INTO budget_events (id, run_id, tenant_id, dimension, total,
			spent, remaining, percent_used, event_type, threshold, action,
			tasks_affected, priority_classes_preempted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RunID, e.TenantID, e.Dimension, e.Total,
		e.Spent, e.Remaining, e.PercentUsed, e.EventType, e.Threshold, e.Action,
		strings.Join(e.TasksAffected, ","),
		strings.Join(e.PriorityClassesPreempted, ","),
		formatTime(e.CreatedAt))
	if err != nil {
		return cerr.ErrStorageFailed("SaveBudgetEvent", err)
	}
	return nil
}

// ListBudgetEvents returns a run's budget events in insertion order.
func (d *DB) ListBudgetEvents(ctx context.Context, runID string) ([]*BudgetEvent, error) {
	rows, err := d.driver.Query(ctx, `
		SELECT id, run_id, tenant_id, dimension, total, spent, remaining,
			percent_used, event_type, threshold, action, tasks_affected,
			priority_classes_preempted, created_at
		FROM budget_events WHERE run_id = ? ORDER BY created_at`, runID)
	if err != nil {
		return nil, cerr.ErrStorageFailed("ListBudgetEvents", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*BudgetEvent
	for rows.Next() {
		var e BudgetEvent
		var tasks, classes sql.NullString
		var createdAt string
		if err := rows.Scan(&e.ID, &e.RunID, &e.TenantID, &e.Dimension, &e.Total,
			&e.Spent, &e.Remaining, &e.PercentUsed, &e.EventType, &e.Threshold,
			&e.Action, &tasks, &classes, &createdAt); err != nil {
			return nil, cerr.ErrStorageFailed("ListBudgetEvents", err)
		}
		e.TasksAffected = splitList(tasks.String)
		e.PriorityClassesPreempted = splitList(classes.String)
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, cerr.ErrStorageFailed("ListBudgetEvents", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// LastBudgetEvent returns the most recent event for a run and dimension,
// or nil when none has been recorded.
func (d *DB) LastBudgetEvent(ctx context.Context, runID, dimension string) (*BudgetEvent, error) {
	rows, err := d.driver.Query(ctx, `
		SELECT id, run_id, tenant_id, dimension, total, spent, remaining,
			percent_used, event_type, threshold, action, tasks_affected,
			priority_classes_preempted, created_at
		FROM budget_events WHERE run_id = ? AND dimension = ?
		ORDER BY created_at DESC LIMIT 1`, runID, dimension)
	if err != nil {
		return nil, cerr.ErrStorageFailed("LastBudgetEvent", err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var e BudgetEvent
	var tasks, classes sql.NullString
	var createdAt string
	if err := rows.Scan(&e.ID, &e.RunID, &e.TenantID, &e.Dimension, &e.Total,
		&e.Spent, &e.Remaining, &e.PercentUsed, &e.EventType, &e.Threshold,
		&e.Action, &tasks, &classes, &createdAt); err != nil {
		return nil, cerr.ErrStorageFailed("LastBudgetEvent", err)
	}
	e.TasksAffected = splitList(tasks.String)
	e.PriorityClassesPreempted = splitList(classes.String)
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, cerr.ErrStorageFailed("LastBudgetEvent", err)
	}
	return &e, nil
}

// PreemptionRecord is one row of preemption history.
type PreemptionRecord struct {
	ID            int64     `json:"id"`
	RunID         string    `json:"run_id"`
	TaskID        string    `json:"task_id"`
	PriorityClass string    `json:"priority_class"`
	Reason        string    `json:"reason"`
	ResourceType  string    `json:"resource_type"`
	Threshold     float64   `json:"threshold"`
	CheckpointID  string    `json:"checkpoint_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// SavePreemption appends one preemption record.
func (d *DB) SavePreemption(ctx context.Context, p *PreemptionRecord) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	_, err := d.driver.Exec(ctx, `
		INSERT INTO preemption_history (run_id, task_id, priority_class, reason,
			resource_type, threshold, checkpoint_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.RunID, p.TaskID, p.PriorityClass, p.Reason,
		p.ResourceType, p.Threshold, nullIfEmpty(p.CheckpointID),
		formatTime(p.CreatedAt))
	if err != nil {
		return cerr.ErrStorageFailed("SavePreemption", err)
	}
	return nil
}

// ListPreemptions returns a run's preemption history in insertion order.
func (d *DB) ListPreemptions(ctx context.Context, runID string) ([]*PreemptionRecord, error) {
	rows, err := d.driver.Query(ctx, `
		SELECT id, run_id, task_id, priority_class, reason, resource_type,
			threshold, checkpoint_id, created_at
		FROM preemption_history WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, cerr.ErrStorageFailed("ListPreemptions", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*PreemptionRecord
	for rows.Next() {
		var p PreemptionRecord
		var checkpoint sql.NullString
		var createdAt string
		if err := rows.Scan(&p.ID, &p.RunID, &p.TaskID, &p.PriorityClass,
			&p.Reason, &p.ResourceType, &p.Threshold, &checkpoint, &createdAt); err != nil {
			return nil, cerr.ErrStorageFailed("ListPreemptions", err)
		}
		p.CheckpointID = checkpoint.String
		if p.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, cerr.ErrStorageFailed("ListPreemptions", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
