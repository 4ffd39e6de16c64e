package storage

import (
	"context"
	"database/sql"
	"errors"

	cerr "github.com/ideamine/conductor/internal/errors"
	"github.com/ideamine/conductor/internal/task"
)

// SaveTask inserts or updates a task spec.
func (d *DB) SaveTask(ctx context.Context, t *task.Spec) error {
	input, err := marshalJSON(t.Input)
	if err != nil {
		return err
	}
	budget, err := marshalJSON(t.Budget)
	if err != nil {
		return err
	}
	deps, err := marshalJSON(t.Dependencies)
	if err != nil {
		return err
	}
	produces, err := marshalJSON(t.Produces)
	if err != nil {
		return err
	}
	usage, err := marshalJSON(t.Usage)
	if err != nil {
		return err
	}

	_, err = d.driver.Exec(ctx, `
		INSERT INTO tasks (id, run_id, tenant_id, phase, type, target, input,
			budget, dependencies, idempotence_key, priority_class,
			priority_weight, must_succeed, replace_doer, produces, state,
			preempted, preemption_count, attempt, enqueued_at, started_at,
			completed_at, usage, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, id) DO UPDATE SET
			state = excluded.state,
			preempted = excluded.preempted,
			preemption_count = excluded.preemption_count,
			attempt = excluded.attempt,
			enqueued_at = excluded.enqueued_at,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			usage = excluded.usage,
			error = excluded.error,
			priority_class = excluded.priority_class,
			priority_weight = excluded.priority_weight`,
		t.ID, t.RunID, t.TenantID, t.Phase, string(t.Type), t.Target, input,
		budget, deps, nullIfEmpty(t.IdempotenceKey), string(t.Priority),
		t.Priority.Weight(), t.MustSucceed, t.ReplaceDoer, produces, string(t.State),
		t.Preempted, t.PreemptionCount, t.Attempt, nullableTime(t.EnqueuedAt),
		nullableTime(t.StartedAt), nullableTime(t.CompletedAt), usage,
		nullIfEmpty(t.Error))
	if err != nil {
		return cerr.ErrStorageFailed("SaveTask", err)
	}
	return nil
}

const taskColumns = `id, run_id, tenant_id, phase, type, target, input,
	budget, dependencies, idempotence_key, priority_class, must_succeed,
	replace_doer, produces, state, preempted, preemption_count, attempt,
	enqueued_at, started_at, completed_at, usage, error`

// GetTask loads one task.
func (d *DB) GetTask(ctx context.Context, runID, taskID string) (*task.Spec, error) {
	row := d.driver.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE run_id = ? AND id = ?`,
		runID, taskID)

	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cerr.ErrTaskNotFound(taskID)
	}
	if err != nil {
		return nil, cerr.ErrStorageFailed("GetTask", err)
	}
	return t, nil
}

// ListTasks returns all tasks for a run, optionally limited to one phase.
func (d *DB) ListTasks(ctx context.Context, runID, phase string) ([]*task.Spec, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE run_id = ?`
	args := []any{runID}
	if phase != "" {
		query += ` AND phase = ?`
		args = append(args, phase)
	}
	query += ` ORDER BY id ASC`

	rows, err := d.driver.Query(ctx, query, args...)
	if err != nil {
		return nil, cerr.ErrStorageFailed("ListTasks", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*task.Spec
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, cerr.ErrStorageFailed("ListTasks", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, cerr.ErrStorageFailed("ListTasks", err)
	}
	return tasks, nil
}

// PriorityQueueEntry is one row of the priority_queue view: a pending,
// queued, or preempted task ordered by weight then age.
type PriorityQueueEntry struct {
	RunID         string
	TaskID        string
	PriorityClass task.PriorityClass
	Weight        int
	Preempted     bool
	State         task.State
}

// PriorityQueue returns the persisted scheduling order across runs.
func (d *DB) PriorityQueue(ctx context.Context, limit int) ([]PriorityQueueEntry, error) {
	query := `SELECT run_id, task_id, priority_class, priority_weight, preempted, state
		FROM priority_queue
		ORDER BY priority_weight DESC, preempted DESC, enqueued_at ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := d.driver.Query(ctx, query, args...)
	if err != nil {
		return nil, cerr.ErrStorageFailed("PriorityQueue", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []PriorityQueueEntry
	for rows.Next() {
		var e PriorityQueueEntry
		var class, state string
		if err := rows.Scan(&e.RunID, &e.TaskID, &class, &e.Weight, &e.Preempted, &state); err != nil {
			return nil, cerr.ErrStorageFailed("PriorityQueue", err)
		}
		e.PriorityClass = task.PriorityClass(class)
		e.State = task.State(state)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanTask(scan func(...any) error) (*task.Spec, error) {
	var t task.Spec
	var taskType, priority, state string
	var input, budget, deps, idemKey, produces, usage, errMsg sql.NullString
	var enqueuedAt, startedAt, completedAt sql.NullString

	if err := scan(&t.ID, &t.RunID, &t.TenantID, &t.Phase, &taskType, &t.Target,
		&input, &budget, &deps, &idemKey, &priority, &t.MustSucceed,
		&t.ReplaceDoer, &produces, &state, &t.Preempted, &t.PreemptionCount,
		&t.Attempt, &enqueuedAt, &startedAt, &completedAt, &usage, &errMsg); err != nil {
		return nil, err
	}

	t.Type = task.Type(taskType)
	t.Priority = task.PriorityClass(priority)
	t.State = task.State(state)
	t.IdempotenceKey = idemKey.String
	t.Error = errMsg.String
	if err := unmarshalJSON(input, &t.Input); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(budget, &t.Budget); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(deps, &t.Dependencies); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(produces, &t.Produces); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(usage, &t.Usage); err != nil {
		return nil, err
	}
	t.EnqueuedAt = scanTime(enqueuedAt)
	t.StartedAt = scanTime(startedAt)
	t.CompletedAt = scanTime(completedAt)
	return &t, nil
}
