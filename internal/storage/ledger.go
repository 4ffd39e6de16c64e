package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	cerr "github.com/ideamine/conductor/internal/errors"
	"github.com/ideamine/conductor/internal/storage/driver"
)

// LedgerType classifies a ledger entry.
type LedgerType string

const (
	LedgerTask      LedgerType = "task"
	LedgerGate      LedgerType = "gate"
	LedgerDecision  LedgerType = "decision"
	LedgerArtifact  LedgerType = "artifact"
	LedgerCost      LedgerType = "cost"
	LedgerSignature LedgerType = "signature"
)

// LedgerProvenance records who appended an entry and from what inputs.
type LedgerProvenance struct {
	Who         string    `json:"who"`
	When        time.Time `json:"when"`
	ToolVersion string    `json:"tool_version,omitempty"`
	Inputs      []string  `json:"inputs,omitempty"`
}

// LedgerEntry is one immutable record in a run's timeline. Sequence is
// strictly increasing per run; entries are never updated or deleted.
type LedgerEntry struct {
	ID         string           `json:"id"`
	RunID      string           `json:"run_id"`
	Sequence   int64            `json:"sequence"`
	Type       LedgerType       `json:"type"`
	Data       any              `json:"data"`
	Provenance LedgerProvenance `json:"provenance"`
	CreatedAt  time.Time        `json:"created_at"`
}

// LedgerFilter selects ledger entries for a query.
type LedgerFilter struct {
	RunID string
	Type  LedgerType
	From  time.Time
	To    time.Time
	Limit int
}

// AppendLedger appends one entry, assigning the next per-run sequence
// number inside a transaction. The UNIQUE(run_id, sequence) constraint
// backstops racing appends; on conflict the append is retried.
func (d *DB) AppendLedger(ctx context.Context, entry *LedgerEntry) error {
	if entry.RunID == "" {
		return cerr.ErrLedgerAppend("", fmt.Errorf("run ID is required"))
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Provenance.When.IsZero() {
		entry.Provenance.When = time.Now().UTC()
	}

	data, err := marshalJSON(entry.Data)
	if err != nil {
		return cerr.ErrLedgerAppend(entry.RunID, err)
	}
	prov, err := marshalJSON(entry.Provenance)
	if err != nil {
		return cerr.ErrLedgerAppend(entry.RunID, err)
	}

	const maxAttempts = 5
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = d.RunInTx(ctx, nil, func(tx driver.Tx) error {
			var maxSeq sql.NullInt64
			row := tx.QueryRow(ctx,
				`SELECT MAX(sequence) FROM ledger WHERE run_id = ?`, entry.RunID)
			if err := row.Scan(&maxSeq); err != nil {
				return err
			}
			entry.Sequence = maxSeq.Int64 + 1
			entry.CreatedAt = time.Now()

			_, err := tx.Exec(ctx, `
				INSERT INTO ledger (id, run_id, sequence, type, data, provenance, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				entry.ID, entry.RunID, entry.Sequence, string(entry.Type),
				data, prov, formatTime(entry.CreatedAt))
			return err
		})
		if lastErr == nil {
			return nil
		}
		if !strings.Contains(lastErr.Error(), "UNIQUE") &&
			!strings.Contains(lastErr.Error(), "duplicate key") {
			break
		}
	}
	return cerr.ErrLedgerAppend(entry.RunID, lastErr)
}

// QueryLedger returns entries matching the filter, ordered by run then
// sequence.
func (d *DB) QueryLedger(ctx context.Context, filter LedgerFilter) ([]*LedgerEntry, error) {
	query := `SELECT id, run_id, sequence, type, data, provenance, created_at FROM ledger`
	var conds []string
	var args []any

	if filter.RunID != "" {
		conds = append(conds, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, string(filter.Type))
	}
	if !filter.From.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, formatTime(filter.From))
	}
	if !filter.To.IsZero() {
		conds = append(conds, "created_at <= ?")
		args = append(args, formatTime(filter.To))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY run_id, sequence ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := d.driver.Query(ctx, query, args...)
	if err != nil {
		return nil, cerr.ErrStorageFailed("QueryLedger", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows.Scan)
		if err != nil {
			return nil, cerr.ErrStorageFailed("QueryLedger", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LedgerTimeline returns the full ordered timeline for one run.
func (d *DB) LedgerTimeline(ctx context.Context, runID string) ([]*LedgerEntry, error) {
	return d.QueryLedger(ctx, LedgerFilter{RunID: runID})
}

// LedgerCostSummary aggregates cost entries for a run by phase.
type LedgerCostSummary struct {
	RunID       string             `json:"run_id"`
	TotalUSD    float64            `json:"total_usd"`
	TotalTokens int64              `json:"total_tokens"`
	ByPhase     map[string]float64 `json:"by_phase"`
	Entries     int                `json:"entries"`
}

// CostSummary sums the run's cost entries. Cost data carries at least
// {phase, costUsd, tokens}.
func (d *DB) CostSummary(ctx context.Context, runID string) (*LedgerCostSummary, error) {
	rows, err := d.driver.Query(ctx,
		`SELECT data FROM ledger WHERE run_id = ? AND type = ? ORDER BY sequence`,
		runID, string(LedgerCost))
	if err != nil {
		return nil, cerr.ErrStorageFailed("CostSummary", err)
	}
	defer func() { _ = rows.Close() }()

	summary := &LedgerCostSummary{RunID: runID, ByPhase: make(map[string]float64)}
	for rows.Next() {
		var data sql.NullString
		if err := rows.Scan(&data); err != nil {
			return nil, cerr.ErrStorageFailed("CostSummary", err)
		}
		if !data.Valid {
			continue
		}
		summary.Entries++
		cost := gjson.Get(data.String, "costUsd").Float()
		summary.TotalUSD += cost
		summary.TotalTokens += gjson.Get(data.String, "tokens").Int()
		if phase := gjson.Get(data.String, "phase").String(); phase != "" {
			summary.ByPhase[phase] += cost
		}
	}
	return summary, rows.Err()
}

// CountLedger returns the number of entries for a run, optionally by type.
func (d *DB) CountLedger(ctx context.Context, runID string, entryType LedgerType) (int, error) {
	query := `SELECT COUNT(*) FROM ledger WHERE run_id = ?`
	args := []any{runID}
	if entryType != "" {
		query += ` AND type = ?`
		args = append(args, string(entryType))
	}
	var count int
	if err := d.driver.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, cerr.ErrStorageFailed("CountLedger", err)
	}
	return count, nil
}

func scanLedgerEntry(scan func(...any) error) (*LedgerEntry, error) {
	var e LedgerEntry
	var entryType, createdAt string
	var data, prov sql.NullString

	if err := scan(&e.ID, &e.RunID, &e.Sequence, &entryType, &data, &prov, &createdAt); err != nil {
		return nil, err
	}
	e.Type = LedgerType(entryType)
	if data.Valid {
		var v any
		if err := unmarshalJSON(data, &v); err != nil {
			return nil, err
		}
		e.Data = v
	}
	if err := unmarshalJSON(prov, &e.Provenance); err != nil {
		return nil, err
	}
	var err error
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &e, nil
}
