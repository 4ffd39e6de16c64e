// Package ledger provides the append-only run ledger: the authoritative
// timeline of tasks, gate decisions, artifacts, costs, and provenance
// signatures for each run.
package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/ideamine/conductor/internal/storage"
)

// Entry re-exports the persisted ledger row.
type Entry = storage.LedgerEntry

// Filter re-exports the ledger query filter.
type Filter = storage.LedgerFilter

// Provenance re-exports ledger provenance.
type Provenance = storage.LedgerProvenance

// Ledger appends and queries run ledger entries. Entries are immutable
// once written; there is no update or delete surface.
type Ledger struct {
	db     *storage.DB
	logger *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New creates a Ledger over the given store.
func New(db *storage.DB, opts ...Option) *Ledger {
	l := &Ledger{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append writes one entry, assigning the run's next sequence number.
func (l *Ledger) Append(ctx context.Context, runID string, entryType storage.LedgerType, data any, prov Provenance) (*Entry, error) {
	entry := &Entry{
		RunID:      runID,
		Type:       entryType,
		Data:       data,
		Provenance: prov,
	}
	if err := l.db.AppendLedger(ctx, entry); err != nil {
		return nil, err
	}
	l.logger.Debug("ledger entry appended",
		"run_id", runID, "type", entryType, "sequence", entry.Sequence)
	return entry, nil
}

// Query returns entries matching the filter.
func (l *Ledger) Query(ctx context.Context, filter Filter) ([]*Entry, error) {
	return l.db.QueryLedger(ctx, filter)
}

// Timeline returns a run's full ordered history.
func (l *Ledger) Timeline(ctx context.Context, runID string) ([]*Entry, error) {
	return l.db.LedgerTimeline(ctx, runID)
}

// CostSummary aggregates a run's cost entries by phase.
func (l *Ledger) CostSummary(ctx context.Context, runID string) (*storage.LedgerCostSummary, error) {
	return l.db.CostSummary(ctx, runID)
}

// TaskEvent is the data shape for task entries.
type TaskEvent struct {
	TaskID string `json:"taskId"`
	Phase  string `json:"phase"`
	Target string `json:"target"`
	State  string `json:"state"`
	Error  string `json:"error,omitempty"`
}

// RecordTask appends a task state change.
func (l *Ledger) RecordTask(ctx context.Context, runID string, ev TaskEvent, by string) error {
	_, err := l.Append(ctx, runID, storage.LedgerTask, ev, Provenance{Who: by, When: time.Now().UTC()})
	return err
}

// GateEvent is the data shape for gate entries.
type GateEvent struct {
	Phase     string  `json:"phase"`
	Attempt   int     `json:"attempt"`
	Score     float64 `json:"score"`
	Decision  string  `json:"decision"`
	Threshold float64 `json:"threshold"`
}

// RecordGate appends a gate decision.
func (l *Ledger) RecordGate(ctx context.Context, runID string, ev GateEvent) error {
	_, err := l.Append(ctx, runID, storage.LedgerGate, ev, Provenance{Who: "gatekeeper", When: time.Now().UTC()})
	return err
}

// CostEvent is the data shape for cost entries. Field names match the
// external cost reporting shape.
type CostEvent struct {
	TaskID      string  `json:"taskId,omitempty"`
	Phase       string  `json:"phase"`
	CostUSD     float64 `json:"costUsd"`
	Tokens      int64   `json:"tokens"`
	ToolMinutes float64 `json:"toolsMinutes"`
}

// RecordCost appends a cost entry.
func (l *Ledger) RecordCost(ctx context.Context, runID string, ev CostEvent, by string) error {
	_, err := l.Append(ctx, runID, storage.LedgerCost, ev, Provenance{Who: by, When: time.Now().UTC()})
	return err
}

// ArtifactEvent is the data shape for artifact entries.
type ArtifactEvent struct {
	ArtifactID  string `json:"artifactId"`
	TaskID      string `json:"taskId"`
	Phase       string `json:"phase"`
	Type        string `json:"type"`
	ContentHash string `json:"contentHash"`
}

// RecordArtifact appends an artifact registration.
func (l *Ledger) RecordArtifact(ctx context.Context, runID string, ev ArtifactEvent, by string, inputs []string) error {
	_, err := l.Append(ctx, runID, storage.LedgerArtifact, ev,
		Provenance{Who: by, When: time.Now().UTC(), Inputs: inputs})
	return err
}

// RecordDecision appends a free-form orchestration decision.
func (l *Ledger) RecordDecision(ctx context.Context, runID string, data any, by string) error {
	_, err := l.Append(ctx, runID, storage.LedgerDecision, data, Provenance{Who: by, When: time.Now().UTC()})
	return err
}
