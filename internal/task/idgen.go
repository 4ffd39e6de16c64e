package task

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewRunID returns a unique, time-sortable run identifier:
// run-<UTC timestamp>-<short uuid>.
func NewRunID() string {
	short := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("run-%s-%s", time.Now().UTC().Format("20060102150405"), short)
}

// SequenceStore hands out per-run sequence numbers for task IDs.
type SequenceStore interface {
	// Next returns the next sequence number for the run, starting at 1.
	Next(runID string) (int, error)
}

// MemorySequences is an in-process SequenceStore.
type MemorySequences struct {
	mu   sync.Mutex
	seqs map[string]int
}

// NewMemorySequences creates an empty in-process sequence store.
func NewMemorySequences() *MemorySequences {
	return &MemorySequences{seqs: make(map[string]int)}
}

// Next returns the next sequence number for the run.
func (m *MemorySequences) Next(runID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seqs[runID]++
	return m.seqs[runID], nil
}

// IDGenerator produces task IDs of the form TASK-001, scoped per run.
type IDGenerator struct {
	store SequenceStore
}

// NewIDGenerator creates a generator backed by the given sequence store.
func NewIDGenerator(store SequenceStore) *IDGenerator {
	return &IDGenerator{store: store}
}

// Generate returns the next task ID for the run.
func (g *IDGenerator) Generate(runID string) (string, error) {
	seq, err := g.store.Next(runID)
	if err != nil {
		return "", fmt.Errorf("next sequence for %s: %w", runID, err)
	}
	return fmt.Sprintf("TASK-%03d", seq), nil
}
