package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ideamine/conductor/internal/storage"
)

func TestAppendAssignsSequence(t *testing.T) {
	db := storage.NewTestDB(t)
	l := New(db)
	ctx := context.Background()

	first, err := l.Append(ctx, "run-1", storage.LedgerTask, nil, Provenance{Who: "engine"})
	require.NoError(t, err)
	second, err := l.Append(ctx, "run-1", storage.LedgerGate, nil, Provenance{Who: "gatekeeper"})
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.Sequence)
	assert.Equal(t, int64(2), second.Sequence)
}

func TestConcurrentAppendsStayMonotonic(t *testing.T) {
	db := storage.NewTestDB(t)
	l := New(db)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Append(ctx, "run-1", storage.LedgerTask, nil, Provenance{Who: "worker"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	entries, err := l.Timeline(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, entries, n)
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
}

func TestTypedRecorders(t *testing.T) {
	db := storage.NewTestDB(t)
	l := New(db)
	ctx := context.Background()

	require.NoError(t, l.RecordTask(ctx, "run-1", TaskEvent{
		TaskID: "TASK-001", Phase: "build", Target: "coder", State: "succeeded",
	}, "dispatcher"))
	require.NoError(t, l.RecordGate(ctx, "run-1", GateEvent{
		Phase: "build", Attempt: 1, Score: 0.82, Decision: "pass", Threshold: 0.7,
	}))
	require.NoError(t, l.RecordCost(ctx, "run-1", CostEvent{
		Phase: "build", CostUSD: 1.25, Tokens: 900,
	}, "dispatcher"))
	require.NoError(t, l.RecordArtifact(ctx, "run-1", ArtifactEvent{
		ArtifactID: "a-1", TaskID: "TASK-001", Phase: "build", Type: "code",
	}, "coder", []string{"a-0"}))

	gates, err := l.Query(ctx, Filter{RunID: "run-1", Type: storage.LedgerGate})
	require.NoError(t, err)
	require.Len(t, gates, 1)
	assert.Equal(t, "gatekeeper", gates[0].Provenance.Who)

	summary, err := l.CostSummary(ctx, "run-1")
	require.NoError(t, err)
	assert.InDelta(t, 1.25, summary.TotalUSD, 1e-9)
	assert.InDelta(t, 1.25, summary.ByPhase["build"], 1e-9)
}
