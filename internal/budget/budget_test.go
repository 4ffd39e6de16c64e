package budget

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ideamine/conductor/internal/events"
	"github.com/ideamine/conductor/internal/storage"
	"github.com/ideamine/conductor/internal/task"
)

func newGuard(t *testing.T, opts ...Option) (*Guard, *storage.DB) {
	t.Helper()
	db := storage.NewTestDB(t)
	return NewGuard(db, opts...), db
}

func TestWarnThresholdFiresOnce(t *testing.T) {
	g, db := newGuard(t)
	ctx := context.Background()
	g.Track("run-1", "t1", task.Budget{MaxCostUSD: 100}, task.Metrics{})

	decisions, err := g.Record(ctx, "run-1", task.Metrics{CostUSD: 55})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, EventWarn, decisions[0].EventType)
	assert.Equal(t, DimensionCost, decisions[0].Dimension)
	assert.InDelta(t, 55, decisions[0].PercentUsed, 1e-9)

	// Same level again: no new event.
	decisions, err = g.Record(ctx, "run-1", task.Metrics{CostUSD: 5})
	require.NoError(t, err)
	assert.Empty(t, decisions)

	saved, err := db.ListBudgetEvents(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, saved, 1)
}

func TestEscalationLadder(t *testing.T) {
	g, _ := newGuard(t)
	ctx := context.Background()
	g.Track("run-1", "t1", task.Budget{MaxCostUSD: 100}, task.Metrics{})

	d, err := g.Record(ctx, "run-1", task.Metrics{CostUSD: 82})
	require.NoError(t, err)
	require.Len(t, d, 1)
	assert.Equal(t, EventThrottle, d[0].EventType)
	assert.Equal(t, []task.PriorityClass{task.PriorityP3}, d[0].PreemptClasses)
	assert.True(t, g.Throttled("run-1"))
	assert.False(t, g.Frozen("run-1"))

	d, err = g.Record(ctx, "run-1", task.Metrics{CostUSD: 14})
	require.NoError(t, err)
	require.Len(t, d, 1)
	assert.Equal(t, EventPause, d[0].EventType)
	assert.True(t, d[0].ShouldPause())
	assert.True(t, g.Frozen("run-1"))
}

func TestPauseJumpsLadderDirectly(t *testing.T) {
	g, _ := newGuard(t)
	ctx := context.Background()
	g.Track("run-1", "t1", task.Budget{MaxTokens: 1000}, task.Metrics{})

	d, err := g.Record(ctx, "run-1", task.Metrics{Tokens: 990})
	require.NoError(t, err)
	require.Len(t, d, 1)
	assert.Equal(t, EventPause, d[0].EventType)
	assert.Equal(t, DimensionTokens, d[0].Dimension)
}

func TestIndependentDimensions(t *testing.T) {
	g, _ := newGuard(t)
	ctx := context.Background()
	g.Track("run-1", "t1", task.Budget{MaxCostUSD: 100, MaxTokens: 1000}, task.Metrics{})

	d, err := g.Record(ctx, "run-1", task.Metrics{CostUSD: 60, Tokens: 850})
	require.NoError(t, err)
	require.Len(t, d, 2)
	byDim := map[string]string{}
	for _, dec := range d {
		byDim[dec.Dimension] = dec.EventType
	}
	assert.Equal(t, EventWarn, byDim[DimensionCost])
	assert.Equal(t, EventThrottle, byDim[DimensionTokens])
}

func TestBudgetAlertPublished(t *testing.T) {
	pub := events.NewMemoryPublisher()
	defer pub.Close()
	db := storage.NewTestDB(t)
	g := NewGuard(db, WithPublisher(pub))

	ch := pub.Subscribe("run-1")
	g.Track("run-1", "t1", task.Budget{MaxCostUSD: 10}, task.Metrics{})

	_, err := g.Record(context.Background(), "run-1", task.Metrics{CostUSD: 6})
	require.NoError(t, err)

	ev := <-ch
	assert.Equal(t, events.EventBudgetAlert, ev.Type)
	alert := ev.Data.(events.BudgetAlert)
	assert.Equal(t, EventWarn, alert.EventType)
	assert.Equal(t, DimensionCost, alert.Dimension)
}

func TestUntrackedRunIsIgnored(t *testing.T) {
	g, _ := newGuard(t)
	d, err := g.Record(context.Background(), "run-unknown", task.Metrics{CostUSD: 100})
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.False(t, g.Frozen("run-unknown"))
}

func TestRecordPreemption(t *testing.T) {
	g, db := newGuard(t)
	ctx := context.Background()
	g.Track("run-1", "t1", task.Budget{MaxCostUSD: 100}, task.Metrics{CostUSD: 85})

	g.RecordPreemption(ctx, "run-1", []string{"TASK-007"}, []task.PriorityClass{task.PriorityP3}, DimensionCost)

	saved, err := db.ListBudgetEvents(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, EventPreempt, saved[0].EventType)
	assert.Equal(t, []string{"TASK-007"}, saved[0].TasksAffected)
	assert.Equal(t, []string{"P3"}, saved[0].PriorityClassesPreempted)
}
