package quota

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerr "github.com/ideamine/conductor/internal/errors"
	"github.com/ideamine/conductor/internal/storage"
)

func newEnforcer(t *testing.T, opts Options) (*Enforcer, *storage.DB) {
	t.Helper()
	db := storage.NewTestDB(t)
	return NewEnforcer(db, WithOptions(opts)), db
}

func fastOptions() Options {
	o := DefaultOptions()
	o.PenaltyMs = 10
	o.ThrottleDuration = 100 * time.Millisecond
	return o
}

func TestSeverityBands(t *testing.T) {
	assert.Equal(t, SeverityLow, classifySeverity(5))
	assert.Equal(t, SeverityMedium, classifySeverity(10))
	assert.Equal(t, SeverityMedium, classifySeverity(24))
	assert.Equal(t, SeverityHigh, classifySeverity(25))
	assert.Equal(t, SeverityHigh, classifySeverity(49))
	assert.Equal(t, SeverityCritical, classifySeverity(50))
	assert.Equal(t, SeverityCritical, classifySeverity(500))
}

func TestUsageWindowsPerResource(t *testing.T) {
	assert.Equal(t, time.Hour, Window(ResourceCPU))
	assert.Equal(t, time.Hour, Window(ResourceMemory))
	assert.Equal(t, time.Hour, Window(ResourceGPU))
	assert.Equal(t, 24*time.Hour, Window(ResourceTokens))
	assert.Equal(t, 24*time.Hour, Window(ResourceCost))
	assert.Equal(t, 5*time.Minute, Window(ResourceConcurrentRuns))
	assert.Equal(t, time.Duration(0), Window(ResourceStorage))
}

func TestCheckQuotaWithinLimit(t *testing.T) {
	e, _ := newEnforcer(t, fastOptions())
	ctx := context.Background()

	res, err := e.CheckQuota(ctx, "t1", ResourceTokens, 5000)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1_000_000.0, res.Quota)
	assert.Zero(t, res.CurrentUsage)
}

func TestEnforceQuotaRecordsUsage(t *testing.T) {
	e, db := newEnforcer(t, fastOptions())
	ctx := context.Background()

	res, err := e.EnforceQuota(ctx, "t1", ResourceTokens, 5000, UsageContext{RunID: "run-1"})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 5000.0, res.CurrentUsage)

	total, err := db.UsageSince(ctx, "t1", ResourceTokens, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 5000.0, total)
}

func TestEnforceQuotaDeniesAndRecordsViolation(t *testing.T) {
	e, db := newEnforcer(t, fastOptions())
	ctx := context.Background()
	require.NoError(t, db.SaveTenantQuota(ctx, &storage.TenantQuota{
		TenantID: "t1", Tier: "custom", MaxCPUCores: 4,
		MaxTokensPerDay: 10000, MaxConcurrentRuns: 1, ThrottleThreshold: 0.9,
	}))

	_, err := e.EnforceQuota(ctx, "t1", ResourceTokens, 9000, UsageContext{})
	require.NoError(t, err)

	res, err := e.EnforceQuota(ctx, "t1", ResourceTokens, 5000, UsageContext{})
	require.Error(t, err)
	assert.Equal(t, cerr.CategoryPolicy, cerr.CategoryOf(err))
	assert.False(t, res.Allowed)

	violations, err := db.ListQuotaViolations(ctx, "t1", time.Time{}, true)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	// 14000 of 10000 is 40% over.
	assert.Equal(t, SeverityHigh, violations[0].Severity)
	assert.Equal(t, "deny", violations[0].Action)
}

func TestBurstAllowance(t *testing.T) {
	e, db := newEnforcer(t, fastOptions())
	ctx := context.Background()
	require.NoError(t, db.SaveTenantQuota(ctx, &storage.TenantQuota{
		TenantID: "t1", Tier: "custom", MaxCPUCores: 4,
		BurstCPUCores: 2, BurstDurationMinutes: 5,
		MaxTokensPerDay: 10000, MaxConcurrentRuns: 1, ThrottleThreshold: 0.99,
	}))

	res, err := e.EnforceQuota(ctx, "t1", ResourceCPU, 5, UsageContext{})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.True(t, res.BurstAllowed)

	violations, err := db.ListQuotaViolations(ctx, "t1", time.Time{}, false)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, "burst_allowed", violations[0].Action)

	// Tokens have no burst allowance.
	_, err = e.EnforceQuota(ctx, "t1", ResourceTokens, 10500, UsageContext{})
	require.Error(t, err)
}

func TestThrottleMarkerAndExpiry(t *testing.T) {
	e, db := newEnforcer(t, fastOptions())
	ctx := context.Background()
	require.NoError(t, db.SaveTenantQuota(ctx, &storage.TenantQuota{
		TenantID: "t1", Tier: "custom", MaxCPUCores: 4,
		MaxTokensPerDay: 10000, MaxConcurrentRuns: 1,
		ThrottleEnabled: true, ThrottleThreshold: 0.9,
	}))

	_, err := e.EnforceQuota(ctx, "t1", ResourceTokens, 9500, UsageContext{})
	require.NoError(t, err)

	throttled, until := e.Throttled("t1")
	assert.True(t, throttled)
	assert.False(t, until.IsZero())

	time.Sleep(150 * time.Millisecond)
	throttled, _ = e.Throttled("t1")
	assert.False(t, throttled)
}

func TestHealthScoreDeductions(t *testing.T) {
	e, db := newEnforcer(t, fastOptions())
	ctx := context.Background()
	require.NoError(t, db.SaveTenantQuota(ctx, &storage.TenantQuota{
		TenantID: "t1", Tier: "custom",
		MaxCPUCores: 10, MaxMemoryGB: 10, MaxStorageGB: 100,
		MaxTokensPerDay: 10000, MaxCostPerDayUSD: 100,
		MaxConcurrentRuns: 3, ThrottleThreshold: 0.99,
	}))

	score, err := e.HealthScore(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 100, score)

	// CPU at 95% (-20), cost at 85% (-15).
	require.NoError(t, e.RecordUsage(ctx, "t1", ResourceCPU, 9.5, UsageContext{}))
	require.NoError(t, e.RecordUsage(ctx, "t1", ResourceCost, 85, UsageContext{}))
	score, err = e.HealthScore(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 65, score)

	// One unresolved violation in the last hour (-5).
	require.NoError(t, db.SaveQuotaViolation(ctx, &storage.QuotaViolation{
		TenantID: "t1", Resource: ResourceCost, Requested: 50,
		CurrentUsage: 85, Quota: 100, Severity: SeverityHigh, Action: "deny",
	}))
	score, err = e.HealthScore(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 60, score)
}

func TestMaintenanceResolvesRecoveredViolations(t *testing.T) {
	e, db := newEnforcer(t, fastOptions())
	ctx := context.Background()

	require.NoError(t, db.SaveQuotaViolation(ctx, &storage.QuotaViolation{
		TenantID: "t1", Resource: ResourceTokens, Requested: 5000,
		CurrentUsage: 1_000_000, Quota: 1_000_000, Severity: SeverityLow, Action: "deny",
	}))

	// No current usage, so the tenant is back under quota.
	m := NewMaintenance(e, db, "@every 1h", nil)
	m.RunOnce(ctx)

	open, err := db.ListQuotaViolations(ctx, "t1", time.Time{}, true)
	require.NoError(t, err)
	assert.Empty(t, open)
}
