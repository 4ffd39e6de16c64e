package quota

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cerr "github.com/ideamine/conductor/internal/errors"
	"github.com/ideamine/conductor/internal/events"
	"github.com/ideamine/conductor/internal/metrics"
	"github.com/ideamine/conductor/internal/storage"
)

// Options configure an Enforcer.
type Options struct {
	// ThrottleDuration is how long a tenant stays throttled after
	// crossing the throttle threshold.
	ThrottleDuration time.Duration
	// PenaltyMs delays each admission while throttled.
	PenaltyMs int
	// DefaultTier applies to tenants without a quota row.
	DefaultTier string
	// RetentionDays bounds how long usage samples are kept.
	RetentionDays int
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		ThrottleDuration: 5 * time.Minute,
		PenaltyMs:        5000,
		DefaultTier:      "standard",
		RetentionDays:    30,
	}
}

// Enforcer gates task admissions against per-tenant quotas.
type Enforcer struct {
	db     *storage.DB
	pub    events.Publisher
	logger *slog.Logger
	opts   Options

	admission *keyedMutex

	mu      sync.Mutex
	tenants map[string]*tenantState
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Enforcer) { e.logger = logger }
}

// WithPublisher sets the event publisher.
func WithPublisher(pub events.Publisher) Option {
	return func(e *Enforcer) { e.pub = pub }
}

// WithOptions overrides the enforcement options.
func WithOptions(opts Options) Option {
	return func(e *Enforcer) { e.opts = opts }
}

// NewEnforcer creates a quota enforcer over the given store.
func NewEnforcer(db *storage.DB, opts ...Option) *Enforcer {
	e := &Enforcer{
		db:        db,
		pub:       events.NewNopPublisher(),
		logger:    slog.Default(),
		opts:      DefaultOptions(),
		admission: newKeyedMutex(),
		tenants:   make(map[string]*tenantState),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// quotaFor loads the tenant's quota row, falling back to tier defaults.
func (e *Enforcer) quotaFor(ctx context.Context, tenantID string) (*storage.TenantQuota, error) {
	q, err := e.db.GetTenantQuota(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if q == nil {
		q = DefaultTierQuota(tenantID, e.opts.DefaultTier)
	}
	return q, nil
}

// DefaultTierQuota builds the built-in quota for a tier.
func DefaultTierQuota(tenantID, tier string) *storage.TenantQuota {
	q := &storage.TenantQuota{
		TenantID:          tenantID,
		Tier:              tier,
		MaxCPUCores:       8,
		MaxMemoryGB:       32,
		MaxStorageGB:      100,
		MaxTokensPerDay:   1_000_000,
		MaxCostPerDayUSD:  100,
		MaxGPUs:           0,
		MaxConcurrentRuns: 3,
		ThrottleEnabled:   true,
		ThrottleThreshold: 0.9,
	}
	switch tier {
	case "free":
		q.MaxCPUCores = 2
		q.MaxMemoryGB = 8
		q.MaxStorageGB = 10
		q.MaxTokensPerDay = 100_000
		q.MaxCostPerDayUSD = 10
		q.MaxConcurrentRuns = 1
	case "enterprise":
		q.MaxCPUCores = 64
		q.MaxMemoryGB = 256
		q.MaxStorageGB = 2000
		q.MaxTokensPerDay = 20_000_000
		q.MaxCostPerDayUSD = 2500
		q.MaxGPUs = 8
		q.MaxConcurrentRuns = 20
		q.BurstCPUCores = 16
		q.BurstMemoryGB = 64
		q.BurstDurationMinutes = 15
	}
	return q
}

// usage returns current windowed usage for one resource.
func (e *Enforcer) usage(ctx context.Context, tenantID, resource string) (float64, error) {
	var since time.Time
	if w := Window(resource); w > 0 {
		since = time.Now().Add(-w)
	}
	return e.db.UsageSince(ctx, tenantID, resource, since)
}

// CheckQuota reports whether an admission of amount would fit within
// the tenant's quota. It does not record usage.
func (e *Enforcer) CheckQuota(ctx context.Context, tenantID, resource string, amount float64) (*CheckResult, error) {
	q, err := e.quotaFor(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	limit, err := limitFor(q, resource)
	if err != nil {
		return nil, err
	}
	current, err := e.usage(ctx, tenantID, resource)
	if err != nil {
		return nil, err
	}

	res := &CheckResult{CurrentUsage: current, Quota: limit}
	if limit > 0 {
		res.PercentUsed = current / limit * 100
	}
	if current+amount <= limit {
		res.Allowed = true
		return res, nil
	}

	// Over the base quota. Burst applies to cpu/memory only, and only
	// while the burst clock has not expired.
	if burst := burstFor(q, resource); burst > 0 && current+amount <= limit+burst {
		if e.burstActive(tenantID, q) {
			res.Allowed = true
			res.BurstAllowed = true
			return res, nil
		}
	}
	return res, nil
}

// burstActive starts or checks the tenant's burst window.
func (e *Enforcer) burstActive(tenantID string, q *storage.TenantQuota) bool {
	if q.BurstDurationMinutes <= 0 {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.tenantState(tenantID)
	now := time.Now()
	if st.burstStart.IsZero() || now.Sub(st.burstStart) > time.Duration(q.BurstDurationMinutes)*time.Minute {
		st.burstStart = now
	}
	return now.Sub(st.burstStart) <= time.Duration(q.BurstDurationMinutes)*time.Minute
}

// tenantState must be called with e.mu held.
func (e *Enforcer) tenantState(tenantID string) *tenantState {
	st, ok := e.tenants[tenantID]
	if !ok {
		st = &tenantState{}
		e.tenants[tenantID] = st
	}
	return st
}

// RecordUsage appends one usage sample without an admission check.
func (e *Enforcer) RecordUsage(ctx context.Context, tenantID, resource string, amount float64, uc UsageContext) error {
	return e.db.RecordUsage(ctx, &storage.UsageSample{
		TenantID: tenantID,
		Resource: resource,
		Amount:   amount,
		Unit:     uc.Unit,
		RunID:    uc.RunID,
		TaskID:   uc.TaskID,
	})
}

// EnforceQuota atomically checks and records an admission. Denials are
// persisted as violations; crossing the throttle threshold marks the
// tenant throttled; throttled tenants pay the penalty delay first.
func (e *Enforcer) EnforceQuota(ctx context.Context, tenantID, resource string, amount float64, uc UsageContext) (*CheckResult, error) {
	if throttled, until := e.Throttled(tenantID); throttled {
		delay := time.Duration(e.opts.PenaltyMs) * time.Millisecond
		e.logger.Debug("tenant throttled, delaying admission",
			"tenant", tenantID, "until", until, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	unlock := e.admission.lock(tenantID + "/" + resource)
	defer unlock()

	res, err := e.CheckQuota(ctx, tenantID, resource, amount)
	if err != nil {
		return nil, err
	}

	q, err := e.quotaFor(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if !res.Allowed {
		overage := 0.0
		if res.Quota > 0 {
			overage = (res.CurrentUsage + amount - res.Quota) / res.Quota * 100
		}
		severity := classifySeverity(overage)
		e.recordViolation(ctx, tenantID, resource, amount, res, severity, "deny")
		metrics.RecordQuotaViolation(tenantID, resource)
		return res, cerr.ErrQuotaExceeded(tenantID, resource, res.CurrentUsage+amount, res.Quota)
	}

	if res.BurstAllowed {
		e.recordViolation(ctx, tenantID, resource, amount, res, SeverityLow, "burst_allowed")
	}

	if err := e.RecordUsage(ctx, tenantID, resource, amount, uc); err != nil {
		return nil, err
	}
	res.CurrentUsage += amount
	if res.Quota > 0 {
		res.PercentUsed = res.CurrentUsage / res.Quota * 100
	}

	if q.ThrottleEnabled && res.PercentUsed >= q.ThrottleThreshold*100 {
		e.throttle(tenantID)
		e.logger.Warn("tenant crossed throttle threshold",
			"tenant", tenantID, "resource", resource, "percent_used", res.PercentUsed)
	}
	return res, nil
}

// Throttled reports whether the tenant is currently throttled.
func (e *Enforcer) Throttled(tenantID string) (bool, time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.tenants[tenantID]
	if !ok || time.Now().After(st.throttledUntil) {
		return false, time.Time{}
	}
	return true, st.throttledUntil
}

func (e *Enforcer) throttle(tenantID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tenantState(tenantID).throttledUntil = time.Now().Add(e.opts.ThrottleDuration)
}

func (e *Enforcer) recordViolation(ctx context.Context, tenantID, resource string, amount float64, res *CheckResult, severity, action string) {
	v := &storage.QuotaViolation{
		TenantID:     tenantID,
		Resource:     resource,
		Requested:    amount,
		CurrentUsage: res.CurrentUsage,
		Quota:        res.Quota,
		Severity:     severity,
		Action:       action,
	}
	if err := e.db.SaveQuotaViolation(ctx, v); err != nil {
		e.logger.Warn("failed to persist quota violation",
			"tenant", tenantID, "resource", resource, "error", err)
	}
	e.pub.Publish(events.Event{
		Type:  events.EventQuotaViolation,
		RunID: events.GlobalRunID,
		Data: events.QuotaViolation{
			TenantID: tenantID,
			Resource: resource,
			Used:     res.CurrentUsage + amount,
			Quota:    res.Quota,
			Severity: severity,
			Action:   action,
		},
		Time: time.Now().UTC(),
	})
}

// HealthScore computes an integer tenant health score in [0, 100].
// High utilization and recent unresolved violations reduce it.
func (e *Enforcer) HealthScore(ctx context.Context, tenantID string) (int, error) {
	q, err := e.quotaFor(ctx, tenantID)
	if err != nil {
		return 0, err
	}

	score := 100
	utilization := func(resource string) float64 {
		limit, err := limitFor(q, resource)
		if err != nil || limit <= 0 {
			return 0
		}
		used, err := e.usage(ctx, tenantID, resource)
		if err != nil {
			return 0
		}
		return used / limit * 100
	}

	for _, r := range []string{ResourceCPU, ResourceMemory} {
		switch u := utilization(r); {
		case u > 90:
			score -= 20
		case u > 75:
			score -= 10
		}
	}
	switch u := utilization(ResourceCost); {
	case u > 95:
		score -= 30
	case u > 80:
		score -= 15
	}

	open, err := e.db.ListQuotaViolations(ctx, tenantID, time.Now().Add(-time.Hour), true)
	if err != nil {
		return 0, err
	}
	score -= 5 * len(open)

	if score < 0 {
		score = 0
	}
	return score, nil
}
