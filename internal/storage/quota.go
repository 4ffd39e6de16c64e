package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	cerr "github.com/ideamine/conductor/internal/errors"
)

// TenantQuota holds a tenant's resource ceilings, including the burst
// allowance and the throttle knee.
type TenantQuota struct {
	TenantID             string    `json:"tenant_id"`
	Tier                 string    `json:"tier"`
	MaxCPUCores          float64   `json:"max_cpu_cores"`
	MaxMemoryGB          float64   `json:"max_memory_gb"`
	MaxStorageGB         float64   `json:"max_storage_gb"`
	MaxTokensPerDay      int64     `json:"max_tokens_per_day"`
	MaxCostPerDayUSD     float64   `json:"max_cost_per_day_usd"`
	MaxGPUs              int       `json:"max_gpus"`
	MaxConcurrentRuns    int       `json:"max_concurrent_runs"`
	BurstCPUCores        float64   `json:"burst_cpu_cores"`
	BurstMemoryGB        float64   `json:"burst_memory_gb"`
	BurstDurationMinutes int       `json:"burst_duration_minutes"`
	ThrottleEnabled      bool      `json:"throttle_enabled"`
	ThrottleThreshold    float64   `json:"throttle_threshold"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// UsageSample is one append-only usage observation.
type UsageSample struct {
	TenantID   string
	Resource   string
	Amount     float64
	Unit       string
	RunID      string
	TaskID     string
	RecordedAt time.Time
}

// QuotaViolation is a persisted denial or throttle decision.
type QuotaViolation struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	Resource     string    `json:"resource"`
	Requested    float64   `json:"requested"`
	CurrentUsage float64   `json:"current_usage"`
	Quota        float64   `json:"quota"`
	Severity     string    `json:"severity"`
	Action       string    `json:"action"`
	Resolved     bool      `json:"resolved"`
	CreatedAt    time.Time `json:"created_at"`
}

// SaveTenantQuota upserts the quota row for a tenant.
func (d *DB) SaveTenantQuota(ctx context.Context, q *TenantQuota) error {
	_, err := d.driver.Exec(ctx, `
		INSERT INTO tenant_quotas (tenant_id, tier, max_cpu_cores, max_memory_gb,
			max_storage_gb, max_tokens_per_day, max_cost_per_day_usd, max_gpus,
			max_concurrent_runs, burst_cpu_cores, burst_memory_gb,
			burst_duration_minutes, throttle_enabled, throttle_threshold, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id) DO UPDATE SET
			tier = excluded.tier,
			max_cpu_cores = excluded.max_cpu_cores,
			max_memory_gb = excluded.max_memory_gb,
			max_storage_gb = excluded.max_storage_gb,
			max_tokens_per_day = excluded.max_tokens_per_day,
			max_cost_per_day_usd = excluded.max_cost_per_day_usd,
			max_gpus = excluded.max_gpus,
			max_concurrent_runs = excluded.max_concurrent_runs,
			burst_cpu_cores = excluded.burst_cpu_cores,
			burst_memory_gb = excluded.burst_memory_gb,
			burst_duration_minutes = excluded.burst_duration_minutes,
			throttle_enabled = excluded.throttle_enabled,
			throttle_threshold = excluded.throttle_threshold,
			updated_at = excluded.updated_at`,
		q.TenantID, q.Tier, q.MaxCPUCores, q.MaxMemoryGB,
		q.MaxStorageGB, q.MaxTokensPerDay, q.MaxCostPerDayUSD, q.MaxGPUs,
		q.MaxConcurrentRuns, q.BurstCPUCores, q.BurstMemoryGB,
		q.BurstDurationMinutes, q.ThrottleEnabled, q.ThrottleThreshold,
		formatTime(time.Now()))
	if err != nil {
		return cerr.ErrStorageFailed("SaveTenantQuota", err)
	}
	return nil
}

// GetTenantQuota returns the quota row for a tenant, or nil when the
// tenant has no explicit row.
func (d *DB) GetTenantQuota(ctx context.Context, tenantID string) (*TenantQuota, error) {
	row := d.driver.QueryRow(ctx, `
		SELECT tenant_id, tier, max_cpu_cores, max_memory_gb, max_storage_gb,
			max_tokens_per_day, max_cost_per_day_usd, max_gpus, max_concurrent_runs,
			burst_cpu_cores, burst_memory_gb, burst_duration_minutes,
			throttle_enabled, throttle_threshold, updated_at
		FROM tenant_quotas WHERE tenant_id = ?`, tenantID)

	var q TenantQuota
	var updatedAt string
	err := row.Scan(&q.TenantID, &q.Tier, &q.MaxCPUCores, &q.MaxMemoryGB,
		&q.MaxStorageGB, &q.MaxTokensPerDay, &q.MaxCostPerDayUSD, &q.MaxGPUs,
		&q.MaxConcurrentRuns, &q.BurstCPUCores, &q.BurstMemoryGB,
		&q.BurstDurationMinutes, &q.ThrottleEnabled, &q.ThrottleThreshold,
		&updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, cerr.ErrStorageFailed("GetTenantQuota", err)
	}
	if q.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, cerr.ErrStorageFailed("GetTenantQuota", err)
	}
	return &q, nil
}

// RecordUsage appends one usage sample.
func (d *DB) RecordUsage(ctx context.Context, s *UsageSample) error {
	if s.RecordedAt.IsZero() {
		s.RecordedAt = time.Now()
	}
	_, err := d.driver.Exec(ctx, `
		INSERT INTO tenant_usage (tenant_id, resource, amount, unit, run_id, task_id, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.TenantID, s.Resource, s.Amount, s.Unit,
		nullIfEmpty(s.RunID), nullIfEmpty(s.TaskID), formatTime(s.RecordedAt))
	if err != nil {
		return cerr.ErrStorageFailed("RecordUsage", err)
	}
	return nil
}

// UsageSince sums a tenant's usage of one resource recorded at or after
// the cutoff. A zero cutoff sums the entire series (cumulative resources
// such as storage).
func (d *DB) UsageSince(ctx context.Context, tenantID, resource string, since time.Time) (float64, error) {
	query := `SELECT COALESCE(SUM(amount), 0) FROM tenant_usage
		WHERE tenant_id = ? AND resource = ?`
	args := []any{tenantID, resource}
	if !since.IsZero() {
		query += ` AND recorded_at >= ?`
		args = append(args, formatTime(since))
	}
	var total float64
	if err := d.driver.QueryRow(ctx, query, args...).Scan(&total); err != nil {
		return 0, cerr.ErrStorageFailed("UsageSince", err)
	}
	return total, nil
}

// CurrentUsage reads the windowed per-resource totals for a tenant from
// the tenant_usage_current view.
func (d *DB) CurrentUsage(ctx context.Context, tenantID string) (map[string]float64, error) {
	rows, err := d.driver.Query(ctx, `
		SELECT resource, amount FROM tenant_usage_current WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return nil, cerr.ErrStorageFailed("CurrentUsage", err)
	}
	defer func() { _ = rows.Close() }()

	usage := make(map[string]float64)
	for rows.Next() {
		var resource string
		var amount float64
		if err := rows.Scan(&resource, &amount); err != nil {
			return nil, cerr.ErrStorageFailed("CurrentUsage", err)
		}
		usage[resource] = amount
	}
	return usage, rows.Err()
}

// PruneUsage deletes usage samples older than the cutoff, except the
// cumulative resources listed in keep. Returns rows deleted.
func (d *DB) PruneUsage(ctx context.Context, before time.Time, keep []string) (int64, error) {
	query := `DELETE FROM tenant_usage WHERE recorded_at < ?`
	args := []any{formatTime(before)}
	for _, r := range keep {
		query += ` AND resource != ?`
		args = append(args, r)
	}
	res, err := d.driver.Exec(ctx, query, args...)
	if err != nil {
		return 0, cerr.ErrStorageFailed("PruneUsage", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SaveQuotaViolation records a denial or throttle decision.
func (d *DB) SaveQuotaViolation(ctx context.Context, v *QuotaViolation) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	_, err := d.driver.Exec(ctx, `
		INSERT INTO quota_violations (id, tenant_id, resource, requested,
			current_usage, quota, severity, action, resolved, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.TenantID, v.Resource, v.Requested,
		v.CurrentUsage, v.Quota, v.Severity, v.Action, v.Resolved,
		formatTime(v.CreatedAt))
	if err != nil {
		return cerr.ErrStorageFailed("SaveQuotaViolation", err)
	}
	return nil
}

// ListQuotaViolations returns a tenant's violations since the cutoff,
// newest first. Pass unresolvedOnly to exclude resolved rows.
func (d *DB) ListQuotaViolations(ctx context.Context, tenantID string, since time.Time, unresolvedOnly bool) ([]*QuotaViolation, error) {
	query := `SELECT id, tenant_id, resource, requested, current_usage, quota,
			severity, action, resolved, created_at
		FROM quota_violations WHERE tenant_id = ?`
	args := []any{tenantID}
	if !since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, formatTime(since))
	}
	if unresolvedOnly {
		query += ` AND resolved = ?`
		args = append(args, false)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := d.driver.Query(ctx, query, args...)
	if err != nil {
		return nil, cerr.ErrStorageFailed("ListQuotaViolations", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*QuotaViolation
	for rows.Next() {
		var v QuotaViolation
		var createdAt string
		if err := rows.Scan(&v.ID, &v.TenantID, &v.Resource, &v.Requested,
			&v.CurrentUsage, &v.Quota, &v.Severity, &v.Action, &v.Resolved,
			&createdAt); err != nil {
			return nil, cerr.ErrStorageFailed("ListQuotaViolations", err)
		}
		if v.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, cerr.ErrStorageFailed("ListQuotaViolations", err)
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

// ResolveQuotaViolations marks all of a tenant's open violations for one
// resource as resolved.
func (d *DB) ResolveQuotaViolations(ctx context.Context, tenantID, resource string) error {
	_, err := d.driver.Exec(ctx, `
		UPDATE quota_violations SET resolved = ? WHERE tenant_id = ? AND resource = ? AND resolved = ?`,
		true, tenantID, resource, false)
	if err != nil {
		return cerr.ErrStorageFailed("ResolveQuotaViolations", err)
	}
	return nil
}
