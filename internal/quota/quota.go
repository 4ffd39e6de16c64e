// Package quota enforces per-tenant resource quotas. Every task start
// is gated through an Enforcer; every unit of consumption is recorded
// as an append-only usage row.
package quota

import (
	"fmt"
	"sync"
	"time"

	cerr "github.com/ideamine/conductor/internal/errors"
	"github.com/ideamine/conductor/internal/storage"
)

// Resource names. Each resource rolls up over its own window.
const (
	ResourceCPU            = "cpu"
	ResourceMemory         = "memory"
	ResourceStorage        = "storage"
	ResourceTokens         = "tokens"
	ResourceCost           = "cost"
	ResourceGPU            = "gpu"
	ResourceConcurrentRuns = "concurrent_runs"
)

// Window returns the usage accounting window for a resource. Zero means
// cumulative.
func Window(resource string) time.Duration {
	switch resource {
	case ResourceCPU, ResourceMemory, ResourceGPU:
		return time.Hour
	case ResourceTokens, ResourceCost:
		return 24 * time.Hour
	case ResourceConcurrentRuns:
		return 5 * time.Minute
	default:
		return 0
	}
}

// Severity bands for quota violations, classified by overage percent.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

func classifySeverity(overagePercent float64) string {
	switch {
	case overagePercent < 10:
		return SeverityLow
	case overagePercent < 25:
		return SeverityMedium
	case overagePercent < 50:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// CheckResult is the outcome of a quota check.
type CheckResult struct {
	Allowed      bool    `json:"allowed"`
	CurrentUsage float64 `json:"currentUsage"`
	Quota        float64 `json:"quota"`
	PercentUsed  float64 `json:"percentUsed"`
	BurstAllowed bool    `json:"burstAllowed,omitempty"`
}

// UsageContext identifies what consumed the resource.
type UsageContext struct {
	RunID  string
	TaskID string
	Unit   string
}

// limitFor maps a resource to its ceiling in the tenant's quota row.
func limitFor(q *storage.TenantQuota, resource string) (float64, error) {
	switch resource {
	case ResourceCPU:
		return q.MaxCPUCores, nil
	case ResourceMemory:
		return q.MaxMemoryGB, nil
	case ResourceStorage:
		return q.MaxStorageGB, nil
	case ResourceTokens:
		return float64(q.MaxTokensPerDay), nil
	case ResourceCost:
		return q.MaxCostPerDayUSD, nil
	case ResourceGPU:
		return float64(q.MaxGPUs), nil
	case ResourceConcurrentRuns:
		return float64(q.MaxConcurrentRuns), nil
	default:
		return 0, cerr.ErrConfigInvalid("quota.resource", fmt.Sprintf("unknown resource %q", resource))
	}
}

// burstFor returns the burst allowance for a resource. Only cpu and
// memory support burst.
func burstFor(q *storage.TenantQuota, resource string) float64 {
	switch resource {
	case ResourceCPU:
		return q.BurstCPUCores
	case ResourceMemory:
		return q.BurstMemoryGB
	default:
		return 0
	}
}

// tenantState holds in-process throttle and burst bookkeeping for one
// tenant.
type tenantState struct {
	throttledUntil time.Time
	burstStart     time.Time
}

// keyedMutex serializes racing admissions per (tenant, resource).
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}
