package engine

import (
	"context"

	"github.com/ideamine/conductor/internal/budget"
	cerr "github.com/ideamine/conductor/internal/errors"
	"github.com/ideamine/conductor/internal/quota"
	"github.com/ideamine/conductor/internal/sched"
	"github.com/ideamine/conductor/internal/task"
)

// QuotaAdmitter gates task starts on the tenant's quotas. The task's
// budget ceilings serve as the spend estimate; a refused task stays
// queued and is re-checked on the next scheduling pass.
func QuotaAdmitter(enf *quota.Enforcer) sched.AdmitterFunc {
	return func(ctx context.Context, t *task.Spec) error {
		if t.TenantID == "" {
			return nil
		}
		if throttled, _ := enf.Throttled(t.TenantID); throttled {
			return cerr.ErrRateLimited(t.TenantID)
		}
		estimates := []struct {
			resource string
			amount   float64
		}{
			{quota.ResourceCost, t.Budget.MaxCostUSD},
			{quota.ResourceTokens, float64(t.Budget.MaxTokens)},
		}
		for _, est := range estimates {
			if est.amount <= 0 {
				continue
			}
			res, err := enf.CheckQuota(ctx, t.TenantID, est.resource, est.amount)
			if err != nil {
				return err
			}
			if !res.Allowed {
				return cerr.ErrQuotaExceeded(t.TenantID, est.resource,
					res.CurrentUsage, res.Quota)
			}
		}
		return nil
	}
}

// BudgetAdmitter refuses new task starts for frozen or throttled runs.
func BudgetAdmitter(g *budget.Guard) sched.AdmitterFunc {
	return func(ctx context.Context, t *task.Spec) error {
		if g.Frozen(t.RunID) {
			return cerr.ErrBudgetExceeded(t.RunID, budget.DimensionCost)
		}
		if g.Throttled(t.RunID) {
			return cerr.ErrRateLimited(t.RunID)
		}
		return nil
	}
}
