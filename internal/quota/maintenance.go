package quota

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ideamine/conductor/internal/storage"
)

// Maintenance runs the periodic quota housekeeping: pruning expired
// usage samples and resolving violations for tenants back under quota.
type Maintenance struct {
	enforcer *Enforcer
	db       *storage.DB
	logger   *slog.Logger
	schedule string
	cron     *cron.Cron
}

// NewMaintenance creates the housekeeping job. Schedule accepts cron
// expressions and @every descriptors.
func NewMaintenance(enforcer *Enforcer, db *storage.DB, schedule string, logger *slog.Logger) *Maintenance {
	if logger == nil {
		logger = slog.Default()
	}
	return &Maintenance{
		enforcer: enforcer,
		db:       db,
		logger:   logger,
		schedule: schedule,
		cron:     cron.New(),
	}
}

// Start registers and starts the cron entry.
func (m *Maintenance) Start() error {
	_, err := m.cron.AddFunc(m.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		m.RunOnce(ctx)
	})
	if err != nil {
		return err
	}
	m.cron.Start()
	return nil
}

// Stop stops the cron loop and waits for a running job to finish.
func (m *Maintenance) Stop() {
	<-m.cron.Stop().Done()
}

// RunOnce performs one housekeeping pass.
func (m *Maintenance) RunOnce(ctx context.Context) {
	cutoff := time.Now().AddDate(0, 0, -m.enforcer.opts.RetentionDays)
	deleted, err := m.db.PruneUsage(ctx, cutoff, []string{ResourceStorage})
	if err != nil {
		m.logger.Warn("usage pruning failed", "error", err)
	} else if deleted > 0 {
		m.logger.Info("pruned usage samples", "deleted", deleted, "cutoff", cutoff)
	}

	m.resolveRecovered(ctx)
}

// resolveRecovered closes open violations for tenants whose usage has
// dropped back under quota.
func (m *Maintenance) resolveRecovered(ctx context.Context) {
	tenants, err := m.tenantsWithOpenViolations(ctx)
	if err != nil {
		m.logger.Warn("violation scan failed", "error", err)
		return
	}
	for tenantID, resources := range tenants {
		for resource := range resources {
			res, err := m.enforcer.CheckQuota(ctx, tenantID, resource, 0)
			if err != nil {
				continue
			}
			if res.PercentUsed < 100 {
				if err := m.db.ResolveQuotaViolations(ctx, tenantID, resource); err != nil {
					m.logger.Warn("violation resolution failed",
						"tenant", tenantID, "resource", resource, "error", err)
					continue
				}
				m.logger.Info("quota violations resolved",
					"tenant", tenantID, "resource", resource)
			}
		}
	}
}

func (m *Maintenance) tenantsWithOpenViolations(ctx context.Context) (map[string]map[string]struct{}, error) {
	rows, err := m.db.Driver().Query(ctx,
		`SELECT DISTINCT tenant_id, resource FROM quota_violations WHERE resolved = ?`, false)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]map[string]struct{})
	for rows.Next() {
		var tenantID, resource string
		if err := rows.Scan(&tenantID, &resource); err != nil {
			return nil, err
		}
		if out[tenantID] == nil {
			out[tenantID] = make(map[string]struct{})
		}
		out[tenantID][resource] = struct{}{}
	}
	return out, rows.Err()
}
