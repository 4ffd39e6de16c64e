package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ideamine/conductor/internal/storage"
)

func newQuotaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Inspect and set tenant quotas",
	}
	cmd.AddCommand(newQuotaGetCmd())
	cmd.AddCommand(newQuotaSetCmd())
	cmd.AddCommand(newQuotaViolationsCmd())
	return cmd
}

func newQuotaGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get TENANT-ID",
		Short: "Show a tenant's quota and current usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := buildStack()
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := cmd.Context()
			q, err := s.db.GetTenantQuota(ctx, args[0])
			if err != nil {
				return err
			}
			if q == nil {
				return fmt.Errorf("no quota configured for tenant %s", args[0])
			}
			usage, err := s.db.CurrentUsage(ctx, args[0])
			if err != nil {
				return err
			}

			if jsonOut {
				return printJSON(map[string]any{"quota": q, "usage": usage})
			}
			fmt.Printf("Tenant:   %s (tier %s)\n", q.TenantID, q.Tier)
			fmt.Printf("Cost:     $%.2f of $%.2f per day\n", usage["cost"], q.MaxCostPerDayUSD)
			fmt.Printf("Tokens:   %.0f of %d per day\n", usage["tokens"], q.MaxTokensPerDay)
			fmt.Printf("Runs:     max %d concurrent\n", q.MaxConcurrentRuns)
			return nil
		},
	}
}

func newQuotaSetCmd() *cobra.Command {
	var (
		tier       string
		maxCost    float64
		maxTokens  int64
		maxRuns    int
		cpuCores   float64
		memoryGB   float64
		storageGB  float64
		maxGPUs    int
		burstCPU   float64
		burstMem   float64
		burstMin   int
		throttle   bool
		throttleAt float64
	)

	cmd := &cobra.Command{
		Use:   "set TENANT-ID",
		Short: "Create or update a tenant's quota",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := buildStack()
			if err != nil {
				return err
			}
			defer s.Close()

			q := &storage.TenantQuota{
				TenantID:             args[0],
				Tier:                 tier,
				MaxCPUCores:          cpuCores,
				MaxMemoryGB:          memoryGB,
				MaxStorageGB:         storageGB,
				MaxTokensPerDay:      maxTokens,
				MaxCostPerDayUSD:     maxCost,
				MaxGPUs:              maxGPUs,
				MaxConcurrentRuns:    maxRuns,
				BurstCPUCores:        burstCPU,
				BurstMemoryGB:        burstMem,
				BurstDurationMinutes: burstMin,
				ThrottleEnabled:      throttle,
				ThrottleThreshold:    throttleAt,
			}
			if err := s.db.SaveTenantQuota(cmd.Context(), q); err != nil {
				return err
			}

			fmt.Printf("Quota saved for tenant %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&tier, "tier", "standard", "quota tier name")
	cmd.Flags().Float64Var(&maxCost, "max-cost-per-day", 100, "daily cost ceiling in USD")
	cmd.Flags().Int64Var(&maxTokens, "max-tokens-per-day", 5_000_000, "daily token ceiling")
	cmd.Flags().IntVar(&maxRuns, "max-concurrent-runs", 5, "concurrent run cap")
	cmd.Flags().Float64Var(&cpuCores, "cpu-cores", 8, "CPU core ceiling")
	cmd.Flags().Float64Var(&memoryGB, "memory-gb", 32, "memory ceiling in GB")
	cmd.Flags().Float64Var(&storageGB, "storage-gb", 100, "storage ceiling in GB")
	cmd.Flags().IntVar(&maxGPUs, "gpus", 0, "GPU ceiling")
	cmd.Flags().Float64Var(&burstCPU, "burst-cpu-cores", 0, "short-burst CPU allowance")
	cmd.Flags().Float64Var(&burstMem, "burst-memory-gb", 0, "short-burst memory allowance")
	cmd.Flags().IntVar(&burstMin, "burst-minutes", 0, "burst window in minutes")
	cmd.Flags().BoolVar(&throttle, "throttle", true, "throttle instead of refusing near the ceiling")
	cmd.Flags().Float64Var(&throttleAt, "throttle-threshold", 0.9, "fraction of quota where throttling starts")
	return cmd
}

func newQuotaViolationsCmd() *cobra.Command {
	var (
		sinceHours int
		unresolved bool
	)

	cmd := &cobra.Command{
		Use:   "violations TENANT-ID",
		Short: "List a tenant's quota violations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := buildStack()
			if err != nil {
				return err
			}
			defer s.Close()

			since := time.Now().Add(-time.Duration(sinceHours) * time.Hour)
			violations, err := s.db.ListQuotaViolations(cmd.Context(), args[0], since, unresolved)
			if err != nil {
				return err
			}

			if jsonOut {
				return printJSON(violations)
			}
			for _, v := range violations {
				fmt.Printf("%s  %-10s %-8s used %.2f of %.2f (asked %.2f) %s\n",
					v.CreatedAt.Format("2006-01-02 15:04"), v.Resource, v.Action,
					v.CurrentUsage, v.Quota, v.Requested, v.Severity)
			}
			if len(violations) == 0 {
				fmt.Println("No violations")
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&sinceHours, "since-hours", 24, "look-back window in hours")
	cmd.Flags().BoolVar(&unresolved, "unresolved", false, "only unresolved violations")
	return cmd
}
