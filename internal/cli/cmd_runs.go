package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ideamine/conductor/internal/task"
)

func newCreateCmd() *cobra.Command {
	var (
		tenant       string
		user         string
		idea         string
		maxCost      float64
		maxTokens    int
		maxToolMin   float64
		maxWallclock float64
		maxRetries   int
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a run with a budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := buildStack()
			if err != nil {
				return err
			}
			defer s.Close()

			run, err := s.eng.CreateRun(cmd.Context(), tenant, user, idea, task.Budget{
				MaxCostUSD:          maxCost,
				MaxTokens:           maxTokens,
				MaxToolMinutes:      maxToolMin,
				MaxWallclockMinutes: maxWallclock,
				MaxRetries:          maxRetries,
			})
			if err != nil {
				return err
			}

			if jsonOut {
				return printJSON(run)
			}
			fmt.Printf("Created run %s (tenant %s, budget $%.2f)\n", run.ID, run.TenantID, run.Budget.MaxCostUSD)
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant the run bills against")
	cmd.Flags().StringVar(&user, "user", "", "user creating the run")
	cmd.Flags().StringVar(&idea, "idea", "", "idea spec identifier")
	cmd.Flags().Float64Var(&maxCost, "max-cost", 0, "run cost ceiling in USD (required)")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "run token ceiling")
	cmd.Flags().Float64Var(&maxToolMin, "max-tool-minutes", 0, "run tool-minutes ceiling")
	cmd.Flags().Float64Var(&maxWallclock, "max-wallclock-minutes", 0, "run wallclock ceiling")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 3, "per-phase retry budget")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("idea")
	_ = cmd.MarkFlagRequired("max-cost")

	return cmd
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run RUN-ID",
		Short: "Execute a run through the pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := buildStack()
			if err != nil {
				return err
			}
			defer s.Close()

			run, err := s.db.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := s.eng.Execute(cmd.Context(), run); err != nil {
				return err
			}

			if jsonOut {
				return printJSON(run)
			}
			fmt.Printf("Run %s finished in state %s (spent $%.2f)\n", run.ID, run.State, run.Usage.CostUSD)
			return nil
		},
	}
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume RUN-ID",
		Short: "Resume a paused run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := buildStack()
			if err != nil {
				return err
			}
			defer s.Close()

			run, err := s.eng.Resume(cmd.Context(), args[0], "cli")
			if err != nil {
				return err
			}

			if jsonOut {
				return printJSON(run)
			}
			fmt.Printf("Run %s resumed, now %s\n", run.ID, run.State)
			return nil
		},
	}
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel RUN-ID",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := buildStack()
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := context.Background()
			run, err := s.db.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			if err := s.eng.Cancel(ctx, run, "cli"); err != nil {
				return err
			}

			fmt.Printf("Run %s cancelled\n", run.ID)
			return nil
		},
	}
}
