package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// printJSON renders v as indented JSON on stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newListCmd() *cobra.Command {
	var (
		tenant string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := buildStack()
			if err != nil {
				return err
			}
			defer s.Close()

			runs, err := s.db.ListRuns(cmd.Context(), tenant, limit)
			if err != nil {
				return err
			}

			if jsonOut {
				return printJSON(runs)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tTENANT\tSTATE\tSPENT\tCREATED")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t$%.2f\t%s\n",
					r.ID, r.TenantID, r.State, r.Usage.CostUSD,
					r.CreatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "filter by tenant")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum runs to list")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status RUN-ID",
		Short: "Show a run's state, spend, and interventions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := buildStack()
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := cmd.Context()
			run, err := s.db.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			interventions, err := s.db.ListSEMInterventions(ctx, run.ID)
			if err != nil {
				return err
			}

			if jsonOut {
				return printJSON(map[string]any{
					"run":           run,
					"interventions": interventions,
				})
			}

			fmt.Printf("Run:      %s\n", run.ID)
			fmt.Printf("Tenant:   %s\n", run.TenantID)
			fmt.Printf("State:    %s\n", run.State)
			if run.PausedReason != "" {
				fmt.Printf("Paused:   %s (resumes at %s)\n", run.PausedReason, run.PausedFrom)
			}
			fmt.Printf("Spend:    $%.2f of $%.2f, %d tokens\n",
				run.Usage.CostUSD, run.Budget.MaxCostUSD, run.Usage.Tokens)
			fmt.Printf("Retries:  %d of %d\n", run.RetryCount, run.Budget.MaxRetries)
			if len(interventions) > 0 {
				fmt.Printf("Self-execution interventions: %d\n", len(interventions))
			}
			return nil
		},
	}
}

func newTimelineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "timeline RUN-ID",
		Short: "Show a run's ledger timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := buildStack()
			if err != nil {
				return err
			}
			defer s.Close()

			entries, err := s.led.Timeline(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if jsonOut {
				return printJSON(entries)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SEQ\tTYPE\tWHO\tWHEN")
			for _, e := range entries {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
					e.Sequence, e.Type, e.Provenance.Who,
					e.CreatedAt.Format("15:04:05"))
			}
			return w.Flush()
		},
	}
}

func newCostCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cost RUN-ID",
		Short: "Show a run's cost summary from the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := buildStack()
			if err != nil {
				return err
			}
			defer s.Close()

			summary, err := s.led.CostSummary(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if jsonOut {
				return printJSON(summary)
			}
			fmt.Printf("Run %s: $%.4f over %d entries, %d tokens\n",
				summary.RunID, summary.TotalUSD, summary.Entries, summary.TotalTokens)
			for phase, usd := range summary.ByPhase {
				fmt.Printf("  %-12s $%.4f\n", phase, usd)
			}
			return nil
		},
	}
}
