package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ideamine/conductor/internal/api"
	"github.com/ideamine/conductor/internal/config"
	"github.com/ideamine/conductor/internal/lock"
	"github.com/ideamine/conductor/internal/quota"
	"github.com/ideamine/conductor/internal/sched"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API and event stream server",
		RunE: func(cmd *cobra.Command, args []string) error {
			guard := lock.NewGuard(config.ConductorDir)
			if err := guard.Acquire(); err != nil {
				return err
			}
			defer guard.Release()

			s, err := buildStack()
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			monitor := sched.NewMonitor(s.sched,
				sched.HeapSampler(0),
				s.cfg.Scheduler.PressureHighWater,
				s.cfg.Scheduler.PressureInterval,
				s.logger)
			monitor.Start()
			defer monitor.Stop()

			s.hb.Start()
			defer s.hb.Stop()

			maintenance := quota.NewMaintenance(s.enforcer, s.db,
				s.cfg.Quota.MaintenanceSchedule, s.logger)
			if err := maintenance.Start(); err != nil {
				return err
			}
			defer maintenance.Stop()

			if addr == "" {
				addr = s.cfg.API.Addr
			}
			server := api.New(s.db, s.led, s.pub,
				api.WithAddr(addr),
				api.WithLogger(s.logger),
				api.WithEngine(s.eng))
			return server.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}
