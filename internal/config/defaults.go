package config

import "time"

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Dialect: "sqlite",
			DSN:     ".conductor/conductor.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Engine: EngineConfig{
			MaxPhaseAttempts:  3,
			BackoffBaseMs:     1000,
			BackoffCapMs:      30000,
			HeartbeatInterval: 15 * time.Second,
			StallTimeout:      10 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			Workers:           4,
			QueueCapacity:     0,
			PressureHighWater: 0.85,
			PressureInterval:  5 * time.Second,
		},
		Dispatch: DispatchConfig{
			DefaultTimeout:   10 * time.Minute,
			FailureThreshold: 3,
			CacheEnabled:     true,
		},
		Quota: QuotaConfig{
			DefaultTier:         "standard",
			ThrottleDuration:    5 * time.Minute,
			PenaltyMs:           5000,
			MaintenanceSchedule: "@every 10m",
			RetentionDays:       30,
		},
		Budget: BudgetConfig{
			WarnThreshold:     0.50,
			ThrottleThreshold: 0.80,
			PauseThreshold:    0.95,
		},
		Gate: GateConfig{
			PassThreshold: 70,
			MarginError:   10,
			MaxAttempts:   3,
		},
		SEM: SEMConfig{
			Enabled:      true,
			MaxPerPhase:  2,
			MaxPlanSteps: 8,
			AllowedTools: []string{
				"fs.read", "fs.patch", "exec.test", "exec.lint",
				"artifact.read", "artifact.write",
			},
			StepTimeout: 2 * time.Minute,
		},
		API: APIConfig{
			Addr:         "127.0.0.1:7433",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
	}
}
