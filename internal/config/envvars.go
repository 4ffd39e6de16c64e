package config

import (
	"os"
	"strconv"
	"time"
)

// ApplyEnvVars applies CONDUCTOR_* environment overrides to cfg and
// returns the variables that were applied.
func ApplyEnvVars(cfg *Config) []string {
	var applied []string

	setString := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
			applied = append(applied, name)
		}
	}
	setInt := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
				applied = append(applied, name)
			}
		}
	}
	setFloat := func(name string, dst *float64) {
		if v := os.Getenv(name); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
				applied = append(applied, name)
			}
		}
	}
	setBool := func(name string, dst *bool) {
		if v := os.Getenv(name); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
				applied = append(applied, name)
			}
		}
	}
	setDuration := func(name string, dst *time.Duration) {
		if v := os.Getenv(name); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
				applied = append(applied, name)
			}
		}
	}

	setString(EnvPrefix+"DB_DIALECT", &cfg.Database.Dialect)
	setString(EnvPrefix+"DB_DSN", &cfg.Database.DSN)
	setString(EnvPrefix+"LOG_LEVEL", &cfg.Logging.Level)
	setString(EnvPrefix+"LOG_FORMAT", &cfg.Logging.Format)

	setInt(EnvPrefix+"MAX_PHASE_ATTEMPTS", &cfg.Engine.MaxPhaseAttempts)
	setInt(EnvPrefix+"BACKOFF_BASE_MS", &cfg.Engine.BackoffBaseMs)
	setInt(EnvPrefix+"BACKOFF_CAP_MS", &cfg.Engine.BackoffCapMs)
	setDuration(EnvPrefix+"STALL_TIMEOUT", &cfg.Engine.StallTimeout)

	setInt(EnvPrefix+"WORKERS", &cfg.Scheduler.Workers)
	setFloat(EnvPrefix+"PRESSURE_HIGH_WATER", &cfg.Scheduler.PressureHighWater)

	setDuration(EnvPrefix+"DISPATCH_TIMEOUT", &cfg.Dispatch.DefaultTimeout)
	setInt(EnvPrefix+"FAILURE_THRESHOLD", &cfg.Dispatch.FailureThreshold)
	setBool(EnvPrefix+"CACHE_ENABLED", &cfg.Dispatch.CacheEnabled)

	setString(EnvPrefix+"QUOTA_TIER", &cfg.Quota.DefaultTier)
	setDuration(EnvPrefix+"THROTTLE_DURATION", &cfg.Quota.ThrottleDuration)
	setInt(EnvPrefix+"PENALTY_MS", &cfg.Quota.PenaltyMs)

	setFloat(EnvPrefix+"GATE_PASS_THRESHOLD", &cfg.Gate.PassThreshold)
	setInt(EnvPrefix+"GATE_MAX_ATTEMPTS", &cfg.Gate.MaxAttempts)

	setBool(EnvPrefix+"SEM_ENABLED", &cfg.SEM.Enabled)
	setInt(EnvPrefix+"SEM_MAX_PER_PHASE", &cfg.SEM.MaxPerPhase)

	setString(EnvPrefix+"API_ADDR", &cfg.API.Addr)

	return applied
}
