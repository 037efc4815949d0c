package config

import (
	"fmt"
	"time"

	"github.com/djlord-it/flowsched/internal/logging"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	switch cfg.DatabaseDriver {
	case "postgres", "mysql":
		if cfg.DatabaseURL == "" {
			add("DATABASE_URL", "required")
		}
	case "sqlite":
	default:
		add("DATABASE_DRIVER", "must be 'postgres', 'sqlite' or 'mysql', got %q", cfg.DatabaseDriver)
	}

	durations := []struct {
		field string
		raw   string
	}{
		{"DB_OP_TIMEOUT", cfg.DBOpTimeoutStr},
		{"TICK_INTERVAL", cfg.TickIntervalStr},
		{"LEASE_DURATION", cfg.LeaseDurationStr},
		{"LEASE_RENEW_INTERVAL", cfg.LeaseRenewIntervalStr},
		{"FLOWS_REFRESH_INTERVAL", cfg.FlowsRefreshIntervalStr},
		{"ANALYTICS_RETENTION", cfg.AnalyticsRetentionStr},
		{"DISPATCH_TIMEOUT", cfg.DispatchTimeoutStr},
		{"CIRCUIT_BREAKER_COOLDOWN", cfg.CircuitBreakerCooldownStr},
		{"HTTP_SHUTDOWN_TIMEOUT", cfg.HTTPShutdownTimeoutStr},
		{"RECONCILE_INTERVAL", cfg.ReconcileIntervalStr},
	}
	durationsOK := true
	for _, d := range durations {
		v, err := time.ParseDuration(d.raw)
		switch {
		case err != nil:
			add(d.field, "invalid duration: %v", err)
			durationsOK = false
		case v <= 0:
			add(d.field, "must be positive")
			durationsOK = false
		}
	}

	// A lease that can expire between renewals, or within one tick, lets a
	// second instance claim a trigger that is still being dispatched.
	if durationsOK {
		if cfg.LeaseDuration <= cfg.LeaseRenewInterval {
			add("LEASE_DURATION", "must be greater than LEASE_RENEW_INTERVAL (%s <= %s)", cfg.LeaseDuration, cfg.LeaseRenewInterval)
		}
		if cfg.LeaseDuration <= cfg.TickInterval {
			add("LEASE_DURATION", "must be greater than TICK_INTERVAL (%s <= %s)", cfg.LeaseDuration, cfg.TickInterval)
		}
	}

	if cfg.SchedulerWorkers <= 0 {
		add("SCHEDULER_WORKERS", "must be a positive integer")
	}
	if cfg.SchedulerBatchSize <= 0 {
		add("SCHEDULER_BATCH_SIZE", "must be a positive integer")
	}
	if cfg.DBMaxOpenConns <= 0 {
		add("DB_MAX_OPEN_CONNS", "must be a positive integer")
	}
	if cfg.CircuitBreakerThreshold < 0 {
		add("CIRCUIT_BREAKER_THRESHOLD", "must not be negative")
	}

	if cfg.CatchUpPolicy != "collapse" && cfg.CatchUpPolicy != "all" {
		add("CATCH_UP_POLICY", "must be 'collapse' or 'all', got %q", cfg.CatchUpPolicy)
	}
	if cfg.ClockSource != "local" && cfg.ClockSource != "database" {
		add("CLOCK_SOURCE", "must be 'local' or 'database', got %q", cfg.ClockSource)
	}

	switch cfg.ExecutionMode {
	case "webhook":
		if cfg.ExecutionURL == "" {
			add("EXECUTION_URL", "required when EXECUTION_MODE=webhook")
		}
	case "channel":
	default:
		add("EXECUTION_MODE", "must be 'webhook' or 'channel', got %q", cfg.ExecutionMode)
	}

	if cfg.FlowsDir == "" {
		add("FLOWS_DIR", "required")
	}
	if cfg.MetricsEnabled && cfg.MetricsAddr == cfg.HTTPAddr {
		add("METRICS_ADDR", "must differ from HTTP_ADDR")
	}
	if _, err := logging.ParseLevel(cfg.LogLevel); err != nil {
		add("LOG_LEVEL", "%v", err)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
