package main

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/djlord-it/flowsched/internal/config"
)

type configWarning struct {
	level   zapcore.Level
	message string
}

// configWarnings lists settings that are valid but risky in production.
func configWarnings(cfg config.Config) []configWarning {
	var out []configWarning
	warn := func(msg string) { out = append(out, configWarning{zapcore.WarnLevel, msg}) }
	info := func(msg string) { out = append(out, configWarning{zapcore.InfoLevel, msg}) }

	clustered := cfg.DatabaseDriver != "sqlite"

	if !cfg.ReconcileEnabled {
		warn("RECONCILE_ENABLED=false: trigger rows are not created for new flows and changed schedules are not picked up")
	}
	if !cfg.MetricsEnabled {
		warn("METRICS_ENABLED=false: lost leases and dispatch failures are only visible in logs")
	}
	if cfg.ExecutionMode == "webhook" && cfg.ExecutionSecret == "" {
		warn("EXECUTION_SECRET is empty: execution requests are sent unsigned")
	}
	if cfg.ExecutionMode == "channel" && clustered {
		info("EXECUTION_MODE=channel with a shared database: each instance runs the executions it fires in-process")
	}
	if cfg.ClockSource == "local" && clustered {
		info("CLOCK_SOURCE=local with a shared database: instance clocks must agree within LEASE_DURATION - LEASE_RENEW_INTERVAL")
	}
	if cfg.RedisAddr == "" {
		info("REDIS_ADDR not set: change notifications and fire analytics are disabled")
	}
	if cfg.CircuitBreakerThreshold == 0 {
		info("CIRCUIT_BREAKER_THRESHOLD=0: circuit breaker disabled")
	}
	return out
}

func logConfigWarnings(logger *zap.Logger, cfg config.Config) {
	for _, w := range configWarnings(cfg) {
		logger.Log(w.level, w.message)
	}
}
