package config

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

// Config holds all configuration for flowsched. Values come from environment
// variables, optionally layered over a YAML file; see SetDefaults for the
// full key list.
type Config struct {
	DatabaseDriver          string        `json:"database_driver"`
	DatabaseURL             string        `json:"database_url"`
	DBOpTimeout             time.Duration `json:"-"`
	DBOpTimeoutStr          string        `json:"db_op_timeout"`
	DBMaxOpenConns          int           `json:"db_max_open_conns"`
	SchedulerID             string        `json:"scheduler_id"`
	TickInterval            time.Duration `json:"-"`
	TickIntervalStr         string        `json:"tick_interval"`
	LeaseDuration           time.Duration `json:"-"`
	LeaseDurationStr        string        `json:"lease_duration"`
	LeaseRenewInterval      time.Duration `json:"-"`
	LeaseRenewIntervalStr   string        `json:"lease_renew_interval"`
	SchedulerWorkers        int           `json:"scheduler_workers"`
	SchedulerBatchSize      int           `json:"scheduler_batch_size"`
	CatchUpPolicy           string        `json:"catch_up_policy"`
	ClockSource             string        `json:"clock_source"`
	FlowsDir                string        `json:"flows_dir"`
	FlowsRefreshInterval    time.Duration `json:"-"`
	FlowsRefreshIntervalStr string        `json:"flows_refresh_interval"`
	FlowsWatch              bool          `json:"flows_watch"`
	RedisAddr               string        `json:"redis_addr,omitempty"`
	NotifyChannel           string        `json:"notify_channel"`
	AnalyticsRetention      time.Duration `json:"-"`
	AnalyticsRetentionStr   string        `json:"analytics_retention"`

	// ExecutionMode: "webhook" (POST to EXECUTION_URL) or "channel" (in-process).
	ExecutionMode      string        `json:"execution_mode"`
	ExecutionURL       string        `json:"execution_url,omitempty"`
	ExecutionSecret    string        `json:"execution_secret,omitempty"`
	DispatchTimeout    time.Duration `json:"-"`
	DispatchTimeoutStr string        `json:"dispatch_timeout"`

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold   int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown    time.Duration `json:"-"`
	CircuitBreakerCooldownStr string        `json:"circuit_breaker_cooldown"`

	HTTPAddr               string        `json:"http_addr"`
	HTTPShutdownTimeout    time.Duration `json:"-"`
	HTTPShutdownTimeoutStr string        `json:"http_shutdown_timeout"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsAddr    string `json:"metrics_addr"`
	MetricsPath    string `json:"metrics_path"`

	ReconcileEnabled     bool          `json:"reconcile_enabled"`
	ReconcileInterval    time.Duration `json:"-"`
	ReconcileIntervalStr string        `json:"reconcile_interval"`

	LogLevel string `json:"log_level"`
	LogJSON  bool   `json:"log_json"`
}

// SetDefaults registers every key with its default. Keys are the lower-case
// environment variable names.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database_driver", "postgres")
	v.SetDefault("database_url", "")
	v.SetDefault("db_op_timeout", "5s")
	v.SetDefault("db_max_open_conns", 10)
	v.SetDefault("scheduler_id", "")

	v.SetDefault("tick_interval", "1s")
	v.SetDefault("lease_duration", "30s")
	v.SetDefault("lease_renew_interval", "10s")
	v.SetDefault("scheduler_workers", 8)
	v.SetDefault("scheduler_batch_size", 500)
	v.SetDefault("catch_up_policy", "collapse")
	v.SetDefault("clock_source", "local")

	v.SetDefault("flows_dir", "flows")
	v.SetDefault("flows_refresh_interval", "10s")
	v.SetDefault("flows_watch", true)

	v.SetDefault("redis_addr", "")
	v.SetDefault("notify_channel", "flowsched:flows")
	v.SetDefault("analytics_retention", "24h")

	v.SetDefault("execution_mode", "webhook")
	v.SetDefault("execution_url", "")
	v.SetDefault("execution_secret", "")
	v.SetDefault("dispatch_timeout", "10s")
	v.SetDefault("circuit_breaker_threshold", 5)
	v.SetDefault("circuit_breaker_cooldown", "2m")

	v.SetDefault("http_addr", ":8080")
	v.SetDefault("http_shutdown_timeout", "10s")

	v.SetDefault("metrics_enabled", true)
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("metrics_path", "/metrics")

	v.SetDefault("reconcile_enabled", true)
	v.SetDefault("reconcile_interval", "30s")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", true)
}

// NewViper returns a viper instance reading the environment and, when
// configFile is set, a YAML file underneath it.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", configFile)
		}
	}
	return v, nil
}

// Load reads the configuration with defaults. Malformed durations are left
// zero and reported by Validate.
func Load(v *viper.Viper) Config {
	cfg := Config{
		DatabaseDriver:            strings.ToLower(v.GetString("database_driver")),
		DatabaseURL:               v.GetString("database_url"),
		DBOpTimeoutStr:            v.GetString("db_op_timeout"),
		DBMaxOpenConns:            v.GetInt("db_max_open_conns"),
		SchedulerID:               v.GetString("scheduler_id"),
		TickIntervalStr:           v.GetString("tick_interval"),
		LeaseDurationStr:          v.GetString("lease_duration"),
		LeaseRenewIntervalStr:     v.GetString("lease_renew_interval"),
		SchedulerWorkers:          v.GetInt("scheduler_workers"),
		SchedulerBatchSize:        v.GetInt("scheduler_batch_size"),
		CatchUpPolicy:             strings.ToLower(v.GetString("catch_up_policy")),
		ClockSource:               strings.ToLower(v.GetString("clock_source")),
		FlowsDir:                  v.GetString("flows_dir"),
		FlowsRefreshIntervalStr:   v.GetString("flows_refresh_interval"),
		FlowsWatch:                v.GetBool("flows_watch"),
		RedisAddr:                 v.GetString("redis_addr"),
		NotifyChannel:             v.GetString("notify_channel"),
		AnalyticsRetentionStr:     v.GetString("analytics_retention"),
		ExecutionMode:             strings.ToLower(v.GetString("execution_mode")),
		ExecutionURL:              v.GetString("execution_url"),
		ExecutionSecret:           v.GetString("execution_secret"),
		DispatchTimeoutStr:        v.GetString("dispatch_timeout"),
		CircuitBreakerThreshold:   v.GetInt("circuit_breaker_threshold"),
		CircuitBreakerCooldownStr: v.GetString("circuit_breaker_cooldown"),
		HTTPAddr:                  v.GetString("http_addr"),
		HTTPShutdownTimeoutStr:    v.GetString("http_shutdown_timeout"),
		MetricsEnabled:            v.GetBool("metrics_enabled"),
		MetricsAddr:               v.GetString("metrics_addr"),
		MetricsPath:               v.GetString("metrics_path"),
		ReconcileEnabled:          v.GetBool("reconcile_enabled"),
		ReconcileIntervalStr:      v.GetString("reconcile_interval"),
		LogLevel:                  v.GetString("log_level"),
		LogJSON:                   v.GetBool("log_json"),
	}

	if cfg.DatabaseDriver == "sqlite" && cfg.DatabaseURL == "" {
		cfg.DatabaseURL = "flowsched.db"
	}

	// Parse durations; validation is handled separately by Validate().
	parse := func(s string, dst *time.Duration) {
		if d, err := time.ParseDuration(s); err == nil {
			*dst = d
		}
	}
	parse(cfg.DBOpTimeoutStr, &cfg.DBOpTimeout)
	parse(cfg.TickIntervalStr, &cfg.TickInterval)
	parse(cfg.LeaseDurationStr, &cfg.LeaseDuration)
	parse(cfg.LeaseRenewIntervalStr, &cfg.LeaseRenewInterval)
	parse(cfg.FlowsRefreshIntervalStr, &cfg.FlowsRefreshInterval)
	parse(cfg.AnalyticsRetentionStr, &cfg.AnalyticsRetention)
	parse(cfg.DispatchTimeoutStr, &cfg.DispatchTimeout)
	parse(cfg.CircuitBreakerCooldownStr, &cfg.CircuitBreakerCooldown)
	parse(cfg.HTTPShutdownTimeoutStr, &cfg.HTTPShutdownTimeout)
	parse(cfg.ReconcileIntervalStr, &cfg.ReconcileInterval)

	return cfg
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	c.DatabaseURL = maskSecret(c.DatabaseURL)
	if c.ExecutionSecret != "" {
		c.ExecutionSecret = "***"
	}
	return json.MarshalIndent(c, "", "  ")
}

// maskSecret masks a connection string, preserving only the URI scheme if
// present. A bare sqlite path carries no credentials and is kept.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if i := strings.Index(s, "://"); i > 0 {
		return s[:i+3] + "***"
	}
	if strings.ContainsAny(s, "@=") {
		return "***"
	}
	return s
}
