package domain

import "time"

// AnalyticsConfig controls the per-flow fire counters kept in Redis.
type AnalyticsConfig struct {
	Enabled   bool
	Window    time.Duration // bucket width, 1m by default
	Retention time.Duration // TTL, must be >= Window
}
