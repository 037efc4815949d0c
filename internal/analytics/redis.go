// Package analytics keeps per-trigger fire counters in Redis, bucketed by
// time window.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/djlord-it/flowsched/internal/domain"
)

const (
	defaultWindow    = time.Minute
	defaultRetention = 24 * time.Hour
)

type RedisSink struct {
	client redis.UniversalClient
	logger *zap.Logger
}

func NewRedisSink(client redis.UniversalClient, logger *zap.Logger) *RedisSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisSink{client: client, logger: logger.Named("analytics")}
}

// Record counts one fire. Failures are logged, never returned: analytics
// must not affect dispatch.
func (s *RedisSink) Record(ctx context.Context, req domain.ExecutionRequest, config domain.AnalyticsConfig) {
	if err := s.Write(ctx, req, config); err != nil {
		s.logger.Warn("record fire", zap.Stringer("trigger", req.Trigger), zap.Error(err))
	}
}

func (s *RedisSink) Write(ctx context.Context, req domain.ExecutionRequest, config domain.AnalyticsConfig) error {
	if !config.Enabled {
		return nil
	}
	window, retention := normalize(config)

	key := buildKey(req.Trigger, req.ScheduledAt, window)
	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "redis pipeline")
	}
	return nil
}

// Count returns the fires recorded for ref in the bucket containing at.
func (s *RedisSink) Count(ctx context.Context, ref domain.TriggerRef, at time.Time, window time.Duration) (int64, error) {
	if window <= 0 {
		window = defaultWindow
	}
	n, err := s.client.Get(ctx, buildKey(ref, at, window)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "redis get")
	}
	return n, nil
}

func normalize(config domain.AnalyticsConfig) (window, retention time.Duration) {
	window, retention = config.Window, config.Retention
	if window <= 0 {
		window = defaultWindow
	}
	if retention < window {
		retention = defaultRetention
	}
	return window, retention
}

func buildKey(ref domain.TriggerRef, t time.Time, window time.Duration) string {
	return fmt.Sprintf("fs:%s:%s:%s:fires:%s", ref.Namespace, ref.FlowID, ref.TriggerID, truncateToBucket(t, window))
}

func truncateToBucket(t time.Time, window time.Duration) string {
	t = t.UTC()
	switch window {
	case 5 * time.Minute:
		minute := (t.Minute() / 5) * 5
		return t.Format("2006010215") + fmt.Sprintf("%02d", minute)
	case time.Hour:
		return t.Format("2006010215")
	case 24 * time.Hour:
		return t.Format("20060102")
	default:
		return t.Format("200601021504")
	}
}
