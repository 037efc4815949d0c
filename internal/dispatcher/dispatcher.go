// Package dispatcher hands fired triggers to the execution-creation
// collaborator. It is called synchronously by the scheduler while the
// trigger's lease is held, so every attempt is bounded by a timeout.
package dispatcher

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/djlord-it/flowsched/internal/circuitbreaker"
	"github.com/djlord-it/flowsched/internal/domain"
	"github.com/djlord-it/flowsched/internal/metrics"
)

// Retries stay short: the whole call runs inside the trigger lease, and a
// failed dispatch is retried on the next tick anyway.
var defaultBackoff = []time.Duration{
	0,
	500 * time.Millisecond,
	2 * time.Second,
}

const (
	maxAttempts    = 3
	defaultTimeout = 10 * time.Second
)

// ExecutionCreator creates one execution per call. Implementations receive
// the request's IdempotencyKey and should use it to drop duplicates.
type ExecutionCreator interface {
	Create(ctx context.Context, req domain.ExecutionRequest) (domain.ExecutionHandle, error)
}

type AnalyticsSink interface {
	Record(ctx context.Context, req domain.ExecutionRequest, config domain.AnalyticsConfig)
}

type Dispatcher struct {
	creator      ExecutionCreator
	breaker      *circuitbreaker.CircuitBreaker // optional, nil = disabled
	analytics    AnalyticsSink                  // optional, nil = disabled
	analyticsCfg domain.AnalyticsConfig
	metrics      metrics.Sink
	logger       *zap.Logger
	timeout      time.Duration
	backoff      []time.Duration
	attempts     int
}

func New(creator ExecutionCreator, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		creator:  creator,
		metrics:  metrics.NewNoopSink(),
		logger:   logger.Named("dispatcher"),
		timeout:  defaultTimeout,
		backoff:  defaultBackoff,
		attempts: maxAttempts,
	}
}

// WithTimeout bounds each attempt.
func (d *Dispatcher) WithTimeout(timeout time.Duration) *Dispatcher {
	if timeout > 0 {
		d.timeout = timeout
	}
	return d
}

// WithRetry overrides the attempt count and the pause before each attempt.
func (d *Dispatcher) WithRetry(attempts int, backoff []time.Duration) *Dispatcher {
	if attempts > 0 {
		d.attempts = attempts
	}
	if len(backoff) > 0 {
		d.backoff = backoff
	}
	return d
}

// WithCircuitBreaker stops calling the creator for a flow whose executions
// keep failing.
func (d *Dispatcher) WithCircuitBreaker(cb *circuitbreaker.CircuitBreaker) *Dispatcher {
	d.breaker = cb
	return d
}

func (d *Dispatcher) WithAnalytics(sink AnalyticsSink, config domain.AnalyticsConfig) *Dispatcher {
	d.analytics = sink
	d.analyticsCfg = config
	return d
}

func (d *Dispatcher) WithMetrics(sink metrics.Sink) *Dispatcher {
	if sink != nil {
		d.metrics = sink
	}
	return d
}

// Dispatch creates the execution for req. A nil error means the creator
// acknowledged it and returned a handle.
func (d *Dispatcher) Dispatch(ctx context.Context, req domain.ExecutionRequest) (domain.ExecutionHandle, error) {
	key := req.Trigger.FlowKey()
	if d.breaker != nil {
		if err := d.breaker.Allow(key); err != nil {
			d.metrics.DispatchCompleted(metrics.StatusClassCircuitOpen, 0)
			return domain.ExecutionHandle{}, err
		}
	}

	var lastErr error
	for attempt := 1; attempt <= d.attempts; attempt++ {
		if attempt > 1 {
			if err := d.wait(ctx, attempt); err != nil {
				return domain.ExecutionHandle{}, errors.WithSecondaryError(err, lastErr)
			}
		}

		handle, err := d.attempt(ctx, req)
		if err == nil {
			if d.breaker != nil {
				d.breaker.RecordSuccess(key)
			}
			d.writeAnalytics(ctx, req)
			return handle, nil
		}
		lastErr = err

		if !Retryable(err) || ctx.Err() != nil {
			break
		}
		d.logger.Debug("attempt failed",
			zap.Stringer("trigger", req.Trigger),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	if d.breaker != nil {
		d.breaker.RecordFailure(key)
	}
	return domain.ExecutionHandle{}, errors.Wrapf(lastErr, "dispatch %s", req.Trigger)
}

func (d *Dispatcher) attempt(ctx context.Context, req domain.ExecutionRequest) (domain.ExecutionHandle, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	handle, err := d.creator.Create(ctx, req)
	code := 0
	var se *StatusError
	if errors.As(err, &se) {
		code = se.Code
	} else if err == nil {
		code = 200
	}
	d.metrics.DispatchCompleted(metrics.ClassifyStatus(code, err), time.Since(start))
	return handle, err
}

func (d *Dispatcher) wait(ctx context.Context, attempt int) error {
	idx := attempt - 1
	if idx >= len(d.backoff) {
		idx = len(d.backoff) - 1
	}
	delay := d.backoff[idx]
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// writeAnalytics is best-effort; the sink handles its own errors.
func (d *Dispatcher) writeAnalytics(ctx context.Context, req domain.ExecutionRequest) {
	if d.analytics == nil || !d.analyticsCfg.Enabled {
		return
	}
	d.analytics.Record(ctx, req, d.analyticsCfg)
}
