package metrics

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
type Sink interface {
	// Scheduler metrics
	TickStarted()
	TickCompleted(duration time.Duration, fired int, err error)
	TickDrift(drift time.Duration)
	ClaimAttempt(won bool)
	TriggerOutcome(outcome string)
	LeaseRenewed(ok bool)
	LeaseLost(afterDispatch bool)
	StoreError(op string)
	FireLatencyObserve(latencySeconds float64)

	// Dispatcher metrics
	DispatchCompleted(statusClass string, duration time.Duration)

	// Flow index metrics
	IndexRefreshed(duration time.Duration, flows, listeners int, err error)
	IndexStaleness(age time.Duration)

	// Channel bus metrics
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	EmitError()

	// Reconciler metrics
	OrphanedTriggersUpdate(count int)
	TriggersCreated(count int)
}

// Outcome constants for TriggerOutcome. Every claimed trigger ends in exactly
// one of them.
const (
	OutcomeFired          = "fired"
	OutcomeRejected       = "rejected"
	OutcomeEvalError      = "evaluation_error"
	OutcomeOrphaned       = "orphaned"
	OutcomeMalformed      = "malformed"
	OutcomeDispatchFailed = "dispatch_failed"
	OutcomeShutdown       = "released_on_shutdown"
	OutcomeLeaseLost      = "lease_lost"
)

// StatusClass constants for DispatchCompleted.
const (
	StatusClass2xx             = "2xx"
	StatusClass4xx             = "4xx"
	StatusClass5xx             = "5xx"
	StatusClassTimeout         = "timeout"
	StatusClassConnectionError = "connection_error"
	StatusClassCircuitOpen     = "circuit_open"
	StatusClassBufferFull      = "buffer_full"
	StatusClassOtherError      = "other_error"
)

// ClassifyStatus maps a status code and error to a status class.
func ClassifyStatus(statusCode int, err error) string {
	if err != nil {
		errStr := strings.ToLower(err.Error())
		switch {
		case strings.Contains(errStr, "circuit open"):
			return StatusClassCircuitOpen
		case strings.Contains(errStr, "buffer full"):
			return StatusClassBufferFull
		case errors.Is(err, context.DeadlineExceeded) ||
			strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded"):
			return StatusClassTimeout
		case strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host") ||
			strings.Contains(errStr, "network is unreachable") || strings.Contains(errStr, "dial"):
			return StatusClassConnectionError
		}
		if statusCode == 0 {
			return StatusClassOtherError
		}
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusClass2xx
	case statusCode >= 400 && statusCode < 500:
		return StatusClass4xx
	case statusCode >= 500:
		return StatusClass5xx
	default:
		return StatusClassOtherError
	}
}
