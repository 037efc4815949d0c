package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) TickStarted()                                               {}
func (n *NoopSink) TickCompleted(duration time.Duration, fired int, err error) {}
func (n *NoopSink) TickDrift(drift time.Duration)                              {}
func (n *NoopSink) ClaimAttempt(won bool)                                      {}
func (n *NoopSink) TriggerOutcome(outcome string)                              {}
func (n *NoopSink) LeaseRenewed(ok bool)                                       {}
func (n *NoopSink) LeaseLost(afterDispatch bool)                               {}
func (n *NoopSink) StoreError(op string)                                       {}
func (n *NoopSink) FireLatencyObserve(latencySeconds float64)                  {}
func (n *NoopSink) DispatchCompleted(statusClass string, d time.Duration)      {}
func (n *NoopSink) IndexRefreshed(d time.Duration, flows, listeners int, err error) {
}
func (n *NoopSink) IndexStaleness(age time.Duration) {}
func (n *NoopSink) BufferSizeUpdate(size int)        {}
func (n *NoopSink) BufferCapacitySet(capacity int)   {}
func (n *NoopSink) EmitError()                       {}
func (n *NoopSink) OrphanedTriggersUpdate(count int) {}
func (n *NoopSink) TriggersCreated(count int)        {}
