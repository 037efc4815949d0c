package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	logger *zap.Logger

	// Scheduler metrics
	ticksTotal      prometheus.Counter
	tickErrorsTotal prometheus.Counter
	firesTotal      prometheus.Counter
	tickDuration    prometheus.Histogram
	tickDrift       prometheus.Histogram
	claimsTotal     *prometheus.CounterVec
	outcomesTotal   *prometheus.CounterVec
	renewalsTotal   *prometheus.CounterVec
	leaseLostTotal  *prometheus.CounterVec
	storeErrors     *prometheus.CounterVec
	fireLatency     prometheus.Histogram

	// Dispatcher metrics
	dispatchTotal    *prometheus.CounterVec
	dispatchDuration prometheus.Histogram

	// Flow index metrics
	indexRefreshTotal    *prometheus.CounterVec
	indexRefreshDuration prometheus.Histogram
	indexFlows           prometheus.Gauge
	indexListeners       prometheus.Gauge
	indexStaleness       prometheus.Gauge

	// Channel bus metrics
	bufferSize      prometheus.Gauge
	bufferCapacity  prometheus.Gauge
	emitErrorsTotal prometheus.Counter

	// Reconciler metrics
	orphanedTriggers prometheus.Gauge
	triggersCreated  prometheus.Counter
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer, logger *zap.Logger) *PrometheusSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &PrometheusSink{logger: logger.Named("metrics")}
	s.initSchedulerMetrics(reg)
	s.initDispatcherMetrics(reg)
	s.initIndexMetrics(reg)
	s.initBusMetrics(reg)
	s.initReconcilerMetrics(reg)
	return s
}

func (s *PrometheusSink) initSchedulerMetrics(reg prometheus.Registerer) {
	s.ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flowsched_scheduler_ticks_total",
		Help: "Total number of scheduler ticks processed.",
	})
	s.tickErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flowsched_scheduler_tick_errors_total",
		Help: "Total number of scheduler ticks that failed against the store.",
	})
	s.firesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flowsched_scheduler_fires_total",
		Help: "Total number of committed trigger fires.",
	})
	s.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "flowsched_scheduler_tick_duration_seconds",
		Help:    "Duration of each scheduler tick in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})
	s.tickDrift = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "flowsched_scheduler_tick_drift_seconds",
		Help:    "Difference between actual tick time and expected interval in seconds.",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})
	s.claimsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowsched_scheduler_claims_total",
		Help: "Claim attempts by result.",
	}, []string{"result"})
	s.outcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowsched_scheduler_trigger_outcomes_total",
		Help: "Final outcome of each claimed trigger.",
	}, []string{"outcome"})
	s.renewalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowsched_scheduler_lease_renewals_total",
		Help: "Lease renewals by result.",
	}, []string{"result"})
	s.leaseLostTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowsched_scheduler_lease_lost_total",
		Help: "Leases found reclaimed by another instance at commit or release.",
	}, []string{"after_dispatch"})
	s.storeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowsched_scheduler_store_errors_total",
		Help: "Trigger store errors by operation.",
	}, []string{"op"})
	s.fireLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "flowsched_scheduler_fire_latency_seconds",
		Help:    "Delay between a trigger's scheduled instant and its dispatch.",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
	})

	s.register(reg, s.ticksTotal, "flowsched_scheduler_ticks_total")
	s.register(reg, s.tickErrorsTotal, "flowsched_scheduler_tick_errors_total")
	s.register(reg, s.firesTotal, "flowsched_scheduler_fires_total")
	s.register(reg, s.tickDuration, "flowsched_scheduler_tick_duration_seconds")
	s.register(reg, s.tickDrift, "flowsched_scheduler_tick_drift_seconds")
	s.register(reg, s.claimsTotal, "flowsched_scheduler_claims_total")
	s.register(reg, s.outcomesTotal, "flowsched_scheduler_trigger_outcomes_total")
	s.register(reg, s.renewalsTotal, "flowsched_scheduler_lease_renewals_total")
	s.register(reg, s.leaseLostTotal, "flowsched_scheduler_lease_lost_total")
	s.register(reg, s.storeErrors, "flowsched_scheduler_store_errors_total")
	s.register(reg, s.fireLatency, "flowsched_scheduler_fire_latency_seconds")
}

func (s *PrometheusSink) initDispatcherMetrics(reg prometheus.Registerer) {
	s.dispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowsched_dispatcher_dispatches_total",
		Help: "Execution-creation calls by status class.",
	}, []string{"status_class"})
	s.dispatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "flowsched_dispatcher_duration_seconds",
		Help:    "Execution-creation call latency in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	s.register(reg, s.dispatchTotal, "flowsched_dispatcher_dispatches_total")
	s.register(reg, s.dispatchDuration, "flowsched_dispatcher_duration_seconds")
}

func (s *PrometheusSink) initIndexMetrics(reg prometheus.Registerer) {
	s.indexRefreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowsched_index_refreshes_total",
		Help: "Flow index refreshes by result.",
	}, []string{"result"})
	s.indexRefreshDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "flowsched_index_refresh_duration_seconds",
		Help:    "Duration of flow index refreshes in seconds.",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})
	s.indexFlows = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flowsched_index_flows",
		Help: "Enabled flows in the current snapshot.",
	})
	s.indexListeners = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flowsched_index_listeners",
		Help: "Listeners in the current snapshot.",
	})
	s.indexStaleness = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flowsched_index_staleness_seconds",
		Help: "Age of the snapshot used by the latest tick.",
	})

	s.register(reg, s.indexRefreshTotal, "flowsched_index_refreshes_total")
	s.register(reg, s.indexRefreshDuration, "flowsched_index_refresh_duration_seconds")
	s.register(reg, s.indexFlows, "flowsched_index_flows")
	s.register(reg, s.indexListeners, "flowsched_index_listeners")
	s.register(reg, s.indexStaleness, "flowsched_index_staleness_seconds")
}

func (s *PrometheusSink) initBusMetrics(reg prometheus.Registerer) {
	s.bufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flowsched_bus_buffer_size",
		Help: "Current number of execution requests in the channel bus buffer.",
	})
	s.bufferCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flowsched_bus_buffer_capacity",
		Help: "Capacity of the channel bus buffer.",
	})
	s.emitErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flowsched_bus_emit_errors_total",
		Help: "Total number of emit errors (buffer full).",
	})

	s.register(reg, s.bufferSize, "flowsched_bus_buffer_size")
	s.register(reg, s.bufferCapacity, "flowsched_bus_buffer_capacity")
	s.register(reg, s.emitErrorsTotal, "flowsched_bus_emit_errors_total")
}

func (s *PrometheusSink) initReconcilerMetrics(reg prometheus.Registerer) {
	s.orphanedTriggers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flowsched_reconciler_orphaned_triggers",
		Help: "Trigger rows whose flow is no longer enabled.",
	})
	s.triggersCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flowsched_reconciler_triggers_created_total",
		Help: "Trigger rows created for newly enabled flows.",
	})

	s.register(reg, s.orphanedTriggers, "flowsched_reconciler_orphaned_triggers")
	s.register(reg, s.triggersCreated, "flowsched_reconciler_triggers_created_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.logger.Warn("failed to register collector", zap.String("metric", name), zap.Error(err))
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func wonLabel(ok bool) string {
	if ok {
		return "won"
	}
	return "lost"
}

// Scheduler metrics implementation

func (s *PrometheusSink) TickStarted() {
	s.ticksTotal.Inc()
}

func (s *PrometheusSink) TickCompleted(duration time.Duration, fired int, err error) {
	s.tickDuration.Observe(duration.Seconds())
	s.firesTotal.Add(float64(fired))
	if err != nil {
		s.tickErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) TickDrift(drift time.Duration) {
	d := drift.Seconds()
	if d < 0 {
		d = -d
	}
	s.tickDrift.Observe(d)
}

func (s *PrometheusSink) ClaimAttempt(won bool) {
	s.claimsTotal.WithLabelValues(wonLabel(won)).Inc()
}

func (s *PrometheusSink) TriggerOutcome(outcome string) {
	s.outcomesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) LeaseRenewed(ok bool) {
	s.renewalsTotal.WithLabelValues(wonLabel(ok)).Inc()
}

func (s *PrometheusSink) LeaseLost(afterDispatch bool) {
	s.leaseLostTotal.WithLabelValues(boolLabel(afterDispatch)).Inc()
}

func (s *PrometheusSink) StoreError(op string) {
	s.storeErrors.WithLabelValues(op).Inc()
}

func (s *PrometheusSink) FireLatencyObserve(latencySeconds float64) {
	s.fireLatency.Observe(latencySeconds)
}

// Dispatcher metrics implementation

func (s *PrometheusSink) DispatchCompleted(statusClass string, duration time.Duration) {
	s.dispatchTotal.WithLabelValues(statusClass).Inc()
	s.dispatchDuration.Observe(duration.Seconds())
}

// Flow index metrics implementation

func (s *PrometheusSink) IndexRefreshed(duration time.Duration, flows, listeners int, err error) {
	s.indexRefreshDuration.Observe(duration.Seconds())
	if err != nil {
		s.indexRefreshTotal.WithLabelValues("error").Inc()
		return
	}
	s.indexRefreshTotal.WithLabelValues("ok").Inc()
	s.indexFlows.Set(float64(flows))
	s.indexListeners.Set(float64(listeners))
}

func (s *PrometheusSink) IndexStaleness(age time.Duration) {
	s.indexStaleness.Set(age.Seconds())
}

// Channel bus metrics implementation

func (s *PrometheusSink) BufferSizeUpdate(size int) {
	s.bufferSize.Set(float64(size))
}

func (s *PrometheusSink) BufferCapacitySet(capacity int) {
	s.bufferCapacity.Set(float64(capacity))
}

func (s *PrometheusSink) EmitError() {
	s.emitErrorsTotal.Inc()
}

// Reconciler metrics implementation

func (s *PrometheusSink) OrphanedTriggersUpdate(count int) {
	s.orphanedTriggers.Set(float64(count))
}

func (s *PrometheusSink) TriggersCreated(count int) {
	s.triggersCreated.Add(float64(count))
}
