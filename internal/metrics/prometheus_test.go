package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func newTestSink(t *testing.T) (*PrometheusSink, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg, nil)
	return sink, reg
}

func getCounterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetCounter() != nil {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func getGaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetGauge() != nil {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	return 0
}

func getCounterVecValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if matchLabels(m.GetLabel(), labels) {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func matchLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, p := range pairs {
		if v, ok := want[p.GetName()]; !ok || v != p.GetValue() {
			return false
		}
	}
	return true
}

func TestPrometheusSink_Registration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if sink := NewPrometheusSink(reg, nil); sink == nil {
		t.Fatal("NewPrometheusSink returned nil")
	}
}

func TestPrometheusSink_TickCompleted(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.TickStarted()
	sink.TickCompleted(100*time.Millisecond, 3, nil)
	sink.TickStarted()
	sink.TickCompleted(100*time.Millisecond, 0, errors.New("db error"))

	if v := getCounterValue(t, reg, "flowsched_scheduler_ticks_total"); v != 2 {
		t.Errorf("ticks_total = %v, want 2", v)
	}
	if v := getCounterValue(t, reg, "flowsched_scheduler_fires_total"); v != 3 {
		t.Errorf("fires_total = %v, want 3", v)
	}
	if v := getCounterValue(t, reg, "flowsched_scheduler_tick_errors_total"); v != 1 {
		t.Errorf("tick_errors_total = %v, want 1", v)
	}
}

func TestPrometheusSink_ClaimsAndOutcomes(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.ClaimAttempt(true)
	sink.ClaimAttempt(false)
	sink.ClaimAttempt(false)
	sink.TriggerOutcome(OutcomeFired)
	sink.TriggerOutcome(OutcomeRejected)
	sink.TriggerOutcome(OutcomeFired)

	if v := getCounterVecValue(t, reg, "flowsched_scheduler_claims_total", map[string]string{"result": "lost"}); v != 2 {
		t.Errorf("claims lost = %v, want 2", v)
	}
	if v := getCounterVecValue(t, reg, "flowsched_scheduler_trigger_outcomes_total", map[string]string{"outcome": OutcomeFired}); v != 2 {
		t.Errorf("outcome fired = %v, want 2", v)
	}
}

func TestPrometheusSink_LeaseLost(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.LeaseLost(true)
	sink.LeaseLost(false)
	sink.LeaseLost(true)

	if v := getCounterVecValue(t, reg, "flowsched_scheduler_lease_lost_total", map[string]string{"after_dispatch": "true"}); v != 2 {
		t.Errorf("lease_lost after dispatch = %v, want 2", v)
	}
}

func TestPrometheusSink_IndexRefreshed(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.IndexRefreshed(time.Millisecond, 4, 9, nil)
	sink.IndexRefreshed(time.Millisecond, 0, 0, errors.New("repository down"))

	if v := getGaugeValue(t, reg, "flowsched_index_flows"); v != 4 {
		t.Errorf("index_flows = %v, want 4 (failed refresh must not reset it)", v)
	}
	if v := getCounterVecValue(t, reg, "flowsched_index_refreshes_total", map[string]string{"result": "error"}); v != 1 {
		t.Errorf("refresh errors = %v, want 1", v)
	}
}

func TestPrometheusSink_BufferAndReconciler(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.BufferCapacitySet(100)
	sink.BufferSizeUpdate(42)
	sink.OrphanedTriggersUpdate(3)
	sink.TriggersCreated(2)

	if v := getGaugeValue(t, reg, "flowsched_bus_buffer_capacity"); v != 100 {
		t.Errorf("buffer_capacity = %v, want 100", v)
	}
	if v := getGaugeValue(t, reg, "flowsched_bus_buffer_size"); v != 42 {
		t.Errorf("buffer_size = %v, want 42", v)
	}
	if v := getGaugeValue(t, reg, "flowsched_reconciler_orphaned_triggers"); v != 3 {
		t.Errorf("orphaned_triggers = %v, want 3", v)
	}
	if v := getCounterValue(t, reg, "flowsched_reconciler_triggers_created_total"); v != 2 {
		t.Errorf("triggers_created = %v, want 2", v)
	}
}

func TestPrometheusSink_DuplicateRegistration_NoPanic(t *testing.T) {
	// The second registration fails for every collector and is only logged.
	reg := prometheus.NewRegistry()

	if sink1 := NewPrometheusSink(reg, nil); sink1 == nil {
		t.Fatal("first NewPrometheusSink returned nil")
	}
	if sink2 := NewPrometheusSink(reg, nil); sink2 == nil {
		t.Fatal("second NewPrometheusSink returned nil")
	}
}

// Verify PrometheusSink implements Sink interface.
var _ Sink = (*PrometheusSink)(nil)
