package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djlord-it/flowsched/internal/circuitbreaker"
	"github.com/djlord-it/flowsched/internal/domain"
	"github.com/djlord-it/flowsched/internal/testutil"
)

// mockCreator returns the queued errors in order, then succeeds.
type mockCreator struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (c *mockCreator) Create(ctx context.Context, req domain.ExecutionRequest) (domain.ExecutionHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		return domain.ExecutionHandle{}, err
	}
	return domain.ExecutionHandle{ID: "exec-1"}, nil
}

func (c *mockCreator) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type mockAnalytics struct {
	mu   sync.Mutex
	reqs []domain.ExecutionRequest
}

func (a *mockAnalytics) Record(ctx context.Context, req domain.ExecutionRequest, config domain.AnalyticsConfig) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reqs = append(a.reqs, req)
}

func newTestRequest() domain.ExecutionRequest {
	ref := domain.TriggerRef{Namespace: "ns", FlowID: "report", TriggerID: "t0"}
	return domain.ExecutionRequest{
		Trigger:        ref,
		ScheduledAt:    testutil.At(10, 0, 0),
		FiredAt:        testutil.At(10, 0, 1),
		IdempotencyKey: domain.IdempotencyKey(ref, testutil.At(10, 0, 0)),
		SchedulerID:    "a",
	}
}

func fastRetry(d *Dispatcher) *Dispatcher {
	return d.WithRetry(3, []time.Duration{0, time.Millisecond})
}

func TestDispatcher_Success(t *testing.T) {
	creator := &mockCreator{}
	d := New(creator, nil)

	handle, err := d.Dispatch(testutil.TestContext(t), newTestRequest())
	require.NoError(t, err)
	assert.Equal(t, "exec-1", handle.ID)
	assert.Equal(t, 1, creator.callCount())
}

func TestDispatcher_RetryBounded(t *testing.T) {
	creator := &mockCreator{errs: []error{
		&StatusError{Code: 503}, &StatusError{Code: 503}, &StatusError{Code: 503}, &StatusError{Code: 503},
	}}
	d := fastRetry(New(creator, nil))

	_, err := d.Dispatch(testutil.TestContext(t), newTestRequest())
	require.Error(t, err)
	assert.Equal(t, 3, creator.callCount())

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 503, se.Code)
}

func TestDispatcher_RetryThenSucceed(t *testing.T) {
	creator := &mockCreator{errs: []error{&StatusError{Code: 429}}}
	d := fastRetry(New(creator, nil))

	handle, err := d.Dispatch(testutil.TestContext(t), newTestRequest())
	require.NoError(t, err)
	assert.Equal(t, "exec-1", handle.ID)
	assert.Equal(t, 2, creator.callCount())
}

func TestDispatcher_NonRetryableStopsImmediately(t *testing.T) {
	creator := &mockCreator{errs: []error{&StatusError{Code: 400}}}
	d := fastRetry(New(creator, nil))

	_, err := d.Dispatch(testutil.TestContext(t), newTestRequest())
	require.Error(t, err)
	assert.Equal(t, 1, creator.callCount())
}

func TestDispatcher_CancelledContextStopsRetry(t *testing.T) {
	creator := &mockCreator{errs: []error{&StatusError{Code: 500}, &StatusError{Code: 500}}}
	d := New(creator, nil).WithRetry(3, []time.Duration{0, time.Hour})

	ctx, cancel := context.WithCancel(testutil.TestContext(t))
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := d.Dispatch(ctx, newTestRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, creator.callCount())
}

func TestDispatcher_CircuitOpensPerFlow(t *testing.T) {
	creator := &mockCreator{errs: []error{&StatusError{Code: 400}, &StatusError{Code: 400}}}
	cb := circuitbreaker.New(2, time.Hour)
	d := New(creator, nil).WithCircuitBreaker(cb)

	req := newTestRequest()
	for i := 0; i < 2; i++ {
		_, err := d.Dispatch(testutil.TestContext(t), req)
		require.Error(t, err)
	}

	_, err := d.Dispatch(testutil.TestContext(t), req)
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, 2, creator.callCount(), "open circuit must not reach the creator")

	other := req
	other.Trigger.FlowID = "other"
	_, err = d.Dispatch(testutil.TestContext(t), other)
	assert.NoError(t, err)
}

func TestDispatcher_AnalyticsOnSuccessOnly(t *testing.T) {
	creator := &mockCreator{errs: []error{&StatusError{Code: 400}}}
	sink := &mockAnalytics{}
	d := New(creator, nil).WithAnalytics(sink, domain.AnalyticsConfig{Enabled: true, Window: time.Minute})

	_, err := d.Dispatch(testutil.TestContext(t), newTestRequest())
	require.Error(t, err)
	_, err = d.Dispatch(testutil.TestContext(t), newTestRequest())
	require.NoError(t, err)

	assert.Len(t, sink.reqs, 1)
}

func TestDispatcher_AnalyticsDisabled(t *testing.T) {
	sink := &mockAnalytics{}
	d := New(&mockCreator{}, nil).WithAnalytics(sink, domain.AnalyticsConfig{Enabled: false})

	_, err := d.Dispatch(testutil.TestContext(t), newTestRequest())
	require.NoError(t, err)
	assert.Empty(t, sink.reqs)
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transport", errors.New("dial tcp: connection refused"), true},
		{"429", &StatusError{Code: 429}, true},
		{"500", &StatusError{Code: 500}, true},
		{"404", &StatusError{Code: 404}, false},
		{"cancelled", context.Canceled, false},
		{"no id", ErrNoExecutionID, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}
