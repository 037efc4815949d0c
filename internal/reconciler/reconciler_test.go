package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djlord-it/flowsched/internal/cron"
	"github.com/djlord-it/flowsched/internal/domain"
	"github.com/djlord-it/flowsched/internal/flowindex"
	"github.com/djlord-it/flowsched/internal/store/memstore"
	"github.com/djlord-it/flowsched/internal/testutil"
)

type staticRepo struct{ flows []domain.Flow }

func (r *staticRepo) ListEnabledFlows(ctx context.Context) ([]domain.Flow, error) {
	return r.flows, nil
}

type nilIndex struct{}

func (nilIndex) Current() *flowindex.Snapshot { return nil }

func setup(t *testing.T, flows ...domain.Flow) (*Reconciler, *memstore.Store, *testutil.FakeClock) {
	t.Helper()
	clock := testutil.NewFakeClock(testutil.At(10, 0, 5))
	index := flowindex.New(flowindex.Config{}, &staticRepo{flows: flows}, cron.NewParser(), nil).WithClock(clock.Now)
	require.NoError(t, index.Refresh(testutil.TestContext(t)))

	store := memstore.New()
	return New(DefaultConfig(), store, index, nil).WithClock(clock.Now), store, clock
}

func ref(flow, trigger string) domain.TriggerRef {
	return domain.TriggerRef{Namespace: "ns", FlowID: flow, TriggerID: trigger}
}

func TestReconcile_CreatesMissingTriggers(t *testing.T) {
	r, store, _ := setup(t, testutil.Flow("ns", "report", "* * * * *", "1h"))

	res, err := r.Reconcile(testutil.TestContext(t))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)

	row, ok := store.Get(ref("report", "t0"))
	require.True(t, ok)
	assert.Equal(t, testutil.At(10, 1, 0), row.NextFireTime)
	assert.Equal(t, "* * * * *", row.Schedule)
	assert.Equal(t, 1, row.FlowRevision)

	row, ok = store.Get(ref("report", "t1"))
	require.True(t, ok)
	assert.Equal(t, testutil.At(11, 0, 5), row.NextFireTime)

	res, err = r.Reconcile(testutil.TestContext(t))
	require.NoError(t, err)
	assert.Zero(t, res.Created, "second cycle is a no-op")
}

func TestReconcile_MalformedRuleCreatedDue(t *testing.T) {
	r, store, clock := setup(t, testutil.Flow("ns", "report", "not a rule"))

	_, err := r.Reconcile(testutil.TestContext(t))
	require.NoError(t, err)

	row, ok := store.Get(ref("report", "t0"))
	require.True(t, ok)
	assert.True(t, row.Due(clock.Now()))
}

func TestReconcile_ResetsChangedSchedule(t *testing.T) {
	f := testutil.Flow("ns", "report", "* * * * *")
	f.Triggers[0].Timezone = "UTC"
	r, store, _ := setup(t, f)
	store.Put(domain.Trigger{TriggerRef: ref("report", "t0"), Schedule: "0 * * * *", NextFireTime: testutil.At(11, 0, 0)})

	res, err := r.Reconcile(testutil.TestContext(t))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reset)

	row, _ := store.Get(ref("report", "t0"))
	assert.Equal(t, "* * * * * TZ=UTC", row.Schedule)
	assert.Equal(t, 1, row.FlowRevision)
	assert.Equal(t, testutil.At(10, 1, 0), row.NextFireTime)
}

func TestReconcile_LaggingSnapshotDoesNotRollBack(t *testing.T) {
	newer := testutil.Flow("ns", "report", "*/5 * * * *")
	newer.Revision = 2
	older := testutil.Flow("ns", "report", "* * * * *")

	a, store, _ := setup(t, newer)
	b, _, _ := setup(t, older)
	b.store = store

	store.Put(domain.Trigger{
		TriggerRef:   ref("report", "t0"),
		Schedule:     "* * * * *",
		FlowRevision: 1,
		NextFireTime: testutil.At(10, 1, 0),
	})

	res, err := a.Reconcile(testutil.TestContext(t))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reset)
	want, _ := store.Get(ref("report", "t0"))
	assert.Equal(t, testutil.At(10, 5, 0), want.NextFireTime)

	for i := 0; i < 3; i++ {
		res, err = b.Reconcile(testutil.TestContext(t))
		require.NoError(t, err)
		assert.Zero(t, res.Reset)
		assert.Equal(t, 1, res.Stale)

		res, err = a.Reconcile(testutil.TestContext(t))
		require.NoError(t, err)
		assert.Zero(t, res.Reset)
	}

	row, _ := store.Get(ref("report", "t0"))
	assert.Equal(t, "*/5 * * * *", row.Schedule)
	assert.Equal(t, 2, row.FlowRevision)
	assert.Equal(t, want.NextFireTime, row.NextFireTime)
}

func TestReconcile_UnversionedFlowsSyncOnChange(t *testing.T) {
	f := testutil.Flow("ns", "report", "*/5 * * * *")
	f.Revision = 0
	r, store, _ := setup(t, f)
	store.Put(domain.Trigger{TriggerRef: ref("report", "t0"), Schedule: "* * * * *", NextFireTime: testutil.At(10, 1, 0)})

	res, err := r.Reconcile(testutil.TestContext(t))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reset)

	row, _ := store.Get(ref("report", "t0"))
	assert.Equal(t, "*/5 * * * *", row.Schedule)
}

func TestReconcile_LeasedRowNotReset(t *testing.T) {
	r, store, _ := setup(t, testutil.Flow("ns", "report", "* * * * *"))
	store.Put(domain.Trigger{
		TriggerRef:   ref("report", "t0"),
		Schedule:     "0 * * * *",
		NextFireTime: testutil.At(10, 0, 0),
		LockOwner:    "a",
		LockExpiry:   testutil.At(10, 0, 30),
	})

	res, err := r.Reconcile(testutil.TestContext(t))
	require.NoError(t, err)
	assert.Zero(t, res.Reset)
	assert.Zero(t, res.Failed)

	row, _ := store.Get(ref("report", "t0"))
	assert.Equal(t, "0 * * * *", row.Schedule)
}

func TestReconcile_CountsOrphans(t *testing.T) {
	r, store, _ := setup(t, testutil.Flow("ns", "report", "1m"))
	store.Put(domain.Trigger{TriggerRef: ref("gone", "t0"), Schedule: "1m", NextFireTime: testutil.At(10, 0, 0)})

	res, err := r.Reconcile(testutil.TestContext(t))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Orphaned)

	_, ok := store.Get(ref("gone", "t0"))
	assert.True(t, ok, "orphans are left in place")
}

func TestReconcile_StoreError(t *testing.T) {
	r, store, _ := setup(t, testutil.Flow("ns", "report", "1m"))
	store.SetFailure(errors.New("db down"))

	_, err := r.Reconcile(testutil.TestContext(t))
	assert.Error(t, err)
}

func TestReconcile_NoSnapshot(t *testing.T) {
	store := memstore.New()
	r := New(Config{}, store, nilIndex{}, nil)

	res, err := r.Reconcile(testutil.TestContext(t))
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
}

func TestReconciler_RunStopsOnCancel(t *testing.T) {
	r, store, _ := setup(t, testutil.Flow("ns", "report", "1m"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, ok := store.Get(ref("report", "t0"))
		return ok
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestDefaultConfig(t *testing.T) {
	assert.Equal(t, 30*time.Second, DefaultConfig().Interval)
	assert.Equal(t, 30*time.Second, New(Config{}, nil, nilIndex{}, nil).config.Interval)
}
