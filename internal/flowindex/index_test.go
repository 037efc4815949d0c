package flowindex

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djlord-it/flowsched/internal/cron"
	"github.com/djlord-it/flowsched/internal/domain"
	"github.com/djlord-it/flowsched/internal/testutil"
)

type fakeRepo struct {
	mu    sync.Mutex
	flows []domain.Flow
	err   error
	calls int
}

func (r *fakeRepo) ListEnabledFlows(ctx context.Context) ([]domain.Flow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return append([]domain.Flow(nil), r.flows...), nil
}

func (r *fakeRepo) set(flows []domain.Flow, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flows, r.err = flows, err
}

func (r *fakeRepo) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func newIndex(repo Repository, clock *testutil.FakeClock) *Index {
	return New(Config{RefreshInterval: time.Hour}, repo, cron.NewParser(), nil).WithClock(clock.Now)
}

func TestIndex_CurrentNilBeforeFirstRefresh(t *testing.T) {
	ix := newIndex(&fakeRepo{}, testutil.NewFakeClock(testutil.At(10, 0, 0)))
	assert.Nil(t, ix.Current())
}

func TestIndex_RefreshBuildsListeners(t *testing.T) {
	enabled := testutil.Flow("team", "etl", "1m", "not a schedule at all")
	enabled.Triggers = append(enabled.Triggers, domain.TriggerDef{ID: "off", Schedule: "1m", Disabled: true})
	enabled.Triggers[0].Payload = map[string]any{"region": "eu"}
	disabled := testutil.Flow("team", "old", "1m")
	disabled.Disabled = true

	repo := &fakeRepo{flows: []domain.Flow{enabled, disabled}}
	ix := newIndex(repo, testutil.NewFakeClock(testutil.At(10, 0, 0)))
	require.NoError(t, ix.Refresh(context.Background()))

	snap := ix.Current()
	require.NotNil(t, snap)
	assert.Equal(t, 1, snap.Len())
	assert.Equal(t, 2, snap.Listeners())

	l, f, ok := snap.Lookup(domain.TriggerRef{Namespace: "team", FlowID: "etl", TriggerID: "t0"})
	require.True(t, ok)
	assert.Equal(t, "etl", f.FlowID)
	assert.Equal(t, 1, l.Revision)
	assert.NotNil(t, l.Recurrence)
	assert.NoError(t, l.RecurrenceErr)
	assert.Equal(t, domain.CatchUpCollapse, l.CatchUp)
	assert.JSONEq(t, `{"region":"eu"}`, string(l.PayloadJSON))

	bad, _, ok := snap.Lookup(domain.TriggerRef{Namespace: "team", FlowID: "etl", TriggerID: "t1"})
	require.True(t, ok)
	assert.Nil(t, bad.Recurrence)
	assert.Error(t, bad.RecurrenceErr)

	_, _, ok = snap.Lookup(domain.TriggerRef{Namespace: "team", FlowID: "etl", TriggerID: "off"})
	assert.False(t, ok, "disabled trigger must not be indexed")
	_, _, ok = snap.Lookup(domain.TriggerRef{Namespace: "team", FlowID: "old", TriggerID: "t0"})
	assert.False(t, ok, "disabled flow must not be indexed")
}

func TestIndex_FailedRefreshKeepsPreviousSnapshot(t *testing.T) {
	repo := &fakeRepo{flows: []domain.Flow{testutil.Flow("team", "etl", "1m")}}
	ix := newIndex(repo, testutil.NewFakeClock(testutil.At(10, 0, 0)))
	require.NoError(t, ix.Refresh(context.Background()))
	before := ix.Current()

	repo.set(nil, errors.New("repository unreachable"))
	err := ix.Refresh(context.Background())
	require.Error(t, err)

	assert.Same(t, before, ix.Current())
	assert.Equal(t, uint64(1), ix.Current().Generation)
}

func TestIndex_SnapshotsAreImmutable(t *testing.T) {
	repo := &fakeRepo{flows: []domain.Flow{testutil.Flow("team", "etl", "1m")}}
	ix := newIndex(repo, testutil.NewFakeClock(testutil.At(10, 0, 0)))
	require.NoError(t, ix.Refresh(context.Background()))
	old := ix.Current()

	repo.set(nil, nil)
	require.NoError(t, ix.Refresh(context.Background()))

	assert.Equal(t, 1, old.Len(), "old snapshot must be untouched")
	assert.Equal(t, 0, ix.Current().Len())
	assert.Equal(t, old.Generation+1, ix.Current().Generation)
}

func TestIndex_RefreshIfStale(t *testing.T) {
	clock := testutil.NewFakeClock(testutil.At(10, 0, 0))
	repo := &fakeRepo{flows: []domain.Flow{testutil.Flow("team", "etl", "1m")}}
	ix := newIndex(repo, clock)
	ctx := context.Background()

	require.NoError(t, ix.RefreshIfStale(ctx, 10*time.Second))
	assert.Equal(t, 1, repo.callCount(), "missing snapshot is always stale")

	clock.Advance(5 * time.Second)
	require.NoError(t, ix.RefreshIfStale(ctx, 10*time.Second))
	assert.Equal(t, 1, repo.callCount())

	clock.Advance(6 * time.Second)
	require.NoError(t, ix.RefreshIfStale(ctx, 10*time.Second))
	assert.Equal(t, 2, repo.callCount())
}

func TestIndex_DisabledFlowDisappearsOnNextRefresh(t *testing.T) {
	f := testutil.Flow("team", "etl", "1m")
	repo := &fakeRepo{flows: []domain.Flow{f}}
	ix := newIndex(repo, testutil.NewFakeClock(testutil.At(10, 0, 0)))
	require.NoError(t, ix.Refresh(context.Background()))

	ref := domain.TriggerRef{Namespace: "team", FlowID: "etl", TriggerID: "t0"}
	_, _, ok := ix.Current().Lookup(ref)
	require.True(t, ok)

	f.Disabled = true
	repo.set([]domain.Flow{f}, nil)
	require.NoError(t, ix.Refresh(context.Background()))

	_, _, ok = ix.Current().Lookup(ref)
	assert.False(t, ok)
}

func TestIndex_NotifyTriggersEagerRefresh(t *testing.T) {
	repo := &fakeRepo{}
	ix := New(Config{RefreshInterval: time.Hour}, repo, cron.NewParser(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ix.Run(ctx)
		close(done)
	}()

	ix.Notify()
	ix.Notify()

	require.Eventually(t, func() bool { return repo.callCount() >= 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
	assert.NotNil(t, ix.Current())
}

func TestIndex_ConcurrentReadsDuringRefresh(t *testing.T) {
	repo := &fakeRepo{flows: []domain.Flow{testutil.Flow("team", "etl", "1m", "5m")}}
	ix := New(Config{}, repo, cron.NewParser(), nil)
	require.NoError(t, ix.Refresh(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = ix.Refresh(context.Background())
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if snap := ix.Current(); snap.Listeners() != 2 {
					t.Errorf("listeners = %d, want 2", snap.Listeners())
				}
			}
		}()
	}
	wg.Wait()
}
