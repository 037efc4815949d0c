// Package reconciler keeps the trigger table in line with the flow index.
//
// Each cycle it creates rows for listeners that have none, resets the
// schedule of rows whose recurrence rule changed in a newer flow revision,
// and counts rows whose flow is no longer enabled. Orphaned rows are reported, not deleted:
// purging them belongs to flow management.
package reconciler

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/djlord-it/flowsched/internal/cron"
	"github.com/djlord-it/flowsched/internal/domain"
	"github.com/djlord-it/flowsched/internal/flowindex"
	"github.com/djlord-it/flowsched/internal/metrics"
)

type Store interface {
	ListTriggers(ctx context.Context) ([]domain.Trigger, error)
	EnsureTrigger(ctx context.Context, t domain.Trigger) (bool, error)
	ResetSchedule(ctx context.Context, ref domain.TriggerRef, schedule string, revision int, next, now time.Time) (bool, error)
}

type Index interface {
	Current() *flowindex.Snapshot
}

type Config struct {
	// Interval is how often the reconciler runs.
	// Default: 30 seconds.
	Interval time.Duration
}

func DefaultConfig() Config {
	return Config{Interval: 30 * time.Second}
}

// Result counts what one cycle did.
type Result struct {
	Created  int
	Reset    int
	Orphaned int
	Failed   int

	// Stale counts rows whose schedule differs from the snapshot but was
	// written by the same or a newer flow revision.
	Stale int
}

type Reconciler struct {
	config  Config
	store   Store
	index   Index
	logger  *zap.Logger
	metrics metrics.Sink
	clock   func() time.Time
}

func New(config Config, store Store, index Index, logger *zap.Logger) *Reconciler {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		config:  config,
		store:   store,
		index:   index,
		logger:  logger.Named("reconciler"),
		metrics: metrics.NewNoopSink(),
		clock:   time.Now,
	}
}

func (r *Reconciler) WithMetrics(sink metrics.Sink) *Reconciler {
	if sink != nil {
		r.metrics = sink
	}
	return r
}

func (r *Reconciler) WithClock(clock func() time.Time) *Reconciler {
	r.clock = clock
	return r
}

// Run reconciles immediately, then every Interval, until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.logger.Info("started", zap.Duration("interval", r.config.Interval))
	r.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("stopped")
			return
		case <-ticker.C:
			r.cycle(ctx)
		}
	}
}

func (r *Reconciler) cycle(ctx context.Context) {
	res, err := r.Reconcile(ctx)
	if err != nil {
		// Retried next interval.
		r.logger.Warn("cycle failed", zap.Error(err))
		return
	}
	if res.Created+res.Reset+res.Failed > 0 {
		r.logger.Info("cycle complete",
			zap.Int("created", res.Created),
			zap.Int("reset", res.Reset),
			zap.Int("orphaned", res.Orphaned),
			zap.Int("stale", res.Stale),
			zap.Int("failed", res.Failed),
		)
	}
}

// Reconcile runs one cycle. Without a flow snapshot it does nothing.
func (r *Reconciler) Reconcile(ctx context.Context) (Result, error) {
	var res Result
	snap := r.index.Current()
	if snap == nil {
		return res, nil
	}

	rows, err := r.store.ListTriggers(ctx)
	if err != nil {
		r.metrics.StoreError("list_triggers")
		return res, errors.Wrap(err, "list triggers")
	}
	existing := make(map[domain.TriggerRef]domain.Trigger, len(rows))
	for _, t := range rows {
		existing[t.TriggerRef] = t
		if _, _, ok := snap.Lookup(t.TriggerRef); !ok {
			res.Orphaned++
		}
	}

	now := r.clock().UTC()
	for _, flow := range snap.Flows() {
		for _, l := range flow.Listeners() {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			row, ok := existing[l.Ref]
			switch {
			case !ok:
				inserted, err := r.create(ctx, l, now)
				if err != nil {
					res.Failed++
				} else if inserted {
					res.Created++
				}
			case row.Schedule == Fingerprint(l):
			case !supersedes(l, row):
				res.Stale++
				r.logger.Debug("schedule differs but row is not older than snapshot",
					zap.Stringer("trigger", l.Ref),
					zap.Int("snapshot_revision", l.Revision),
					zap.Int("row_revision", row.FlowRevision),
				)
			default:
				done, err := r.reset(ctx, l, now)
				if err != nil {
					res.Failed++
				} else if done {
					res.Reset++
				}
			}
		}
	}

	r.metrics.OrphanedTriggersUpdate(res.Orphaned)
	r.metrics.TriggersCreated(res.Created)
	return res, nil
}

// Fingerprint is the schedule text stored on a trigger row. A change in
// either the rule or its timezone restarts the schedule.
func Fingerprint(l *domain.Listener) string {
	if l.Timezone == "" {
		return l.Schedule
	}
	return l.Schedule + " TZ=" + l.Timezone
}

// supersedes reports whether the listener's schedule should replace the
// row's. Only a newer flow revision does, so an instance whose snapshot
// lags behind never rolls a row back. Unversioned flows (revision 0) are
// synced on any difference.
func supersedes(l *domain.Listener, row domain.Trigger) bool {
	if l.Revision == 0 && row.FlowRevision == 0 {
		return true
	}
	return l.Revision > row.FlowRevision
}

// firstFire is the initial nextFireTime. A malformed rule gets "now" so the
// scheduler picks the row up and flags it.
func firstFire(l *domain.Listener, now time.Time) time.Time {
	if l.RecurrenceErr != nil {
		return now
	}
	next, err := cron.First(l.Recurrence, now)
	if err != nil {
		return now
	}
	return next
}

// create inserts the row unless another instance got there first.
func (r *Reconciler) create(ctx context.Context, l *domain.Listener, now time.Time) (bool, error) {
	t := domain.Trigger{
		TriggerRef:   l.Ref,
		Schedule:     Fingerprint(l),
		FlowRevision: l.Revision,
		NextFireTime: firstFire(l, now),
		CreatedAt:    now,
	}
	inserted, err := r.store.EnsureTrigger(ctx, t)
	if err != nil {
		r.metrics.StoreError("ensure_trigger")
		r.logger.Warn("create trigger", zap.Stringer("trigger", l.Ref), zap.Error(err))
		return false, err
	}
	if inserted {
		r.logger.Debug("trigger created", zap.Stringer("trigger", l.Ref), zap.Time("next_fire_at", t.NextFireTime))
	}
	return inserted, nil
}

// reset is skipped while the row is leased; the next cycle retries.
func (r *Reconciler) reset(ctx context.Context, l *domain.Listener, now time.Time) (bool, error) {
	next := firstFire(l, now)
	ok, err := r.store.ResetSchedule(ctx, l.Ref, Fingerprint(l), l.Revision, next, now)
	if err != nil {
		r.metrics.StoreError("reset_schedule")
		r.logger.Warn("reset schedule", zap.Stringer("trigger", l.Ref), zap.Error(err))
		return false, err
	}
	if ok {
		r.logger.Info("schedule changed",
			zap.Stringer("trigger", l.Ref),
			zap.Int("revision", l.Revision),
			zap.Time("next_fire_at", next),
		)
	}
	return ok, nil
}
