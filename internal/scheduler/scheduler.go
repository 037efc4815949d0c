package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/djlord-it/flowsched/internal/domain"
	"github.com/djlord-it/flowsched/internal/flowindex"
	"github.com/djlord-it/flowsched/internal/metrics"
)

var ErrAlreadyRunning = errors.New("scheduler already running")

// TriggerStore is the shared lease and schedule table. Every method is a
// single atomic conditional statement; a false result means the predicate
// did not hold, not an error.
type TriggerStore interface {
	FindDue(ctx context.Context, now time.Time, limit int) ([]domain.Trigger, error)
	FindDueAfter(ctx context.Context, now time.Time, after domain.Trigger, limit int) ([]domain.Trigger, error)
	Claim(ctx context.Context, ref domain.TriggerRef, owner string, now time.Time, lease time.Duration) (bool, error)
	RenewLease(ctx context.Context, ref domain.TriggerRef, owner string, now time.Time, lease time.Duration) (bool, error)
	CommitFire(ctx context.Context, ref domain.TriggerRef, owner string, now, next time.Time, executionID string) (bool, error)
	Skip(ctx context.Context, ref domain.TriggerRef, owner string, now, next time.Time) (bool, error)
	Release(ctx context.Context, ref domain.TriggerRef, owner string, now time.Time) (bool, error)
	Flag(ctx context.Context, ref domain.TriggerRef, owner string, now time.Time, reason string) (bool, error)
}

// DatabaseClock supplies "now" from the shared store so that instances with
// drifting local clocks agree on which triggers are due.
type DatabaseClock interface {
	Now(ctx context.Context) (time.Time, error)
}

type ListenerIndex interface {
	Current() *flowindex.Snapshot
	RefreshIfStale(ctx context.Context, maxAge time.Duration) error
}

type ConditionEvaluator interface {
	Evaluate(l *domain.Listener, c domain.ConditionContext) (bool, error)
}

// Dispatcher hands a fired trigger to the execution-creation collaborator.
type Dispatcher interface {
	Dispatch(ctx context.Context, req domain.ExecutionRequest) (domain.ExecutionHandle, error)
}

type Config struct {
	// OwnerID identifies this instance in lock_owner. Must be unique per process.
	OwnerID string

	TickInterval  time.Duration
	LeaseDuration time.Duration
	RenewInterval time.Duration

	// IndexMaxStaleness is the snapshot age above which a tick refreshes the
	// index before looking for due triggers.
	IndexMaxStaleness time.Duration

	Workers   int
	BatchSize int

	// StoreTimeout bounds each store round-trip, including the commit and
	// release calls made after shutdown has begun.
	StoreTimeout time.Duration

	// Backoff is the pause after consecutive failed ticks; the last entry
	// repeats.
	Backoff []time.Duration
}

func DefaultConfig() Config {
	return Config{
		TickInterval:      time.Second,
		LeaseDuration:     30 * time.Second,
		RenewInterval:     10 * time.Second,
		IndexMaxStaleness: 10 * time.Second,
		Workers:           8,
		BatchSize:         500,
		StoreTimeout:      5 * time.Second,
		Backoff:           []time.Duration{2 * time.Second, 5 * time.Second, 15 * time.Second, 30 * time.Second},
	}
}

type Scheduler struct {
	config     Config
	store      TriggerStore
	index      ListenerIndex
	evaluator  ConditionEvaluator
	dispatcher Dispatcher
	dbClock    DatabaseClock // optional, nil = local clock
	clock      func() time.Time
	logger     *zap.Logger
	metrics    metrics.Sink
	diag       *throttle

	state    atomic.Int32
	lastTick time.Time
}

func New(config Config, store TriggerStore, index ListenerIndex, evaluator ConditionEvaluator, dispatcher Dispatcher, logger *zap.Logger) *Scheduler {
	def := DefaultConfig()
	if config.TickInterval <= 0 {
		config.TickInterval = def.TickInterval
	}
	if config.LeaseDuration <= 0 {
		config.LeaseDuration = def.LeaseDuration
	}
	if config.RenewInterval <= 0 {
		config.RenewInterval = config.LeaseDuration / 3
	}
	if config.IndexMaxStaleness <= 0 {
		config.IndexMaxStaleness = def.IndexMaxStaleness
	}
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = def.StoreTimeout
	}
	if len(config.Backoff) == 0 {
		config.Backoff = def.Backoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("scheduler").With(zap.String("owner", config.OwnerID))

	return &Scheduler{
		config:     config,
		store:      store,
		index:      index,
		evaluator:  evaluator,
		dispatcher: dispatcher,
		clock:      time.Now,
		logger:     logger,
		metrics:    metrics.NewNoopSink(),
		diag:       newThrottle(logger, 10*time.Second, 3),
	}
}

// WithMetrics sets the metrics sink. Returns the Scheduler for chaining.
func (s *Scheduler) WithMetrics(sink metrics.Sink) *Scheduler {
	if sink != nil {
		s.metrics = sink
	}
	return s
}

// WithDatabaseClock makes the scheduler read "now" from the store.
func (s *Scheduler) WithDatabaseClock(c DatabaseClock) *Scheduler {
	s.dbClock = c
	return s
}

// WithClock overrides the local time source, for tests.
func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	return s
}

func (s *Scheduler) State() State {
	return State(s.state.Load())
}

func (s *Scheduler) IsRunning() bool {
	return s.State() == StateRunning
}

// Run ticks until ctx is cancelled. The tick in progress when ctx is
// cancelled finishes its commits and releases before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateStopped), int32(StateRunning)) {
		return ErrAlreadyRunning
	}
	defer s.state.Store(int32(StateStopped))

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	s.logger.Info("started",
		zap.Duration("tick", s.config.TickInterval),
		zap.Duration("lease", s.config.LeaseDuration),
		zap.Int("workers", s.config.Workers),
	)
	s.lastTick = s.clock()

	var (
		failures int
		resumeAt time.Time
	)
	for {
		select {
		case <-ctx.Done():
			s.state.Store(int32(StateStopping))
			s.logger.Info("stopped")
			return ctx.Err()
		case <-ticker.C:
		}

		if !resumeAt.IsZero() && s.clock().Before(resumeAt) {
			continue
		}

		if _, err := s.tick(ctx); err != nil {
			failures++
			delay := s.backoff(failures)
			resumeAt = s.clock().Add(delay)
			s.diag.Error("tick failed, backing off", err,
				zap.Int("consecutive_failures", failures),
				zap.Duration("retry_in", delay),
			)
			continue
		}
		if failures > 0 {
			s.logger.Info("store recovered", zap.Int("failed_ticks", failures))
		}
		failures = 0
		resumeAt = time.Time{}
	}
}

func (s *Scheduler) backoff(failures int) time.Duration {
	i := failures - 1
	if i >= len(s.config.Backoff) {
		i = len(s.config.Backoff) - 1
	}
	return s.config.Backoff[i]
}

// TickResult counts what one tick did. Due counts the rows scanned, Skipped
// those of them that were not worth claiming.
type TickResult struct {
	Due       int
	Skipped   int
	Claimed   int
	Fired     int
	Rejected  int
	Released  int
	Flagged   int
	LostLease int
}

type tickCounters struct {
	claimed, fired, rejected, released, flagged, lost atomic.Int32
}

func (s *Scheduler) tick(ctx context.Context) (TickResult, error) {
	start := s.clock()
	s.metrics.TickStarted()
	s.metrics.TickDrift(start.Sub(s.lastTick) - s.config.TickInterval)
	s.lastTick = start

	var res TickResult
	now, err := s.now(ctx)
	if err != nil {
		s.metrics.TickCompleted(s.clock().Sub(start), 0, err)
		return res, err
	}

	if err := s.index.RefreshIfStale(ctx, s.config.IndexMaxStaleness); err != nil {
		s.diag.Warn("flow index refresh failed, using previous snapshot", err)
	}
	snap := s.index.Current()
	if snap == nil {
		s.logger.Debug("no flow snapshot yet, skipping tick")
		s.metrics.TickCompleted(s.clock().Sub(start), 0, nil)
		return res, nil
	}
	s.metrics.IndexStaleness(snap.Age(s.clock()))

	due, scanned, err := s.findEligible(ctx, now, snap)
	if err != nil {
		s.metrics.StoreError("find_due")
		err = errors.Wrap(err, "find due triggers")
		s.metrics.TickCompleted(s.clock().Sub(start), 0, err)
		return res, err
	}
	res.Due = scanned
	res.Skipped = scanned - len(due)

	var counters tickCounters
	g := new(errgroup.Group)
	g.SetLimit(s.config.Workers)
	for _, t := range due {
		g.Go(func() error {
			s.processTrigger(ctx, t, &counters)
			return nil
		})
	}
	_ = g.Wait()

	res.Claimed = int(counters.claimed.Load())
	res.Fired = int(counters.fired.Load())
	res.Rejected = int(counters.rejected.Load())
	res.Released = int(counters.released.Load())
	res.Flagged = int(counters.flagged.Load())
	res.LostLease = int(counters.lost.Load())

	s.metrics.TickCompleted(s.clock().Sub(start), res.Fired, nil)
	if res.Due > 0 {
		s.logger.Debug("tick",
			zap.Int("due", res.Due),
			zap.Int("skipped", res.Skipped),
			zap.Int("claimed", res.Claimed),
			zap.Int("fired", res.Fired),
			zap.Int("rejected", res.Rejected),
			zap.Int("released", res.Released),
		)
	}
	return res, nil
}

// findEligible pages through due rows until it holds BatchSize triggers
// worth claiming or the rows run out. Rows of flows missing from the
// snapshot, and malformed rows that are already flagged, stay due but are
// passed over so they cannot fill the batch. It returns the eligible rows
// and how many rows it looked at.
func (s *Scheduler) findEligible(ctx context.Context, now time.Time, snap *flowindex.Snapshot) ([]domain.Trigger, int, error) {
	limit := s.config.BatchSize
	var (
		eligible []domain.Trigger
		scanned  int
		page     []domain.Trigger
		err      error
	)
	for {
		findCtx, cancel := context.WithTimeout(ctx, s.config.StoreTimeout)
		if page == nil {
			page, err = s.store.FindDue(findCtx, now, limit)
		} else {
			page, err = s.store.FindDueAfter(findCtx, now, page[len(page)-1], limit)
		}
		cancel()
		if err != nil {
			return nil, scanned, err
		}

		for _, t := range page {
			scanned++
			if worthClaiming(snap, t) {
				eligible = append(eligible, t)
				if len(eligible) == limit {
					return eligible, scanned, nil
				}
			}
		}
		if len(page) < limit {
			return eligible, scanned, nil
		}
	}
}

// worthClaiming is false for rows whose flow is absent from snap. Those are
// purged by flow management, not here. It is also false for rows whose rule
// is malformed and already flagged: they wait for the definition to change.
func worthClaiming(snap *flowindex.Snapshot, t domain.Trigger) bool {
	l, _, ok := snap.Lookup(t.TriggerRef)
	if !ok {
		return false
	}
	return l.RecurrenceErr == nil || t.LastError == ""
}

func (s *Scheduler) now(ctx context.Context) (time.Time, error) {
	if s.dbClock == nil {
		return s.clock().UTC(), nil
	}
	c, cancel := context.WithTimeout(ctx, s.config.StoreTimeout)
	defer cancel()
	t, err := s.dbClock.Now(c)
	if err != nil {
		s.metrics.StoreError("now")
		return time.Time{}, errors.Wrap(err, "read database clock")
	}
	return t.UTC(), nil
}
