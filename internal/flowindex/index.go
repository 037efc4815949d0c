// Package flowindex keeps each process's in-memory view of enabled flows.
package flowindex

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/djlord-it/flowsched/internal/domain"
	"github.com/djlord-it/flowsched/internal/metrics"
)

// Repository is the external source of flow definitions.
type Repository interface {
	ListEnabledFlows(ctx context.Context) ([]domain.Flow, error)
}

type Parser interface {
	Parse(spec string, timezone string) (domain.Recurrence, error)
}

type Config struct {
	RefreshInterval time.Duration
	DefaultCatchUp  domain.CatchUpPolicy
}

// Index builds snapshots from the repository and publishes them with an
// atomic pointer swap, so readers never block on a refresh.
type Index struct {
	config  Config
	repo    Repository
	parser  Parser
	logger  *zap.Logger
	metrics metrics.Sink
	clock   func() time.Time

	current atomic.Pointer[Snapshot]

	mu  sync.Mutex // serializes refreshes
	gen uint64

	notify chan struct{}
}

func New(config Config, repo Repository, parser Parser, logger *zap.Logger) *Index {
	if config.DefaultCatchUp == "" {
		config.DefaultCatchUp = domain.CatchUpCollapse
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{
		config:  config,
		repo:    repo,
		parser:  parser,
		logger:  logger.Named("flowindex"),
		metrics: metrics.NewNoopSink(),
		clock:   time.Now,
		notify:  make(chan struct{}, 1),
	}
}

// WithMetrics sets the metrics sink. Returns the Index for chaining.
func (ix *Index) WithMetrics(sink metrics.Sink) *Index {
	if sink != nil {
		ix.metrics = sink
	}
	return ix
}

// WithClock overrides the time source, for tests.
func (ix *Index) WithClock(clock func() time.Time) *Index {
	ix.clock = clock
	return ix
}

// Current returns the latest snapshot, or nil if no refresh has succeeded.
func (ix *Index) Current() *Snapshot {
	return ix.current.Load()
}

// Refresh rebuilds the snapshot. On failure the previous one stays current.
func (ix *Index) Refresh(ctx context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.refreshLocked(ctx)
}

// RefreshIfStale refreshes when the current snapshot is older than maxAge or
// missing. A concurrent refresh that already brought it up to date counts.
func (ix *Index) RefreshIfStale(ctx context.Context, maxAge time.Duration) error {
	if !ix.stale(maxAge) {
		return nil
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if !ix.stale(maxAge) {
		return nil
	}
	return ix.refreshLocked(ctx)
}

func (ix *Index) stale(maxAge time.Duration) bool {
	cur := ix.current.Load()
	return cur == nil || cur.Age(ix.clock()) > maxAge
}

// Notify requests an eager refresh from Run. It never blocks; requests that
// arrive while one is pending are merged.
func (ix *Index) Notify() {
	select {
	case ix.notify <- struct{}{}:
	default:
	}
}

// Run refreshes on the configured interval and on Notify until ctx is done.
func (ix *Index) Run(ctx context.Context) {
	interval := ix.config.RefreshInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ix.logger.Info("started", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			ix.logger.Info("stopped")
			return
		case <-ticker.C:
		case <-ix.notify:
			ix.logger.Debug("change notification, refreshing")
		}
		if err := ix.Refresh(ctx); err != nil && ctx.Err() == nil {
			ix.logger.Warn("refresh failed, keeping previous snapshot", zap.Error(err))
		}
	}
}

func (ix *Index) refreshLocked(ctx context.Context) error {
	start := ix.clock()

	flows, err := ix.repo.ListEnabledFlows(ctx)
	if err != nil {
		err = errors.Wrap(err, "list enabled flows")
		ix.metrics.IndexRefreshed(ix.clock().Sub(start), 0, 0, err)
		return err
	}

	built := make(map[string]*domain.FlowListenerSnapshot, len(flows))
	for _, f := range flows {
		if f.Disabled {
			continue
		}
		if err := f.Validate(); err != nil {
			ix.logger.Warn("skipping invalid flow", zap.String("flow", f.Key()), zap.Error(err))
			continue
		}
		if _, dup := built[f.Key()]; dup {
			ix.logger.Warn("duplicate flow definition, last one wins", zap.String("flow", f.Key()))
		}
		built[f.Key()] = ix.buildFlow(f)
	}

	ix.gen++
	snap := newSnapshot(ix.gen, ix.clock(), built)
	ix.current.Store(snap)

	ix.metrics.IndexRefreshed(ix.clock().Sub(start), snap.Len(), snap.Listeners(), nil)
	ix.logger.Debug("refreshed",
		zap.Uint64("generation", snap.Generation),
		zap.Int("flows", snap.Len()),
		zap.Int("listeners", snap.Listeners()),
	)
	return nil
}

func (ix *Index) buildFlow(f domain.Flow) *domain.FlowListenerSnapshot {
	listeners := make([]*domain.Listener, 0, len(f.Triggers))
	for _, t := range f.Triggers {
		if t.Disabled {
			continue
		}
		l := &domain.Listener{
			Ref:        domain.TriggerRef{Namespace: f.Namespace, FlowID: f.ID, TriggerID: t.ID},
			Revision:   f.Revision,
			Schedule:   t.Schedule,
			Timezone:   t.Timezone,
			CatchUp:    t.CatchUp,
			Conditions: t.Conditions,
			Payload:    t.Payload,
		}
		if l.CatchUp == "" {
			l.CatchUp = ix.config.DefaultCatchUp
		}

		// A bad rule is kept on the listener so the scheduler can flag the
		// trigger row instead of silently skipping it.
		r, err := ix.parser.Parse(t.Schedule, t.Timezone)
		if err != nil {
			l.RecurrenceErr = err
		} else {
			l.Recurrence = r
		}

		if len(t.Payload) > 0 {
			raw, err := json.Marshal(t.Payload)
			if err != nil {
				ix.logger.Warn("payload is not JSON-encodable", zap.String("trigger", l.Ref.String()), zap.Error(err))
			}
			l.PayloadJSON = raw
		}
		listeners = append(listeners, l)
	}
	return domain.NewFlowListenerSnapshot(f, listeners)
}
