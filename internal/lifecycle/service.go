// Package lifecycle runs the flow index, the scheduler and their supporting
// loops as one unit with start, stop and await-termination semantics.
package lifecycle

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrAlreadyRunning = errors.New("service already running")
	ErrNotStarted     = errors.New("service not started")
	ErrStopTimeout    = errors.New("service did not stop in time")
)

// Runner is the scheduler loop. Run returns when ctx is cancelled.
type Runner interface {
	Run(ctx context.Context) error
	IsRunning() bool
}

// Index is refreshed once before the scheduler starts so the first tick
// already has a snapshot.
type Index interface {
	Refresh(ctx context.Context) error
	Run(ctx context.Context)
}

// Component is a supporting loop, such as the reconciler or a flow watcher.
// A component error is logged and does not stop the service.
type Component struct {
	Name string
	Run  func(ctx context.Context) error
}

type Service struct {
	scheduler  Runner
	index      Index
	components []Component
	logger     *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
	err     error
}

func New(scheduler Runner, index Index, logger *zap.Logger, components ...Component) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		scheduler:  scheduler,
		index:      index,
		components: components,
		logger:     logger.Named("lifecycle"),
	}
}

// Start launches every loop in the background and returns. A failed initial
// index refresh is logged; the scheduler skips ticks until a snapshot
// exists.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}

	if err := s.index.Refresh(ctx); err != nil {
		s.logger.Warn("initial flow index refresh failed", zap.Error(err))
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	s.err = nil

	g.Go(func() error {
		s.index.Run(gctx)
		return nil
	})
	for _, c := range s.components {
		g.Go(func() error {
			if err := c.Run(gctx); err != nil && gctx.Err() == nil {
				s.logger.Error("component stopped", zap.String("component", c.Name), zap.Error(err))
			}
			return nil
		})
	}
	g.Go(func() error {
		err := s.scheduler.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	done := s.done
	go func() {
		err := g.Wait()
		cancel()
		s.mu.Lock()
		s.running = false
		s.err = err
		s.mu.Unlock()
		close(done)
		s.logger.Info("stopped")
	}()

	s.logger.Info("started", zap.Int("components", len(s.components)))
	return nil
}

// IsRunning reports whether the scheduler loop is ticking.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	return running && s.scheduler.IsRunning()
}

// Stop asks every loop to finish. In-flight triggers are committed or
// released before the scheduler returns. Stop does not wait; use
// AwaitTermination.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// AwaitTermination blocks until the service has stopped or ctx is done.
// It returns the scheduler's error, if it failed for a reason other than
// being stopped.
func (s *Service) AwaitTermination(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return ErrNotStarted
	}

	select {
	case <-done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.err
	case <-ctx.Done():
		return errors.WithSecondaryError(ErrStopTimeout, ctx.Err())
	}
}
