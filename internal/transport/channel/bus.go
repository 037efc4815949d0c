// Package channel is an in-process ExecutionCreator. Fired triggers are
// queued on a buffered channel and consumed by an embedded executor.
package channel

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/djlord-it/flowsched/internal/domain"
)

var ErrBufferFull = errors.New("execution buffer full")

const (
	DefaultEmitTimeout = 5 * time.Second
	DrainTimeout       = 30 * time.Second
)

// Execution is a created execution waiting to be run.
type Execution struct {
	ID      string
	Request domain.ExecutionRequest
}

type MetricsSink interface {
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	EmitError()
}

type Bus struct {
	ch          chan Execution
	emitTimeout time.Duration
	metrics     MetricsSink // optional, nil = disabled
	logger      *zap.Logger
}

type Option func(*Bus)

func WithEmitTimeout(d time.Duration) Option {
	return func(b *Bus) { b.emitTimeout = d }
}

func WithMetrics(m MetricsSink) Option {
	return func(b *Bus) { b.metrics = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(b *Bus) { b.logger = l.Named("bus") }
}

func NewBus(buffer int, opts ...Option) *Bus {
	b := &Bus{
		ch:          make(chan Execution, buffer),
		emitTimeout: DefaultEmitTimeout,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics != nil {
		b.metrics.BufferCapacitySet(buffer)
	}
	return b
}

// Create queues the execution and returns its id. It blocks for at most the
// emit timeout when the buffer is full.
func (b *Bus) Create(ctx context.Context, req domain.ExecutionRequest) (domain.ExecutionHandle, error) {
	exec := Execution{ID: uuid.NewString(), Request: req}

	timer := time.NewTimer(b.emitTimeout)
	defer timer.Stop()

	select {
	case b.ch <- exec:
		b.updateSize()
		return domain.ExecutionHandle{ID: exec.ID}, nil
	case <-ctx.Done():
		b.emitError()
		return domain.ExecutionHandle{}, ctx.Err()
	case <-timer.C:
		b.emitError()
		return domain.ExecutionHandle{}, ErrBufferFull
	}
}

func (b *Bus) Channel() <-chan Execution {
	return b.ch
}

// Consume hands queued executions to handle until ctx is cancelled, then
// drains whatever is still buffered for up to DrainTimeout.
func (b *Bus) Consume(ctx context.Context, handle func(context.Context, Execution)) {
	for {
		select {
		case <-ctx.Done():
			b.drain(handle)
			return
		case exec := <-b.ch:
			b.updateSize()
			handle(ctx, exec)
		}
	}
}

func (b *Bus) drain(handle func(context.Context, Execution)) {
	ctx, cancel := context.WithTimeout(context.Background(), DrainTimeout)
	defer cancel()

	count := 0
	defer func() {
		if count > 0 {
			b.logger.Info("drain complete", zap.Int("executions", count))
		}
	}()
	for {
		select {
		case <-ctx.Done():
			b.logger.Warn("drain timeout", zap.Int("remaining", len(b.ch)))
			return
		case exec := <-b.ch:
			b.updateSize()
			handle(ctx, exec)
			count++
		default:
			return
		}
	}
}

func (b *Bus) updateSize() {
	if b.metrics != nil {
		b.metrics.BufferSizeUpdate(len(b.ch))
	}
}

func (b *Bus) emitError() {
	if b.metrics != nil {
		b.metrics.EmitError()
	}
}
