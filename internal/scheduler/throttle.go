package scheduler

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// throttle rate-limits repetitive diagnostics, such as a store outage that
// fails every tick, and reports how many were dropped once it lets one
// through again.
type throttle struct {
	logger  *zap.Logger
	limiter *rate.Limiter

	mu         sync.Mutex
	suppressed int
}

func newThrottle(logger *zap.Logger, every time.Duration, burst int) *throttle {
	return &throttle{
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(every), burst),
	}
}

func (t *throttle) Warn(msg string, err error, fields ...zap.Field) {
	if f, ok := t.allow(); ok {
		t.logger.Warn(msg, append(fields, zap.Error(err), f)...)
	}
}

func (t *throttle) Error(msg string, err error, fields ...zap.Field) {
	if f, ok := t.allow(); ok {
		t.logger.Error(msg, append(fields, zap.Error(err), f)...)
	}
}

func (t *throttle) allow() (zap.Field, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.limiter.Allow() {
		t.suppressed++
		return zap.Skip(), false
	}
	n := t.suppressed
	t.suppressed = 0
	if n == 0 {
		return zap.Skip(), true
	}
	return zap.Int("suppressed", n), true
}
