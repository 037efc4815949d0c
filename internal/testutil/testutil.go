// Package testutil provides shared test helpers for flowsched.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/djlord-it/flowsched/internal/domain"
)

// FakeClock provides deterministic time for testing.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
}

// NewFakeClock creates a FakeClock set to the given time.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{current: t}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// Set moves the clock to t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
}

// TestContext returns a context with a 5-second timeout.
// The context is cancelled when the test completes.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// At returns 2024-01-01 hh:mm:ss UTC.
func At(hh, mm, ss int) time.Time {
	return time.Date(2024, 1, 1, hh, mm, ss, 0, time.UTC)
}

// ObservedLogger returns a logger whose entries at or above level are
// captured for assertions.
func ObservedLogger(level zap.AtomicLevel) (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return zap.New(core), logs
}

// Flow builds an enabled flow with one trigger per schedule, named t0, t1, ...
func Flow(namespace, id string, schedules ...string) domain.Flow {
	f := domain.Flow{Namespace: namespace, ID: id, Revision: 1}
	for i, s := range schedules {
		f.Triggers = append(f.Triggers, domain.TriggerDef{
			ID:       "t" + string(rune('0'+i)),
			Schedule: s,
		})
	}
	return f
}
