package flowrepo

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func zapWarn() zap.AtomicLevel { return zap.NewAtomicLevelAt(zapcore.WarnLevel) }

func TestWatcher_DebouncedChange(t *testing.T) {
	dir := t.TempDir()
	var calls atomic.Int32
	w := NewWatcher(dir, func() { calls.Add(1) }, nil).WithDebounce(50 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register before writing.
	time.Sleep(50 * time.Millisecond)
	writeFile(t, dir, "a.yaml", reportFlow)
	writeFile(t, dir, "a.yaml", reportFlow+"\n")
	writeFile(t, dir, "ignored.txt", "x")

	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWatcher_MissingDirectory(t *testing.T) {
	w := NewWatcher(t.TempDir()+"/nope", func() {}, nil)
	assert.Error(t, w.Run(context.Background()))
}
