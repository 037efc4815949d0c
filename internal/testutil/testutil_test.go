package testutil

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestFakeClock(t *testing.T) {
	start := At(10, 0, 0)
	c := NewFakeClock(start)

	if !c.Now().Equal(start) {
		t.Fatalf("Now() = %v, want %v", c.Now(), start)
	}
	c.Advance(90 * time.Second)
	if want := At(10, 1, 30); !c.Now().Equal(want) {
		t.Fatalf("after Advance Now() = %v, want %v", c.Now(), want)
	}
	c.Set(start)
	if !c.Now().Equal(start) {
		t.Fatalf("after Set Now() = %v, want %v", c.Now(), start)
	}
}

func TestTestContext(t *testing.T) {
	ctx := TestContext(t)
	deadline, ok := ctx.Deadline()
	if !ok {
		t.Fatal("expected a deadline")
	}
	if time.Until(deadline) > 5*time.Second {
		t.Errorf("deadline too far: %v", deadline)
	}
}

func TestFlow(t *testing.T) {
	f := Flow("team", "etl", "1m", "0 * * * *")
	if len(f.Triggers) != 2 || f.Triggers[1].ID != "t1" || f.Triggers[1].Schedule != "0 * * * *" {
		t.Fatalf("unexpected flow: %+v", f)
	}
	if err := f.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestObservedLogger(t *testing.T) {
	logger, logs := ObservedLogger(zap.NewAtomicLevelAt(zap.WarnLevel))
	logger.Info("ignored")
	logger.Warn("kept")
	if logs.Len() != 1 || logs.All()[0].Message != "kept" {
		t.Fatalf("unexpected entries: %+v", logs.All())
	}
}
