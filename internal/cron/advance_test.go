package cron

import (
	"testing"
	"time"

	"github.com/djlord-it/flowsched/internal/domain"
)

func at(h, m, s int) time.Time {
	return time.Date(2024, 1, 1, h, m, s, 0, time.UTC)
}

func TestAdvance_IntervalAnchoredOnPrevious(t *testing.T) {
	r := Interval{Every: time.Minute}

	next, err := Advance(r, at(10, 0, 0), at(10, 0, 5), domain.CatchUpCollapse)
	if err != nil {
		t.Fatal(err)
	}
	if want := at(10, 1, 0); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestAdvance_CollapseMissedInstants(t *testing.T) {
	p := NewParser()
	everyMinute, err := p.Parse("* * * * *", "UTC")
	if err != nil {
		t.Fatal(err)
	}

	for name, r := range map[string]domain.Recurrence{
		"interval": Interval{Every: time.Minute},
		"cron":     everyMinute,
	} {
		t.Run(name, func(t *testing.T) {
			next, err := Advance(r, at(10, 0, 0), at(10, 3, 0), domain.CatchUpCollapse)
			if err != nil {
				t.Fatal(err)
			}
			if want := at(10, 4, 0); !next.Equal(want) {
				t.Errorf("next = %v, want %v", next, want)
			}
		})
	}
}

func TestAdvance_CatchUpAllStepsOneInstant(t *testing.T) {
	p := NewParser()
	everyMinute, err := p.Parse("* * * * *", "UTC")
	if err != nil {
		t.Fatal(err)
	}

	for name, r := range map[string]domain.Recurrence{
		"interval": Interval{Every: time.Minute},
		"cron":     everyMinute,
	} {
		t.Run(name, func(t *testing.T) {
			prev := at(10, 0, 0)
			now := at(10, 3, 0)
			var fires []time.Time
			for !prev.After(now) {
				fires = append(fires, prev)
				next, err := Advance(r, prev, now, domain.CatchUpAll)
				if err != nil {
					t.Fatal(err)
				}
				prev = next
			}
			if len(fires) != 4 {
				t.Fatalf("fires = %v, want 10:00..10:03", fires)
			}
			if want := at(10, 4, 0); !prev.Equal(want) {
				t.Errorf("final next = %v, want %v", prev, want)
			}
		})
	}
}

func TestAdvance_Deterministic(t *testing.T) {
	p := NewParser()
	r, err := p.Parse("*/15 * * * *", "Europe/Paris")
	if err != nil {
		t.Fatal(err)
	}
	prev := at(9, 45, 0)
	now := at(9, 47, 12)

	a, _ := Advance(r, prev, now, domain.CatchUpCollapse)
	b, _ := Advance(r, prev, now.In(time.FixedZone("elsewhere", -7*3600)), domain.CatchUpCollapse)
	if !a.Equal(b) || a.Location() != time.UTC {
		t.Errorf("advance differs by caller zone: %v vs %v", a, b)
	}
	if want := at(10, 0, 0); !a.Equal(want) {
		t.Errorf("next = %v, want %v", a, want)
	}
}

type never struct{}

func (never) Next(time.Time) time.Time { return time.Time{} }

func TestAdvance_NoNextInstant(t *testing.T) {
	if _, err := Advance(never{}, at(10, 0, 0), at(10, 0, 1), domain.CatchUpCollapse); err != ErrNoNextInstant {
		t.Fatalf("err = %v, want ErrNoNextInstant", err)
	}
	if _, err := First(never{}, at(10, 0, 0)); err != ErrNoNextInstant {
		t.Fatalf("err = %v, want ErrNoNextInstant", err)
	}
}

func TestFirst_Interval(t *testing.T) {
	next, err := First(Interval{Every: 5 * time.Minute}, at(10, 0, 0).Add(300*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if want := at(10, 5, 0); !next.Equal(want) {
		t.Errorf("first = %v, want %v", next, want)
	}
}
