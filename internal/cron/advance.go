package cron

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/djlord-it/flowsched/internal/domain"
)

var ErrNoNextInstant = errors.New("recurrence has no further instant")

type anchored interface {
	NextFrom(anchor, after time.Time) time.Time
}

// Advance computes the nextFireTime to commit after a trigger due at prev
// fired at now. The result depends only on its arguments, so every
// scheduler instance computes the same value.
//
// With CatchUpCollapse the result is the first instant strictly after now,
// so any number of missed instants produce a single fire. With CatchUpAll it
// is the first instant strictly after prev, which may still be due.
func Advance(r domain.Recurrence, prev, now time.Time, policy domain.CatchUpPolicy) (time.Time, error) {
	after := now
	if policy == domain.CatchUpAll {
		after = prev
	}

	var next time.Time
	if a, ok := r.(anchored); ok {
		next = a.NextFrom(prev, after)
	} else {
		next = r.Next(after)
	}
	if next.IsZero() {
		return time.Time{}, ErrNoNextInstant
	}
	return next.UTC(), nil
}

// First computes the initial nextFireTime for a trigger created at now.
func First(r domain.Recurrence, now time.Time) (time.Time, error) {
	next := r.Next(now)
	if next.IsZero() {
		return time.Time{}, ErrNoNextInstant
	}
	return next.UTC(), nil
}
