package condition

import (
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/djlord-it/flowsched/internal/domain"
)

type window struct {
	after, before int // minutes since midnight, -1 when unset
	days          map[time.Weekday]bool
	loc           *time.Location
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

func parseWindow(cond domain.Condition) (window, error) {
	w := window{after: -1, before: -1, loc: time.UTC}
	var err error
	if cond.After != "" {
		if w.after, err = parseClock(cond.After); err != nil {
			return w, errors.Wrap(err, "after")
		}
	}
	if cond.Before != "" {
		if w.before, err = parseClock(cond.Before); err != nil {
			return w, errors.Wrap(err, "before")
		}
	}
	if len(cond.Days) > 0 {
		w.days = make(map[time.Weekday]bool, len(cond.Days))
		for _, d := range cond.Days {
			wd, ok := weekdays[strings.ToLower(strings.TrimSpace(d))]
			if !ok {
				return w, errors.Newf("unknown day %q", d)
			}
			w.days[wd] = true
		}
	}
	if cond.Timezone != "" {
		if w.loc, err = time.LoadLocation(cond.Timezone); err != nil {
			return w, errors.Wrap(err, "timezone")
		}
	}
	return w, nil
}

func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, errors.Newf("invalid time %q, want HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, errors.Newf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, errors.Newf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}

// timeWindow checks the scheduled instant, not the wall clock, so a late
// tick evaluates the same way as a punctual one. A window whose after is
// later than its before wraps midnight.
func timeWindow(cond domain.Condition, at time.Time) (bool, error) {
	w, err := parseWindow(cond)
	if err != nil {
		return false, err
	}
	local := at.In(w.loc)
	if w.days != nil && !w.days[local.Weekday()] {
		return false, nil
	}

	mins := local.Hour()*60 + local.Minute()
	switch {
	case w.after >= 0 && w.before >= 0 && w.after > w.before:
		return mins >= w.after || mins < w.before, nil
	case w.after >= 0 && mins < w.after:
		return false, nil
	case w.before >= 0 && mins >= w.before:
		return false, nil
	}
	return true, nil
}
