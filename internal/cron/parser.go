package cron

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"github.com/djlord-it/flowsched/internal/domain"
)

// Parser turns a trigger schedule string into a domain.Recurrence.
//
// Accepted forms:
//   - cron: "*/5 * * * *", "0 30 9 * * 1-5" (optional seconds), "@hourly"
//   - interval: "@every 90s", "every:5m", "interval:1h", or a bare Go duration "15m"
//
// A "cron:" prefix forces cron parsing.
type Parser struct {
	parser cron.Parser
}

func NewParser() *Parser {
	return &Parser{
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (p *Parser) Parse(spec string, timezone string) (domain.Recurrence, error) {
	s := strings.TrimSpace(spec)
	if s == "" {
		return nil, errors.New("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return p.parseCron(strings.TrimSpace(s[len("cron:"):]), timezone)
	case strings.HasPrefix(low, "every:"):
		return parseInterval(s[len("every:"):])
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(s[len("interval:"):])
	case strings.HasPrefix(low, "@every "):
		return parseInterval(s[len("@every "):])
	case strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t"):
		return p.parseCron(s, timezone)
	}

	if _, err := time.ParseDuration(s); err == nil {
		return parseInterval(s)
	}
	return nil, errors.Newf("invalid schedule %q (use cron like '*/5 * * * *' or a duration like '15m')", spec)
}

func (p *Parser) parseCron(expr, timezone string) (domain.Recurrence, error) {
	if expr == "" {
		return nil, errors.New("cron expression required")
	}
	sched, err := p.parser.Parse(expr)
	if err != nil {
		return nil, errors.Wrap(err, "parse cron")
	}

	if timezone == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, errors.Wrap(err, "load timezone")
	}

	return &schedule{sched: sched, loc: loc}, nil
}

func parseInterval(v string) (domain.Recurrence, error) {
	v = strings.TrimSpace(v)
	d, err := time.ParseDuration(v)
	if err != nil {
		return nil, errors.Newf("invalid interval %q", v)
	}
	if d < time.Second {
		return nil, errors.Newf("interval %s is below the 1s minimum", d)
	}
	return Interval{Every: d}, nil
}

type schedule struct {
	sched cron.Schedule
	loc   *time.Location
}

func (s *schedule) Next(after time.Time) time.Time {
	return s.sched.Next(after.In(s.loc))
}

// Interval fires every Every, anchored on the trigger's previous fire
// instant rather than on the wall clock.
type Interval struct {
	Every time.Duration
}

// Next is used only for the first instant of a new trigger.
func (i Interval) Next(after time.Time) time.Time {
	return after.Truncate(time.Second).Add(i.Every)
}

// NextFrom returns the first instant anchor + k*Every strictly after after.
func (i Interval) NextFrom(anchor, after time.Time) time.Time {
	if after.Before(anchor) {
		return anchor
	}
	k := after.Sub(anchor)/i.Every + 1
	return anchor.Add(k * i.Every)
}
