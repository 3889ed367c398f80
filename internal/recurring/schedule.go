package recurring

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule yields fire times. Next must be a pure function of its argument so
// that every dispatcher computes the same slots.
type Schedule interface {
	Next(after time.Time) time.Time
	String() string
}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var (
	reHHMM  = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)
	reEvery = regexp.MustCompile(`^every\s+(\d+)?\s*([a-z]+)$`)
)

// ParseSchedule accepts:
//   - cron expressions with optional seconds and descriptors: "*/5 * * * *", "@hourly"
//   - intervals: "30s", "every 5 minutes", "every hour", "@every 10m", "01:30"
//   - the explicit prefixes "cron:" and "every:"/"interval:"
//
// Intervals are aligned to multiples of the interval since the zero time, so
// "every 30s" fires at :00 and :30 no matter when the dispatcher started.
func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)

	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return parseInterval(s[len("every:"):])
	case strings.HasPrefix(low, "@every "):
		return parseInterval(s[len("@every "):])
	case reEvery.MatchString(low):
		return parseEveryPhrase(low)
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") || strings.HasPrefix(s, "CRON_TZ="):
		return parseCron(s)
	}
	if sched, err := parseInterval(s); err == nil {
		return sched, nil
	}
	return nil, fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *', 'every 5 minutes', HH:MM like '02:30' or a duration like '55m')", raw)
}

func parseCron(expr string) (Schedule, error) {
	if expr == "" {
		return nil, fmt.Errorf("cron expression required")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("cron %q: %w", expr, err)
	}
	return cronSchedule{expr: expr, s: sched}, nil
}

func parseInterval(v string) (Schedule, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, fmt.Errorf("interval required")
	}
	var every time.Duration
	if reHHMM.MatchString(v) {
		d, err := parseHHMMDuration(v)
		if err != nil {
			return nil, err
		}
		every = d
	} else {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid interval %q (use HH:MM or a Go duration like '55m')", v)
		}
		every = d
	}
	return newInterval(every)
}

var phraseUnits = map[string]time.Duration{
	"second": time.Second, "seconds": time.Second,
	"minute": time.Minute, "minutes": time.Minute,
	"hour": time.Hour, "hours": time.Hour,
	"day": 24 * time.Hour, "days": 24 * time.Hour,
	"s": time.Second, "m": time.Minute, "h": time.Hour, "d": 24 * time.Hour,
}

func parseEveryPhrase(low string) (Schedule, error) {
	m := reEvery.FindStringSubmatch(low)
	unit, ok := phraseUnits[m[2]]
	if !ok {
		return nil, fmt.Errorf("unknown unit %q in %q", m[2], low)
	}
	n := 1
	if m[1] != "" {
		v, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fmt.Errorf("invalid count in %q", low)
		}
		n = v
	}
	return newInterval(time.Duration(n) * unit)
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	return time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute, nil
}

func newInterval(every time.Duration) (Schedule, error) {
	if every < time.Second {
		return nil, fmt.Errorf("interval must be at least 1s, got %s", every)
	}
	if every%time.Second != 0 {
		return nil, fmt.Errorf("interval must be a whole number of seconds, got %s", every)
	}
	return interval{every: every}, nil
}

type interval struct{ every time.Duration }

func (i interval) Next(after time.Time) time.Time {
	return after.Truncate(i.every).Add(i.every)
}

func (i interval) String() string { return "every " + i.every.String() }

// Every exposes the fixed period of an interval schedule (0 for cron).
func Every(s Schedule) time.Duration {
	if i, ok := s.(interval); ok {
		return i.every
	}
	return 0
}

type cronSchedule struct {
	expr string
	s    cron.Schedule
}

func (c cronSchedule) Next(after time.Time) time.Time { return c.s.Next(after) }
func (c cronSchedule) String() string                 { return c.expr }
