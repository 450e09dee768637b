package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type Kind int

const (
	KindCron Kind = iota
	KindInterval
)

// Schedule is a parsed recurrence.
//
// Accepted forms:
//   - cron: "0 */6 * * *", "@daily", "@every 90m" (optional seconds field)
//   - Go duration: "6h", "2h30m"
//   - HH:MM interval: "06:00" means every six hours
//
// "cron:" forces cron parsing; "every:" or "interval:" force an interval.
type Schedule struct {
	Kind  Kind
	Expr  string
	Every time.Duration

	sched cron.Schedule
}

var (
	reHHMM     = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)
	cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "every:"):
		return parseInterval(strings.TrimSpace(s[len("every:"):]))
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(strings.TrimSpace(s[len("interval:"):]))
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return parseCron(s)
	default:
		sch, err := parseInterval(s)
		if err != nil {
			return Schedule{}, fmt.Errorf("invalid schedule %q (use cron like '0 */6 * * *', HH:MM like '06:00', or duration like '6h')", raw)
		}
		return sch, nil
	}
}

// Every builds an interval schedule directly.
func Every(d time.Duration) (Schedule, error) {
	if d < time.Second {
		return Schedule{}, fmt.Errorf("interval must be at least 1s, got %s", d)
	}
	return Schedule{Kind: KindInterval, Expr: d.String(), Every: d, sched: cron.Every(d)}, nil
}

func parseCron(expr string) (Schedule, error) {
	if expr == "" {
		return Schedule{}, fmt.Errorf("cron expression required")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return Schedule{Kind: KindCron, Expr: expr, sched: sched}, nil
}

func parseInterval(v string) (Schedule, error) {
	if v == "" {
		return Schedule{}, fmt.Errorf("interval required")
	}
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return Schedule{}, fmt.Errorf("invalid minutes in %q", v)
		}
		return Every(time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute)
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid interval %q: %w", v, err)
	}
	return Every(d)
}

// Next returns the first activation strictly after t.
func (s Schedule) Next(t time.Time) time.Time {
	if s.sched == nil {
		return time.Time{}
	}
	return s.sched.Next(t)
}

// Due reports whether a run is due at now given the previous run. A schedule
// that never ran is due at once.
func (s Schedule) Due(now, last time.Time) bool {
	if last.IsZero() {
		return true
	}
	next := s.Next(last)
	return !next.IsZero() && !now.Before(next)
}

func (s Schedule) String() string {
	if s.Kind == KindCron {
		return "cron:" + s.Expr
	}
	return "every:" + s.Every.String()
}

// ScanSchedule picks the explicit schedule when set, else every intervalHours.
func ScanSchedule(raw string, intervalHours float64) (Schedule, error) {
	if strings.TrimSpace(raw) != "" {
		return ParseSchedule(raw)
	}
	if intervalHours <= 0 {
		return Schedule{}, fmt.Errorf("scan interval must be > 0 hours")
	}
	return Every(time.Duration(intervalHours * float64(time.Hour)))
}
