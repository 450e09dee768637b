package scheduler

import "time"

// DailyQuota counts processed items per local calendar day.
type DailyQuota struct {
	max   int
	loc   *time.Location
	day   time.Time
	count int
}

// NewDailyQuota returns a quota of max items per day in loc. max <= 0 means
// no limit.
func NewDailyQuota(max int, loc *time.Location) *DailyQuota {
	if loc == nil {
		loc = time.Local
	}
	return &DailyQuota{max: max, loc: loc}
}

func (q *DailyQuota) SetMax(max int) { q.max = max }

func (q *DailyQuota) SetLocation(loc *time.Location) {
	if loc != nil {
		q.loc = loc
	}
}

// DayStart is local midnight of the day containing now.
func (q *DailyQuota) DayStart(now time.Time) time.Time {
	lt := now.In(q.loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, q.loc)
}

// ResetAt is the next local midnight after now.
func (q *DailyQuota) ResetAt(now time.Time) time.Time {
	return q.DayStart(now).AddDate(0, 0, 1)
}

func (q *DailyQuota) roll(now time.Time) {
	if d := q.DayStart(now); !d.Equal(q.day) {
		q.day = d
		q.count = 0
	}
}

// Seed sets today's count, e.g. from persisted history after a restart.
func (q *DailyQuota) Seed(now time.Time, n int) {
	q.roll(now)
	q.count = max(n, 0)
}

func (q *DailyQuota) Add(now time.Time, n int) int {
	q.roll(now)
	q.count += n
	return q.count
}

func (q *DailyQuota) Count(now time.Time) int {
	q.roll(now)
	return q.count
}

func (q *DailyQuota) Exhausted(now time.Time) bool {
	return q.max > 0 && q.Count(now) >= q.max
}

// Remaining is -1 when unlimited.
func (q *DailyQuota) Remaining(now time.Time) int {
	if q.max <= 0 {
		return -1
	}
	return max(q.max-q.Count(now), 0)
}
