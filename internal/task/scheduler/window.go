package scheduler

import "time"

// ActiveWindow is the daily span of hours in which items may be processed.
// Start is inclusive and End exclusive. Start > End wraps past midnight and
// Start == End means all day.
type ActiveWindow struct {
	Start    int
	End      int
	Weekends bool
	Location *time.Location
}

func (w ActiveWindow) loc() *time.Location {
	if w.Location == nil {
		return time.Local
	}
	return w.Location
}

func (w ActiveWindow) Allows(t time.Time) bool {
	lt := t.In(w.loc())
	if !w.Weekends {
		if wd := lt.Weekday(); wd == time.Saturday || wd == time.Sunday {
			return false
		}
	}
	h := lt.Hour()
	switch {
	case w.Start == w.End:
		return true
	case w.Start < w.End:
		return h >= w.Start && h < w.End
	default:
		return h >= w.Start || h < w.End
	}
}

// NextOpen returns the first time at or after t inside the window, or zero
// if none exists within eight days.
func (w ActiveWindow) NextOpen(t time.Time) time.Time {
	if w.Allows(t) {
		return t
	}
	lt := t.In(w.loc())
	hour := time.Date(lt.Year(), lt.Month(), lt.Day(), lt.Hour(), 0, 0, 0, lt.Location())
	for i := 1; i <= 8*24; i++ {
		c := hour.Add(time.Duration(i) * time.Hour)
		if w.Allows(c) {
			return c
		}
	}
	return time.Time{}
}
