package gocredits

import "time"

// CurrentCycleForAnchor returns the billing cycle containing now for a subscription
// anchored at anchor. The anniversary day is preserved across months and clipped to
// the last day of short months:
//   - Jan 31 - Feb 28 (or Feb 29 in leap years)
//   - Feb 28 - Mar 31
//   - Mar 31 - Apr 30
func CurrentCycleForAnchor(anchor, now time.Time) (cycleStart, cycleEnd time.Time) {
	a := startOfDayUTC(anchor)
	n := now.UTC()
	day := a.Day()
	if n.Before(a) {
		// clock skew or future anchor: clamp to the first cycle
		return a, addMonthsWithDay(a, 1, day)
	}

	months := (n.Year()-a.Year())*12 + int(n.Month()-a.Month())
	cycleStart = addMonthsWithDay(a, months, day)
	if cycleStart.After(n) {
		months--
		cycleStart = addMonthsWithDay(a, months, day)
	}
	return cycleStart, addMonthsWithDay(a, months+1, day)
}

// DaysUntilCycleEnd returns the number of whole days left in the current cycle, rounded up
func DaysUntilCycleEnd(anchor, now time.Time) int {
	_, end := CurrentCycleForAnchor(anchor, now)
	remaining := end.Sub(now.UTC())
	days := int(remaining / (24 * time.Hour))
	if remaining%(24*time.Hour) != 0 {
		days++
	}
	return days
}

// addMonthsWithDay adds months to base and lands on day, or the month's last day when shorter.
func addMonthsWithDay(base time.Time, months, day int) time.Time {
	first := time.Date(base.Year(), base.Month()+time.Month(months), 1,
		base.Hour(), base.Minute(), base.Second(), base.Nanosecond(), base.Location())
	lastDay := time.Date(first.Year(), first.Month()+1, 0, 0, 0, 0, 0, first.Location()).Day()
	if day > lastDay {
		day = lastDay
	}
	return time.Date(first.Year(), first.Month(), day,
		base.Hour(), base.Minute(), base.Second(), base.Nanosecond(), base.Location())
}

func startOfDayUTC(t time.Time) time.Time {
	tt := t.UTC()
	return time.Date(tt.Year(), tt.Month(), tt.Day(), 0, 0, 0, 0, time.UTC)
}
