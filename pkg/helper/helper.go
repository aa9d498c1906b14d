package helper

import (
	"math"
	"regexp"
	"time"
)

var tagPattern = regexp.MustCompile(`^[\p{Ll}0-9_.:-]+$`)

// IsTag reports whether candidate is usable as a job tag.
func IsTag(candidate string) bool {
	return tagPattern.MatchString(candidate)
}

func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// DaysBetween counts calendar days from a to b in a's location. Negative when
// b is before a.
func DaysBetween(a, b time.Time) int {
	from := StartOfDay(a)
	to := StartOfDay(b.In(a.Location()))
	return int(math.Round(to.Sub(from).Hours() / 24))
}

// AddBusinessDays walks forward one calendar day at a time and returns the
// date after n counted days. Weekends do not count when skipWeekends is set.
// The walk is capped at a year.
func AddBusinessDays(start time.Time, n int, skipWeekends bool) time.Time {
	current := start
	counted := 0
	for i := 0; counted < n && i < 365; i++ {
		current = current.AddDate(0, 0, 1)
		if skipWeekends {
			wd := current.Weekday()
			if wd == time.Saturday || wd == time.Sunday {
				continue
			}
		}
		counted++
	}
	return current
}
