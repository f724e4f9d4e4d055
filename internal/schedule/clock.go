// Package schedule decides what runs next and whether anything may run at
// all, based on slots, budget windows, and live plan usage.
package schedule

import "time"

// Default night window: 20:00 to 08:00 local time.
const (
	DefaultNightStartHour = 20
	DefaultNightEndHour   = 8
)

// IsNighttime reports whether t falls inside the night window.
func IsNighttime(t time.Time, nightStart, nightEnd int) bool {
	hour := t.Hour()
	return hour >= nightStart || hour < nightEnd
}

// TimeLabel returns a human-readable label for the period containing t.
func TimeLabel(t time.Time, nightStart, nightEnd int) string {
	if IsNighttime(t, nightStart, nightEnd) {
		return "night"
	}
	return "daytime"
}

// PeriodStart returns the timestamp at which the period containing t began.
// A night that is still before nightEnd started yesterday.
func PeriodStart(t time.Time, nightStart, nightEnd int) time.Time {
	today := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	if IsNighttime(t, nightStart, nightEnd) {
		start := today.Add(time.Duration(nightStart) * time.Hour)
		if t.Hour() < nightEnd {
			start = start.AddDate(0, 0, -1)
		}
		return start
	}
	return today.Add(time.Duration(nightEnd) * time.Hour)
}

// RateLimitForTime picks the hourly auto-generation allowance for t.
func RateLimitForTime(dayLimit, nightLimit int, t time.Time, nightStart, nightEnd int) int {
	if IsNighttime(t, nightStart, nightEnd) {
		return nightLimit
	}
	return dayLimit
}
