package utils

import (
	"time"
)

// London is the Europe/London location used by the GB settlement calendar.
var London *time.Location

func init() {
	var err error
	London, err = time.LoadLocation("Europe/London")
	if err != nil {
		// Fallback: without tzdata there is no BST, only GMT.
		London = time.FixedZone("GMT", 0)
	}
}

// NowUK returns the current time in Europe/London.
func NowUK() time.Time {
	return time.Now().In(London)
}

// LastSunday returns the last Sunday of the given month at UTC midnight.
func LastSunday(year int, month time.Month) time.Time {
	// Day 0 of the next month is the last day of this one.
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC)
	offset := int(last.Weekday()-time.Sunday+7) % 7
	return last.AddDate(0, 0, -offset)
}

// ClockChangeDates returns the UK spring-forward (last Sunday in March) and
// fall-back (last Sunday in October) dates for a year.
func ClockChangeDates(year int) (springForward, fallBack time.Time) {
	return LastSunday(year, time.March), LastSunday(year, time.October)
}

// LocalMidnight returns 00:00 Europe/London on the given day.
func LocalMidnight(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, London)
}

// HalfHoursInDay counts the half-hour intervals between consecutive London
// midnights: 46 when clocks go forward, 50 when they go back, 48 otherwise.
func HalfHoursInDay(year int, month time.Month, day int) int {
	start := LocalMidnight(year, month, day)
	end := LocalMidnight(year, month, day+1)
	return int(end.Sub(start) / (30 * time.Minute))
}

// HalfHourEnd returns the instant at which settlement period n of the given
// day ends. Period 1 ends 30 minutes after local midnight.
func HalfHourEnd(year int, month time.Month, day, period int) time.Time {
	return LocalMidnight(year, month, day).Add(time.Duration(period) * 30 * time.Minute).UTC()
}

// FormatDateTimeUK formats a time.Time as "2006-01-02 15:04:05 MST" in London time.
func FormatDateTimeUK(t time.Time) string {
	return t.In(London).Format("2006-01-02 15:04:05 MST")
}
