package utils

import (
	"testing"
	"time"
)

// ── Clock changes ──

func TestLastSunday(t *testing.T) {
	tests := []struct {
		year  int
		month time.Month
		want  string
	}{
		{2024, time.March, "2024-03-31"},
		{2024, time.October, "2024-10-27"},
		{2023, time.March, "2023-03-26"},
		{2023, time.October, "2023-10-29"},
		{2025, time.March, "2025-03-30"},
	}
	for _, tt := range tests {
		got := LastSunday(tt.year, tt.month)
		if got.Format("2006-01-02") != tt.want {
			t.Errorf("LastSunday(%d, %s) = %s, want %s", tt.year, tt.month, got.Format("2006-01-02"), tt.want)
		}
		if got.Weekday() != time.Sunday {
			t.Errorf("LastSunday(%d, %s) is a %s", tt.year, tt.month, got.Weekday())
		}
	}
}

func TestClockChangeDates(t *testing.T) {
	spring, fall := ClockChangeDates(2024)
	if spring.Format("2006-01-02") != "2024-03-31" || fall.Format("2006-01-02") != "2024-10-27" {
		t.Errorf("ClockChangeDates(2024) = %s, %s", spring, fall)
	}
}

// ── Half hours ──

func TestHalfHoursInDay(t *testing.T) {
	if London.String() != "Europe/London" {
		t.Skip("tzdata not available")
	}
	tests := []struct {
		month time.Month
		day   int
		want  int
	}{
		{time.March, 31, 46},
		{time.October, 27, 50},
		{time.June, 1, 48},
		{time.January, 1, 48},
	}
	for _, tt := range tests {
		if got := HalfHoursInDay(2024, tt.month, tt.day); got != tt.want {
			t.Errorf("HalfHoursInDay(2024-%02d-%02d) = %d, want %d", tt.month, tt.day, got, tt.want)
		}
	}
}

func TestHalfHourEnd(t *testing.T) {
	if London.String() != "Europe/London" {
		t.Skip("tzdata not available")
	}
	tests := []struct {
		month       time.Month
		day, period int
		want        string
	}{
		{time.January, 15, 1, "2024-01-15T00:30:00Z"},
		{time.March, 31, 7, "2024-03-31T03:30:00Z"},
		{time.June, 1, 1, "2024-05-31T23:30:00Z"},
		{time.October, 27, 50, "2024-10-28T00:00:00Z"},
	}
	for _, tt := range tests {
		got := HalfHourEnd(2024, tt.month, tt.day, tt.period).Format(time.RFC3339)
		if got != tt.want {
			t.Errorf("HalfHourEnd(2024-%02d-%02d SP%d) = %s, want %s", tt.month, tt.day, tt.period, got, tt.want)
		}
	}
}

func TestFormatDateTimeUK(t *testing.T) {
	if London.String() != "Europe/London" {
		t.Skip("tzdata not available")
	}
	ts := time.Date(2024, 7, 1, 11, 0, 0, 0, time.UTC)
	if got, want := FormatDateTimeUK(ts), "2024-07-01 12:00:00 BST"; got != want {
		t.Errorf("FormatDateTimeUK = %q, want %q", got, want)
	}
}
