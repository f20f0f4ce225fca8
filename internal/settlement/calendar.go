package settlement

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seenimoa/ukenergy/pkg/utils"
)

// Settlement period counts for the three kinds of GB trading day.
const (
	ShortDayPeriods  = 46
	NormalDayPeriods = 48
	LongDayPeriods   = 50
)

// ErrNoRequests is returned when a calendar produces no work.
var ErrNoRequests = errors.New("calendar produced no settlement requests")

// SettlementRequest identifies one (date, period) query against the API.
type SettlementRequest struct {
	Date   Date
	Period int
}

// Less orders requests by date, then period.
func (r SettlementRequest) Less(o SettlementRequest) bool {
	if c := r.Date.Compare(o.Date); c != 0 {
		return c < 0
	}
	return r.Period < o.Period
}

// End returns the UTC instant at which the settlement period ends.
func (r SettlementRequest) End() time.Time {
	return utils.HalfHourEnd(r.Date.Year, r.Date.Month, r.Date.Day, r.Period)
}

func (r SettlementRequest) String() string {
	return fmt.Sprintf("%s SP%d", r.Date, r.Period)
}

// MarshalJSON encodes the request as ["YYYY-MM-DD", period].
func (r SettlementRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{r.Date.String(), r.Period})
}

// UnmarshalJSON decodes the ["YYYY-MM-DD", period] pair form.
func (r *SettlementRequest) UnmarshalJSON(b []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(b, &pair); err != nil {
		return fmt.Errorf("settlement request: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("settlement request: want [date, period], got %d elements", len(pair))
	}
	var d Date
	if err := json.Unmarshal(pair[0], &d); err != nil {
		return fmt.Errorf("settlement request date: %w", err)
	}
	var p int
	if err := json.Unmarshal(pair[1], &p); err != nil {
		return fmt.Errorf("settlement request period: %w", err)
	}
	r.Date, r.Period = d, p
	return nil
}

// Calendar fixes the year being retrieved and its two clock-change days.
type Calendar struct {
	Year          int
	SpringForward Date
	FallBack      Date
}

// DefaultCalendar derives the clock-change days from the UK rule: last
// Sunday in March and last Sunday in October.
func DefaultCalendar(year int) Calendar {
	spring, fall := utils.ClockChangeDates(year)
	return Calendar{
		Year:          year,
		SpringForward: DateOf(spring),
		FallBack:      DateOf(fall),
	}
}

// Validate checks the transition days belong to the calendar year.
func (c Calendar) Validate() error {
	if c.Year < 1 {
		return fmt.Errorf("calendar year %d is not valid", c.Year)
	}
	if c.SpringForward.Year != c.Year {
		return fmt.Errorf("spring-forward date %s is outside %d", c.SpringForward, c.Year)
	}
	if c.FallBack.Year != c.Year {
		return fmt.Errorf("fall-back date %s is outside %d", c.FallBack, c.Year)
	}
	if !c.SpringForward.Before(c.FallBack) {
		return fmt.Errorf("spring-forward %s must precede fall-back %s", c.SpringForward, c.FallBack)
	}
	return nil
}

// PeriodCount returns how many settlement periods the given day has.
func (c Calendar) PeriodCount(d Date) int {
	switch d {
	case c.SpringForward:
		return ShortDayPeriods
	case c.FallBack:
		return LongDayPeriods
	default:
		return NormalDayPeriods
	}
}

// Periods returns the settlement periods 1..n valid on the given day.
func (c Calendar) Periods(d Date) []int {
	n := c.PeriodCount(d)
	periods := make([]int, n)
	for i := range periods {
		periods[i] = i + 1
	}
	return periods
}

// Dates returns every calendar day of the year in order.
func (c Calendar) Dates() []Date {
	first := NewDate(c.Year, 1, 1)
	var dates []Date
	for d := first; d.Year == c.Year; d = d.AddDays(1) {
		dates = append(dates, d)
	}
	return dates
}

// TotalRequests returns the number of (date, period) pairs in the year.
func (c Calendar) TotalRequests() int {
	total := 0
	for _, d := range c.Dates() {
		total += c.PeriodCount(d)
	}
	return total
}

// Enumerate returns one request per (date, period) pair of the year, ordered
// by date then period.
func (c Calendar) Enumerate() []SettlementRequest {
	reqs := make([]SettlementRequest, 0, c.TotalRequests())
	for _, d := range c.Dates() {
		for _, p := range c.Periods(d) {
			reqs = append(reqs, SettlementRequest{Date: d, Period: p})
		}
	}
	return reqs
}

// Contains reports whether req is one of the calendar's requests: a real day
// of the year and a period valid on that day.
func (c Calendar) Contains(req SettlementRequest) bool {
	d := req.Date
	if d.Year != c.Year || DateOf(d.Time()) != d {
		return false
	}
	return req.Period >= 1 && req.Period <= c.PeriodCount(d)
}
