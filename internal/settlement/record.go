package settlement

import (
	"sort"
	"time"
)

// GenerationRecord is one unit's metered output for one settlement period,
// as returned by the B1610 dataset.
type GenerationRecord struct {
	SettlementDate       Date      `json:"settlementDate" csv:"settlementDate"`
	SettlementPeriod     int       `json:"settlementPeriod" csv:"settlementPeriod"`
	BMUnit               string    `json:"bmUnit" csv:"bmUnit"`
	HalfHourEndTime      time.Time `json:"halfHourEndTime" csv:"halfHourEndTime"`
	Quantity             float64   `json:"quantity" csv:"quantity"`
	Dataset              string    `json:"dataset,omitempty" csv:"-"`
	PSRType              string    `json:"psrType,omitempty" csv:"-"`
	NationalGridBMUnitID string    `json:"nationalGridBmUnitId,omitempty" csv:"-"`
}

// Request returns the (date, period) the record belongs to.
func (r GenerationRecord) Request() SettlementRequest {
	return SettlementRequest{Date: r.SettlementDate, Period: r.SettlementPeriod}
}

// SortRecords orders records by settlement date, period, then unit id.
func SortRecords(records []GenerationRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if c := a.SettlementDate.Compare(b.SettlementDate); c != 0 {
			return c < 0
		}
		if a.SettlementPeriod != b.SettlementPeriod {
			return a.SettlementPeriod < b.SettlementPeriod
		}
		return a.BMUnit < b.BMUnit
	})
}

// Summary describes a retrieved dataset.
type Summary struct {
	Records       int
	FirstDate     Date
	LastDate      Date
	Units         []string
	TotalQuantity float64 // MWh
}

// Summarize computes record count, date range, distinct units and total output.
func Summarize(records []GenerationRecord) Summary {
	var s Summary
	units := make(map[string]struct{})
	for i, r := range records {
		if i == 0 || r.SettlementDate.Before(s.FirstDate) {
			s.FirstDate = r.SettlementDate
		}
		if i == 0 || r.SettlementDate.After(s.LastDate) {
			s.LastDate = r.SettlementDate
		}
		units[r.BMUnit] = struct{}{}
		s.TotalQuantity += r.Quantity
	}
	s.Records = len(records)
	for u := range units {
		s.Units = append(s.Units, u)
	}
	sort.Strings(s.Units)
	return s
}
