package settlement

import (
	"sort"
)

// Checkpoint is the persisted resume state of a bulk retrieval.
//
// Every request ordered strictly before (LastDate, LastPeriod) is treated as
// done unless it is listed in FailedRequests; failed requests are always
// attempted again.
type Checkpoint struct {
	LastDate       Date                `json:"last_date"`
	LastPeriod     int                 `json:"last_period"`
	FailedRequests []SettlementRequest `json:"failed_requests"`
}

// NewCheckpoint builds a checkpoint at cursor with the given failures sorted.
func NewCheckpoint(cursor SettlementRequest, failed map[SettlementRequest]struct{}) *Checkpoint {
	cp := &Checkpoint{
		LastDate:       cursor.Date,
		LastPeriod:     cursor.Period,
		FailedRequests: make([]SettlementRequest, 0, len(failed)),
	}
	for req := range failed {
		cp.FailedRequests = append(cp.FailedRequests, req)
	}
	sort.Slice(cp.FailedRequests, func(i, j int) bool {
		return cp.FailedRequests[i].Less(cp.FailedRequests[j])
	})
	return cp
}

// Cursor returns (LastDate, LastPeriod) as a request.
func (c *Checkpoint) Cursor() SettlementRequest {
	return SettlementRequest{Date: c.LastDate, Period: c.LastPeriod}
}

// FailedSet returns the failed requests as a set.
func (c *Checkpoint) FailedSet() map[SettlementRequest]struct{} {
	set := make(map[SettlementRequest]struct{})
	if c == nil {
		return set
	}
	for _, req := range c.FailedRequests {
		set[req] = struct{}{}
	}
	return set
}

// ShouldSkip reports whether req was already satisfied by an earlier run.
// A nil checkpoint never skips, and a previously failed request never skips.
func (c *Checkpoint) ShouldSkip(req SettlementRequest) bool {
	if c == nil {
		return false
	}
	if !req.Less(c.Cursor()) {
		return false
	}
	for _, f := range c.FailedRequests {
		if f == req {
			return false
		}
	}
	return true
}

// Resumer answers skip decisions against a loaded checkpoint with a
// precomputed failed set, for use over a whole year of requests.
type Resumer struct {
	cp     *Checkpoint
	failed map[SettlementRequest]struct{}
}

// NewResumer wraps cp (which may be nil).
func NewResumer(cp *Checkpoint) *Resumer {
	return &Resumer{cp: cp, failed: cp.FailedSet()}
}

// ShouldSkip has the same contract as Checkpoint.ShouldSkip.
func (r *Resumer) ShouldSkip(req SettlementRequest) bool {
	if r.cp == nil {
		return false
	}
	if _, retry := r.failed[req]; retry {
		return false
	}
	return req.Less(r.cp.Cursor())
}

// Retrying reports whether req is being re-attempted after an earlier failure.
func (r *Resumer) Retrying(req SettlementRequest) bool {
	_, ok := r.failed[req]
	return ok
}
