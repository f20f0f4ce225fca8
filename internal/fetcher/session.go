// Package fetcher drives a full-year bulk retrieval of settlement-period
// generation data: bounded concurrency, request spacing, resumable
// checkpoints, and a single sorted output table.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/seenimoa/ukenergy/internal/checkpoint"
	"github.com/seenimoa/ukenergy/internal/elexon"
	"github.com/seenimoa/ukenergy/internal/metrics"
	"github.com/seenimoa/ukenergy/internal/output"
	"github.com/seenimoa/ukenergy/internal/settlement"
)

// ErrForeignCheckpoint marks a checkpoint whose cursor or failed requests do
// not belong to the calendar being retrieved.
var ErrForeignCheckpoint = errors.New("checkpoint does not match the calendar")

// PeriodFetcher retrieves the records of one settlement period. A definitive
// per-request failure must match elexon.ErrRetriesExhausted; any other error
// aborts the run.
type PeriodFetcher interface {
	FetchPeriod(ctx context.Context, req settlement.SettlementRequest) ([]settlement.GenerationRecord, error)
}

// Options tune a Session.
type Options struct {
	Calendar        settlement.Calendar
	MaxConcurrent   int           // requests in flight at once
	RequestDelay    time.Duration // held after each fetch before the slot is freed
	CheckpointEvery int           // completions between checkpoint saves
	ProgressEvery   int           // completions between progress lines
}

// DefaultOptions returns the original retrieval settings for year.
func DefaultOptions(year int) Options {
	return Options{
		Calendar:        settlement.DefaultCalendar(year),
		MaxConcurrent:   10,
		RequestDelay:    100 * time.Millisecond,
		CheckpointEvery: 100,
		ProgressEvery:   1000,
	}
}

// Result summarizes a finished run.
type Result struct {
	RunID     string
	Records   []settlement.GenerationRecord // sorted
	Failed    []settlement.SettlementRequest
	Total     int
	Completed int
	Skipped   int
	Succeeded bool
	Elapsed   time.Duration
}

// Progress is a point-in-time view of a running session.
type Progress struct {
	RunID     string    `json:"run_id"`
	Year      int       `json:"year"`
	Total     int       `json:"total"`
	Completed int       `json:"completed"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
	Records   int       `json:"records"`
	InFlight  int       `json:"in_flight"`
	Cursor    string    `json:"cursor,omitempty"`
	StartedAt time.Time `json:"started_at"`
	Running   bool      `json:"running"`
}

// Session owns the state of one retrieval run. Sessions are independent:
// nothing is shared through package state.
type Session struct {
	opts    Options
	fetcher PeriodFetcher
	store   *checkpoint.Store
	table   output.Table
	logger  *slog.Logger
	metrics *metrics.FetchMetrics

	mu        sync.Mutex
	runID     string
	running   bool
	startedAt time.Time
	requests  []settlement.SettlementRequest
	done      []bool
	watermark int // index of the last request of the completed prefix
	completed int
	skipped   int
	inflight  int
	failed    map[settlement.SettlementRequest]struct{}
	records   []settlement.GenerationRecord
	previous  []settlement.GenerationRecord // output of the run being resumed
}

// New creates a session. logger and m may be nil.
func New(opts Options, f PeriodFetcher, store *checkpoint.Store, table output.Table, logger *slog.Logger, m *metrics.FetchMetrics) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	return &Session{
		opts:      opts,
		fetcher:   f,
		store:     store,
		table:     table,
		logger:    logger,
		metrics:   m,
		watermark: -1,
	}
}

// Run retrieves every settlement period of the configured year.
//
// Per-request failures never abort the run; they are collected into the
// failed set and kept in the checkpoint for the next run. Errors returned
// from Run are fatal (checkpoint or output I/O, cancellation) and leave the
// last saved checkpoint in place, together with the partial output written
// alongside it.
func (s *Session) Run(ctx context.Context) (*Result, error) {
	if err := s.opts.Calendar.Validate(); err != nil {
		return nil, err
	}
	requests := s.opts.Calendar.Enumerate()
	if len(requests) == 0 {
		return nil, settlement.ErrNoRequests
	}

	cp, err := s.store.Load()
	if err != nil {
		return nil, err
	}
	if err := checkCheckpoint(s.opts.Calendar, cp); err != nil {
		return nil, err
	}
	var previous []settlement.GenerationRecord
	if cp != nil {
		if previous, err = s.previousOutput(); err != nil {
			return nil, err
		}
	}
	resumer := settlement.NewResumer(cp)

	s.reset(requests, previous)
	log := s.logger.With("run_id", s.runID)
	log.Info("starting retrieval",
		"year", s.opts.Calendar.Year,
		"days", len(s.opts.Calendar.Dates()),
		"requests", len(requests),
		"max_concurrent", s.opts.MaxConcurrent)
	if cp != nil {
		log.Info("resuming from checkpoint",
			"cursor", cp.Cursor().String(), "failed_to_retry", len(cp.FailedRequests),
			"previous_records", len(previous))
	}

	sem := semaphore.NewWeighted(int64(s.opts.MaxConcurrent))
	g, gctx := errgroup.WithContext(ctx)

admit:
	for i, req := range requests {
		if resumer.ShouldSkip(req) {
			if err := s.complete(i, nil, false, true, 0); err != nil {
				g.Go(func() error { return err })
				break
			}
			continue
		}
		if resumer.Retrying(req) {
			log.Info("retrying previously failed request", "request", req.String())
		}

		if err := sem.Acquire(gctx, 1); err != nil {
			break admit
		}
		i, req := i, req
		g.Go(func() error {
			defer sem.Release(1)
			return s.process(gctx, i, req)
		})
	}

	if err := g.Wait(); err != nil {
		s.stop()
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		s.stop()
		return nil, err
	}

	return s.finish(log)
}

// checkCheckpoint rejects a checkpoint left by a retrieval of another year.
func checkCheckpoint(cal settlement.Calendar, cp *settlement.Checkpoint) error {
	if cp == nil {
		return nil
	}
	if !cal.Contains(cp.Cursor()) {
		return fmt.Errorf("%w: cursor %s is not a request of %d", ErrForeignCheckpoint, cp.Cursor(), cal.Year)
	}
	for _, req := range cp.FailedRequests {
		if !cal.Contains(req) {
			return fmt.Errorf("%w: failed request %s is not a request of %d", ErrForeignCheckpoint, req, cal.Year)
		}
	}
	return nil
}

// previousOutput reads the stored table, keeping only rows of the calendar.
func (s *Session) previousOutput() ([]settlement.GenerationRecord, error) {
	rows, err := s.table.Read()
	if err != nil {
		return nil, fmt.Errorf("read previous output: %w", err)
	}
	kept := rows[:0]
	for _, r := range rows {
		if s.opts.Calendar.Contains(r.Request()) {
			kept = append(kept, r)
		}
	}
	if dropped := len(rows) - len(kept); dropped > 0 {
		s.logger.Warn("ignoring previous output rows outside the calendar",
			"year", s.opts.Calendar.Year, "dropped", dropped)
	}
	return kept, nil
}

// process fetches one request while holding a concurrency slot, records the
// outcome, then waits out the spacing delay before the slot is released.
func (s *Session) process(ctx context.Context, i int, req settlement.SettlementRequest) error {
	s.enter()
	defer s.leave()

	start := time.Now()
	records, err := s.fetcher.FetchPeriod(ctx, req)
	failed := false
	if err != nil {
		if !errors.Is(err, elexon.ErrRetriesExhausted) {
			return fmt.Errorf("fetch %s: %w", req, err)
		}
		failed = true
		records = nil
	}
	if err := s.complete(i, records, failed, false, time.Since(start)); err != nil {
		return err
	}

	if s.opts.RequestDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.opts.RequestDelay):
		}
	}
	return nil
}

// complete records the outcome of request i. It is the single serialization
// point for run state and checkpoint writes.
func (s *Session) complete(i int, records []settlement.GenerationRecord, failed, skipped bool, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req := s.requests[i]
	outcome := metrics.OutcomeRecords
	switch {
	case skipped:
		outcome = metrics.OutcomeSkipped
		s.skipped++
	case failed:
		outcome = metrics.OutcomeFailed
		s.failed[req] = struct{}{}
	case len(records) == 0:
		outcome = metrics.OutcomeEmpty
	default:
		s.records = append(s.records, records...)
	}
	s.metrics.ObserveRequest(outcome, len(records), d)

	s.done[i] = true
	for s.watermark+1 < len(s.done) && s.done[s.watermark+1] {
		s.watermark++
	}
	s.completed++

	total := len(s.requests)
	if s.opts.ProgressEvery > 0 && (s.completed%s.opts.ProgressEvery == 0 || s.completed == total) {
		s.logger.Info("progress",
			"run_id", s.runID,
			"completed", s.completed,
			"total", total,
			"percent", fmt.Sprintf("%.1f", float64(s.completed)/float64(total)*100),
			"failed", len(s.failed),
			"records", len(s.records))
	}

	if s.opts.CheckpointEvery > 0 && s.completed%s.opts.CheckpointEvery == 0 && s.completed < total {
		// the table must hold every row the checkpoint lets a resume skip
		if err := s.table.Write(s.tableLocked()); err != nil {
			return fmt.Errorf("write partial output: %w", err)
		}
		if err := s.saveLocked(); err != nil {
			return err
		}
	}
	return nil
}

// tableLocked returns the previous and fresh records merged and sorted.
func (s *Session) tableLocked() []settlement.GenerationRecord {
	records := mergeRecords(s.previous, s.records)
	settlement.SortRecords(records)
	return records
}

// cursorLocked returns the first request not yet completed, or the last
// request when everything has completed. Every request before it is done.
func (s *Session) cursorLocked() settlement.SettlementRequest {
	next := s.watermark + 1
	if next >= len(s.requests) {
		next = len(s.requests) - 1
	}
	return s.requests[next]
}

func (s *Session) saveLocked() error {
	cp := settlement.NewCheckpoint(s.cursorLocked(), s.failed)
	if err := s.store.Save(cp); err != nil {
		return err
	}
	s.metrics.CheckpointSaved()
	s.logger.Debug("checkpoint saved",
		"run_id", s.runID, "cursor", cp.Cursor().String(), "failed", len(cp.FailedRequests))
	return nil
}

// finish sorts and writes the result table, then saves or removes the checkpoint.
func (s *Session) finish(log *slog.Logger) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false

	records := s.tableLocked()
	if len(s.previous) > 0 {
		log.Info("merged previous output", "previous_records", len(s.previous), "merged_records", len(records))
	}
	s.records = records
	s.previous = nil

	if err := s.table.Write(records); err != nil {
		return nil, fmt.Errorf("write output: %w", err)
	}

	if len(s.failed) == 0 {
		if err := s.store.Delete(); err != nil {
			return nil, err
		}
		log.Info("checkpoint removed after successful completion")
	} else {
		if err := s.saveLocked(); err != nil {
			return nil, err
		}
		log.Warn("some requests failed; checkpoint retained for retry",
			"failed", len(s.failed), "checkpoint", s.store.Path())
	}

	res := &Result{
		RunID:     s.runID,
		Records:   records,
		Failed:    settlement.NewCheckpoint(s.cursorLocked(), s.failed).FailedRequests,
		Total:     len(s.requests),
		Completed: s.completed,
		Skipped:   s.skipped,
		Succeeded: len(s.failed) == 0,
		Elapsed:   time.Since(s.startedAt),
	}

	sum := settlement.Summarize(records)
	log.Info("retrieval complete",
		"records", sum.Records,
		"first_date", sum.FirstDate.String(),
		"last_date", sum.LastDate.String(),
		"units", sum.Units,
		"total_mwh", fmt.Sprintf("%.2f", sum.TotalQuantity),
		"failed", len(res.Failed),
		"skipped", res.Skipped,
		"elapsed", res.Elapsed.Round(time.Millisecond).String())
	return res, nil
}

// mergeRecords unions previous and fresh records keyed by (date, period,
// unit); fresh records replace previous ones with the same key.
func mergeRecords(previous, fresh []settlement.GenerationRecord) []settlement.GenerationRecord {
	type key struct {
		req  settlement.SettlementRequest
		unit string
	}
	seen := make(map[key]int, len(previous)+len(fresh))
	out := make([]settlement.GenerationRecord, 0, len(previous)+len(fresh))
	for _, batch := range [][]settlement.GenerationRecord{previous, fresh} {
		for _, r := range batch {
			k := key{r.Request(), r.BMUnit}
			if idx, ok := seen[k]; ok {
				out[idx] = r
				continue
			}
			seen[k] = len(out)
			out = append(out, r)
		}
	}
	return out
}

func (s *Session) reset(requests []settlement.SettlementRequest, previous []settlement.GenerationRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runID = uuid.NewString()
	s.running = true
	s.startedAt = time.Now()
	s.requests = requests
	s.done = make([]bool, len(requests))
	s.watermark = -1
	s.completed = 0
	s.skipped = 0
	s.inflight = 0
	s.failed = make(map[settlement.SettlementRequest]struct{})
	s.records = nil
	s.previous = previous
}

func (s *Session) stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func (s *Session) enter() {
	s.mu.Lock()
	s.inflight++
	s.mu.Unlock()
	s.metrics.SlotAcquired()
}

func (s *Session) leave() {
	s.mu.Lock()
	s.inflight--
	s.mu.Unlock()
	s.metrics.SlotReleased()
}

// Progress returns a snapshot of the current run.
func (s *Session) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := Progress{
		RunID:     s.runID,
		Year:      s.opts.Calendar.Year,
		Total:     len(s.requests),
		Completed: s.completed,
		Skipped:   s.skipped,
		Failed:    len(s.failed),
		Records:   len(s.records),
		InFlight:  s.inflight,
		StartedAt: s.startedAt,
		Running:   s.running,
	}
	if len(s.requests) > 0 {
		p.Cursor = s.cursorLocked().String()
	}
	return p
}
