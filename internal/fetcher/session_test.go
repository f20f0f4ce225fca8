package fetcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seenimoa/ukenergy/internal/checkpoint"
	"github.com/seenimoa/ukenergy/internal/elexon"
	"github.com/seenimoa/ukenergy/internal/output"
	"github.com/seenimoa/ukenergy/internal/settlement"
)

type fetchFunc func(ctx context.Context, req settlement.SettlementRequest) ([]settlement.GenerationRecord, error)

func (f fetchFunc) FetchPeriod(ctx context.Context, req settlement.SettlementRequest) ([]settlement.GenerationRecord, error) {
	return f(ctx, req)
}

func oneRecord(req settlement.SettlementRequest) []settlement.GenerationRecord {
	return []settlement.GenerationRecord{{
		SettlementDate:   req.Date,
		SettlementPeriod: req.Period,
		BMUnit:           "T_SEAB-1",
		Quantity:         float64(req.Period),
	}}
}

type harness struct {
	store *checkpoint.Store
	table *output.CSVFile
	opts  Options
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	opts := DefaultOptions(2024)
	opts.RequestDelay = 0
	return &harness{
		store: checkpoint.NewStore(filepath.Join(dir, "checkpoint.json")),
		table: output.NewCSVFile(filepath.Join(dir, "generation.csv")),
		opts:  opts,
	}
}

func (h *harness) session(f PeriodFetcher) *Session {
	return New(h.opts, f, h.store, h.table, nil, nil)
}

func date(s string) settlement.Date {
	d, err := settlement.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

var exhausted = fmt.Errorf("gave up: %w", elexon.ErrRetriesExhausted)

// ── Full runs ──

func TestRunWritesSortedOutputAndRemovesCheckpoint(t *testing.T) {
	h := newHarness(t)
	total := h.opts.Calendar.TotalRequests()

	var calls atomic.Int64
	res, err := h.session(fetchFunc(func(_ context.Context, req settlement.SettlementRequest) ([]settlement.GenerationRecord, error) {
		calls.Add(1)
		return oneRecord(req), nil
	})).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if int(calls.Load()) != total {
		t.Errorf("calls = %d, want %d", calls.Load(), total)
	}
	if !res.Succeeded || len(res.Failed) != 0 {
		t.Errorf("Succeeded = %v, Failed = %v", res.Succeeded, res.Failed)
	}
	if res.Completed != total || res.Total != total {
		t.Errorf("Completed = %d, Total = %d, want %d", res.Completed, res.Total, total)
	}
	if h.store.Exists() {
		t.Error("checkpoint should be removed after a clean run")
	}

	got, err := h.table.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != total {
		t.Fatalf("rows = %d, want %d", len(got), total)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Request().Less(got[i-1].Request()) {
			t.Fatalf("row %d (%s) precedes row %d (%s)", i, got[i].Request(), i-1, got[i-1].Request())
		}
	}
}

func TestRunRespectsConcurrencyLimit(t *testing.T) {
	h := newHarness(t)
	h.opts.MaxConcurrent = 3

	var inflight, peak atomic.Int64
	jan1 := date("2024-01-01")
	_, err := h.session(fetchFunc(func(_ context.Context, req settlement.SettlementRequest) ([]settlement.GenerationRecord, error) {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		if req.Date == jan1 {
			time.Sleep(2 * time.Millisecond)
		}
		return nil, nil
	})).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if peak.Load() > 3 {
		t.Errorf("peak in-flight = %d, want <= 3", peak.Load())
	}
	if peak.Load() < 2 {
		t.Errorf("peak in-flight = %d, requests never overlapped", peak.Load())
	}
}

func TestRunEmptyPeriodsAreNotFailures(t *testing.T) {
	h := newHarness(t)
	res, err := h.session(fetchFunc(func(_ context.Context, req settlement.SettlementRequest) ([]settlement.GenerationRecord, error) {
		if req.Period%2 == 0 {
			return nil, nil
		}
		return oneRecord(req), nil
	})).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Succeeded {
		t.Errorf("failed = %v, want none", res.Failed)
	}
	if len(res.Records) == 0 || len(res.Records) >= res.Total {
		t.Errorf("records = %d, want some but fewer than %d", len(res.Records), res.Total)
	}
}

func TestRunNoRecordsWritesHeaderOnly(t *testing.T) {
	h := newHarness(t)
	_, err := h.session(fetchFunc(func(context.Context, settlement.SettlementRequest) ([]settlement.GenerationRecord, error) {
		return nil, nil
	})).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	data, err := os.ReadFile(h.table.Path)
	if err != nil {
		t.Fatalf("output not written: %v", err)
	}
	want := "settlementDate,settlementPeriod,bmUnit,halfHourEndTime,quantity\n"
	if string(data) != want {
		t.Errorf("output = %q, want %q", data, want)
	}
}

// ── Failures and checkpoints ──

func TestRunPersistentFailureKeepsCheckpoint(t *testing.T) {
	h := newHarness(t)
	bad := settlement.SettlementRequest{Date: date("2024-06-01"), Period: 10}

	res, err := h.session(fetchFunc(func(_ context.Context, req settlement.SettlementRequest) ([]settlement.GenerationRecord, error) {
		if req == bad {
			return nil, exhausted
		}
		return oneRecord(req), nil
	})).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Succeeded {
		t.Error("Succeeded = true, want false")
	}
	if len(res.Failed) != 1 || res.Failed[0] != bad {
		t.Errorf("Failed = %v, want [%s]", res.Failed, bad)
	}
	if len(res.Records) != res.Total-1 {
		t.Errorf("records = %d, want %d", len(res.Records), res.Total-1)
	}

	cp, err := h.store.Load()
	if err != nil || cp == nil {
		t.Fatalf("Load = %v, %v; want a checkpoint", cp, err)
	}
	wantCursor := settlement.SettlementRequest{Date: date("2024-12-31"), Period: 48}
	if cp.Cursor() != wantCursor {
		t.Errorf("cursor = %s, want %s", cp.Cursor(), wantCursor)
	}
	if len(cp.FailedRequests) != 1 || cp.FailedRequests[0] != bad {
		t.Errorf("failed_requests = %v, want [%s]", cp.FailedRequests, bad)
	}
	if _, err := os.Stat(h.table.Path); err != nil {
		t.Errorf("output should still be written: %v", err)
	}
}

func TestRunResumeRetriesFailedAndMergesOutput(t *testing.T) {
	h := newHarness(t)
	bad := settlement.SettlementRequest{Date: date("2024-06-01"), Period: 10}
	cursor := settlement.SettlementRequest{Date: date("2024-12-31"), Period: 1}
	prev := settlement.SettlementRequest{Date: date("2024-01-01"), Period: 1}

	if err := h.store.Save(settlement.NewCheckpoint(cursor, map[settlement.SettlementRequest]struct{}{bad: {}})); err != nil {
		t.Fatal(err)
	}
	if err := h.table.Write(oneRecord(prev)); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var seen []settlement.SettlementRequest
	res, err := h.session(fetchFunc(func(_ context.Context, req settlement.SettlementRequest) ([]settlement.GenerationRecord, error) {
		mu.Lock()
		seen = append(seen, req)
		mu.Unlock()
		return oneRecord(req), nil
	})).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// the failed request plus every period of the cursor day
	if len(seen) != 49 {
		t.Fatalf("fetched %d requests, want 49", len(seen))
	}
	for _, req := range seen {
		if req != bad && req.Date != cursor.Date {
			t.Errorf("unexpected fetch of %s", req)
		}
	}
	if res.Skipped != res.Total-49 {
		t.Errorf("Skipped = %d, want %d", res.Skipped, res.Total-49)
	}
	if !res.Succeeded || h.store.Exists() {
		t.Error("resume that clears all failures should remove the checkpoint")
	}

	got, err := h.table.Read()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 50 {
		t.Fatalf("rows = %d, want 50 (1 previous + 49 fetched)", len(got))
	}
	if got[0].Request() != prev {
		t.Errorf("first row = %s, want %s", got[0].Request(), prev)
	}
}

func TestRunCorruptCheckpointIsFatal(t *testing.T) {
	h := newHarness(t)
	if err := os.WriteFile(h.store.Path(), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	var calls atomic.Int64
	_, err := h.session(fetchFunc(func(context.Context, settlement.SettlementRequest) ([]settlement.GenerationRecord, error) {
		calls.Add(1)
		return nil, nil
	})).Run(context.Background())
	if err == nil {
		t.Fatal("expected error for corrupt checkpoint")
	}
	if calls.Load() != 0 {
		t.Errorf("fetched %d requests, want 0", calls.Load())
	}
}

func TestRunFatalErrorLeavesLastCheckpoint(t *testing.T) {
	h := newHarness(t)
	h.opts.MaxConcurrent = 1
	requests := h.opts.Calendar.Enumerate()
	boom := errors.New("disk on fire")

	_, err := h.session(fetchFunc(func(_ context.Context, req settlement.SettlementRequest) ([]settlement.GenerationRecord, error) {
		if req == requests[250] {
			return nil, boom
		}
		return oneRecord(req), nil
	})).Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}

	cp, err := h.store.Load()
	if err != nil || cp == nil {
		t.Fatalf("Load = %v, %v; want the periodic checkpoint", cp, err)
	}
	// saved after 200 completions: everything before requests[200] is done
	if cp.Cursor() != requests[200] {
		t.Errorf("cursor = %s, want %s", cp.Cursor(), requests[200])
	}
	// the partial table written with that checkpoint covers every skipped request
	rows, err := h.table.Read()
	if err != nil {
		t.Fatalf("Read partial output: %v", err)
	}
	if len(rows) != 200 {
		t.Fatalf("partial rows = %d, want 200", len(rows))
	}
	if rows[0].Request() != requests[0] || rows[199].Request() != requests[199] {
		t.Errorf("partial rows span %s..%s, want %s..%s",
			rows[0].Request(), rows[199].Request(), requests[0], requests[199])
	}
}

func TestRunResumeAfterFatalErrorKeepsEarlierRows(t *testing.T) {
	h := newHarness(t)
	h.opts.MaxConcurrent = 1
	requests := h.opts.Calendar.Enumerate()
	boom := errors.New("disk on fire")

	_, err := h.session(fetchFunc(func(_ context.Context, req settlement.SettlementRequest) ([]settlement.GenerationRecord, error) {
		if req == requests[250] {
			return nil, boom
		}
		return oneRecord(req), nil
	})).Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("first run err = %v, want %v", err, boom)
	}

	var calls atomic.Int64
	res, err := h.session(fetchFunc(func(_ context.Context, req settlement.SettlementRequest) ([]settlement.GenerationRecord, error) {
		calls.Add(1)
		return oneRecord(req), nil
	})).Run(context.Background())
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.Skipped != 200 {
		t.Errorf("Skipped = %d, want 200", res.Skipped)
	}
	if int(calls.Load()) != len(requests)-200 {
		t.Errorf("fetched %d, want %d", calls.Load(), len(requests)-200)
	}

	rows, err := h.table.Read()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != len(requests) {
		t.Fatalf("rows = %d, want %d", len(rows), len(requests))
	}
	for i, r := range rows {
		if r.Request() != requests[i] {
			t.Fatalf("row %d = %s, want %s", i, r.Request(), requests[i])
		}
	}
	if h.store.Exists() {
		t.Error("checkpoint should be removed after a clean resume")
	}
}

// ── Checkpoint ownership ──

func TestRunRejectsCheckpointFromAnotherYear(t *testing.T) {
	h := newHarness(t)
	bad := settlement.SettlementRequest{Date: date("2024-06-01"), Period: 10}
	cursor := settlement.SettlementRequest{Date: date("2024-12-31"), Period: 1}
	if err := h.store.Save(settlement.NewCheckpoint(cursor, map[settlement.SettlementRequest]struct{}{bad: {}})); err != nil {
		t.Fatal(err)
	}
	if err := h.table.Write(oneRecord(bad)); err != nil {
		t.Fatal(err)
	}

	h.opts = DefaultOptions(2025)
	h.opts.RequestDelay = 0
	var calls atomic.Int64
	_, err := h.session(fetchFunc(func(_ context.Context, req settlement.SettlementRequest) ([]settlement.GenerationRecord, error) {
		calls.Add(1)
		return oneRecord(req), nil
	})).Run(context.Background())
	if !errors.Is(err, ErrForeignCheckpoint) {
		t.Fatalf("err = %v, want ErrForeignCheckpoint", err)
	}
	if calls.Load() != 0 {
		t.Errorf("fetched %d requests, want 0", calls.Load())
	}

	cp, err := h.store.Load()
	if err != nil || cp == nil {
		t.Fatalf("checkpoint should be left in place: %v, %v", cp, err)
	}
	if len(cp.FailedRequests) != 1 || cp.FailedRequests[0] != bad {
		t.Errorf("failed_requests = %v, want [%s]", cp.FailedRequests, bad)
	}
	rows, err := h.table.Read()
	if err != nil || len(rows) != 1 || rows[0].Request() != bad {
		t.Errorf("output should be untouched, got %v, %v", rows, err)
	}
}

func TestCheckCheckpoint(t *testing.T) {
	cal := settlement.DefaultCalendar(2025)
	in := settlement.SettlementRequest{Date: date("2025-03-01"), Period: 5}
	out := settlement.SettlementRequest{Date: date("2024-06-01"), Period: 10}

	tests := []struct {
		name string
		cp   *settlement.Checkpoint
		ok   bool
	}{
		{"none", nil, true},
		{"same year", settlement.NewCheckpoint(in, map[settlement.SettlementRequest]struct{}{in: {}}), true},
		{"foreign cursor", settlement.NewCheckpoint(out, nil), false},
		{"foreign failure", settlement.NewCheckpoint(in, map[settlement.SettlementRequest]struct{}{out: {}}), false},
		{"period past day end", &settlement.Checkpoint{LastDate: date("2025-03-30"), LastPeriod: 47}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkCheckpoint(cal, tt.cp)
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrForeignCheckpoint) {
				t.Errorf("err = %v, want ErrForeignCheckpoint", err)
			}
		})
	}
}

func TestRunResumeDropsPreviousRowsOutsideCalendar(t *testing.T) {
	h := newHarness(t)
	cursor := settlement.SettlementRequest{Date: date("2024-12-31"), Period: 1}
	if err := h.store.Save(settlement.NewCheckpoint(cursor, nil)); err != nil {
		t.Fatal(err)
	}
	stale := settlement.SettlementRequest{Date: date("2023-05-05"), Period: 3}
	kept := settlement.SettlementRequest{Date: date("2024-02-02"), Period: 4}
	if err := h.table.Write(append(oneRecord(stale), oneRecord(kept)...)); err != nil {
		t.Fatal(err)
	}

	res, err := h.session(fetchFunc(func(_ context.Context, req settlement.SettlementRequest) ([]settlement.GenerationRecord, error) {
		return oneRecord(req), nil
	})).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// the kept row plus the 48 periods of the cursor day
	if len(res.Records) != 49 {
		t.Fatalf("records = %d, want 49", len(res.Records))
	}
	for _, r := range res.Records {
		if r.SettlementDate.Year != 2024 {
			t.Errorf("row %s from outside the calendar year", r.Request())
		}
	}
	if res.Records[0].Request() != kept {
		t.Errorf("first row = %s, want %s", res.Records[0].Request(), kept)
	}
}

func TestRunCancelled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int64
	_, err := h.session(fetchFunc(func(ctx context.Context, req settlement.SettlementRequest) ([]settlement.GenerationRecord, error) {
		if calls.Add(1) == 10 {
			cancel()
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return oneRecord(req), nil
	})).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

// ── Helpers ──

func TestMergeRecordsFreshWins(t *testing.T) {
	d := date("2024-03-01")
	previous := []settlement.GenerationRecord{
		{SettlementDate: d, SettlementPeriod: 1, BMUnit: "T_SEAB-1", Quantity: 1},
		{SettlementDate: d, SettlementPeriod: 1, BMUnit: "T_SEAB-2", Quantity: 2},
	}
	fresh := []settlement.GenerationRecord{
		{SettlementDate: d, SettlementPeriod: 1, BMUnit: "T_SEAB-1", Quantity: 10},
		{SettlementDate: d, SettlementPeriod: 2, BMUnit: "T_SEAB-1", Quantity: 3},
	}
	got := mergeRecords(previous, fresh)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].Quantity != 10 {
		t.Errorf("duplicate key kept quantity %v, want 10", got[0].Quantity)
	}
}

func TestProgressAfterRun(t *testing.T) {
	h := newHarness(t)
	s := h.session(fetchFunc(func(_ context.Context, req settlement.SettlementRequest) ([]settlement.GenerationRecord, error) {
		return oneRecord(req), nil
	}))
	if p := s.Progress(); p.Running || p.Total != 0 {
		t.Errorf("before Run: %+v", p)
	}
	if _, err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	p := s.Progress()
	if p.Running {
		t.Error("Running = true after Run returned")
	}
	if p.Completed != p.Total || p.Records != p.Total {
		t.Errorf("progress = %+v", p)
	}
	if p.RunID == "" {
		t.Error("RunID is empty")
	}
	if p.Cursor != "2024-12-31 SP48" {
		t.Errorf("Cursor = %q, want %q", p.Cursor, "2024-12-31 SP48")
	}
}
