package checkpoint

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/seenimoa/ukenergy/internal/settlement"
)

func req(m time.Month, d, p int) settlement.SettlementRequest {
	return settlement.SettlementRequest{Date: settlement.NewDate(2024, m, d), Period: p}
}

func TestLoadMissingFile(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "checkpoint.json"))
	cp, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cp != nil {
		t.Errorf("expected nil checkpoint, got %+v", cp)
	}
	if s.Exists() {
		t.Error("Exists should be false")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "checkpoint.json"))
	failed := map[settlement.SettlementRequest]struct{}{req(time.June, 10, 5): {}}
	want := settlement.NewCheckpoint(req(time.June, 15, 20), failed)

	if err := s.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Cursor() != want.Cursor() {
		t.Errorf("cursor: got %v, want %v", got.Cursor(), want.Cursor())
	}
	if len(got.FailedRequests) != 1 || got.FailedRequests[0] != req(time.June, 10, 5) {
		t.Errorf("failed: got %v", got.FailedRequests)
	}
}

func TestLoadReadsOriginalFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seabank_checkpoint.json")
	content := `{"last_date": "2024-06-15", "last_period": 20, "failed_requests": [["2024-06-10", 5], ["2024-01-02", 48]]}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cp, err := NewStore(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cp.LastDate != settlement.NewDate(2024, time.June, 15) || cp.LastPeriod != 20 {
		t.Errorf("cursor: got %v", cp.Cursor())
	}
	if len(cp.FailedRequests) != 2 {
		t.Errorf("failed: got %v", cp.FailedRequests)
	}
}

func TestLoadWithoutFailedRequests(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.json")
	os.WriteFile(path, []byte(`{"last_date":"2024-02-01","last_period":3}`), 0o644)
	cp, err := NewStore(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cp.FailedRequests) != 0 {
		t.Errorf("expected no failed requests, got %v", cp.FailedRequests)
	}
}

func TestLoadCorruptFile(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"truncated json", `{"last_date": "2024-06-15", "last_pe`},
		{"bad date", `{"last_date": "15/06/2024", "last_period": 20}`},
		{"missing cursor", `{"failed_requests": []}`},
		{"bad pair", `{"last_date":"2024-06-15","last_period":20,"failed_requests":[["2024-06-10"]]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "cp.json")
			os.WriteFile(path, []byte(tt.content), 0o644)
			if _, err := NewStore(path).Load(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestDelete(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "cp.json"))
	if err := s.Delete(); err != nil {
		t.Errorf("Delete of missing file: %v", err)
	}
	if err := s.Save(settlement.NewCheckpoint(req(time.January, 1, 1), nil)); err != nil {
		t.Fatal(err)
	}
	if !s.Exists() {
		t.Fatal("checkpoint should exist after Save")
	}
	if err := s.Delete(); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if s.Exists() {
		t.Error("checkpoint should be gone after Delete")
	}
}

func TestConcurrentSaves(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "cp.json"))
	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			failed := map[settlement.SettlementRequest]struct{}{req(time.May, 1, p): {}}
			if err := s.Save(settlement.NewCheckpoint(req(time.May, 2, p), failed)); err != nil {
				t.Errorf("Save: %v", err)
			}
		}(i)
	}
	wg.Wait()

	cp, err := s.Load()
	if err != nil {
		t.Fatalf("Load after concurrent saves: %v", err)
	}
	if len(cp.FailedRequests) != 1 || cp.FailedRequests[0].Period != cp.LastPeriod {
		t.Errorf("checkpoint mixes writes: %+v", cp)
	}
}
