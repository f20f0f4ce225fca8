package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestFetchMetricsCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewFetchMetrics(reg)

	m.ObserveRequest(OutcomeRecords, 2, 10*time.Millisecond)
	m.ObserveRequest(OutcomeRecords, 2, 10*time.Millisecond)
	m.ObserveRequest(OutcomeEmpty, 0, time.Millisecond)
	m.ObserveRequest(OutcomeSkipped, 0, 0)
	m.Retry()
	m.CheckpointSaved()

	if got := testutil.ToFloat64(m.requests.WithLabelValues(OutcomeRecords)); got != 2 {
		t.Errorf("records outcome: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.records); got != 4 {
		t.Errorf("records total: got %v, want 4", got)
	}
	if got := testutil.ToFloat64(m.retries); got != 1 {
		t.Errorf("retries: got %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.latency); got != 1 {
		t.Errorf("latency collectors: got %d", got)
	}
}

func TestInflightGauge(t *testing.T) {
	m := NewFetchMetrics(prometheus.NewRegistry())
	m.SlotAcquired()
	m.SlotAcquired()
	m.SlotReleased()
	if got := testutil.ToFloat64(m.inflight); got != 1 {
		t.Errorf("inflight: got %v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *FetchMetrics
	m.ObserveRequest(OutcomeFailed, 0, time.Second)
	m.Retry()
	m.SlotAcquired()
	m.SlotReleased()
	m.CheckpointSaved()
}

func TestRegistersOncePerRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewFetchMetrics(reg)
	defer func() {
		if recover() == nil {
			t.Error("expected duplicate registration to panic")
		}
	}()
	NewFetchMetrics(reg)
}
