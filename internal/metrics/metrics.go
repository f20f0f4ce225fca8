// Package metrics exposes prometheus instrumentation for a bulk retrieval run.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "ukenergy_"

// Request outcomes.
const (
	OutcomeRecords = "records"
	OutcomeEmpty   = "empty"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// FetchMetrics groups the collectors for one registry. A nil *FetchMetrics
// is valid and records nothing.
type FetchMetrics struct {
	requests        *prometheus.CounterVec
	retries         prometheus.Counter
	inflight        prometheus.Gauge
	latency         prometheus.Histogram
	records         prometheus.Counter
	checkpointSaves prometheus.Counter
}

// NewFetchMetrics creates the collectors and registers them on reg.
func NewFetchMetrics(reg prometheus.Registerer) *FetchMetrics {
	m := &FetchMetrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "fetch_requests_total",
				Help: "Settlement requests completed by outcome",
			},
			[]string{"outcome"},
		),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "fetch_retries_total",
			Help: "Request attempts that failed and were retried",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "fetch_inflight",
			Help: "Requests currently holding a concurrency slot",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    metricPrefix + "fetch_request_duration_seconds",
			Help:    "Time to resolve one settlement request including retries",
			Buckets: prometheus.DefBuckets,
		}),
		records: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "fetch_records_total",
			Help: "Generation records retrieved",
		}),
		checkpointSaves: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "checkpoint_saves_total",
			Help: "Checkpoint files written",
		}),
	}
	reg.MustRegister(m.requests, m.retries, m.inflight, m.latency, m.records, m.checkpointSaves)
	return m
}

// ObserveRequest records a completed request.
func (m *FetchMetrics) ObserveRequest(outcome string, records int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
	if outcome != OutcomeSkipped {
		m.latency.Observe(d.Seconds())
	}
	m.records.Add(float64(records))
}

// Retry counts a retried attempt.
func (m *FetchMetrics) Retry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// SlotAcquired marks a request entering the admission gate.
func (m *FetchMetrics) SlotAcquired() {
	if m == nil {
		return
	}
	m.inflight.Inc()
}

// SlotReleased marks a request leaving the admission gate.
func (m *FetchMetrics) SlotReleased() {
	if m == nil {
		return
	}
	m.inflight.Dec()
}

// CheckpointSaved counts a checkpoint write.
func (m *FetchMetrics) CheckpointSaved() {
	if m == nil {
		return
	}
	m.checkpointSaves.Inc()
}
