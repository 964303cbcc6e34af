package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// RequestMetrics counts prediction requests by outcome. Counters are
// lock-free; the outcome map only takes a lock the first time an outcome is seen.
type RequestMetrics struct {
	totalRequests  atomic.Int64
	totalErrors    atomic.Int64
	totalLatencyMs atomic.Int64
	inFlight       atomic.Int64

	outcomes sync.Map // string -> *atomic.Int64
}

func NewRequestMetrics() *RequestMetrics {
	return &RequestMetrics{}
}

// Start marks a request as in flight and returns the function that records it.
func (m *RequestMetrics) Start() func(outcome string, isError bool) {
	m.inFlight.Add(1)
	start := time.Now()
	return func(outcome string, isError bool) {
		m.inFlight.Add(-1)
		m.Record(time.Since(start), outcome, isError)
	}
}

// Record records a completed request.
func (m *RequestMetrics) Record(latency time.Duration, outcome string, isError bool) {
	m.totalRequests.Add(1)
	m.totalLatencyMs.Add(latency.Milliseconds())
	if isError {
		m.totalErrors.Add(1)
	}
	c, _ := m.outcomes.LoadOrStore(outcome, new(atomic.Int64))
	c.(*atomic.Int64).Add(1)
}

// Snapshot returns a point-in-time copy of the counters.
func (m *RequestMetrics) Snapshot() RequestSnapshot {
	total := m.totalRequests.Load()
	errors := m.totalErrors.Load()
	latencyMs := m.totalLatencyMs.Load()

	var avgLatencyMs, errorRate float64
	if total > 0 {
		avgLatencyMs = float64(latencyMs) / float64(total)
		errorRate = float64(errors) / float64(total)
	}

	outcomes := make(map[string]int64)
	m.outcomes.Range(func(k, v any) bool {
		outcomes[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})

	return RequestSnapshot{
		TotalRequests: total,
		TotalErrors:   errors,
		InFlight:      m.inFlight.Load(),
		AvgLatencyMs:  avgLatencyMs,
		ErrorRate:     errorRate,
		Outcomes:      outcomes,
	}
}

type RequestSnapshot struct {
	TotalRequests int64            `json:"total_requests"`
	TotalErrors   int64            `json:"total_errors"`
	InFlight      int64            `json:"in_flight"`
	AvgLatencyMs  float64          `json:"avg_latency_ms"`
	ErrorRate     float64          `json:"error_rate"`
	Outcomes      map[string]int64 `json:"outcomes"`
}
