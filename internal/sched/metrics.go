package sched

import (
	"sync"
	"sync/atomic"
	"time"
)

// MetricsSnapshot is a point-in-time view of a scheduler instance. Counters
// are cumulative since construction; there is no persistence.
type MetricsSnapshot struct {
	QueueDepth    int      `json:"queue_depth"`
	QueueCapacity int      `json:"queue_capacity"`
	ActiveWorkers int      `json:"active_workers"`
	Sessions      int      `json:"sessions"`
	Running       bool     `json:"running"`
	Workers       int      `json:"workers"`
	RateTokens    *float64 `json:"rate_tokens,omitempty"`

	TotalRequests     uint64 `json:"total_requests"`
	CompletedRequests uint64 `json:"completed_requests"`
	FailedRequests    uint64 `json:"failed_requests"`
	CancelledRequests uint64 `json:"cancelled_requests"`
	TimedOutRequests  uint64 `json:"timed_out_requests"`
	RateLimited       uint64 `json:"rate_limited"`

	AvgWaitTime       time.Duration `json:"avg_wait_time"`
	AvgProcessingTime time.Duration `json:"avg_processing_time"`
}

// metrics holds the scheduler's aggregate counters. Counters are atomics;
// the moving averages share one small mutex.
type metrics struct {
	total       atomic.Uint64
	completed   atomic.Uint64
	failed      atomic.Uint64
	cancelled   atomic.Uint64
	timedOut    atomic.Uint64
	rateLimited atomic.Uint64

	activeWorkers atomic.Int32

	avgMu   sync.Mutex
	avgWait time.Duration
	avgProc time.Duration
	avgN    uint64
}

// observe folds one completed request's wait and processing times into the
// moving averages: avg = (avg*(n-1) + v) / n.
func (m *metrics) observe(wait, proc time.Duration) {
	m.avgMu.Lock()
	m.avgN++
	n := time.Duration(m.avgN)
	m.avgWait = (m.avgWait*(n-1) + wait) / n
	m.avgProc = (m.avgProc*(n-1) + proc) / n
	m.avgMu.Unlock()
}

func (m *metrics) averages() (wait, proc time.Duration) {
	m.avgMu.Lock()
	defer m.avgMu.Unlock()
	return m.avgWait, m.avgProc
}
