package collector

import (
	"sync/atomic"
	"time"
)

// metricsCollector tracks sync activity across every job of a run
type metricsCollector struct {
	// Atomic counters for thread-safe updates
	windowsFetched   int64
	recordsFetched   int64
	recordsPersisted int64
	fetchErrors      int64
	jobsCompleted    int64
	jobsFailed       int64

	// Fetch latency tracking
	totalFetchTime int64 // nanoseconds
	fetchCount     int64

	startTime time.Time
}

// RunMetrics is a point-in-time copy of the run counters.
type RunMetrics struct {
	WindowsFetched   int64         `json:"windows_fetched"`
	RecordsFetched   int64         `json:"records_fetched"`
	RecordsPersisted int64         `json:"records_persisted"`
	FetchErrors      int64         `json:"fetch_errors"`
	JobsCompleted    int64         `json:"jobs_completed"`
	JobsFailed       int64         `json:"jobs_failed"`
	AvgFetchTime     time.Duration `json:"avg_fetch_time"`
	Uptime           time.Duration `json:"uptime"`
}

func newMetricsCollector() *metricsCollector {
	return &metricsCollector{startTime: time.Now()}
}

// recordFetch records one remote call that returned n rows
func (m *metricsCollector) recordFetch(n int, duration time.Duration) {
	atomic.AddInt64(&m.windowsFetched, 1)
	atomic.AddInt64(&m.recordsFetched, int64(n))
	atomic.AddInt64(&m.totalFetchTime, duration.Nanoseconds())
	atomic.AddInt64(&m.fetchCount, 1)
}

func (m *metricsCollector) recordFetchError() {
	atomic.AddInt64(&m.fetchErrors, 1)
}

func (m *metricsCollector) recordJob(persisted int, err error) {
	if err != nil {
		atomic.AddInt64(&m.jobsFailed, 1)
		return
	}
	atomic.AddInt64(&m.jobsCompleted, 1)
	atomic.AddInt64(&m.recordsPersisted, int64(persisted))
}

// snapshot returns the current counters
func (m *metricsCollector) snapshot() RunMetrics {
	s := RunMetrics{
		WindowsFetched:   atomic.LoadInt64(&m.windowsFetched),
		RecordsFetched:   atomic.LoadInt64(&m.recordsFetched),
		RecordsPersisted: atomic.LoadInt64(&m.recordsPersisted),
		FetchErrors:      atomic.LoadInt64(&m.fetchErrors),
		JobsCompleted:    atomic.LoadInt64(&m.jobsCompleted),
		JobsFailed:       atomic.LoadInt64(&m.jobsFailed),
		Uptime:           time.Since(m.startTime),
	}
	if count := atomic.LoadInt64(&m.fetchCount); count > 0 {
		s.AvgFetchTime = time.Duration(atomic.LoadInt64(&m.totalFetchTime) / count)
	}
	return s
}
