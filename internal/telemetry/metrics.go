package telemetry

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects runtime metrics for the memory tiers.
type Metrics struct {
	mu sync.RWMutex

	// Counters
	TurnsRecorded   int64
	SessionsFlushed int64
	FlushFailures   int64
	JobsEnqueued    int64
	JobsProcessed   int64
	JobsRetried     int64
	JobsDeadLetter  int64
	PrefCacheHits   int64
	PrefCacheMisses int64
	Searches        int64
	SearchFailures  int64

	// Gauges
	ActiveSessions int64
	ActiveWorkers  int64

	// Histograms (simplified)
	embedDurations  []time.Duration
	searchDurations []time.Duration

	// Exporter (optional)
	exporter MetricsExporter
}

// NewMetrics creates a new metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{
		embedDurations:  make([]time.Duration, 0, 1000),
		searchDurations: make([]time.Duration, 0, 1000),
	}
}

// IncTurnsRecorded increments the recorded-turn counter.
func (m *Metrics) IncTurnsRecorded() {
	atomic.AddInt64(&m.TurnsRecorded, 1)
}

// IncSessionsFlushed increments the flushed-session counter.
func (m *Metrics) IncSessionsFlushed() {
	atomic.AddInt64(&m.SessionsFlushed, 1)
}

// IncFlushFailures increments the flush-failure counter.
func (m *Metrics) IncFlushFailures() {
	atomic.AddInt64(&m.FlushFailures, 1)
}

// IncJobsEnqueued increments the enqueued-job counter.
func (m *Metrics) IncJobsEnqueued() {
	atomic.AddInt64(&m.JobsEnqueued, 1)
}

// IncJobsProcessed increments the processed-job counter.
func (m *Metrics) IncJobsProcessed() {
	atomic.AddInt64(&m.JobsProcessed, 1)
}

// IncJobsRetried increments the retried-job counter.
func (m *Metrics) IncJobsRetried() {
	atomic.AddInt64(&m.JobsRetried, 1)
}

// IncJobsDeadLettered increments the dead-lettered-job counter.
func (m *Metrics) IncJobsDeadLettered() {
	atomic.AddInt64(&m.JobsDeadLetter, 1)
}

// IncPrefCacheHit increments the preference cache hit counter.
func (m *Metrics) IncPrefCacheHit() {
	atomic.AddInt64(&m.PrefCacheHits, 1)
}

// IncPrefCacheMiss increments the preference cache miss counter.
func (m *Metrics) IncPrefCacheMiss() {
	atomic.AddInt64(&m.PrefCacheMisses, 1)
}

// IncSearches increments the vector search counter.
func (m *Metrics) IncSearches() {
	atomic.AddInt64(&m.Searches, 1)
}

// IncSearchFailures increments the vector search failure counter.
func (m *Metrics) IncSearchFailures() {
	atomic.AddInt64(&m.SearchFailures, 1)
}

// AddActiveSessions adjusts the active session gauge by delta.
func (m *Metrics) AddActiveSessions(delta int64) {
	atomic.AddInt64(&m.ActiveSessions, delta)
}

// AddActiveWorkers adjusts the active worker gauge by delta.
func (m *Metrics) AddActiveWorkers(delta int64) {
	atomic.AddInt64(&m.ActiveWorkers, delta)
}

// RecordEmbedDuration records how long one embedding job took end to end.
func (m *Metrics) RecordEmbedDuration(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.embedDurations = append(m.embedDurations, d)
}

// RecordSearchDuration records a vector search latency.
func (m *Metrics) RecordSearchDuration(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.searchDurations = append(m.searchDurations, d)
}

// GetSummary returns a summary of collected metrics.
func (m *Metrics) GetSummary() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summary := map[string]interface{}{
		"turns_recorded":    atomic.LoadInt64(&m.TurnsRecorded),
		"sessions_flushed":  atomic.LoadInt64(&m.SessionsFlushed),
		"flush_failures":    atomic.LoadInt64(&m.FlushFailures),
		"jobs_enqueued":     atomic.LoadInt64(&m.JobsEnqueued),
		"jobs_processed":    atomic.LoadInt64(&m.JobsProcessed),
		"jobs_retried":      atomic.LoadInt64(&m.JobsRetried),
		"jobs_dead_letter":  atomic.LoadInt64(&m.JobsDeadLetter),
		"pref_cache_hits":   atomic.LoadInt64(&m.PrefCacheHits),
		"pref_cache_misses": atomic.LoadInt64(&m.PrefCacheMisses),
		"searches":          atomic.LoadInt64(&m.Searches),
		"search_failures":   atomic.LoadInt64(&m.SearchFailures),
		"active_sessions":   atomic.LoadInt64(&m.ActiveSessions),
		"active_workers":    atomic.LoadInt64(&m.ActiveWorkers),
	}

	if len(m.embedDurations) > 0 {
		var total time.Duration
		for _, d := range m.embedDurations {
			total += d
		}
		summary["avg_embed_duration_ms"] = total.Milliseconds() / int64(len(m.embedDurations))
	}

	if len(m.searchDurations) > 0 {
		var total time.Duration
		for _, d := range m.searchDurations {
			total += d
		}
		summary["avg_search_duration_ms"] = total.Milliseconds() / int64(len(m.searchDurations))
	}

	return summary
}

// Reset resets all metrics.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	atomic.StoreInt64(&m.TurnsRecorded, 0)
	atomic.StoreInt64(&m.SessionsFlushed, 0)
	atomic.StoreInt64(&m.FlushFailures, 0)
	atomic.StoreInt64(&m.JobsEnqueued, 0)
	atomic.StoreInt64(&m.JobsProcessed, 0)
	atomic.StoreInt64(&m.JobsRetried, 0)
	atomic.StoreInt64(&m.JobsDeadLetter, 0)
	atomic.StoreInt64(&m.PrefCacheHits, 0)
	atomic.StoreInt64(&m.PrefCacheMisses, 0)
	atomic.StoreInt64(&m.Searches, 0)
	atomic.StoreInt64(&m.SearchFailures, 0)
	atomic.StoreInt64(&m.ActiveSessions, 0)
	atomic.StoreInt64(&m.ActiveWorkers, 0)

	m.embedDurations = m.embedDurations[:0]
	m.searchDurations = m.searchDurations[:0]
}

// SetExporter attaches a metrics exporter.
func (m *Metrics) SetExporter(e MetricsExporter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exporter = e
}

// Emit exports a snapshot for the given event if an exporter is attached.
func (m *Metrics) Emit(event string, labels map[string]string) {
	m.mu.RLock()
	exporter := m.exporter
	m.mu.RUnlock()

	if exporter == nil {
		return
	}

	_ = exporter.Export(MetricsSnapshot{
		Timestamp: time.Now(),
		Event:     event,
		Metrics:   m.GetSummary(),
		Labels:    labels,
	})
}
