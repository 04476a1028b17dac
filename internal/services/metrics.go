package services

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Metrics collects in-process pipeline counters. A nil *Metrics is a no-op.
type Metrics struct {
	mu sync.RWMutex

	ingested           int64
	duplicates         int64
	validationFailures int64
	outcomes           map[string]int64
	summaries          int64
	blocked            int64
	backendErrors      int64
	latencies          []time.Duration
	startedAt          time.Time
}

// MetricsSnapshot is a point-in-time copy of Metrics
type MetricsSnapshot struct {
	MessagesIngested   int64            `json:"messages_ingested"`
	DuplicatesSkipped  int64            `json:"duplicates_skipped"`
	ValidationFailures int64            `json:"validation_failures"`
	JobOutcomes        map[string]int64 `json:"job_outcomes"`
	SummariesCreated   int64            `json:"summaries_created"`
	MessagesBlocked    int64            `json:"messages_blocked"`
	BackendErrors      int64            `json:"backend_errors"`
	BackendLatencyP50  int64            `json:"backend_latency_p50_ms"`
	BackendLatencyP95  int64            `json:"backend_latency_p95_ms"`
	UptimeSeconds      int64            `json:"uptime_seconds"`
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		outcomes:  make(map[string]int64),
		startedAt: time.Now(),
	}
}

// RecordIngest records one ingested batch
func (m *Metrics) RecordIngest(processed, duplicates, invalid int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ingested += int64(processed)
	m.duplicates += int64(duplicates)
	m.validationFailures += int64(invalid)
}

// RecordOutcome records a finished job attempt
func (m *Metrics) RecordOutcome(outcome Outcome) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.outcomes[outcome.String()]++
}

// RecordSummary records a committed summary and the messages filtered out of it
func (m *Metrics) RecordSummary(blocked int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.summaries++
	m.blocked += int64(blocked)
}

// RecordBackendCall records latency and success of a backend call
func (m *Metrics) RecordBackendCall(latency time.Duration, success bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if !success {
		m.backendErrors++
	}
	m.latencies = append(m.latencies, latency)

	// Keep only last 100 latencies
	if len(m.latencies) > 100 {
		m.latencies = m.latencies[1:]
	}
}

// Snapshot returns a copy of the counters
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{JobOutcomes: map[string]int64{}}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	outcomes := make(map[string]int64, len(m.outcomes))
	for k, v := range m.outcomes {
		outcomes[k] = v
	}
	p50, p95 := percentiles(m.latencies)
	return MetricsSnapshot{
		MessagesIngested:   m.ingested,
		DuplicatesSkipped:  m.duplicates,
		ValidationFailures: m.validationFailures,
		JobOutcomes:        outcomes,
		SummariesCreated:   m.summaries,
		MessagesBlocked:    m.blocked,
		BackendErrors:      m.backendErrors,
		BackendLatencyP50:  p50.Milliseconds(),
		BackendLatencyP95:  p95.Milliseconds(),
		UptimeSeconds:      int64(time.Since(m.startedAt).Seconds()),
	}
}

// Log writes the snapshot to logger
func (m *Metrics) Log(logger *logrus.Logger) {
	s := m.Snapshot()
	logger.WithFields(logrus.Fields{
		"messages_ingested":  s.MessagesIngested,
		"duplicates_skipped": s.DuplicatesSkipped,
		"summaries_created":  s.SummariesCreated,
		"messages_blocked":   s.MessagesBlocked,
		"backend_errors":     s.BackendErrors,
		"backend_p95_ms":     s.BackendLatencyP95,
		"job_outcomes":       s.JobOutcomes,
	}).Info("Pipeline metrics")
}

func percentiles(latencies []time.Duration) (time.Duration, time.Duration) {
	if len(latencies) == 0 {
		return 0, 0
	}
	sorted := append([]time.Duration(nil), latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[len(sorted)*50/100], sorted[(len(sorted)*95)/100]
}
