package server

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// GateMetrics aggregates metrics across the gate.
type GateMetrics struct {
	// Sessions
	ActiveSessions      int64
	PeakSessions        int64
	SessionsStarted     int64
	SessionsRefreshed   int64
	SessionsClosed      int64
	SessionsInvalidated int64
	SessionsTimedOut    int64
	RecordingFailures   int64

	// Events
	EventsReceived  int64
	EventsProcessed int64
	EventsDropped   int64

	// Commands
	CommandsSent    int64
	CommandsDropped int64

	// Errors
	HandlerFailures int64
	HandlerPanics   int64

	// Uploads
	UploadsRegistered int64

	// Workers
	Workers     int
	BusyWorkers int

	// Latency (microseconds)
	EventLatencyP50 int64
	EventLatencyP99 int64

	// Timestamp
	CollectedAt time.Time
}

// Metrics collects and returns gate metrics.
func (g *Gate) Metrics() *GateMetrics {
	m := g.metrics.Snapshot()
	stats := g.registry.Stats()
	m.ActiveSessions = int64(stats.Active)
	m.PeakSessions = int64(stats.Peak)
	m.Workers = g.pool.Workers()
	m.BusyWorkers = g.pool.Busy()
	return m
}

const maxLatencySamples = 1000

// MetricsCollector collects and aggregates metrics over time.
type MetricsCollector struct {
	// Counters (atomic)
	sessionsStarted     atomic.Int64
	sessionsRefreshed   atomic.Int64
	sessionsClosed      atomic.Int64
	sessionsInvalidated atomic.Int64
	sessionsTimedOut    atomic.Int64
	recordingFailures   atomic.Int64
	eventsReceived      atomic.Int64
	eventsProcessed     atomic.Int64
	eventsDropped       atomic.Int64
	commandsSent        atomic.Int64
	commandsDropped     atomic.Int64
	handlerFailures     atomic.Int64
	handlerPanics       atomic.Int64
	uploadsRegistered   atomic.Int64

	// Latency tracking
	latencyMu sync.Mutex
	latencies []int64
}

// NewMetricsCollector creates a new MetricsCollector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		latencies: make([]int64, 0, maxLatencySamples),
	}
}

// RecordSessionStarted records a session start or refresh.
func (m *MetricsCollector) RecordSessionStarted(refresh bool) {
	if refresh {
		m.sessionsRefreshed.Add(1)
		return
	}
	m.sessionsStarted.Add(1)
}

// RecordSessionClosed records a session close.
func (m *MetricsCollector) RecordSessionClosed() {
	m.sessionsClosed.Add(1)
}

// RecordSessionInvalidated records a session closed because of a handler failure.
func (m *MetricsCollector) RecordSessionInvalidated() {
	m.sessionsInvalidated.Add(1)
}

// RecordSessionTimedOut records a session closed by the idle sweeper.
func (m *MetricsCollector) RecordSessionTimedOut() {
	m.sessionsTimedOut.Add(1)
}

// RecordRecordingFailure records a recording sink that could not be opened.
func (m *MetricsCollector) RecordRecordingFailure() {
	m.recordingFailures.Add(1)
}

// RecordEventReceived records an event received.
func (m *MetricsCollector) RecordEventReceived() {
	m.eventsReceived.Add(1)
}

// RecordEventProcessed records an event processed.
func (m *MetricsCollector) RecordEventProcessed() {
	m.eventsProcessed.Add(1)
}

// RecordEventDropped records an event dropped.
func (m *MetricsCollector) RecordEventDropped() {
	m.eventsDropped.Add(1)
}

// RecordCommandsSent records commands handed to the transport.
func (m *MetricsCollector) RecordCommandsSent(n int) {
	m.commandsSent.Add(int64(n))
}

// RecordCommandsDropped records commands discarded after channel loss or close.
func (m *MetricsCollector) RecordCommandsDropped(n int) {
	m.commandsDropped.Add(int64(n))
}

// RecordHandlerFailure records a failed start hook or event handler.
func (m *MetricsCollector) RecordHandlerFailure() {
	m.handlerFailures.Add(1)
}

// RecordHandlerPanic records a handler panic.
func (m *MetricsCollector) RecordHandlerPanic() {
	m.handlerPanics.Add(1)
}

// RecordUpload records an upload token registration.
func (m *MetricsCollector) RecordUpload() {
	m.uploadsRegistered.Add(1)
}

// RecordEventLatency records event processing latency.
func (m *MetricsCollector) RecordEventLatency(d time.Duration) {
	m.latencyMu.Lock()
	defer m.latencyMu.Unlock()

	// Keep only recent samples
	if len(m.latencies) >= maxLatencySamples {
		m.latencies = m.latencies[maxLatencySamples/2:]
	}
	m.latencies = append(m.latencies, d.Microseconds())
}

// Snapshot returns current metrics.
func (m *MetricsCollector) Snapshot() *GateMetrics {
	metrics := &GateMetrics{
		SessionsStarted:     m.sessionsStarted.Load(),
		SessionsRefreshed:   m.sessionsRefreshed.Load(),
		SessionsClosed:      m.sessionsClosed.Load(),
		SessionsInvalidated: m.sessionsInvalidated.Load(),
		SessionsTimedOut:    m.sessionsTimedOut.Load(),
		RecordingFailures:   m.recordingFailures.Load(),
		EventsReceived:      m.eventsReceived.Load(),
		EventsProcessed:     m.eventsProcessed.Load(),
		EventsDropped:       m.eventsDropped.Load(),
		CommandsSent:        m.commandsSent.Load(),
		CommandsDropped:     m.commandsDropped.Load(),
		HandlerFailures:     m.handlerFailures.Load(),
		HandlerPanics:       m.handlerPanics.Load(),
		UploadsRegistered:   m.uploadsRegistered.Load(),
		CollectedAt:         time.Now(),
	}

	metrics.EventLatencyP50, metrics.EventLatencyP99 = m.latencyPercentiles()

	return metrics
}

// latencyPercentiles calculates P50 and P99 latencies.
func (m *MetricsCollector) latencyPercentiles() (p50, p99 int64) {
	m.latencyMu.Lock()
	n := len(m.latencies)
	sorted := make([]int64, n)
	copy(sorted, m.latencies)
	m.latencyMu.Unlock()

	if n == 0 {
		return 0, 0
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return sorted[n/2], sorted[(n*99)/100]
}

// Reset resets all counters.
func (m *MetricsCollector) Reset() {
	m.sessionsStarted.Store(0)
	m.sessionsRefreshed.Store(0)
	m.sessionsClosed.Store(0)
	m.sessionsInvalidated.Store(0)
	m.sessionsTimedOut.Store(0)
	m.recordingFailures.Store(0)
	m.eventsReceived.Store(0)
	m.eventsProcessed.Store(0)
	m.eventsDropped.Store(0)
	m.commandsSent.Store(0)
	m.commandsDropped.Store(0)
	m.handlerFailures.Store(0)
	m.handlerPanics.Store(0)
	m.uploadsRegistered.Store(0)

	m.latencyMu.Lock()
	m.latencies = m.latencies[:0]
	m.latencyMu.Unlock()
}
