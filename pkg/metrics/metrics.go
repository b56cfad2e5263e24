// Package metrics provides Prometheus metrics collection for the CDC
// pipeline, plus an in-process snapshot with latency percentiles for the
// management surface.
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// latencyWindowSize bounds the in-memory latency sample window used for the
// snapshot percentiles. Oldest samples are overwritten.
const latencyWindowSize = 4096

// PipelineMetrics holds Prometheus metrics for the capture/publish path and
// mirrors the hot counters in process memory so Snapshot can serve them
// without scraping.
type PipelineMetrics struct {
	registry *prometheus.Registry

	eventsCaptured  *prometheus.CounterVec
	eventsPublished *prometheus.CounterVec
	eventsFailed    *prometheus.CounterVec
	eventsSkipped   prometheus.Counter
	publishLatency  prometheus.Histogram
	inFlight        prometheus.Gauge
	engineState     *prometheus.GaugeVec

	mu          sync.Mutex
	captured    uint64
	published   uint64
	failed      uint64
	skipped     uint64
	perTable    map[string]*TableCounters
	latencies   []float64
	latencyNext int
	latencyFull bool
	periodStart time.Time
}

// TableCounters is the per-table breakdown served by Snapshot.
type TableCounters struct {
	EventsCaptured  uint64 `json:"eventsCaptured"`
	EventsPublished uint64 `json:"eventsPublished"`
	EventsFailed    uint64 `json:"eventsFailed"`
}

// Snapshot is a point-in-time view of pipeline throughput and latency.
type Snapshot struct {
	EventsCaptured  uint64                   `json:"eventsCaptured"`
	EventsPublished uint64                   `json:"eventsPublished"`
	EventsFailed    uint64                   `json:"eventsFailed"`
	EventsSkipped   uint64                   `json:"eventsSkipped"`
	LatencyP50      float64                  `json:"latencyP50"`
	LatencyP95      float64                  `json:"latencyP95"`
	LatencyP99      float64                  `json:"latencyP99"`
	PeriodStart     time.Time                `json:"periodStart"`
	PeriodEnd       time.Time                `json:"periodEnd"`
	Tables          map[string]TableCounters `json:"tables"`
}

// NewPipelineMetrics creates pipeline metrics registered on their own
// registry. Pass the registry to the exposition layer when one exists.
func NewPipelineMetrics() *PipelineMetrics {
	return NewPipelineMetricsWithRegistry(prometheus.NewRegistry())
}

// NewPipelineMetricsWithRegistry creates pipeline metrics registered on the
// given registry.
func NewPipelineMetricsWithRegistry(registry *prometheus.Registry) *PipelineMetrics {
	m := &PipelineMetrics{
		registry:    registry,
		perTable:    make(map[string]*TableCounters),
		latencies:   make([]float64, latencyWindowSize),
		periodStart: time.Now(),
		eventsCaptured: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cdc_bridge",
				Subsystem: "pipeline",
				Name:      "events_captured_total",
				Help:      "Total number of change events captured from the source",
			},
			[]string{"table"},
		),
		eventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cdc_bridge",
				Subsystem: "pipeline",
				Name:      "events_published_total",
				Help:      "Total number of change events acknowledged by the broker",
			},
			[]string{"table"},
		),
		eventsFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cdc_bridge",
				Subsystem: "pipeline",
				Name:      "events_failed_total",
				Help:      "Total number of change events that failed delivery or serialization",
			},
			[]string{"table"},
		),
		eventsSkipped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "cdc_bridge",
				Subsystem: "pipeline",
				Name:      "events_skipped_total",
				Help:      "Total number of tombstone or unparseable records discarded",
			},
		),
		publishLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "cdc_bridge",
				Subsystem: "pipeline",
				Name:      "publish_latency_seconds",
				Help:      "Time from capture to broker acknowledgement",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "cdc_bridge",
				Subsystem: "pipeline",
				Name:      "in_flight_events",
				Help:      "Number of events submitted to the publisher and not yet acknowledged",
			},
		),
		engineState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "cdc_bridge",
				Subsystem: "pipeline",
				Name:      "engine_state",
				Help:      "Current engine state (1 for the active state, 0 otherwise)",
			},
			[]string{"state"},
		),
	}

	registry.MustRegister(m.eventsCaptured, m.eventsPublished, m.eventsFailed,
		m.eventsSkipped, m.publishLatency, m.inFlight, m.engineState)

	return m
}

// Registry returns the registry the collectors are registered on.
func (m *PipelineMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordCaptured counts one event captured from the source for table.
func (m *PipelineMetrics) RecordCaptured(table string) {
	m.eventsCaptured.WithLabelValues(table).Inc()
	m.mu.Lock()
	m.captured++
	m.tableCounters(table).EventsCaptured++
	m.mu.Unlock()
}

// RecordPublished counts one broker-acknowledged event and its end-to-end
// latency.
func (m *PipelineMetrics) RecordPublished(table string, latency time.Duration) {
	m.eventsPublished.WithLabelValues(table).Inc()
	m.publishLatency.Observe(latency.Seconds())
	m.mu.Lock()
	m.published++
	m.tableCounters(table).EventsPublished++
	m.latencies[m.latencyNext] = latency.Seconds()
	m.latencyNext++
	if m.latencyNext == latencyWindowSize {
		m.latencyNext = 0
		m.latencyFull = true
	}
	m.mu.Unlock()
}

// RecordFailed counts one event that exhausted delivery retries or failed
// serialization.
func (m *PipelineMetrics) RecordFailed(table string) {
	m.eventsFailed.WithLabelValues(table).Inc()
	m.mu.Lock()
	m.failed++
	m.tableCounters(table).EventsFailed++
	m.mu.Unlock()
}

// RecordSkipped counts one tombstone or unparseable record discarded without
// blocking the stream.
func (m *PipelineMetrics) RecordSkipped() {
	m.eventsSkipped.Inc()
	m.mu.Lock()
	m.skipped++
	m.mu.Unlock()
}

// SetInFlight publishes the current publisher in-flight window occupancy.
func (m *PipelineMetrics) SetInFlight(n int) {
	m.inFlight.Set(float64(n))
}

// SetEngineState marks the active lifecycle state gauge.
func (m *PipelineMetrics) SetEngineState(state string) {
	for _, s := range []string{"STOPPED", "STARTING", "RUNNING", "STOPPING", "FAILED"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.engineState.WithLabelValues(s).Set(v)
	}
}

// GetSnapshot returns the current counters and latency percentiles. The
// percentiles are computed over a bounded window of recent acknowledgements.
func (m *PipelineMetrics) GetSnapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	tables := make(map[string]TableCounters, len(m.perTable))
	for name, c := range m.perTable {
		tables[name] = *c
	}

	n := m.latencyNext
	if m.latencyFull {
		n = latencyWindowSize
	}
	samples := make([]float64, n)
	copy(samples, m.latencies[:n])
	sort.Float64s(samples)

	return Snapshot{
		EventsCaptured:  m.captured,
		EventsPublished: m.published,
		EventsFailed:    m.failed,
		EventsSkipped:   m.skipped,
		LatencyP50:      percentile(samples, 0.50),
		LatencyP95:      percentile(samples, 0.95),
		LatencyP99:      percentile(samples, 0.99),
		PeriodStart:     m.periodStart,
		PeriodEnd:       time.Now(),
		Tables:          tables,
	}
}

// tableCounters returns the counter record for table; callers hold m.mu.
func (m *PipelineMetrics) tableCounters(table string) *TableCounters {
	c, ok := m.perTable[table]
	if !ok {
		c = &TableCounters{}
		m.perTable[table] = c
	}
	return c
}

// percentile returns the q-th percentile of sorted samples using
// nearest-rank, or 0 for an empty window.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
