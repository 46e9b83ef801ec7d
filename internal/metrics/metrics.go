package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "autophone"

// Metrics contains all Prometheus metrics for the device-farm controller.
type Metrics struct {
	// Counters
	JobsDispatchedTotal *prometheus.CounterVec
	PulseMessagesTotal  *prometheus.CounterVec
	PulseReconnects     prometheus.Counter
	CrashesTotal        *prometheus.CounterVec
	CacheHits           prometheus.Counter
	CacheMisses         prometheus.Counter

	// Gauges
	WorkersTotal *prometheus.GaugeVec
	QueueDepth   *prometheus.GaugeVec

	// Histograms
	JobDuration     *prometheus.HistogramVec
	WorkerLatencyMs *prometheus.HistogramVec

	// Circuit breaker states
	CircuitState *prometheus.GaugeVec
}

var (
	defaultMetrics *Metrics
	once           sync.Once
)

// Default returns the singleton metrics instance.
func Default() *Metrics {
	once.Do(func() {
		defaultMetrics = New()
		defaultMetrics.Register(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// New creates a new Metrics instance.
func New() *Metrics {
	return &Metrics{
		JobsDispatchedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_dispatched_total",
				Help:      "Total number of jobs dispatched to workers",
			},
			[]string{"status", "build_type", "phoneid"},
		),
		PulseMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pulse_messages_total",
				Help:      "Total number of Pulse messages consumed, by exchange",
			},
			[]string{"exchange"},
		),
		PulseReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pulse_reconnects_total",
				Help:      "Total number of times the Pulse connection was re-established",
			},
		),
		CrashesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_crashes_total",
				Help:      "Total number of worker crashes observed, by phoneid",
			},
			[]string{"phoneid"},
		),
		CacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "build_cache_hits_total",
				Help:      "Total number of build cache hits",
			},
		),
		CacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "build_cache_misses_total",
				Help:      "Total number of build cache misses",
			},
		),

		WorkersTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workers_total",
				Help:      "Current number of registered workers by state",
			},
			[]string{"state"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_queue_depth",
				Help:      "Number of jobs queued in a worker's inbox",
			},
			[]string{"phoneid"},
		),

		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Duration of a dispatched job from send to completion status",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"build_type", "status"},
		),
		WorkerLatencyMs: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "worker_status_latency_ms",
				Help:      "EWMA-smoothed interval between worker status reports, in milliseconds",
				Buckets:   []float64{100, 500, 1000, 5000, 15000, 30000, 60000},
			},
			[]string{"phoneid"},
		),

		CircuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_state",
				Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),
	}
}

// Register registers all metrics with the given registerer.
func (m *Metrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(
		m.JobsDispatchedTotal,
		m.PulseMessagesTotal,
		m.PulseReconnects,
		m.CrashesTotal,
		m.CacheHits,
		m.CacheMisses,
		m.WorkersTotal,
		m.QueueDepth,
		m.JobDuration,
		m.WorkerLatencyMs,
		m.CircuitState,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// JobStatus represents the outcome of a dispatched job.
type JobStatus string

const (
	JobStatusDispatched JobStatus = "dispatched"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// RecordJobDispatched records a job handed off to a worker.
func (m *Metrics) RecordJobDispatched(status JobStatus, buildType, phoneID string) {
	m.JobsDispatchedTotal.WithLabelValues(string(status), buildType, phoneID).Inc()
}

// RecordJobDuration records the time a job took to reach a terminal status.
func (m *Metrics) RecordJobDuration(buildType string, status JobStatus, durationSec float64) {
	m.JobDuration.WithLabelValues(buildType, string(status)).Observe(durationSec)
}

// RecordPulseMessage records an inbound Pulse message from the given exchange.
func (m *Metrics) RecordPulseMessage(exchange string) {
	m.PulseMessagesTotal.WithLabelValues(exchange).Inc()
}

// RecordPulseReconnect records a Pulse connection re-establishment.
func (m *Metrics) RecordPulseReconnect() {
	m.PulseReconnects.Inc()
}

// RecordCrash records a crash for the given phoneid.
func (m *Metrics) RecordCrash(phoneID string) {
	m.CrashesTotal.WithLabelValues(phoneID).Inc()
}

// RecordCacheHit records a build cache hit.
func (m *Metrics) RecordCacheHit() {
	m.CacheHits.Inc()
}

// RecordCacheMiss records a build cache miss.
func (m *Metrics) RecordCacheMiss() {
	m.CacheMisses.Inc()
}

// SetWorkerCount updates the worker count gauge for a given state.
func (m *Metrics) SetWorkerCount(state string, count float64) {
	m.WorkersTotal.WithLabelValues(state).Set(count)
}

// SetQueueDepth updates the queue depth gauge for a worker.
func (m *Metrics) SetQueueDepth(phoneID string, depth float64) {
	m.QueueDepth.WithLabelValues(phoneID).Set(depth)
}

// RecordWorkerLatency records the EWMA status-report latency for a worker.
func (m *Metrics) RecordWorkerLatency(phoneID string, latencyMs float64) {
	m.WorkerLatencyMs.WithLabelValues(phoneID).Observe(latencyMs)
}

// CircuitStateValue represents circuit breaker states as numeric values.
type CircuitStateValue float64

const (
	CircuitStateClosed   CircuitStateValue = 0
	CircuitStateHalfOpen CircuitStateValue = 1
	CircuitStateOpen     CircuitStateValue = 2
)

// SetCircuitState updates the circuit breaker state for a named breaker
// (e.g. "taskcluster", "treeherder", "mailer").
func (m *Metrics) SetCircuitState(name string, state CircuitStateValue) {
	m.CircuitState.WithLabelValues(name).Set(float64(state))
}

// RemoveWorkerMetrics removes the queue-depth, status-latency and crash
// series for a phoneid that has been removed from the registry. Its
// jobs_dispatched_total series are not removed.
func (m *Metrics) RemoveWorkerMetrics(phoneID string) {
	m.QueueDepth.DeleteLabelValues(phoneID)
	m.WorkerLatencyMs.DeleteLabelValues(phoneID)
	m.CrashesTotal.DeleteLabelValues(phoneID)
}
