package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the chart execution service.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ExecutionErrors   *prometheus.CounterVec
	AttemptsTotal     *prometheus.CounterVec
	ActiveExecutions  prometheus.Gauge
	GateRejections    prometheus.Counter
	ScanViolations    *prometheus.CounterVec
	SecurityEvents    *prometheus.CounterVec
	PipInstalls       *prometheus.CounterVec
	EnvGCDeleted      prometheus.Counter
	EnvGCFreedBytes   prometheus.Counter
	RequestsInFlight  prometheus.Gauge
	CodeSizeBytes     prometheus.Histogram
	OutputSizeBytes   prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chart",
				Name:      "executions_total",
				Help:      "Total number of chart executions by profile and status.",
			},
			[]string{"profile", "status"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "chart",
				Name:      "execution_duration_seconds",
				Help:      "Duration of chart executions in seconds, including provisioning.",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"profile"},
		),

		ExecutionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chart",
				Name:      "execution_errors_total",
				Help:      "Total chart execution errors by code.",
			},
			[]string{"code"},
		),

		AttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chart",
				Name:      "attempts_total",
				Help:      "Total script attempts by final attempt state.",
			},
			[]string{"state"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "chart",
				Name:      "active_executions",
				Help:      "Number of executions currently holding a gate slot.",
			},
		),

		GateRejections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "chart",
				Name:      "gate_rejections_total",
				Help:      "Requests rejected because every execution slot was busy.",
			},
		),

		ScanViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chart",
				Name:      "code_scan_violations_total",
				Help:      "Dangerous constructs found by the sandboxed code scan.",
			},
			[]string{"pattern"},
		),

		SecurityEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chart",
				Name:      "security_events_total",
				Help:      "Suspicious content detected in execution output.",
			},
			[]string{"type"},
		),

		PipInstalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chart",
				Name:      "pip_installs_total",
				Help:      "pip install invocations by reason and status.",
			},
			[]string{"reason", "status"},
		),

		EnvGCDeleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "chart",
				Subsystem: "env_gc",
				Name:      "deleted_total",
				Help:      "Virtual environments deleted by garbage collection.",
			},
		),

		EnvGCFreedBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "chart",
				Subsystem: "env_gc",
				Name:      "freed_bytes_total",
				Help:      "Bytes reclaimed by environment garbage collection.",
			},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "chart",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "chart",
				Name:      "code_size_bytes",
				Help:      "Size of submitted chart code in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "chart",
				Name:      "output_size_bytes",
				Help:      "Size of captured stdout plus stderr in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionErrors,
		m.AttemptsTotal,
		m.ActiveExecutions,
		m.GateRejections,
		m.ScanViolations,
		m.SecurityEvents,
		m.PipInstalls,
		m.EnvGCDeleted,
		m.EnvGCFreedBytes,
		m.RequestsInFlight,
		m.CodeSizeBytes,
		m.OutputSizeBytes,
	)

	return m
}

// RecordExecution records metrics for a completed execution.
func (m *Metrics) RecordExecution(profile, status string, durationSec float64) {
	m.ExecutionsTotal.WithLabelValues(profile, status).Inc()
	m.ExecutionDuration.WithLabelValues(profile).Observe(durationSec)
}

// RecordError records an execution error by wire code.
func (m *Metrics) RecordError(code string) {
	m.ExecutionErrors.WithLabelValues(code).Inc()
}

// RecordAttempt records the terminal state of one script attempt.
func (m *Metrics) RecordAttempt(state string) {
	m.AttemptsTotal.WithLabelValues(state).Inc()
}

// RecordScanViolation records one scan hit.
func (m *Metrics) RecordScanViolation(pattern string) {
	m.ScanViolations.WithLabelValues(pattern).Inc()
}

// RecordSecurityEvent records a security event.
func (m *Metrics) RecordSecurityEvent(eventType string) {
	m.SecurityEvents.WithLabelValues(eventType).Inc()
}

// RecordPipInstall records a pip invocation.
func (m *Metrics) RecordPipInstall(reason string, ok bool) {
	status := "ok"
	if !ok {
		status = "failed"
	}
	m.PipInstalls.WithLabelValues(reason, status).Inc()
}

// RecordEnvGC records the outcome of a GC pass.
func (m *Metrics) RecordEnvGC(deleted int, freedBytes int64) {
	m.EnvGCDeleted.Add(float64(deleted))
	m.EnvGCFreedBytes.Add(float64(freedBytes))
}
