package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for plans, applies and handler calls.
// A disabled instance is safe to use; every method becomes a no-op.
type Metrics struct {
	config MetricsConfig

	plansComputed *prometheus.CounterVec
	plannedSteps  *prometheus.CounterVec

	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    prometheus.Gauge

	stepsExecuted *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec

	handlerCalls  *prometheus.CounterVec
	handlerErrors *prometheus.CounterVec

	entriesManaged *prometheus.GaugeVec

	policyViolations *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.HistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		plansComputed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plans_computed_total",
				Help:      "Total number of plans computed",
			},
			[]string{"command"},
		),
		plannedSteps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "planned_steps_total",
				Help:      "Total number of planned steps by action",
			},
			[]string{"action"},
		),
		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of apply runs started",
			},
			[]string{"command"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of apply runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of apply runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active apply runs",
			},
		),
		stepsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_executed_total",
				Help:      "Total number of steps executed",
			},
			[]string{"action", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of step execution in seconds",
				Buckets:   buckets,
			},
			[]string{"action", "entry_type"},
		),
		handlerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handler_calls_total",
				Help:      "Total number of handler callback invocations",
			},
			[]string{"handler", "operation"},
		),
		handlerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handler_errors_total",
				Help:      "Total number of handler callback failures",
			},
			[]string{"handler", "operation"},
		),
		entriesManaged: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "entries_managed",
				Help:      "Number of entries in persisted state by type",
			},
			[]string{"entry_type"},
		),
		policyViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_violations_total",
				Help:      "Total number of policy violations by severity",
			},
			[]string{"policy", "severity"},
		),
	}

	registry.MustRegister(
		m.plansComputed,
		m.plannedSteps,
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.activeRuns,
		m.stepsExecuted,
		m.stepDuration,
		m.handlerCalls,
		m.handlerErrors,
		m.entriesManaged,
		m.policyViolations,
	)

	return m, nil
}

// RecordPlan counts a computed plan and its steps by action.
func (m *Metrics) RecordPlan(command string, stepsByAction map[string]int) {
	if m.plansComputed == nil {
		return
	}
	m.plansComputed.WithLabelValues(command).Inc()
	for action, n := range stepsByAction {
		m.plannedSteps.WithLabelValues(action).Add(float64(n))
	}
}

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(command string) {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(command).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// RecordStepExecution records the execution of a step.
func (m *Metrics) RecordStepExecution(action, status string, duration time.Duration, entryType string) {
	if m.stepsExecuted == nil {
		return
	}
	m.stepsExecuted.WithLabelValues(action, status).Inc()
	m.stepDuration.WithLabelValues(action, entryType).Observe(duration.Seconds())
}

// RecordHandlerCall records a handler callback invocation.
func (m *Metrics) RecordHandlerCall(handler, operation string, failed bool) {
	if m.handlerCalls == nil {
		return
	}
	m.handlerCalls.WithLabelValues(handler, operation).Inc()
	if failed {
		m.handlerErrors.WithLabelValues(handler, operation).Inc()
	}
}

// SetEntryCounts replaces the managed entry gauge with counts by type.
func (m *Metrics) SetEntryCounts(countsByType map[string]int) {
	if m.entriesManaged == nil {
		return
	}
	m.entriesManaged.Reset()
	for t, n := range countsByType {
		m.entriesManaged.WithLabelValues(t).Set(float64(n))
	}
}

// RecordPolicyViolation counts a policy violation.
func (m *Metrics) RecordPolicyViolation(policy, severity string) {
	if m.policyViolations == nil {
		return
	}
	m.policyViolations.WithLabelValues(policy, severity).Inc()
}

// Registry returns the Prometheus registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Timer measures elapsed time.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves metrics in the background until the process exits.
// It is used by long-running commands such as plan --watch.
func (m *Metrics) StartMetricsServer(logger *Logger) {
	if !m.config.Enabled {
		return
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("metrics server stopped")
		}
	}()
}
