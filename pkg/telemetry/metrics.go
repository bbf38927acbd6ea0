package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the maintenance engine.
// All Record methods are safe on a nil or disabled instance.
type Metrics struct {
	config MetricsConfig

	// Work order metrics
	workOrdersCreated     *prometheus.CounterVec
	workOrdersTransitions *prometheus.CounterVec

	// PM scheduler metrics
	pmGenerations   *prometheus.CounterVec
	templateFailure *prometheus.CounterVec
	tickDuration    prometheus.Histogram

	// SLA metrics
	slaBreaches *prometheus.CounterVec

	// Condition monitoring metrics
	readingsIngested *prometheus.CounterVec
	alarms           *prometheus.CounterVec

	// Predictive metrics
	predictiveTriggers *prometheus.CounterVec

	// Generic job duration for evaluation, sweep and rollup runs
	jobDuration *prometheus.HistogramVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		workOrdersCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "work_orders_created_total",
				Help:      "Total number of work orders created",
			},
			[]string{"kind", "priority"},
		),
		workOrdersTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "work_order_transitions_total",
				Help:      "Total number of work order status transitions",
			},
			[]string{"from", "to"},
		),

		pmGenerations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pm_generations_total",
				Help:      "PM generation outcomes by result (generated, skipped, duplicate)",
			},
			[]string{"outcome", "reason"},
		),
		templateFailure: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pm_template_failures_total",
				Help:      "Total number of PM template evaluation failures",
			},
			[]string{"flagged"},
		),
		tickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pm_tick_duration_seconds",
				Help:      "Duration of a PM scheduler tick in seconds",
				Buckets:   buckets,
			},
		),

		slaBreaches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sla_breaches_total",
				Help:      "Total number of SLA breaches detected",
			},
			[]string{"breach_type"},
		),

		readingsIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "readings_ingested_total",
				Help:      "Total number of condition readings ingested",
			},
			[]string{"result"},
		),
		alarms: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "condition_alarms_total",
				Help:      "Condition alarm state changes",
			},
			[]string{"state", "severity"},
		),

		predictiveTriggers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "predictive_triggers_total",
				Help:      "Predictive rule firings by outcome",
			},
			[]string{"status"},
		),

		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Duration of periodic engine jobs in seconds",
				Buckets:   buckets,
			},
			[]string{"job", "status"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of classified errors",
			},
			[]string{"class", "code"},
		),
	}

	registry.MustRegister(
		m.workOrdersCreated,
		m.workOrdersTransitions,
		m.pmGenerations,
		m.templateFailure,
		m.tickDuration,
		m.slaBreaches,
		m.readingsIngested,
		m.alarms,
		m.predictiveTriggers,
		m.jobDuration,
		m.errorsByClass,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordWorkOrderCreated counts a created work order.
func (m *Metrics) RecordWorkOrderCreated(kind, priority string) {
	if !m.enabled() {
		return
	}
	m.workOrdersCreated.WithLabelValues(kind, priority).Inc()
}

// RecordTransition counts a work order status change.
func (m *Metrics) RecordTransition(from, to string) {
	if !m.enabled() {
		return
	}
	m.workOrdersTransitions.WithLabelValues(from, to).Inc()
}

// RecordGeneration counts a PM generation outcome.
func (m *Metrics) RecordGeneration(outcome, reason string) {
	if !m.enabled() {
		return
	}
	m.pmGenerations.WithLabelValues(outcome, reason).Inc()
}

// RecordTemplateFailure counts a failed template evaluation.
func (m *Metrics) RecordTemplateFailure(flagged bool) {
	if !m.enabled() {
		return
	}
	label := "false"
	if flagged {
		label = "true"
	}
	m.templateFailure.WithLabelValues(label).Inc()
}

// ObserveTick records the duration of a scheduler tick.
func (m *Metrics) ObserveTick(duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.tickDuration.Observe(duration.Seconds())
}

// RecordBreach counts a detected SLA breach.
func (m *Metrics) RecordBreach(breachType string) {
	if !m.enabled() {
		return
	}
	m.slaBreaches.WithLabelValues(breachType).Inc()
}

// RecordReading counts an ingested reading by result (applied, stale, failed).
func (m *Metrics) RecordReading(result string) {
	if !m.enabled() {
		return
	}
	m.readingsIngested.WithLabelValues(result).Inc()
}

// RecordAlarm counts an alarm state change.
func (m *Metrics) RecordAlarm(state, severity string) {
	if !m.enabled() {
		return
	}
	m.alarms.WithLabelValues(state, severity).Inc()
}

// RecordTrigger counts a predictive rule firing.
func (m *Metrics) RecordTrigger(status string) {
	if !m.enabled() {
		return
	}
	m.predictiveTriggers.WithLabelValues(status).Inc()
}

// ObserveJob records the duration and outcome of a periodic job.
func (m *Metrics) ObserveJob(job string, duration time.Duration, err error) {
	if !m.enabled() {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.jobDuration.WithLabelValues(job, status).Observe(duration.Seconds())
}

// RecordError records an error by class and code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass, errorCode).Inc()
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
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
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
