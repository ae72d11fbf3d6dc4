// Package metrics exposes orchestrator and queue metrics for Prometheus.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vigil"

// Task outcomes recorded by ObserveTask.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeCritical  = "critical"
)

type Metrics struct {
	registry *prometheus.Registry

	scansTotal    *prometheus.CounterVec
	tasksTotal    *prometheus.CounterVec
	sourceErrors  *prometheus.CounterVec
	findingsTotal *prometheus.CounterVec

	scansInFlight prometheus.Gauge
	queueDepth    prometheus.Gauge

	scanDuration *prometheus.HistogramVec
	taskDuration *prometheus.HistogramVec
}

// New creates a Metrics with its own registry so tests and multiple
// instances never collide on the global one.
func New() (*Metrics, error) {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.scansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Scans finished, by final status",
		},
		[]string{"status"},
	)
	m.tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Task executions, by task and outcome",
		},
		[]string{"task", "outcome"},
	)
	m.sourceErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_errors_total",
			Help:      "Vulnerability source and collaborator failures",
		},
		[]string{"source"},
	)
	m.findingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "findings_total",
			Help:      "Findings written, by task",
		},
		[]string{"task"},
	)
	m.scansInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "scans_in_flight",
		Help:      "Scans currently being executed",
	})
	m.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Jobs waiting in the queue",
	})
	m.scanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Wall time of a scan run",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"status"},
	)
	m.taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Wall time of a single task",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"task"},
	)

	collectors := []prometheus.Collector{
		m.scansTotal,
		m.tasksTotal,
		m.sourceErrors,
		m.findingsTotal,
		m.scansInFlight,
		m.queueDepth,
		m.scanDuration,
		m.taskDuration,
	}
	for _, c := range collectors {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return m, nil
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// ScanStarted marks a scan as in flight. The returned func records the
// final status and duration and must be called exactly once.
func (m *Metrics) ScanStarted() func(status string) {
	if m == nil {
		return func(string) {}
	}
	start := time.Now()
	m.scansInFlight.Inc()
	return func(status string) {
		m.scansInFlight.Dec()
		m.scansTotal.WithLabelValues(status).Inc()
		m.scanDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) ObserveTask(task, outcome string, findings int, d time.Duration) {
	if m == nil {
		return
	}
	m.tasksTotal.WithLabelValues(task, outcome).Inc()
	m.taskDuration.WithLabelValues(task).Observe(d.Seconds())
	if findings > 0 {
		m.findingsTotal.WithLabelValues(task).Add(float64(findings))
	}
}

func (m *Metrics) SourceError(source string) {
	if m == nil {
		return
	}
	m.sourceErrors.WithLabelValues(source).Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
