// Package metrics exposes Prometheus collectors for tasks, HTTP traffic and
// residual draws.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so several instances can coexist in tests
type Metrics struct {
	registry      *prometheus.Registry
	tasksTotal    *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	residualDraws *prometheus.CounterVec
}

// New creates and registers all collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edna_tasks_total",
			Help: "Analysis tasks finished, by skill and final status.",
		}, []string{"skill", "status"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edna_task_duration_seconds",
			Help:    "Wall time of analysis tasks by skill.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"skill"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		residualDraws: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edna_residual_draws_total",
			Help: "Residual draws computed, by mode.",
		}, []string{"mode"}),
	}
	m.registry.MustRegister(
		m.tasksTotal,
		m.taskDuration,
		m.httpRequests,
		m.httpDuration,
		m.residualDraws,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveTask records a finished task
func (m *Metrics) ObserveTask(skill, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.tasksTotal.WithLabelValues(skill, status).Inc()
	m.taskDuration.WithLabelValues(skill).Observe(elapsed.Seconds())
}

// ObserveRequest records one HTTP request
func (m *Metrics) ObserveRequest(route, method, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, method, status).Inc()
	m.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// AddResidualDraws counts draws computed for a residual mode
func (m *Metrics) AddResidualDraws(mode string, draws int) {
	if m == nil || draws <= 0 {
		return
	}
	m.residualDraws.WithLabelValues(mode).Add(float64(draws))
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
