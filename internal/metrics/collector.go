// Package metrics provides Prometheus metrics for the orchestrator.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector holds every metric. A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	submissionsTotal  *prometheus.CounterVec
	rejectionsTotal   *prometheus.CounterVec
	sessionsFinished  *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	activeSessions    prometheus.Gauge
	eventsApplied     *prometheus.CounterVec
	streamSubscribers prometheus.Gauge

	logger *zap.Logger
}

// NewCollector creates a collector on its own registry.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.submissionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_submissions_total",
			Help:      "Total number of accepted workflow submissions",
		},
		[]string{"workflow_kind"},
	)

	c.rejectionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_rejections_total",
			Help:      "Total number of rejected workflow submissions",
		},
		[]string{"reason"}, // reason: policy, rate_limit, in_flight
	)

	c.sessionsFinished = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_sessions_finished_total",
			Help:      "Total number of sessions that reached a terminal state",
		},
		[]string{"status", "fallback"},
	)

	c.executionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_execution_duration_seconds",
			Help:      "Workflow execution duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"workflow_kind", "status"},
	)

	c.activeSessions = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "workflow_sessions_active",
		Help:      "Number of sessions currently executing",
	})

	c.eventsApplied = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_events_applied_total",
			Help:      "Total number of progress events applied to sessions",
		},
		[]string{"kind"},
	)

	c.streamSubscribers = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stream_subscribers",
		Help:      "Number of attached stream subscribers",
	})

	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// RecordHTTPRequest records one served request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordSubmission records an accepted submission.
func (c *Collector) RecordSubmission(kind string) {
	if c == nil {
		return
	}
	c.submissionsTotal.WithLabelValues(kind).Inc()
}

// RecordRejection records a refused submission.
func (c *Collector) RecordRejection(reason string) {
	if c == nil {
		return
	}
	c.rejectionsTotal.WithLabelValues(reason).Inc()
}

// SessionStarted marks a session as executing.
func (c *Collector) SessionStarted() {
	if c == nil {
		return
	}
	c.activeSessions.Inc()
}

// SessionFinished records a terminal session.
func (c *Collector) SessionFinished(kind, status string, fallback bool, duration time.Duration) {
	if c == nil {
		return
	}
	c.activeSessions.Dec()
	c.sessionsFinished.WithLabelValues(status, strconv.FormatBool(fallback)).Inc()
	c.executionDuration.WithLabelValues(kind, status).Observe(duration.Seconds())
	c.logger.Debug("session finished",
		zap.String("workflow_kind", kind),
		zap.String("status", status),
		zap.Bool("fallback", fallback),
		zap.Duration("duration", duration))
}

// RecordEvent records an applied progress event.
func (c *Collector) RecordEvent(kind string) {
	if c == nil {
		return
	}
	c.eventsApplied.WithLabelValues(kind).Inc()
}

// StreamAttached counts a new stream subscriber.
func (c *Collector) StreamAttached() {
	if c == nil {
		return
	}
	c.streamSubscribers.Inc()
}

// StreamDetached counts a departed stream subscriber.
func (c *Collector) StreamDetached() {
	if c == nil {
		return
	}
	c.streamSubscribers.Dec()
}
