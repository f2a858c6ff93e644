// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector owns the Prometheus instruments of the coordination service.
type Collector struct {
	// HTTP
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Coordination
	tasksCreatedTotal   prometheus.Counter
	taskFanoutSize      prometheus.Histogram
	runTransitionsTotal *prometheus.CounterVec
	resultsPostedTotal  *prometheus.CounterVec

	// Liveness
	websocketSessions    prometheus.Gauge
	nodeStatusFlipsTotal *prometheus.CounterVec

	// Event bus
	eventsPublishedTotal *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector registers the service's instruments under the given namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.tasksCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_created_total",
			Help:      "Total number of tasks created",
		},
	)

	c.taskFanoutSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_fanout_size",
			Help:      "Number of runs created per task",
			Buckets:   []float64{1, 2, 3, 5, 10, 25, 50, 100},
		},
	)

	c.runTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_transitions_total",
			Help:      "Total number of run status transitions",
		},
		[]string{"status"},
	)

	c.resultsPostedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_posted_total",
			Help:      "Total number of run results posted by nodes",
		},
		[]string{"outcome"},
	)

	c.websocketSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_sessions",
			Help:      "Number of currently connected node sessions",
		},
	)

	c.nodeStatusFlipsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_status_flips_total",
			Help:      "Total number of node liveness flips",
		},
		[]string{"status"},
	)

	c.eventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Total number of coordination events published",
		},
		[]string{"kind"},
	)

	return c
}

// RecordHTTPRequest records one served HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordTaskCreated records a committed task fan-out.
func (c *Collector) RecordTaskCreated(runCount int) {
	c.tasksCreatedTotal.Inc()
	c.taskFanoutSize.Observe(float64(runCount))
}

// RecordRunTransition records a run moving into the given status.
func (c *Collector) RecordRunTransition(status string) {
	c.runTransitionsTotal.WithLabelValues(status).Inc()
}

// RecordResultPosted records one result post. outcome is "applied",
// "duplicate", or "rejected".
func (c *Collector) RecordResultPosted(outcome string) {
	c.resultsPostedTotal.WithLabelValues(outcome).Inc()
}

// NodeConnected increments the connected session gauge.
func (c *Collector) NodeConnected() {
	c.websocketSessions.Inc()
	c.nodeStatusFlipsTotal.WithLabelValues("online").Inc()
}

// NodeDisconnected decrements the connected session gauge.
func (c *Collector) NodeDisconnected() {
	c.websocketSessions.Dec()
	c.nodeStatusFlipsTotal.WithLabelValues("offline").Inc()
}

// RecordEventPublished records one bus publish.
func (c *Collector) RecordEventPublished(kind string) {
	c.eventsPublishedTotal.WithLabelValues(kind).Inc()
}
