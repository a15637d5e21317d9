package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	// Task metrics
	TasksTotal      *prometheus.CounterVec
	TaskDuration    *prometheus.HistogramVec
	TasksInProgress prometheus.Gauge
	QueueLatency    *prometheus.HistogramVec
	TasksByStatus   *prometheus.GaugeVec

	// Deployment metrics
	DeploymentsByStatus *prometheus.GaugeVec
	CrashRestartsTotal  prometheus.Counter

	// Agent metrics
	AgentHeartbeatsTotal *prometheus.CounterVec

	// Janitor metrics
	LogsPrunedTotal prometheus.Counter

	// API metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
}

// NewMetrics creates all metrics and registers them with reg. A nil reg uses
// the default Prometheus registry.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "deployctl"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	m := &Metrics{
		// Task metrics
		TasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_total",
				Help:      "Total number of tasks processed",
			},
			[]string{"type", "status"},
		),
		TaskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Time taken to execute tasks",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
			},
			[]string{"type", "status"},
		),
		TasksInProgress: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tasks_in_progress",
				Help:      "Number of tasks currently executing in this process",
			},
		),
		QueueLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "queue_latency_seconds",
				Help:      "Time tasks spend pending before they are reserved",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 300},
			},
			[]string{"type"},
		),
		TasksByStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tasks_by_status",
				Help:      "Number of tasks by status",
			},
			[]string{"status"},
		),

		// Deployment metrics
		DeploymentsByStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "deployments_by_status",
				Help:      "Number of deployments by status",
			},
			[]string{"status"},
		),
		CrashRestartsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "crash_restarts_total",
				Help:      "Restart tasks enqueued by the crash detector",
			},
		),

		// Agent metrics
		AgentHeartbeatsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "agent_heartbeats_total",
				Help:      "Heartbeats received from agents",
			},
			[]string{"node"},
		),

		// Janitor metrics
		LogsPrunedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployment_logs_pruned_total",
				Help:      "Deployment log lines removed by retention",
			},
		),

		// API metrics
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
		),
	}

	return m
}

// RecordTask records a finished task
func (m *Metrics) RecordTask(taskType, status string, seconds float64) {
	m.TasksTotal.WithLabelValues(taskType, status).Inc()
	m.TaskDuration.WithLabelValues(taskType, status).Observe(seconds)
}

// IncTasksInProgress increments tasks in progress
func (m *Metrics) IncTasksInProgress() {
	m.TasksInProgress.Inc()
}

// DecTasksInProgress decrements tasks in progress
func (m *Metrics) DecTasksInProgress() {
	m.TasksInProgress.Dec()
}

// RecordQueueLatency records how long a task waited before reservation
func (m *Metrics) RecordQueueLatency(taskType string, seconds float64) {
	m.QueueLatency.WithLabelValues(taskType).Observe(seconds)
}

// SetTasksByStatus replaces the task counts by status
func (m *Metrics) SetTasksByStatus(counts map[string]int64) {
	m.TasksByStatus.Reset()
	for status, count := range counts {
		m.TasksByStatus.WithLabelValues(status).Set(float64(count))
	}
}

// SetDeploymentsByStatus replaces the deployment counts by status
func (m *Metrics) SetDeploymentsByStatus(counts map[string]int64) {
	m.DeploymentsByStatus.Reset()
	for status, count := range counts {
		m.DeploymentsByStatus.WithLabelValues(status).Set(float64(count))
	}
}

// RecordCrashRestart records a restart enqueued for a crashed deployment
func (m *Metrics) RecordCrashRestart() {
	m.CrashRestartsTotal.Inc()
}

// RecordHeartbeat records an agent heartbeat
func (m *Metrics) RecordHeartbeat(node string) {
	m.AgentHeartbeatsTotal.WithLabelValues(node).Inc()
}

// RecordLogsPruned records deleted log lines
func (m *Metrics) RecordLogsPruned(count int64) {
	m.LogsPrunedTotal.Add(float64(count))
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration
func (m *Metrics) RecordHTTPRequestDuration(method, path string, seconds float64) {
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(seconds)
}

// IncHTTPRequestsInFlight increments in-flight requests
func (m *Metrics) IncHTTPRequestsInFlight() {
	m.HTTPRequestsInFlight.Inc()
}

// DecHTTPRequestsInFlight decrements in-flight requests
func (m *Metrics) DecHTTPRequestsInFlight() {
	m.HTTPRequestsInFlight.Dec()
}
