package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of one process. A nil *Metrics is
// valid and records nothing, so components never need to guard their calls.
type Metrics struct {
	registry *prometheus.Registry

	tasksStarted  *prometheus.CounterVec
	tasksFinished *prometheus.CounterVec
	activeProcs   prometheus.Gauge
	outputBytes   *prometheus.CounterVec
	notifications *prometheus.CounterVec
	droppedEvents prometheus.Counter
	stageResults  *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors on a private registry.
func NewMetrics(namespace string) (*Metrics, error) {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.tasksStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_started_total",
		Help:      "Tool subprocesses launched.",
	}, []string{"tool"})
	m.tasksFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_finished_total",
		Help:      "Tool subprocesses that reached a terminal status.",
	}, []string{"tool", "status"})
	m.activeProcs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_processes",
		Help:      "Tool subprocesses currently running.",
	})
	m.outputBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_output_bytes_total",
		Help:      "Bytes of tool output captured.",
	}, []string{"tool"})
	m.notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_published_total",
		Help:      "Notifications published on the bus.",
	}, []string{"severity"})
	m.droppedEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_dropped_total",
		Help:      "Notifications not fanned out because the delivery queue was full.",
	})
	m.stageResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workflow_stages_total",
		Help:      "Workflow stages by kind and terminal status.",
	}, []string{"workflow", "status"})

	collectors := []prometheus.Collector{
		m.tasksStarted, m.tasksFinished, m.activeProcs, m.outputBytes,
		m.notifications, m.droppedEvents, m.stageResults,
	}
	for _, c := range collectors {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return m, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) TaskStarted(tool string) {
	if m == nil {
		return
	}
	m.tasksStarted.WithLabelValues(tool).Inc()
	m.activeProcs.Inc()
}

func (m *Metrics) TaskFinished(tool, status string, wasRunning bool) {
	if m == nil {
		return
	}
	m.tasksFinished.WithLabelValues(tool, status).Inc()
	if wasRunning {
		m.activeProcs.Dec()
	}
}

func (m *Metrics) OutputCaptured(tool string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.outputBytes.WithLabelValues(tool).Add(float64(n))
}

func (m *Metrics) NotificationPublished(severity string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(severity).Inc()
}

func (m *Metrics) NotificationDropped() {
	if m == nil {
		return
	}
	m.droppedEvents.Inc()
}

func (m *Metrics) StageFinished(workflow, status string) {
	if m == nil {
		return
	}
	m.stageResults.WithLabelValues(workflow, status).Inc()
}
