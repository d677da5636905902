// Package metrics exposes the task manager's prometheus instruments.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// TaskMetrics defines metrics operations needed by the task manager.
type TaskMetrics interface {
	IncTasksSubmitted()
	IncTasksRejected()
	IncTasksFinished(status string)
	TrackTask(f func())
}

// Metrics implements TaskMetrics.
type Metrics struct {
	TasksSubmitted  prometheus.Counter
	TasksRejected   prometheus.Counter
	TasksFinished   *prometheus.CounterVec
	ActiveTasks     prometheus.Gauge
	TaskProcessTime prometheus.Histogram
}

var _ TaskMetrics = (*Metrics)(nil)

func (m *Metrics) IncTasksSubmitted() { m.TasksSubmitted.Inc() }
func (m *Metrics) IncTasksRejected()  { m.TasksRejected.Inc() }

func (m *Metrics) IncTasksFinished(status string) {
	m.TasksFinished.WithLabelValues(status).Inc()
}

// TrackTask tracks the duration of a function and updates the metrics.
func (m *Metrics) TrackTask(f func()) {
	m.ActiveTasks.Inc()
	defer m.ActiveTasks.Dec()

	start := time.Now()
	f()
	m.TaskProcessTime.Observe(time.Since(start).Seconds())
}

// New creates a Metrics instance registered with reg.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TasksSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Total number of background tasks accepted by the task manager",
		}),
		TasksRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_rejected_total",
			Help:      "Total number of submissions rejected because a task with the same context was live",
		}),
		TasksFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Total number of background tasks that reached a terminal status",
		}, []string{"status"}),
		ActiveTasks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tasks",
			Help:      "Number of tasks currently running",
		}),
		TaskProcessTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_process_duration_seconds",
			Help:      "Time taken to run each task",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 16),
		}),
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
