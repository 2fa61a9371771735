// Package metrics exposes the Prometheus counters and histograms the
// worker pool, broker, and bus report through.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskcore_tasks_started_total",
			Help: "Total tasks that began execution, by queue",
		},
		[]string{"queue"},
	)

	tasksFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskcore_tasks_finished_total",
			Help: "Total tasks that reached a terminal state, by queue and status",
		},
		[]string{"queue", "status"},
	)

	taskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskcore_task_duration_seconds",
			Help:    "Wall-clock duration of a task's execution, by queue",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	stepRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskcore_step_retries_total",
			Help: "Total step retry attempts, by error code",
		},
		[]string{"error_code"},
	)

	persistenceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskcore_persistence_errors_total",
			Help: "Total persistence operation errors, by operation",
		},
		[]string{"operation"},
	)

	brokerDroppedDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskcore_broker_dropped_deliveries_total",
			Help: "Total broker deliveries dropped after DeliveryTimeout, by queue",
		},
		[]string{"queue"},
	)

	busConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskcore_bus_connections",
			Help: "Current number of live WebSocket connections on the progress bus",
		},
	)
)

// RecordTaskStarted increments the started counter for queue.
func RecordTaskStarted(queue string) { tasksStarted.WithLabelValues(queue).Inc() }

// RecordTaskFinished increments the finished counter for (queue, status)
// and observes duration in the queue's histogram.
func RecordTaskFinished(queue, status string, duration time.Duration) {
	tasksFinished.WithLabelValues(queue, status).Inc()
	taskDuration.WithLabelValues(queue).Observe(duration.Seconds())
}

// RecordStepRetry increments the retry counter for errorCode.
func RecordStepRetry(errorCode string) { stepRetries.WithLabelValues(errorCode).Inc() }

// RecordPersistenceError increments the persistence error counter for
// operation (e.g. "Persist", "UpdateTaskStatus").
func RecordPersistenceError(operation string) { persistenceErrors.WithLabelValues(operation).Inc() }

// RecordBrokerDrop increments the dropped-delivery counter for queue.
func RecordBrokerDrop(queue string) { brokerDroppedDeliveries.WithLabelValues(queue).Inc() }

// SetBusConnections sets the current live connection gauge.
func SetBusConnections(n int) { busConnections.Set(float64(n)) }
