package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ariefcatur/go-groupbuy-orders/internal/orders"
)

var (
	operations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupbuy_engine_operations_total",
			Help: "Total number of engine operations by outcome",
		},
		[]string{"operation", "result"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "groupbuy_engine_operation_duration_seconds",
			Help:    "Duration of engine operations",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"operation"},
	)

	batchTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupbuy_batch_transitions_total",
			Help: "Batch status transitions",
		},
		[]string{"status"},
	)

	notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupbuy_notifications_total",
			Help: "Customer notifications by channel and outcome",
		},
		[]string{"channel", "status"},
	)

	eventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupbuy_events_published_total",
			Help: "Domain events handed to the broker",
		},
		[]string{"event_type", "status"},
	)

	httpRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupbuy_ops_http_requests_total",
			Help: "Requests served by the ops listener",
		},
		[]string{"method", "path", "status"},
	)
)

// RecordOperation counts one engine call and how long it took. result is "success" or
// the error kind.
func RecordOperation(operation string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = orders.KindOf(err).String()
	}
	operations.WithLabelValues(operation, result).Inc()
	operationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func RecordBatchStatus(status orders.BatchStatus) {
	batchTransitions.WithLabelValues(string(status)).Inc()
}

func RecordNotification(channel string, success bool) {
	notifications.WithLabelValues(channel, outcome(success)).Inc()
}

func RecordEvent(eventType string, success bool) {
	eventsPublished.WithLabelValues(eventType, outcome(success)).Inc()
}

func RecordHTTPRequest(method, path string, status int) {
	httpRequests.WithLabelValues(method, path, statusText(status)).Inc()
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

func statusText(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
