package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency for the admin surface.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "scimcore",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// DeliveriesTotal counts delivery attempts by terminal/non-terminal outcome.
var DeliveriesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "scimcore",
		Subsystem: "delivery",
		Name:      "attempts_total",
		Help:      "Total number of SCIM delivery attempts by outcome.",
	},
	[]string{"outcome"}, // success, retrying, failed, synthetic_success
)

// DeliveryRetryCount observes the number of retries a delivery consumed
// before reaching a terminal state.
var DeliveryRetryCount = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "scimcore",
		Subsystem: "delivery",
		Name:      "retry_count",
		Help:      "Retry count observed when a delivery reaches a terminal state.",
		Buckets:   []float64{0, 1, 2, 3, 4, 5, 6, 8, 10},
	},
)

// DeliveryDuration tracks wall-clock time spent per delivery attempt,
// including the HTTP round trip.
var DeliveryDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "scimcore",
		Subsystem: "delivery",
		Name:      "attempt_duration_seconds",
		Help:      "Duration of a single delivery attempt in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	},
	[]string{"operation"},
)

// PollerBatchSize observes how many deliveries a single poller tick claimed.
var PollerBatchSize = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "scimcore",
		Subsystem: "poller",
		Name:      "batch_size",
		Help:      "Number of deliveries claimed per poller tick.",
		Buckets:   []float64{0, 1, 5, 10, 25, 50, 100},
	},
)

// FanoutDeliveriesCreated counts Delivery rows created by event fan-out.
var FanoutDeliveriesCreated = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "scimcore",
		Subsystem: "fanout",
		Name:      "deliveries_created_total",
		Help:      "Total number of Delivery records created by event fan-out.",
	},
)

// All returns the scimcore-specific collectors for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		DeliveriesTotal,
		DeliveryRetryCount,
		DeliveryDuration,
		PollerBatchSize,
		FanoutDeliveriesCreated,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTPRequestDuration metric, and any additional service-specific
// collectors passed as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
