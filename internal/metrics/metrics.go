// Package metrics holds the prometheus collectors for the pipeline and the
// HTTP server that exposes them alongside the status document.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Listener metrics
	RecordsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logcollector_records_received_total",
			Help: "Records accepted onto a source queue",
		},
		[]string{"source_id"},
	)

	RecordsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logcollector_records_dropped_total",
			Help: "Records dropped before delivery",
		},
		[]string{"source_id", "reason"},
	)

	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logcollector_connections_rejected_total",
			Help: "TCP connections or UDP datagrams rejected by the source allow-list",
		},
		[]string{"source_id"},
	)

	ListenerUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "logcollector_listener_up",
			Help: "1 while the listener for a binding is serving",
		},
		[]string{"listener"},
	)

	// Processor metrics
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "logcollector_queue_depth",
			Help: "Records waiting in a source queue",
		},
		[]string{"source_id"},
	)

	RecordsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logcollector_records_delivered_total",
			Help: "Records delivered to their target",
		},
		[]string{"source_id", "target"},
	)

	BatchesDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logcollector_batches_delivered_total",
			Help: "Batches delivered to their target",
		},
		[]string{"source_id", "target"},
	)

	DeliveryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logcollector_delivery_failures_total",
			Help: "Batches dropped after exhausting delivery retries",
		},
		[]string{"source_id", "target"},
	)

	DeliveryRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logcollector_delivery_retries_total",
			Help: "Delivery attempts that were retried",
		},
		[]string{"target"},
	)

	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "logcollector_circuit_state",
			Help: "HEC circuit breaker state per source: 0 closed, 1 open, 2 half-open",
		},
		[]string{"source_id"},
	)

	WorkerPanics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logcollector_worker_panics_total",
			Help: "Panics recovered inside processor workers",
		},
		[]string{"source_id"},
	)

	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "logcollector_delivery_duration_seconds",
			Help:    "Time spent delivering one batch, including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"target"},
	)

	DLQRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logcollector_dlq_records_total",
			Help: "Records written to the dead letter queue",
		},
		[]string{"source_id"},
	)

	// Health check metrics
	HealthProbes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logcollector_health_probes_total",
			Help: "Health probes sent to HEC",
		},
		[]string{"result"},
	)

	// System metrics
	StartTime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "logcollector_start_time_seconds",
		Help: "Unix time the process started",
	})

	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "logcollector_build_info",
			Help: "Always 1, labelled with the running version",
		},
		[]string{"version"},
	)
)

// Init records process-level gauges that are set once at startup.
func Init(versionString string) {
	StartTime.Set(float64(time.Now().Unix()))
	BuildInfo.WithLabelValues(versionString).Set(1)
}

// ForgetSource removes per-source series so a deleted source does not keep
// reporting its last value.
func ForgetSource(sourceID string) {
	QueueDepth.DeleteLabelValues(sourceID)
	CircuitState.DeleteLabelValues(sourceID)
}
