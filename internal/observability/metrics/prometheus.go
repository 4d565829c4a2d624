// Package metrics provides Prometheus metrics for the reconciliation engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	Reconciliations      *prometheus.CounterVec
	MappingsCreated      *prometheus.CounterVec
	MappingsDeactivated  prometheus.Counter
	ValidationFailures   prometheus.Counter
	SweepDuration        prometheus.Histogram
	SweepPatients        prometheus.Counter
	UploadsReceived      prometheus.Counter
	ExternalCallFailures *prometheus.CounterVec
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	OutboxPending        prometheus.Gauge
	CircuitBreakerState  *prometheus.GaugeVec
}

// New creates and registers all metrics
func New() *Metrics {
	m := &Metrics{
		Reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconciliations_total",
			Help: "Total reconciliation attempts by outcome reason",
		}, []string{"reason"}),
		MappingsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mappings_created_total",
			Help: "Total patient mappings created by type",
		}, []string{"type"}),
		MappingsDeactivated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mappings_deactivated_total",
			Help: "Total patient mappings soft-deleted",
		}),
		ValidationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mapping_validation_failures_total",
			Help: "Total mapping validations that found failures",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reconcile_sweep_duration_seconds",
			Help:    "Batch reconciliation sweep duration",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		SweepPatients: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconcile_sweep_patients_total",
			Help: "Total archive patients processed by sweeps",
		}),
		UploadsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dicom_uploads_received_total",
			Help: "Total DICOM instances received for upload",
		}),
		ExternalCallFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "external_call_failures_total",
			Help: "Total failed calls to external endpoints",
		}, []string{"endpoint"}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	prometheus.MustRegister(
		m.Reconciliations,
		m.MappingsCreated,
		m.MappingsDeactivated,
		m.ValidationFailures,
		m.SweepDuration,
		m.SweepPatients,
		m.UploadsReceived,
		m.ExternalCallFailures,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
