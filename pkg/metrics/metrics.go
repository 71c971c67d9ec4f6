// Package metrics exposes Prometheus instrumentation for the filtering
// engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Rule evaluation metrics
var (
	FiltersMatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sift_filters_matched_total",
			Help: "Total number of filter match outcomes",
		},
		[]string{"result"},
	)

	ForwardingRulesMatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sift_forwarding_rules_matched_total",
			Help: "Total number of forwarding rule match outcomes",
		},
		[]string{"result"},
	)

	EvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sift_evaluation_duration_seconds",
			Help:    "Time spent evaluating all rules against one message",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
	)
)

// Delivery pipeline metrics
var (
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sift_deliveries_total",
			Help: "Total number of messages run through the delivery pipeline",
		},
		[]string{"status"},
	)

	DeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sift_delivery_duration_seconds",
			Help:    "Duration of full delivery pipeline runs",
			Buckets: prometheus.DefBuckets,
		},
	)

	IntentsAppliedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sift_intents_applied_total",
			Help: "Total number of planned intents applied to the mailbox store",
		},
		[]string{"kind", "status"},
	)
)

// Persistence metrics
var (
	DocumentSavesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sift_document_saves_total",
			Help: "Total number of rule document snapshot writes",
		},
		[]string{"kind", "status"},
	)

	DocumentLoadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sift_document_loads_total",
			Help: "Total number of rule document loads",
		},
		[]string{"kind", "status"},
	)

	DBPoolTotalConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sift_db_pool_total_conns",
			Help: "Total connections in the database pool",
		},
	)

	DBPoolIdleConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sift_db_pool_idle_conns",
			Help: "Idle connections in the database pool",
		},
	)

	DBPoolInUseConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sift_db_pool_in_use_conns",
			Help: "Acquired connections in the database pool",
		},
	)
)

// Relay metrics
var (
	RelayMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sift_relay_messages_total",
			Help: "Total number of forwarded messages by outcome",
		},
		[]string{"status"},
	)

	RelayQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sift_relay_queue_depth",
			Help: "Messages currently waiting in the relay retry queue",
		},
	)

	RelayCircuitState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sift_relay_circuit_state",
			Help: "Relay circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)
)

// HTTP API metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sift_http_requests_total",
			Help: "Total number of HTTP API requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sift_http_request_duration_seconds",
			Help:    "Duration of HTTP API requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)
