package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	EmailsSentTotal               *prometheus.CounterVec
	EmailErrorsTotal              *prometheus.CounterVec
	BatchesProcessedTotal         *prometheus.CounterVec
	WebhooksReceivedTotal         *prometheus.CounterVec
	WebhooksProcessedTotal        *prometheus.CounterVec
	WebhooksErrorsTotal           *prometheus.CounterVec
	EnqueueFailuresTotal          *prometheus.CounterVec
	BatchesRejectedMemoryPressure prometheus.Counter
	ClickHouseEventsTotal         *prometheus.CounterVec

	EmailSendDuration         *prometheus.HistogramVec
	WebhookProcessingDuration *prometheus.HistogramVec
	WebhookBatchSize          prometheus.Histogram

	WebhookQueueDepth            prometheus.Gauge
	DragonflyMemoryUsed          *prometheus.GaugeVec
	DragonflyMemoryRatio         *prometheus.GaugeVec
	DragonflyCircuitBreakerState *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	return newMetrics(promauto.With(prometheus.DefaultRegisterer))
}

// NewMetricsForTest registers on a throwaway registry so repeated
// construction inside one test binary never collides.
func NewMetricsForTest() *Metrics {
	return newMetrics(promauto.With(prometheus.NewRegistry()))
}

func newMetrics(factory promauto.Factory) *Metrics {
	return &Metrics{
		EmailsSentTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "emails_sent_total",
				Help: "Total number of send attempts that reached a terminal outcome",
			},
			[]string{"provider", "status"},
		),
		EmailErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "email_errors_total",
				Help: "Total number of send errors by type",
			},
			[]string{"provider", "error_type"},
		),
		BatchesProcessedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batches_processed_total",
				Help: "Total number of batches that reached a terminal status",
			},
			[]string{"status"},
		),
		WebhooksReceivedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhooks_received_total",
				Help: "Total number of provider webhook events received",
			},
			[]string{"provider", "event_type"},
		),
		WebhooksProcessedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhooks_processed_total",
				Help: "Total number of webhook events processed",
			},
			[]string{"provider", "event_type", "status"},
		),
		WebhooksErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhooks_errors_total",
				Help: "Total number of webhook pipeline errors by type",
			},
			[]string{"error_type"},
		),
		EnqueueFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enqueue_failures_total",
				Help: "Total number of failed queue publishes",
			},
			[]string{"queue"},
		),
		BatchesRejectedMemoryPressure: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "batches_rejected_memory_pressure_total",
				Help: "Batches refused because the hot-state engine was under memory pressure",
			},
		),
		ClickHouseEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clickhouse_events_total",
				Help: "Total number of analytics events written to the sink",
			},
			[]string{"event_type"},
		),
		EmailSendDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "email_send_duration_seconds",
				Help:    "Duration of provider send calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider", "status"},
		),
		WebhookProcessingDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webhook_processing_duration_seconds",
				Help:    "Duration of webhook batch processing",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		WebhookBatchSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "webhook_batch_size",
				Help:    "Number of events per flushed webhook batch",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
			},
		),
		WebhookQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "webhook_queue_depth",
				Help: "Webhook events currently buffered in memory",
			},
		),
		DragonflyMemoryUsed: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dragonfly_memory_used",
				Help: "Bytes of memory used by the hot-state engine",
			},
			[]string{"instance"},
		),
		DragonflyMemoryRatio: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dragonfly_memory_ratio",
				Help: "used_memory / maxmemory of the hot-state engine",
			},
			[]string{"instance"},
		),
		DragonflyCircuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dragonfly_circuit_breaker_state",
				Help: "Circuit breaker state: 0=closed, 1=half-open, 2=open",
			},
			[]string{"component"},
		),
	}
}
