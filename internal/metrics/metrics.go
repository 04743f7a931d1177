package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Source adapter metrics
	EventsRead = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forwarder_source_events_read_total",
			Help: "Total raw events read per source",
		},
		[]string{"source"},
	)

	SourceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forwarder_source_errors_total",
			Help: "Total source read errors by kind",
		},
		[]string{"source", "kind"},
	)

	SourceRotations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forwarder_source_rotations_total",
			Help: "Total detected source rotations or truncations",
		},
		[]string{"source"},
	)

	OutOfOrderEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forwarder_source_out_of_order_total",
			Help: "Events flagged with a timestamp behind their source's high-water mark",
		},
		[]string{"source"},
	)

	// Extraction metrics
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forwarder_extract_events_dropped_total",
			Help: "Events dropped by an extraction stage",
		},
		[]string{"stage"},
	)

	ExtractionWarnings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forwarder_extract_warnings_total",
			Help: "Non-fatal extraction warnings by stage",
		},
		[]string{"stage"},
	)

	// Router metrics
	RouterDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "forwarder_router_drops_total",
			Help: "Events matching no route (intentional non-delivery)",
		},
	)

	RouterFanout = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "forwarder_router_fanout",
			Help:    "Number of sinks matched per routed event",
			Buckets: []float64{0, 1, 2, 3, 5, 8},
		},
	)

	LabelCardinalityOverflow = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forwarder_router_label_cardinality_overflow_total",
			Help: "Label values replaced after exceeding the per-key cardinality bound",
		},
		[]string{"label"},
	)

	// Batcher metrics
	BatchesFlushed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forwarder_batches_flushed_total",
			Help: "Batches flushed per sink by trigger (size, age, drain)",
		},
		[]string{"sink", "trigger"},
	)

	BatchSizeBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forwarder_batch_size_bytes",
			Help:    "Flushed batch sizes in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		},
		[]string{"sink"},
	)

	// Exporter metrics
	ExportAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forwarder_export_attempts_total",
			Help: "Export attempts per sink by outcome",
		},
		[]string{"sink", "outcome"},
	)

	ExportFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forwarder_export_failures_total",
			Help: "Export failures per sink by error kind",
		},
		[]string{"sink", "kind"},
	)

	RetryDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forwarder_export_retry_delay_seconds",
			Help:    "Backoff delay applied before export retries",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
		[]string{"sink"},
	)

	SinkHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "forwarder_sink_health",
			Help: "Sink health state (0=up, 1=degraded, 2=down)",
		},
		[]string{"sink"},
	)

	EventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forwarder_events_delivered_total",
			Help: "Events acknowledged by a backend per sink",
		},
		[]string{"sink"},
	)

	EventsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forwarder_events_rejected_total",
			Help: "Events refused by a backend and never retried verbatim",
		},
		[]string{"sink"},
	)

	// Overflow metrics
	BatchesSpilled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forwarder_overflow_batches_spilled_total",
			Help: "Batches spilled to the overflow buffer after retry budget exhaustion",
		},
		[]string{"sink"},
	)

	BatchesLost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forwarder_overflow_batches_lost_total",
			Help: "Batches dropped with no overflow buffer configured",
		},
		[]string{"sink"},
	)

	BatchesReplayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forwarder_overflow_batches_replayed_total",
			Help: "Spilled batches re-enqueued after sink recovery",
		},
		[]string{"sink"},
	)

	// Span pipeline metrics
	SpansExported = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "forwarder_spans_exported_total",
			Help: "Spans exported toward the trace backend",
		},
	)

	SpanBatchesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "forwarder_span_batches_dropped_total",
			Help: "Span batches dropped after retry budget exhaustion",
		},
	)

	SpansRelayed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "forwarder_spans_relayed_total",
			Help: "Spans re-exported through the relay hop",
		},
	)
)
