package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline stage counters and histograms.

var (
	// Normalizer
	NormalizedEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "normalizer",
		Name:      "events_total",
		Help:      "Total events normalized, by event kind and outcome",
	}, []string{"kind", "outcome"})

	NormalizerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "indexer",
		Subsystem: "normalizer",
		Name:      "batch_duration_seconds",
		Help:      "Normalizer batch processing duration",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"kind"})

	// Ingester
	OrderUpsertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "ingester",
		Name:      "order_upserts_total",
		Help:      "Total order upserts, by order kind and outcome",
	}, []string{"order_kind", "outcome"})

	IngestedRecordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "ingester",
		Name:      "records_total",
		Help:      "Total normalized records committed",
	})

	IngestBatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "indexer",
		Subsystem: "ingester",
		Name:      "batch_duration_seconds",
		Help:      "Ingester batch processing duration (DB transaction)",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	// Publisher
	PublishedDeltasTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "publisher",
		Name:      "deltas_total",
		Help:      "Total deltas delivered per sink, by outcome",
	}, []string{"sink", "outcome"})

	PublishSinkLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "indexer",
		Subsystem: "publisher",
		Name:      "sink_duration_seconds",
		Help:      "Per-sink delivery duration",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"sink"})

	SuppressedNoOpsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "publisher",
		Name:      "suppressed_noops_total",
		Help:      "Order deltas dropped because no field materially changed",
	})

	// Revalidation
	RevalidationChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "revalidation",
		Name:      "checks_total",
		Help:      "Total revalidation checks, by resulting status",
	}, []string{"result"})

	OrphanBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "revalidation",
		Name:      "orphan_blocks_total",
		Help:      "Orphaned blocks detected and compensated",
	})

	ExpiredOrdersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "revalidation",
		Name:      "expired_orders_total",
		Help:      "Orders moved to expired by the sweep",
	})

	// Queue
	QueueJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "queue",
		Name:      "jobs_total",
		Help:      "Total jobs processed, by kind and outcome",
	}, []string{"kind", "outcome"})

	QueueDeadLettersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "queue",
		Name:      "dead_letters_total",
		Help:      "Jobs moved to the dead letter stream",
	}, []string{"kind"})

	QueueReclaimedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "queue",
		Name:      "reclaimed_total",
		Help:      "Pending entries reclaimed from dead consumers",
	}, []string{"kind"})

	// Websocket hub
	WebsocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "websocket",
		Name:      "clients",
		Help:      "Currently connected websocket clients",
	})

	WebsocketMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "websocket",
		Name:      "messages_total",
		Help:      "Messages delivered to websocket clients, by outcome",
	}, []string{"outcome"})
)
