package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for SlotLock.
type Metrics struct {
	// --- Engine ---
	CoreOpsApplied      *prometheus.CounterVec
	CoreOpsRejected     *prometheus.CounterVec
	CoreOpDuration      *prometheus.HistogramVec
	CoreJournals        *prometheus.CounterVec
	CoreStateHashDur    prometheus.Histogram
	CoreSequence        prometheus.Gauge
	PendingReservations prometheus.Gauge
	BookedDays          prometheus.Gauge
	CustodyCompensated  prometheus.Counter

	// --- Latency ---
	IngestToApply       *prometheus.HistogramVec
	PersistBatchDur     prometheus.Histogram
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Errors      prometheus.Counter

	// --- Ingestion ---
	IngestMessages *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistLastSequence    prometheus.Gauge

	// --- Projection ---
	ProjectionWatermark prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them on reg.
// Pass prometheus.DefaultRegisterer in production and a fresh
// prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Engine
		CoreOpsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "slot_core_ops_applied_total",
			Help: "Operations successfully applied by the engine",
		}, []string{"op"}),

		CoreOpsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "slot_core_ops_rejected_total",
			Help: "Operations rejected (duplicate, authorization, validation, conflict)",
		}, []string{"op", "reason"}),

		CoreOpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "slot_core_op_duration_seconds",
			Help:    "Time to apply a single operation in the engine",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		CoreJournals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "slot_core_journals_generated_total",
			Help: "Custody journal entries generated",
		}, []string{"journal_type"}),

		CoreStateHashDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "slot_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "slot_core_sequence",
			Help: "Current global sequence number",
		}),

		PendingReservations: factory.NewGauge(prometheus.GaugeOpts{
			Name: "slot_pending_reservations",
			Help: "Reservations awaiting fulfillment",
		}),

		BookedDays: factory.NewGauge(prometheus.GaugeOpts{
			Name: "slot_booked_days",
			Help: "Days booked in the slot index",
		}),

		CustodyCompensated: factory.NewCounter(prometheus.CounterOpts{
			Name: "slot_custody_compensations_total",
			Help: "Escrow transfers reversed after a failed write",
		}),

		// Latency
		IngestToApply: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "slot_ingest_to_apply_seconds",
			Help:    "NATS receive to engine apply complete",
			Buckets: ingestBuckets,
		}, []string{"op"}),

		PersistBatchDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "slot_persist_batch_duration_seconds",
			Help:    "Time to write one batch to Postgres",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		ProjectionUpdateDur: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "slot_projection_update_duration_seconds",
			Help:    "Time to apply an output to a projection",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05},
		}, []string{"projection"}),

		// Channels
		ChannelSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "slot_channel_size",
			Help: "Current number of items buffered in a channel",
		}, []string{"channel"}),

		ChannelCapacity: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "slot_channel_capacity",
			Help: "Configured channel capacity",
		}, []string{"channel"}),

		ProjectionDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "slot_projection_drops_total",
			Help: "Outputs dropped because the projection channel was full",
		}, []string{"projection"}),

		PublishDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "slot_publish_drops_total",
			Help: "Outbound events that failed to publish",
		}),

		PersistBackpressure: factory.NewCounter(prometheus.CounterOpts{
			Name: "slot_persist_backpressure_total",
			Help: "Engine writes that blocked on a full persist channel",
		}),

		// Idempotency
		IdempotencyDuplicates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "slot_idempotency_duplicates_total",
			Help: "Duplicate requests detected, by tier",
		}, []string{"op", "tier"}),

		DedupLRUSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "slot_dedup_lru_size",
			Help: "Entries in the idempotency LRU",
		}),

		DedupLRUEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "slot_dedup_lru_evictions_total",
			Help: "Evictions from the idempotency LRU",
		}),

		DedupTier2Errors: factory.NewCounter(prometheus.CounterOpts{
			Name: "slot_dedup_tier2_errors_total",
			Help: "Postgres idempotency lookups that failed",
		}),

		// Ingestion
		IngestMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "slot_ingest_messages_total",
			Help: "NATS command messages received",
		}, []string{"subject", "result"}),

		// Persistence
		PersistEventsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "slot_persist_events_written_total",
			Help: "Events written to the event log",
		}),

		PersistJournalsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "slot_persist_journals_written_total",
			Help: "Custody journals written",
		}),

		PersistBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "slot_persist_batch_size",
			Help:    "Events per persisted batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "slot_persist_errors_total",
			Help: "Persistence failures by stage",
		}, []string{"stage"}),

		PersistLastSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "slot_persist_last_sequence",
			Help: "Highest sequence committed to Postgres",
		}),

		// Projection
		ProjectionWatermark: factory.NewGauge(prometheus.GaugeOpts{
			Name: "slot_projection_watermark",
			Help: "Highest sequence applied to projections",
		}),

		// Snapshot
		SnapshotTaken: factory.NewCounter(prometheus.CounterOpts{
			Name: "slot_snapshot_taken_total",
			Help: "Snapshots saved",
		}),

		SnapshotDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "slot_snapshot_duration_seconds",
			Help:    "Time to capture and save a snapshot",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		SnapshotSizeBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "slot_snapshot_size_bytes",
			Help: "Size of the last snapshot",
		}),

		SnapshotLastSeq: factory.NewGauge(prometheus.GaugeOpts{
			Name: "slot_snapshot_last_sequence",
			Help: "Sequence of the last snapshot",
		}),

		ReplayEventsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "slot_replay_events_total",
			Help: "Events replayed at startup",
		}),

		ReplayDuration: factory.NewGauge(prometheus.GaugeOpts{
			Name: "slot_replay_duration_seconds",
			Help: "Duration of the startup replay",
		}),

		// Query API
		QueryRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "slot_query_requests_total",
			Help: "RPC requests by method",
		}, []string{"method"}),

		QueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "slot_query_duration_seconds",
			Help:    "RPC handling time by method",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"method"}),

		QueryErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "slot_query_errors_total",
			Help: "RPC errors by method and status code",
		}, []string{"method", "code"}),
	}
}
