package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics of coverd.
type Metrics struct {
	// --- Core processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreJournals       *prometheus.CounterVec
	CoreStateHashDur   prometheus.Histogram
	CoreSequence       prometheus.Gauge

	// --- Latency ---
	IngestToApply       *prometheus.HistogramVec
	ApplyToPersist      prometheus.Histogram
	PersistBatchDur     prometheus.Histogram
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Channels & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Gauge
	EventSequenceGap      *prometheus.CounterVec
	EventOutOfOrder       *prometheus.CounterVec

	// --- Pools, covers, claims ---
	PoolUtilization  *prometheus.GaugeVec
	PoolPremiumRate  *prometheus.GaugeVec
	PoolLiquidity    *prometheus.GaugeVec
	PoolInsured      *prometheus.GaugeVec
	CoversOpened     *prometheus.CounterVec
	CoversExpired    *prometheus.CounterVec
	ClaimsPaid       *prometheus.CounterVec
	ClaimPayoutTotal *prometheus.CounterVec
	RewardsPaid      *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot & replay ---
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

	// --- Alerting ---
	AlertsSent  *prometheus.CounterVec
	AlertErrors prometheus.Counter
}

// NewMetrics registers all metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics on reg; tests pass a fresh registry.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}
	ioBuckets := []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

	return &Metrics{
		CoreEventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_core_events_applied_total",
			Help: "Commands applied by the core",
		}, []string{"event_type"}),
		CoreEventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_core_events_rejected_total",
			Help: "Commands rejected (duplicate, ordering, domain error kind)",
		}, []string{"event_type", "reason"}),
		CoreEventDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cover_core_event_apply_duration_seconds",
			Help:    "Time to apply a single command in the core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),
		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),
		CoreStateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cover_core_state_hash_duration_seconds",
			Help:    "Time to digest and hash state after a command",
			Buckets: latencyBuckets,
		}),
		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "cover_core_sequence",
			Help: "Next global sequence number",
		}),

		IngestToApply: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cover_ingest_to_apply_seconds",
			Help:    "Command receipt to core apply complete",
			Buckets: ioBuckets,
		}, []string{"event_type"}),
		ApplyToPersist: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cover_apply_to_persist_seconds",
			Help:    "Core emit to Postgres commit",
			Buckets: ioBuckets,
		}),
		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cover_persist_batch_duration_seconds",
			Help:    "Time to write one persistence batch",
			Buckets: ioBuckets,
		}),
		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cover_projection_update_duration_seconds",
			Help:    "Time to apply one projection update",
			Buckets: ioBuckets,
		}, []string{"projection"}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cover_channel_size",
			Help: "Buffered items per channel",
		}, []string{"channel"}),
		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cover_channel_capacity",
			Help: "Channel capacity",
		}, []string{"channel"}),
		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_projection_drops_total",
			Help: "Projection updates dropped because the channel was full",
		}, []string{"projection"}),
		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "cover_publish_drops_total",
			Help: "Outbound events dropped because the publisher fell behind",
		}),
		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "cover_persist_backpressure_total",
			Help: "Times the core blocked on a full persist channel",
		}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_idempotency_duplicates_total",
			Help: "Duplicate commands detected",
		}, []string{"event_type"}),
		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "cover_dedup_lru_size",
			Help: "Keys in the idempotency LRU",
		}),
		DedupLRUEvictions: f.NewGauge(prometheus.GaugeOpts{
			Name: "cover_dedup_lru_evictions",
			Help: "Keys evicted from the idempotency LRU since start",
		}),
		EventSequenceGap: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_event_sequence_gap_total",
			Help: "Source sequence gaps detected",
		}, []string{"partition"}),
		EventOutOfOrder: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_event_out_of_order_total",
			Help: "Out-of-order commands rejected",
		}, []string{"partition"}),

		PoolUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cover_pool_utilization_percent",
			Help: "Insured capital over liquidity",
		}, []string{"pool"}),
		PoolPremiumRate: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cover_pool_premium_rate_percent",
			Help: "Current annual premium rate",
		}, []string{"pool"}),
		PoolLiquidity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cover_pool_liquidity",
			Help: "Total liquidity backing the pool",
		}, []string{"pool"}),
		PoolInsured: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cover_pool_insured_capital",
			Help: "Capital insured by active covers",
		}, []string{"pool"}),
		CoversOpened: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_covers_opened_total",
			Help: "Covers bought",
		}, []string{"pool"}),
		CoversExpired: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_covers_expired_total",
			Help: "Covers that ran out of premiums or were closed by a claim",
		}, []string{"pool", "reason"}),
		ClaimsPaid: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_claims_paid_total",
			Help: "Claims paid out",
		}, []string{"pool"}),
		ClaimPayoutTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_claim_payout_amount_total",
			Help: "Amount paid to claimants in native units",
		}, []string{"asset"}),
		RewardsPaid: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_rewards_paid_amount_total",
			Help: "Net premium rewards paid to LPs in native units",
		}, []string{"asset"}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "cover_persist_events_written_total",
			Help: "Events written to the event log",
		}),
		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "cover_persist_journals_written_total",
			Help: "Journal rows written",
		}),
		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cover_persist_batch_size",
			Help:    "Events per persistence batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		}),
		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_persist_errors_total",
			Help: "Persistence failures",
		}, []string{"op"}),
		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "cover_persist_retry_total",
			Help: "Persistence batch retries",
		}),
		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "cover_persist_last_sequence",
			Help: "Last sequence committed to Postgres",
		}),

		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "cover_snapshot_taken_total",
			Help: "Snapshots saved",
		}),
		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cover_snapshot_duration_seconds",
			Help:    "Time to capture and save a snapshot",
			Buckets: ioBuckets,
		}),
		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "cover_snapshot_size_bytes",
			Help: "Size of the last snapshot",
		}),
		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "cover_snapshot_last_sequence",
			Help: "Sequence of the last snapshot",
		}),
		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "cover_replay_events_total",
			Help: "Events replayed at startup",
		}),
		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "cover_replay_duration_seconds",
			Help: "Duration of the startup replay",
		}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_query_requests_total",
			Help: "API requests",
		}, []string{"method"}),
		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cover_query_duration_seconds",
			Help:    "API request latency",
			Buckets: ioBuckets,
		}, []string{"method"}),
		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_query_errors_total",
			Help: "API errors by status code",
		}, []string{"method", "code"}),

		AlertsSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_alerts_sent_total",
			Help: "Operator alerts delivered",
		}, []string{"kind"}),
		AlertErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "cover_alert_errors_total",
			Help: "Operator alerts that could not be delivered",
		}),
	}
}
