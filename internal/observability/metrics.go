package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for CTFLedger.
type Metrics struct {
	// --- Core processing ---
	CoreCommandsApplied  *prometheus.CounterVec
	CoreCommandsRejected *prometheus.CounterVec
	CoreCommandDuration  *prometheus.HistogramVec
	CoreJournals         *prometheus.CounterVec
	CoreSequence         prometheus.Gauge

	// --- Markets ---
	ConditionsByStatus *prometheus.GaugeVec
	OrdersResting      prometheus.Gauge
	FillsTotal         prometheus.Counter
	FillVolume         prometheus.Counter
	RedemptionsPaid    prometheus.Counter

	// --- Channel & backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	ProjectionDrops    *prometheus.CounterVec

	// --- Idempotency & ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	CommandSequenceGap    *prometheus.CounterVec
	CommandOutOfOrder     *prometheus.CounterVec

	// --- Persistence ---
	PersistCommandsWritten prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Projections ---
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayCommands    prometheus.Counter

	// --- Query API ---
	QueryRequests  *prometheus.CounterVec
	QueryDuration  *prometheus.HistogramVec
	QueryCacheHits *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		CoreCommandsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ctf_core_commands_applied_total",
			Help: "Commands successfully applied by core",
		}, []string{"command_type"}),

		CoreCommandsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ctf_core_commands_rejected_total",
			Help: "Commands rejected (duplicate or domain error kind)",
		}, []string{"command_type", "reason"}),

		CoreCommandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ctf_core_command_apply_duration_seconds",
			Help:    "Time to apply a single command in core",
			Buckets: latencyBuckets,
		}, []string{"command_type"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ctf_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "ctf_core_sequence",
			Help: "Next global sequence number",
		}),

		ConditionsByStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ctf_conditions",
			Help: "Conditions by lifecycle status",
		}, []string{"status"}),

		OrdersResting: f.NewGauge(prometheus.GaugeOpts{
			Name: "ctf_orders_resting",
			Help: "Orders resting across all books",
		}),

		FillsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "ctf_fills_total",
			Help: "Fills committed",
		}),

		FillVolume: f.NewCounter(prometheus.CounterOpts{
			Name: "ctf_fill_collateral_total",
			Help: "Collateral exchanged by fills (base units)",
		}),

		RedemptionsPaid: f.NewCounter(prometheus.CounterOpts{
			Name: "ctf_redemptions_paid_total",
			Help: "Collateral paid out by redemptions (base units)",
		}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ctf_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ctf_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ctf_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ctf_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}, []string{"projection"}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ctf_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"command_type", "tier"}),

		CommandSequenceGap: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ctf_command_sequence_gap_total",
			Help: "Source sequence gaps",
		}, []string{"partition"}),

		CommandOutOfOrder: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ctf_command_out_of_order_total",
			Help: "Out-of-order rejections",
		}, []string{"partition"}),

		PersistCommandsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "ctf_persist_commands_written_total",
			Help: "Command envelopes written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "ctf_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ctf_persist_batch_size",
			Help:    "Commands per write batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ctf_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ctf_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "ctf_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "ctf_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ctf_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "ctf_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ctf_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "ctf_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "ctf_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayCommands: f.NewCounter(prometheus.CounterOpts{
			Name: "ctf_replay_commands_total",
			Help: "Commands replayed on startup",
		}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ctf_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ctf_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryCacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ctf_query_cache_total",
			Help: "Query cache lookups by result (hit/miss)",
		}, []string{"endpoint", "result"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
