package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors are registered on the default registry; /metrics serves them.
var (
	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "theatrecal_sync_runs_total",
			Help: "Synchronization runs by outcome",
		},
		[]string{"outcome"}, // "completed", "failed", "rejected"
	)

	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "theatrecal_sync_duration_seconds",
			Help:    "Wall time of a synchronization run",
			Buckets: prometheus.DefBuckets,
		},
	)

	PagesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "theatrecal_pages_fetched_total",
			Help: "Listing pages requested, by HTTP status or network_error",
		},
		[]string{"status"},
	)

	RecordsExtracted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "theatrecal_records_extracted_total",
			Help: "Event records recovered from listing pages",
		},
	)

	BlocksSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "theatrecal_blocks_skipped_total",
			Help: "Listing blocks dropped because a required field was missing",
		},
	)

	MergeChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "theatrecal_merge_changes_total",
			Help: "Reconciliation changes applied to months",
		},
		[]string{"kind"}, // "added", "changed", "removed"
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "theatrecal_month_cache_lookups_total",
			Help: "Month cache lookups by result",
		},
		[]string{"result"}, // "hit", "miss"
	)

	MonthLoadFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "theatrecal_month_load_fallbacks_total",
			Help: "Months that could not be read and started empty",
		},
	)

	MonthSaves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "theatrecal_month_saves_total",
			Help: "Month writes to the store by outcome",
		},
		[]string{"outcome"}, // "ok", "error"
	)
)

// DirtyMonths is refreshed by the orchestrator after every cache mutation.
var DirtyMonths = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "theatrecal_dirty_months",
		Help: "Loaded months with unsaved changes",
	},
)
