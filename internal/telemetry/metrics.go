package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus counters and histograms for the sync engine and read path.
var (
	SyncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stashmirror_sync_runs_total",
		Help: "Sync passes per entity type and outcome.",
	}, []string{"entity_type", "mode", "outcome"})

	SyncEntities = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stashmirror_sync_entities_total",
		Help: "Entities upserted per entity type and instance.",
	}, []string{"entity_type", "instance_id"})

	SyncDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stashmirror_sync_soft_deleted_total",
		Help: "Entities soft-deleted by cleanup per entity type.",
	}, []string{"entity_type"})

	SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stashmirror_sync_duration_seconds",
		Help:    "Wall-clock duration of one entity type's sync pass.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"entity_type", "mode"})

	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stashmirror_query_duration_seconds",
		Help:    "Read query builder latency per entity type.",
		Buckets: prometheus.DefBuckets,
	}, []string{"entity_type"})

	UpstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stashmirror_upstream_errors_total",
		Help: "Upstream API errors per instance and kind.",
	}, []string{"instance_id", "kind"})
)
