// Package metrics holds the Prometheus collectors of the tile pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueuePushes counts accepted pushes.
	// Labels:
	//   - kind: task kind ("fetch", "decode", "parse", "cluster", "spatial_query")
	//   - priority: "low", "normal", "high" or "interactive"
	QueuePushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gigamap_queue_pushes_total",
		Help: "Descriptors accepted by the priority queue",
	}, []string{"kind", "priority"})

	// QueueDrops counts descriptors the queue gave up on.
	// Labels:
	//   - kind: task kind
	//   - reason: "evicted", "rejected", "stale" or "invalid"
	QueueDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gigamap_queue_drops_total",
		Help: "Descriptors dropped by the priority queue",
	}, []string{"kind", "reason"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gigamap_queue_depth",
		Help: "Descriptors waiting in the priority queue",
	})

	// QueueLatency is the time between descriptor creation and dispatch.
	QueueLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gigamap_queue_latency_seconds",
		Help:    "Time spent in queue before dispatch",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// TasksCompleted counts finished tasks.
	// Labels:
	//   - kind: task kind
	//   - outcome: "success" or an error kind such as "network_error", "timeout"
	TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gigamap_tasks_completed_total",
		Help: "Tasks finished by kind and outcome",
	}, []string{"kind", "outcome"})

	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gigamap_task_duration_seconds",
		Help:    "Duration of task execution",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	FetchesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gigamap_fetches_in_flight",
		Help: "Tile fetches currently holding a concurrency slot",
	})

	FetchLimit = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gigamap_fetch_concurrency_limit",
		Help: "Effective fetch concurrency limit after network adaptation",
	})

	FetchRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gigamap_fetch_retries_total",
		Help: "Automatic tile fetch retries",
	})

	// FetchResubmits counts tile work submitted again after the queue shed
	// it or dropped it as stale.
	FetchResubmits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gigamap_fetch_resubmits_total",
		Help: "Dropped tile work submitted again",
	})

	// CacheLookups counts tile cache lookups.
	// Labels:
	//   - result: "hit", "miss", "joined" (in-flight) or "failed" (cooldown)
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gigamap_cache_lookups_total",
		Help: "Tile cache lookups by result",
	}, []string{"result"})

	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gigamap_cache_evictions_total",
		Help: "Tile entries evicted to stay within budget",
	})

	CacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gigamap_cache_entries",
		Help: "Resident tile entries",
	})

	CacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gigamap_cache_bytes",
		Help: "Resident tile bytes",
	})

	// StoreRequests counts raw tile byte store lookups.
	// Labels:
	//   - store: "memory", "file", "redis" or "disabled"
	//   - result: "hit" or "miss"
	StoreRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gigamap_store_requests_total",
		Help: "Raw tile store lookups by store and result",
	}, []string{"store", "result"})
)
