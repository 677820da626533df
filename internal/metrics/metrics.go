// ABOUTME: Prometheus metrics for the bridge
// ABOUTME: Counters and gauges registered via promauto at package init

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ember_messages_ingested_total",
		Help: "Inbound messages accepted by the ingest handler.",
	})

	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ember_messages_dropped_total",
		Help: "Inbound messages dropped before enqueue, by reason.",
	}, []string{"reason"})

	EnrichmentFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ember_enrichment_failures_total",
		Help: "Enrichment sub-step failures, by step.",
	}, []string{"step"})

	JobsQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ember_jobs_queued_total",
		Help: "Jobs accepted onto session queues.",
	})

	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ember_jobs_completed_total",
		Help: "Jobs finished by workers, by outcome.",
	}, []string{"outcome"})

	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ember_active_workers",
		Help: "Workers currently executing a session queue.",
	})

	Deliveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ember_deliveries_total",
		Help: "Chunks successfully delivered to the transport.",
	})

	DeliveryRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ember_delivery_retries_total",
		Help: "Chunk send retries after transient transport errors.",
	})

	DeadLettersPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ember_dead_letters_persisted_total",
		Help: "Dead letters written after delivery gave up.",
	})

	DeadLettersReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ember_dead_letters_replayed_total",
		Help: "Dead letters successfully delivered on replay.",
	})

	WatchdogAlerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ember_watchdog_alerts_total",
		Help: "Watchdog alerts sent, by severity.",
	}, []string{"severity"})

	MCPRequestsRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ember_mcp_requests_routed_total",
		Help: "MCP requests routed, by target server.",
	}, []string{"server"})

	SessionsSpawned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ember_sessions_spawned_total",
		Help: "New agent sessions created.",
	})

	SessionsResumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ember_sessions_resumed_total",
		Help: "Jobs routed onto an existing session.",
	})
)
