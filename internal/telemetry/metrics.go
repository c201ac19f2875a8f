package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Process-wide counters, registered once at init. The API router serves them
// on /metrics via promhttp.

var (
	SyncBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kobopay",
		Subsystem: "sync",
		Name:      "batches_total",
		Help:      "Offline sync batches processed, by outcome.",
	}, []string{"outcome"}) // "ok", "rejected", "error"

	SyncTransactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kobopay",
		Subsystem: "sync",
		Name:      "transactions_total",
		Help:      "Offline transactions processed, by final status.",
	}, []string{"status"}) // "synced", "failed"

	SyncConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kobopay",
		Subsystem: "sync",
		Name:      "conflicts_total",
		Help:      "Sync conflicts recorded, by type.",
	}, []string{"type"})

	InsightsCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kobopay",
		Subsystem: "insights",
		Name:      "cache_hits_total",
		Help:      "Admin insights answers served from cache.",
	})

	InsightsCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kobopay",
		Subsystem: "insights",
		Name:      "cache_misses_total",
		Help:      "Admin insights queries that went to the model.",
	})

	InsightsRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kobopay",
		Subsystem: "insights",
		Name:      "rate_limited_total",
		Help:      "Admin insights requests refused by the rate limiter.",
	})

	LLMCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kobopay",
		Subsystem: "llm",
		Name:      "calls_total",
		Help:      "Outbound LLM provider calls, by outcome.",
	}, []string{"outcome"}) // "ok", "retried", "error"

	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kobopay",
		Subsystem: "chat",
		Name:      "tool_calls_total",
		Help:      "Function-registry tool invocations, by tool and outcome.",
	}, []string{"tool", "outcome"}) // outcome: "ok", "error", "refused"
)
