package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Workflow metrics
	WorkflowsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "voyage_workflows_started_total",
			Help: "Total number of voyage planning requests started",
		},
	)

	WorkflowsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voyage_workflows_completed_total",
			Help: "Total number of voyage planning requests finalized",
		},
		[]string{"outcome"},
	)

	WorkflowDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "voyage_workflow_duration_seconds",
			Help:    "End-to-end request duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	WorkflowSteps = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "voyage_workflow_steps",
			Help:    "Number of executor nodes visited per request",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
		},
	)

	// Executor metrics
	NodeExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voyage_node_executions_total",
			Help: "Total number of executor node visits",
		},
		[]string{"node", "status"},
	)

	WorkerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "voyage_worker_duration_ms",
			Help:    "Worker execution duration in milliseconds",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000, 30000},
		},
		[]string{"worker"},
	)

	LoopBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voyage_loop_breaker_trips_total",
			Help: "Times a stuck worker was escaped back to the supervisor",
		},
		[]string{"worker"},
	)

	BoundsReached = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voyage_bounds_reached_total",
			Help: "Times an executor bound forced finalization",
		},
		[]string{"bound"},
	)

	CheckpointOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voyage_checkpoint_operations_total",
			Help: "Checkpoint store operations",
		},
		[]string{"backend", "op", "status"},
	)

	// Decision metrics
	IntentMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voyage_intent_matches_total",
			Help: "Intent classifications by intent and source",
		},
		[]string{"intent", "source"},
	)

	ClassifierCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voyage_intent_classifier_calls_total",
			Help: "LLM intent classifier fallbacks by outcome",
		},
		[]string{"outcome"},
	)

	ClassifierLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "voyage_intent_classifier_latency_seconds",
			Help:    "LLM intent classifier latency",
			Buckets: prometheus.DefBuckets,
		},
	)

	ClassifierCostUSD = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "voyage_intent_classifier_cost_usd_total",
			Help: "Reported cost of LLM classification calls",
		},
	)

	Decisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voyage_decisions_total",
			Help: "Decision framework outcomes",
		},
		[]string{"decision"},
	)

	SafetyOverrides = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voyage_safety_overrides_total",
			Help: "Routing decisions overridden by a safety validator",
		},
		[]string{"validator", "required_worker"},
	)

	ReasoningSteps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voyage_reasoning_steps_total",
			Help: "Reasoning loop steps by chosen action and source",
		},
		[]string{"action", "source"},
	)

	// Cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voyage_cache_hits_total",
			Help: "Shared cache hits",
		},
		[]string{"namespace"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voyage_cache_misses_total",
			Help: "Shared cache misses",
		},
		[]string{"namespace"},
	)

	CacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "voyage_cache_size",
			Help: "Number of entries in the shared cache",
		},
	)

	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voyage_cache_evictions_total",
			Help: "Shared cache evictions by reason",
		},
		[]string{"reason"},
	)

	// External calls
	LLMRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voyage_llm_requests_total",
			Help: "Requests to the LLM service",
		},
		[]string{"endpoint", "status"},
	)

	LLMLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "voyage_llm_latency_seconds",
			Help:    "LLM service request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// HTTP surface
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voyage_http_requests_total",
			Help: "HTTP API requests",
		},
		[]string{"route", "code"},
	)

	IdempotencyReplays = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "voyage_idempotency_replays_total",
			Help: "Responses served from the idempotency store",
		},
	)

	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "voyage_stream_subscribers",
			Help: "Active event stream subscribers",
		},
	)
)

// RecordWorkflowMetrics records metrics for a finalized request
func RecordWorkflowMetrics(outcome string, durationSeconds float64, steps int) {
	WorkflowsCompleted.WithLabelValues(outcome).Inc()
	WorkflowDuration.Observe(durationSeconds)
	if steps > 0 {
		WorkflowSteps.Observe(float64(steps))
	}
}

// RecordWorkerMetrics records metrics for one worker execution
func RecordWorkerMetrics(worker, status string, durationMs float64) {
	NodeExecutions.WithLabelValues(worker, status).Inc()
	WorkerDuration.WithLabelValues(worker).Observe(durationMs)
}

// RecordClassifierCall records one LLM classification fallback
func RecordClassifierCall(outcome string, latencySeconds, costUSD float64) {
	ClassifierCalls.WithLabelValues(outcome).Inc()
	if latencySeconds > 0 {
		ClassifierLatency.Observe(latencySeconds)
	}
	if costUSD > 0 {
		ClassifierCostUSD.Add(costUSD)
	}
}

// RecordLLMRequest records one call to the LLM service
func RecordLLMRequest(endpoint, status string, durationSeconds float64) {
	LLMRequests.WithLabelValues(endpoint, status).Inc()
	if durationSeconds > 0 {
		LLMLatency.WithLabelValues(endpoint).Observe(durationSeconds)
	}
}
