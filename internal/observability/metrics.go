package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposed by the runtime. Registered on the default registry and
// served at GET /metrics.
var (
	// TurnsTotal counts completed agent turns by terminal trace status.
	TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nexus_turns_total",
		Help: "Agent turns by terminal trace status.",
	}, []string{"project_id", "status"})

	// TurnDuration observes wall-clock turn duration.
	TurnDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nexus_turn_duration_seconds",
		Help:    "Agent turn duration.",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
	}, []string{"project_id"})

	// ToolExecutions counts tool resolutions by tool and outcome.
	ToolExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nexus_tool_executions_total",
		Help: "Tool resolutions by tool ID and outcome.",
	}, []string{"tool_id", "outcome"})

	// ProviderRetries counts provider call retries by provider name.
	ProviderRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nexus_provider_retries_total",
		Help: "Provider call retries.",
	}, []string{"provider"})

	// TokensUsed counts tokens consumed per project and direction.
	TokensUsed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nexus_tokens_total",
		Help: "Tokens consumed by project and direction (input/output).",
	}, []string{"project_id", "direction"})

	// HTTPRequests counts API requests by route and status code.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nexus_http_requests_total",
		Help: "HTTP requests by route and status.",
	}, []string{"route", "status"})
)
