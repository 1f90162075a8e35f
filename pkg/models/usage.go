package models

import "time"

// UsageRecord is one billing entry written after a provider turn completes.
// Records are deduplicated by (trace_id, turn_index) so retried writes are
// idempotent.
type UsageRecord struct {
	ProjectID    string    `json:"project_id"`
	SessionID    string    `json:"session_id"`
	TraceID      string    `json:"trace_id"`
	TurnIndex    int       `json:"turn_index"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	Timestamp    time.Time `json:"timestamp"`
}
