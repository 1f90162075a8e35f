package models

import (
	"encoding/json"
	"time"
)

// TraceStatus is the terminal (or running) state of an execution trace.
type TraceStatus string

const (
	TraceRunning        TraceStatus = "running"
	TraceCompleted      TraceStatus = "completed"
	TraceFailed         TraceStatus = "failed"
	TraceMaxTurns       TraceStatus = "max_turns"
	TraceBudgetExceeded TraceStatus = "budget_exceeded"
	TraceCancelled      TraceStatus = "cancelled"
)

// TraceEventType enumerates the event kinds recorded in a trace.
type TraceEventType string

const (
	TraceMessageStart     TraceEventType = "message_start"
	TraceLLMDelta         TraceEventType = "llm_delta"
	TraceToolCallStart    TraceEventType = "tool_call_start"
	TraceToolCallEnd      TraceEventType = "tool_call_end"
	TraceApprovalRequest  TraceEventType = "approval_requested"
	TraceApprovalResolved TraceEventType = "approval_resolved"
	TraceLLMResponse      TraceEventType = "llm_response"
	TraceMessageEnd       TraceEventType = "message_end"
	TraceError            TraceEventType = "error"
)

// TraceEvent is one append-only entry in an execution trace. Fields beyond
// Type and Timestamp are populated per event kind.
type TraceEvent struct {
	Type       TraceEventType  `json:"type"`
	Timestamp  time.Time       `json:"timestamp"`
	Text       string          `json:"text,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolID     string          `json:"tool_id,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     string          `json:"output,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
	ApprovalID string          `json:"approval_id,omitempty"`
	Decision   string          `json:"decision,omitempty"`
	StopReason string          `json:"stop_reason,omitempty"`
	InputToks  int             `json:"input_tokens,omitempty"`
	OutputToks int             `json:"output_tokens,omitempty"`
	Code       string          `json:"code,omitempty"`
	Message    string          `json:"message,omitempty"`
}

// ExecutionTrace is the persisted audit record of one turn sequence.
// Events are append-only and monotonically timestamped; aggregates are
// maintained incrementally and written atomically with the events.
type ExecutionTrace struct {
	ID              string         `json:"id"`
	ProjectID       string         `json:"project_id"`
	SessionID       string         `json:"session_id"`
	PromptSnapshot  PromptSnapshot `json:"prompt_snapshot"`
	Events          []TraceEvent   `json:"events"`
	TotalDurationMs int64          `json:"total_duration_ms"`
	TotalTokensUsed int            `json:"total_tokens_used"`
	TotalCostUSD    float64        `json:"total_cost_usd"`
	TurnCount       int            `json:"turn_count"`
	Status          TraceStatus    `json:"status"`
	CreatedAt       time.Time      `json:"created_at"`
}

// AssistantText returns the final assistant text recorded in the trace,
// falling back to concatenated deltas when no llm_response event exists.
func (t *ExecutionTrace) AssistantText() string {
	for i := len(t.Events) - 1; i >= 0; i-- {
		if t.Events[i].Type == TraceLLMResponse {
			return t.Events[i].Text
		}
	}
	var text string
	for _, e := range t.Events {
		if e.Type == TraceLLMDelta {
			text += e.Text
		}
	}
	return text
}
