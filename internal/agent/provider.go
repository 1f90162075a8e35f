// Package agent implements the core turn execution engine: the streaming
// provider abstraction, the execution trace recorder, and the runner loop
// that iterates provider -> tools -> provider until a stop condition.
package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/nexus-core/pkg/models"
)

// Provider defines the uniform streaming chat interface over vendor SDKs.
//
// Implementations must be safe for concurrent use: multiple goroutines may
// call Chat simultaneously for different requests. Each Chat call returns
// an independent event channel that is closed when the stream ends.
//
// Partial JSON for tool inputs is accumulated across deltas inside the
// implementation and parsed once on tool_use_end; a parse failure yields an
// EventError rather than a panic or a truncated input.
type Provider interface {
	// Chat sends the conversation and streams response events.
	Chat(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error)

	// Name returns the vendor name.
	Name() models.ProviderName

	// SupportsTools reports whether the provider translates tool schemas.
	SupportsTools() bool
}

// ChatRequest contains all parameters for one provider call.
type ChatRequest struct {
	Model           string        `json:"model"`
	System          string        `json:"system,omitempty"`
	Messages        []ChatMessage `json:"messages"`
	Tools           []ToolDef     `json:"tools,omitempty"`
	MaxOutputTokens int           `json:"max_output_tokens,omitempty"`
	Temperature     *float64      `json:"temperature,omitempty"`
}

// ChatMessage is the canonical message form passed to providers.
// Role is one of user, assistant, tool, system.
type ChatMessage struct {
	Role        models.Role         `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// ToolDef is the provider-facing tool description.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// EventType enumerates the stream event kinds.
type EventType string

const (
	EventMessageStart EventType = "message_start"
	EventContentDelta EventType = "content_delta"
	EventToolUseStart EventType = "tool_use_start"
	EventToolUseEnd   EventType = "tool_use_end"
	EventMessageEnd   EventType = "message_end"
	EventError        EventType = "error"
)

// StopReason reports why the model stopped generating.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopToolUse      StopReason = "tool_use"
	StopMaxTokens    StopReason = "max_tokens"
	StopStopSequence StopReason = "stop_sequence"
)

// Usage reports token consumption for one provider call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// StreamEvent is one tagged event on a provider stream. Fields beyond Type
// are populated per event kind.
type StreamEvent struct {
	Type EventType

	// Text carries partial output for content_delta.
	Text string

	// ToolCallID and ToolName identify a tool_use block; ToolInput is the
	// fully parsed input, present only on tool_use_end.
	ToolCallID string
	ToolName   string
	ToolInput  json.RawMessage

	// StopReason and TokenUsage are present on message_end.
	StopReason StopReason
	TokenUsage Usage

	// Err is present on error events; the stream terminates after it.
	Err error
}

// EstimateTokens approximates the token count of a message list using the
// 4-characters-per-token heuristic the cost guard also assumes.
func EstimateTokens(messages []ChatMessage) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.Content)
		for _, tc := range m.ToolCalls {
			chars += len(tc.Name) + len(tc.Input)
		}
		for _, tr := range m.ToolResults {
			chars += len(tr.Content)
		}
	}
	return (chars + 3) / 4
}

// EstimateTextTokens approximates the token count of a bare string.
func EstimateTextTokens(text string) int {
	return (len(text) + 3) / 4
}
