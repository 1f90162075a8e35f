package agent

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus-core/internal/storage"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

// TraceRecorder accumulates the append-only event log of one turn sequence
// and maintains the trace aggregates incrementally. Events and aggregates
// are persisted together on Flush and Finish.
//
// The recorder is not safe for concurrent use; the runner appends from a
// single goroutine.
type TraceRecorder struct {
	store   storage.TraceStore
	trace   *models.ExecutionTrace
	now     func() time.Time
	started time.Time
}

// NewTraceRecorder creates and persists a running trace.
func NewTraceRecorder(ctx context.Context, store storage.TraceStore, projectID, sessionID string, snapshot models.PromptSnapshot) (*TraceRecorder, error) {
	return newTraceRecorder(ctx, store, projectID, sessionID, snapshot, time.Now)
}

func newTraceRecorder(ctx context.Context, store storage.TraceStore, projectID, sessionID string, snapshot models.PromptSnapshot, now func() time.Time) (*TraceRecorder, error) {
	r := &TraceRecorder{
		store: store,
		now:   now,
		trace: &models.ExecutionTrace{
			ID:             uuid.NewString(),
			ProjectID:      projectID,
			SessionID:      sessionID,
			PromptSnapshot: snapshot,
			Status:         models.TraceRunning,
			CreatedAt:      now(),
		},
	}
	r.started = r.trace.CreatedAt
	if err := store.Create(ctx, r.trace); err != nil {
		return nil, err
	}
	return r, nil
}

// TraceID returns the trace's identifier.
func (r *TraceRecorder) TraceID() string { return r.trace.ID }

// TurnCount returns the number of provider calls recorded so far.
func (r *TraceRecorder) TurnCount() int { return r.trace.TurnCount }

// Trace returns the underlying trace.
func (r *TraceRecorder) Trace() *models.ExecutionTrace { return r.trace }

func (r *TraceRecorder) append(event models.TraceEvent) {
	event.Timestamp = r.now()
	r.trace.Events = append(r.trace.Events, event)
}

// UserMessage records the inbound user text that started the turn.
func (r *TraceRecorder) UserMessage(text string) {
	r.append(models.TraceEvent{Type: models.TraceMessageStart, Text: text})
}

// Delta records one streamed content fragment.
func (r *TraceRecorder) Delta(text string) {
	r.append(models.TraceEvent{Type: models.TraceLLMDelta, Text: text})
}

// ToolCallStart records the model requesting a tool.
func (r *TraceRecorder) ToolCallStart(call models.ToolCall) {
	r.append(models.TraceEvent{
		Type:       models.TraceToolCallStart,
		ToolCallID: call.ID,
		ToolID:     call.Name,
		Input:      call.Input,
	})
}

// ToolCallEnd records a tool result, successful or not. The originating
// call supplies the tool identity, which the result alone does not carry.
func (r *TraceRecorder) ToolCallEnd(call models.ToolCall, result models.ToolResult) {
	r.append(models.TraceEvent{
		Type:       models.TraceToolCallEnd,
		ToolCallID: result.ToolCallID,
		ToolID:     call.Name,
		Output:     result.Content,
		IsError:    result.IsError,
		DurationMs: result.DurationMs,
	})
}

// ApprovalRequested records a pending approval opening.
func (r *TraceRecorder) ApprovalRequested(approval *models.Approval) {
	r.append(models.TraceEvent{
		Type:       models.TraceApprovalRequest,
		ApprovalID: approval.ID,
		ToolCallID: approval.ToolCallID,
		ToolID:     approval.ToolID,
	})
}

// ApprovalResolved records the terminal decision on an approval.
func (r *TraceRecorder) ApprovalResolved(approval *models.Approval) {
	r.append(models.TraceEvent{
		Type:       models.TraceApprovalResolved,
		ApprovalID: approval.ID,
		ToolCallID: approval.ToolCallID,
		Decision:   string(approval.Status),
	})
}

// Response records the assistant's complete text for one provider call.
func (r *TraceRecorder) Response(text string) {
	r.append(models.TraceEvent{Type: models.TraceLLMResponse, Text: text})
}

// MessageEnd closes one provider call: it records the stop reason and token
// usage and advances the aggregates (turn count, tokens, cost).
func (r *TraceRecorder) MessageEnd(stop StopReason, usage Usage, costUSD float64) {
	r.append(models.TraceEvent{
		Type:       models.TraceMessageEnd,
		StopReason: string(stop),
		InputToks:  usage.InputTokens,
		OutputToks: usage.OutputTokens,
	})
	r.trace.TurnCount++
	r.trace.TotalTokensUsed += usage.InputTokens + usage.OutputTokens
	r.trace.TotalCostUSD += costUSD
}

// Error records a taxonomy error event.
func (r *TraceRecorder) Error(code, message string) {
	r.append(models.TraceEvent{Type: models.TraceError, Code: code, Message: message})
}

// Flush persists the trace mid-turn so a crash loses at most the events
// since the last provider call boundary.
func (r *TraceRecorder) Flush(ctx context.Context) error {
	r.trace.TotalDurationMs = r.now().Sub(r.started).Milliseconds()
	return r.store.Update(ctx, r.trace)
}

// Finish sets the terminal status and persists the trace.
func (r *TraceRecorder) Finish(ctx context.Context, status models.TraceStatus) error {
	r.trace.Status = status
	return r.Flush(ctx)
}
