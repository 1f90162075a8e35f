package agent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/haasonsaas/nexus-core/internal/storage"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

func TestTraceRecorder_AggregatesAndOrder(t *testing.T) {
	store := storage.NewMemoryTraceStore()
	ctx := context.Background()

	current := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	now := func() time.Time {
		current = current.Add(10 * time.Millisecond)
		return current
	}

	r, err := newTraceRecorder(ctx, store, "p1", "s1", models.PromptSnapshot{}, now)
	if err != nil {
		t.Fatalf("newTraceRecorder: %v", err)
	}

	r.UserMessage("what is 2+2?")
	r.Delta("The answer ")
	r.Delta("is 4.")
	call := models.ToolCall{ID: "c1", Name: "calculator", Input: json.RawMessage(`{"expression":"2+2"}`)}
	r.ToolCallStart(call)
	r.ToolCallEnd(call, models.ToolResult{ToolCallID: "c1", Content: `{"value":4}`, DurationMs: 3})
	r.MessageEnd(StopToolUse, Usage{InputTokens: 100, OutputTokens: 20}, 0.25)
	r.Response("The answer is 4.")
	r.MessageEnd(StopEndTurn, Usage{InputTokens: 120, OutputTokens: 10}, 0.5)

	if err := r.Finish(ctx, models.TraceCompleted); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	got, err := store.Get(ctx, r.TraceID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.TurnCount != 2 {
		t.Errorf("turn count = %d, want 2", got.TurnCount)
	}
	if got.TotalTokensUsed != 250 {
		t.Errorf("tokens = %d, want 250", got.TotalTokensUsed)
	}
	if got.TotalCostUSD != 0.75 {
		t.Errorf("cost = %v, want 0.75", got.TotalCostUSD)
	}
	if got.Status != models.TraceCompleted {
		t.Errorf("status = %s", got.Status)
	}
	if got.TotalDurationMs <= 0 {
		t.Errorf("duration = %d, want > 0", got.TotalDurationMs)
	}

	// Timestamps are monotonically non-decreasing.
	for i := 1; i < len(got.Events); i++ {
		if got.Events[i].Timestamp.Before(got.Events[i-1].Timestamp) {
			t.Fatalf("event %d timestamp regressed", i)
		}
	}

	// Both halves of a tool call carry the tool identity.
	for _, e := range got.Events {
		if e.Type == models.TraceToolCallStart || e.Type == models.TraceToolCallEnd {
			if e.ToolID != "calculator" {
				t.Errorf("%s tool id = %q, want calculator", e.Type, e.ToolID)
			}
		}
	}
	if got.AssistantText() != "The answer is 4." {
		t.Errorf("assistant text = %q", got.AssistantText())
	}
}

func TestTraceRecorder_ApprovalLifecycle(t *testing.T) {
	store := storage.NewMemoryTraceStore()
	ctx := context.Background()

	r, err := NewTraceRecorder(ctx, store, "p1", "s1", models.PromptSnapshot{})
	if err != nil {
		t.Fatalf("NewTraceRecorder: %v", err)
	}

	approval := &models.Approval{ID: "a1", ToolCallID: "c1", ToolID: "http-request", Status: models.ApprovalPending}
	r.ApprovalRequested(approval)
	resolved := *approval
	resolved.Status = models.ApprovalDenied
	r.ApprovalResolved(&resolved)
	if err := r.Finish(ctx, models.TraceFailed); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	got, _ := store.Get(ctx, r.TraceID())
	if len(got.Events) != 2 {
		t.Fatalf("events = %d, want 2", len(got.Events))
	}
	if got.Events[0].Type != models.TraceApprovalRequest || got.Events[0].ApprovalID != "a1" {
		t.Errorf("first event = %+v", got.Events[0])
	}
	if got.Events[1].Type != models.TraceApprovalResolved || got.Events[1].Decision != "denied" {
		t.Errorf("second event = %+v", got.Events[1])
	}
}
