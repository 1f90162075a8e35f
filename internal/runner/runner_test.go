package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/haasonsaas/nexus-core/internal/agent"
	"github.com/haasonsaas/nexus-core/internal/costguard"
	"github.com/haasonsaas/nexus-core/internal/memory"
	"github.com/haasonsaas/nexus-core/internal/prompt"
	"github.com/haasonsaas/nexus-core/internal/storage"
	"github.com/haasonsaas/nexus-core/internal/tools"
	"github.com/haasonsaas/nexus-core/pkg/models"
	"github.com/haasonsaas/nexus-core/pkg/nexuserr"
)

type scriptStep struct {
	err    error
	events []agent.StreamEvent
}

type scriptedProvider struct {
	script   []scriptStep
	requests []*agent.ChatRequest
}

func (p *scriptedProvider) Chat(_ context.Context, req *agent.ChatRequest) (<-chan agent.StreamEvent, error) {
	p.requests = append(p.requests, req)
	idx := len(p.requests) - 1
	if idx >= len(p.script) {
		idx = len(p.script) - 1
	}
	step := p.script[idx]
	if step.err != nil {
		return nil, step.err
	}
	ch := make(chan agent.StreamEvent, len(step.events))
	for _, e := range step.events {
		ch <- e
	}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) Name() models.ProviderName { return "scripted" }
func (p *scriptedProvider) SupportsTools() bool       { return true }

type statusErr struct {
	status int
}

func (e statusErr) Error() string   { return fmt.Sprintf("status %d", e.status) }
func (e statusErr) HTTPStatus() int { return e.status }

type addHandler struct{}

func (addHandler) Execute(_ context.Context, input json.RawMessage, _ *tools.Context) (any, error) {
	var in struct {
		A, B float64
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, err
	}
	return map[string]any{"sum": in.A + in.B}, nil
}

func textTurn(text string) scriptStep {
	return scriptStep{events: []agent.StreamEvent{
		{Type: agent.EventMessageStart},
		{Type: agent.EventContentDelta, Text: text},
		{Type: agent.EventMessageEnd, StopReason: agent.StopEndTurn, TokenUsage: agent.Usage{InputTokens: 10, OutputTokens: 5}},
	}}
}

func toolTurn(callID, name, input string) scriptStep {
	return scriptStep{events: []agent.StreamEvent{
		{Type: agent.EventMessageStart},
		{Type: agent.EventToolUseStart, ToolCallID: callID, ToolName: name},
		{Type: agent.EventToolUseEnd, ToolCallID: callID, ToolName: name, ToolInput: json.RawMessage(input)},
		{Type: agent.EventMessageEnd, StopReason: agent.StopToolUse, TokenUsage: agent.Usage{InputTokens: 10, OutputTokens: 5}},
	}}
}

// cancellingProvider streams two deltas, then cancels the run from outside
// before surfacing the stream failure, the shape of a client disconnect.
type cancellingProvider struct {
	cancel context.CancelFunc
}

func (p *cancellingProvider) Chat(_ context.Context, _ *agent.ChatRequest) (<-chan agent.StreamEvent, error) {
	ch := make(chan agent.StreamEvent, 4)
	ch <- agent.StreamEvent{Type: agent.EventMessageStart}
	ch <- agent.StreamEvent{Type: agent.EventContentDelta, Text: "Hel"}
	ch <- agent.StreamEvent{Type: agent.EventContentDelta, Text: "lo"}
	p.cancel()
	ch <- agent.StreamEvent{Type: agent.EventError, Err: context.Canceled}
	close(ch)
	return ch, nil
}

func (p *cancellingProvider) Name() models.ProviderName { return "cancelling" }
func (p *cancellingProvider) SupportsTools() bool       { return true }

type fixture struct {
	runner   *Runner
	stores   storage.StoreSet
	provider agent.Provider
	config   *models.AgentConfig
}

func newFixture(t *testing.T, provider agent.Provider, mutate func(*models.AgentConfig)) *fixture {
	t.Helper()
	ctx := context.Background()
	stores := storage.NewMemoryStores()

	for _, lt := range []models.LayerType{models.LayerIdentity, models.LayerInstructions, models.LayerSafety} {
		err := stores.Prompts.PutLayer(ctx, &models.PromptLayer{
			ID: "layer-" + string(lt), ProjectID: "p1", LayerType: lt,
			Version: 1, Content: "Layer " + string(lt) + ".", IsActive: true, CreatedAt: time.Now(),
		})
		if err != nil {
			t.Fatalf("PutLayer: %v", err)
		}
	}

	config := &models.AgentConfig{
		ProjectID: "p1",
		Provider:  models.ProviderBinding{Name: "anthropic", Model: "claude-sonnet-4-20250514"},
		Failover:  models.FailoverConfig{MaxRetries: 2, OnServerError: true, OnTimeout: true, TimeoutMs: 5000},
		AllowedTools: []string{"add"},
	}
	if mutate != nil {
		mutate(config)
	}
	if err := stores.Configs.Put(ctx, config); err != nil {
		t.Fatalf("Put config: %v", err)
	}
	if err := stores.Sessions.Create(ctx, &models.Session{
		ID: "s1", ProjectID: "p1", Channel: models.ChannelHTTP, Status: models.SessionActive,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("Create session: %v", err)
	}

	registry := tools.NewRegistry()
	err := registry.Register(models.ToolSpec{
		ID: "add", Name: "add", Description: "adds two numbers", Category: "test",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"A":{"type":"number"},"B":{"type":"number"}}}`),
	}, addHandler{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	r := New(Config{
		Stores:      stores,
		Registry:    registry,
		Resolver:    tools.NewResolver(registry, nil, tools.ResolverConfig{}),
		Guard:       costguard.NewGuard(stores.Usage),
		Memory:      memory.NewManager(nil),
		Assembler:   prompt.NewAssembler(stores.Prompts),
		NewProvider: func(models.ProviderBinding) (agent.Provider, error) { return provider, nil },
	})
	r.sleep = func(context.Context, time.Duration) error { return nil }

	return &fixture{runner: r, stores: stores, provider: provider, config: config}
}

func TestRun_PlainTextTurn(t *testing.T) {
	f := newFixture(t, &scriptedProvider{script: []scriptStep{textTurn("Hello there.")}}, nil)

	result, err := f.runner.Run(context.Background(), Request{ProjectID: "p1", SessionID: "s1", Message: "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != models.TraceCompleted || result.Reply != "Hello there." {
		t.Errorf("result = %+v", result)
	}

	trace, err := f.stores.Traces.Get(context.Background(), result.TraceID)
	if err != nil {
		t.Fatalf("Get trace: %v", err)
	}
	if trace.Status != models.TraceCompleted || trace.TurnCount != 1 {
		t.Errorf("trace = status %s, turns %d", trace.Status, trace.TurnCount)
	}
	if trace.TotalTokensUsed != 15 {
		t.Errorf("tokens = %d, want 15", trace.TotalTokensUsed)
	}
	if trace.AssistantText() != "Hello there." {
		t.Errorf("assistant text = %q", trace.AssistantText())
	}

	// Both sides of the exchange are persisted.
	messages, _, err := f.stores.Messages.ListBySession(context.Background(), "s1", 0, 0)
	if err != nil {
		t.Fatalf("ListBySession: %v", err)
	}
	if len(messages) != 2 || messages[0].Role != models.RoleUser || messages[1].Role != models.RoleAssistant {
		t.Errorf("messages = %+v", messages)
	}
}

func TestRun_ToolLoop(t *testing.T) {
	provider := &scriptedProvider{script: []scriptStep{
		toolTurn("call_1", "add", `{"A":2,"B":3}`),
		textTurn("The sum is 5."),
	}}
	f := newFixture(t, provider, nil)

	result, err := f.runner.Run(context.Background(), Request{ProjectID: "p1", SessionID: "s1", Message: "add 2 and 3"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != models.TraceCompleted || result.Reply != "The sum is 5." {
		t.Fatalf("result = %+v", result)
	}

	// The second provider call carries the tool result back.
	if len(provider.requests) != 2 {
		t.Fatalf("provider calls = %d, want 2", len(provider.requests))
	}
	second := provider.requests[1].Messages
	last := second[len(second)-1]
	if last.Role != models.RoleTool || len(last.ToolResults) != 1 {
		t.Fatalf("last message = %+v, want tool results", last)
	}
	if last.ToolResults[0].IsError || last.ToolResults[0].Content != `{"sum":5}` {
		t.Errorf("tool result = %+v", last.ToolResults[0])
	}

	trace, _ := f.stores.Traces.Get(context.Background(), result.TraceID)
	var kinds []models.TraceEventType
	for _, e := range trace.Events {
		kinds = append(kinds, e.Type)
	}
	wantSubsequence(t, kinds,
		models.TraceMessageStart, models.TraceToolCallStart, models.TraceToolCallEnd,
		models.TraceLLMResponse, models.TraceMessageEnd)
	if trace.TurnCount != 2 {
		t.Errorf("turn count = %d, want 2", trace.TurnCount)
	}
}

func TestRun_DisallowedToolBecomesErrorResult(t *testing.T) {
	provider := &scriptedProvider{script: []scriptStep{
		toolTurn("call_1", "add", `{"A":1,"B":1}`),
		textTurn("I cannot use that tool."),
	}}
	f := newFixture(t, provider, func(cfg *models.AgentConfig) {
		cfg.AllowedTools = nil
	})

	result, err := f.runner.Run(context.Background(), Request{ProjectID: "p1", SessionID: "s1", Message: "go"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != models.TraceCompleted {
		t.Errorf("status = %s, want completed: the model gets to recover", result.Status)
	}

	second := provider.requests[1].Messages
	last := second[len(second)-1]
	if len(last.ToolResults) != 1 || !last.ToolResults[0].IsError {
		t.Errorf("tool result = %+v, want an error result", last.ToolResults)
	}
}

func TestRun_RetriesServerErrorThenSucceeds(t *testing.T) {
	provider := &scriptedProvider{script: []scriptStep{
		{err: statusErr{status: 503}},
		textTurn("Recovered."),
	}}
	f := newFixture(t, provider, nil)

	result, err := f.runner.Run(context.Background(), Request{ProjectID: "p1", SessionID: "s1", Message: "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Reply != "Recovered." {
		t.Errorf("reply = %q", result.Reply)
	}
	if len(provider.requests) != 2 {
		t.Errorf("provider calls = %d, want 2", len(provider.requests))
	}
}

func TestRun_NeverRetriesAuthFailure(t *testing.T) {
	provider := &scriptedProvider{script: []scriptStep{{err: statusErr{status: 401}}}}
	f := newFixture(t, provider, nil)

	_, err := f.runner.Run(context.Background(), Request{ProjectID: "p1", SessionID: "s1", Message: "hi"})
	if got := nexuserr.KindOf(err); got != nexuserr.KindProvider {
		t.Fatalf("kind = %s, want PROVIDER_ERROR", got)
	}
	if len(provider.requests) != 1 {
		t.Errorf("provider calls = %d, want 1 (401 is permanent)", len(provider.requests))
	}
}

func TestRun_NoRetryAfterPartialContent(t *testing.T) {
	provider := &scriptedProvider{script: []scriptStep{
		{events: []agent.StreamEvent{
			{Type: agent.EventMessageStart},
			{Type: agent.EventContentDelta, Text: "partial"},
			{Type: agent.EventError, Err: statusErr{status: 500}},
		}},
		textTurn("should never be reached"),
	}}
	f := newFixture(t, provider, nil)

	result, err := f.runner.Run(context.Background(), Request{ProjectID: "p1", SessionID: "s1", Message: "hi"})
	if err == nil {
		t.Fatal("want error after mid-stream failure")
	}
	if len(provider.requests) != 1 {
		t.Errorf("provider calls = %d, want 1: partial streams are never replayed", len(provider.requests))
	}
	if result != nil && result.Status != models.TraceFailed {
		t.Errorf("status = %s, want failed", result.Status)
	}
}

func TestRun_CancelledMidStreamKeepsPartialReply(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, &cancellingProvider{cancel: cancel}, nil)

	result, err := f.runner.Run(ctx, Request{ProjectID: "p1", SessionID: "s1", Message: "hi"})
	if got := nexuserr.KindOf(err); got != nexuserr.KindCancelled {
		t.Fatalf("kind = %s, want CANCELLED", got)
	}
	if result.Status != models.TraceCancelled {
		t.Errorf("status = %s, want cancelled", result.Status)
	}
	if result.Reply != "Hello" {
		t.Errorf("reply = %q, want the streamed deltas", result.Reply)
	}

	trace, getErr := f.stores.Traces.Get(context.Background(), result.TraceID)
	if getErr != nil {
		t.Fatalf("Get trace: %v", getErr)
	}
	if trace.Status != models.TraceCancelled {
		t.Errorf("trace status = %s, want cancelled", trace.Status)
	}

	// The text streamed before cancellation is still stored, with the trace
	// status marking the turn as cut short.
	messages, _, listErr := f.stores.Messages.ListBySession(context.Background(), "s1", 0, 0)
	if listErr != nil {
		t.Fatalf("ListBySession: %v", listErr)
	}
	last := messages[len(messages)-1]
	if last.Role != models.RoleAssistant || last.Content != "Hello" {
		t.Errorf("last message = %+v, want assistant %q", last, "Hello")
	}
}

func TestRun_PerRunBudgetStopsLoop(t *testing.T) {
	provider := &scriptedProvider{script: []scriptStep{
		toolTurn("call_1", "add", `{"A":2,"B":3}`),
		textTurn("The sum is 5."),
	}}
	f := newFixture(t, provider, nil)

	// The first turn's priced usage already exceeds the per-run cap, so the
	// loop must stop before the second provider call.
	result, err := f.runner.Run(context.Background(), Request{
		ProjectID: "p1", SessionID: "s1", Message: "add 2 and 3", BudgetUSD: 0.0001,
	})
	if got := nexuserr.KindOf(err); got != nexuserr.KindBudgetExceeded {
		t.Fatalf("kind = %s, want BUDGET_EXCEEDED", got)
	}
	if result.Status != models.TraceBudgetExceeded {
		t.Errorf("status = %s, want budget_exceeded", result.Status)
	}
	if len(provider.requests) != 1 {
		t.Errorf("provider calls = %d, want 1: the cap stops the loop", len(provider.requests))
	}
}

func TestRun_MaxTokensStopIsNotCompleted(t *testing.T) {
	provider := &scriptedProvider{script: []scriptStep{
		{events: []agent.StreamEvent{
			{Type: agent.EventMessageStart},
			{Type: agent.EventContentDelta, Text: "Truncated answ"},
			{Type: agent.EventMessageEnd, StopReason: agent.StopMaxTokens, TokenUsage: agent.Usage{InputTokens: 10, OutputTokens: 5}},
		}},
	}}
	f := newFixture(t, provider, nil)

	result, err := f.runner.Run(context.Background(), Request{ProjectID: "p1", SessionID: "s1", Message: "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != models.TraceFailed {
		t.Errorf("status = %s, want failed: a truncated answer is not a clean end_turn", result.Status)
	}
	if result.Reply != "Truncated answ" {
		t.Errorf("reply = %q, want the partial text kept", result.Reply)
	}

	trace, _ := f.stores.Traces.Get(context.Background(), result.TraceID)
	var errCodes []string
	for _, e := range trace.Events {
		if e.Type == models.TraceError {
			errCodes = append(errCodes, e.Code)
		}
	}
	if len(errCodes) != 1 || errCodes[0] != string(nexuserr.KindTokenLimitExceeded) {
		t.Errorf("error codes = %v, want [TOKEN_LIMIT_EXCEEDED]", errCodes)
	}
}

func TestRun_BudgetExceededBeforeCall(t *testing.T) {
	provider := &scriptedProvider{script: []scriptStep{textTurn("never")}}
	f := newFixture(t, provider, func(cfg *models.AgentConfig) {
		cfg.Cost = models.CostConfig{DailyBudgetUSD: 0.01, HardLimitPct: 100}
	})
	// Prior spend exhausts the daily budget.
	if err := f.stores.Usage.Record(context.Background(), &models.UsageRecord{
		ProjectID: "p1", SessionID: "old", TraceID: "old", TurnIndex: 0,
		CostUSD: 0.02, Timestamp: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	result, err := f.runner.Run(context.Background(), Request{ProjectID: "p1", SessionID: "s1", Message: "hi"})
	if got := nexuserr.KindOf(err); got != nexuserr.KindBudgetExceeded {
		t.Fatalf("kind = %s, want BUDGET_EXCEEDED", got)
	}
	if result.Status != models.TraceBudgetExceeded {
		t.Errorf("status = %s, want budget_exceeded", result.Status)
	}
	if len(provider.requests) != 0 {
		t.Errorf("provider was called despite an exhausted budget")
	}
}

func TestRun_ToolCallCeilingTruncates(t *testing.T) {
	provider := &scriptedProvider{script: []scriptStep{
		{events: []agent.StreamEvent{
			{Type: agent.EventMessageStart},
			{Type: agent.EventToolUseEnd, ToolCallID: "c1", ToolName: "add", ToolInput: json.RawMessage(`{"A":1,"B":1}`)},
			{Type: agent.EventToolUseEnd, ToolCallID: "c2", ToolName: "add", ToolInput: json.RawMessage(`{"A":2,"B":2}`)},
			{Type: agent.EventMessageEnd, StopReason: agent.StopToolUse, TokenUsage: agent.Usage{InputTokens: 10, OutputTokens: 5}},
		}},
	}}
	f := newFixture(t, provider, func(cfg *models.AgentConfig) {
		cfg.Cost.MaxToolCallsPerTurn = 1
	})

	result, err := f.runner.Run(context.Background(), Request{ProjectID: "p1", SessionID: "s1", Message: "go"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != models.TraceMaxTurns {
		t.Errorf("status = %s, want max_turns", result.Status)
	}
	if len(provider.requests) != 1 {
		t.Errorf("provider calls = %d, want 1: the loop stops after truncation", len(provider.requests))
	}

	trace, _ := f.stores.Traces.Get(context.Background(), result.TraceID)
	executed := 0
	for _, e := range trace.Events {
		if e.Type == models.TraceToolCallEnd {
			executed++
		}
	}
	if executed != 1 {
		t.Errorf("executed tool calls = %d, want 1", executed)
	}
}

func TestRun_MissingPromptLayerFailsTurn(t *testing.T) {
	provider := &scriptedProvider{script: []scriptStep{textTurn("never")}}
	f := newFixture(t, provider, nil)
	// Deactivate the safety layer.
	if err := f.stores.Prompts.PutLayer(context.Background(), &models.PromptLayer{
		ID: "layer-safety", ProjectID: "p1", LayerType: models.LayerSafety,
		Version: 1, Content: "x", IsActive: false, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("PutLayer: %v", err)
	}

	_, err := f.runner.Run(context.Background(), Request{ProjectID: "p1", SessionID: "s1", Message: "hi"})
	if got := nexuserr.KindOf(err); got != nexuserr.KindNoActivePrompt {
		t.Errorf("kind = %s, want NO_ACTIVE_PROMPT", got)
	}
}

func TestRun_UnknownSession(t *testing.T) {
	f := newFixture(t, &scriptedProvider{script: []scriptStep{textTurn("x")}}, nil)
	_, err := f.runner.Run(context.Background(), Request{ProjectID: "p1", SessionID: "ghost", Message: "hi"})
	if got := nexuserr.KindOf(err); got != nexuserr.KindNotFound {
		t.Errorf("kind = %s, want NOT_FOUND", got)
	}
}

func wantSubsequence(t *testing.T, got []models.TraceEventType, want ...models.TraceEventType) {
	t.Helper()
	i := 0
	for _, g := range got {
		if i < len(want) && g == want[i] {
			i++
		}
	}
	if i != len(want) {
		t.Errorf("event types %v do not contain subsequence %v", got, want)
	}
}
