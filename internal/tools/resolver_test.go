package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus-core/pkg/models"
	"github.com/haasonsaas/nexus-core/pkg/nexuserr"
)

type scriptedHandler struct {
	output any
	err    error
}

func (h scriptedHandler) Execute(_ context.Context, _ json.RawMessage, _ *Context) (any, error) {
	return h.output, h.err
}

type scriptedGate struct {
	status    models.ApprovalStatus
	err       error
	requested []ApprovalRequest
}

func (g *scriptedGate) RequestApproval(_ context.Context, req ApprovalRequest) (*models.Approval, error) {
	g.requested = append(g.requested, req)
	return &models.Approval{
		ID:         uuid.NewString(),
		ProjectID:  req.ProjectID,
		SessionID:  req.SessionID,
		ToolCallID: req.ToolCallID,
		ToolID:     req.ToolID,
		ToolInput:  req.ToolInput,
		RiskLevel:  req.RiskLevel,
		Status:     models.ApprovalPending,
		ExpiresAt:  req.ExpiresAt,
	}, nil
}

func (g *scriptedGate) AwaitResolution(_ context.Context, _ string, _ time.Time) (models.ApprovalStatus, error) {
	return g.status, g.err
}

func calcSpec() models.ToolSpec {
	return models.ToolSpec{
		ID:          "calculator",
		Name:        "calculator",
		Description: "adds numbers",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"expression": {"type": "string"}},
			"required": ["expression"],
			"additionalProperties": false
		}`),
	}
}

func newTestResolver(t *testing.T, gate ApprovalGate, specs ...models.ToolSpec) (*Resolver, *Registry) {
	t.Helper()
	registry := NewRegistry()
	for _, s := range specs {
		if err := registry.Register(s, scriptedHandler{output: map[string]any{"value": 42.0}}); err != nil {
			t.Fatalf("Register(%s): %v", s.ID, err)
		}
	}
	return NewResolver(registry, gate, ResolverConfig{}), registry
}

func allowAll(ids ...string) *Context {
	return NewContext("p1", "s1", "trace1", ids)
}

func TestResolve_ChecksRunInOrder(t *testing.T) {
	resolver, _ := newTestResolver(t, nil, calcSpec())

	// Not in allowlist beats not registered: "ghost" is neither, and the
	// allowlist check must fire first.
	_, err := resolver.Resolve(context.Background(), models.ToolCall{ID: "c1", Name: "ghost"}, allowAll("calculator"))
	if got := nexuserr.KindOf(err); got != nexuserr.KindToolNotAllowed {
		t.Errorf("kind = %s, want TOOL_NOT_ALLOWED", got)
	}

	// Allowed but unregistered is a hallucination.
	_, err = resolver.Resolve(context.Background(), models.ToolCall{ID: "c2", Name: "ghost"}, allowAll("ghost"))
	if got := nexuserr.KindOf(err); got != nexuserr.KindToolHallucination {
		t.Errorf("kind = %s, want TOOL_HALLUCINATION", got)
	}

	// Registered and allowed but failing the schema.
	_, err = resolver.Resolve(context.Background(), models.ToolCall{
		ID:    "c3",
		Name:  "calculator",
		Input: json.RawMessage(`{"wrong": 1}`),
	}, allowAll("calculator"))
	if got := nexuserr.KindOf(err); got != nexuserr.KindToolInputValidation {
		t.Errorf("kind = %s, want TOOL_INPUT_VALIDATION", got)
	}
	var nerr *nexuserr.Error
	if errors.As(err, &nerr) {
		if _, ok := nerr.Details["fields"]; !ok {
			t.Error("validation error missing field-level details")
		}
	}
}

func TestResolve_Success(t *testing.T) {
	resolver, _ := newTestResolver(t, nil, calcSpec())
	outcome, err := resolver.Resolve(context.Background(), models.ToolCall{
		ID:    "c1",
		Name:  "calculator",
		Input: json.RawMessage(`{"expression":"15+27"}`),
	}, allowAll("calculator"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	value := outcome.Output.(map[string]any)["value"].(float64)
	if value != 42 {
		t.Errorf("value = %v, want 42", value)
	}
}

func TestResolve_ExecutionErrorWrapped(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(calcSpec(), scriptedHandler{err: errors.New("boom")}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	resolver := NewResolver(registry, nil, ResolverConfig{})

	_, err := resolver.Resolve(context.Background(), models.ToolCall{
		ID:    "c1",
		Name:  "calculator",
		Input: json.RawMessage(`{"expression":"1"}`),
	}, allowAll("calculator"))
	if got := nexuserr.KindOf(err); got != nexuserr.KindToolExecution {
		t.Errorf("kind = %s, want TOOL_EXECUTION_ERROR", got)
	}
}

func TestResolve_ApprovalFlow(t *testing.T) {
	approvalSpec := calcSpec()
	approvalSpec.RequiresApproval = true
	approvalSpec.RiskLevel = models.RiskHigh

	tests := []struct {
		name     string
		status   models.ApprovalStatus
		wantKind nexuserr.Kind
		wantOK   bool
	}{
		{name: "approved", status: models.ApprovalApproved, wantOK: true},
		{name: "denied", status: models.ApprovalDenied, wantKind: nexuserr.KindApprovalDenied},
		{name: "expired", status: models.ApprovalExpired, wantKind: nexuserr.KindApprovalExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := &scriptedGate{status: tt.status}
			resolver, _ := newTestResolver(t, gate, approvalSpec)

			var observed []models.ApprovalStatus
			tctx := allowAll("calculator")
			tctx.OnApproval = func(a *models.Approval) {
				observed = append(observed, a.Status)
			}

			_, err := resolver.Resolve(context.Background(), models.ToolCall{
				ID:    "c1",
				Name:  "calculator",
				Input: json.RawMessage(`{"expression":"1"}`),
			}, tctx)

			if tt.wantOK {
				if err != nil {
					t.Fatalf("Resolve: %v", err)
				}
			} else if got := nexuserr.KindOf(err); got != tt.wantKind {
				t.Errorf("kind = %s, want %s", got, tt.wantKind)
			}

			if len(gate.requested) != 1 {
				t.Fatalf("gate requests = %d, want 1", len(gate.requested))
			}
			if gate.requested[0].RiskLevel != models.RiskHigh {
				t.Errorf("risk = %s, want high", gate.requested[0].RiskLevel)
			}
			if len(observed) != 2 || observed[0] != models.ApprovalPending || observed[1] != tt.status {
				t.Errorf("observed transitions = %v", observed)
			}
		})
	}
}

func TestResolve_NoGateConfigured(t *testing.T) {
	approvalSpec := calcSpec()
	approvalSpec.RequiresApproval = true
	resolver, _ := newTestResolver(t, nil, approvalSpec)

	_, err := resolver.Resolve(context.Background(), models.ToolCall{
		ID:    "c1",
		Name:  "calculator",
		Input: json.RawMessage(`{"expression":"1"}`),
	}, allowAll("calculator"))
	if err == nil {
		t.Fatal("want error when approval is required but no gate exists")
	}
}

func TestResolveDryRun_RequiresCapability(t *testing.T) {
	resolver, _ := newTestResolver(t, nil, calcSpec())
	_, err := resolver.ResolveDryRun(context.Background(), models.ToolCall{
		ID:    "c1",
		Name:  "calculator",
		Input: json.RawMessage(`{"expression":"1"}`),
	}, allowAll("calculator"))
	if err == nil {
		t.Fatal("want error: scripted handler has no dry-run capability")
	}
}

func TestResultFromOutcome_SerialisesOutput(t *testing.T) {
	call := models.ToolCall{ID: "c1", Name: "calculator"}

	result := ResultFromOutcome(call, &Outcome{Output: map[string]any{"value": 42}, DurationMs: 7})
	if result.ToolCallID != "c1" || result.DurationMs != 7 {
		t.Errorf("result meta = %+v", result)
	}
	if result.Content != `{"value":42}` {
		t.Errorf("content = %q", result.Content)
	}

	result = ResultFromOutcome(call, &Outcome{Output: "plain"})
	if result.Content != "plain" {
		t.Errorf("content = %q, want plain", result.Content)
	}
}
