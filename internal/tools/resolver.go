package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/nexus-core/pkg/models"
	"github.com/haasonsaas/nexus-core/pkg/nexuserr"
)

// ApprovalRequest asks the gate to open a pending approval for one tool call.
type ApprovalRequest struct {
	ProjectID  string
	SessionID  string
	ToolCallID string
	ToolID     string
	ToolInput  json.RawMessage
	RiskLevel  models.RiskLevel
	ExpiresAt  time.Time
}

// ApprovalGate is the resolver's view of the human-in-the-loop gate.
type ApprovalGate interface {
	RequestApproval(ctx context.Context, req ApprovalRequest) (*models.Approval, error)
	AwaitResolution(ctx context.Context, approvalID string, deadline time.Time) (models.ApprovalStatus, error)
}

// Outcome is a successful tool dispatch.
type Outcome struct {
	Output     any
	DurationMs int64
}

// ResolverConfig configures dispatch behavior.
type ResolverConfig struct {
	// ToolTimeout bounds one tool execution. Default 60s.
	ToolTimeout time.Duration

	// ApprovalTTL is how long a pending approval stays open. Default 24h.
	ApprovalTTL time.Duration
}

// Resolver dispatches tool calls through the permission, validation, and
// approval pipeline before executing them.
type Resolver struct {
	registry    *Registry
	gate        ApprovalGate
	toolTimeout time.Duration
	approvalTTL time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// ResolverOption customises a Resolver.
type ResolverOption func(*Resolver)

// WithResolverLogger sets the logger.
func WithResolverLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = logger }
}

// WithResolverNow overrides the clock, for tests.
func WithResolverNow(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.now = now }
}

// NewResolver creates a resolver. The gate may be nil when no registered
// tool requires approval.
func NewResolver(registry *Registry, gate ApprovalGate, config ResolverConfig, opts ...ResolverOption) *Resolver {
	if config.ToolTimeout <= 0 {
		config.ToolTimeout = 60 * time.Second
	}
	if config.ApprovalTTL <= 0 {
		config.ApprovalTTL = 24 * time.Hour
	}
	r := &Resolver{
		registry:    registry,
		gate:        gate,
		toolTimeout: config.ToolTimeout,
		approvalTTL: config.ApprovalTTL,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve dispatches one tool call. Checks run in a fixed order: allowlist,
// registration, input schema, approval, then execution. Each failure maps to
// its taxonomy kind so the runner can synthesise an error tool_result.
func (r *Resolver) Resolve(ctx context.Context, call models.ToolCall, tctx *Context) (*Outcome, error) {
	tool, err := r.admit(call, tctx)
	if err != nil {
		return nil, err
	}

	if tool.spec.RequiresApproval {
		if err := r.awaitApproval(ctx, call, tool.spec, tctx); err != nil {
			return nil, err
		}
	}

	return r.execute(ctx, call, tctx, func(execCtx context.Context) (any, error) {
		return tool.handler.Execute(execCtx, call.Input, tctx)
	})
}

// ResolveDryRun dispatches through the same admission pipeline but invokes
// the tool's dry-run capability instead of executing. No approval is
// required: a dry run has no side effects by definition.
func (r *Resolver) ResolveDryRun(ctx context.Context, call models.ToolCall, tctx *Context) (*Outcome, error) {
	tool, err := r.admit(call, tctx)
	if err != nil {
		return nil, err
	}

	dry, ok := tool.handler.(DryRunner)
	if !ok {
		return nil, nexuserr.Newf(nexuserr.KindValidation, "tool %s does not support dry-run", call.Name)
	}

	return r.execute(ctx, call, tctx, func(execCtx context.Context) (any, error) {
		return dry.DryRun(execCtx, call.Input, tctx)
	})
}

// admit runs the ordered permission and validation checks.
func (r *Resolver) admit(call models.ToolCall, tctx *Context) (*registeredTool, error) {
	if !tctx.Allows(call.Name) {
		return nil, nexuserr.Newf(nexuserr.KindToolNotAllowed, "tool %s is not in the allowlist", call.Name)
	}
	tool, ok := r.registry.lookup(call.Name)
	if !ok {
		return nil, nexuserr.Newf(nexuserr.KindToolHallucination, "tool %s is not registered", call.Name)
	}
	if err := validateInput(tool.schema, call.Input, call.Name); err != nil {
		return nil, err
	}
	return tool, nil
}

func (r *Resolver) awaitApproval(ctx context.Context, call models.ToolCall, spec models.ToolSpec, tctx *Context) error {
	if r.gate == nil {
		return nexuserr.Newf(nexuserr.KindInternal, "tool %s requires approval but no gate is configured", call.Name)
	}

	expiresAt := r.now().Add(r.approvalTTL)
	approval, err := r.gate.RequestApproval(ctx, ApprovalRequest{
		ProjectID:  tctx.ProjectID,
		SessionID:  tctx.SessionID,
		ToolCallID: call.ID,
		ToolID:     spec.ID,
		ToolInput:  call.Input,
		RiskLevel:  spec.RiskLevel,
		ExpiresAt:  expiresAt,
	})
	if err != nil {
		return nexuserr.Wrapf(err, nexuserr.KindInternal, "tool %s: approval request failed", call.Name)
	}

	r.logger.Info("approval requested",
		"approval_id", approval.ID,
		"tool_id", spec.ID,
		"tool_call_id", call.ID,
		"risk_level", spec.RiskLevel,
		"expires_at", expiresAt)
	if tctx.OnApproval != nil {
		tctx.OnApproval(approval)
	}

	status, err := r.gate.AwaitResolution(ctx, approval.ID, expiresAt)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nexuserr.Wrap(nexuserr.KindCancelled, "approval wait cancelled", err)
		}
		return nexuserr.Wrapf(err, nexuserr.KindInternal, "tool %s: approval wait failed", call.Name)
	}

	resolved := *approval
	resolved.Status = status
	if tctx.OnApproval != nil {
		tctx.OnApproval(&resolved)
	}

	switch status {
	case models.ApprovalApproved:
		return nil
	case models.ApprovalDenied:
		return nexuserr.Newf(nexuserr.KindApprovalDenied, "tool %s was denied approval", call.Name)
	case models.ApprovalExpired:
		return nexuserr.Newf(nexuserr.KindApprovalExpired, "approval for tool %s expired", call.Name)
	default:
		return nexuserr.Newf(nexuserr.KindInternal, "approval %s resolved to unexpected status %s", approval.ID, status)
	}
}

func (r *Resolver) execute(ctx context.Context, call models.ToolCall, tctx *Context, invoke func(context.Context) (any, error)) (*Outcome, error) {
	execCtx, cancel := context.WithTimeout(ctx, r.toolTimeout)
	defer cancel()

	start := r.now()
	output, err := invoke(execCtx)
	durationMs := r.now().Sub(start).Milliseconds()

	if err != nil {
		if ctx.Err() != nil {
			return nil, nexuserr.Wrap(nexuserr.KindCancelled, "tool execution cancelled", ctx.Err())
		}
		r.logger.Warn("tool execution failed",
			"tool_id", call.Name,
			"tool_call_id", call.ID,
			"duration_ms", durationMs,
			"error", err)
		return nil, nexuserr.Wrapf(err, nexuserr.KindToolExecution, "tool %s failed", call.Name).
			WithDetails(map[string]any{"tool_id": call.Name})
	}

	r.logger.Debug("tool executed",
		"tool_id", call.Name,
		"tool_call_id", call.ID,
		"duration_ms", durationMs)
	return &Outcome{Output: output, DurationMs: durationMs}, nil
}

// validateInput checks a tool input against its compiled schema, collecting
// field-level reasons from the validator's basic output.
func validateInput(schema *jsonschema.Schema, input json.RawMessage, toolName string) error {
	raw := input
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nexuserr.Wrapf(err, nexuserr.KindToolInputValidation, "tool %s: input is not valid JSON", toolName)
	}

	if err := schema.Validate(payload); err != nil {
		details := map[string]any{}
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			var fields []map[string]string
			for _, cause := range ve.BasicOutput().Errors {
				if cause.Error == "" {
					continue
				}
				fields = append(fields, map[string]string{
					"field":  cause.InstanceLocation,
					"reason": cause.Error,
				})
			}
			details["fields"] = fields
		}
		return nexuserr.Wrapf(err, nexuserr.KindToolInputValidation,
			"tool %s: input failed schema validation", toolName).WithDetails(details)
	}
	return nil
}

// ResultFromOutcome serialises an outcome into the wire tool result.
func ResultFromOutcome(call models.ToolCall, outcome *Outcome) models.ToolResult {
	content := ""
	switch v := outcome.Output.(type) {
	case string:
		content = v
	case nil:
		content = ""
	default:
		if data, err := json.Marshal(v); err == nil {
			content = string(data)
		} else {
			content = fmt.Sprintf("%v", v)
		}
	}
	return models.ToolResult{
		ToolCallID: call.ID,
		Content:    content,
		DurationMs: outcome.DurationMs,
	}
}
