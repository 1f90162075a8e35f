// Package tools holds the process-wide tool registry and the resolver that
// dispatches tool calls through permission, validation, and approval checks.
package tools

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/nexus-core/internal/agent"
	"github.com/haasonsaas/nexus-core/pkg/models"
	"github.com/haasonsaas/nexus-core/pkg/nexuserr"
)

// Handler executes a registered tool. Implementations may perform I/O but
// must observe ctx cancellation, and must be deterministic for identical
// (input, context.ProjectID) when the spec declares no side effects.
type Handler interface {
	Execute(ctx context.Context, input json.RawMessage, tctx *Context) (any, error)
}

// DryRunner is the optional capability for side-effect-free validation.
type DryRunner interface {
	DryRun(ctx context.Context, input json.RawMessage, tctx *Context) (any, error)
}

// Context carries the per-turn ambient state a tool sees.
type Context struct {
	ProjectID    string
	SessionID    string
	TraceID      string
	AllowedTools map[string]struct{}

	// OnApproval, when set, observes approval lifecycle transitions for
	// this turn: once when the approval opens and once when it resolves.
	// The runner uses it to append trace events.
	OnApproval func(approval *models.Approval)
}

// Allows reports whether the allowlist admits a tool ID.
func (c *Context) Allows(id string) bool {
	if c == nil || c.AllowedTools == nil {
		return false
	}
	_, ok := c.AllowedTools[id]
	return ok
}

// NewContext builds a tool context from an agent configuration's allowlist.
func NewContext(projectID, sessionID, traceID string, allowedTools []string) *Context {
	allowed := make(map[string]struct{}, len(allowedTools))
	for _, id := range allowedTools {
		allowed[id] = struct{}{}
	}
	return &Context{
		ProjectID:    projectID,
		SessionID:    sessionID,
		TraceID:      traceID,
		AllowedTools: allowed,
	}
}

type registeredTool struct {
	spec    models.ToolSpec
	handler Handler
	schema  *jsonschema.Schema
}

// Registry manages registered tools with thread-safe registration and
// lookup. Registration happens at startup; runtime access is read-mostly.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*registeredTool)}
}

// Register adds a tool, compiling its input schema. Registration is
// idempotent by ID: a subsequent registration replaces the previous spec.
func (r *Registry) Register(spec models.ToolSpec, handler Handler) error {
	if spec.ID == "" {
		return nexuserr.New(nexuserr.KindValidation, "tool id is required")
	}
	if handler == nil {
		return nexuserr.Newf(nexuserr.KindValidation, "tool %s: handler is required", spec.ID)
	}

	schemaJSON := string(spec.InputSchema)
	if schemaJSON == "" {
		schemaJSON = `{"type":"object"}`
	}
	schema, err := jsonschema.CompileString("tool_"+spec.ID, schemaJSON)
	if err != nil {
		return nexuserr.Wrapf(err, nexuserr.KindValidation, "tool %s: invalid input schema", spec.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[spec.ID] = &registeredTool{spec: spec, handler: handler, schema: schema}
	return nil
}

// Get returns a tool spec by ID.
func (r *Registry) Get(id string) (models.ToolSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[id]
	if !ok {
		return models.ToolSpec{}, false
	}
	return t.spec, true
}

// Has reports whether a tool is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[id]
	return ok
}

// ListAll returns every registered spec sorted by ID.
func (r *Registry) ListAll() []models.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]models.ToolSpec, 0, len(r.tools))
	for _, t := range r.tools {
		specs = append(specs, t.spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].ID < specs[j].ID })
	return specs
}

// Categories returns the distinct tool categories sorted alphabetically.
func (r *Registry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, t := range r.tools {
		if t.spec.Category != "" {
			seen[t.spec.Category] = struct{}{}
		}
	}
	categories := make([]string, 0, len(seen))
	for c := range seen {
		categories = append(categories, c)
	}
	sort.Strings(categories)
	return categories
}

// FormatForProvider returns provider-facing definitions for exactly the
// tools that are both registered and admitted by the context's allowlist,
// sorted by ID for deterministic prompts.
func (r *Registry) FormatForProvider(tctx *Context) []agent.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.tools))
	for id := range r.tools {
		if tctx.Allows(id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	defs := make([]agent.ToolDef, 0, len(ids))
	for _, id := range ids {
		t := r.tools[id]
		schema := t.spec.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		defs = append(defs, agent.ToolDef{
			Name:        t.spec.Name,
			Description: t.spec.Description,
			InputSchema: schema,
		})
	}
	return defs
}

// lookup returns the full registered entry for the resolver.
func (r *Registry) lookup(id string) (*registeredTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[id]
	return t, ok
}
