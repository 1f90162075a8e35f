package models

import "time"

// LayerType identifies one of the three prompt layers.
type LayerType string

const (
	LayerIdentity     LayerType = "identity"
	LayerInstructions LayerType = "instructions"
	LayerSafety       LayerType = "safety"
)

// PromptLayer is one versioned layer of a project's system prompt.
// At most one layer per (project, layer type) is active at a time.
type PromptLayer struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	LayerType LayerType `json:"layer_type"`
	Version   int       `json:"version"`
	Content   string    `json:"content"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// PromptSnapshot records exactly which layer versions and auxiliary content
// composed the system prompt for a trace, enabling byte-exact replay.
type PromptSnapshot struct {
	IdentityLayerID         string `json:"identity_layer_id"`
	IdentityVersion         int    `json:"identity_version"`
	InstructionsLayerID     string `json:"instructions_layer_id"`
	InstructionsVersion     int    `json:"instructions_version"`
	SafetyLayerID           string `json:"safety_layer_id"`
	SafetyVersion           int    `json:"safety_version"`
	ToolDocsHash            string `json:"tool_docs_hash"`
	RuntimeContextHash      string `json:"runtime_context_hash"`
}
