package models

import "encoding/json"

// ToolSpec is a static registry entry describing an executable tool.
type ToolSpec struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Description      string          `json:"description"`
	Category         string          `json:"category"`
	InputSchema      json.RawMessage `json:"input_schema"`
	OutputSchema     json.RawMessage `json:"output_schema,omitempty"`
	RiskLevel        RiskLevel       `json:"risk_level"`
	RequiresApproval bool            `json:"requires_approval"`
	SideEffects      bool            `json:"side_effects"`
	SupportsDryRun   bool            `json:"supports_dry_run"`
}
