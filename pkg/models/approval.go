package models

import (
	"encoding/json"
	"time"
)

// RiskLevel classifies the blast radius of a tool.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ApprovalStatus is the lifecycle state of an approval.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Terminal reports whether the status admits no further transition.
func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalApproved || s == ApprovalDenied || s == ApprovalExpired
}

// Approval is a pending or resolved human-in-the-loop decision for one
// side-effecting tool call. It is created pending and becomes terminal on
// the first resolve or on expiry; an expired approval is never re-opened.
type Approval struct {
	ID          string          `json:"id"`
	ProjectID   string          `json:"project_id"`
	SessionID   string          `json:"session_id"`
	ToolCallID  string          `json:"tool_call_id"`
	ToolID      string          `json:"tool_id"`
	ToolInput   json.RawMessage `json:"tool_input"`
	RiskLevel   RiskLevel       `json:"risk_level"`
	Status      ApprovalStatus  `json:"status"`
	RequestedAt time.Time       `json:"requested_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	ResolvedBy  string          `json:"resolved_by,omitempty"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
	Note        string          `json:"note,omitempty"`
}
