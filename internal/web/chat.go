package web

import (
	"encoding/json"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus-core/internal/runner"
	"github.com/haasonsaas/nexus-core/pkg/models"
	"github.com/haasonsaas/nexus-core/pkg/nexuserr"
)

const maxChatMessageChars = 100_000

type chatRequest struct {
	ProjectID string         `json:"projectId"`
	SessionID string         `json:"sessionId,omitempty"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	MaxTurns  int            `json:"maxTurns,omitempty"`
}

type chatToolCall struct {
	ToolID string          `json:"toolId"`
	Input  json.RawMessage `json:"input"`
	Result string          `json:"result"`
}

type chatUsage struct {
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	CostUSD      float64 `json:"costUSD"`
}

type chatResponse struct {
	SessionID string         `json:"sessionId"`
	TraceID   string         `json:"traceId"`
	Response  string         `json:"response"`
	ToolCalls []chatToolCall `json:"toolCalls"`
	Usage     chatUsage      `json:"usage"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, nexuserr.Wrap(nexuserr.KindValidation, "invalid request body", err))
		return
	}

	var issues []map[string]string
	if req.ProjectID == "" {
		issues = append(issues, map[string]string{"path": "projectId", "message": "is required"})
	}
	if len(req.Message) == 0 {
		issues = append(issues, map[string]string{"path": "message", "message": "must not be empty"})
	} else if utf8.RuneCountInString(req.Message) > maxChatMessageChars {
		// The limit counts characters, not bytes: a multibyte message is
		// measured by its rune count.
		issues = append(issues, map[string]string{"path": "message", "message": "exceeds 100000 characters"})
	}
	if len(issues) > 0 {
		writeError(w, validationError("invalid chat request", issues))
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		session := &models.Session{
			ID:        uuid.NewString(),
			ProjectID: req.ProjectID,
			Channel:   models.ChannelHTTP,
			Status:    models.SessionActive,
			Metadata:  req.Metadata,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		}
		if err := s.cfg.Stores.Sessions.Create(r.Context(), session); err != nil {
			writeError(w, nexuserr.Wrap(nexuserr.KindInternal, "create session", err))
			return
		}
		sessionID = session.ID
	}

	result, err := s.cfg.Executor.Run(r.Context(), runner.Request{
		ProjectID: req.ProjectID,
		SessionID: sessionID,
		Message:   req.Message,
		MaxTurns:  req.MaxTurns,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	resp := chatResponse{
		SessionID: sessionID,
		TraceID:   result.TraceID,
		Response:  result.Reply,
		ToolCalls: []chatToolCall{},
	}
	if trace, traceErr := s.cfg.Stores.Traces.Get(r.Context(), result.TraceID); traceErr == nil {
		resp.ToolCalls = collectToolCalls(trace)
		resp.Usage = collectUsage(trace)
	} else {
		s.logger.Warn("trace lookup failed after turn", "trace_id", result.TraceID, "error", traceErr)
	}
	writeData(w, http.StatusOK, resp)
}

// collectToolCalls pairs tool_call_start inputs with tool_call_end outputs,
// joined on the tool call ID.
func collectToolCalls(trace *models.ExecutionTrace) []chatToolCall {
	inputs := make(map[string]json.RawMessage)
	names := make(map[string]string)
	calls := []chatToolCall{}
	for _, event := range trace.Events {
		switch event.Type {
		case models.TraceToolCallStart:
			inputs[event.ToolCallID] = event.Input
			names[event.ToolCallID] = event.ToolID
		case models.TraceToolCallEnd:
			toolID := event.ToolID
			if toolID == "" {
				toolID = names[event.ToolCallID]
			}
			calls = append(calls, chatToolCall{
				ToolID: toolID,
				Input:  inputs[event.ToolCallID],
				Result: event.Output,
			})
		}
	}
	return calls
}

func collectUsage(trace *models.ExecutionTrace) chatUsage {
	usage := chatUsage{CostUSD: trace.TotalCostUSD}
	for _, event := range trace.Events {
		if event.Type == models.TraceMessageEnd {
			usage.InputTokens += event.InputToks
			usage.OutputTokens += event.OutputToks
		}
	}
	return usage
}
