package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/nexus-core/internal/agent"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

// OllamaProvider implements agent.Provider against Ollama's native chat
// endpoint. Responses arrive as newline-delimited JSON; tool calls arrive
// whole, sometimes without IDs, so the adapter assigns and deduplicates them.
type OllamaProvider struct {
	client       *http.Client
	baseURL      string
	defaultModel string
}

// OllamaConfig holds construction parameters for an OllamaProvider.
type OllamaConfig struct {
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
}

// NewOllamaProvider creates an Ollama provider. No API key is needed.
func NewOllamaProvider(config OllamaConfig) *OllamaProvider {
	baseURL := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &OllamaProvider{
		client:       &http.Client{Timeout: timeout},
		baseURL:      baseURL,
		defaultModel: strings.TrimSpace(config.DefaultModel),
	}
}

// Name implements agent.Provider.
func (p *OllamaProvider) Name() models.ProviderName { return models.ProviderOllama }

// SupportsTools implements agent.Provider.
func (p *OllamaProvider) SupportsTools() bool { return true }

// Chat implements agent.Provider.
func (p *OllamaProvider) Chat(ctx context.Context, req *agent.ChatRequest) (<-chan agent.StreamEvent, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = p.defaultModel
	}
	if model == "" {
		return nil, NewProviderError("ollama", "", errors.New("model is required"))
	}

	payload := ollamaChatRequest{
		Model:    model,
		Stream:   true,
		Messages: buildOllamaMessages(req),
	}
	if len(req.Tools) > 0 {
		payload.Tools = convertOpenAITools(req.Tools)
	}
	options := map[string]any{}
	if req.MaxOutputTokens > 0 {
		options["num_predict"] = req.MaxOutputTokens
	}
	if req.Temperature != nil {
		options["temperature"] = *req.Temperature
	}
	if len(options) > 0 {
		payload.Options = options
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, NewProviderError("ollama", model, fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, NewProviderError("ollama", model, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, NewProviderError("ollama", model, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		if readErr != nil {
			return nil, NewProviderError("ollama", model,
				fmt.Errorf("ollama status %d (read body failed: %w)", resp.StatusCode, readErr)).WithStatus(resp.StatusCode)
		}
		return nil, NewProviderError("ollama", model,
			fmt.Errorf("ollama status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))).WithStatus(resp.StatusCode)
	}

	events := make(chan agent.StreamEvent, streamBufferSize)
	go p.streamResponse(ctx, resp.Body, events, model)
	return events, nil
}

func (p *OllamaProvider) streamResponse(ctx context.Context, body io.ReadCloser, events chan<- agent.StreamEvent, model string) {
	defer close(events)
	defer body.Close()

	if !emit(ctx, events, agent.StreamEvent{Type: agent.EventMessageStart}) {
		return
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		text     strings.Builder
		sawTools bool
	)
	emitted := map[string]struct{}{}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			emit(ctx, events, agent.StreamEvent{Type: agent.EventError, Err: ctx.Err()})
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var resp ollamaChatResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			emit(ctx, events, agent.StreamEvent{
				Type: agent.EventError,
				Err:  NewProviderError("ollama", model, fmt.Errorf("decode response: %w", err)),
			})
			return
		}
		if resp.Error != "" {
			emit(ctx, events, agent.StreamEvent{
				Type: agent.EventError,
				Err:  NewProviderError("ollama", model, errors.New(resp.Error)),
			})
			return
		}

		if resp.Message != nil {
			if resp.Message.Content != "" {
				text.WriteString(resp.Message.Content)
				if !emit(ctx, events, agent.StreamEvent{Type: agent.EventContentDelta, Text: resp.Message.Content}) {
					return
				}
			}
			for _, tc := range resp.Message.ToolCalls {
				callID := ollamaToolCallKey(tc)
				if callID == "" {
					callID = uuid.NewString()
				}
				if _, ok := emitted[callID]; ok {
					continue
				}
				emitted[callID] = struct{}{}
				sawTools = true

				name := strings.TrimSpace(tc.Function.Name)
				input := json.RawMessage(`{}`)
				if len(tc.Function.Arguments) > 0 {
					input = tc.Function.Arguments
				}
				if !emit(ctx, events, agent.StreamEvent{Type: agent.EventToolUseStart, ToolCallID: callID, ToolName: name}) {
					return
				}
				if !emit(ctx, events, agent.StreamEvent{Type: agent.EventToolUseEnd, ToolCallID: callID, ToolName: name, ToolInput: input}) {
					return
				}
			}
		}

		if resp.Done {
			stop := agent.StopEndTurn
			if sawTools {
				stop = agent.StopToolUse
			}
			emit(ctx, events, endEvent(stop, resp.PromptEvalCount, resp.EvalCount, text.String()))
			return
		}
	}

	if err := scanner.Err(); err != nil {
		emit(ctx, events, agent.StreamEvent{Type: agent.EventError, Err: NewProviderError("ollama", model, err)})
		return
	}

	// Stream ended without a done marker.
	stop := agent.StopEndTurn
	if sawTools {
		stop = agent.StopToolUse
	}
	emit(ctx, events, endEvent(stop, 0, 0, text.String()))
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Tools    []openai.Tool       `json:"tools,omitempty"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaChatMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaChatResponse struct {
	Message         *ollamaChatMessage `json:"message"`
	Done            bool               `json:"done"`
	Error           string             `json:"error"`
	EvalCount       int                `json:"eval_count"`
	PromptEvalCount int                `json:"prompt_eval_count"`
}

type ollamaToolCall struct {
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func buildOllamaMessages(req *agent.ChatRequest) []ollamaChatMessage {
	messages := make([]ollamaChatMessage, 0, len(req.Messages)+1)

	toolNames := map[string]string{}
	for _, msg := range req.Messages {
		for _, tc := range msg.ToolCalls {
			if tc.ID != "" && tc.Name != "" {
				toolNames[tc.ID] = tc.Name
			}
		}
	}

	if system := strings.TrimSpace(req.System); system != "" {
		messages = append(messages, ollamaChatMessage{Role: "system", Content: system})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case models.RoleSystem:
			continue
		case models.RoleAssistant:
			out := ollamaChatMessage{Role: "assistant", Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				args := tc.Input
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				out.ToolCalls = append(out.ToolCalls, ollamaToolCall{
					ID:       tc.ID,
					Type:     "function",
					Function: ollamaToolFunction{Name: tc.Name, Arguments: args},
				})
			}
			messages = append(messages, out)
		case models.RoleTool:
			if len(msg.ToolResults) == 0 {
				messages = append(messages, ollamaChatMessage{Role: "tool", Content: msg.Content})
				continue
			}
			for _, tr := range msg.ToolResults {
				messages = append(messages, ollamaChatMessage{
					Role:     "tool",
					Content:  tr.Content,
					ToolName: toolNames[tr.ToolCallID],
				})
			}
		default:
			messages = append(messages, ollamaChatMessage{Role: "user", Content: msg.Content})
		}
	}
	return messages
}

// ollamaToolCallKey derives a stable dedup key for a tool call that may lack
// an ID: repeated NDJSON lines can re-deliver the same call.
func ollamaToolCallKey(tc ollamaToolCall) string {
	if id := strings.TrimSpace(tc.ID); id != "" {
		return id
	}
	name := strings.TrimSpace(tc.Function.Name)
	args := strings.TrimSpace(string(tc.Function.Arguments))
	if name == "" && args == "" {
		return ""
	}
	return name + ":" + args
}
