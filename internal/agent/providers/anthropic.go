package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/nexus-core/internal/agent"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

// AnthropicProvider implements agent.Provider for Anthropic's Messages API.
//
// It is safe for concurrent use; each Chat call creates an independent SSE
// stream and goroutine.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
}

// AnthropicConfig holds construction parameters for an AnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// NewAnthropicProvider creates an Anthropic provider.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "claude-sonnet-4-20250514"
	}

	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(options...),
		defaultModel: config.DefaultModel,
	}, nil
}

// Name implements agent.Provider.
func (p *AnthropicProvider) Name() models.ProviderName { return models.ProviderAnthropic }

// SupportsTools implements agent.Provider.
func (p *AnthropicProvider) SupportsTools() bool { return true }

// Chat implements agent.Provider.
func (p *AnthropicProvider) Chat(ctx context.Context, req *agent.ChatRequest) (<-chan agent.StreamEvent, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	params, err := p.buildParams(req, model)
	if err != nil {
		return nil, NewProviderError("anthropic", model, err)
	}

	events := make(chan agent.StreamEvent, streamBufferSize)
	go func() {
		defer close(events)

		stream := p.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()

		var (
			currentToolID   string
			currentToolName string
			toolInput       strings.Builder
			text            strings.Builder
			inputTokens     int
			outputTokens    int
			stopReason      agent.StopReason
		)

		for stream.Next() {
			event := stream.Current()

			switch event.Type {
			case "message_start":
				start := event.AsMessageStart()
				inputTokens = int(start.Message.Usage.InputTokens)
				if !emit(ctx, events, agent.StreamEvent{Type: agent.EventMessageStart}) {
					return
				}

			case "content_block_start":
				block := event.AsContentBlockStart().ContentBlock
				if block.Type == "tool_use" {
					toolUse := block.AsToolUse()
					currentToolID = toolUse.ID
					currentToolName = toolUse.Name
					toolInput.Reset()
					if !emit(ctx, events, agent.StreamEvent{
						Type:       agent.EventToolUseStart,
						ToolCallID: currentToolID,
						ToolName:   currentToolName,
					}) {
						return
					}
				}

			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				switch delta.Type {
				case "text_delta":
					if delta.Text != "" {
						text.WriteString(delta.Text)
						if !emit(ctx, events, agent.StreamEvent{Type: agent.EventContentDelta, Text: delta.Text}) {
							return
						}
					}
				case "input_json_delta":
					toolInput.WriteString(delta.PartialJSON)
				}

			case "content_block_stop":
				if currentToolID == "" {
					continue
				}
				input, parseErr := finalizeToolInput(toolInput.String())
				var toolEvent agent.StreamEvent
				if parseErr != nil {
					toolEvent = agent.StreamEvent{
						Type:       agent.EventError,
						ToolCallID: currentToolID,
						ToolName:   currentToolName,
						Err:        NewProviderError("anthropic", model, parseErr),
					}
				} else {
					toolEvent = agent.StreamEvent{
						Type:       agent.EventToolUseEnd,
						ToolCallID: currentToolID,
						ToolName:   currentToolName,
						ToolInput:  input,
					}
				}
				if !emit(ctx, events, toolEvent) {
					return
				}
				currentToolID = ""
				currentToolName = ""

			case "message_delta":
				delta := event.AsMessageDelta()
				if delta.Usage.OutputTokens > 0 {
					outputTokens = int(delta.Usage.OutputTokens)
				}
				stopReason = mapAnthropicStop(string(delta.Delta.StopReason))

			case "message_stop":
				emit(ctx, events, endEvent(stopReason, inputTokens, outputTokens, text.String()))
				return

			case "error":
				emit(ctx, events, agent.StreamEvent{
					Type: agent.EventError,
					Err:  NewProviderError("anthropic", model, errors.New("stream error")),
				})
				return
			}
		}

		if err := stream.Err(); err != nil {
			emit(ctx, events, agent.StreamEvent{Type: agent.EventError, Err: wrapAnthropicErr(model, err)})
		}
	}()

	return events, nil
}

func (p *AnthropicProvider) buildParams(req *agent.ChatRequest, model string) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = agent.LookupModel(model).MaxOutputTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

// convertAnthropicMessages maps canonical messages to Anthropic content
// blocks. System messages are skipped here; they ride in params.System.
// Tool-role messages map to user messages carrying tool_result blocks.
func convertAnthropicMessages(messages []agent.ChatMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Input, &input); err != nil {
				return nil, fmt.Errorf("invalid tool call input for %s: %w", tc.Name, err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertAnthropicTools(tools []agent.ToolDef) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("invalid schema for tool %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid schema for tool %s", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}

func mapAnthropicStop(reason string) agent.StopReason {
	switch reason {
	case "tool_use":
		return agent.StopToolUse
	case "max_tokens":
		return agent.StopMaxTokens
	case "stop_sequence":
		return agent.StopStopSequence
	default:
		return agent.StopEndTurn
	}
}

func wrapAnthropicErr(model string, err error) error {
	pe := NewProviderError("anthropic", model, err)
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		pe.WithStatus(apiErr.StatusCode)
	}
	return pe
}
