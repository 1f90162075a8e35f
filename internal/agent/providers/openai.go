package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/nexus-core/internal/agent"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

// OpenAIProvider implements agent.Provider for OpenAI's chat completions
// API. Tool calls are streamed as indexed argument fragments that the
// adapter accumulates until the finish reason reports them complete.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
}

// OpenAIConfig holds construction parameters for an OpenAIProvider.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// NewOpenAIProvider creates an OpenAI provider.
func NewOpenAIProvider(config OpenAIConfig) (*OpenAIProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gpt-4o"
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if strings.TrimSpace(config.BaseURL) != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientConfig),
		defaultModel: config.DefaultModel,
	}, nil
}

// Name implements agent.Provider.
func (p *OpenAIProvider) Name() models.ProviderName { return models.ProviderOpenAI }

// SupportsTools implements agent.Provider.
func (p *OpenAIProvider) SupportsTools() bool { return true }

// Chat implements agent.Provider.
func (p *OpenAIProvider) Chat(ctx context.Context, req *agent.ChatRequest) (<-chan agent.StreamEvent, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	chatReq := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      convertOpenAIMessages(req.Messages, req.System),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.MaxOutputTokens > 0 {
		chatReq.MaxTokens = req.MaxOutputTokens
	}
	if req.Temperature != nil {
		chatReq.Temperature = float32(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, wrapOpenAIErr(model, err)
	}

	events := make(chan agent.StreamEvent, streamBufferSize)
	go p.processStream(ctx, stream, events, model)
	return events, nil
}

func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, events chan<- agent.StreamEvent, model string) {
	defer close(events)
	defer stream.Close()

	if !emit(ctx, events, agent.StreamEvent{Type: agent.EventMessageStart}) {
		return
	}

	type pendingCall struct {
		id   string
		name string
		args strings.Builder
	}
	calls := make(map[int]*pendingCall)
	order := make([]int, 0, 4)

	var (
		text         strings.Builder
		usage        agent.Usage
		finishReason openai.FinishReason
	)

	flushCalls := func() bool {
		for _, idx := range order {
			call := calls[idx]
			if call == nil || call.id == "" || call.name == "" {
				continue
			}
			if !emit(ctx, events, agent.StreamEvent{
				Type:       agent.EventToolUseStart,
				ToolCallID: call.id,
				ToolName:   call.name,
			}) {
				return false
			}
			input, parseErr := finalizeToolInput(call.args.String())
			if parseErr != nil {
				if !emit(ctx, events, agent.StreamEvent{
					Type:       agent.EventError,
					ToolCallID: call.id,
					ToolName:   call.name,
					Err:        NewProviderError("openai", model, parseErr),
				}) {
					return false
				}
				continue
			}
			if !emit(ctx, events, agent.StreamEvent{
				Type:       agent.EventToolUseEnd,
				ToolCallID: call.id,
				ToolName:   call.name,
				ToolInput:  input,
			}) {
				return false
			}
		}
		calls = make(map[int]*pendingCall)
		order = order[:0]
		return true
	}

	for {
		select {
		case <-ctx.Done():
			emit(ctx, events, agent.StreamEvent{Type: agent.EventError, Err: ctx.Err()})
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				sawTools := len(order) > 0
				if !flushCalls() {
					return
				}
				emit(ctx, events, endEvent(mapOpenAIStop(finishReason, sawTools), usage.InputTokens, usage.OutputTokens, text.String()))
				return
			}
			emit(ctx, events, agent.StreamEvent{Type: agent.EventError, Err: wrapOpenAIErr(model, err)})
			return
		}

		// The usage-bearing chunk arrives with an empty choice list.
		if response.Usage != nil {
			usage.InputTokens = response.Usage.PromptTokens
			usage.OutputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}

		choice := response.Choices[0]
		if choice.Delta.Content != "" {
			text.WriteString(choice.Delta.Content)
			if !emit(ctx, events, agent.StreamEvent{Type: agent.EventContentDelta, Text: choice.Delta.Content}) {
				return
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			call := calls[index]
			if call == nil {
				call = &pendingCall{}
				calls[index] = call
				order = append(order, index)
			}
			if tc.ID != "" {
				call.id = tc.ID
			}
			if tc.Function.Name != "" {
				call.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				call.args.WriteString(tc.Function.Arguments)
			}
		}

		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
	}
}

// convertOpenAIMessages maps canonical messages to OpenAI's format. The
// system prompt rides as the first message; each tool result becomes a
// separate tool-role message.
func convertOpenAIMessages(messages []agent.ChatMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleTool:
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				})
			}
			result = append(result, oaiMsg)
		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}
	return result
}

func convertOpenAITools(tools []agent.ToolDef) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  json.RawMessage(tool.InputSchema),
			},
		}
	}
	return result
}

func mapOpenAIStop(reason openai.FinishReason, sawTools bool) agent.StopReason {
	switch reason {
	case openai.FinishReasonToolCalls:
		return agent.StopToolUse
	case openai.FinishReasonLength:
		return agent.StopMaxTokens
	case openai.FinishReasonStop:
		if sawTools {
			return agent.StopToolUse
		}
		return agent.StopEndTurn
	default:
		if sawTools {
			return agent.StopToolUse
		}
		return agent.StopEndTurn
	}
}

func wrapOpenAIErr(model string, err error) error {
	pe := NewProviderError("openai", model, err)
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		pe.WithStatus(apiErr.HTTPStatusCode)
	}
	return pe
}
