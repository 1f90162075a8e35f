package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/haasonsaas/nexus-core/internal/agent"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

// GoogleProvider implements agent.Provider for Google's Gemini API via the
// genai SDK. Gemini delivers function calls as complete parts rather than
// argument fragments, and it does not assign tool call IDs, so the adapter
// generates them.
type GoogleProvider struct {
	client       *genai.Client
	defaultModel string
}

// GoogleConfig holds construction parameters for a GoogleProvider.
type GoogleConfig struct {
	APIKey       string
	DefaultModel string
}

// NewGoogleProvider creates a Gemini provider.
func NewGoogleProvider(config GoogleConfig) (*GoogleProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}

	return &GoogleProvider{
		client:       client,
		defaultModel: config.DefaultModel,
	}, nil
}

// Name implements agent.Provider.
func (p *GoogleProvider) Name() models.ProviderName { return models.ProviderGoogle }

// SupportsTools implements agent.Provider.
func (p *GoogleProvider) SupportsTools() bool { return true }

// Chat implements agent.Provider.
func (p *GoogleProvider) Chat(ctx context.Context, req *agent.ChatRequest) (<-chan agent.StreamEvent, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	contents, err := convertGoogleMessages(req.Messages)
	if err != nil {
		return nil, NewProviderError("google", model, err)
	}
	config := buildGoogleConfig(req)

	events := make(chan agent.StreamEvent, streamBufferSize)
	go func() {
		defer close(events)

		if !emit(ctx, events, agent.StreamEvent{Type: agent.EventMessageStart}) {
			return
		}

		var (
			text     strings.Builder
			usage    agent.Usage
			sawTools bool
			stop     = agent.StopEndTurn
		)

		for resp, iterErr := range p.client.Models.GenerateContentStream(ctx, model, contents, config) {
			select {
			case <-ctx.Done():
				emit(ctx, events, agent.StreamEvent{Type: agent.EventError, Err: ctx.Err()})
				return
			default:
			}

			if iterErr != nil {
				emit(ctx, events, agent.StreamEvent{Type: agent.EventError, Err: wrapGoogleErr(model, iterErr)})
				return
			}
			if resp == nil {
				continue
			}

			if resp.UsageMetadata != nil {
				usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
				usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
			}

			for _, candidate := range resp.Candidates {
				if candidate == nil || candidate.Content == nil {
					continue
				}
				if candidate.FinishReason == genai.FinishReasonMaxTokens {
					stop = agent.StopMaxTokens
				}

				for _, part := range candidate.Content.Parts {
					if part == nil {
						continue
					}
					if part.Text != "" {
						text.WriteString(part.Text)
						if !emit(ctx, events, agent.StreamEvent{Type: agent.EventContentDelta, Text: part.Text}) {
							return
						}
					}
					if part.FunctionCall != nil {
						sawTools = true
						input, jsonErr := json.Marshal(part.FunctionCall.Args)
						if jsonErr != nil {
							input = []byte(`{}`)
						}
						id := generateToolCallID(part.FunctionCall.Name)
						if !emit(ctx, events, agent.StreamEvent{
							Type:       agent.EventToolUseStart,
							ToolCallID: id,
							ToolName:   part.FunctionCall.Name,
						}) {
							return
						}
						if !emit(ctx, events, agent.StreamEvent{
							Type:       agent.EventToolUseEnd,
							ToolCallID: id,
							ToolName:   part.FunctionCall.Name,
							ToolInput:  input,
						}) {
							return
						}
					}
				}
			}
		}

		if sawTools && stop == agent.StopEndTurn {
			stop = agent.StopToolUse
		}
		emit(ctx, events, endEvent(stop, usage.InputTokens, usage.OutputTokens, text.String()))
	}()

	return events, nil
}

// convertGoogleMessages maps canonical messages to Gemini contents. System
// messages are skipped here; they ride in the config's SystemInstruction.
func convertGoogleMessages(messages []agent.ChatMessage) ([]*genai.Content, error) {
	var result []*genai.Content
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		content := &genai.Content{}
		switch msg.Role {
		case models.RoleAssistant:
			content.Role = genai.RoleModel
		default:
			content.Role = genai.RoleUser
		}

		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}
		for _, tc := range msg.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal(tc.Input, &args); err != nil {
				return nil, fmt.Errorf("invalid tool call input for %s: %w", tc.Name, err)
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args},
			})
		}
		for _, tr := range msg.ToolResults {
			var response map[string]any
			if err := json.Unmarshal([]byte(tr.Content), &response); err != nil {
				response = map[string]any{"result": tr.Content, "error": tr.IsError}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     toolNameFromCallID(tr.ToolCallID, messages),
					Response: response,
				},
			})
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	return result, nil
}

func buildGoogleConfig(req *agent.ChatRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if req.MaxOutputTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxOutputTokens)
	}
	if req.Temperature != nil {
		temp := float32(*req.Temperature)
		config.Temperature = &temp
	}
	if len(req.Tools) > 0 {
		config.Tools = convertGoogleTools(req.Tools)
	}
	return config
}

func convertGoogleTools(tools []agent.ToolDef) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.InputSchema, &schemaMap); err != nil {
			continue
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  toGeminiSchema(schemaMap),
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// toGeminiSchema converts a JSON Schema map to Gemini's Schema type.
func toGeminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}

	schema := &genai.Schema{}
	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = toGeminiSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = toGeminiSchema(items)
	}
	return schema
}

// generateToolCallID makes an ID for a Gemini function call, which the API
// does not assign itself.
func generateToolCallID(name string) string {
	return fmt.Sprintf("call_%s_%d", name, time.Now().UnixNano())
}

// toolNameFromCallID recovers the function name a tool result answers, first
// from prior tool calls in the conversation, then from the generated ID.
func toolNameFromCallID(toolCallID string, messages []agent.ChatMessage) string {
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			if tc.ID == toolCallID {
				return tc.Name
			}
		}
	}
	parts := strings.Split(toolCallID, "_")
	if len(parts) >= 2 {
		return parts[1]
	}
	return ""
}

func wrapGoogleErr(model string, err error) error {
	pe := NewProviderError("google", model, err)
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		pe.WithStatus(apiErr.Code)
	}
	return pe
}
