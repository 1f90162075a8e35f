// Package providers implements the agent.Provider interface over vendor
// SDKs: Anthropic Claude, OpenAI, Google Gemini, and Ollama's native chat
// API.
//
// Each adapter converts the canonical message form to the vendor wire
// format, consumes the vendor stream, and emits the normalised event
// sequence: message_start, content_delta*, (tool_use_start tool_use_end)*,
// message_end. Partial JSON for tool inputs is accumulated across deltas
// and parsed exactly once when the tool use block closes; a parse failure
// becomes an error event carrying the tool call ID so the runner can
// surface it as a failed tool call.
//
// Adapters do not retry. Retry and failover policy is owned by the runner,
// which wraps Chat calls with the project's failover configuration.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/haasonsaas/nexus-core/internal/agent"
	"github.com/haasonsaas/nexus-core/pkg/models"
	"github.com/haasonsaas/nexus-core/pkg/nexuserr"
)

// streamBufferSize bounds the event channel. One consumer reads linearly,
// so a small buffer only smooths bursts.
const streamBufferSize = 16

// emit delivers one event unless the context has been cancelled. The
// consumer stops ranging as soon as it sees an error event, so an
// unconditional send could wedge the stream goroutine once the buffer
// fills; a false return tells the producer to stop.
func emit(ctx context.Context, events chan<- agent.StreamEvent, event agent.StreamEvent) bool {
	select {
	case events <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

// New constructs the provider for a binding, resolving the API key from
// the environment variable the binding names. Ollama needs no key.
func New(binding models.ProviderBinding) (agent.Provider, error) {
	apiKey := ""
	if binding.Name != models.ProviderOllama {
		apiKey = os.Getenv(binding.APIKeyEnvVar)
		if strings.TrimSpace(apiKey) == "" {
			return nil, nexuserr.Newf(nexuserr.KindValidation,
				"provider %s: environment variable %q is empty", binding.Name, binding.APIKeyEnvVar)
		}
	}

	switch binding.Name {
	case models.ProviderAnthropic:
		return NewAnthropicProvider(AnthropicConfig{APIKey: apiKey, DefaultModel: binding.Model})
	case models.ProviderOpenAI:
		return NewOpenAIProvider(OpenAIConfig{APIKey: apiKey, DefaultModel: binding.Model})
	case models.ProviderGoogle:
		return NewGoogleProvider(GoogleConfig{APIKey: apiKey, DefaultModel: binding.Model})
	case models.ProviderOllama:
		return NewOllamaProvider(OllamaConfig{DefaultModel: binding.Model}), nil
	default:
		return nil, nexuserr.Newf(nexuserr.KindValidation, "unknown provider %q", binding.Name)
	}
}

// finalizeToolInput parses the JSON accumulated for one tool use block.
// Empty input means a tool with no arguments.
func finalizeToolInput(raw string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return json.RawMessage(`{}`), nil
	}
	if !json.Valid([]byte(trimmed)) {
		return nil, fmt.Errorf("tool input is not valid JSON: %.64q", trimmed)
	}
	return json.RawMessage(trimmed), nil
}

// endEvent builds the message_end event, estimating missing output token
// counts from the accumulated text.
func endEvent(stop agent.StopReason, inputTokens, outputTokens int, text string) agent.StreamEvent {
	if outputTokens == 0 && text != "" {
		outputTokens = agent.EstimateOutputTokens(text)
	}
	return agent.StreamEvent{
		Type:       agent.EventMessageEnd,
		StopReason: stop,
		TokenUsage: agent.Usage{InputTokens: inputTokens, OutputTokens: outputTokens},
	}
}
