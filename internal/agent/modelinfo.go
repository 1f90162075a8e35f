package agent

import "math"

// ModelInfo describes a model's window, limits, and pricing.
// Prices are USD per million tokens.
type ModelInfo struct {
	ContextWindow    int     `json:"context_window"`
	MaxOutputTokens  int     `json:"max_output_tokens"`
	SupportsTools    bool    `json:"supports_tools"`
	InputPricePer1M  float64 `json:"input_price_per_1m"`
	OutputPricePer1M float64 `json:"output_price_per_1m"`
}

// DefaultModelInfo is the conservative fallback for unknown model IDs.
var DefaultModelInfo = ModelInfo{
	ContextWindow:    8192,
	MaxOutputTokens:  4096,
	SupportsTools:    true,
	InputPricePer1M:  10,
	OutputPricePer1M: 30,
}

// modelRegistry maps model IDs to metadata. Maintained by hand; unknown
// models fall back to DefaultModelInfo.
var modelRegistry = map[string]ModelInfo{
	"claude-opus-4-20250514":   {200000, 32000, true, 15, 75},
	"claude-sonnet-4-20250514": {200000, 64000, true, 3, 15},
	"claude-3-5-haiku-latest":  {200000, 8192, true, 0.8, 4},
	"gpt-4o":                   {128000, 16384, true, 2.5, 10},
	"gpt-4o-mini":              {128000, 16384, true, 0.15, 0.6},
	"gpt-4.1":                  {1047576, 32768, true, 2, 8},
	"gemini-2.5-pro":           {1048576, 65536, true, 1.25, 10},
	"gemini-2.5-flash":         {1048576, 65536, true, 0.3, 2.5},
	"llama3.1":                 {131072, 4096, true, 0, 0},
	"qwen2.5":                  {32768, 4096, true, 0, 0},
}

// LookupModel returns metadata for a model ID, or the conservative default
// for unknown models.
func LookupModel(id string) ModelInfo {
	if info, ok := modelRegistry[id]; ok {
		return info
	}
	return DefaultModelInfo
}

// CostOf computes the USD cost of a call at this model's pricing.
func (m ModelInfo) CostOf(inputTokens, outputTokens int) float64 {
	return (float64(inputTokens)*m.InputPricePer1M + float64(outputTokens)*m.OutputPricePer1M) / 1_000_000
}

// EstimateOutputTokens is the fallback when a provider omits output token
// counts: ceil(chars/4).
func EstimateOutputTokens(text string) int {
	return int(math.Ceil(float64(len(text)) / 4))
}
