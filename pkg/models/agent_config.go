package models

// ProviderName identifies an LLM vendor.
type ProviderName string

const (
	ProviderAnthropic ProviderName = "anthropic"
	ProviderOpenAI    ProviderName = "openai"
	ProviderGoogle    ProviderName = "google"
	ProviderOllama    ProviderName = "ollama"
)

// ProviderBinding selects the LLM backend for a project.
type ProviderBinding struct {
	Name            ProviderName `json:"name" yaml:"name"`
	Model           string       `json:"model" yaml:"model"`
	APIKeyEnvVar    string       `json:"api_key_env_var" yaml:"api_key_env_var"`
	Temperature     *float64     `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxOutputTokens int          `json:"max_output_tokens,omitempty" yaml:"max_output_tokens,omitempty"`
}

// FailoverConfig controls provider retry behavior for a project.
type FailoverConfig struct {
	MaxRetries    int  `json:"max_retries" yaml:"max_retries"`
	OnTimeout     bool `json:"on_timeout" yaml:"on_timeout"`
	OnRateLimit   bool `json:"on_rate_limit" yaml:"on_rate_limit"`
	OnServerError bool `json:"on_server_error" yaml:"on_server_error"`
	TimeoutMs     int  `json:"timeout_ms" yaml:"timeout_ms"`
}

// PruningStrategy selects how the context window is trimmed.
type PruningStrategy string

const (
	// PruneTurnBased drops the oldest complete turn at a time.
	PruneTurnBased PruningStrategy = "turn-based"

	// PruneTokenBased drops the oldest single message at a time.
	PruneTokenBased PruningStrategy = "token-based"
)

// LongTermMemoryConfig controls long-term retrieval.
type LongTermMemoryConfig struct {
	Enabled       bool     `json:"enabled" yaml:"enabled"`
	TopK          int      `json:"top_k" yaml:"top_k"`
	MinImportance *float64 `json:"min_importance,omitempty" yaml:"min_importance,omitempty"`
}

// CompactionConfig gates synthetic summarisation of pruned turns.
type CompactionConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// ContextWindowConfig controls context-window fitting for a project.
type ContextWindowConfig struct {
	ReserveTokens     int              `json:"reserve_tokens" yaml:"reserve_tokens"`
	PruningStrategy   PruningStrategy  `json:"pruning_strategy" yaml:"pruning_strategy"`
	MaxTurnsInContext int              `json:"max_turns_in_context" yaml:"max_turns_in_context"`
	Compaction        CompactionConfig `json:"compaction" yaml:"compaction"`
}

// MemoryConfig groups the memory policy of a project.
type MemoryConfig struct {
	LongTerm      LongTermMemoryConfig `json:"long_term" yaml:"long_term"`
	ContextWindow ContextWindowConfig  `json:"context_window" yaml:"context_window"`
}

// CostConfig holds a project's spend and rate ceilings.
type CostConfig struct {
	DailyBudgetUSD       float64 `json:"daily_budget_usd" yaml:"daily_budget_usd"`
	MonthlyBudgetUSD     float64 `json:"monthly_budget_usd" yaml:"monthly_budget_usd"`
	MaxTokensPerTurn     int     `json:"max_tokens_per_turn" yaml:"max_tokens_per_turn"`
	MaxTurnsPerSession   int     `json:"max_turns_per_session" yaml:"max_turns_per_session"`
	MaxToolCallsPerTurn  int     `json:"max_tool_calls_per_turn" yaml:"max_tool_calls_per_turn"`
	AlertThresholdPct    float64 `json:"alert_threshold_percent" yaml:"alert_threshold_percent"`
	HardLimitPct         float64 `json:"hard_limit_percent" yaml:"hard_limit_percent"`
	MaxRequestsPerMinute int     `json:"max_requests_per_minute" yaml:"max_requests_per_minute"`
	MaxRequestsPerHour   int     `json:"max_requests_per_hour" yaml:"max_requests_per_hour"`
}

// AgentConfig is the per-project agent definition. It is immutable for the
// duration of a turn.
type AgentConfig struct {
	ProjectID    string          `json:"project_id" yaml:"project_id"`
	Provider     ProviderBinding `json:"provider" yaml:"provider"`
	Failover     FailoverConfig  `json:"failover" yaml:"failover"`
	AllowedTools []string        `json:"allowed_tools" yaml:"allowed_tools"`
	Memory       MemoryConfig    `json:"memory" yaml:"memory"`
	Cost         CostConfig      `json:"cost" yaml:"cost"`
	Timezone     string          `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// AllowsTool reports whether a tool ID is on the project allowlist.
func (c *AgentConfig) AllowsTool(id string) bool {
	for _, t := range c.AllowedTools {
		if t == id {
			return true
		}
	}
	return false
}
