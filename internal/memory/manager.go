// Package memory manages what the model sees: it fits the conversation into
// the context window by pruning, optionally compacts pruned history into a
// summary, and retrieves long-term memories for the prompt assembler.
package memory

import (
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/haasonsaas/nexus-core/internal/agent"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

// FitReport describes what fitting did to the conversation.
type FitReport struct {
	PrunedMessages int
	PrunedTurns    int
	Compacted      bool
	TokensBefore   int
	TokensAfter    int
}

// Manager applies a project's context-window policy.
type Manager struct {
	logger *slog.Logger
}

// NewManager creates a memory manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger}
}

// FitContext prunes the conversation until it fits the model's window after
// accounting for the system prompt, the configured reserve, and the output
// budget. The latest user message is never pruned; pruning that cannot make
// the conversation fit returns what remains rather than failing the turn.
func (m *Manager) FitContext(messages []agent.ChatMessage, system string, cfg models.ContextWindowConfig, model agent.ModelInfo, maxOutputTokens int) ([]agent.ChatMessage, FitReport) {
	report := FitReport{TokensBefore: agent.EstimateTokens(messages)}

	if maxOutputTokens <= 0 || maxOutputTokens > model.MaxOutputTokens {
		maxOutputTokens = model.MaxOutputTokens
	}
	available := model.ContextWindow - cfg.ReserveTokens - agent.EstimateTextTokens(system) - maxOutputTokens

	kept := append([]agent.ChatMessage(nil), messages...)
	var pruned []agent.ChatMessage

	// A hard turn ceiling applies before token fitting.
	if cfg.MaxTurnsInContext > 0 {
		for countTurns(kept) > cfg.MaxTurnsInContext {
			removed, rest := dropOldest(kept, models.PruneTurnBased)
			if len(removed) == 0 {
				break
			}
			pruned = append(pruned, removed...)
			kept = rest
			report.PrunedTurns++
		}
	}

	strategy := cfg.PruningStrategy
	if strategy == "" {
		strategy = models.PruneTurnBased
	}
	for agent.EstimateTokens(kept) > available {
		removed, rest := dropOldest(kept, strategy)
		if len(removed) == 0 {
			break
		}
		pruned = append(pruned, removed...)
		kept = rest
		if strategy == models.PruneTurnBased {
			report.PrunedTurns++
		}
	}

	report.PrunedMessages = len(pruned)
	if len(pruned) > 0 && cfg.Compaction.Enabled {
		summary := compact(pruned)
		kept = append([]agent.ChatMessage{summary}, kept...)
		report.Compacted = true
	}

	report.TokensAfter = agent.EstimateTokens(kept)
	if len(pruned) > 0 {
		m.logger.Debug("context pruned",
			"strategy", string(strategy),
			"pruned_messages", report.PrunedMessages,
			"pruned_turns", report.PrunedTurns,
			"compacted", report.Compacted,
			"tokens_before", report.TokensBefore,
			"tokens_after", report.TokensAfter)
	}
	return kept, report
}

// dropOldest removes the oldest prunable unit: one complete turn for
// turn-based pruning, one message for token-based. The latest user message
// is always protected.
func dropOldest(messages []agent.ChatMessage, strategy models.PruningStrategy) (removed, rest []agent.ChatMessage) {
	last := latestUserIndex(messages)

	switch strategy {
	case models.PruneTokenBased:
		for i := range messages {
			if i == last {
				continue
			}
			return messages[i : i+1], append(append([]agent.ChatMessage(nil), messages[:i]...), messages[i+1:]...)
		}
		return nil, messages
	default:
		start, end := oldestTurn(messages)
		if start < 0 {
			return nil, messages
		}
		if last >= start && last < end {
			return nil, messages
		}
		return messages[start:end], append(append([]agent.ChatMessage(nil), messages[:start]...), messages[end:]...)
	}
}

// oldestTurn returns the half-open range of the first complete turn: a user
// message and everything up to the next user message.
func oldestTurn(messages []agent.ChatMessage) (start, end int) {
	start = -1
	for i, m := range messages {
		if m.Role != models.RoleUser {
			continue
		}
		if start < 0 {
			start = i
			continue
		}
		return start, i
	}
	if start < 0 {
		return -1, -1
	}
	return start, len(messages)
}

func latestUserIndex(messages []agent.ChatMessage) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleUser {
			return i
		}
	}
	return -1
}

func countTurns(messages []agent.ChatMessage) int {
	turns := 0
	for _, m := range messages {
		if m.Role == models.RoleUser {
			turns++
		}
	}
	return turns
}

// compact folds pruned messages into one synthetic assistant message so the
// model retains a thread of what was dropped. The summary is extractive, not
// model-generated: each pruned message contributes one clipped line.
func compact(pruned []agent.ChatMessage) agent.ChatMessage {
	var b strings.Builder
	b.WriteString("Summary of earlier conversation (older messages were trimmed):\n")
	for _, m := range pruned {
		text := strings.TrimSpace(m.Content)
		if text == "" {
			if len(m.ToolCalls) > 0 {
				text = fmt.Sprintf("(invoked tool %s)", m.ToolCalls[0].Name)
			} else if len(m.ToolResults) > 0 {
				text = "(tool result omitted)"
			} else {
				continue
			}
		}
		// Clip on a rune boundary so multibyte content is not split.
		if utf8.RuneCountInString(text) > 200 {
			runes := []rune(text)
			text = string(runes[:200]) + "…"
		}
		fmt.Fprintf(&b, "- %s: %s\n", m.Role, text)
	}
	return agent.ChatMessage{Role: models.RoleAssistant, Content: b.String()}
}
