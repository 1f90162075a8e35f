// Package costguard enforces a project's spend, token, turn, and rate
// ceilings before each provider call and records usage after each turn.
package costguard

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/nexus-core/internal/agent"
	"github.com/haasonsaas/nexus-core/internal/observability"
	"github.com/haasonsaas/nexus-core/internal/storage"
	"github.com/haasonsaas/nexus-core/pkg/models"
	"github.com/haasonsaas/nexus-core/pkg/nexuserr"
)

// Guard performs pre-call admission checks against a project's CostConfig
// and writes billing records. Budget state lives in the usage store; rate
// counters are in-memory per process.
type Guard struct {
	usage  storage.UsageStore
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	minutes map[string]*bucket
	hours   map[string]*bucket
}

type bucket struct {
	windowStart time.Time
	count       int
}

// Option customises a Guard.
type Option func(*Guard)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) { g.logger = logger }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// NewGuard creates a guard over the given usage store.
func NewGuard(usage storage.UsageStore, opts ...Option) *Guard {
	g := &Guard{
		usage:   usage,
		logger:  slog.Default(),
		now:     time.Now,
		minutes: make(map[string]*bucket),
		hours:   make(map[string]*bucket),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CheckRequest holds everything the admission check needs about the
// impending provider call.
type CheckRequest struct {
	ProjectID       string
	SessionID       string
	EstimatedTokens int
	Config          models.CostConfig

	// RunBudgetUSD caps the spend of the current run (trace) alone,
	// independent of the project windows; zero means unlimited.
	// RunSpentUSD is the spend already recorded against that run.
	RunBudgetUSD float64
	RunSpentUSD  float64
}

// Check runs the admission checks in a fixed order: token ceiling, turn
// ceiling, budget, then rate limits. The first violated ceiling wins and its
// taxonomy kind is returned; a zero ceiling means unlimited.
func (g *Guard) Check(ctx context.Context, req CheckRequest) error {
	cfg := req.Config

	if cfg.MaxTokensPerTurn > 0 && req.EstimatedTokens > cfg.MaxTokensPerTurn {
		return nexuserr.Newf(nexuserr.KindTokenLimitExceeded,
			"estimated %d tokens exceeds the per-turn ceiling of %d",
			req.EstimatedTokens, cfg.MaxTokensPerTurn).
			WithDetails(map[string]any{
				"estimated_tokens": req.EstimatedTokens,
				"max_tokens":       cfg.MaxTokensPerTurn,
			})
	}

	if cfg.MaxTurnsPerSession > 0 {
		turns, err := g.usage.TurnsInSession(ctx, req.SessionID)
		if err != nil {
			return nexuserr.Wrap(nexuserr.KindInternal, "count session turns", err)
		}
		if turns >= cfg.MaxTurnsPerSession {
			return nexuserr.Newf(nexuserr.KindTurnLimitExceeded,
				"session has used %d of %d turns", turns, cfg.MaxTurnsPerSession)
		}
	}

	if req.RunBudgetUSD > 0 && req.RunSpentUSD >= req.RunBudgetUSD {
		return nexuserr.Newf(nexuserr.KindBudgetExceeded,
			"run spend of $%.4f reached the per-run budget of $%.4f",
			req.RunSpentUSD, req.RunBudgetUSD).
			WithDetails(map[string]any{
				"window":     "run",
				"spent_usd":  req.RunSpentUSD,
				"budget_usd": req.RunBudgetUSD,
			})
	}

	if err := g.checkBudget(ctx, req.ProjectID, cfg); err != nil {
		return err
	}

	return g.checkRate(req.ProjectID, cfg)
}

func (g *Guard) checkBudget(ctx context.Context, projectID string, cfg models.CostConfig) error {
	now := g.now().UTC()

	type window struct {
		name   string
		budget float64
		from   time.Time
	}
	windows := []window{
		{"daily", cfg.DailyBudgetUSD, now.Truncate(24 * time.Hour)},
		{"monthly", cfg.MonthlyBudgetUSD, time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)},
	}

	hardPct := cfg.HardLimitPct
	if hardPct <= 0 {
		hardPct = 100
	}

	for _, w := range windows {
		if w.budget <= 0 {
			continue
		}
		spent, err := g.usage.SpentInRange(ctx, projectID, w.from, now.Add(time.Nanosecond))
		if err != nil {
			return nexuserr.Wrap(nexuserr.KindInternal, "sum spend", err)
		}
		if spent >= w.budget*hardPct/100 {
			return nexuserr.Newf(nexuserr.KindBudgetExceeded,
				"%s spend of $%.4f reached the hard limit of $%.4f",
				w.name, spent, w.budget*hardPct/100).
				WithDetails(map[string]any{
					"window":     w.name,
					"spent_usd":  spent,
					"budget_usd": w.budget,
				})
		}
		if cfg.AlertThresholdPct > 0 && spent >= w.budget*cfg.AlertThresholdPct/100 {
			g.logger.Warn("budget alert threshold crossed",
				"project_id", projectID,
				"window", w.name,
				"spent_usd", spent,
				"budget_usd", w.budget,
				"threshold_pct", cfg.AlertThresholdPct)
		}
	}
	return nil
}

// checkRate counts this call against the per-minute and per-hour windows.
// The count is taken before admission, so a rejected call still consumes a
// slot; that keeps a retry storm from sliding past the limit.
func (g *Guard) checkRate(projectID string, cfg models.CostConfig) error {
	if cfg.MaxRequestsPerMinute <= 0 && cfg.MaxRequestsPerHour <= 0 {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()

	if cfg.MaxRequestsPerMinute > 0 {
		if exceeded := tick(g.minutes, projectID, now, time.Minute, cfg.MaxRequestsPerMinute); exceeded {
			return nexuserr.Newf(nexuserr.KindRateLimitExceeded,
				"project exceeded %d requests per minute", cfg.MaxRequestsPerMinute)
		}
	}
	if cfg.MaxRequestsPerHour > 0 {
		if exceeded := tick(g.hours, projectID, now, time.Hour, cfg.MaxRequestsPerHour); exceeded {
			return nexuserr.Newf(nexuserr.KindRateLimitExceeded,
				"project exceeded %d requests per hour", cfg.MaxRequestsPerHour)
		}
	}
	return nil
}

func tick(buckets map[string]*bucket, key string, now time.Time, window time.Duration, limit int) bool {
	b, ok := buckets[key]
	if !ok || now.Sub(b.windowStart) >= window {
		b = &bucket{windowStart: now.Truncate(window)}
		buckets[key] = b
	}
	b.count++
	return b.count > limit
}

// RecordUsage writes one billing record for a completed provider turn.
// Writes are idempotent by (trace ID, turn index), so a crashed turn retried
// from the trace does not double-bill.
func (g *Guard) RecordUsage(ctx context.Context, projectID, sessionID, traceID string, turnIndex int, model string, inputTokens, outputTokens int) (float64, error) {
	cost := agent.LookupModel(model).CostOf(inputTokens, outputTokens)
	record := &models.UsageRecord{
		ProjectID:    projectID,
		SessionID:    sessionID,
		TraceID:      traceID,
		TurnIndex:    turnIndex,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostUSD:      cost,
		Timestamp:    g.now().UTC(),
	}
	if err := g.usage.Record(ctx, record); err != nil {
		return 0, nexuserr.Wrap(nexuserr.KindInternal, "record usage", err)
	}

	observability.TokensUsed.WithLabelValues(projectID, "input").Add(float64(inputTokens))
	observability.TokensUsed.WithLabelValues(projectID, "output").Add(float64(outputTokens))
	g.logger.Debug("usage recorded",
		"project_id", projectID,
		"trace_id", traceID,
		"turn_index", turnIndex,
		"model", model,
		"input_tokens", inputTokens,
		"output_tokens", outputTokens,
		"cost_usd", cost)
	return cost, nil
}
