// Package runner drives one agent turn end to end: prompt assembly, context
// fitting, cost admission, the provider/tool loop, and trace persistence.
package runner

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/haasonsaas/nexus-core/internal/agent"
	"github.com/haasonsaas/nexus-core/internal/costguard"
	"github.com/haasonsaas/nexus-core/internal/memory"
	"github.com/haasonsaas/nexus-core/internal/observability"
	"github.com/haasonsaas/nexus-core/internal/prompt"
	"github.com/haasonsaas/nexus-core/internal/storage"
	"github.com/haasonsaas/nexus-core/internal/tools"
	"github.com/haasonsaas/nexus-core/pkg/models"
	"github.com/haasonsaas/nexus-core/pkg/nexuserr"
)

// ProviderFactory constructs a provider for a project's binding. Injected so
// tests can substitute scripted providers.
type ProviderFactory func(binding models.ProviderBinding) (agent.Provider, error)

// Runner executes agent turns.
type Runner struct {
	stores      storage.StoreSet
	registry    *tools.Registry
	resolver    *tools.Resolver
	guard       *costguard.Guard
	memory      *memory.Manager
	retriever   memory.Retriever
	assembler   *prompt.Assembler
	newProvider ProviderFactory
	logger      *slog.Logger
	rng         *rand.Rand
	sleep       func(ctx context.Context, d time.Duration) error
}

// Config wires a Runner.
type Config struct {
	Stores      storage.StoreSet
	Registry    *tools.Registry
	Resolver    *tools.Resolver
	Guard       *costguard.Guard
	Memory      *memory.Manager
	Retriever   memory.Retriever
	Assembler   *prompt.Assembler
	NewProvider ProviderFactory
	Logger      *slog.Logger
}

// New creates a Runner.
func New(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		stores:      cfg.Stores,
		registry:    cfg.Registry,
		resolver:    cfg.Resolver,
		guard:       cfg.Guard,
		memory:      cfg.Memory,
		retriever:   cfg.Retriever,
		assembler:   cfg.Assembler,
		newProvider: cfg.NewProvider,
		logger:      logger,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:       sleepCtx,
	}
}

// Request is one inbound user message bound to a session.
type Request struct {
	ProjectID string
	SessionID string
	Message   string

	// Limits override the turn ceilings for scheduled runs; zero values
	// fall back to the project config.
	MaxTurns           int
	MaxDurationMinutes int

	// BudgetUSD caps the spend of this run alone, on top of the project
	// budgets. Zero means unlimited.
	BudgetUSD float64
}

// Result is the outcome of one turn.
type Result struct {
	TraceID string
	Reply   string
	Status  models.TraceStatus
}

// Run executes one turn. The returned error is non-nil only when the turn
// could not produce a reply; tool failures inside the loop are surfaced to
// the model as error tool results and do not fail the turn.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	started := time.Now()

	cfg, err := r.stores.Configs.Get(ctx, req.ProjectID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, nexuserr.Newf(nexuserr.KindNotFound, "project %s has no agent config", req.ProjectID)
		}
		return nil, nexuserr.Wrap(nexuserr.KindInternal, "load agent config", err)
	}
	session, err := r.stores.Sessions.Get(ctx, req.SessionID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, nexuserr.Newf(nexuserr.KindNotFound, "session %s not found", req.SessionID)
		}
		return nil, nexuserr.Wrap(nexuserr.KindInternal, "load session", err)
	}

	provider, err := r.newProvider(cfg.Provider)
	if err != nil {
		return nil, err
	}
	model := agent.LookupModel(cfg.Provider.Model)

	tctx := tools.NewContext(req.ProjectID, req.SessionID, "", cfg.AllowedTools)
	toolDefs := r.registry.FormatForProvider(tctx)

	var retrieved []memory.RetrievedItem
	if cfg.Memory.LongTerm.Enabled && r.retriever != nil {
		minImportance := 0.0
		if cfg.Memory.LongTerm.MinImportance != nil {
			minImportance = *cfg.Memory.LongTerm.MinImportance
		}
		retrieved, err = r.retriever.Retrieve(ctx, req.ProjectID, req.Message, cfg.Memory.LongTerm.TopK, minImportance)
		if err != nil {
			// Retrieval is best-effort; a broken memory backend must not
			// block the conversation.
			r.logger.Warn("memory retrieval failed", "project_id", req.ProjectID, "error", err)
			retrieved = nil
		}
	}

	assembled, err := r.assembler.Assemble(ctx, req.ProjectID, toolDefs, retrieved)
	if err != nil {
		return nil, err
	}

	recorder, err := agent.NewTraceRecorder(ctx, r.stores.Traces, req.ProjectID, req.SessionID, assembled.Snapshot)
	if err != nil {
		return nil, nexuserr.Wrap(nexuserr.KindInternal, "create trace", err)
	}
	tctx.TraceID = recorder.TraceID()
	tctx.OnApproval = func(a *models.Approval) {
		if a.Status == models.ApprovalPending {
			recorder.ApprovalRequested(a)
		} else {
			recorder.ApprovalResolved(a)
		}
	}

	recorder.UserMessage(req.Message)
	if err := r.stores.Messages.Append(ctx, &models.Message{
		SessionID: req.SessionID,
		Role:      models.RoleUser,
		Content:   req.Message,
		TraceID:   recorder.TraceID(),
		CreatedAt: time.Now(),
	}); err != nil {
		return nil, nexuserr.Wrap(nexuserr.KindInternal, "append user message", err)
	}

	conversation, err := r.loadConversation(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	turnCtx, cancel := context.WithTimeout(ctx, agent.TurnDeadline(req.MaxDurationMinutes, cfg.Failover))
	defer cancel()

	result, runErr := r.loop(turnCtx, cfg, model, provider, assembled.System, conversation, toolDefs, tctx, recorder, req)

	status := result.Status
	if flushErr := recorder.Finish(ctx, status); flushErr != nil {
		r.logger.Error("trace flush failed", "trace_id", recorder.TraceID(), "error", flushErr)
	}
	observability.TurnsTotal.WithLabelValues(req.ProjectID, string(status)).Inc()
	observability.TurnDuration.WithLabelValues(req.ProjectID).Observe(time.Since(started).Seconds())

	// Streamed text survives a terminal condition: a cancelled or
	// budget-stopped turn still stores what the model said, flagged by the
	// trace status.
	if result.Reply != "" {
		if err := r.stores.Messages.Append(ctx, &models.Message{
			SessionID: req.SessionID,
			Role:      models.RoleAssistant,
			Content:   result.Reply,
			TraceID:   recorder.TraceID(),
			CreatedAt: time.Now(),
		}); err != nil {
			r.logger.Error("append assistant message failed", "session_id", req.SessionID, "error", err)
		}
	}

	session.UpdatedAt = time.Now()
	if err := r.stores.Sessions.Update(ctx, session); err != nil {
		r.logger.Warn("session touch failed", "session_id", req.SessionID, "error", err)
	}

	result.TraceID = recorder.TraceID()
	return result, runErr
}

// loop is the provider/tool iteration. It returns a result in every case so
// the caller can persist the terminal status.
func (r *Runner) loop(ctx context.Context, cfg *models.AgentConfig, model agent.ModelInfo, provider agent.Provider, system string, conversation []agent.ChatMessage, toolDefs []agent.ToolDef, tctx *tools.Context, recorder *agent.TraceRecorder, req Request) (*Result, error) {
	var reply string
	toolCallsThisTurn := 0
	maxProviderCalls := req.MaxTurns
	if maxProviderCalls <= 0 {
		maxProviderCalls = 10
	}

	for call := 0; call < maxProviderCalls; call++ {
		fitted, _ := r.memory.FitContext(conversation, system, cfg.Memory.ContextWindow, model, cfg.Provider.MaxOutputTokens)

		if err := r.guard.Check(ctx, costguard.CheckRequest{
			ProjectID:       req.ProjectID,
			SessionID:       req.SessionID,
			EstimatedTokens: agent.EstimateTokens(fitted) + agent.EstimateTextTokens(system),
			Config:          cfg.Cost,
			RunBudgetUSD:    req.BudgetUSD,
			RunSpentUSD:     recorder.Trace().TotalCostUSD,
		}); err != nil {
			recorder.Error(string(nexuserr.KindOf(err)), err.Error())
			return &Result{Reply: reply, Status: guardStatus(err)}, err
		}

		turn, err := r.callWithRetry(ctx, provider, &agent.ChatRequest{
			Model:           cfg.Provider.Model,
			System:          system,
			Messages:        fitted,
			Tools:           toolDefs,
			MaxOutputTokens: cfg.Provider.MaxOutputTokens,
			Temperature:     cfg.Provider.Temperature,
		}, cfg, recorder)
		if err != nil {
			// Text consumed from the broken stream is kept as the reply.
			if turn != nil && turn.text != "" {
				recorder.Response(turn.text)
				reply = turn.text
			}
			if ctx.Err() != nil {
				recorder.Error(string(nexuserr.KindCancelled), ctx.Err().Error())
				return &Result{Reply: reply, Status: models.TraceCancelled},
					nexuserr.Wrap(nexuserr.KindCancelled, "turn cancelled", ctx.Err())
			}
			recorder.Error(string(nexuserr.KindProvider), err.Error())
			return &Result{Reply: reply, Status: models.TraceFailed},
				nexuserr.Wrap(nexuserr.KindProvider, "provider call failed", err)
		}

		cost, recErr := r.guard.RecordUsage(ctx, req.ProjectID, req.SessionID, recorder.TraceID(),
			recorder.TurnCount(), cfg.Provider.Model, turn.usage.InputTokens, turn.usage.OutputTokens)
		if recErr != nil {
			r.logger.Error("usage record failed", "trace_id", recorder.TraceID(), "error", recErr)
		}
		if turn.text != "" {
			recorder.Response(turn.text)
			reply = turn.text
		}
		recorder.MessageEnd(turn.stop, turn.usage, cost)
		if err := recorder.Flush(ctx); err != nil {
			r.logger.Warn("trace flush failed", "trace_id", recorder.TraceID(), "error", err)
		}

		if turn.stop != agent.StopToolUse || len(turn.toolCalls) == 0 {
			// completed is reserved for a clean end_turn. A provider that
			// halted at the output token ceiling or on a stop sequence
			// produced a truncated answer; the reply is kept but the trace
			// says so.
			switch turn.stop {
			case agent.StopMaxTokens:
				recorder.Error(string(nexuserr.KindTokenLimitExceeded), "provider stopped at the output token ceiling")
				return &Result{Reply: reply, Status: models.TraceFailed}, nil
			case agent.StopStopSequence:
				recorder.Error(string(nexuserr.KindProvider), "provider halted on a stop sequence")
				return &Result{Reply: reply, Status: models.TraceFailed}, nil
			default:
				return &Result{Reply: reply, Status: models.TraceCompleted}, nil
			}
		}

		calls := turn.toolCalls
		truncated := false
		if max := cfg.Cost.MaxToolCallsPerTurn; max > 0 && toolCallsThisTurn+len(calls) > max {
			calls = calls[:max-toolCallsThisTurn]
			truncated = true
		}
		toolCallsThisTurn += len(calls)

		results := make([]models.ToolResult, 0, len(calls))
		for _, toolCall := range calls {
			recorder.ToolCallStart(toolCall)
			outcome, resolveErr := r.resolver.Resolve(ctx, toolCall, tctx)

			var result models.ToolResult
			if resolveErr != nil {
				if nexuserr.IsKind(resolveErr, nexuserr.KindCancelled) {
					recorder.Error(string(nexuserr.KindCancelled), resolveErr.Error())
					return &Result{Reply: reply, Status: models.TraceCancelled}, resolveErr
				}
				// Every other tool failure is reported back to the model
				// as an error result; the conversation continues.
				result = models.ToolResult{
					ToolCallID: toolCall.ID,
					Content:    resolveErr.Error(),
					IsError:    true,
				}
				observability.ToolExecutions.WithLabelValues(toolCall.Name, "error").Inc()
			} else {
				result = tools.ResultFromOutcome(toolCall, outcome)
				observability.ToolExecutions.WithLabelValues(toolCall.Name, "ok").Inc()
			}
			recorder.ToolCallEnd(toolCall, result)
			results = append(results, result)
		}

		conversation = append(conversation,
			agent.ChatMessage{Role: models.RoleAssistant, Content: turn.text, ToolCalls: calls},
			agent.ChatMessage{Role: models.RoleTool, ToolResults: results},
		)

		if truncated {
			recorder.Error(string(nexuserr.KindTurnLimitExceeded), "tool call budget for the turn exhausted")
			return &Result{Reply: reply, Status: models.TraceMaxTurns}, nil
		}
	}

	recorder.Error(string(nexuserr.KindTurnLimitExceeded), "provider call budget for the turn exhausted")
	return &Result{Reply: reply, Status: models.TraceMaxTurns}, nil
}

// providerTurn is the consumed output of one provider call.
type providerTurn struct {
	text      string
	toolCalls []models.ToolCall
	stop      agent.StopReason
	usage     agent.Usage
}

// callWithRetry invokes the provider, retrying per the failover policy. A
// call is only retried while nothing has been consumed from its stream;
// after partial content the failure is surfaced rather than replayed. On
// failure the last attempt's partially consumed turn accompanies the error
// so streamed text is not lost.
func (r *Runner) callWithRetry(ctx context.Context, provider agent.Provider, chatReq *agent.ChatRequest, cfg *models.AgentConfig, recorder *agent.TraceRecorder) (*providerTurn, error) {
	perCall := time.Duration(cfg.Failover.TimeoutMs) * time.Millisecond
	if perCall <= 0 {
		perCall = 30 * time.Second
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		turn, partial, err := r.callOnce(ctx, provider, chatReq, perCall, recorder)
		if err == nil {
			return turn, nil
		}
		lastErr = err

		if partial || attempt >= cfg.Failover.MaxRetries || !agent.ShouldRetry(err, cfg.Failover) || ctx.Err() != nil {
			return turn, lastErr
		}

		delay := agent.BackoffDelay(attempt, r.rng)
		r.logger.Warn("provider call failed, retrying",
			"provider", provider.Name(),
			"attempt", attempt+1,
			"max_retries", cfg.Failover.MaxRetries,
			"backoff", delay,
			"error", err)
		observability.ProviderRetries.WithLabelValues(string(provider.Name())).Inc()
		if err := r.sleep(ctx, delay); err != nil {
			return turn, lastErr
		}
	}
}

func (r *Runner) callOnce(ctx context.Context, provider agent.Provider, chatReq *agent.ChatRequest, timeout time.Duration, recorder *agent.TraceRecorder) (*providerTurn, bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	events, err := provider.Chat(callCtx, chatReq)
	if err != nil {
		return nil, false, err
	}

	turn := &providerTurn{stop: agent.StopEndTurn}
	partial := false
	var text []byte

	for event := range events {
		switch event.Type {
		case agent.EventContentDelta:
			partial = true
			text = append(text, event.Text...)
			recorder.Delta(event.Text)
		case agent.EventToolUseEnd:
			partial = true
			turn.toolCalls = append(turn.toolCalls, models.ToolCall{
				ID:    event.ToolCallID,
				Name:  event.ToolName,
				Input: event.ToolInput,
			})
		case agent.EventMessageEnd:
			turn.stop = event.StopReason
			turn.usage = event.TokenUsage
		case agent.EventError:
			turn.text = string(text)
			return turn, partial, event.Err
		}
	}

	turn.text = string(text)
	return turn, partial, nil
}

func (r *Runner) loadConversation(ctx context.Context, sessionID string) ([]agent.ChatMessage, error) {
	stored, _, err := r.stores.Messages.ListBySession(ctx, sessionID, 0, 0)
	if err != nil {
		return nil, nexuserr.Wrap(nexuserr.KindInternal, "load session messages", err)
	}
	conversation := make([]agent.ChatMessage, 0, len(stored))
	for _, m := range stored {
		conversation = append(conversation, agent.ChatMessage{
			Role:        m.Role,
			Content:     m.Content,
			ToolCalls:   m.ToolCalls,
			ToolResults: m.ToolResults,
		})
	}
	return conversation, nil
}

func guardStatus(err error) models.TraceStatus {
	switch nexuserr.KindOf(err) {
	case nexuserr.KindBudgetExceeded:
		return models.TraceBudgetExceeded
	case nexuserr.KindTurnLimitExceeded:
		return models.TraceMaxTurns
	default:
		return models.TraceFailed
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
