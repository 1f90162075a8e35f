// Package approval implements the human-in-the-loop gate: pending approvals
// are persisted, awaited by the tool pipeline, resolved exactly once, and
// swept into the expired state when their deadline passes.
package approval

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus-core/internal/storage"
	"github.com/haasonsaas/nexus-core/internal/tools"
	"github.com/haasonsaas/nexus-core/pkg/models"
	"github.com/haasonsaas/nexus-core/pkg/nexuserr"
)

// Gate persists approvals and blocks tool execution until a human decides.
// It implements the tool pipeline's ApprovalGate.
type Gate struct {
	store        storage.ApprovalStore
	pollInterval time.Duration
	logger       *slog.Logger
	now          func() time.Time

	mu      sync.Mutex
	waiters map[string][]chan models.ApprovalStatus
}

// Option customises a Gate.
type Option func(*Gate)

// WithPollInterval sets how often a waiter re-reads the store. The in-process
// notify path usually wins; polling covers resolutions made by another
// process against the same database.
func WithPollInterval(interval time.Duration) Option {
	return func(g *Gate) { g.pollInterval = interval }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// NewGate creates a gate over the given approval store.
func NewGate(store storage.ApprovalStore, opts ...Option) *Gate {
	g := &Gate{
		store:        store,
		pollInterval: 2 * time.Second,
		logger:       slog.Default(),
		now:          time.Now,
		waiters:      make(map[string][]chan models.ApprovalStatus),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RequestApproval opens a pending approval for one tool call.
func (g *Gate) RequestApproval(ctx context.Context, req tools.ApprovalRequest) (*models.Approval, error) {
	approval := &models.Approval{
		ID:          uuid.NewString(),
		ProjectID:   req.ProjectID,
		SessionID:   req.SessionID,
		ToolCallID:  req.ToolCallID,
		ToolID:      req.ToolID,
		ToolInput:   req.ToolInput,
		RiskLevel:   req.RiskLevel,
		Status:      models.ApprovalPending,
		RequestedAt: g.now(),
		ExpiresAt:   req.ExpiresAt,
	}
	if err := g.store.Create(ctx, approval); err != nil {
		return nil, nexuserr.Wrap(nexuserr.KindInternal, "create approval", err)
	}
	return approval, nil
}

// AwaitResolution blocks until the approval reaches a terminal status, the
// deadline passes, or the context is cancelled. Deadline passage resolves to
// expired, never to an error: expiry is an answer, not a failure.
func (g *Gate) AwaitResolution(ctx context.Context, approvalID string, deadline time.Time) (models.ApprovalStatus, error) {
	notify := g.subscribe(approvalID)
	defer g.unsubscribe(approvalID, notify)

	// The approval may already be terminal by the time we start waiting.
	if status, done, err := g.checkOnce(ctx, approvalID, deadline); done || err != nil {
		return status, err
	}

	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case status := <-notify:
			return status, nil
		case <-ticker.C:
			if status, done, err := g.checkOnce(ctx, approvalID, deadline); done || err != nil {
				return status, err
			}
		}
	}
}

func (g *Gate) checkOnce(ctx context.Context, approvalID string, deadline time.Time) (models.ApprovalStatus, bool, error) {
	approval, err := g.store.Get(ctx, approvalID)
	if err != nil {
		return "", false, err
	}
	if approval.Status.Terminal() {
		return approval.Status, true, nil
	}
	if !g.now().Before(deadline) {
		// Expire lazily on read so a stalled sweeper cannot leave the
		// waiter hanging past the deadline.
		if _, err := g.store.MarkResolved(ctx, approvalID, models.ApprovalExpired, "", "", g.now()); err != nil {
			return "", false, err
		}
		return models.ApprovalExpired, true, nil
	}
	return "", false, nil
}

// Resolve applies a human decision. The first resolution wins: a second
// attempt fails with APPROVAL_NOT_PENDING carrying the current status so the
// caller can report the conflict. approve=false records a denial.
func (g *Gate) Resolve(ctx context.Context, approvalID string, approve bool, resolvedBy, note string) (*models.Approval, error) {
	status := models.ApprovalDenied
	if approve {
		status = models.ApprovalApproved
	}

	// A decision that arrives after the deadline resolves to expired even if
	// the sweeper has not run yet.
	current, err := g.store.Get(ctx, approvalID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, nexuserr.Newf(nexuserr.KindNotFound, "approval %s not found", approvalID)
		}
		return nil, nexuserr.Wrap(nexuserr.KindInternal, "get approval", err)
	}
	if current.Status == models.ApprovalPending && !current.ExpiresAt.After(g.now()) {
		status = models.ApprovalExpired
		resolvedBy = ""
		note = ""
	}

	resolved, err := g.store.MarkResolved(ctx, approvalID, status, resolvedBy, note, g.now())
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, nexuserr.Newf(nexuserr.KindNotFound, "approval %s not found", approvalID)
		}
		return nil, nexuserr.Wrap(nexuserr.KindInternal, "resolve approval", err)
	}
	if !resolved {
		latest, err := g.store.Get(ctx, approvalID)
		if err != nil {
			return nil, nexuserr.Wrap(nexuserr.KindInternal, "get approval", err)
		}
		return nil, nexuserr.Newf(nexuserr.KindApprovalNotPending,
			"approval %s is already %s", approvalID, latest.Status).
			WithDetails(map[string]any{"currentStatus": string(latest.Status)})
	}

	g.logger.Info("approval resolved",
		"approval_id", approvalID,
		"status", status,
		"resolved_by", resolvedBy)
	g.notify(approvalID, status)

	approval, err := g.store.Get(ctx, approvalID)
	if err != nil {
		return nil, nexuserr.Wrap(nexuserr.KindInternal, "get approval", err)
	}
	return approval, nil
}

// Get returns one approval by ID.
func (g *Gate) Get(ctx context.Context, approvalID string) (*models.Approval, error) {
	approval, err := g.store.Get(ctx, approvalID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, nexuserr.Newf(nexuserr.KindNotFound, "approval %s not found", approvalID)
		}
		return nil, nexuserr.Wrap(nexuserr.KindInternal, "get approval", err)
	}
	return approval, nil
}

// ListPending returns the open approvals for a project, oldest first.
func (g *Gate) ListPending(ctx context.Context, projectID string) ([]*models.Approval, error) {
	return g.store.ListPending(ctx, projectID, g.now())
}

// RunSweeper periodically expires overdue pending approvals until the
// context is cancelled. Waiters on swept approvals observe expiry through
// their own poll cycle.
func (g *Gate) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := g.store.ExpireDue(ctx, g.now())
			if err != nil {
				g.logger.Error("approval sweep failed", "error", err)
				continue
			}
			if swept > 0 {
				g.logger.Info("expired overdue approvals", "count", swept)
			}
		}
	}
}

func (g *Gate) subscribe(approvalID string) chan models.ApprovalStatus {
	ch := make(chan models.ApprovalStatus, 1)
	g.mu.Lock()
	g.waiters[approvalID] = append(g.waiters[approvalID], ch)
	g.mu.Unlock()
	return ch
}

func (g *Gate) unsubscribe(approvalID string, ch chan models.ApprovalStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	waiters := g.waiters[approvalID]
	for i, w := range waiters {
		if w == ch {
			g.waiters[approvalID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(g.waiters[approvalID]) == 0 {
		delete(g.waiters, approvalID)
	}
}

func (g *Gate) notify(approvalID string, status models.ApprovalStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, ch := range g.waiters[approvalID] {
		select {
		case ch <- status:
		default:
		}
	}
}
