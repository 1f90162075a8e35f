package costguard

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/nexus-core/internal/storage"
	"github.com/haasonsaas/nexus-core/pkg/models"
	"github.com/haasonsaas/nexus-core/pkg/nexuserr"
)

func seedUsage(t *testing.T, store storage.UsageStore, projectID, sessionID string, turns int, costEach float64, at time.Time) {
	t.Helper()
	for i := 0; i < turns; i++ {
		err := store.Record(context.Background(), &models.UsageRecord{
			ProjectID: projectID,
			SessionID: sessionID,
			TraceID:   sessionID + "-trace",
			TurnIndex: i,
			Model:     "gpt-4o",
			CostUSD:   costEach,
			Timestamp: at,
		})
		if err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
}

func TestCheck_TokenCeilingWinsFirst(t *testing.T) {
	store := storage.NewMemoryUsageStore()
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	guard := NewGuard(store, WithNow(func() time.Time { return now }))

	// Every ceiling is violated; the token check must report first.
	seedUsage(t, store, "p1", "s1", 10, 100, now.Add(-time.Hour))
	err := guard.Check(context.Background(), CheckRequest{
		ProjectID:       "p1",
		SessionID:       "s1",
		EstimatedTokens: 9000,
		Config: models.CostConfig{
			MaxTokensPerTurn:     8000,
			MaxTurnsPerSession:   5,
			DailyBudgetUSD:       1,
			HardLimitPct:         100,
			MaxRequestsPerMinute: 1,
		},
	})
	if got := nexuserr.KindOf(err); got != nexuserr.KindTokenLimitExceeded {
		t.Errorf("kind = %s, want TOKEN_LIMIT_EXCEEDED", got)
	}
}

func TestCheck_TurnCeiling(t *testing.T) {
	store := storage.NewMemoryUsageStore()
	guard := NewGuard(store)
	seedUsage(t, store, "p1", "s1", 5, 0.01, time.Now())

	err := guard.Check(context.Background(), CheckRequest{
		ProjectID: "p1",
		SessionID: "s1",
		Config:    models.CostConfig{MaxTurnsPerSession: 5},
	})
	if got := nexuserr.KindOf(err); got != nexuserr.KindTurnLimitExceeded {
		t.Errorf("kind = %s, want TURN_LIMIT_EXCEEDED", got)
	}

	// One turn below the ceiling is admitted.
	err = guard.Check(context.Background(), CheckRequest{
		ProjectID: "p1",
		SessionID: "s2",
		Config:    models.CostConfig{MaxTurnsPerSession: 5},
	})
	if err != nil {
		t.Errorf("fresh session: %v", err)
	}
}

func TestCheck_BudgetHardLimit(t *testing.T) {
	store := storage.NewMemoryUsageStore()
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	guard := NewGuard(store, WithNow(func() time.Time { return now }))

	// $0.96 spent today against a $1 budget with a 95% hard limit.
	seedUsage(t, store, "p1", "s1", 1, 0.96, now.Add(-2*time.Hour))

	err := guard.Check(context.Background(), CheckRequest{
		ProjectID: "p1",
		SessionID: "s1",
		Config:    models.CostConfig{DailyBudgetUSD: 1, HardLimitPct: 95},
	})
	if got := nexuserr.KindOf(err); got != nexuserr.KindBudgetExceeded {
		t.Fatalf("kind = %s, want BUDGET_EXCEEDED", got)
	}
	nerr := nexuserr.AsError(err)
	if nerr == nil || nerr.Details["window"] != "daily" {
		t.Errorf("details = %+v, want daily window", nerr)
	}

	// Yesterday's spend does not count against today.
	fresh := storage.NewMemoryUsageStore()
	guard = NewGuard(fresh, WithNow(func() time.Time { return now }))
	seedUsage(t, fresh, "p1", "s1", 1, 0.96, now.AddDate(0, 0, -1))
	err = guard.Check(context.Background(), CheckRequest{
		ProjectID: "p1",
		SessionID: "s1",
		Config:    models.CostConfig{DailyBudgetUSD: 1, HardLimitPct: 95},
	})
	if err != nil {
		t.Errorf("yesterday's spend blocked today: %v", err)
	}
}

func TestCheck_PerRunBudget(t *testing.T) {
	guard := NewGuard(storage.NewMemoryUsageStore())

	// Spend at the cap blocks the next call; below it passes.
	err := guard.Check(context.Background(), CheckRequest{
		ProjectID:    "p1",
		SessionID:    "s1",
		RunBudgetUSD: 0.5,
		RunSpentUSD:  0.5,
	})
	if got := nexuserr.KindOf(err); got != nexuserr.KindBudgetExceeded {
		t.Fatalf("kind = %s, want BUDGET_EXCEEDED", got)
	}
	nerr := nexuserr.AsError(err)
	if nerr == nil || nerr.Details["window"] != "run" {
		t.Errorf("details = %+v, want run window", nerr)
	}

	err = guard.Check(context.Background(), CheckRequest{
		ProjectID:    "p1",
		SessionID:    "s1",
		RunBudgetUSD: 0.5,
		RunSpentUSD:  0.4,
	})
	if err != nil {
		t.Errorf("under the cap: %v", err)
	}
}

func TestCheck_MonthlyBudgetSpansDays(t *testing.T) {
	store := storage.NewMemoryUsageStore()
	now := time.Date(2026, 7, 20, 12, 0, 0, 0, time.UTC)
	guard := NewGuard(store, WithNow(func() time.Time { return now }))

	// Spend from the 1st of the month still counts on the 20th.
	seedUsage(t, store, "p1", "s1", 1, 10, time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC))

	err := guard.Check(context.Background(), CheckRequest{
		ProjectID: "p1",
		SessionID: "s1",
		Config:    models.CostConfig{MonthlyBudgetUSD: 10},
	})
	if got := nexuserr.KindOf(err); got != nexuserr.KindBudgetExceeded {
		t.Errorf("kind = %s, want BUDGET_EXCEEDED", got)
	}
}

func TestCheck_RateLimitWindows(t *testing.T) {
	store := storage.NewMemoryUsageStore()
	current := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	guard := NewGuard(store, WithNow(func() time.Time { return current }))

	cfg := models.CostConfig{MaxRequestsPerMinute: 2}
	req := CheckRequest{ProjectID: "p1", SessionID: "s1", Config: cfg}

	for i := 0; i < 2; i++ {
		if err := guard.Check(context.Background(), req); err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
	}
	err := guard.Check(context.Background(), req)
	if got := nexuserr.KindOf(err); got != nexuserr.KindRateLimitExceeded {
		t.Fatalf("kind = %s, want RATE_LIMIT_EXCEEDED", got)
	}

	// The window resets after a minute.
	current = current.Add(61 * time.Second)
	if err := guard.Check(context.Background(), req); err != nil {
		t.Errorf("after window reset: %v", err)
	}
}

func TestRecordUsage_IdempotentAndPriced(t *testing.T) {
	store := storage.NewMemoryUsageStore()
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	guard := NewGuard(store, WithNow(func() time.Time { return now }))
	ctx := context.Background()

	// gpt-4o: $2.5/M input, $10/M output.
	cost, err := guard.RecordUsage(ctx, "p1", "s1", "t1", 0, "gpt-4o", 1_000_000, 100_000)
	if err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	if cost != 3.5 {
		t.Errorf("cost = %v, want 3.5", cost)
	}

	// Replaying the same turn does not double-bill.
	if _, err := guard.RecordUsage(ctx, "p1", "s1", "t1", 0, "gpt-4o", 1_000_000, 100_000); err != nil {
		t.Fatalf("RecordUsage replay: %v", err)
	}
	spent, err := store.SpentInRange(ctx, "p1", now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("SpentInRange: %v", err)
	}
	if spent != 3.5 {
		t.Errorf("spent = %v, want 3.5", spent)
	}
}
