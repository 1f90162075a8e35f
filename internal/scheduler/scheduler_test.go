package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/nexus-core/internal/runner"
	"github.com/haasonsaas/nexus-core/internal/storage"
	"github.com/haasonsaas/nexus-core/pkg/models"
	"github.com/haasonsaas/nexus-core/pkg/nexuserr"
)

type fakeExecutor struct {
	requests []runner.Request
	results  []*runner.Result
	errs     []error
}

func (f *fakeExecutor) Run(_ context.Context, req runner.Request) (*runner.Result, error) {
	f.requests = append(f.requests, req)
	idx := len(f.requests) - 1
	var err error
	if idx < len(f.errs) {
		err = f.errs[idx]
	}
	var result *runner.Result
	if idx < len(f.results) {
		result = f.results[idx]
	} else {
		result = &runner.Result{TraceID: "trace-1", Reply: "done", Status: models.TraceCompleted}
	}
	return result, err
}

func newScheduler(t *testing.T, executor Executor) (*Scheduler, storage.StoreSet, *time.Time) {
	s, stores, current, _ := newSchedulerWithSleeps(t, executor)
	return s, stores, current
}

// newSchedulerWithSleeps additionally captures the backoff delays slept
// between retry attempts instead of actually sleeping.
func newSchedulerWithSleeps(t *testing.T, executor Executor) (*Scheduler, storage.StoreSet, *time.Time, *[]time.Duration) {
	t.Helper()
	stores := storage.NewMemoryStores()
	current := time.Date(2026, 8, 1, 9, 0, 30, 0, time.UTC)
	s := New(stores, executor, WithNow(func() time.Time { return current }))
	delays := &[]time.Duration{}
	s.sleep = func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
	return s, stores, &current, delays
}

func staticTask(id string) *models.ScheduledTask {
	return &models.ScheduledTask{
		ID:              id,
		ProjectID:       "p1",
		Name:            "daily digest",
		CronExpression:  "*/5 * * * *",
		TaskPayload:     models.TaskPayload{Message: "Summarise yesterday."},
		Origin:          models.TaskOriginStatic,
		MaxTurns:        4,
		BudgetPerRunUSD: 0.25,
	}
}

func TestValidateCron(t *testing.T) {
	fires, err := ValidateCron("0 9 * * 1-5", "Europe/Berlin")
	if err != nil {
		t.Fatalf("ValidateCron: %v", err)
	}
	if len(fires) != 3 {
		t.Fatalf("fires = %d, want 3", len(fires))
	}
	for i, fire := range fires {
		if fire.Hour() != 9 || fire.Minute() != 0 {
			t.Errorf("fire %d = %v, want 09:00", i, fire)
		}
		wd := fire.Weekday()
		if wd == time.Saturday || wd == time.Sunday {
			t.Errorf("fire %d on a weekend: %v", i, fire)
		}
	}

	if _, err := ValidateCron("not a cron", ""); !nexuserr.IsKind(err, nexuserr.KindValidation) {
		t.Errorf("bad expression: kind = %s, want VALIDATION_ERROR", nexuserr.KindOf(err))
	}
	if _, err := ValidateCron("* * * * *", "Mars/Olympus"); !nexuserr.IsKind(err, nexuserr.KindValidation) {
		t.Errorf("bad timezone: kind = %s, want VALIDATION_ERROR", nexuserr.KindOf(err))
	}
}

func TestCreateTask_SetsNextFire(t *testing.T) {
	s, stores, _ := newScheduler(t, &fakeExecutor{})
	task := staticTask("t1")
	if err := s.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.Status != models.TaskActive {
		t.Errorf("status = %s, want active", task.Status)
	}
	// Now is 09:00:30; the next */5 boundary is 09:05.
	want := time.Date(2026, 8, 1, 9, 5, 0, 0, time.UTC)
	if !task.NextRunAt.Equal(want) {
		t.Errorf("next run = %v, want %v", task.NextRunAt, want)
	}

	stored, err := stores.Tasks.Get(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !stored.NextRunAt.Equal(want) {
		t.Errorf("stored next run = %v", stored.NextRunAt)
	}
}

func TestCreateTask_RejectsBadInput(t *testing.T) {
	s, _, _ := newScheduler(t, &fakeExecutor{})

	bad := staticTask("t1")
	bad.CronExpression = "61 * * * *"
	if err := s.CreateTask(context.Background(), bad); !nexuserr.IsKind(err, nexuserr.KindValidation) {
		t.Errorf("bad cron: kind = %s", nexuserr.KindOf(err))
	}

	empty := staticTask("t2")
	empty.TaskPayload.Message = ""
	if err := s.CreateTask(context.Background(), empty); !nexuserr.IsKind(err, nexuserr.KindValidation) {
		t.Errorf("empty payload: kind = %s", nexuserr.KindOf(err))
	}
}

func TestProposedTaskDoesNotFireUntilApproved(t *testing.T) {
	executor := &fakeExecutor{}
	s, _, current := newScheduler(t, executor)

	task := staticTask("t1")
	task.Origin = models.TaskOriginAgentProposed
	task.ProposedBy = "agent"
	if err := s.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.Status != models.TaskProposed {
		t.Fatalf("status = %s, want proposed", task.Status)
	}

	// Even long past its fire time, a proposed task stays quiet.
	*current = current.Add(time.Hour)
	s.Tick(context.Background())
	if len(executor.requests) != 0 {
		t.Fatalf("proposed task fired %d times", len(executor.requests))
	}

	approved, err := s.ApproveTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("ApproveTask: %v", err)
	}
	if approved.Status != models.TaskActive {
		t.Errorf("status = %s, want active", approved.Status)
	}

	*current = approved.NextRunAt.Add(time.Second)
	s.Tick(context.Background())
	if len(executor.requests) != 1 {
		t.Fatalf("approved task fired %d times, want 1", len(executor.requests))
	}

	// Double approval conflicts.
	if _, err := s.ApproveTask(context.Background(), "t1"); !nexuserr.IsKind(err, nexuserr.KindConflict) {
		t.Errorf("second approve: kind = %s, want CONFLICT", nexuserr.KindOf(err))
	}
}

func TestTick_FiresDueTaskAndRecordsRun(t *testing.T) {
	executor := &fakeExecutor{}
	s, stores, current := newScheduler(t, executor)
	ctx := context.Background()

	task := staticTask("t1")
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	*current = task.NextRunAt.Add(time.Second)
	s.Tick(ctx)

	if len(executor.requests) != 1 {
		t.Fatalf("executor calls = %d, want 1", len(executor.requests))
	}
	req := executor.requests[0]
	if req.Message != "Summarise yesterday." || req.MaxTurns != 4 {
		t.Errorf("request = %+v", req)
	}
	if req.BudgetUSD != 0.25 {
		t.Errorf("per-run budget = %v, want 0.25", req.BudgetUSD)
	}

	// The task runs in its dedicated cron session.
	session, err := stores.Sessions.GetByChannelKey(ctx, "p1", models.ChannelCron, "task:t1")
	if err != nil {
		t.Fatalf("task session missing: %v", err)
	}
	if req.SessionID != session.ID {
		t.Errorf("request session = %s, want %s", req.SessionID, session.ID)
	}

	runs, err := stores.Tasks.ListRuns(ctx, "t1", 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
	if runs[0].Status != models.TaskRunCompleted || runs[0].TraceID != "trace-1" {
		t.Errorf("run = %+v", runs[0])
	}

	updated, _ := stores.Tasks.Get(ctx, "t1")
	if updated.RunCount != 1 || updated.LastRunAt == nil {
		t.Errorf("task bookkeeping = %+v", updated)
	}
	if !updated.NextRunAt.After(*current) {
		t.Errorf("next run %v not advanced past %v", updated.NextRunAt, *current)
	}

	// The same session is reused on the next fire.
	*current = updated.NextRunAt.Add(time.Second)
	s.Tick(ctx)
	if len(executor.requests) != 2 || executor.requests[1].SessionID != session.ID {
		t.Errorf("second fire did not reuse the task session")
	}
}

func TestTick_RetriesThenRecordsFailure(t *testing.T) {
	executor := &fakeExecutor{errs: []error{
		errors.New("boom"), errors.New("boom"), errors.New("boom"),
	}}
	s, stores, current, delays := newSchedulerWithSleeps(t, executor)
	ctx := context.Background()

	task := staticTask("t1")
	task.MaxRetries = 2
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	*current = task.NextRunAt.Add(time.Second)
	s.Tick(ctx)

	if len(executor.requests) != 3 {
		t.Fatalf("attempts = %d, want 3 (1 + 2 retries)", len(executor.requests))
	}
	runs, _ := stores.Tasks.ListRuns(ctx, "t1", 10)
	if len(runs) != 1 || runs[0].Status != models.TaskRunFailed || runs[0].Error == "" {
		t.Errorf("run = %+v, want failed with error", runs[0])
	}

	// Attempts are spaced by growing backoff, not replayed back to back.
	got := *delays
	if len(got) != 2 {
		t.Fatalf("backoff sleeps = %d, want 2", len(got))
	}
	if got[0] <= 0 || got[1] <= got[0] {
		t.Errorf("delays = %v, want positive and growing", got)
	}
}

func TestTick_DoesNotRetryTerminalRejections(t *testing.T) {
	budgetErr := nexuserr.New(nexuserr.KindBudgetExceeded, "daily budget exhausted")
	executor := &fakeExecutor{errs: []error{budgetErr, budgetErr, budgetErr}}
	s, stores, current, delays := newSchedulerWithSleeps(t, executor)
	ctx := context.Background()

	task := staticTask("t1")
	task.MaxRetries = 2
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	*current = task.NextRunAt.Add(time.Second)
	s.Tick(ctx)

	// A budget rejection would fail identically on every attempt.
	if len(executor.requests) != 1 {
		t.Fatalf("attempts = %d, want 1: business rejections are not retried", len(executor.requests))
	}
	if len(*delays) != 0 {
		t.Errorf("backoff sleeps = %v, want none", *delays)
	}
	runs, _ := stores.Tasks.ListRuns(ctx, "t1", 10)
	if len(runs) != 1 || runs[0].Status != models.TaskRunFailed {
		t.Errorf("run = %+v, want failed", runs[0])
	}
}

func TestPauseResume(t *testing.T) {
	executor := &fakeExecutor{}
	s, _, current := newScheduler(t, executor)
	ctx := context.Background()

	task := staticTask("t1")
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := s.PauseTask(ctx, "t1"); err != nil {
		t.Fatalf("PauseTask: %v", err)
	}

	*current = current.Add(time.Hour)
	s.Tick(ctx)
	if len(executor.requests) != 0 {
		t.Fatal("paused task fired")
	}

	resumed, err := s.ResumeTask(ctx, "t1")
	if err != nil {
		t.Fatalf("ResumeTask: %v", err)
	}
	if resumed.Status != models.TaskActive {
		t.Errorf("status = %s, want active", resumed.Status)
	}
	if !resumed.NextRunAt.After(*current) {
		t.Errorf("resume did not recompute the fire time: %v", resumed.NextRunAt)
	}
}
