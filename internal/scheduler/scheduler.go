// Package scheduler fires cron-driven agent tasks. Tasks run in a dedicated
// session per task, identified by the channel key "task:<id>", so scheduled
// conversations accumulate history like any other channel.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/nexus-core/internal/agent"
	"github.com/haasonsaas/nexus-core/internal/runner"
	"github.com/haasonsaas/nexus-core/internal/storage"
	"github.com/haasonsaas/nexus-core/pkg/models"
	"github.com/haasonsaas/nexus-core/pkg/nexuserr"
)

// cronParser accepts standard 5-field expressions plus the @every and
// @hourly style descriptors.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Executor runs one agent turn. Satisfied by *runner.Runner.
type Executor interface {
	Run(ctx context.Context, req runner.Request) (*runner.Result, error)
}

// Scheduler owns the task lifecycle and the tick loop.
type Scheduler struct {
	stores   storage.StoreSet
	executor Executor
	tick     time.Duration
	logger   *slog.Logger
	now      func() time.Time
	rng      *rand.Rand
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithTick sets the poll interval. Ticks are capped at one minute so a due
// task never waits longer than one cron granule.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) { s.tick = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a scheduler.
func New(stores storage.StoreSet, executor Executor, opts ...Option) *Scheduler {
	s := &Scheduler{
		stores:   stores,
		executor: executor,
		tick:     time.Minute,
		logger:   slog.Default(),
		now:      time.Now,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tick <= 0 || s.tick > time.Minute {
		s.tick = time.Minute
	}
	return s
}

// ValidateCron parses an expression in the given timezone and returns the
// next three fire times, so callers can show a task author exactly when
// their schedule runs.
func ValidateCron(expr, timezone string) ([]time.Time, error) {
	loc, err := resolveLocation(timezone)
	if err != nil {
		return nil, err
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, nexuserr.Wrapf(err, nexuserr.KindValidation, "invalid cron expression %q", expr)
	}

	fires := make([]time.Time, 0, 3)
	next := time.Now().In(loc)
	for i := 0; i < 3; i++ {
		next = schedule.Next(next)
		fires = append(fires, next)
	}
	return fires, nil
}

func resolveLocation(timezone string) (*time.Location, error) {
	if timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, nexuserr.Wrapf(err, nexuserr.KindValidation, "unknown timezone %q", timezone)
	}
	return loc, nil
}

// CreateTask validates and persists a task. Static tasks activate
// immediately; agent-proposed tasks are stored as proposed and do not fire
// until approved.
func (s *Scheduler) CreateTask(ctx context.Context, task *models.ScheduledTask) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Name == "" {
		return nexuserr.New(nexuserr.KindValidation, "task name is required")
	}
	if task.TaskPayload.Message == "" {
		return nexuserr.New(nexuserr.KindValidation, "task payload message is required")
	}

	timezone, err := s.projectTimezone(ctx, task.ProjectID)
	if err != nil {
		return err
	}
	next, err := s.nextFire(task.CronExpression, timezone)
	if err != nil {
		return err
	}

	if task.Origin == models.TaskOriginAgentProposed {
		task.Status = models.TaskProposed
	} else if task.Status == "" {
		task.Status = models.TaskActive
	}
	task.NextRunAt = next
	task.CreatedAt = s.now()

	if err := s.stores.Tasks.Create(ctx, task); err != nil {
		if err == storage.ErrAlreadyExists {
			return nexuserr.Newf(nexuserr.KindConflict, "task %s already exists", task.ID)
		}
		return nexuserr.Wrap(nexuserr.KindInternal, "create task", err)
	}
	s.logger.Info("task created",
		"task_id", task.ID,
		"project_id", task.ProjectID,
		"cron", task.CronExpression,
		"status", task.Status,
		"next_run_at", task.NextRunAt)
	return nil
}

// ApproveTask activates an agent-proposed task.
func (s *Scheduler) ApproveTask(ctx context.Context, taskID string) (*models.ScheduledTask, error) {
	task, err := s.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskProposed {
		return nil, nexuserr.Newf(nexuserr.KindConflict, "task %s is %s, not proposed", taskID, task.Status)
	}

	timezone, err := s.projectTimezone(ctx, task.ProjectID)
	if err != nil {
		return nil, err
	}
	next, err := s.nextFire(task.CronExpression, timezone)
	if err != nil {
		return nil, err
	}

	task.Status = models.TaskActive
	task.NextRunAt = next
	if err := s.stores.Tasks.Update(ctx, task); err != nil {
		return nil, nexuserr.Wrap(nexuserr.KindInternal, "update task", err)
	}
	return task, nil
}

// PauseTask suspends firing without losing the task.
func (s *Scheduler) PauseTask(ctx context.Context, taskID string) (*models.ScheduledTask, error) {
	return s.setStatus(ctx, taskID, models.TaskActive, models.TaskPaused)
}

// ResumeTask reactivates a paused task and recomputes its next fire time.
func (s *Scheduler) ResumeTask(ctx context.Context, taskID string) (*models.ScheduledTask, error) {
	task, err := s.setStatus(ctx, taskID, models.TaskPaused, models.TaskActive)
	if err != nil {
		return nil, err
	}
	timezone, tzErr := s.projectTimezone(ctx, task.ProjectID)
	if tzErr != nil {
		return nil, tzErr
	}
	next, nextErr := s.nextFire(task.CronExpression, timezone)
	if nextErr != nil {
		return nil, nextErr
	}
	task.NextRunAt = next
	if err := s.stores.Tasks.Update(ctx, task); err != nil {
		return nil, nexuserr.Wrap(nexuserr.KindInternal, "update task", err)
	}
	return task, nil
}

func (s *Scheduler) setStatus(ctx context.Context, taskID string, from, to models.TaskStatus) (*models.ScheduledTask, error) {
	task, err := s.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != from {
		return nil, nexuserr.Newf(nexuserr.KindConflict, "task %s is %s, not %s", taskID, task.Status, from)
	}
	task.Status = to
	if err := s.stores.Tasks.Update(ctx, task); err != nil {
		return nil, nexuserr.Wrap(nexuserr.KindInternal, "update task", err)
	}
	return task, nil
}

func (s *Scheduler) getTask(ctx context.Context, taskID string) (*models.ScheduledTask, error) {
	task, err := s.stores.Tasks.Get(ctx, taskID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, nexuserr.Newf(nexuserr.KindNotFound, "task %s not found", taskID)
		}
		return nil, nexuserr.Wrap(nexuserr.KindInternal, "get task", err)
	}
	return task, nil
}

// Run polls for due tasks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every due task once. Exported so tests and the serve command
// can drive the scheduler without the ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	due, err := s.stores.Tasks.ListDue(ctx, s.now())
	if err != nil {
		s.logger.Error("list due tasks failed", "error", err)
		return
	}
	for _, task := range due {
		s.fire(ctx, task)
	}
}

func (s *Scheduler) fire(ctx context.Context, task *models.ScheduledTask) {
	run := &models.TaskRun{
		ID:        uuid.NewString(),
		TaskID:    task.ID,
		StartedAt: s.now(),
		Status:    models.TaskRunRunning,
	}
	if err := s.stores.Tasks.CreateRun(ctx, run); err != nil {
		s.logger.Error("create task run failed", "task_id", task.ID, "error", err)
		return
	}

	session, err := s.taskSession(ctx, task)
	if err != nil {
		s.finishRun(ctx, task, run, models.TaskRunFailed, nil, err)
		return
	}

	timeout := time.Duration(task.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	var result *runner.Result
	var runErr error
	for attempt := 0; attempt <= task.MaxRetries; attempt++ {
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		result, runErr = s.executor.Run(runCtx, runner.Request{
			ProjectID:          task.ProjectID,
			SessionID:          session.ID,
			Message:            task.TaskPayload.Message,
			MaxTurns:           task.MaxTurns,
			MaxDurationMinutes: task.MaxDurationMinutes,
			BudgetUSD:          task.BudgetPerRunUSD,
		})
		cancel()
		if runErr == nil || ctx.Err() != nil {
			break
		}
		if !retriableRun(runErr) {
			s.logger.Warn("task run failed terminally",
				"task_id", task.ID,
				"attempt", attempt+1,
				"error_kind", string(nexuserr.KindOf(runErr)),
				"error", runErr)
			break
		}
		if attempt == task.MaxRetries {
			break
		}
		delay := agent.BackoffDelay(attempt, s.rng)
		s.logger.Warn("task run attempt failed, retrying",
			"task_id", task.ID,
			"attempt", attempt+1,
			"max_retries", task.MaxRetries,
			"backoff", delay,
			"error", runErr)
		if s.sleep(ctx, delay) != nil {
			break
		}
	}

	status := models.TaskRunCompleted
	if runErr != nil {
		status = models.TaskRunFailed
		if nexuserr.IsKind(runErr, nexuserr.KindCancelled) {
			status = models.TaskRunTimeout
		}
	}
	s.finishRun(ctx, task, run, status, result, runErr)
}

func (s *Scheduler) finishRun(ctx context.Context, task *models.ScheduledTask, run *models.TaskRun, status models.TaskRunStatus, result *runner.Result, runErr error) {
	ended := s.now()
	run.EndedAt = &ended
	run.Status = status
	if result != nil {
		run.TraceID = result.TraceID
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	if err := s.stores.Tasks.UpdateRun(ctx, run); err != nil {
		s.logger.Error("update task run failed", "task_id", task.ID, "run_id", run.ID, "error", err)
	}

	task.RunCount++
	lastRun := run.StartedAt
	task.LastRunAt = &lastRun
	timezone, err := s.projectTimezone(ctx, task.ProjectID)
	if err == nil {
		if next, nextErr := s.nextFire(task.CronExpression, timezone); nextErr == nil {
			task.NextRunAt = next
		}
	}
	if err := s.stores.Tasks.Update(ctx, task); err != nil {
		s.logger.Error("update task failed", "task_id", task.ID, "error", err)
	}

	s.logger.Info("task run finished",
		"task_id", task.ID,
		"run_id", run.ID,
		"status", status,
		"next_run_at", task.NextRunAt)
}

// retriableRun reports whether a failed run is worth replaying. Business
// rejections are deterministic and would fail identically on every attempt.
func retriableRun(err error) bool {
	switch nexuserr.KindOf(err) {
	case nexuserr.KindValidation,
		nexuserr.KindNotFound,
		nexuserr.KindConflict,
		nexuserr.KindNoActivePrompt,
		nexuserr.KindUnknownTools,
		nexuserr.KindToolNotAllowed,
		nexuserr.KindToolInputValidation,
		nexuserr.KindBudgetExceeded,
		nexuserr.KindTokenLimitExceeded,
		nexuserr.KindTurnLimitExceeded:
		return false
	}
	return true
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

// taskSession resolves or creates the dedicated session for a task.
func (s *Scheduler) taskSession(ctx context.Context, task *models.ScheduledTask) (*models.Session, error) {
	key := "task:" + task.ID
	session, err := s.stores.Sessions.GetByChannelKey(ctx, task.ProjectID, models.ChannelCron, key)
	if err == nil {
		return session, nil
	}
	if err != storage.ErrNotFound {
		return nil, fmt.Errorf("resolve task session: %w", err)
	}

	session = &models.Session{
		ID:        uuid.NewString(),
		ProjectID: task.ProjectID,
		Channel:   models.ChannelCron,
		Key:       key,
		Status:    models.SessionActive,
		Metadata:  map[string]any{"task_id": task.ID, "task_name": task.Name},
		CreatedAt: s.now(),
		UpdatedAt: s.now(),
	}
	if err := s.stores.Sessions.Create(ctx, session); err != nil {
		if err == storage.ErrAlreadyExists {
			// Lost a race with a concurrent fire of the same task.
			return s.stores.Sessions.GetByChannelKey(ctx, task.ProjectID, models.ChannelCron, key)
		}
		return nil, fmt.Errorf("create task session: %w", err)
	}
	return session, nil
}

func (s *Scheduler) projectTimezone(ctx context.Context, projectID string) (string, error) {
	cfg, err := s.stores.Configs.Get(ctx, projectID)
	if err != nil {
		if err == storage.ErrNotFound {
			return "", nil
		}
		return "", nexuserr.Wrap(nexuserr.KindInternal, "load agent config", err)
	}
	return cfg.Timezone, nil
}

func (s *Scheduler) nextFire(expr, timezone string) (time.Time, error) {
	loc, err := resolveLocation(timezone)
	if err != nil {
		return time.Time{}, err
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, nexuserr.Wrapf(err, nexuserr.KindValidation, "invalid cron expression %q", expr)
	}
	return schedule.Next(s.now().In(loc)), nil
}
