package models

import "time"

// TaskOrigin records who created a scheduled task.
type TaskOrigin string

const (
	TaskOriginStatic        TaskOrigin = "static"
	TaskOriginAgentProposed TaskOrigin = "agent_proposed"
)

// TaskStatus is the lifecycle state of a scheduled task.
type TaskStatus string

const (
	TaskProposed  TaskStatus = "proposed"
	TaskActive    TaskStatus = "active"
	TaskPaused    TaskStatus = "paused"
	TaskFailed    TaskStatus = "failed"
	TaskCompleted TaskStatus = "completed"
)

// TaskPayload is the synthesised input delivered to the agent at fire time.
type TaskPayload struct {
	Message string `json:"message"`
}

// ScheduledTask is a cron-driven agent invocation. Agent-proposed tasks
// start in the proposed state and are not scheduled until externally
// approved into active.
type ScheduledTask struct {
	ID                 string      `json:"id"`
	ProjectID          string      `json:"project_id"`
	Name               string      `json:"name"`
	Description        string      `json:"description,omitempty"`
	CronExpression     string      `json:"cron_expression"`
	TaskPayload        TaskPayload `json:"task_payload"`
	Origin             TaskOrigin  `json:"origin"`
	Status             TaskStatus  `json:"status"`
	MaxRetries         int         `json:"max_retries"`
	TimeoutMs          int         `json:"timeout_ms"`
	BudgetPerRunUSD    float64     `json:"budget_per_run_usd"`
	MaxDurationMinutes int         `json:"max_duration_minutes"`
	MaxTurns           int         `json:"max_turns"`
	RunCount           int         `json:"run_count"`
	LastRunAt          *time.Time  `json:"last_run_at,omitempty"`
	NextRunAt          time.Time   `json:"next_run_at"`
	ProposedBy         string      `json:"proposed_by,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
}

// TaskRunStatus is the terminal (or running) state of one task run.
type TaskRunStatus string

const (
	TaskRunRunning   TaskRunStatus = "running"
	TaskRunCompleted TaskRunStatus = "completed"
	TaskRunFailed    TaskRunStatus = "failed"
	TaskRunTimeout   TaskRunStatus = "timeout"
)

// TaskRun records a single execution of a scheduled task.
type TaskRun struct {
	ID         string        `json:"id"`
	TaskID     string        `json:"task_id"`
	StartedAt  time.Time     `json:"started_at"`
	EndedAt    *time.Time    `json:"ended_at,omitempty"`
	Status     TaskRunStatus `json:"status"`
	TraceID    string        `json:"trace_id,omitempty"`
	TokensUsed int           `json:"tokens_used,omitempty"`
	CostUSD    float64       `json:"cost_usd,omitempty"`
	Error      string        `json:"error,omitempty"`
}
