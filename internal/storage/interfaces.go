// Package storage defines the persistence interfaces for the runtime and
// provides in-memory and Postgres-backed implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/nexus-core/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// AgentConfigStore persists per-project agent configurations.
type AgentConfigStore interface {
	Put(ctx context.Context, config *models.AgentConfig) error
	Get(ctx context.Context, projectID string) (*models.AgentConfig, error)
	List(ctx context.Context) ([]*models.AgentConfig, error)
}

// SessionStore persists conversation sessions. Create fails with
// ErrAlreadyExists when another session holds the same
// (project, channel, key) identity.
type SessionStore interface {
	Create(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	GetByChannelKey(ctx context.Context, projectID string, channel models.ChannelType, key string) (*models.Session, error)
	Update(ctx context.Context, session *models.Session) error
	List(ctx context.Context, projectID string, limit, offset int) ([]*models.Session, int, error)
}

// MessageStore persists the ordered message log of each session.
type MessageStore interface {
	Append(ctx context.Context, message *models.Message) error
	ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]*models.Message, int, error)
}

// TraceStore persists execution traces. A trace's events and aggregates are
// written together on Update.
type TraceStore interface {
	Create(ctx context.Context, trace *models.ExecutionTrace) error
	Update(ctx context.Context, trace *models.ExecutionTrace) error
	Get(ctx context.Context, id string) (*models.ExecutionTrace, error)
	ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]*models.ExecutionTrace, int, error)
}

// ApprovalStore persists human-in-the-loop approvals. MarkResolved performs
// the pending->terminal transition atomically and reports false when the
// approval was no longer pending.
type ApprovalStore interface {
	Create(ctx context.Context, approval *models.Approval) error
	Get(ctx context.Context, id string) (*models.Approval, error)
	ListPending(ctx context.Context, projectID string, now time.Time) ([]*models.Approval, error)
	MarkResolved(ctx context.Context, id string, status models.ApprovalStatus, resolvedBy, note string, resolvedAt time.Time) (bool, error)
	// ExpireDue marks every pending approval past its deadline as expired
	// and returns how many were swept.
	ExpireDue(ctx context.Context, now time.Time) (int, error)
}

// UsageStore persists billing records. Record is idempotent by
// (trace_id, turn_index): a duplicate write is silently ignored.
type UsageStore interface {
	Record(ctx context.Context, record *models.UsageRecord) error
	SpentInRange(ctx context.Context, projectID string, from, to time.Time) (float64, error)
	TurnsInSession(ctx context.Context, sessionID string) (int, error)
}

// PromptStore persists versioned prompt layers. Activating a layer
// deactivates the previous active layer of the same (project, type).
type PromptStore interface {
	PutLayer(ctx context.Context, layer *models.PromptLayer) error
	GetActiveLayers(ctx context.Context, projectID string) (map[models.LayerType]*models.PromptLayer, error)
	ListLayers(ctx context.Context, projectID string) ([]*models.PromptLayer, error)
}

// TaskStore persists scheduled tasks and their runs.
type TaskStore interface {
	Create(ctx context.Context, task *models.ScheduledTask) error
	Get(ctx context.Context, id string) (*models.ScheduledTask, error)
	Update(ctx context.Context, task *models.ScheduledTask) error
	List(ctx context.Context, projectID string) ([]*models.ScheduledTask, error)
	// ListDue returns active tasks whose next fire time is at or before now.
	ListDue(ctx context.Context, now time.Time) ([]*models.ScheduledTask, error)

	CreateRun(ctx context.Context, run *models.TaskRun) error
	UpdateRun(ctx context.Context, run *models.TaskRun) error
	ListRuns(ctx context.Context, taskID string, limit int) ([]*models.TaskRun, error)
}

// StoreSet groups the storage dependencies handed to the runtime at boot.
type StoreSet struct {
	Configs   AgentConfigStore
	Sessions  SessionStore
	Messages  MessageStore
	Traces    TraceStore
	Approvals ApprovalStore
	Usage     UsageStore
	Prompts   PromptStore
	Tasks     TaskStore

	closer func() error
}

// Close releases any underlying resources.
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
