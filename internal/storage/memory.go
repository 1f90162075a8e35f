package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus-core/pkg/models"
)

// NewMemoryStores creates a fully in-memory StoreSet for tests and
// single-process deployments.
func NewMemoryStores() StoreSet {
	return StoreSet{
		Configs:   NewMemoryAgentConfigStore(),
		Sessions:  NewMemorySessionStore(),
		Messages:  NewMemoryMessageStore(),
		Traces:    NewMemoryTraceStore(),
		Approvals: NewMemoryApprovalStore(),
		Usage:     NewMemoryUsageStore(),
		Prompts:   NewMemoryPromptStore(),
		Tasks:     NewMemoryTaskStore(),
	}
}

// MemoryAgentConfigStore is an in-memory AgentConfigStore.
type MemoryAgentConfigStore struct {
	mu      sync.RWMutex
	configs map[string]models.AgentConfig
}

// NewMemoryAgentConfigStore creates an in-memory config store.
func NewMemoryAgentConfigStore() *MemoryAgentConfigStore {
	return &MemoryAgentConfigStore{configs: make(map[string]models.AgentConfig)}
}

func (s *MemoryAgentConfigStore) Put(_ context.Context, config *models.AgentConfig) error {
	if config == nil || config.ProjectID == "" {
		return fmt.Errorf("config with project id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[config.ProjectID] = *config
	return nil
}

func (s *MemoryAgentConfigStore) Get(_ context.Context, projectID string) (*models.AgentConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	config, ok := s.configs[projectID]
	if !ok {
		return nil, ErrNotFound
	}
	out := config
	return &out, nil
}

func (s *MemoryAgentConfigStore) List(_ context.Context) ([]*models.AgentConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	configs := make([]*models.AgentConfig, 0, len(s.configs))
	for _, c := range s.configs {
		out := c
		configs = append(configs, &out)
	}
	sort.Slice(configs, func(i, j int) bool { return configs[i].ProjectID < configs[j].ProjectID })
	return configs, nil
}

// MemorySessionStore is an in-memory SessionStore.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]models.Session
	byKey    map[string]string
}

// NewMemorySessionStore creates an in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]models.Session),
		byKey:    make(map[string]string),
	}
}

func channelKey(projectID string, channel models.ChannelType, key string) string {
	return projectID + "\x00" + string(channel) + "\x00" + key
}

func (s *MemorySessionStore) Create(_ context.Context, session *models.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("session with id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.ID]; exists {
		return ErrAlreadyExists
	}
	if session.Key != "" {
		ck := channelKey(session.ProjectID, session.Channel, session.Key)
		if _, exists := s.byKey[ck]; exists {
			return ErrAlreadyExists
		}
		s.byKey[ck] = session.ID
	}
	s.sessions[session.ID] = *session
	return nil
}

func (s *MemorySessionStore) Get(_ context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := session
	return &out, nil
}

func (s *MemorySessionStore) GetByChannelKey(_ context.Context, projectID string, channel models.ChannelType, key string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[channelKey(projectID, channel, key)]
	if !ok {
		return nil, ErrNotFound
	}
	session := s.sessions[id]
	out := session
	return &out, nil
}

func (s *MemorySessionStore) Update(_ context.Context, session *models.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("session with id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.ID]; !exists {
		return ErrNotFound
	}
	s.sessions[session.ID] = *session
	return nil
}

func (s *MemorySessionStore) List(_ context.Context, projectID string, limit, offset int) ([]*models.Session, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []*models.Session
	for _, session := range s.sessions {
		if projectID != "" && session.ProjectID != projectID {
			continue
		}
		out := session
		all = append(all, &out)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return paginate(all, limit, offset)
}

// MemoryMessageStore is an in-memory MessageStore.
type MemoryMessageStore struct {
	mu       sync.RWMutex
	messages map[string][]models.Message
}

// NewMemoryMessageStore creates an in-memory message store.
func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{messages: make(map[string][]models.Message)}
}

func (s *MemoryMessageStore) Append(_ context.Context, message *models.Message) error {
	if message == nil || message.SessionID == "" {
		return fmt.Errorf("message with session id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	s.messages[message.SessionID] = append(s.messages[message.SessionID], *message)
	return nil
}

func (s *MemoryMessageStore) ListBySession(_ context.Context, sessionID string, limit, offset int) ([]*models.Message, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.messages[sessionID]
	all := make([]*models.Message, len(stored))
	for i := range stored {
		out := stored[i]
		all[i] = &out
	}
	return paginate(all, limit, offset)
}

// MemoryTraceStore is an in-memory TraceStore.
type MemoryTraceStore struct {
	mu     sync.RWMutex
	traces map[string]models.ExecutionTrace
}

// NewMemoryTraceStore creates an in-memory trace store.
func NewMemoryTraceStore() *MemoryTraceStore {
	return &MemoryTraceStore{traces: make(map[string]models.ExecutionTrace)}
}

func (s *MemoryTraceStore) Create(_ context.Context, trace *models.ExecutionTrace) error {
	if trace == nil || trace.ID == "" {
		return fmt.Errorf("trace with id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.traces[trace.ID]; exists {
		return ErrAlreadyExists
	}
	s.traces[trace.ID] = cloneTrace(trace)
	return nil
}

func (s *MemoryTraceStore) Update(_ context.Context, trace *models.ExecutionTrace) error {
	if trace == nil || trace.ID == "" {
		return fmt.Errorf("trace with id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.traces[trace.ID]; !exists {
		return ErrNotFound
	}
	s.traces[trace.ID] = cloneTrace(trace)
	return nil
}

func (s *MemoryTraceStore) Get(_ context.Context, id string) (*models.ExecutionTrace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	trace, ok := s.traces[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneTrace(&trace)
	return &out, nil
}

func (s *MemoryTraceStore) ListBySession(_ context.Context, sessionID string, limit, offset int) ([]*models.ExecutionTrace, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []*models.ExecutionTrace
	for id := range s.traces {
		trace := s.traces[id]
		if trace.SessionID != sessionID {
			continue
		}
		out := cloneTrace(&trace)
		all = append(all, &out)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return paginate(all, limit, offset)
}

func cloneTrace(trace *models.ExecutionTrace) models.ExecutionTrace {
	out := *trace
	out.Events = make([]models.TraceEvent, len(trace.Events))
	copy(out.Events, trace.Events)
	return out
}

// MemoryApprovalStore is an in-memory ApprovalStore.
type MemoryApprovalStore struct {
	mu        sync.RWMutex
	approvals map[string]models.Approval
}

// NewMemoryApprovalStore creates an in-memory approval store.
func NewMemoryApprovalStore() *MemoryApprovalStore {
	return &MemoryApprovalStore{approvals: make(map[string]models.Approval)}
}

func (s *MemoryApprovalStore) Create(_ context.Context, approval *models.Approval) error {
	if approval == nil || approval.ID == "" {
		return fmt.Errorf("approval with id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.approvals[approval.ID]; exists {
		return ErrAlreadyExists
	}
	s.approvals[approval.ID] = *approval
	return nil
}

func (s *MemoryApprovalStore) Get(_ context.Context, id string) (*models.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	approval, ok := s.approvals[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := approval
	return &out, nil
}

func (s *MemoryApprovalStore) ListPending(_ context.Context, projectID string, now time.Time) ([]*models.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var pending []*models.Approval
	for id := range s.approvals {
		approval := s.approvals[id]
		if approval.Status != models.ApprovalPending {
			continue
		}
		if projectID != "" && approval.ProjectID != projectID {
			continue
		}
		if !approval.ExpiresAt.After(now) {
			continue
		}
		out := approval
		pending = append(pending, &out)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].RequestedAt.Before(pending[j].RequestedAt) })
	return pending, nil
}

func (s *MemoryApprovalStore) MarkResolved(_ context.Context, id string, status models.ApprovalStatus, resolvedBy, note string, resolvedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	approval, ok := s.approvals[id]
	if !ok {
		return false, ErrNotFound
	}
	if approval.Status != models.ApprovalPending {
		return false, nil
	}
	approval.Status = status
	approval.ResolvedBy = resolvedBy
	approval.Note = note
	approval.ResolvedAt = &resolvedAt
	s.approvals[id] = approval
	return true, nil
}

func (s *MemoryApprovalStore) ExpireDue(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	swept := 0
	for id, approval := range s.approvals {
		if approval.Status != models.ApprovalPending {
			continue
		}
		if approval.ExpiresAt.After(now) {
			continue
		}
		approval.Status = models.ApprovalExpired
		resolvedAt := now
		approval.ResolvedAt = &resolvedAt
		s.approvals[id] = approval
		swept++
	}
	return swept, nil
}

// MemoryUsageStore is an in-memory UsageStore.
type MemoryUsageStore struct {
	mu      sync.RWMutex
	records []models.UsageRecord
	dedup   map[string]struct{}
}

// NewMemoryUsageStore creates an in-memory usage store.
func NewMemoryUsageStore() *MemoryUsageStore {
	return &MemoryUsageStore{dedup: make(map[string]struct{})}
}

func usageKey(traceID string, turnIndex int) string {
	return fmt.Sprintf("%s#%d", traceID, turnIndex)
}

func (s *MemoryUsageStore) Record(_ context.Context, record *models.UsageRecord) error {
	if record == nil || record.TraceID == "" {
		return fmt.Errorf("usage record with trace id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := usageKey(record.TraceID, record.TurnIndex)
	if _, exists := s.dedup[key]; exists {
		return nil
	}
	s.dedup[key] = struct{}{}
	s.records = append(s.records, *record)
	return nil
}

func (s *MemoryUsageStore) SpentInRange(_ context.Context, projectID string, from, to time.Time) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0.0
	for _, r := range s.records {
		if r.ProjectID != projectID {
			continue
		}
		if r.Timestamp.Before(from) || !r.Timestamp.Before(to) {
			continue
		}
		total += r.CostUSD
	}
	return total, nil
}

func (s *MemoryUsageStore) TurnsInSession(_ context.Context, sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, r := range s.records {
		if r.SessionID == sessionID {
			count++
		}
	}
	return count, nil
}

// MemoryPromptStore is an in-memory PromptStore.
type MemoryPromptStore struct {
	mu     sync.RWMutex
	layers map[string]models.PromptLayer
}

// NewMemoryPromptStore creates an in-memory prompt store.
func NewMemoryPromptStore() *MemoryPromptStore {
	return &MemoryPromptStore{layers: make(map[string]models.PromptLayer)}
}

func (s *MemoryPromptStore) PutLayer(_ context.Context, layer *models.PromptLayer) error {
	if layer == nil || layer.ID == "" {
		return fmt.Errorf("layer with id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if layer.IsActive {
		for id, existing := range s.layers {
			if existing.ProjectID == layer.ProjectID && existing.LayerType == layer.LayerType && existing.IsActive && id != layer.ID {
				existing.IsActive = false
				s.layers[id] = existing
			}
		}
	}
	s.layers[layer.ID] = *layer
	return nil
}

func (s *MemoryPromptStore) GetActiveLayers(_ context.Context, projectID string) (map[models.LayerType]*models.PromptLayer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	active := make(map[models.LayerType]*models.PromptLayer)
	for id := range s.layers {
		layer := s.layers[id]
		if layer.ProjectID != projectID || !layer.IsActive {
			continue
		}
		out := layer
		active[layer.LayerType] = &out
	}
	return active, nil
}

func (s *MemoryPromptStore) ListLayers(_ context.Context, projectID string) ([]*models.PromptLayer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var layers []*models.PromptLayer
	for id := range s.layers {
		layer := s.layers[id]
		if layer.ProjectID != projectID {
			continue
		}
		out := layer
		layers = append(layers, &out)
	}
	sort.Slice(layers, func(i, j int) bool {
		if layers[i].LayerType != layers[j].LayerType {
			return layers[i].LayerType < layers[j].LayerType
		}
		return layers[i].Version < layers[j].Version
	})
	return layers, nil
}

// MemoryTaskStore is an in-memory TaskStore.
type MemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[string]models.ScheduledTask
	runs  map[string][]models.TaskRun
}

// NewMemoryTaskStore creates an in-memory task store.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{
		tasks: make(map[string]models.ScheduledTask),
		runs:  make(map[string][]models.TaskRun),
	}
}

func (s *MemoryTaskStore) Create(_ context.Context, task *models.ScheduledTask) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("task with id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return ErrAlreadyExists
	}
	s.tasks[task.ID] = *task
	return nil
}

func (s *MemoryTaskStore) Get(_ context.Context, id string) (*models.ScheduledTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := task
	return &out, nil
}

func (s *MemoryTaskStore) Update(_ context.Context, task *models.ScheduledTask) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("task with id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; !exists {
		return ErrNotFound
	}
	s.tasks[task.ID] = *task
	return nil
}

func (s *MemoryTaskStore) List(_ context.Context, projectID string) ([]*models.ScheduledTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var tasks []*models.ScheduledTask
	for id := range s.tasks {
		task := s.tasks[id]
		if projectID != "" && task.ProjectID != projectID {
			continue
		}
		out := task
		tasks = append(tasks, &out)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return tasks, nil
}

func (s *MemoryTaskStore) ListDue(_ context.Context, now time.Time) ([]*models.ScheduledTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []*models.ScheduledTask
	for id := range s.tasks {
		task := s.tasks[id]
		if task.Status != models.TaskActive {
			continue
		}
		if task.NextRunAt.After(now) {
			continue
		}
		out := task
		due = append(due, &out)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRunAt.Before(due[j].NextRunAt) })
	return due, nil
}

func (s *MemoryTaskStore) CreateRun(_ context.Context, run *models.TaskRun) error {
	if run == nil || run.TaskID == "" {
		return fmt.Errorf("run with task id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	s.runs[run.TaskID] = append(s.runs[run.TaskID], *run)
	return nil
}

func (s *MemoryTaskStore) UpdateRun(_ context.Context, run *models.TaskRun) error {
	if run == nil || run.ID == "" {
		return fmt.Errorf("run with id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := s.runs[run.TaskID]
	for i := range runs {
		if runs[i].ID == run.ID {
			runs[i] = *run
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryTaskStore) ListRuns(_ context.Context, taskID string, limit int) ([]*models.TaskRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.runs[taskID]
	runs := make([]*models.TaskRun, 0, len(stored))
	for i := len(stored) - 1; i >= 0; i-- {
		out := stored[i]
		runs = append(runs, &out)
		if limit > 0 && len(runs) >= limit {
			break
		}
	}
	return runs, nil
}

// paginate applies limit/offset to a slice and returns the page plus total.
func paginate[T any](all []*T, limit, offset int) ([]*T, int, error) {
	total := len(all)
	if offset >= total {
		return []*T{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return all[offset:end], total, nil
}
