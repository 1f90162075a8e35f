package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/haasonsaas/nexus-core/pkg/models"
)

// PostgresConfig tunes the connection pool.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns pool defaults.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// NewPostgresStores opens a Postgres-backed StoreSet from a DSN.
func NewPostgresStores(dsn string, config *PostgresConfig) (StoreSet, error) {
	if strings.TrimSpace(dsn) == "" {
		return StoreSet{}, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return StoreSet{}, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return StoreSet{}, fmt.Errorf("ping database: %w", err)
	}

	return StoreSet{
		Configs:   &pgAgentConfigStore{db: db},
		Sessions:  &pgSessionStore{db: db},
		Messages:  &pgMessageStore{db: db},
		Traces:    &pgTraceStore{db: db},
		Approvals: &pgApprovalStore{db: db},
		Usage:     &pgUsageStore{db: db},
		Prompts:   &pgPromptStore{db: db},
		Tasks:     &pgTaskStore{db: db},
		closer:    db.Close,
	}, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

type pgAgentConfigStore struct{ db *sql.DB }

func (s *pgAgentConfigStore) Put(ctx context.Context, config *models.AgentConfig) error {
	if config == nil || config.ProjectID == "" {
		return fmt.Errorf("config with project id is required")
	}
	data, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_configs (project_id, config, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (project_id) DO UPDATE SET config = $2, updated_at = now()`,
		config.ProjectID, data)
	if err != nil {
		return fmt.Errorf("put agent config: %w", err)
	}
	return nil
}

func (s *pgAgentConfigStore) Get(ctx context.Context, projectID string) (*models.AgentConfig, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT config FROM agent_configs WHERE project_id = $1`, projectID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent config: %w", err)
	}
	var config models.AgentConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("unmarshal agent config: %w", err)
	}
	return &config, nil
}

func (s *pgAgentConfigStore) List(ctx context.Context) ([]*models.AgentConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT config FROM agent_configs ORDER BY project_id`)
	if err != nil {
		return nil, fmt.Errorf("list agent configs: %w", err)
	}
	defer rows.Close()

	var configs []*models.AgentConfig
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan agent config: %w", err)
		}
		var config models.AgentConfig
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("unmarshal agent config: %w", err)
		}
		configs = append(configs, &config)
	}
	return configs, rows.Err()
}

type pgSessionStore struct{ db *sql.DB }

func (s *pgSessionStore) Create(ctx context.Context, session *models.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("session with id is required")
	}
	metadata, err := json.Marshal(session.Metadata)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, project_id, channel, channel_key, status, metadata, created_at, updated_at)
		 VALUES ($1,$2,$3,NULLIF($4,''),$5,$6,$7,$8)`,
		session.ID, session.ProjectID, session.Channel, session.Key,
		session.Status, metadata, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *pgSessionStore) Get(ctx context.Context, id string) (*models.Session, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`SELECT id, project_id, channel, COALESCE(channel_key, ''), status, metadata, created_at, updated_at
		 FROM sessions WHERE id = $1`, id))
}

func (s *pgSessionStore) GetByChannelKey(ctx context.Context, projectID string, channel models.ChannelType, key string) (*models.Session, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`SELECT id, project_id, channel, COALESCE(channel_key, ''), status, metadata, created_at, updated_at
		 FROM sessions WHERE project_id = $1 AND channel = $2 AND channel_key = $3`,
		projectID, channel, key))
}

func (s *pgSessionStore) scanOne(row *sql.Row) (*models.Session, error) {
	var session models.Session
	var metadata []byte
	err := row.Scan(&session.ID, &session.ProjectID, &session.Channel, &session.Key,
		&session.Status, &metadata, &session.CreatedAt, &session.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &session.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal session metadata: %w", err)
		}
	}
	return &session, nil
}

func (s *pgSessionStore) Update(ctx context.Context, session *models.Session) error {
	metadata, err := json.Marshal(session.Metadata)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = $2, metadata = $3, updated_at = $4 WHERE id = $1`,
		session.ID, session.Status, metadata, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgSessionStore) List(ctx context.Context, projectID string, limit, offset int) ([]*models.Session, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM sessions WHERE project_id = $1`, projectID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, channel, COALESCE(channel_key, ''), status, metadata, created_at, updated_at
		 FROM sessions WHERE project_id = $1
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, projectID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		var session models.Session
		var metadata []byte
		if err := rows.Scan(&session.ID, &session.ProjectID, &session.Channel, &session.Key,
			&session.Status, &metadata, &session.CreatedAt, &session.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan session: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &session.Metadata); err != nil {
				return nil, 0, fmt.Errorf("unmarshal session metadata: %w", err)
			}
		}
		sessions = append(sessions, &session)
	}
	return sessions, total, rows.Err()
}

type pgMessageStore struct{ db *sql.DB }

func (s *pgMessageStore) Append(ctx context.Context, message *models.Message) error {
	if message == nil || message.SessionID == "" {
		return fmt.Errorf("message with session id is required")
	}
	toolCalls, err := json.Marshal(message.ToolCalls)
	if err != nil {
		return fmt.Errorf("marshal tool calls: %w", err)
	}
	toolResults, err := json.Marshal(message.ToolResults)
	if err != nil {
		return fmt.Errorf("marshal tool results: %w", err)
	}
	metadata, err := json.Marshal(message.Metadata)
	if err != nil {
		return fmt.Errorf("marshal message metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, tool_calls, tool_results, trace_id, metadata, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,NULLIF($7,''),$8,$9)`,
		message.ID, message.SessionID, message.Role, message.Content,
		toolCalls, toolResults, message.TraceID, metadata, message.CreatedAt)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *pgMessageStore) ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]*models.Message, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM messages WHERE session_id = $1`, sessionID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, tool_calls, tool_results, COALESCE(trace_id, ''), metadata, created_at
		 FROM messages WHERE session_id = $1
		 ORDER BY created_at, id LIMIT $2 OFFSET $3`, sessionID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		var message models.Message
		var toolCalls, toolResults, metadata []byte
		if err := rows.Scan(&message.ID, &message.SessionID, &message.Role, &message.Content,
			&toolCalls, &toolResults, &message.TraceID, &metadata, &message.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan message: %w", err)
		}
		if err := json.Unmarshal(toolCalls, &message.ToolCalls); err != nil {
			return nil, 0, fmt.Errorf("unmarshal tool calls: %w", err)
		}
		if err := json.Unmarshal(toolResults, &message.ToolResults); err != nil {
			return nil, 0, fmt.Errorf("unmarshal tool results: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &message.Metadata); err != nil {
				return nil, 0, fmt.Errorf("unmarshal message metadata: %w", err)
			}
		}
		messages = append(messages, &message)
	}
	return messages, total, rows.Err()
}

type pgTraceStore struct{ db *sql.DB }

func (s *pgTraceStore) Create(ctx context.Context, trace *models.ExecutionTrace) error {
	events, snapshot, err := marshalTraceParts(trace)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO traces (id, project_id, session_id, prompt_snapshot, events, total_duration_ms, total_tokens_used, total_cost_usd, turn_count, status, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		trace.ID, trace.ProjectID, trace.SessionID, snapshot, events,
		trace.TotalDurationMs, trace.TotalTokensUsed, trace.TotalCostUSD,
		trace.TurnCount, trace.Status, trace.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create trace: %w", err)
	}
	return nil
}

func (s *pgTraceStore) Update(ctx context.Context, trace *models.ExecutionTrace) error {
	events, snapshot, err := marshalTraceParts(trace)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE traces SET prompt_snapshot = $2, events = $3, total_duration_ms = $4,
		 total_tokens_used = $5, total_cost_usd = $6, turn_count = $7, status = $8
		 WHERE id = $1`,
		trace.ID, snapshot, events, trace.TotalDurationMs, trace.TotalTokensUsed,
		trace.TotalCostUSD, trace.TurnCount, trace.Status)
	if err != nil {
		return fmt.Errorf("update trace: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func marshalTraceParts(trace *models.ExecutionTrace) (events, snapshot []byte, err error) {
	if trace == nil || trace.ID == "" {
		return nil, nil, fmt.Errorf("trace with id is required")
	}
	events, err = json.Marshal(trace.Events)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal trace events: %w", err)
	}
	snapshot, err = json.Marshal(trace.PromptSnapshot)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal prompt snapshot: %w", err)
	}
	return events, snapshot, nil
}

func (s *pgTraceStore) Get(ctx context.Context, id string) (*models.ExecutionTrace, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, session_id, prompt_snapshot, events, total_duration_ms, total_tokens_used, total_cost_usd, turn_count, status, created_at
		 FROM traces WHERE id = $1`, id)
	return scanTrace(row.Scan)
}

func (s *pgTraceStore) ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]*models.ExecutionTrace, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM traces WHERE session_id = $1`, sessionID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count traces: %w", err)
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, session_id, prompt_snapshot, events, total_duration_ms, total_tokens_used, total_cost_usd, turn_count, status, created_at
		 FROM traces WHERE session_id = $1 ORDER BY created_at LIMIT $2 OFFSET $3`,
		sessionID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list traces: %w", err)
	}
	defer rows.Close()

	var traces []*models.ExecutionTrace
	for rows.Next() {
		trace, err := scanTrace(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		traces = append(traces, trace)
	}
	return traces, total, rows.Err()
}

func scanTrace(scan func(...any) error) (*models.ExecutionTrace, error) {
	var trace models.ExecutionTrace
	var snapshot, events []byte
	err := scan(&trace.ID, &trace.ProjectID, &trace.SessionID, &snapshot, &events,
		&trace.TotalDurationMs, &trace.TotalTokensUsed, &trace.TotalCostUSD,
		&trace.TurnCount, &trace.Status, &trace.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan trace: %w", err)
	}
	if err := json.Unmarshal(snapshot, &trace.PromptSnapshot); err != nil {
		return nil, fmt.Errorf("unmarshal prompt snapshot: %w", err)
	}
	if err := json.Unmarshal(events, &trace.Events); err != nil {
		return nil, fmt.Errorf("unmarshal trace events: %w", err)
	}
	return &trace, nil
}

type pgApprovalStore struct{ db *sql.DB }

func (s *pgApprovalStore) Create(ctx context.Context, approval *models.Approval) error {
	if approval == nil || approval.ID == "" {
		return fmt.Errorf("approval with id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approvals (id, project_id, session_id, tool_call_id, tool_id, tool_input, risk_level, status, requested_at, expires_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		approval.ID, approval.ProjectID, approval.SessionID, approval.ToolCallID,
		approval.ToolID, []byte(approval.ToolInput), approval.RiskLevel,
		approval.Status, approval.RequestedAt, approval.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create approval: %w", err)
	}
	return nil
}

func (s *pgApprovalStore) Get(ctx context.Context, id string) (*models.Approval, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, session_id, tool_call_id, tool_id, tool_input, risk_level, status, requested_at, expires_at,
		        COALESCE(resolved_by, ''), resolved_at, COALESCE(note, '')
		 FROM approvals WHERE id = $1`, id)
	return scanApproval(row.Scan)
}

func (s *pgApprovalStore) ListPending(ctx context.Context, projectID string, now time.Time) ([]*models.Approval, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, session_id, tool_call_id, tool_id, tool_input, risk_level, status, requested_at, expires_at,
		        COALESCE(resolved_by, ''), resolved_at, COALESCE(note, '')
		 FROM approvals
		 WHERE status = 'pending' AND expires_at > $2 AND ($1 = '' OR project_id = $1)
		 ORDER BY requested_at`, projectID, now)
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	defer rows.Close()

	var approvals []*models.Approval
	for rows.Next() {
		approval, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, approval)
	}
	return approvals, rows.Err()
}

func scanApproval(scan func(...any) error) (*models.Approval, error) {
	var approval models.Approval
	var input []byte
	var resolvedAt sql.NullTime
	err := scan(&approval.ID, &approval.ProjectID, &approval.SessionID, &approval.ToolCallID,
		&approval.ToolID, &input, &approval.RiskLevel, &approval.Status,
		&approval.RequestedAt, &approval.ExpiresAt, &approval.ResolvedBy, &resolvedAt, &approval.Note)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan approval: %w", err)
	}
	approval.ToolInput = json.RawMessage(input)
	if resolvedAt.Valid {
		approval.ResolvedAt = &resolvedAt.Time
	}
	return &approval, nil
}

func (s *pgApprovalStore) MarkResolved(ctx context.Context, id string, status models.ApprovalStatus, resolvedBy, note string, resolvedAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = $2, resolved_by = $3, note = $4, resolved_at = $5
		 WHERE id = $1 AND status = 'pending'`,
		id, status, resolvedBy, note, resolvedAt)
	if err != nil {
		return false, fmt.Errorf("resolve approval: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected > 0 {
		return true, nil
	}
	// Distinguish a lost race from an unknown ID.
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM approvals WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check approval: %w", err)
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (s *pgApprovalStore) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = 'expired', resolved_at = $1
		 WHERE status = 'pending' AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("expire approvals: %w", err)
	}
	affected, _ := result.RowsAffected()
	return int(affected), nil
}

type pgUsageStore struct{ db *sql.DB }

func (s *pgUsageStore) Record(ctx context.Context, record *models.UsageRecord) error {
	if record == nil || record.TraceID == "" {
		return fmt.Errorf("usage record with trace id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records (project_id, session_id, trace_id, turn_index, model, input_tokens, output_tokens, cost_usd, recorded_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		 ON CONFLICT (trace_id, turn_index) DO NOTHING`,
		record.ProjectID, record.SessionID, record.TraceID, record.TurnIndex,
		record.Model, record.InputTokens, record.OutputTokens, record.CostUSD, record.Timestamp)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

func (s *pgUsageStore) SpentInRange(ctx context.Context, projectID string, from, to time.Time) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(sum(cost_usd), 0) FROM usage_records
		 WHERE project_id = $1 AND recorded_at >= $2 AND recorded_at < $3`,
		projectID, from, to).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum usage: %w", err)
	}
	return total, nil
}

func (s *pgUsageStore) TurnsInSession(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM usage_records WHERE session_id = $1`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count turns: %w", err)
	}
	return count, nil
}

type pgPromptStore struct{ db *sql.DB }

func (s *pgPromptStore) PutLayer(ctx context.Context, layer *models.PromptLayer) error {
	if layer == nil || layer.ID == "" {
		return fmt.Errorf("layer with id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if layer.IsActive {
		if _, err := tx.ExecContext(ctx,
			`UPDATE prompt_layers SET is_active = false
			 WHERE project_id = $1 AND layer_type = $2 AND is_active AND id <> $3`,
			layer.ProjectID, layer.LayerType, layer.ID); err != nil {
			return fmt.Errorf("deactivate layers: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO prompt_layers (id, project_id, layer_type, version, content, is_active, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (id) DO UPDATE SET content = $5, is_active = $6`,
		layer.ID, layer.ProjectID, layer.LayerType, layer.Version,
		layer.Content, layer.IsActive, layer.CreatedAt); err != nil {
		return fmt.Errorf("put layer: %w", err)
	}
	return tx.Commit()
}

func (s *pgPromptStore) GetActiveLayers(ctx context.Context, projectID string) (map[models.LayerType]*models.PromptLayer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, layer_type, version, content, is_active, created_at
		 FROM prompt_layers WHERE project_id = $1 AND is_active`, projectID)
	if err != nil {
		return nil, fmt.Errorf("get active layers: %w", err)
	}
	defer rows.Close()

	active := make(map[models.LayerType]*models.PromptLayer)
	for rows.Next() {
		var layer models.PromptLayer
		if err := rows.Scan(&layer.ID, &layer.ProjectID, &layer.LayerType, &layer.Version,
			&layer.Content, &layer.IsActive, &layer.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan layer: %w", err)
		}
		active[layer.LayerType] = &layer
	}
	return active, rows.Err()
}

func (s *pgPromptStore) ListLayers(ctx context.Context, projectID string) ([]*models.PromptLayer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, layer_type, version, content, is_active, created_at
		 FROM prompt_layers WHERE project_id = $1 ORDER BY layer_type, version`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list layers: %w", err)
	}
	defer rows.Close()

	var layers []*models.PromptLayer
	for rows.Next() {
		var layer models.PromptLayer
		if err := rows.Scan(&layer.ID, &layer.ProjectID, &layer.LayerType, &layer.Version,
			&layer.Content, &layer.IsActive, &layer.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan layer: %w", err)
		}
		layers = append(layers, &layer)
	}
	return layers, rows.Err()
}

type pgTaskStore struct{ db *sql.DB }

func (s *pgTaskStore) Create(ctx context.Context, task *models.ScheduledTask) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("task with id is required")
	}
	payload, err := json.Marshal(task.TaskPayload)
	if err != nil {
		return fmt.Errorf("marshal task payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_tasks (id, project_id, name, description, cron_expression, payload, origin, status,
		   max_retries, timeout_ms, budget_per_run_usd, max_duration_minutes, max_turns, run_count, last_run_at, next_run_at, proposed_by, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,NULLIF($17,''),$18)`,
		task.ID, task.ProjectID, task.Name, task.Description, task.CronExpression, payload,
		task.Origin, task.Status, task.MaxRetries, task.TimeoutMs, task.BudgetPerRunUSD,
		task.MaxDurationMinutes, task.MaxTurns, task.RunCount, task.LastRunAt, task.NextRunAt,
		task.ProposedBy, task.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *pgTaskStore) Get(ctx context.Context, id string) (*models.ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE id = $1`, id)
	return scanTask(row.Scan)
}

const taskSelect = `SELECT id, project_id, name, COALESCE(description, ''), cron_expression, payload, origin, status,
  max_retries, timeout_ms, budget_per_run_usd, max_duration_minutes, max_turns, run_count, last_run_at, next_run_at, COALESCE(proposed_by, ''), created_at
 FROM scheduled_tasks`

func scanTask(scan func(...any) error) (*models.ScheduledTask, error) {
	var task models.ScheduledTask
	var payload []byte
	var lastRunAt sql.NullTime
	err := scan(&task.ID, &task.ProjectID, &task.Name, &task.Description, &task.CronExpression,
		&payload, &task.Origin, &task.Status, &task.MaxRetries, &task.TimeoutMs,
		&task.BudgetPerRunUSD, &task.MaxDurationMinutes, &task.MaxTurns, &task.RunCount,
		&lastRunAt, &task.NextRunAt, &task.ProposedBy, &task.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	if err := json.Unmarshal(payload, &task.TaskPayload); err != nil {
		return nil, fmt.Errorf("unmarshal task payload: %w", err)
	}
	if lastRunAt.Valid {
		task.LastRunAt = &lastRunAt.Time
	}
	return &task, nil
}

func (s *pgTaskStore) Update(ctx context.Context, task *models.ScheduledTask) error {
	payload, err := json.Marshal(task.TaskPayload)
	if err != nil {
		return fmt.Errorf("marshal task payload: %w", err)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks SET name = $2, description = $3, cron_expression = $4, payload = $5,
		   status = $6, max_retries = $7, timeout_ms = $8, budget_per_run_usd = $9,
		   max_duration_minutes = $10, max_turns = $11, run_count = $12, last_run_at = $13, next_run_at = $14
		 WHERE id = $1`,
		task.ID, task.Name, task.Description, task.CronExpression, payload, task.Status,
		task.MaxRetries, task.TimeoutMs, task.BudgetPerRunUSD, task.MaxDurationMinutes,
		task.MaxTurns, task.RunCount, task.LastRunAt, task.NextRunAt)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgTaskStore) List(ctx context.Context, projectID string) ([]*models.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx,
		taskSelect+` WHERE ($1 = '' OR project_id = $1) ORDER BY created_at`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *pgTaskStore) ListDue(ctx context.Context, now time.Time) ([]*models.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx,
		taskSelect+` WHERE status = 'active' AND next_run_at <= $1 ORDER BY next_run_at`, now)
	if err != nil {
		return nil, fmt.Errorf("list due tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]*models.ScheduledTask, error) {
	var tasks []*models.ScheduledTask
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (s *pgTaskStore) CreateRun(ctx context.Context, run *models.TaskRun) error {
	if run == nil || run.TaskID == "" {
		return fmt.Errorf("run with task id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_task_runs (id, task_id, started_at, ended_at, status, trace_id, tokens_used, cost_usd, error)
		 VALUES ($1,$2,$3,$4,$5,NULLIF($6,''),$7,$8,NULLIF($9,''))`,
		run.ID, run.TaskID, run.StartedAt, run.EndedAt, run.Status,
		run.TraceID, run.TokensUsed, run.CostUSD, run.Error)
	if err != nil {
		return fmt.Errorf("create task run: %w", err)
	}
	return nil
}

func (s *pgTaskStore) UpdateRun(ctx context.Context, run *models.TaskRun) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_task_runs SET ended_at = $2, status = $3, trace_id = NULLIF($4,''),
		   tokens_used = $5, cost_usd = $6, error = NULLIF($7,'')
		 WHERE id = $1`,
		run.ID, run.EndedAt, run.Status, run.TraceID, run.TokensUsed, run.CostUSD, run.Error)
	if err != nil {
		return fmt.Errorf("update task run: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgTaskStore) ListRuns(ctx context.Context, taskID string, limit int) ([]*models.TaskRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, started_at, ended_at, status, COALESCE(trace_id, ''), tokens_used, cost_usd, COALESCE(error, '')
		 FROM scheduled_task_runs WHERE task_id = $1 ORDER BY started_at DESC LIMIT $2`,
		taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list task runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.TaskRun
	for rows.Next() {
		var run models.TaskRun
		var endedAt sql.NullTime
		if err := rows.Scan(&run.ID, &run.TaskID, &run.StartedAt, &endedAt, &run.Status,
			&run.TraceID, &run.TokensUsed, &run.CostUSD, &run.Error); err != nil {
			return nil, fmt.Errorf("scan task run: %w", err)
		}
		if endedAt.Valid {
			run.EndedAt = &endedAt.Time
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}
