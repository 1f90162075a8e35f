// Package inbound funnels messages from every channel into the runner.
// Messages for the same conversation are processed strictly in arrival
// order; different conversations proceed in parallel.
package inbound

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus-core/internal/runner"
	"github.com/haasonsaas/nexus-core/internal/storage"
	"github.com/haasonsaas/nexus-core/pkg/models"
	"github.com/haasonsaas/nexus-core/pkg/nexuserr"
)

// Message is one normalised inbound message from any channel.
type Message struct {
	ProjectID       string
	Channel         models.ChannelType
	ConversationKey string
	SenderID        string
	Text            string
	Metadata        map[string]any
}

// Executor runs one agent turn. Satisfied by *runner.Runner.
type Executor interface {
	Run(ctx context.Context, req runner.Request) (*runner.Result, error)
}

// ReplyFunc delivers the agent's reply back to the channel that sent the
// message. Called only for successful turns with a non-empty reply.
type ReplyFunc func(ctx context.Context, session *models.Session, msg Message, reply string)

// Pipeline serialises inbound messages per conversation and executes them.
type Pipeline struct {
	sessions   storage.SessionStore
	executor   Executor
	onReply    ReplyFunc
	logger     *slog.Logger
	jobTimeout time.Duration

	mu     sync.Mutex
	queues map[string]chan job
	closed bool
	wg     sync.WaitGroup
}

type job struct {
	ctx context.Context
	msg Message
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithJobTimeout bounds one queued turn. Default 5 minutes.
func WithJobTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.jobTimeout = d }
}

// New creates a pipeline.
func New(sessions storage.SessionStore, executor Executor, onReply ReplyFunc, opts ...Option) *Pipeline {
	p := &Pipeline{
		sessions:   sessions,
		executor:   executor,
		onReply:    onReply,
		logger:     slog.Default(),
		jobTimeout: 5 * time.Minute,
		queues:     make(map[string]chan job),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Dispatch enqueues a message on its conversation's queue and returns
// immediately. Ordering within a conversation follows Dispatch order.
func (p *Pipeline) Dispatch(ctx context.Context, msg Message) error {
	if msg.ProjectID == "" || msg.ConversationKey == "" {
		return nexuserr.New(nexuserr.KindValidation, "inbound message needs a project and conversation key")
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nexuserr.New(nexuserr.KindInternal, "inbound pipeline is shut down")
	}
	key := msg.ProjectID + "|" + string(msg.Channel) + "|" + msg.ConversationKey
	queue, ok := p.queues[key]
	if !ok {
		queue = make(chan job, 64)
		p.queues[key] = queue
		p.wg.Add(1)
		go p.worker(queue)
	}
	p.mu.Unlock()

	// The webhook handler's context dies when it returns 200; the queued
	// work must not die with it.
	select {
	case queue <- job{ctx: context.WithoutCancel(ctx), msg: msg}:
		return nil
	default:
		return nexuserr.Newf(nexuserr.KindRateLimitExceeded,
			"conversation %s has a full inbound queue", msg.ConversationKey)
	}
}

// Close stops accepting messages and drains every queue.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, queue := range p.queues {
		close(queue)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pipeline) worker(queue chan job) {
	defer p.wg.Done()
	for j := range queue {
		p.process(j.ctx, j.msg)
	}
}

func (p *Pipeline) process(ctx context.Context, msg Message) {
	ctx, cancel := context.WithTimeout(ctx, p.jobTimeout)
	defer cancel()

	session, err := p.ResolveSession(ctx, msg)
	if err != nil {
		p.logger.Error("session resolution failed",
			"project_id", msg.ProjectID,
			"channel", msg.Channel,
			"conversation_key", msg.ConversationKey,
			"error", err)
		return
	}

	result, err := p.executor.Run(ctx, runner.Request{
		ProjectID: msg.ProjectID,
		SessionID: session.ID,
		Message:   msg.Text,
	})
	if err != nil {
		p.logger.Error("turn failed",
			"session_id", session.ID,
			"kind", string(nexuserr.KindOf(err)),
			"error", err)
		return
	}
	if p.onReply != nil && result.Reply != "" {
		p.onReply(ctx, session, msg, result.Reply)
	}
}

// ResolveSession finds or creates the session owning a conversation. A
// create that loses the race falls back to the winner; a key that can
// neither be read nor created reports CHANNEL_COLLISION.
func (p *Pipeline) ResolveSession(ctx context.Context, msg Message) (*models.Session, error) {
	session, err := p.sessions.GetByChannelKey(ctx, msg.ProjectID, msg.Channel, msg.ConversationKey)
	if err == nil {
		return session, nil
	}
	if err != storage.ErrNotFound {
		return nil, nexuserr.Wrap(nexuserr.KindInternal, "resolve session", err)
	}

	session = &models.Session{
		ID:        uuid.NewString(),
		ProjectID: msg.ProjectID,
		Channel:   msg.Channel,
		Key:       msg.ConversationKey,
		Status:    models.SessionActive,
		Metadata:  map[string]any{"sender_id": msg.SenderID},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := p.sessions.Create(ctx, session); err != nil {
		if err != storage.ErrAlreadyExists {
			return nil, nexuserr.Wrap(nexuserr.KindInternal, "create session", err)
		}
		winner, getErr := p.sessions.GetByChannelKey(ctx, msg.ProjectID, msg.Channel, msg.ConversationKey)
		if getErr != nil {
			return nil, nexuserr.Newf(nexuserr.KindChannelCollision,
				"conversation key %q on %s collided and cannot be resolved", msg.ConversationKey, msg.Channel)
		}
		return winner, nil
	}
	return session, nil
}
