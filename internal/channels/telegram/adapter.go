// Package telegram receives Telegram updates over long polling and sends
// agent replies back through the Bot API.
package telegram

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/haasonsaas/nexus-core/internal/inbound"
	"github.com/haasonsaas/nexus-core/pkg/models"
	"github.com/haasonsaas/nexus-core/pkg/nexuserr"
)

// Dispatcher accepts normalised inbound messages. Satisfied by
// *inbound.Pipeline.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg inbound.Message) error
}

// Config holds the Telegram adapter configuration.
type Config struct {
	// Token is the bot token from @BotFather.
	Token string

	// ProjectID is the project all Telegram conversations belong to.
	ProjectID string

	Logger *slog.Logger
}

// Adapter bridges Telegram chats and the inbound pipeline. One chat maps to
// one conversation key (the decimal chat ID).
type Adapter struct {
	bot        *bot.Bot
	dispatcher Dispatcher
	projectID  string
	logger     *slog.Logger
}

// NewAdapter creates a Telegram adapter.
func NewAdapter(cfg Config, dispatcher Dispatcher) (*Adapter, error) {
	if cfg.Token == "" {
		return nil, nexuserr.New(nexuserr.KindValidation, "telegram: token is required")
	}
	if cfg.ProjectID == "" {
		return nil, nexuserr.New(nexuserr.KindValidation, "telegram: project id is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	a := &Adapter{
		dispatcher: dispatcher,
		projectID:  cfg.ProjectID,
		logger:     cfg.Logger,
	}
	b, err := bot.New(cfg.Token, bot.WithDefaultHandler(a.onUpdate))
	if err != nil {
		return nil, nexuserr.Wrap(nexuserr.KindInternal, "telegram: create bot", err)
	}
	a.bot = b
	return a, nil
}

// Start long-polls for updates until the context is cancelled.
func (a *Adapter) Start(ctx context.Context) {
	a.logger.Info("telegram adapter started", "project_id", a.projectID)
	a.bot.Start(ctx)
}

func (a *Adapter) onUpdate(ctx context.Context, _ *bot.Bot, update *tgmodels.Update) {
	msg, ok := normalizeUpdate(a.projectID, update)
	if !ok {
		return
	}
	if err := a.dispatcher.Dispatch(ctx, msg); err != nil {
		a.logger.Error("telegram dispatch failed",
			"conversation_key", msg.ConversationKey, "error", err)
	}
}

// normalizeUpdate maps a Telegram update to the canonical inbound form.
// Non-text updates (joins, stickers, edits) are ignored.
func normalizeUpdate(projectID string, update *tgmodels.Update) (inbound.Message, bool) {
	if update == nil || update.Message == nil || update.Message.Text == "" {
		return inbound.Message{}, false
	}
	m := update.Message
	senderID := ""
	if m.From != nil {
		senderID = strconv.FormatInt(m.From.ID, 10)
	}
	return inbound.Message{
		ProjectID:       projectID,
		Channel:         models.ChannelTelegram,
		ConversationKey: strconv.FormatInt(m.Chat.ID, 10),
		SenderID:        senderID,
		Text:            m.Text,
		Metadata:        map[string]any{"message_id": m.ID},
	}, true
}

// ParseWebhook normalises one webhook-mode update body. Returns false for
// updates the agent ignores.
func (a *Adapter) ParseWebhook(body []byte) (inbound.Message, bool, error) {
	var update tgmodels.Update
	if err := json.Unmarshal(body, &update); err != nil {
		return inbound.Message{}, false, nexuserr.Wrap(nexuserr.KindValidation, "telegram: parse update", err)
	}
	msg, ok := normalizeUpdate(a.projectID, &update)
	return msg, ok, nil
}

// SendReply delivers an agent reply to the chat a session is bound to.
// Shaped as an inbound.ReplyFunc.
func (a *Adapter) SendReply(ctx context.Context, session *models.Session, _ inbound.Message, reply string) {
	chatID, err := strconv.ParseInt(session.Key, 10, 64)
	if err != nil {
		a.logger.Error("telegram session has a non-numeric chat key",
			"session_id", session.ID, "key", session.Key)
		return
	}
	if _, err := a.bot.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: reply}); err != nil {
		a.logger.Error("telegram send failed", "chat_id", chatID, "error", err)
	}
}
