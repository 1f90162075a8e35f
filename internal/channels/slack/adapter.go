// Package slack receives Slack Events API callbacks and posts agent replies
// with chat.postMessage.
package slack

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/haasonsaas/nexus-core/internal/inbound"
	"github.com/haasonsaas/nexus-core/pkg/models"
	"github.com/haasonsaas/nexus-core/pkg/nexuserr"
)

// Poster is the slice of the Slack client the adapter needs. Satisfied by
// *slack.Client.
type Poster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Config holds the Slack adapter configuration.
type Config struct {
	// BotToken is the xoxb- token used for chat.postMessage.
	BotToken string

	// ProjectID is the project all Slack conversations belong to.
	ProjectID string

	Logger *slog.Logger
}

// Adapter normalises Slack event payloads and sends replies.
type Adapter struct {
	client    Poster
	projectID string
	logger    *slog.Logger
}

// NewAdapter creates a Slack adapter.
func NewAdapter(cfg Config) (*Adapter, error) {
	if cfg.BotToken == "" {
		return nil, nexuserr.New(nexuserr.KindValidation, "slack: bot token is required")
	}
	if cfg.ProjectID == "" {
		return nil, nexuserr.New(nexuserr.KindValidation, "slack: project id is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Adapter{
		client:    slack.New(cfg.BotToken),
		projectID: cfg.ProjectID,
		logger:    cfg.Logger,
	}, nil
}

// ParseWebhook handles one Events API request body. A url_verification
// payload returns the challenge to echo back; event callbacks return the
// normalised messages (zero for events the agent ignores).
func (a *Adapter) ParseWebhook(body []byte) (challenge string, msgs []inbound.Message, err error) {
	event, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		return "", nil, nexuserr.Wrap(nexuserr.KindValidation, "slack: parse event", err)
	}

	switch event.Type {
	case slackevents.URLVerification:
		var resp slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", nil, nexuserr.Wrap(nexuserr.KindValidation, "slack: parse challenge", err)
		}
		return resp.Challenge, nil, nil

	case slackevents.CallbackEvent:
		switch ev := event.InnerEvent.Data.(type) {
		case *slackevents.MessageEvent:
			if msg, ok := a.normalizeMessage(ev); ok {
				msgs = append(msgs, msg)
			}
		case *slackevents.AppMentionEvent:
			msgs = append(msgs, a.normalizeMention(ev))
		}
	}
	return "", msgs, nil
}

// normalizeMessage filters out bot echoes and edits, then maps the event to
// the canonical inbound form. Threads keep their own conversation.
func (a *Adapter) normalizeMessage(ev *slackevents.MessageEvent) (inbound.Message, bool) {
	if ev.BotID != "" || ev.SubType != "" || ev.Text == "" {
		return inbound.Message{}, false
	}
	threadTS := ev.ThreadTimeStamp
	if threadTS == "" {
		threadTS = ev.TimeStamp
	}
	return inbound.Message{
		ProjectID:       a.projectID,
		Channel:         models.ChannelSlack,
		ConversationKey: ev.Channel + ":" + threadTS,
		SenderID:        ev.User,
		Text:            stripMentions(ev.Text),
		Metadata: map[string]any{
			"slack_channel": ev.Channel,
			"thread_ts":     threadTS,
		},
	}, true
}

func (a *Adapter) normalizeMention(ev *slackevents.AppMentionEvent) inbound.Message {
	threadTS := ev.ThreadTimeStamp
	if threadTS == "" {
		threadTS = ev.TimeStamp
	}
	return inbound.Message{
		ProjectID:       a.projectID,
		Channel:         models.ChannelSlack,
		ConversationKey: ev.Channel + ":" + threadTS,
		SenderID:        ev.User,
		Text:            stripMentions(ev.Text),
		Metadata: map[string]any{
			"slack_channel": ev.Channel,
			"thread_ts":     threadTS,
		},
	}
}

// stripMentions removes <@USERID> tokens so the agent sees plain text.
func stripMentions(text string) string {
	for {
		start := strings.Index(text, "<@")
		if start < 0 {
			break
		}
		end := strings.Index(text[start:], ">")
		if end < 0 {
			break
		}
		text = text[:start] + text[start+end+1:]
	}
	return strings.TrimSpace(text)
}

// SendReply posts the agent reply into the originating channel and thread.
// Shaped as an inbound.ReplyFunc.
func (a *Adapter) SendReply(ctx context.Context, session *models.Session, _ inbound.Message, reply string) {
	channelID, threadTS, ok := strings.Cut(session.Key, ":")
	if !ok {
		a.logger.Error("slack session has a malformed key", "session_id", session.ID, "key", session.Key)
		return
	}
	options := []slack.MsgOption{slack.MsgOptionText(reply, false)}
	if threadTS != "" {
		options = append(options, slack.MsgOptionTS(threadTS))
	}
	if _, _, err := a.client.PostMessageContext(ctx, channelID, options...); err != nil {
		a.logger.Error("slack post failed", "channel", channelID, "error", err)
	}
}
