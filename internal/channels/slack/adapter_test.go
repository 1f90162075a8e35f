package slack

import (
	"context"
	"log/slog"
	"testing"

	"github.com/slack-go/slack"

	"github.com/haasonsaas/nexus-core/internal/inbound"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

type recordingPoster struct {
	channels []string
	options  [][]slack.MsgOption
}

func (p *recordingPoster) PostMessageContext(_ context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	p.channels = append(p.channels, channelID)
	p.options = append(p.options, options)
	return channelID, "1724500000.000100", nil
}

func newAdapter() *Adapter {
	return &Adapter{projectID: "p1", logger: slog.Default()}
}

func TestParseWebhook_URLVerification(t *testing.T) {
	body := []byte(`{"type":"url_verification","challenge":"abc123","token":"tok"}`)
	challenge, msgs, err := newAdapter().ParseWebhook(body)
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if challenge != "abc123" {
		t.Errorf("challenge = %q, want abc123", challenge)
	}
	if len(msgs) != 0 {
		t.Errorf("messages = %d, want 0", len(msgs))
	}
}

func TestParseWebhook_MessageEvent(t *testing.T) {
	body := []byte(`{
		"type": "event_callback",
		"event": {
			"type": "message",
			"user": "U123",
			"text": "<@UBOT> what is on my calendar?",
			"channel": "C456",
			"ts": "1724500000.000100"
		}
	}`)
	challenge, msgs, err := newAdapter().ParseWebhook(body)
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if challenge != "" {
		t.Errorf("challenge = %q, want empty", challenge)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	msg := msgs[0]
	if msg.Channel != models.ChannelSlack || msg.ProjectID != "p1" {
		t.Errorf("message = %+v", msg)
	}
	if msg.ConversationKey != "C456:1724500000.000100" {
		t.Errorf("conversation key = %s", msg.ConversationKey)
	}
	if msg.Text != "what is on my calendar?" {
		t.Errorf("mention not stripped: %q", msg.Text)
	}
}

func TestParseWebhook_ThreadKeepsItsConversation(t *testing.T) {
	body := []byte(`{
		"type": "event_callback",
		"event": {
			"type": "message",
			"user": "U123",
			"text": "follow-up",
			"channel": "C456",
			"ts": "1724500099.000200",
			"thread_ts": "1724500000.000100"
		}
	}`)
	_, msgs, err := newAdapter().ParseWebhook(body)
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ConversationKey != "C456:1724500000.000100" {
		t.Errorf("thread reply mapped to %+v", msgs)
	}
}

func TestParseWebhook_IgnoresBotEchoes(t *testing.T) {
	body := []byte(`{
		"type": "event_callback",
		"event": {
			"type": "message",
			"bot_id": "B999",
			"text": "I am the agent",
			"channel": "C456",
			"ts": "1724500000.000300"
		}
	}`)
	_, msgs, err := newAdapter().ParseWebhook(body)
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("bot echo produced %d messages", len(msgs))
	}
}

func TestSendReply_PostsIntoThread(t *testing.T) {
	poster := &recordingPoster{}
	a := &Adapter{client: poster, projectID: "p1", logger: slog.Default()}

	session := &models.Session{ID: "s1", Key: "C456:1724500000.000100"}
	a.SendReply(context.Background(), session, inbound.Message{}, "on it")

	if len(poster.channels) != 1 || poster.channels[0] != "C456" {
		t.Fatalf("posted channels = %v", poster.channels)
	}
	// Text + thread timestamp options.
	if len(poster.options[0]) != 2 {
		t.Errorf("options = %d, want 2", len(poster.options[0]))
	}
}

func TestStripMentions(t *testing.T) {
	cases := []struct{ in, want string }{
		{"<@U1> hi", "hi"},
		{"hi <@U1> and <@U2> there", "hi and there"},
		{"plain", "plain"},
	}
	for _, tc := range cases {
		if got := stripMentions(tc.in); got != tc.want {
			t.Errorf("stripMentions(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
