// Package chatwoot receives Chatwoot webhooks and posts agent replies back
// to the originating conversation.
package chatwoot

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/haasonsaas/nexus-core/internal/inbound"
	"github.com/haasonsaas/nexus-core/pkg/models"
	"github.com/haasonsaas/nexus-core/pkg/nexuserr"
)

// Config holds the Chatwoot adapter configuration.
type Config struct {
	// BaseURL is the Chatwoot installation, e.g. https://app.chatwoot.com.
	BaseURL string

	// AccountID is the Chatwoot account the agent operates in.
	AccountID int

	// APIToken authenticates outbound message creation.
	APIToken string

	// WebhookSecret signs inbound webhooks. Empty disables verification.
	WebhookSecret string

	// ProjectID is the project all Chatwoot conversations belong to.
	ProjectID string

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Validate applies defaults and rejects incomplete configuration.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return nexuserr.New(nexuserr.KindValidation, "chatwoot: base url is required")
	}
	if c.AccountID <= 0 {
		return nexuserr.New(nexuserr.KindValidation, "chatwoot: account id is required")
	}
	if c.APIToken == "" {
		return nexuserr.New(nexuserr.KindValidation, "chatwoot: api token is required")
	}
	if c.ProjectID == "" {
		return nexuserr.New(nexuserr.KindValidation, "chatwoot: project id is required")
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter normalises Chatwoot webhook payloads and sends replies.
type Adapter struct {
	cfg Config
}

// NewAdapter creates a Chatwoot adapter.
func NewAdapter(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg}, nil
}

// VerifySignature checks the hex HMAC-SHA256 of the raw request body
// carried in the X-Chatwoot-Signature header. Verification is skipped when
// no secret is configured.
func (a *Adapter) VerifySignature(body []byte, signature string) error {
	if a.cfg.WebhookSecret == "" {
		return nil
	}
	mac := hmac.New(sha256.New, []byte(a.cfg.WebhookSecret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(signature), []byte(want)) {
		return nexuserr.New(nexuserr.KindValidation, "chatwoot: webhook signature mismatch")
	}
	return nil
}

// Webhook payload, trimmed to the fields the agent consumes.
type webhookPayload struct {
	Event        string `json:"event"`
	MessageType  string `json:"message_type"`
	Private      bool   `json:"private"`
	Content      string `json:"content"`
	Conversation struct {
		ID int `json:"id"`
	} `json:"conversation"`
	Sender struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	} `json:"sender"`
}

// ParseWebhook extracts the inbound message from one webhook delivery.
// Only incoming, non-private message_created events reach the agent; the
// rest (agent echoes, notes, status changes) return (zero, false).
func (a *Adapter) ParseWebhook(body []byte) (inbound.Message, bool, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return inbound.Message{}, false, nexuserr.Wrap(nexuserr.KindValidation, "chatwoot: parse webhook", err)
	}
	if payload.Event != "message_created" || payload.MessageType != "incoming" || payload.Private {
		return inbound.Message{}, false, nil
	}
	if payload.Content == "" || payload.Conversation.ID == 0 {
		return inbound.Message{}, false, nil
	}
	return inbound.Message{
		ProjectID:       a.cfg.ProjectID,
		Channel:         models.ChannelChatwoot,
		ConversationKey: strconv.Itoa(payload.Conversation.ID),
		SenderID:        strconv.Itoa(payload.Sender.ID),
		Text:            payload.Content,
		Metadata:        map[string]any{"sender_name": payload.Sender.Name},
	}, true, nil
}

// SendReply creates an outgoing message in the session's conversation.
// Shaped as an inbound.ReplyFunc.
func (a *Adapter) SendReply(ctx context.Context, session *models.Session, _ inbound.Message, reply string) {
	conversationID, err := strconv.Atoi(session.Key)
	if err != nil {
		a.cfg.Logger.Error("chatwoot session has a non-numeric conversation key",
			"session_id", session.ID, "key", session.Key)
		return
	}
	if err := a.createMessage(ctx, conversationID, reply); err != nil {
		a.cfg.Logger.Error("chatwoot send failed", "conversation_id", conversationID, "error", err)
	}
}

func (a *Adapter) createMessage(ctx context.Context, conversationID int, content string) error {
	payload, err := json.Marshal(map[string]any{
		"content":      content,
		"message_type": "outgoing",
	})
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/api/v1/accounts/%d/conversations/%d/messages",
		a.cfg.BaseURL, a.cfg.AccountID, conversationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("api_access_token", a.cfg.APIToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nexuserr.Newf(nexuserr.KindInternal, "chatwoot: api returned %d: %s", resp.StatusCode, body)
	}
	return nil
}
