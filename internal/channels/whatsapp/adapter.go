// Package whatsapp receives Meta Cloud API webhooks and sends agent replies
// through the Graph API.
package whatsapp

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/haasonsaas/nexus-core/internal/inbound"
	"github.com/haasonsaas/nexus-core/pkg/models"
	"github.com/haasonsaas/nexus-core/pkg/nexuserr"
)

const defaultGraphBaseURL = "https://graph.facebook.com/v19.0"

// Config holds the WhatsApp Cloud API adapter configuration.
type Config struct {
	// AccessToken is the system-user token for the Graph API.
	AccessToken string

	// PhoneNumberID is the sending phone number's Cloud API ID.
	PhoneNumberID string

	// VerifyToken is the shared secret echoed during webhook subscription.
	VerifyToken string

	// ProjectID is the project all WhatsApp conversations belong to.
	ProjectID string

	// GraphBaseURL overrides the Graph API endpoint, mainly for tests.
	GraphBaseURL string

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Validate applies defaults and rejects incomplete configuration.
func (c *Config) Validate() error {
	if c.AccessToken == "" {
		return nexuserr.New(nexuserr.KindValidation, "whatsapp: access token is required")
	}
	if c.PhoneNumberID == "" {
		return nexuserr.New(nexuserr.KindValidation, "whatsapp: phone number id is required")
	}
	if c.ProjectID == "" {
		return nexuserr.New(nexuserr.KindValidation, "whatsapp: project id is required")
	}
	if c.GraphBaseURL == "" {
		c.GraphBaseURL = defaultGraphBaseURL
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter normalises Cloud API webhook payloads and sends replies.
type Adapter struct {
	cfg Config
}

// NewAdapter creates a WhatsApp adapter.
func NewAdapter(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg}, nil
}

// VerifySubscription answers Meta's GET verification handshake. It returns
// the challenge to echo when hub.mode is "subscribe" and the token matches.
func (a *Adapter) VerifySubscription(query url.Values) (string, error) {
	mode := query.Get("hub.mode")
	token := query.Get("hub.verify_token")
	challenge := query.Get("hub.challenge")
	if mode != "subscribe" {
		return "", nexuserr.Newf(nexuserr.KindValidation, "whatsapp: unexpected hub.mode %q", mode)
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.cfg.VerifyToken)) != 1 {
		return "", nexuserr.New(nexuserr.KindValidation, "whatsapp: verify token mismatch")
	}
	return challenge, nil
}

// Cloud API webhook payload, trimmed to the fields the agent consumes.
type webhookPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []struct {
					ID   string `json:"id"`
					From string `json:"from"`
					Type string `json:"type"`
					Text struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// ParseWebhook extracts the text messages from one webhook delivery. Status
// updates and non-text message types produce no inbound messages.
func (a *Adapter) ParseWebhook(body []byte) ([]inbound.Message, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, nexuserr.Wrap(nexuserr.KindValidation, "whatsapp: parse webhook", err)
	}

	var msgs []inbound.Message
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			names := map[string]string{}
			for _, contact := range change.Value.Contacts {
				names[contact.WaID] = contact.Profile.Name
			}
			for _, m := range change.Value.Messages {
				if m.Type != "text" || m.Text.Body == "" {
					continue
				}
				msgs = append(msgs, inbound.Message{
					ProjectID:       a.cfg.ProjectID,
					Channel:         models.ChannelWhatsApp,
					ConversationKey: m.From,
					SenderID:        m.From,
					Text:            m.Text.Body,
					Metadata: map[string]any{
						"wa_message_id": m.ID,
						"sender_name":   names[m.From],
					},
				})
			}
		}
	}
	return msgs, nil
}

// SendReply posts the agent reply to the conversation's phone number.
// Shaped as an inbound.ReplyFunc.
func (a *Adapter) SendReply(ctx context.Context, session *models.Session, _ inbound.Message, reply string) {
	if err := a.sendText(ctx, session.Key, reply); err != nil {
		a.cfg.Logger.Error("whatsapp send failed", "to", session.Key, "error", err)
	}
}

func (a *Adapter) sendText(ctx context.Context, to, text string) error {
	payload, err := json.Marshal(map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "text",
		"text":              map[string]string{"body": text},
	})
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/%s/messages", a.cfg.GraphBaseURL, a.cfg.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nexuserr.Newf(nexuserr.KindInternal, "whatsapp: graph api returned %d: %s", resp.StatusCode, body)
	}
	return nil
}
