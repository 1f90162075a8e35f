package chatwoot

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/haasonsaas/nexus-core/internal/inbound"
	"github.com/haasonsaas/nexus-core/pkg/models"
	"github.com/haasonsaas/nexus-core/pkg/nexuserr"
)

func testConfig() Config {
	return Config{
		BaseURL:       "https://chat.example.com",
		AccountID:     7,
		APIToken:      "token",
		WebhookSecret: "s3cret",
		ProjectID:     "p1",
	}
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	a, err := NewAdapter(testConfig())
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	body := []byte(`{"event":"message_created"}`)

	if err := a.VerifySignature(body, sign("s3cret", body)); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}
	if err := a.VerifySignature(body, sign("wrong", body)); !nexuserr.IsKind(err, nexuserr.KindValidation) {
		t.Errorf("forged signature: kind = %s, want VALIDATION_ERROR", nexuserr.KindOf(err))
	}
	if err := a.VerifySignature(body, "not-hex"); err == nil {
		t.Error("garbage signature accepted")
	}

	// No secret configured means no verification.
	cfg := testConfig()
	cfg.WebhookSecret = ""
	open, _ := NewAdapter(cfg)
	if err := open.VerifySignature(body, ""); err != nil {
		t.Errorf("unsigned webhook rejected without a secret: %v", err)
	}
}

func TestParseWebhook_IncomingMessage(t *testing.T) {
	a, _ := NewAdapter(testConfig())
	body := []byte(`{
		"event": "message_created",
		"message_type": "incoming",
		"private": false,
		"content": "where is my order?",
		"conversation": {"id": 321},
		"sender": {"id": 55, "name": "Grace"}
	}`)

	msg, ok, err := a.ParseWebhook(body)
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if !ok {
		t.Fatal("incoming message dropped")
	}
	if msg.Channel != models.ChannelChatwoot || msg.ConversationKey != "321" {
		t.Errorf("message = %+v", msg)
	}
	if msg.SenderID != "55" || msg.Text != "where is my order?" {
		t.Errorf("message = %+v", msg)
	}
}

func TestParseWebhook_FiltersNonAgentEvents(t *testing.T) {
	a, _ := NewAdapter(testConfig())
	cases := []struct {
		name string
		body string
	}{
		{"outgoing echo", `{"event":"message_created","message_type":"outgoing","content":"hi","conversation":{"id":1}}`},
		{"private note", `{"event":"message_created","message_type":"incoming","private":true,"content":"note","conversation":{"id":1}}`},
		{"other event", `{"event":"conversation_status_changed","conversation":{"id":1}}`},
		{"empty content", `{"event":"message_created","message_type":"incoming","conversation":{"id":1}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, ok, err := a.ParseWebhook([]byte(tc.body))
			if err != nil {
				t.Fatalf("ParseWebhook: %v", err)
			}
			if ok {
				t.Error("event should be filtered")
			}
		})
	}
}

func TestSendReply_CreatesOutgoingMessage(t *testing.T) {
	var got map[string]any
	var token, path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token = r.Header.Get("api_access_token")
		path = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.Write([]byte(`{"id": 9000}`))
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.BaseURL = server.URL
	a, err := NewAdapter(cfg)
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}

	session := &models.Session{ID: "s1", Key: "321"}
	a.SendReply(context.Background(), session, inbound.Message{}, "it ships tomorrow")

	if token != "token" {
		t.Errorf("api_access_token = %q", token)
	}
	if path != "/api/v1/accounts/7/conversations/321/messages" {
		t.Errorf("path = %q", path)
	}
	if got["content"] != "it ships tomorrow" || got["message_type"] != "outgoing" {
		t.Errorf("payload = %v", got)
	}
}
