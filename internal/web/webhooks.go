package web

import (
	"io"
	"net/http"

	"github.com/haasonsaas/nexus-core/internal/inbound"
)

// maxWebhookBody bounds inbound webhook payloads.
const maxWebhookBody = 1 << 20

// handleWebhook ingests platform webhooks. The platform's delivery budget
// is short, so the payload is parsed, queued and acknowledged with
// 200 {ok: true} regardless of what the turn later does. Malformed or
// irrelevant payloads are also acknowledged to stop redelivery storms.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.ackWebhook(w)
		return
	}

	switch provider {
	case "telegram":
		if s.cfg.Telegram == nil {
			break
		}
		msg, ok, err := s.cfg.Telegram.ParseWebhook(body)
		if err != nil {
			s.logger.Warn("telegram webhook rejected", "error", err)
		} else if ok {
			s.dispatch(r, msg)
		}

	case "whatsapp":
		if s.cfg.WhatsApp == nil {
			break
		}
		msgs, err := s.cfg.WhatsApp.ParseWebhook(body)
		if err != nil {
			s.logger.Warn("whatsapp webhook rejected", "error", err)
		}
		for _, msg := range msgs {
			s.dispatch(r, msg)
		}

	case "slack":
		if s.cfg.Slack == nil {
			break
		}
		challenge, msgs, err := s.cfg.Slack.ParseWebhook(body)
		if err != nil {
			s.logger.Warn("slack webhook rejected", "error", err)
			break
		}
		if challenge != "" {
			w.Header().Set("Content-Type", "text/plain")
			w.Write([]byte(challenge))
			return
		}
		for _, msg := range msgs {
			s.dispatch(r, msg)
		}

	default:
		s.logger.Warn("webhook for unknown provider", "provider", provider)
	}

	s.ackWebhook(w)
}

// handleWhatsAppVerify answers Meta's GET subscription handshake.
func (s *Server) handleWhatsAppVerify(w http.ResponseWriter, r *http.Request) {
	if s.cfg.WhatsApp == nil {
		http.Error(w, "whatsapp channel is not configured", http.StatusNotFound)
		return
	}
	challenge, err := s.cfg.WhatsApp.VerifySubscription(r.URL.Query())
	if err != nil {
		http.Error(w, "verification failed", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(challenge))
}

// handleChatwootWebhook validates the HMAC signature before anything else;
// a mismatch is the one webhook case that does not get a 200.
func (s *Server) handleChatwootWebhook(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Chatwoot == nil {
		s.ackWebhook(w)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.ackWebhook(w)
		return
	}
	if err := s.cfg.Chatwoot.VerifySignature(body, r.Header.Get("x-chatwoot-api-signature")); err != nil {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}
	msg, ok, err := s.cfg.Chatwoot.ParseWebhook(body)
	if err != nil {
		s.logger.Warn("chatwoot webhook rejected", "error", err)
	} else if ok {
		s.dispatch(r, msg)
	}
	s.ackWebhook(w)
}

func (s *Server) dispatch(r *http.Request, msg inbound.Message) {
	if err := s.cfg.Pipeline.Dispatch(r.Context(), msg); err != nil {
		s.logger.Error("webhook dispatch failed",
			"channel", msg.Channel,
			"conversation_key", msg.ConversationKey,
			"error", err)
	}
}

func (s *Server) ackWebhook(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
