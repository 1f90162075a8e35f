// Package web serves the HTTP API: chat, session, approval and tool
// management plus the channel webhook endpoints.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/nexus-core/internal/approval"
	"github.com/haasonsaas/nexus-core/internal/channels/chatwoot"
	slackchannel "github.com/haasonsaas/nexus-core/internal/channels/slack"
	"github.com/haasonsaas/nexus-core/internal/channels/telegram"
	"github.com/haasonsaas/nexus-core/internal/channels/whatsapp"
	"github.com/haasonsaas/nexus-core/internal/inbound"
	"github.com/haasonsaas/nexus-core/internal/storage"
	"github.com/haasonsaas/nexus-core/internal/tools"
)

// Config wires the server's dependencies. Channel adapters are optional;
// a webhook for an unconfigured channel answers 200 and drops the payload.
type Config struct {
	Stores   storage.StoreSet
	Registry *tools.Registry
	Executor inbound.Executor
	Gate     *approval.Gate
	Pipeline *inbound.Pipeline

	Telegram *telegram.Adapter
	Slack    *slackchannel.Adapter
	WhatsApp *whatsapp.Adapter
	Chatwoot *chatwoot.Adapter

	ListenAddr   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Logger *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	cfg    Config
	logger *slog.Logger
	http   *http.Server
}

// NewServer builds the server and its routing table.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{cfg: cfg, logger: cfg.Logger}
	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the routing table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", countRequests("/healthz", s.handleHealth))
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /api/v1/chat", countRequests("/api/v1/chat", s.handleChat))

	mux.HandleFunc("POST /api/v1/projects/{id}/sessions",
		countRequests("/api/v1/projects/{id}/sessions", s.handleCreateSession))
	mux.HandleFunc("GET /api/v1/projects/{id}/sessions",
		countRequests("/api/v1/projects/{id}/sessions", s.handleListSessions))
	mux.HandleFunc("GET /api/v1/sessions/{id}",
		countRequests("/api/v1/sessions/{id}", s.handleGetSession))
	mux.HandleFunc("PATCH /api/v1/sessions/{id}/status",
		countRequests("/api/v1/sessions/{id}/status", s.handleSessionStatus))
	mux.HandleFunc("GET /api/v1/sessions/{id}/messages",
		countRequests("/api/v1/sessions/{id}/messages", s.handleSessionMessages))
	mux.HandleFunc("GET /api/v1/sessions/{id}/traces",
		countRequests("/api/v1/sessions/{id}/traces", s.handleSessionTraces))

	mux.HandleFunc("GET /api/v1/projects/{id}/approvals/pending",
		countRequests("/api/v1/projects/{id}/approvals/pending", s.handlePendingApprovals))
	mux.HandleFunc("GET /api/v1/approvals/{id}",
		countRequests("/api/v1/approvals/{id}", s.handleGetApproval))
	mux.HandleFunc("POST /api/v1/approvals/{id}/resolve",
		countRequests("/api/v1/approvals/{id}/resolve", s.handleResolveApproval))

	mux.HandleFunc("GET /api/v1/tools", countRequests("/api/v1/tools", s.handleListTools))
	mux.HandleFunc("GET /api/v1/tools/categories",
		countRequests("/api/v1/tools/categories", s.handleToolCategories))
	mux.HandleFunc("GET /api/v1/tools/{id}", countRequests("/api/v1/tools/{id}", s.handleGetTool))
	mux.HandleFunc("GET /api/v1/agents/{id}/tools",
		countRequests("/api/v1/agents/{id}/tools", s.handleGetAgentTools))
	mux.HandleFunc("PUT /api/v1/agents/{id}/tools",
		countRequests("/api/v1/agents/{id}/tools", s.handlePutAgentTools))

	mux.HandleFunc("POST /webhooks/{provider}/{integrationId}",
		countRequests("/webhooks/{provider}/{integrationId}", s.handleWebhook))
	mux.HandleFunc("GET /webhooks/whatsapp/{id}/verify",
		countRequests("/webhooks/whatsapp/{id}/verify", s.handleWhatsAppVerify))
	mux.HandleFunc("POST /webhooks/chatwoot",
		countRequests("/webhooks/chatwoot", s.handleChatwootWebhook))

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", "addr", s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
