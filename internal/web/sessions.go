package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus-core/internal/storage"
	"github.com/haasonsaas/nexus-core/pkg/models"
	"github.com/haasonsaas/nexus-core/pkg/nexuserr"
)

type createSessionRequest struct {
	Channel  models.ChannelType `json:"channel,omitempty"`
	Key      string             `json:"key,omitempty"`
	Metadata map[string]any     `json:"metadata,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")

	var req createSessionRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, nexuserr.Wrap(nexuserr.KindValidation, "invalid request body", err))
			return
		}
	}
	if req.Channel == "" {
		req.Channel = models.ChannelHTTP
	}

	session := &models.Session{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Channel:   req.Channel,
		Key:       req.Key,
		Status:    models.SessionActive,
		Metadata:  req.Metadata,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := s.cfg.Stores.Sessions.Create(r.Context(), session); err != nil {
		if err == storage.ErrAlreadyExists {
			writeError(w, nexuserr.Newf(nexuserr.KindConflict,
				"a session already exists for key %q on %s", req.Key, req.Channel))
			return
		}
		writeError(w, nexuserr.Wrap(nexuserr.KindInternal, "create session", err))
		return
	}
	writeData(w, http.StatusCreated, session)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.cfg.Stores.Sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, sessionError(r.PathValue("id"), err))
		return
	}
	writeData(w, http.StatusOK, session)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r, 50)
	sessions, total, err := s.cfg.Stores.Sessions.List(r.Context(), r.PathValue("id"), limit, offset)
	if err != nil {
		writeError(w, nexuserr.Wrap(nexuserr.KindInternal, "list sessions", err))
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

type sessionStatusRequest struct {
	Status models.SessionStatus `json:"status"`
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	var req sessionStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, nexuserr.Wrap(nexuserr.KindValidation, "invalid request body", err))
		return
	}
	switch req.Status {
	case models.SessionActive, models.SessionPaused, models.SessionClosed:
	default:
		writeError(w, nexuserr.Newf(nexuserr.KindValidation, "unknown session status %q", req.Status))
		return
	}

	session, err := s.cfg.Stores.Sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, sessionError(r.PathValue("id"), err))
		return
	}
	session.Status = req.Status
	session.UpdatedAt = time.Now()
	if err := s.cfg.Stores.Sessions.Update(r.Context(), session); err != nil {
		writeError(w, nexuserr.Wrap(nexuserr.KindInternal, "update session", err))
		return
	}
	writeData(w, http.StatusOK, session)
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if _, err := s.cfg.Stores.Sessions.Get(r.Context(), sessionID); err != nil {
		writeError(w, sessionError(sessionID, err))
		return
	}
	limit, offset := pageParams(r, 200)
	messages, total, err := s.cfg.Stores.Messages.ListBySession(r.Context(), sessionID, limit, offset)
	if err != nil {
		writeError(w, nexuserr.Wrap(nexuserr.KindInternal, "list messages", err))
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"messages": messages,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

func (s *Server) handleSessionTraces(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if _, err := s.cfg.Stores.Sessions.Get(r.Context(), sessionID); err != nil {
		writeError(w, sessionError(sessionID, err))
		return
	}
	limit, offset := pageParams(r, 50)
	traces, total, err := s.cfg.Stores.Traces.ListBySession(r.Context(), sessionID, limit, offset)
	if err != nil {
		writeError(w, nexuserr.Wrap(nexuserr.KindInternal, "list traces", err))
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"traces": traces,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func sessionError(id string, err error) error {
	if err == storage.ErrNotFound {
		return nexuserr.Newf(nexuserr.KindNotFound, "session %s not found", id)
	}
	return nexuserr.Wrap(nexuserr.KindInternal, "load session", err)
}
