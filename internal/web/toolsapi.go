package web

import (
	"encoding/json"
	"net/http"

	"github.com/haasonsaas/nexus-core/internal/storage"
	"github.com/haasonsaas/nexus-core/pkg/nexuserr"
)

func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, map[string]any{"tools": s.cfg.Registry.ListAll()})
}

func (s *Server) handleGetTool(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	spec, ok := s.cfg.Registry.Get(id)
	if !ok {
		writeError(w, nexuserr.Newf(nexuserr.KindNotFound, "tool %s not found", id))
		return
	}
	writeData(w, http.StatusOK, spec)
}

func (s *Server) handleToolCategories(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, map[string]any{"categories": s.cfg.Registry.Categories()})
}

func (s *Server) handleGetAgentTools(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	config, err := s.cfg.Stores.Configs.Get(r.Context(), projectID)
	if err != nil {
		writeError(w, configError(projectID, err))
		return
	}
	tools := config.AllowedTools
	if tools == nil {
		tools = []string{}
	}
	writeData(w, http.StatusOK, map[string]any{"tools": tools})
}

type putAgentToolsRequest struct {
	Tools []string `json:"tools"`
}

func (s *Server) handlePutAgentTools(w http.ResponseWriter, r *http.Request) {
	var req putAgentToolsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, nexuserr.Wrap(nexuserr.KindValidation, "invalid request body", err))
		return
	}

	var unknown []string
	for _, id := range req.Tools {
		if !s.cfg.Registry.Has(id) {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) > 0 {
		writeError(w, nexuserr.New(nexuserr.KindUnknownTools, "allowlist names unregistered tools").
			WithDetails(map[string]any{"unknown": unknown}))
		return
	}

	projectID := r.PathValue("id")
	config, err := s.cfg.Stores.Configs.Get(r.Context(), projectID)
	if err != nil {
		writeError(w, configError(projectID, err))
		return
	}
	config.AllowedTools = req.Tools
	if err := s.cfg.Stores.Configs.Put(r.Context(), config); err != nil {
		writeError(w, nexuserr.Wrap(nexuserr.KindInternal, "save agent config", err))
		return
	}
	writeData(w, http.StatusOK, map[string]any{"tools": req.Tools})
}

func configError(projectID string, err error) error {
	if err == storage.ErrNotFound {
		return nexuserr.Newf(nexuserr.KindNotFound, "agent %s not found", projectID)
	}
	return nexuserr.Wrap(nexuserr.KindInternal, "load agent config", err)
}
