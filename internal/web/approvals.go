package web

import (
	"encoding/json"
	"net/http"

	"github.com/haasonsaas/nexus-core/pkg/nexuserr"
)

func (s *Server) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	approvals, err := s.cfg.Gate.ListPending(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"approvals": approvals})
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	a, err := s.cfg.Gate.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, a)
}

type resolveApprovalRequest struct {
	Decision   string `json:"decision"`
	ResolvedBy string `json:"resolvedBy"`
	Note       string `json:"note,omitempty"`
}

func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	var req resolveApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, nexuserr.Wrap(nexuserr.KindValidation, "invalid request body", err))
		return
	}

	var issues []map[string]string
	if req.Decision != "approved" && req.Decision != "denied" {
		issues = append(issues, map[string]string{
			"path": "decision", "message": "must be approved or denied",
		})
	}
	if req.ResolvedBy == "" {
		issues = append(issues, map[string]string{
			"path": "resolvedBy", "message": "is required",
		})
	}
	if len(issues) > 0 {
		writeError(w, validationError("invalid resolution", issues))
		return
	}

	a, err := s.cfg.Gate.Resolve(r.Context(), r.PathValue("id"),
		req.Decision == "approved", req.ResolvedBy, req.Note)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, a)
}
