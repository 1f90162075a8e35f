package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/haasonsaas/nexus-core/internal/observability"
	"github.com/haasonsaas/nexus-core/pkg/nexuserr"
)

// envelope is the uniform response wrapper.
type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Default().Error("response encode failed", "error", err)
	}
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

// writeError maps a taxonomy error to its HTTP status and the uniform
// error envelope. Internal causes are not leaked to the client.
func writeError(w http.ResponseWriter, err error) {
	e := nexuserr.AsError(err)
	body := errorBody{Code: string(e.Kind), Message: e.Message, Details: e.Details}
	if e.Kind == nexuserr.KindInternal {
		body.Message = "internal error"
		body.Details = nil
	}
	writeJSON(w, e.HTTPStatus(), envelope{Success: false, Error: &body})
}

// validationError builds a VALIDATION_ERROR carrying per-field issues.
func validationError(message string, issues []map[string]string) error {
	return nexuserr.New(nexuserr.KindValidation, message).
		WithDetails(map[string]any{"issues": issues})
}

// statusRecorder captures the status code for the request counter.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// countRequests instruments a route with the HTTP request counter. The
// route label is the registered pattern, not the raw path, to keep the
// metric cardinality bounded.
func countRequests(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		observability.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	}
}

// pageParams parses limit/offset query parameters with defaults.
func pageParams(r *http.Request, defaultLimit int) (limit, offset int) {
	limit = defaultLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}
