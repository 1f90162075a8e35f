package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/haasonsaas/nexus-core/internal/net/ssrf"
	"github.com/haasonsaas/nexus-core/internal/tools"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

// maxResponseBytes caps HTTP tool response bodies at 1 MiB.
const maxResponseBytes = 1 << 20

// redactedHeaders are never echoed into results or logs.
var redactedHeaders = map[string]bool{
	"authorization": true,
	"cookie":        true,
	"set-cookie":    true,
}

// HTTPRequestSpec describes the guarded HTTP egress tool.
func HTTPRequestSpec() models.ToolSpec {
	return models.ToolSpec{
		ID:          "http-request",
		Name:        "http-request",
		Description: "Performs an HTTP request to a public URL. Private, loopback, and link-local destinations are rejected.",
		Category:    "network",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"url": {"type": "string", "minLength": 1, "description": "Absolute http(s) URL."},
				"method": {"type": "string", "enum": ["GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"], "description": "Defaults to GET."},
				"headers": {"type": "object", "additionalProperties": {"type": "string"}},
				"body": {"type": "string"}
			},
			"required": ["url"],
			"additionalProperties": false
		}`),
		RiskLevel:        models.RiskMedium,
		RequiresApproval: true,
		SideEffects:      true,
		SupportsDryRun:   true,
	}
}

// HTTPRequest performs outbound HTTP calls behind the egress guard. Every
// hop of a redirect chain is re-validated against the blocklist.
type HTTPRequest struct {
	Client *http.Client
	Logger *slog.Logger
}

// NewHTTPRequest creates the tool with a redirect-validating client.
func NewHTTPRequest(logger *slog.Logger) *HTTPRequest {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPRequest{
		Client: &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects")
				}
				return ssrf.ValidatePublicHostname(req.URL.Hostname())
			},
		},
		Logger: logger,
	}
}

type httpRequestInput struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// Execute implements tools.Handler.
func (h *HTTPRequest) Execute(ctx context.Context, input json.RawMessage, _ *tools.Context) (any, error) {
	in, target, err := h.prepare(input)
	if err != nil {
		return nil, err
	}

	method := strings.ToUpper(in.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if in.Body != "" {
		body = strings.NewReader(in.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for name, value := range in.Headers {
		req.Header.Set(name, value)
	}

	h.Logger.Debug("http tool request",
		"method", method,
		"host", target.Hostname(),
		"headers", loggableHeaderNames(in.Headers))

	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	truncated := false
	if len(data) > maxResponseBytes {
		data = data[:maxResponseBytes]
		truncated = true
	}

	headers := make(map[string]string, len(resp.Header))
	for name := range resp.Header {
		if redactedHeaders[strings.ToLower(name)] {
			headers[name] = "[REDACTED]"
			continue
		}
		headers[name] = resp.Header.Get(name)
	}

	return map[string]any{
		"status":    resp.StatusCode,
		"headers":   headers,
		"body":      string(data),
		"truncated": truncated,
	}, nil
}

// DryRun implements tools.DryRunner: it validates the input and the egress
// policy without issuing the request.
func (h *HTTPRequest) DryRun(_ context.Context, input json.RawMessage, _ *tools.Context) (any, error) {
	in, target, err := h.prepare(input)
	if err != nil {
		return nil, err
	}
	method := strings.ToUpper(in.Method)
	if method == "" {
		method = http.MethodGet
	}
	return map[string]any{
		"would_request": fmt.Sprintf("%s %s", method, target.String()),
		"host":          target.Hostname(),
	}, nil
}

// prepare parses the input and enforces the egress policy before any dial.
func (h *HTTPRequest) prepare(input json.RawMessage) (*httpRequestInput, *url.URL, error) {
	var in httpRequestInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, nil, fmt.Errorf("decode input: %w", err)
	}

	target, err := url.Parse(in.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid url: %w", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, nil, fmt.Errorf("unsupported scheme %q", target.Scheme)
	}
	if err := ssrf.ValidatePublicHostname(target.Hostname()); err != nil {
		return nil, nil, err
	}
	return &in, target, nil
}

// loggableHeaderNames lists request header names with sensitive ones
// redacted, for debug logs.
func loggableHeaderNames(headers map[string]string) []string {
	names := make([]string, 0, len(headers))
	for name := range headers {
		if redactedHeaders[strings.ToLower(name)] {
			names = append(names, name+":[REDACTED]")
			continue
		}
		names = append(names, name)
	}
	return names
}
