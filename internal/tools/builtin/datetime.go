package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/nexus-core/internal/tools"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

// DateTimeSpec describes the date-time tool.
func DateTimeSpec() models.ToolSpec {
	return models.ToolSpec{
		ID:          "date-time",
		Name:        "date-time",
		Description: "Returns the current date and time, optionally in a named IANA timezone.",
		Category:    "utility",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"timezone": {"type": "string", "description": "IANA timezone name, e.g. \"Europe/Berlin\". Defaults to UTC."},
				"format": {"type": "string", "description": "Go reference-time layout. Defaults to RFC 3339."}
			},
			"additionalProperties": false
		}`),
		RiskLevel: models.RiskLow,
	}
}

// DateTime reports the current wall-clock time. The clock is injectable so
// tests stay deterministic.
type DateTime struct {
	Now func() time.Time
}

type dateTimeInput struct {
	Timezone string `json:"timezone"`
	Format   string `json:"format"`
}

// Execute implements tools.Handler.
func (d DateTime) Execute(_ context.Context, input json.RawMessage, _ *tools.Context) (any, error) {
	var in dateTimeInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}

	loc := time.UTC
	if in.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(in.Timezone)
		if err != nil {
			return nil, fmt.Errorf("unknown timezone %q", in.Timezone)
		}
	}

	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	t := now().In(loc)

	format := time.RFC3339
	if in.Format != "" {
		format = in.Format
	}

	return map[string]any{
		"formatted": t.Format(format),
		"iso":       t.Format(time.RFC3339),
		"unix":      t.Unix(),
		"timezone":  loc.String(),
		"weekday":   t.Weekday().String(),
	}, nil
}
