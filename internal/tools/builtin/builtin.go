package builtin

import (
	"log/slog"

	"github.com/haasonsaas/nexus-core/internal/tools"
)

// RegisterAll registers the shipped tools into a registry. Registration
// happens once at startup.
func RegisterAll(registry *tools.Registry, logger *slog.Logger) error {
	if err := registry.Register(CalculatorSpec(), Calculator{}); err != nil {
		return err
	}
	if err := registry.Register(DateTimeSpec(), DateTime{}); err != nil {
		return err
	}
	return registry.Register(HTTPRequestSpec(), NewHTTPRequest(logger))
}
