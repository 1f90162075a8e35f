// Package prompt assembles the layered system prompt and records a snapshot
// of exactly which layer versions composed it, so any trace can be replayed
// against the byte-identical prompt.
package prompt

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/haasonsaas/nexus-core/internal/agent"
	"github.com/haasonsaas/nexus-core/internal/memory"
	"github.com/haasonsaas/nexus-core/internal/storage"
	"github.com/haasonsaas/nexus-core/pkg/models"
	"github.com/haasonsaas/nexus-core/pkg/nexuserr"
)

// Assembled is the composed system prompt plus its replay snapshot.
type Assembled struct {
	System   string
	Snapshot models.PromptSnapshot
}

// Assembler composes system prompts from active layers, tool docs, and
// retrieved context.
type Assembler struct {
	prompts storage.PromptStore
}

// NewAssembler creates an assembler over the given prompt store.
func NewAssembler(prompts storage.PromptStore) *Assembler {
	return &Assembler{prompts: prompts}
}

// Assemble builds the system prompt for a turn. All three layers (identity,
// instructions, safety) must have an active version; a missing layer fails
// the turn with NO_ACTIVE_PROMPT rather than silently degrading the prompt.
func (a *Assembler) Assemble(ctx context.Context, projectID string, tools []agent.ToolDef, retrieved []memory.RetrievedItem) (*Assembled, error) {
	layers, err := a.resolveActiveLayers(ctx, projectID)
	if err != nil {
		return nil, err
	}

	identity := layers[models.LayerIdentity]
	instructions := layers[models.LayerInstructions]
	safety := layers[models.LayerSafety]

	toolDocs := renderToolDocs(tools)
	runtimeContext := renderRetrieved(retrieved)

	// Sections compose in a fixed order; empty auxiliary sections are
	// omitted entirely rather than leaving headerless gaps.
	sections := []string{identity.Content, instructions.Content, safety.Content}
	if toolDocs != "" {
		sections = append(sections, "Available tools:\n"+toolDocs)
	}
	if runtimeContext != "" {
		sections = append(sections, "Relevant context from memory:\n"+runtimeContext)
	}

	return &Assembled{
		System: normalize(sections),
		Snapshot: models.PromptSnapshot{
			IdentityLayerID:     identity.ID,
			IdentityVersion:     identity.Version,
			InstructionsLayerID: instructions.ID,
			InstructionsVersion: instructions.Version,
			SafetyLayerID:       safety.ID,
			SafetyVersion:       safety.Version,
			ToolDocsHash:        HashContent(toolDocs),
			RuntimeContextHash:  HashContent(runtimeContext),
		},
	}, nil
}

func (a *Assembler) resolveActiveLayers(ctx context.Context, projectID string) (map[models.LayerType]*models.PromptLayer, error) {
	layers, err := a.prompts.GetActiveLayers(ctx, projectID)
	if err != nil {
		return nil, nexuserr.Wrap(nexuserr.KindInternal, "load active prompt layers", err)
	}
	var missing []string
	for _, lt := range []models.LayerType{models.LayerIdentity, models.LayerInstructions, models.LayerSafety} {
		if layers[lt] == nil {
			missing = append(missing, string(lt))
		}
	}
	if len(missing) > 0 {
		return nil, nexuserr.Newf(nexuserr.KindNoActivePrompt,
			"project %s has no active %s layer", projectID, strings.Join(missing, ", ")).
			WithDetails(map[string]any{"missing_layers": missing})
	}
	return layers, nil
}

// renderToolDocs lists each tool as a "name: description" line, in the order
// the registry handed them over (already sorted by ID).
func renderToolDocs(tools []agent.ToolDef) string {
	if len(tools) == 0 {
		return ""
	}
	var b strings.Builder
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderRetrieved(items []memory.RetrievedItem) string {
	if len(items) == 0 {
		return ""
	}
	var b strings.Builder
	for _, item := range items {
		fmt.Fprintf(&b, "- [%s] %s\n", item.Category, item.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

// normalize joins non-empty sections with exactly one blank line and applies
// whitespace normalisation exactly once: trim each section, collapse runs of
// three or more newlines inside a section to two.
func normalize(sections []string) string {
	var kept []string
	for _, s := range sections {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		for strings.Contains(s, "\n\n\n") {
			s = strings.ReplaceAll(s, "\n\n\n", "\n\n")
		}
		kept = append(kept, s)
	}
	return strings.Join(kept, "\n\n")
}

// HashContent returns the lowercase hex SHA-256 of a string. The empty
// string hashes like any other value so snapshots are always comparable.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
