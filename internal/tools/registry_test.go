package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/haasonsaas/nexus-core/pkg/models"
)

type echoHandler struct{}

func (echoHandler) Execute(_ context.Context, input json.RawMessage, _ *Context) (any, error) {
	return string(input), nil
}

func spec(id string) models.ToolSpec {
	return models.ToolSpec{
		ID:          id,
		Name:        id,
		Description: "test tool " + id,
		Category:    "test",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}
}

func TestRegistry_RegisterIsIdempotentByID(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(spec("echo"), echoHandler{}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	replacement := spec("echo")
	replacement.Description = "replaced"
	if err := r.Register(replacement, echoHandler{}); err != nil {
		t.Fatalf("Register replacement: %v", err)
	}

	got, ok := r.Get("echo")
	if !ok {
		t.Fatal("Get(echo) missing")
	}
	if got.Description != "replaced" {
		t.Errorf("description = %q, want replaced", got.Description)
	}
	if len(r.ListAll()) != 1 {
		t.Errorf("ListAll = %d entries, want 1", len(r.ListAll()))
	}
}

func TestRegistry_RejectsInvalidSchema(t *testing.T) {
	r := NewRegistry()
	bad := spec("bad")
	bad.InputSchema = json.RawMessage(`{"type": 7}`)
	if err := r.Register(bad, echoHandler{}); err == nil {
		t.Fatal("want error for invalid schema")
	}
}

func TestRegistry_ListAllSorted(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"zebra", "alpha", "mid"} {
		if err := r.Register(spec(id), echoHandler{}); err != nil {
			t.Fatalf("Register(%s): %v", id, err)
		}
	}
	all := r.ListAll()
	if all[0].ID != "alpha" || all[1].ID != "mid" || all[2].ID != "zebra" {
		t.Errorf("ListAll order = %v", []string{all[0].ID, all[1].ID, all[2].ID})
	}
}

func TestFormatForProvider_IntersectsAllowlist(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"calculator", "date-time", "http-request"} {
		if err := r.Register(spec(id), echoHandler{}); err != nil {
			t.Fatalf("Register(%s): %v", id, err)
		}
	}

	// Allowlist includes a tool that is not registered; it must not appear.
	tctx := NewContext("p1", "s1", "t1", []string{"calculator", "date-time", "ghost"})
	defs := r.FormatForProvider(tctx)
	if len(defs) != 2 {
		t.Fatalf("defs = %d, want 2", len(defs))
	}
	if defs[0].Name != "calculator" || defs[1].Name != "date-time" {
		t.Errorf("defs = %v", []string{defs[0].Name, defs[1].Name})
	}
}

func TestFormatForProvider_EmptyAllowlist(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(spec("calculator"), echoHandler{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	defs := r.FormatForProvider(NewContext("p1", "s1", "t1", nil))
	if len(defs) != 0 {
		t.Errorf("defs = %d, want 0", len(defs))
	}
}
