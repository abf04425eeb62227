package queue

import (
	"context"
	"testing"

	"github.com/ternarybob/arbor"

	"github.com/bCommonsLAB/secretary/internal/models"
)

func TestRegistryLastRegistrationWins(t *testing.T) {
	registry := NewRegistry(arbor.NewLogger())

	first := &funcHandler{jobType: "session", fn: func(ctx context.Context, job *models.Job) error { return nil }}
	second := &funcHandler{jobType: "session", fn: func(ctx context.Context, job *models.Job) error { return nil }}

	registry.Register(first)
	registry.Register(second)

	resolved := registry.Resolve("session")
	if resolved != second {
		t.Error("Re-registering a job type must replace the previous handler")
	}
}

func TestRegistryResolveUnknownType(t *testing.T) {
	registry := NewRegistry(arbor.NewLogger())

	if registry.Resolve("telegram") != nil {
		t.Error("Expected nil for an unregistered job type")
	}
}

func TestRegistryTypes(t *testing.T) {
	registry := NewRegistry(arbor.NewLogger())
	registry.Register(&funcHandler{jobType: "pdf"})
	registry.Register(&funcHandler{jobType: "session"})

	types := registry.Types()
	if len(types) != 2 {
		t.Fatalf("Expected 2 registered types, got %d", len(types))
	}
	seen := map[string]bool{}
	for _, typ := range types {
		seen[typ] = true
	}
	if !seen["pdf"] || !seen["session"] {
		t.Errorf("Expected pdf and session, got %v", types)
	}
}
