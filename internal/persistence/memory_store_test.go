package persistence

import (
	"context"
	"testing"
)

func TestMemoryStoreConformance(t *testing.T) {
	runStoreConformance(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

// The memory store must hand out copies, never its internal state.
func TestMemoryStoreIsolation(t *testing.T) {
	s := NewMemoryStore()
	inst := mustSaveWorkflow(t, s)

	got1, err := s.FindWorkflow(context.Background(), inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	got1.DefinitionKey = "mutated"

	got2, err := s.FindWorkflow(context.Background(), inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got2.DefinitionKey != "order" {
		t.Fatal("caller mutation leaked into the store")
	}

	// Mutating the input after save must not affect the stored copy either.
	inst.DefinitionKey = "mutated"
	got3, err := s.FindWorkflow(context.Background(), inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got3.DefinitionKey != "order" {
		t.Fatal("input mutation leaked into the store")
	}
}
