package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/lattice-run/conductor/internal/config"
	"github.com/lattice-run/conductor/internal/persistence"
)

func TestSeedAgentStateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, err := persistence.OpenSQLStore(filepath.Join(t.TempDir(), "seed-test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	cache, err := persistence.NewTTLCache(16)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}

	seed := config.AgentSeed{ID: "agent-1", Capabilities: []string{"computation"}, Priority: 5}

	if err := seedAgentState(ctx, cache, store, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}
	first, ok, err := store.GetAgentState(ctx, "agent-1")
	if err != nil || !ok {
		t.Fatalf("expected seeded state, ok=%v err=%v", ok, err)
	}

	// A second seed call with an existing record must be a no-op.
	if err := seedAgentState(ctx, cache, store, seed); err != nil {
		t.Fatalf("re-seed: %v", err)
	}
	second, ok, err := store.GetAgentState(ctx, "agent-1")
	if err != nil || !ok {
		t.Fatalf("expected state to still exist, ok=%v err=%v", ok, err)
	}
	if first != second {
		t.Fatalf("expected re-seed to leave existing state untouched")
	}
}
