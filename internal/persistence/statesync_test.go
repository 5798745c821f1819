package persistence

import (
	"context"
	"testing"
	"time"
)

var _ Store = (*fakeStore)(nil)

func TestSaveLoadDeleteState(t *testing.T) {
	ctx := context.Background()
	cache, store := newFakeCache(), newFakeStore()
	p := NewPersistence(cache, store, nil)

	if err := p.SaveState(ctx, "agent-1", `{"status":"READY"}`); err != nil {
		t.Fatalf("save: %v", err)
	}

	v, ok, err := p.LoadState(ctx, "agent-1")
	if err != nil || !ok || v != `{"status":"READY"}` {
		t.Fatalf("load = %q, %v, %v", v, ok, err)
	}

	if err := p.DeleteState(ctx, "agent-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, ok, _ = p.LoadState(ctx, "agent-1")
	if ok {
		t.Fatalf("expected miss after delete")
	}
}

func TestLoadStateFallsThroughToStoreAndRepopulatesCache(t *testing.T) {
	ctx := context.Background()
	cache, store := newFakeCache(), newFakeStore()
	p := NewPersistence(cache, store, nil)

	if err := store.UpsertAgentState(ctx, "agent-2", `{"status":"BUSY"}`); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	v, ok, err := p.LoadState(ctx, "agent-2")
	if err != nil || !ok || v != `{"status":"BUSY"}` {
		t.Fatalf("load = %q, %v, %v", v, ok, err)
	}

	cached, ok, err := cache.Get(ctx, AgentStateKey("agent-2"))
	if err != nil || !ok || cached != `{"status":"BUSY"}` {
		t.Fatalf("expected cache repopulated, got %q, %v, %v", cached, ok, err)
	}
}

func TestSyncStatesEmitsStatesSynced(t *testing.T) {
	ctx := context.Background()
	var events []StateEvent
	p := NewPersistence(newFakeCache(), newFakeStore(), func(ev StateEvent) { events = append(events, ev) })

	if err := p.SyncStates(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(events) != 1 || events[0].Type != StateEventsSynced {
		t.Fatalf("events = %+v", events)
	}
}

func TestSyncStatesEmitsErrorOnCacheFailure(t *testing.T) {
	ctx := context.Background()
	cache := newFakeCache()
	cache.pingErr = context.DeadlineExceeded
	var events []StateEvent
	p := NewPersistence(cache, newFakeStore(), func(ev StateEvent) { events = append(events, ev) })

	if err := p.SyncStates(ctx); err == nil {
		t.Fatalf("expected sync failure")
	}
	if len(events) != 1 || events[0].Type != StateEventError {
		t.Fatalf("events = %+v", events)
	}
}

func TestCleanupOldStates(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	_ = store.UpsertAgentState(ctx, "old", `{}`)
	store.times["old"] = time.Now().Add(-time.Hour)

	p := NewPersistence(newFakeCache(), store, nil)
	n, err := p.CleanupOldStates(ctx, time.Minute)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("cleaned = %d, want 1", n)
	}
}
