package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/lattice-run/conductor/internal/state"
)

func marshalRaw(r rawAgentState) string {
	data, _ := json.Marshal(r)
	return string(data)
}

func TestRecoverStateBothNullReturnsNull(t *testing.T) {
	ctx := context.Background()
	r := NewRecovery(newFakeCache(), newFakeStore(), RecoveryConfig{}, nil)
	s, err := r.RecoverState(ctx, "agent-1")
	if err != nil {
		t.Fatalf("recoverState: %v", err)
	}
	if s != nil {
		t.Fatalf("expected nil, got %+v", s)
	}
}

func TestRecoverStateOneNonNullWins(t *testing.T) {
	ctx := context.Background()
	cache, store := newFakeCache(), newFakeStore()
	now := time.Now().Add(-time.Minute).UnixMilli()
	_ = cache.Set(ctx, AgentStateKey("agent-1"), marshalRaw(rawAgentState{
		Status: "READY", LastStatusChange: now, LastHealthCheck: now, IsAvailable: true,
	}), time.Minute)

	r := NewRecovery(cache, store, RecoveryConfig{}, nil)
	s, err := r.RecoverState(ctx, "agent-1")
	if err != nil {
		t.Fatalf("recoverState: %v", err)
	}
	if s == nil || s.Status != state.StatusReady {
		t.Fatalf("expected cache-recovered state, got %+v", s)
	}
}

func TestRecoverStateTieGoesToDatabase(t *testing.T) {
	ctx := context.Background()
	cache, store := newFakeCache(), newFakeStore()
	ts := time.Now().Add(-time.Minute).UnixMilli()

	_ = cache.Set(ctx, AgentStateKey("agent-1"), marshalRaw(rawAgentState{
		Status: "BUSY", CurrentTask: "cache-task", LastStatusChange: ts, LastHealthCheck: ts, IsAvailable: true,
	}), time.Minute)
	_ = store.UpsertAgentState(ctx, "agent-1", marshalRaw(rawAgentState{
		Status: "BUSY", CurrentTask: "db-task", LastStatusChange: ts, LastHealthCheck: ts, IsAvailable: true,
	}))

	r := NewRecovery(cache, store, RecoveryConfig{}, nil)
	s, err := r.RecoverState(ctx, "agent-1")
	if err != nil {
		t.Fatalf("recoverState: %v", err)
	}
	if s == nil || s.CurrentTask != "db-task" {
		t.Fatalf("expected tie to resolve to database, got %+v", s)
	}
}

func TestRecoverStateGreaterLastStatusChangeWins(t *testing.T) {
	ctx := context.Background()
	cache, store := newFakeCache(), newFakeStore()
	older := time.Now().Add(-time.Hour).UnixMilli()
	newer := time.Now().Add(-time.Minute).UnixMilli()

	_ = cache.Set(ctx, AgentStateKey("agent-1"), marshalRaw(rawAgentState{
		Status: "BUSY", CurrentTask: "cache-task", LastStatusChange: newer, LastHealthCheck: newer, IsAvailable: true,
	}), time.Minute)
	_ = store.UpsertAgentState(ctx, "agent-1", marshalRaw(rawAgentState{
		Status: "BUSY", CurrentTask: "db-task", LastStatusChange: older, LastHealthCheck: older, IsAvailable: true,
	}))

	r := NewRecovery(cache, store, RecoveryConfig{}, nil)
	s, err := r.RecoverState(ctx, "agent-1")
	if err != nil {
		t.Fatalf("recoverState: %v", err)
	}
	if s == nil || s.CurrentTask != "cache-task" {
		t.Fatalf("expected the newer (cache) state to win, got %+v", s)
	}
}

func TestRecoverFromDatabaseStructuralFailureNotRetried(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	future := time.Now().Add(time.Hour).UnixMilli()
	_ = store.UpsertAgentState(ctx, "agent-1", marshalRaw(rawAgentState{
		Status: "READY", LastStatusChange: future, IsAvailable: true,
	}))

	var events []MonitorEvent
	r := NewRecovery(newFakeCache(), store, RecoveryConfig{MaxRetries: 5}, func(ev MonitorEvent) { events = append(events, ev) })

	_, err := r.RecoverFromDatabase(ctx, "agent-1")
	if err == nil {
		t.Fatalf("expected structural validation failure")
	}

	retries := 0
	for _, ev := range events {
		if ev.Type == MonitorRetry {
			retries++
		}
	}
	if retries != 0 {
		t.Fatalf("structural failures must not be retried, got %d retries", retries)
	}
}

type transientFailThenOKStore struct {
	*fakeStore
	failuresRemaining int
}

func (s *transientFailThenOKStore) GetAgentState(ctx context.Context, agentID string) (string, bool, error) {
	if s.failuresRemaining > 0 {
		s.failuresRemaining--
		return "", false, fmt.Errorf("transient transport error")
	}
	return s.fakeStore.GetAgentState(ctx, agentID)
}

func TestRecoverFromDatabaseRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	base := newFakeStore()
	now := time.Now().Add(-time.Minute).UnixMilli()
	_ = base.UpsertAgentState(ctx, "agent-1", marshalRaw(rawAgentState{
		Status: "READY", LastStatusChange: now, LastHealthCheck: now, IsAvailable: true,
	}))
	store := &transientFailThenOKStore{fakeStore: base, failuresRemaining: 2}

	r := NewRecovery(newFakeCache(), store, RecoveryConfig{MaxRetries: 3, RetryDelay: time.Millisecond}, nil)
	s, err := r.RecoverFromDatabase(ctx, "agent-1")
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if s == nil || s.Status != state.StatusReady {
		t.Fatalf("unexpected recovered state: %+v", s)
	}
}
