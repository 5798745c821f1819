package persistence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// StateEventType enumerates the two-tier persistence layer's own event
// taxonomy (spec §4.7: "emits error" / "emits statesSynced").
type StateEventType string

const (
	StateEventError   StateEventType = "error"
	StateEventsSynced StateEventType = "statesSynced"
)

// StateEvent is delivered on save/sync outcomes.
type StateEvent struct {
	Type StateEventType
	Err  error
}

// StateEventHandler consumes StateEvents.
type StateEventHandler func(StateEvent)

// Persistence mediates the cache and store tiers; it owns no state of its
// own (spec §3: "Persistence owns no state; it mediates the cache and
// store"). The periodic reconciliation hook is driven by
// github.com/robfig/cron/v3, grounded on internal/cron.Scheduler,
// generalized from "fire due cron schedules as tasks" into "fire a
// reconciliation tick on a fixed interval".
type Persistence struct {
	cache   Cache
	store   Store
	handler StateEventHandler

	cron *cron.Cron
}

// NewPersistence wires the cache and store tiers together.
func NewPersistence(cache Cache, store Store, handler StateEventHandler) *Persistence {
	return &Persistence{cache: cache, store: store, handler: handler}
}

func (p *Persistence) emit(ev StateEvent) {
	if p.handler != nil {
		p.handler(ev)
	}
}

// SaveState writes the cache then the store; either failure propagates
// after emitting an error event (spec §4.7: "both must succeed").
func (p *Persistence) SaveState(ctx context.Context, agentID, stateJSON string) error {
	if err := p.cache.Set(ctx, AgentStateKey(agentID), stateJSON, AgentStateTTL); err != nil {
		werr := fmt.Errorf("save state to cache: %w", err)
		p.emit(StateEvent{Type: StateEventError, Err: werr})
		return werr
	}
	if err := p.store.UpsertAgentState(ctx, agentID, stateJSON); err != nil {
		werr := fmt.Errorf("save state to store: %w", err)
		p.emit(StateEvent{Type: StateEventError, Err: werr})
		return werr
	}
	return nil
}

// LoadState reads the cache; on a miss it falls through to the store and
// repopulates the cache on a hit.
func (p *Persistence) LoadState(ctx context.Context, agentID string) (string, bool, error) {
	if v, ok, err := p.cache.Get(ctx, AgentStateKey(agentID)); err != nil {
		return "", false, fmt.Errorf("load state from cache: %w", err)
	} else if ok {
		return v, true, nil
	}

	v, ok, err := p.store.GetAgentState(ctx, agentID)
	if err != nil {
		return "", false, fmt.Errorf("load state from store: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	if err := p.cache.Set(ctx, AgentStateKey(agentID), v, AgentStateTTL); err != nil {
		return "", false, fmt.Errorf("repopulate cache: %w", err)
	}
	return v, true, nil
}

// DeleteState removes the state from both tiers.
func (p *Persistence) DeleteState(ctx context.Context, agentID string) error {
	if err := p.cache.Del(ctx, AgentStateKey(agentID)); err != nil {
		return fmt.Errorf("delete state from cache: %w", err)
	}
	if err := p.store.DeleteAgentState(ctx, agentID); err != nil {
		return fmt.Errorf("delete state from store: %w", err)
	}
	return nil
}

// SyncStates is the periodic reconciliation hook: it pings the cache tier
// to confirm liveness and emits statesSynced on success.
func (p *Persistence) SyncStates(ctx context.Context) error {
	if err := p.cache.Ping(ctx); err != nil {
		werr := fmt.Errorf("sync states: cache unreachable: %w", err)
		p.emit(StateEvent{Type: StateEventError, Err: werr})
		return werr
	}
	p.emit(StateEvent{Type: StateEventsSynced})
	return nil
}

// CleanupOldStates deletes store-side agent_states rows older than maxAge.
func (p *Persistence) CleanupOldStates(ctx context.Context, maxAge time.Duration) (int64, error) {
	return p.store.DeleteOlderThan(ctx, maxAge)
}

// StartReconciliation schedules SyncStates to run every interval via cron,
// returning a stop function. It runs until ctx is done or Stop is called.
func (p *Persistence) StartReconciliation(ctx context.Context, interval time.Duration, logger *slog.Logger) func() {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	c := cron.New()
	spec := fmt.Sprintf("@every %s", interval)
	_, err := c.AddFunc(spec, func() {
		if err := p.SyncStates(ctx); err != nil {
			logger.Warn("persistence: reconciliation tick failed", "error", err)
		}
	})
	if err != nil {
		logger.Error("persistence: failed to schedule reconciliation", "error", err)
		return func() {}
	}
	p.cron = c
	c.Start()
	return func() { c.Stop() }
}
