package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lattice-run/conductor/internal/state"
)

// MonitorEventType enumerates the recovery module's reporting taxonomy
// (spec §4.7: "each terminal outcome is reported to a monitor: start,
// retry, success, failure").
type MonitorEventType string

const (
	MonitorStart   MonitorEventType = "start"
	MonitorRetry   MonitorEventType = "retry"
	MonitorSuccess MonitorEventType = "success"
	MonitorFailure MonitorEventType = "failure"
)

// MonitorEvent is reported for every recovery attempt.
type MonitorEvent struct {
	Type     MonitorEventType
	Source   string // "database" or "cache"
	AgentID  string
	Attempt  int
	Err      error
}

// Monitor consumes recovery reporting events.
type Monitor func(MonitorEvent)

// recoveredState pairs a decoded state with its origin, to support the
// recoverState resolution rule (greater lastStatusChange wins, ties to db).
type recoveredState struct {
	state  state.AgentState
	origin string
}

// rawAgentState mirrors the JSON shape persisted by the state package,
// carrying date fields as raw strings/millis so they can be revived
// explicitly (spec §4.7: "revive date fields... become proper date values").
type rawAgentState struct {
	Status           string   `json:"status"`
	ActiveOperations int      `json:"activeOperations"`
	CurrentTask      string   `json:"currentTask"`
	LastError        string   `json:"lastError"`
	LastStatusChange int64    `json:"lastStatusChange"`
	LastHealthCheck  int64    `json:"lastHealthCheck"`
	Load             float64  `json:"load"`
	Priority         int      `json:"priority"`
	IsAvailable      bool     `json:"isAvailable"`
	Capabilities     []string `json:"capabilities"`
}

func decodeAndRevive(raw string) (state.AgentState, error) {
	var r rawAgentState
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return state.AgentState{}, fmt.Errorf("decode agent state: %w", err)
	}
	s := state.AgentState{
		Status:           state.Status(r.Status),
		ActiveOperations: r.ActiveOperations,
		CurrentTask:      r.CurrentTask,
		LastError:        r.LastError,
		LastStatusChange: time.UnixMilli(r.LastStatusChange),
		LastHealthCheck:  time.UnixMilli(r.LastHealthCheck),
		Load:             r.Load,
		Priority:         r.Priority,
		IsAvailable:      r.IsAvailable,
		Capabilities:     r.Capabilities,
	}
	return s, nil
}

// structuralError marks a failure that must not be retried (spec §4.7:
// "structural-validation failures are NOT retried").
type structuralError struct{ err error }

func (e *structuralError) Error() string { return e.err.Error() }
func (e *structuralError) Unwrap() error { return e.err }

func validateRevived(s state.AgentState) error {
	now := time.Now()
	if s.LastStatusChange.After(now) || s.LastHealthCheck.After(now) {
		return &structuralError{err: fmt.Errorf("revived state has a future timestamp")}
	}
	if s.Load < 0 || s.Load > 100 {
		return &structuralError{err: fmt.Errorf("revived state load out of range")}
	}
	if s.ActiveOperations < 0 {
		return &structuralError{err: fmt.Errorf("revived state has negative activeOperations")}
	}
	if s.CurrentTask != "" && s.Status != state.StatusBusy {
		return &structuralError{err: fmt.Errorf("revived state violates currentTask/status invariant")}
	}
	return nil
}

// Recovery is an independent module that races the cache and database tiers
// to reconstruct an agent's last known state after restart (spec §4.7).
type Recovery struct {
	cache      Cache
	store      Store
	maxRetries int
	retryDelay time.Duration
	monitor    Monitor
}

// RecoveryConfig is Recovery's configuration surface.
type RecoveryConfig struct {
	MaxRetries int
	RetryDelay time.Duration
}

func (c RecoveryConfig) normalized() RecoveryConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 1000 * time.Millisecond
	}
	return c
}

// NewRecovery creates a Recovery module over the given tiers.
func NewRecovery(cache Cache, store Store, cfg RecoveryConfig, monitor Monitor) *Recovery {
	cfg = cfg.normalized()
	return &Recovery{cache: cache, store: store, maxRetries: cfg.MaxRetries, retryDelay: cfg.RetryDelay, monitor: monitor}
}

func (r *Recovery) report(ev MonitorEvent) {
	if r.monitor != nil {
		r.monitor(ev)
	}
}

// RecoverFromDatabase retries fetching, decoding, reviving, and validating
// an agent's state from the durable store. Transport failures are retried;
// structural-validation failures are not.
func (r *Recovery) RecoverFromDatabase(ctx context.Context, agentID string) (*state.AgentState, error) {
	return r.recoverFrom(ctx, "database", agentID, func() (string, bool, error) {
		return r.store.GetAgentState(ctx, agentID)
	})
}

// RecoverFromCache is the cache-tier counterpart of RecoverFromDatabase.
func (r *Recovery) RecoverFromCache(ctx context.Context, agentID string) (*state.AgentState, error) {
	return r.recoverFrom(ctx, "cache", agentID, func() (string, bool, error) {
		return r.cache.Get(ctx, AgentStateKey(agentID))
	})
}

func (r *Recovery) recoverFrom(ctx context.Context, source, agentID string, fetch func() (string, bool, error)) (*state.AgentState, error) {
	r.report(MonitorEvent{Type: MonitorStart, Source: source, AgentID: agentID})

	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		raw, ok, err := fetch()
		if err == nil {
			if !ok {
				r.report(MonitorEvent{Type: MonitorSuccess, Source: source, AgentID: agentID, Attempt: attempt})
				return nil, nil
			}

			revived, derr := decodeAndRevive(raw)
			if derr == nil {
				if verr := validateRevived(revived); verr != nil {
					var structErr *structuralError
					if errors.As(verr, &structErr) {
						r.report(MonitorEvent{Type: MonitorFailure, Source: source, AgentID: agentID, Attempt: attempt, Err: verr})
						return nil, verr
					}
					lastErr = verr
				} else {
					r.report(MonitorEvent{Type: MonitorSuccess, Source: source, AgentID: agentID, Attempt: attempt})
					return &revived, nil
				}
			} else {
				decodeStruct := &structuralError{err: fmt.Errorf("malformed persisted state: %w", derr)}
				r.report(MonitorEvent{Type: MonitorFailure, Source: source, AgentID: agentID, Attempt: attempt, Err: decodeStruct})
				return nil, decodeStruct
			}
		} else {
			lastErr = err
		}

		if attempt == r.maxRetries {
			break
		}
		r.report(MonitorEvent{Type: MonitorRetry, Source: source, AgentID: agentID, Attempt: attempt, Err: lastErr})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.retryDelay):
		}
	}

	r.report(MonitorEvent{Type: MonitorFailure, Source: source, AgentID: agentID, Attempt: r.maxRetries, Err: lastErr})
	return nil, fmt.Errorf("recover from %s: exhausted retries: %w", source, lastErr)
}

// RecoverState runs both tier recoveries concurrently and resolves per
// spec §4.7: both null → null; one non-null → it wins; both non-null → the
// greater lastStatusChange wins, ties going to the database.
func (r *Recovery) RecoverState(ctx context.Context, agentID string) (*state.AgentState, error) {
	type outcome struct {
		s   *state.AgentState
		err error
	}
	dbCh := make(chan outcome, 1)
	cacheCh := make(chan outcome, 1)

	go func() {
		s, err := r.RecoverFromDatabase(ctx, agentID)
		dbCh <- outcome{s, err}
	}()
	go func() {
		s, err := r.RecoverFromCache(ctx, agentID)
		cacheCh <- outcome{s, err}
	}()

	dbOut := <-dbCh
	cacheOut := <-cacheCh

	if dbOut.err != nil && cacheOut.err != nil {
		return nil, fmt.Errorf("recover state: both tiers failed: database: %v, cache: %v", dbOut.err, cacheOut.err)
	}

	var candidates []recoveredState
	if dbOut.err == nil && dbOut.s != nil {
		candidates = append(candidates, recoveredState{state: *dbOut.s, origin: "database"})
	}
	if cacheOut.err == nil && cacheOut.s != nil {
		candidates = append(candidates, recoveredState{state: *cacheOut.s, origin: "cache"})
	}

	switch len(candidates) {
	case 0:
		return nil, nil
	case 1:
		return &candidates[0].state, nil
	default:
		db, cache := candidates[0], candidates[1]
		if db.origin != "database" {
			db, cache = cache, db
		}
		if cache.state.LastStatusChange.After(db.state.LastStatusChange) {
			return &cache.state, nil
		}
		return &db.state, nil
	}
}
