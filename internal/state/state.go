// Package state implements the validated single-agent state machine of
// spec §4.6, grounded on engine.Status's snapshot and
// agent.RunningAgent lifecycle bookkeeping — generalized into the full
// AgentState model of spec §3, and on the convention of routing
// every mutation through one function (Engine.Start's once.Do, Registry's
// locked map mutations) rather than ad hoc setters.
package state

import (
	"fmt"
	"sync"
	"time"
)

// Status is the agent's coarse lifecycle state.
type Status string

const (
	StatusReady Status = "READY"
	StatusBusy  Status = "BUSY"
	StatusError Status = "ERROR"
	StatusOff   Status = "OFFLINE"
)

// Metrics holds the health-check-derived measurements.
type Metrics struct {
	CPU          float64
	Memory       float64
	ResponseTime float64
	ErrorRate    float64
}

// Health is the agent's last observed health snapshot.
type Health struct {
	Status    Status
	LastCheck time.Time
	Metrics   Metrics
}

// Network is the network-resource subfield of Resources.
type Network struct {
	BytesIn  float64
	BytesOut float64
}

// Resources is the agent's last observed resource snapshot.
type Resources struct {
	CPU     float64
	Memory  float64
	Network Network
}

// AgentState is the full per-agent state model of spec §3.
type AgentState struct {
	Status           Status
	Health           Health
	ActiveOperations int
	CurrentTask      string // empty means absent
	LastError        string // empty means absent
	LastStatusChange time.Time
	LastHealthCheck  time.Time
	Resources        Resources
	Capabilities     []string
	Load             float64 // 0..100
	Priority         int
	IsAvailable      bool
}

// Clone returns a deep-enough copy for safe before/after event comparisons.
func (s AgentState) Clone() AgentState {
	out := s
	out.Capabilities = append([]string(nil), s.Capabilities...)
	return out
}

// EventType enumerates the derived-event taxonomy (spec §4.6).
type EventType string

const (
	EventStateChanged    EventType = "STATE_CHANGED"
	EventHealthChanged   EventType = "HEALTH_CHANGED"
	EventResourceUpdated EventType = "RESOURCE_UPDATED"
	EventTaskAssigned    EventType = "TASK_ASSIGNED"
	EventTaskCompleted   EventType = "TASK_COMPLETED"
	EventErrorOccurred   EventType = "ERROR_OCCURRED"
)

// Event carries the old and new state for every mutation, plus the
// event-specific payload for derived events.
type Event struct {
	Type EventType
	Old  AgentState
	New  AgentState
}

// Handler consumes state events, in emission order.
type Handler func(Event)

// Manager holds exactly one AgentState and serializes every mutation through
// a single validated path (spec §4.6).
type Manager struct {
	mu      sync.Mutex
	state   AgentState
	handler Handler
	now     func() time.Time
}

// New creates a Manager seeded with the given initial state. initial is not
// validated; callers are expected to seed a state already satisfying the
// invariants (e.g. freshly constructed, or recovered via internal/persistence).
func New(initial AgentState, handler Handler) *Manager {
	return &Manager{state: initial, handler: handler, now: time.Now}
}

// Snapshot returns a copy of the current state.
func (m *Manager) Snapshot() AgentState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

// validate checks the §3 invariants against a candidate next state.
func validate(s AgentState, now time.Time) error {
	if s.Health.Metrics.CPU < 0 || s.Health.Metrics.Memory < 0 ||
		s.Health.Metrics.ResponseTime < 0 || s.Health.Metrics.ErrorRate < 0 {
		return fmt.Errorf("health metrics must be non-negative")
	}
	if s.Resources.CPU < 0 || s.Resources.Memory < 0 ||
		s.Resources.Network.BytesIn < 0 || s.Resources.Network.BytesOut < 0 {
		return fmt.Errorf("resource metrics must be non-negative")
	}
	if s.Load < 0 || s.Load > 100 {
		return fmt.Errorf("load must be within [0, 100]")
	}
	if s.ActiveOperations < 0 {
		return fmt.Errorf("activeOperations must be >= 0")
	}
	if s.CurrentTask != "" && s.Status != StatusBusy {
		return fmt.Errorf("currentTask present requires status BUSY")
	}
	if s.Status == StatusReady && s.CurrentTask != "" {
		return fmt.Errorf("status READY requires currentTask absent")
	}
	if s.LastStatusChange.After(now) || s.LastHealthCheck.After(now) {
		return fmt.Errorf("timestamps must not be in the future")
	}
	return nil
}

// mutate applies fn to a clone of the current state, validates the result,
// and atomically swaps it in on success, emitting STATE_CHANGED plus any
// derived events. fn returning an error aborts the mutation with no swap and
// no events (spec §4.6: "throw, don't partially apply, on violation").
func (m *Manager) mutate(fn func(*AgentState) error) error {
	m.mu.Lock()
	old := m.state.Clone()
	next := m.state.Clone()

	if err := fn(&next); err != nil {
		m.mu.Unlock()
		return err
	}
	if err := validate(next, m.now()); err != nil {
		m.mu.Unlock()
		return err
	}
	m.state = next
	m.mu.Unlock()

	m.emit(Event{Type: EventStateChanged, Old: old, New: next})
	if old.Health.Status != next.Health.Status || old.Health.Metrics != next.Health.Metrics {
		m.emit(Event{Type: EventHealthChanged, Old: old, New: next})
	}
	if old.Resources != next.Resources {
		m.emit(Event{Type: EventResourceUpdated, Old: old, New: next})
	}
	if old.CurrentTask == "" && next.CurrentTask != "" {
		m.emit(Event{Type: EventTaskAssigned, Old: old, New: next})
	}
	if old.CurrentTask != "" && next.CurrentTask == "" {
		m.emit(Event{Type: EventTaskCompleted, Old: old, New: next})
	}
	if old.LastError == "" && next.LastError != "" {
		m.emit(Event{Type: EventErrorOccurred, Old: old, New: next})
	}
	return nil
}

func (m *Manager) emit(ev Event) {
	if m.handler != nil {
		m.handler(ev)
	}
}

// AssignTask fails if a task is already current or the agent is unavailable;
// otherwise sets currentTask, flips to BUSY, and increments activeOperations.
func (m *Manager) AssignTask(taskID string) error {
	return m.mutate(func(s *AgentState) error {
		if s.CurrentTask != "" {
			return fmt.Errorf("agent already has a current task")
		}
		if !s.IsAvailable {
			return fmt.Errorf("agent is not available")
		}
		s.CurrentTask = taskID
		s.Status = StatusBusy
		s.ActiveOperations++
		s.LastStatusChange = m.now()
		return nil
	})
}

// CompleteTask fails if there is no current task; otherwise clears it,
// flips to READY, and decrements activeOperations (floored at 0).
func (m *Manager) CompleteTask() error {
	return m.mutate(func(s *AgentState) error {
		if s.CurrentTask == "" {
			return fmt.Errorf("agent has no current task")
		}
		s.CurrentTask = ""
		s.Status = StatusReady
		if s.ActiveOperations > 0 {
			s.ActiveOperations--
		}
		s.LastStatusChange = m.now()
		return nil
	})
}

// UpdateHealth applies a health observation.
func (m *Manager) UpdateHealth(h Health) error {
	return m.mutate(func(s *AgentState) error {
		s.Health = h
		s.LastHealthCheck = m.now()
		return nil
	})
}

// UpdateResources applies a resource observation.
func (m *Manager) UpdateResources(r Resources) error {
	return m.mutate(func(s *AgentState) error {
		s.Resources = r
		return nil
	})
}

// SetError records a non-empty lastError, triggering ERROR_OCCURRED.
func (m *Manager) SetError(msg string) error {
	return m.mutate(func(s *AgentState) error {
		s.LastError = msg
		return nil
	})
}

// SetLoad updates the agent's reported load (must stay within [0, 100]).
func (m *Manager) SetLoad(load float64) error {
	return m.mutate(func(s *AgentState) error {
		s.Load = load
		return nil
	})
}
