// Package orchestrator implements the composition root capability of spec
// §4.9: it owns the agent registry, the tool registry, and the
// message-type dispatch table, and is the single place a transport frame
// turns into an agent call. Grounded on agent.Registry
// (duplicate-id rejection, locked map, provisioning callback) and the
// composition root's dependency-ordered wiring, with handleMessage's
// timeout race grounded on gateway.approvalTimeoutDeny's
// context.WithTimeout + channel-select pattern.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lattice-run/conductor/internal/protocol"
	"github.com/lattice-run/conductor/internal/shared"
	"github.com/lattice-run/conductor/internal/telemetry"
	"github.com/lattice-run/conductor/internal/transport"
)

// Status is the orchestrator's own lifecycle state.
type Status string

const (
	StatusInitializing Status = "INITIALIZING"
	StatusRunning      Status = "RUNNING"
	StatusError        Status = "ERROR"
)

// defaultTimeout is used when a message carries no explicit ttl metadata
// field (spec §4.9: "m.metadata.ttl || 30000ms").
const defaultTimeout = 30 * time.Second

// Agent is the capability an orchestrator-managed participant must satisfy.
type Agent interface {
	ID() string
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
	HandleMessage(ctx context.Context, msg *protocol.Message) (*protocol.Message, error)
}

// Tool is an invokable capability the orchestrator makes available to agents.
type Tool interface {
	ID() string
	Validate(params map[string]any) error
	Invoke(ctx context.Context, params map[string]any) (any, error)
}

// MessageHandler processes one message type and optionally returns a reply.
type MessageHandler func(ctx context.Context, msg *protocol.Message) (*protocol.Message, error)

// Orchestrator owns agents, tools, and message-type handlers, and is the
// glue between an inbound transport frame and an agent's HandleMessage.
type Orchestrator struct {
	mu sync.RWMutex

	status Status

	agents   map[string]Agent
	tools    map[string]Tool
	handlers map[protocol.MessageType]MessageHandler

	transport *transport.Transport
	logger    *slog.Logger
}

// New creates an Orchestrator. transport may be nil when running without a
// live websocket surface (e.g. in tests, or an embedding caller that wires
// its own delivery).
func New(logger *slog.Logger, tr *transport.Transport) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		status:    StatusInitializing,
		agents:    make(map[string]Agent),
		tools:     make(map[string]Tool),
		handlers:  make(map[protocol.MessageType]MessageHandler),
		transport: tr,
		logger:    logger,
	}
}

// Status returns the orchestrator's current lifecycle state.
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status
}

// Initialize installs the built-in message-type handlers and transitions
// INITIALIZING -> RUNNING (spec §4.9). A failure installing handlers
// transitions to ERROR and is returned.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.status = StatusInitializing

	o.handlers[protocol.TypeTaskAssign] = o.handleTaskLocked
	o.handlers[protocol.TypeTaskComplete] = o.handleResultLocked
	o.handlers[protocol.TypeTaskFail] = o.handleResultLocked
	o.handlers[protocol.TypeStatusUpdate] = o.handleStatusLocked
	o.handlers[protocol.TypeError] = o.handleErrorLocked
	o.handlers[protocol.TypeA2AMessage] = o.handleControlLocked

	o.status = StatusRunning
	return nil
}

// RegisterAgent adds a into the registry and calls its Initialize hook.
// Duplicate ids are rejected.
func (o *Orchestrator) RegisterAgent(ctx context.Context, a Agent) error {
	o.mu.Lock()
	if _, exists := o.agents[a.ID()]; exists {
		o.mu.Unlock()
		return fmt.Errorf("agent already registered: %s", a.ID())
	}
	o.mu.Unlock()

	if err := a.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize agent %s: %w", a.ID(), err)
	}

	o.mu.Lock()
	o.agents[a.ID()] = a
	o.mu.Unlock()
	return nil
}

// UnregisterAgent shuts down the agent and removes it from the registry
// regardless of whether Shutdown returns an error (spec §4.9: "always
// remove from map even if shutdown throws").
func (o *Orchestrator) UnregisterAgent(ctx context.Context, id string) error {
	o.mu.Lock()
	a, exists := o.agents[id]
	o.mu.Unlock()
	if !exists {
		return fmt.Errorf("agent not registered: %s", id)
	}

	shutdownErr := a.Shutdown(ctx)

	o.mu.Lock()
	delete(o.agents, id)
	o.mu.Unlock()

	if shutdownErr != nil {
		return fmt.Errorf("shutdown agent %s: %w", id, shutdownErr)
	}
	return nil
}

// RegisterTool validates and adds t into the registry. Duplicate ids and
// validation failures are rejected.
func (o *Orchestrator) RegisterTool(t Tool) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.tools[t.ID()]; exists {
		return fmt.Errorf("tool already registered: %s", t.ID())
	}
	if err := o.validateTool(t); err != nil {
		return err
	}
	o.tools[t.ID()] = t
	return nil
}

func (o *Orchestrator) validateTool(t Tool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("Tool validation error: %v", r)
		}
	}()
	if verr := t.Validate(map[string]any{}); verr != nil {
		return fmt.Errorf("Tool validation error: %w", verr)
	}
	return nil
}

// Agent returns the registered agent by id, if any.
func (o *Orchestrator) Agent(id string) (Agent, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	a, ok := o.agents[id]
	return a, ok
}

// Tool returns the registered tool by id, if any.
func (o *Orchestrator) Tool(id string) (Tool, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	t, ok := o.tools[id]
	return t, ok
}

func messageTTL(msg *protocol.Message) time.Duration {
	if msg == nil {
		return defaultTimeout
	}
	v, ok := msg.Field("ttl")
	if !ok {
		return defaultTimeout
	}
	switch n := v.(type) {
	case float64:
		if n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	case int:
		if n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return defaultTimeout
}

func validateEnvelope(msg *protocol.Message) error {
	if msg == nil {
		return fmt.Errorf("message is required")
	}
	if msg.CorrelationID == "" {
		return fmt.Errorf("message id is required")
	}
	if msg.Type == "" {
		return fmt.Errorf("message type is required")
	}
	if msg.Sender == "" {
		return fmt.Errorf("message sender is required")
	}
	if msg.Receiver == "" {
		return fmt.Errorf("message receiver is required")
	}
	if msg.Fields == nil {
		return fmt.Errorf("message payload is required")
	}
	return nil
}

// HandleMessage validates msg, looks up the registered handler for its
// type, and races it against the message's ttl (or a 30s default),
// returning a timeout error if the handler does not finish in time.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	if err := validateEnvelope(msg); err != nil {
		return nil, err
	}

	o.mu.RLock()
	handler, ok := o.handlers[msg.Type]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no handler registered for message type: %s", msg.Type)
	}

	ctx = shared.WithTraceID(ctx, msg.CorrelationID)

	timeout := messageTTL(msg)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		reply *protocol.Message
		err   error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		reply, err := handler(ctx, msg)
		resultCh <- outcome{reply: reply, err: err}
	}()

	select {
	case res := <-resultCh:
		return res.reply, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("Message handling timed out after %dms", timeout.Milliseconds())
	}
}

// BroadcastMessage delivers msg to every registered agent in sequence,
// stopping and propagating the first error (spec §4.9).
func (o *Orchestrator) BroadcastMessage(ctx context.Context, msg *protocol.Message) error {
	o.mu.RLock()
	agents := make([]Agent, 0, len(o.agents))
	for _, a := range o.agents {
		agents = append(agents, a)
	}
	o.mu.RUnlock()

	for _, a := range agents {
		if _, err := a.HandleMessage(ctx, msg); err != nil {
			return fmt.Errorf("broadcast to agent %s: %w", a.ID(), err)
		}
	}
	return nil
}

func (o *Orchestrator) handleTaskLocked(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	a, ok := o.Agent(msg.Receiver)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errAgentNotFound, msg.Receiver)
	}
	return a.HandleMessage(ctx, msg)
}

func (o *Orchestrator) handleResultLocked(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	a, ok := o.Agent(msg.Receiver)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errAgentNotFound, msg.Receiver)
	}
	return a.HandleMessage(ctx, msg)
}

func (o *Orchestrator) handleStatusLocked(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	a, ok := o.Agent(msg.Sender)
	if !ok {
		telemetry.WithTrace(ctx, o.logger).Warn("status update from unregistered agent", "agent", msg.Sender)
		return nil, nil
	}
	return a.HandleMessage(ctx, msg)
}

func (o *Orchestrator) handleErrorLocked(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	telemetry.WithTrace(ctx, o.logger).Error("agent-reported error", "sender", msg.Sender, "receiver", msg.Receiver)
	if a, ok := o.Agent(msg.Receiver); ok {
		return a.HandleMessage(ctx, msg)
	}
	return nil, nil
}

func (o *Orchestrator) handleControlLocked(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	a, ok := o.Agent(msg.Receiver)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errAgentNotFound, msg.Receiver)
	}
	return a.HandleMessage(ctx, msg)
}

var errAgentNotFound = fmt.Errorf("agent not found")
