// Package transport implements the websocket connection registry, heartbeat
// loop, and inbound frame validation described by spec §4.5, grounded on the
// internal/gateway (coder/websocket + wsjson, connection registry
// as map[*client]struct{}, broadcast-with-swallowed-errors), generalized
// from a JSON-RPC request/response protocol into an event-driven model.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/lattice-run/conductor/internal/protocol"
	"github.com/lattice-run/conductor/internal/shared"
	"github.com/lattice-run/conductor/internal/telemetry"
)

// EventType enumerates the transport's event taxonomy (spec §4.5).
type EventType string

const (
	EventConnection EventType = "CONNECTION"
	EventMessage    EventType = "MESSAGE"
	EventClose      EventType = "CLOSE"
	EventError      EventType = "ERROR"
	EventHeartbeat  EventType = "HEARTBEAT"
)

// Event is delivered to the registered Handler for every transport occurrence.
type Event struct {
	Type         EventType
	ConnectionID string
	Message      *protocol.Message
	Err          error
}

// Handler consumes transport events. It must not block for long; the caller
// owns fan-out to slower consumers (e.g. via pubsub.Router).
type Handler func(Event)

// Config is the transport's configuration surface (spec §6).
type Config struct {
	HeartbeatInterval time.Duration
	PingTimeout       time.Duration
	AllowOrigins      []string
}

func (c Config) normalized() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 5 * time.Second
	}
	return c
}

// connection tracks one accepted websocket and its heartbeat liveness state.
type connection struct {
	id   string
	conn *websocket.Conn

	mu            sync.Mutex
	isAlive       bool
	lastHeartbeat time.Time

	cancel context.CancelFunc
}

// Transport is the websocket connection registry plus heartbeat driver.
type Transport struct {
	cfg     Config
	logger  *slog.Logger
	handler Handler

	mu    sync.RWMutex
	conns map[string]*connection
}

// New creates a Transport. handler receives every emitted Event.
func New(cfg Config, logger *slog.Logger, handler Handler) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		cfg:     cfg.normalized(),
		logger:  logger,
		handler: handler,
		conns:   make(map[string]*connection),
	}
}

func (t *Transport) emit(ev Event) {
	if t.handler != nil {
		t.handler(ev)
	}
}

// Accept upgrades the HTTP request to a websocket connection, registers it,
// and runs its read and heartbeat loops until the connection closes. It
// blocks until the connection ends, matching the handleWS idiom.
func (t *Transport) Accept(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: t.cfg.AllowOrigins,
	})
	if err != nil {
		t.logger.Warn("transport: accept failed", "error", err)
		return
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(shared.WithTraceID(context.Background(), id))
	c := &connection{id: id, conn: wsConn, isAlive: true, lastHeartbeat: time.Now(), cancel: cancel}

	t.mu.Lock()
	t.conns[id] = c
	t.mu.Unlock()

	t.emit(Event{Type: EventConnection, ConnectionID: id})

	go t.heartbeatLoop(ctx, c)

	t.readLoop(ctx, c)

	cancel()
	t.mu.Lock()
	delete(t.conns, id)
	t.mu.Unlock()
	_ = wsConn.Close(websocket.StatusNormalClosure, "bye")
	t.emit(Event{Type: EventClose, ConnectionID: id})
}

func (t *Transport) readLoop(ctx context.Context, c *connection) {
	logger := telemetry.WithTrace(ctx, t.logger)
	for {
		_, raw, err := c.conn.Read(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Debug("transport: read loop ending", "connection", c.id, "error", err)
			}
			return
		}

		msg, verr := protocol.Validate(raw)
		if verr != nil {
			t.emit(Event{Type: EventError, ConnectionID: c.id, Err: verr})
			errFrame := protocol.Message{
				Envelope: protocol.Envelope{
					Type:          protocol.TypeError,
					Timestamp:     time.Now().UnixMilli(),
					Sender:        "transport",
					Receiver:      c.id,
					CorrelationID: "error",
					Version:       protocol.Version,
				},
				Fields: map[string]any{
					"code":  string(verr.Code),
					"error": verr.Message,
				},
			}
			if sendErr := t.writeConn(ctx, c, &errFrame); sendErr != nil {
				logger.Warn("transport: failed to send error frame", "connection", c.id, "error", sendErr)
			}
			continue
		}

		t.emit(Event{Type: EventMessage, ConnectionID: c.id, Message: msg})
	}
}

func (t *Transport) heartbeatLoop(ctx context.Context, c *connection) {
	logger := telemetry.WithTrace(ctx, t.logger)
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			alive := c.isAlive
			c.mu.Unlock()

			if !alive {
				logger.Info("transport: connection failed liveness check, terminating", "connection", c.id)
				c.cancel()
				return
			}

			c.mu.Lock()
			c.isAlive = false
			c.mu.Unlock()

			pingCtx, cancelPing := context.WithTimeout(ctx, t.cfg.PingTimeout)
			err := c.conn.Ping(pingCtx)
			cancelPing()
			if err != nil {
				logger.Debug("transport: ping failed, awaiting next liveness check", "connection", c.id, "error", err)
				continue
			}

			c.mu.Lock()
			c.isAlive = true
			c.lastHeartbeat = time.Now()
			c.mu.Unlock()
			t.emit(Event{Type: EventHeartbeat, ConnectionID: c.id})
		}
	}
}

func (t *Transport) writeConn(ctx context.Context, c *connection, msg *protocol.Message) error {
	data, err := msg.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// Send serializes and writes m to the named connection.
func (t *Transport) Send(ctx context.Context, id string, msg *protocol.Message) error {
	t.mu.RLock()
	c, ok := t.conns[id]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("Connection %s not found", id)
	}
	return t.writeConn(ctx, c, msg)
}

// Broadcast writes msg to every connection, logging and swallowing
// per-connection failures.
func (t *Transport) Broadcast(ctx context.Context, msg *protocol.Message) {
	t.mu.RLock()
	targets := make([]*connection, 0, len(t.conns))
	for _, c := range t.conns {
		targets = append(targets, c)
	}
	t.mu.RUnlock()

	for _, c := range targets {
		if err := t.writeConn(ctx, c, msg); err != nil {
			t.logger.Warn("transport: broadcast send failed", "connection", c.id, "error", err)
		}
	}
}

// ConnectionCount reports the number of currently registered connections.
func (t *Transport) ConnectionCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}
