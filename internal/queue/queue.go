// Package queue implements the persistent, priority, retry-capable message
// queue (spec §4.3), grounded on persistence.Store's task
// claim/retry/dead-letter machinery (lease-based claim, poison threshold,
// reason codes), generalized into the abstract capability model of spec §6.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lattice-run/conductor/internal/protocol"
)

// Status is the lifecycle state of a QueuedMessage (spec §3).
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead-letter"
)

// Config enumerates the queue's configuration surface (spec §6).
type Config struct {
	MaxRetries         int
	RetryDelay         time.Duration
	DeadLetterQueue    string
	MaxQueueSize       int
	MessageTTL         time.Duration
}

func (c Config) normalized() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.DeadLetterQueue == "" {
		c.DeadLetterQueue = "dead-letter"
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 10000
	}
	if c.MessageTTL <= 0 {
		c.MessageTTL = 24 * time.Hour
	}
	return c
}

// QueuedMessage is the record persisted per in-flight message (spec §3).
type QueuedMessage struct {
	ID          string            `json:"id"`
	Message     *protocol.Message `json:"-"`
	RawMessage  json.RawMessage   `json:"message"`
	Priority    float64           `json:"priority"`
	Retries     int               `json:"retries"`
	LastAttempt time.Time         `json:"lastAttempt"`
	NextAttempt time.Time         `json:"nextAttempt"`
	Status      Status            `json:"status"`
}

// ErrQueueFull is returned by Enqueue when the queue is at capacity.
var ErrQueueFull = fmt.Errorf("queue is full")

// Stats is the snapshot returned by GetStats (spec §4.3).
type Stats struct {
	QueueSize       int
	ProcessingCount int
	DeadLetterCount int
}

// Queue is a persistent, priority, retry-capable message queue.
type Queue struct {
	cfg     Config
	backing Backing

	// processing is the in-memory, process-local set of ids dequeued but not
	// yet acknowledged (spec §3 glossary: "processing set").
	mu         sync.Mutex
	processing map[string]bool
}

// New creates a Queue over the given backing capability.
func New(backing Backing, cfg Config) *Queue {
	return &Queue{
		cfg:        cfg.normalized(),
		backing:    backing,
		processing: make(map[string]bool),
	}
}

func messageKey(id string) string { return "message:" + id }

// Enqueue stores the message and adds it to the priority index, rejecting
// with ErrQueueFull when at capacity.
func (q *Queue) Enqueue(ctx context.Context, msg *protocol.Message, priority float64) (string, error) {
	stats, err := q.GetStats(ctx)
	if err != nil {
		return "", err
	}
	if stats.QueueSize >= q.cfg.MaxQueueSize {
		return "", ErrQueueFull
	}

	id := uuid.NewString()
	rawMsg, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}
	qm := QueuedMessage{
		ID:         id,
		RawMessage: rawMsg,
		Priority:   priority,
		Status:     StatusPending,
	}
	if err := q.writeRecord(ctx, qm); err != nil {
		return "", err
	}
	if err := q.backing.Add(ctx, id, priority); err != nil {
		return "", fmt.Errorf("add to priority index: %w", err)
	}
	return id, nil
}

func (q *Queue) writeRecord(ctx context.Context, qm QueuedMessage) error {
	data, err := json.Marshal(qm)
	if err != nil {
		return fmt.Errorf("marshal queued message: %w", err)
	}
	if err := q.backing.Set(ctx, messageKey(qm.ID), string(data), q.cfg.MessageTTL); err != nil {
		return fmt.Errorf("store queued message: %w", err)
	}
	return nil
}

func (q *Queue) readRecord(ctx context.Context, id string) (QueuedMessage, bool, error) {
	raw, ok, err := q.backing.Get(ctx, messageKey(id))
	if err != nil || !ok {
		return QueuedMessage{}, ok, err
	}
	var qm QueuedMessage
	if err := json.Unmarshal([]byte(raw), &qm); err != nil {
		return QueuedMessage{}, false, fmt.Errorf("unmarshal queued message: %w", err)
	}
	return qm, true, nil
}

// Dequeue pops the highest-priority entry. Contention on an id already
// in-flight re-adds it at its prior score and returns (nil, nil); an
// expired backing record reaps the stale id and also returns (nil, nil).
func (q *Queue) Dequeue(ctx context.Context) (*QueuedMessage, error) {
	id, score, ok, err := q.backing.PopMax(ctx)
	if err != nil {
		return nil, fmt.Errorf("pop priority set: %w", err)
	}
	if !ok {
		return nil, nil
	}

	q.mu.Lock()
	inFlight := q.processing[id]
	q.mu.Unlock()
	if inFlight {
		if err := q.backing.Add(ctx, id, score); err != nil {
			return nil, fmt.Errorf("re-add contended id: %w", err)
		}
		return nil, nil
	}

	qm, exists, err := q.readRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if !exists {
		q.mu.Lock()
		delete(q.processing, id)
		q.mu.Unlock()
		return nil, nil
	}

	qm.Status = StatusProcessing
	qm.LastAttempt = time.Now()
	if err := q.writeRecord(ctx, qm); err != nil {
		return nil, err
	}

	q.mu.Lock()
	q.processing[id] = true
	q.mu.Unlock()

	msg, verr := decodeMessage(qm.RawMessage)
	if verr == nil {
		qm.Message = msg
	}
	return &qm, nil
}

func decodeMessage(raw json.RawMessage) (*protocol.Message, error) {
	var m protocol.Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Acknowledge deletes the record and removes the id from both the priority
// index and the in-memory processing set.
func (q *Queue) Acknowledge(ctx context.Context, id string) error {
	if err := q.backing.Del(ctx, messageKey(id)); err != nil {
		return fmt.Errorf("delete queued message: %w", err)
	}
	if err := q.backing.Remove(ctx, id); err != nil {
		return fmt.Errorf("remove from priority index: %w", err)
	}
	q.mu.Lock()
	delete(q.processing, id)
	q.mu.Unlock()
	return nil
}

// HandleFailure increments retries; past maxRetries the entry moves to the
// dead-letter queue, otherwise it is rescheduled and re-added to the
// priority index at its prior score.
func (q *Queue) HandleFailure(ctx context.Context, id string) error {
	qm, exists, err := q.readRecord(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		q.mu.Lock()
		delete(q.processing, id)
		q.mu.Unlock()
		return nil
	}

	qm.Retries++
	if qm.Retries > q.cfg.MaxRetries {
		qm.Status = StatusDeadLetter
		data, merr := json.Marshal(qm)
		if merr != nil {
			return fmt.Errorf("marshal dead-letter entry: %w", merr)
		}
		if err := q.backing.Push(ctx, q.cfg.DeadLetterQueue, string(data)); err != nil {
			return fmt.Errorf("push to dead-letter queue: %w", err)
		}
		if err := q.backing.Del(ctx, messageKey(id)); err != nil {
			return fmt.Errorf("delete queued message: %w", err)
		}
		if err := q.backing.Remove(ctx, id); err != nil {
			return fmt.Errorf("remove from priority index: %w", err)
		}
		q.mu.Lock()
		delete(q.processing, id)
		q.mu.Unlock()
		return nil
	}

	qm.Status = StatusPending
	qm.NextAttempt = time.Now().Add(q.cfg.RetryDelay)
	if err := q.writeRecord(ctx, qm); err != nil {
		return err
	}
	if err := q.backing.Add(ctx, id, qm.Priority); err != nil {
		return fmt.Errorf("re-add to priority index: %w", err)
	}
	q.mu.Lock()
	delete(q.processing, id)
	q.mu.Unlock()
	return nil
}

// GetStats reports queue depth, in-flight count, and dead-letter count.
func (q *Queue) GetStats(ctx context.Context) (Stats, error) {
	storeCount, err := q.backing.Count(ctx, "message:")
	if err != nil {
		return Stats{}, fmt.Errorf("count store records: %w", err)
	}
	q.mu.Lock()
	processingCount := len(q.processing)
	q.mu.Unlock()

	queueSize := storeCount - processingCount
	if queueSize < 0 {
		queueSize = 0
	}

	dlqCount, err := q.backing.Len(ctx, q.cfg.DeadLetterQueue)
	if err != nil {
		return Stats{}, fmt.Errorf("count dead-letter queue: %w", err)
	}

	return Stats{
		QueueSize:       queueSize,
		ProcessingCount: processingCount,
		DeadLetterCount: dlqCount,
	}, nil
}

// Clear deletes every message record, the priority index, the dead-letter
// queue, and resets the in-memory processing set.
func (q *Queue) Clear(ctx context.Context) error {
	if err := q.backing.Clear(ctx, "message:"); err != nil {
		return fmt.Errorf("clear message records: %w", err)
	}
	if err := q.backing.ClearSet(ctx); err != nil {
		return fmt.Errorf("clear priority index: %w", err)
	}
	if err := q.backing.Clear(ctx, q.cfg.DeadLetterQueue); err != nil {
		return fmt.Errorf("clear dead-letter queue: %w", err)
	}
	q.mu.Lock()
	q.processing = make(map[string]bool)
	q.mu.Unlock()
	return nil
}
