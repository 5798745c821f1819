package queue

import (
	"context"
	"time"
)

// KVStore is the TTL'd string key/value capability backing message bodies
// (spec §6: "string key-value with TTL").
type KVStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	// Count returns the number of live (non-expired) keys matching prefix.
	Count(ctx context.Context, prefix string) (int, error)
	// Clear removes every key matching prefix.
	Clear(ctx context.Context, prefix string) error
}

// PrioritySet is the score-ordered set capability backing the ready queue
// (spec §6: "priority set (score-ordered)").
type PrioritySet interface {
	Add(ctx context.Context, id string, score float64) error
	Remove(ctx context.Context, id string) error
	// PopMax atomically removes and returns the highest-scored id.
	PopMax(ctx context.Context) (id string, score float64, ok bool, err error)
	Size(ctx context.Context) (int, error)
	ClearSet(ctx context.Context) error
}

// ListStore is the list capability backing the dead-letter queue
// (spec §6: "list (for DLQ)").
type ListStore interface {
	Push(ctx context.Context, key, value string) error
	Len(ctx context.Context, key string) (int, error)
	Clear(ctx context.Context, key string) error
}

// Backing bundles the three abstract capabilities the queue is built on.
type Backing interface {
	KVStore
	PrioritySet
	ListStore
}
