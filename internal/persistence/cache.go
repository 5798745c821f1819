// Package persistence implements the two-tier agent-state persistence and
// recovery of spec §4.7: an LRU+TTL cache tier, a SQLite durable tier that
// doubles as the message queue's backing capability, and an independent
// recovery module that races both tiers on restart.
package persistence

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache is the TTL-aware string cache capability (SPEC_FULL §6).
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

// TTLCache is an LRU-bounded, TTL-aware Cache, grounded on the generic
// lru.Cache[string, cacheEntry] response-cache pattern found elsewhere in
// the retrieved example corpus (an in-process LLM response cache keyed by
// prompt hash, entries carrying a manual expiry field alongside the value).
type TTLCache struct {
	mu    sync.Mutex
	inner *lru.Cache[string, cacheEntry]
}

// NewTTLCache creates a cache bounded to size entries (LRU-evicted beyond
// that, independent of TTL).
func NewTTLCache(size int) (*TTLCache, error) {
	if size <= 0 {
		size = 4096
	}
	inner, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil, err
	}
	return &TTLCache{inner: inner}, nil
}

// Get returns the value if present and not expired; an expired entry is
// evicted and reported as a miss.
func (c *TTLCache) Get(ctx context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.inner.Get(key)
	if !ok {
		return "", false, nil
	}
	if time.Now().After(entry.expiresAt) {
		c.inner.Remove(key)
		return "", false, nil
	}
	return entry.value, true, nil
}

// Set stores value under key with the given TTL.
func (c *TTLCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Add(key, cacheEntry{value: value, expiresAt: time.Now().Add(ttl)})
	return nil
}

// Del removes key unconditionally.
func (c *TTLCache) Del(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Remove(key)
	return nil
}

// Ping reports cache liveness; an in-process LRU is always live.
func (c *TTLCache) Ping(ctx context.Context) error {
	return nil
}

// AgentStateKey is the cache/log key convention for an agent's state
// (spec §4.7: "key: agent:{id}:state").
func AgentStateKey(agentID string) string {
	return "agent:" + agentID + ":state"
}

// AgentStateTTL is the cache tier's fixed TTL (spec §4.7: "TTL ≈ 300s").
const AgentStateTTL = 300 * time.Second
