package queue

import (
	"context"
	"strings"
	"sync"
	"time"
)

// memoryBacking is a fake implementing Backing for unit tests, following
// spec §9's guidance to construct components with fake capability
// implementations rather than mocked singletons.
type memoryBacking struct {
	mu sync.Mutex

	kv      map[string]string
	expires map[string]time.Time
	scores  map[string]float64
	lists   map[string][]string
}

func newMemoryBacking() *memoryBacking {
	return &memoryBacking{
		kv:      make(map[string]string),
		expires: make(map[string]time.Time),
		scores:  make(map[string]float64),
		lists:   make(map[string][]string),
	}
}

func (m *memoryBacking) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.expires[key]; ok && time.Now().After(exp) {
		delete(m.kv, key)
		delete(m.expires, key)
		return "", false, nil
	}
	v, ok := m.kv[key]
	return v, ok, nil
}

func (m *memoryBacking) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = value
	if ttl > 0 {
		m.expires[key] = time.Now().Add(ttl)
	}
	return nil
}

func (m *memoryBacking) Del(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, key)
	delete(m.expires, key)
	return nil
}

func (m *memoryBacking) Count(ctx context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	now := time.Now()
	for k := range m.kv {
		if exp, ok := m.expires[k]; ok && now.After(exp) {
			continue
		}
		if strings.HasPrefix(k, prefix) {
			n++
		}
	}
	return n, nil
}

func (m *memoryBacking) Clear(ctx context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.kv {
		if strings.HasPrefix(k, prefix) {
			delete(m.kv, k)
			delete(m.expires, k)
		}
	}
	delete(m.lists, prefix)
	return nil
}

func (m *memoryBacking) Add(ctx context.Context, id string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores[id] = score
	return nil
}

func (m *memoryBacking) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.scores, id)
	return nil
}

func (m *memoryBacking) PopMax(ctx context.Context) (string, float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var bestID string
	var bestScore float64
	found := false
	for id, score := range m.scores {
		if !found || score > bestScore {
			bestID, bestScore, found = id, score, true
		}
	}
	if !found {
		return "", 0, false, nil
	}
	delete(m.scores, bestID)
	return bestID, bestScore, true, nil
}

func (m *memoryBacking) Len(ctx context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lists[key]), nil
}

func (m *memoryBacking) Size(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.scores), nil
}

func (m *memoryBacking) ClearSet(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores = make(map[string]float64)
	return nil
}

func (m *memoryBacking) Push(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append(m.lists[key], value)
	return nil
}
