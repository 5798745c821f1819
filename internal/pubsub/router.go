// Package pubsub implements the wildcard-aware publish/subscribe router
// (spec §4.4), generalized from internal/bus.Bus's prefix-match
// channel fan-out into named per-agent subscriptions with delivery
// accounting and synchronous, fail-fast handler invocation.
package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/lattice-run/conductor/internal/protocol"
)

// Config enumerates the router's configuration surface (spec §6).
type Config struct {
	MaxSubscriptionsPerAgent int
	MaxTopicsPerAgent        int
	WildcardEnabled          bool
	DeliveryTimeout          time.Duration
}

func (c Config) normalized() Config {
	if c.MaxSubscriptionsPerAgent <= 0 {
		c.MaxSubscriptionsPerAgent = 100
	}
	if c.MaxTopicsPerAgent <= 0 {
		c.MaxTopicsPerAgent = 50
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 5 * time.Second
	}
	return c
}

// Handler processes a message delivered to one agent's subscription.
type Handler func(ctx context.Context, topic string, msg *protocol.Message) error

// Subscription is the accounting record spec §3 describes.
type Subscription struct {
	AgentID string
	Topic   string

	mu               sync.Mutex
	isWildcard       bool
	pattern          *regexp.Regexp
	lastDelivery     time.Time
	deliveryCount    int64
	failedDeliveries int64
}

// IsWildcard reports whether Topic contains a wildcard glob.
func (s *Subscription) IsWildcard() bool { return s.isWildcard }

// LastDelivery returns the last time a delivery was attempted on this subscription.
func (s *Subscription) LastDelivery() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDelivery
}

// DeliveryCount returns the number of delivery attempts made.
func (s *Subscription) DeliveryCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deliveryCount
}

// FailedDeliveries returns the number of delivery attempts that errored.
func (s *Subscription) FailedDeliveries() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failedDeliveries
}

func (s *Subscription) recordAttempt(now time.Time, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastDelivery = now
	s.deliveryCount++
	if failed {
		s.failedDeliveries++
	}
}

// Router is the topic table + per-agent handler registry.
type Router struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	byTopic  map[string]map[string]*Subscription // topic -> agentID -> subscription
	byAgent  map[string]map[string]*Subscription // agentID -> topic -> subscription
	handlers map[string]Handler

	dropped int64
}

// New creates a Router.
func New(cfg Config, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		cfg:      cfg.normalized(),
		logger:   logger,
		byTopic:  make(map[string]map[string]*Subscription),
		byAgent:  make(map[string]map[string]*Subscription),
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler installs or overwrites the handler for an agent.
func (r *Router) RegisterHandler(agentID string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[agentID] = h
}

// Subscribe creates a subscription for agentID on topic, enforcing both
// per-agent limits. Wildcard topics (containing "*") are compiled into an
// anchored regular expression where each "*" maps to ".*".
func (r *Router) Subscribe(agentID, topic string) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byAgent[agentID][topic]; ok {
		return existing, nil
	}

	subs := r.byAgent[agentID]
	if len(subs) >= r.cfg.MaxSubscriptionsPerAgent {
		return nil, fmt.Errorf("subscription limit exceeded")
	}
	distinctTopics := len(subs)
	if distinctTopics >= r.cfg.MaxTopicsPerAgent {
		return nil, fmt.Errorf("subscription limit exceeded")
	}

	isWildcard := strings.Contains(topic, "*")
	sub := &Subscription{AgentID: agentID, Topic: topic, isWildcard: isWildcard}
	if isWildcard {
		sub.pattern = compileWildcard(topic)
	}

	if r.byTopic[topic] == nil {
		r.byTopic[topic] = make(map[string]*Subscription)
	}
	r.byTopic[topic][agentID] = sub
	if r.byAgent[agentID] == nil {
		r.byAgent[agentID] = make(map[string]*Subscription)
	}
	r.byAgent[agentID][topic] = sub

	return sub, nil
}

// Unsubscribe removes a subscription. It is idempotent: unsubscribing a
// missing topic is a no-op. Empty index entries are garbage-collected.
func (r *Router) Unsubscribe(agentID, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubscribeLocked(agentID, topic)
}

func (r *Router) unsubscribeLocked(agentID, topic string) {
	if byAgent, ok := r.byAgent[agentID]; ok {
		delete(byAgent, topic)
		if len(byAgent) == 0 {
			delete(r.byAgent, agentID)
		}
	}
	if byTopic, ok := r.byTopic[topic]; ok {
		delete(byTopic, agentID)
		if len(byTopic) == 0 {
			delete(r.byTopic, topic)
		}
	}
}

// DeregisterAgent removes every subscription and the handler owned by agentID
// (spec §3: subscriptions are deleted from both indices when the owning
// agent is deregistered).
func (r *Router) DeregisterAgent(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for topic := range r.byAgent[agentID] {
		r.unsubscribeLocked(agentID, topic)
	}
	delete(r.handlers, agentID)
}

// subscribersLocked returns a point-in-time snapshot of subscriptions whose
// topic matches the published topic: exact matches union wildcard matches.
func (r *Router) subscribersLocked(topic string) []*Subscription {
	var out []*Subscription
	if exact, ok := r.byTopic[topic]; ok {
		for _, sub := range exact {
			out = append(out, sub)
		}
	}
	if !r.cfg.WildcardEnabled {
		return out
	}
	for pattern, subs := range r.byTopic {
		if pattern == topic || !strings.Contains(pattern, "*") {
			continue
		}
		for _, sub := range subs {
			if sub.pattern != nil && sub.pattern.MatchString(topic) {
				out = append(out, sub)
			}
		}
	}
	return out
}

type deliveryResult struct {
	sub *Subscription
	err error
}

// Publish fans a message out to every subscriber of topic, invoking each
// handler concurrently and returning the first error encountered (fail-fast
// aggregation, spec §4.4/§5). A subscription with no registered handler is
// itself a delivery failure.
func (r *Router) Publish(ctx context.Context, topic string, msg *protocol.Message) error {
	r.mu.RLock()
	subs := r.subscribersLocked(topic)
	handlers := make(map[string]Handler, len(subs))
	for _, sub := range subs {
		if h, ok := r.handlers[sub.AgentID]; ok {
			handlers[sub.AgentID] = h
		}
	}
	r.mu.RUnlock()

	if len(subs) == 0 {
		r.logger.Debug("pubsub: publish with no subscribers", "topic", topic)
		return nil
	}

	deliveryCtx := ctx
	var cancel context.CancelFunc
	if r.cfg.DeliveryTimeout > 0 {
		deliveryCtx, cancel = context.WithTimeout(ctx, r.cfg.DeliveryTimeout)
		defer cancel()
	}

	results := make(chan deliveryResult, len(subs))
	for _, sub := range subs {
		go func(sub *Subscription) {
			now := time.Now()
			h, ok := handlers[sub.AgentID]
			if !ok {
				sub.recordAttempt(now, true)
				results <- deliveryResult{sub: sub, err: fmt.Errorf("No message handler found for agent %s", sub.AgentID)}
				return
			}
			err := h(deliveryCtx, topic, msg)
			sub.recordAttempt(now, err != nil)
			results <- deliveryResult{sub: sub, err: err}
		}(sub)
	}

	var firstErr error
	for i := 0; i < len(subs); i++ {
		res := <-results
		if res.err != nil && firstErr == nil {
			firstErr = res.err
		}
	}
	return firstErr
}

// compileWildcard turns a "*"-glob topic pattern into a fully anchored
// regular expression, escaping every non-"*" character.
func compileWildcard(pattern string) *regexp.Regexp {
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.MustCompile("^" + strings.Join(parts, ".*") + "$")
}

// SubscriptionsForAgent returns the current subscriptions owned by agentID.
func (r *Router) SubscriptionsForAgent(agentID string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Subscription, 0, len(r.byAgent[agentID]))
	for _, sub := range r.byAgent[agentID] {
		out = append(out, sub)
	}
	return out
}
