package messaging

import (
	"context"
	"strings"
	"sync"
)

// MemoryBus is an in-process substrate with deterministic, synchronous
// delivery: Publish invokes every matching subscriber's Handler before
// returning. Used by orchestrator tests that require the plan-determinism
// property of spec §8 (identical step-transition sequences for identical
// inputs against an in-memory substrate).
type MemoryBus struct {
	mu   sync.Mutex
	subs map[string][]*memorySub
}

type memorySub struct {
	pattern string
	handler Handler
	bus     *MemoryBus
}

func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	list := s.bus.subs[s.pattern]
	for i, sub := range list {
		if sub == s {
			s.bus.subs[s.pattern] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return nil
}

// NewMemoryBus constructs an empty in-memory substrate.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: map[string][]*memorySub{}}
}

// Publish delivers payload to every subscription whose pattern matches
// topic. Subscribers to the same pattern are called in subscription order;
// the order across different matching patterns is not defined, since
// patterns are held in a map. QoS is accepted for interface symmetry
// but delivery is always synchronous and reliable on this bus.
func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte, qos QoS) error {
	b.mu.Lock()
	var matched []Handler
	for pattern, subs := range b.subs {
		if topicMatches(pattern, topic) {
			for _, s := range subs {
				matched = append(matched, s.handler)
			}
		}
	}
	b.mu.Unlock()

	for _, h := range matched {
		h(topic, payload)
	}
	return nil
}

// Subscribe registers handler for topicPattern (exact match, or a "#"
// suffix wildcard, or a single "+" level wildcard — the minimal subset
// the orchestrator's peer-specific topics need).
func (b *MemoryBus) Subscribe(ctx context.Context, topicPattern string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &memorySub{pattern: topicPattern, handler: handler, bus: b}
	b.subs[topicPattern] = append(b.subs[topicPattern], sub)
	return sub, nil
}

func (b *MemoryBus) Connected() bool { return true }

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = map[string][]*memorySub{}
	return nil
}

// topicMatches implements the small wildcard subset: "#" matches any
// suffix, "+" matches exactly one "/"-delimited segment.
func topicMatches(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	pParts := strings.Split(pattern, "/")
	tParts := strings.Split(topic, "/")
	for i, p := range pParts {
		if p == "#" {
			return true
		}
		if i >= len(tParts) {
			return false
		}
		if p == "+" {
			continue
		}
		if p != tParts[i] {
			return false
		}
	}
	return len(pParts) == len(tParts)
}
