// Package messaging implements the Messaging Substrate of spec §4.4
// (Component D): a topic-oriented publish/subscribe abstraction with
// at-least-once delivery for qos>=1, reliable reconnect with exponential
// backoff, and online/offline peer-liveness announcements on a presence
// topic. The core never
// assumes a specific broker; Bus is the seam. RedisBus wraps go-redis
// Pub/Sub (the teacher's one networked dependency); MemoryBus is the
// deterministic in-process substrate used by orchestrator tests (spec §8
// "Plan determinism").
package messaging

import "context"

// QoS mirrors MQTT-style quality of service levels. Only the
// requires_ack >= 1 distinction matters to the core (spec §4.4).
type QoS int

const (
	QoSAtMostOnce QoS = iota
	QoSAtLeastOnce
	QoSExactlyOnce
)

// Handler processes one delivered message. Ordering is guaranteed per
// (sender, topic) by the Bus, never across topics.
type Handler func(topic string, payload []byte)

// Subscription lets a caller cancel a subscribe.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the messaging substrate seam. Implementations must restore
// subscriptions transparently across a reconnect.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte, qos QoS) error
	Subscribe(ctx context.Context, topicPattern string, handler Handler) (Subscription, error)
	Connected() bool
	Close() error
}
