package messaging

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/sablehq/metamind/pkg/logging"
	"github.com/sablehq/metamind/pkg/resilience"
)

// RedisBus is the production Bus, grounded on the teacher's
// core/redis_client.go connection-management idiom but built on go-redis
// Pub/Sub rather than the teacher's keyspace primitives — redis is the
// teacher's one networked dependency and the spec names a broker (e.g.
// MQTT) only as an example, so Pub/Sub stands in for it (spec §4.4).
//
// Delivery: every publish is a plain fire-and-forget PUBLISH whatever the
// qos. Redis Pub/Sub has no replay, so at-least-once is achieved by the
// caller (pkg/envelope's pending-ack table) resending on missing
// acknowledgement rather than by the bus buffering messages.
//
// A pkg/resilience.CircuitBreaker gates both connect and Publish: a run of
// failures trips it open so a down Redis stops being hammered between
// reconnect's own backoff ticks, independent of the per-call retry.
type RedisBus struct {
	opt       *redis.Options
	client    *redis.Client
	presence  string
	willTopic string
	willBody  []byte

	mu      sync.RWMutex
	subs    []*redisSub
	pubsub  *redis.PubSub
	cancel  context.CancelFunc
	logger  logging.Logger
	retry   *resilience.RetryConfig
	breaker *resilience.CircuitBreaker
	connMu  sync.Mutex
	connect bool
}

// Option configures a RedisBus at construction time.
type Option func(*RedisBus)

// WithRetryConfig overrides the reconnect backoff schedule, sourced from
// the process config's substrate.reconnect_* settings rather than always
// falling back to resilience.DefaultRetryConfig.
func WithRetryConfig(cfg *resilience.RetryConfig) Option {
	return func(b *RedisBus) {
		if cfg != nil {
			b.retry = cfg
		}
	}
}

type redisSub struct {
	pattern string
	handler Handler
	bus     *RedisBus
}

func (s *redisSub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	for i, sub := range s.bus.subs {
		if sub == s {
			s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
			break
		}
	}
	if s.bus.pubsub != nil {
		_ = s.bus.pubsub.PUnsubscribe(context.Background(), s.pattern)
	}
	return nil
}

// NewRedisBus connects to redisURL and announces presence by publishing
// {"status":"online"} on willTopic; Close publishes {"status":"offline"}
// there. Both are plain Pub/Sub messages: Redis does not retain them, so a
// peer that subscribes later does not receive the last status.
func NewRedisBus(ctx context.Context, redisURL, aiID string, logger logging.Logger, opts ...Option) (*RedisBus, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("messaging: invalid redis url: %w", err)
	}
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if cal, ok := logger.(logging.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/messaging")
	}

	b := &RedisBus{
		opt:       opt,
		presence:  "metamind/presence/" + aiID,
		willTopic: "metamind/presence/" + aiID,
		logger:    logger,
		retry:     resilience.DefaultRetryConfig(),
		breaker:   resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "redis-bus:" + aiID}),
	}
	for _, o := range opts {
		o(b)
	}
	if err := b.connect(ctx); err != nil {
		return nil, err
	}
	_ = b.Publish(ctx, b.willTopic, []byte(`{"status":"online"}`), QoSAtMostOnce)
	return b, nil
}

// connect dials Redis, gated by the circuit breaker so a down Redis
// doesn't get hammered with pings between reconnect's backoff ticks.
func (b *RedisBus) connect(ctx context.Context) error {
	if !b.breaker.CanExecute() {
		return fmt.Errorf("messaging: circuit open, refusing connect attempt")
	}

	client := redis.NewClient(b.opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		b.breaker.RecordFailure()
		return fmt.Errorf("messaging: connect redis: %w", err)
	}
	b.breaker.RecordSuccess()

	b.mu.Lock()
	b.client = client
	b.mu.Unlock()

	b.connMu.Lock()
	b.connect = true
	b.connMu.Unlock()

	return b.resubscribeAll(ctx)
}

// reconnect retries connect with exponential backoff (spec §4.4 "reliable
// reconnect"), run from a background goroutine after a detected drop.
func (b *RedisBus) reconnect(ctx context.Context) {
	err := resilience.Retry(ctx, b.retry, func() error {
		return b.connect(ctx)
	})
	if err != nil {
		b.logger.ErrorWithContext(ctx, "messaging: reconnect exhausted retries", map[string]interface{}{
			"operation": "messaging.reconnect", "err": err.Error(),
		})
		return
	}
	b.logger.Info("messaging: reconnected", map[string]interface{}{"operation": "messaging.reconnect"})
}

func (b *RedisBus) resubscribeAll(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancel != nil {
		b.cancel()
	}
	if len(b.subs) == 0 {
		return nil
	}

	patterns := make([]string, 0, len(b.subs))
	for _, s := range b.subs {
		patterns = append(patterns, s.pattern)
	}
	pubsub := b.client.PSubscribe(ctx, patterns...)
	b.pubsub = pubsub

	loopCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	go b.consume(loopCtx, pubsub)
	return nil
}

func (b *RedisBus) consume(ctx context.Context, pubsub *redis.PubSub) {
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				b.connMu.Lock()
				wasConnected := b.connect
				b.connect = false
				b.connMu.Unlock()
				if wasConnected {
					go b.reconnect(context.Background())
				}
				return
			}
			b.dispatch(msg.Channel, []byte(msg.Payload))
		}
	}
}

func (b *RedisBus) dispatch(topic string, payload []byte) {
	b.mu.RLock()
	var matched []Handler
	for _, s := range b.subs {
		if ok, err := path.Match(s.pattern, topic); err == nil && ok {
			matched = append(matched, s.handler)
		}
	}
	b.mu.RUnlock()
	for _, h := range matched {
		h(topic, payload)
	}
}

// Publish sends payload to topic. Subscribe patterns on RedisBus are glob
// patterns, unlike MemoryBus's MQTT-style "#"/"+": they go to PSUBSCRIBE
// unchanged, and dispatch then filters handlers with path.Match, so "*"
// matches within one "/"-separated segment only.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte, qos QoS) error {
	if !b.breaker.CanExecute() {
		return fmt.Errorf("messaging: circuit open, refusing publish to %s", topic)
	}

	b.mu.RLock()
	client := b.client
	b.mu.RUnlock()
	if client == nil {
		return fmt.Errorf("messaging: publish before connect")
	}
	if err := client.Publish(ctx, topic, payload).Err(); err != nil {
		b.breaker.RecordFailure()
		return err
	}
	b.breaker.RecordSuccess()
	return nil
}

// Subscribe registers handler for topicPattern, passed unchanged as a
// Redis glob pattern, and issues (or reissues) the PSUBSCRIBE.
func (b *RedisBus) Subscribe(ctx context.Context, topicPattern string, handler Handler) (Subscription, error) {
	sub := &redisSub{pattern: topicPattern, handler: handler, bus: b}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	if err := b.resubscribeAll(ctx); err != nil {
		return nil, err
	}
	return sub, nil
}

// Connected reports whether the underlying client is currently usable.
func (b *RedisBus) Connected() bool {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	return b.connect
}

// Close publishes an offline will and tears down the connection.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
	}
	if b.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = b.client.Publish(ctx, b.willTopic, []byte(`{"status":"offline"}`)).Err()
	return b.client.Close()
}
