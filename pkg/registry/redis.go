package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisMirror optionally mirrors registrations into Redis so multiple
// orchestrator processes share one capability index, grounded on the
// teacher's core/redis_discovery.go (SAdd-based capability indexes with
// parallel TTL). The in-memory Registry stays authoritative for a single
// process; RedisMirror is an add-on for horizontal deployments.
type RedisMirror struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
}

// NewRedisMirror connects to redisURL and returns a mirror under namespace.
func NewRedisMirror(redisURL, namespace string, ttl time.Duration) (*RedisMirror, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("registry: invalid redis url: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("registry: connect redis: %w", err)
	}

	if namespace == "" {
		namespace = "metamind"
	}
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &RedisMirror{client: client, namespace: namespace, ttl: ttl}, nil
}

func (m *RedisMirror) key(capabilityID string) string {
	return fmt.Sprintf("%s:capabilities:%s", m.namespace, capabilityID)
}

// Mirror writes an advertisement to Redis with a TTL-bound key, and adds
// it to the owning peer's capability set.
func (m *RedisMirror) Mirror(ctx context.Context, ad Advertisement) error {
	data, err := json.Marshal(ad)
	if err != nil {
		return fmt.Errorf("registry: marshal advertisement: %w", err)
	}
	if err := m.client.Set(ctx, m.key(ad.CapabilityID), data, m.ttl).Err(); err != nil {
		return fmt.Errorf("registry: mirror advertisement: %w", err)
	}
	peerKey := fmt.Sprintf("%s:peers:%s", m.namespace, ad.AIID)
	if err := m.client.SAdd(ctx, peerKey, ad.CapabilityID).Err(); err != nil {
		return fmt.Errorf("registry: index peer capability: %w", err)
	}
	m.client.Expire(ctx, peerKey, m.ttl*2)
	return nil
}

// Load reads back a mirrored advertisement, used to rehydrate a process's
// Registry after a restart.
func (m *RedisMirror) Load(ctx context.Context, capabilityID string) (*Advertisement, error) {
	data, err := m.client.Get(ctx, m.key(capabilityID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registry: load advertisement: %w", err)
	}
	var ad Advertisement
	if err := json.Unmarshal(data, &ad); err != nil {
		return nil, fmt.Errorf("registry: unmarshal advertisement: %w", err)
	}
	return &ad, nil
}

// Close releases the underlying Redis connection.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}
