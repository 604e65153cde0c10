// Package registry implements the Service Registry of spec §3.2/§4.3
// (Component C): an in-memory index of advertised peer capabilities
// keyed by capability_id, with a TTL staleness sweep. Grounded on the
// teacher's core/redis_discovery.go indexing idiom, simplified to the
// in-memory map the spec calls for (a Redis-backed variant is wired in
// pkg/registry/redis.go for multi-process deployments).
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/sablehq/metamind/pkg/apperrors"
	"github.com/sablehq/metamind/pkg/logging"
)

// AvailabilityStatus is the advertised liveness of a capability.
type AvailabilityStatus string

const (
	Online   AvailabilityStatus = "online"
	Offline  AvailabilityStatus = "offline"
	Degraded AvailabilityStatus = "degraded"
)

// Advertisement describes a tool a peer offers (spec §3.2).
type Advertisement struct {
	CapabilityID       string                 `json:"capability_id"`
	AIID               string                 `json:"ai_id"`
	Name               string                 `json:"name"`
	Description        string                 `json:"description"`
	Version            string                 `json:"version"`
	InputSchema        map[string]interface{} `json:"input_schema,omitempty"`
	OutputSchema       map[string]interface{} `json:"output_schema,omitempty"`
	Tags               []string               `json:"tags,omitempty"`
	AvailabilityStatus AvailabilityStatus     `json:"availability_status"`
	ReceivedAt         time.Time              `json:"received_at"`
}

// Registry maps capability_id -> advertisement and ai_id -> set(capability_id).
// A capability is either resolvable by id to a single advertisement, or
// absent: never ambiguous (spec §4.3 invariant).
type Registry struct {
	mu    sync.RWMutex
	byCap map[string]*Advertisement
	byAI  map[string]map[string]struct{}

	ttl    time.Duration
	logger logging.Logger
	mirror *RedisMirror
}

// New constructs a Registry with the given staleness TTL.
func New(ttl time.Duration, logger logging.Logger) *Registry {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if cal, ok := logger.(logging.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/registry")
	}
	return &Registry{
		byCap:  map[string]*Advertisement{},
		byAI:   map[string]map[string]struct{}{},
		ttl:    ttl,
		logger: logger,
	}
}

// SetMirror attaches a RedisMirror so every future Register also persists
// to the shared multi-process index. Nil (the default) disables mirroring.
func (r *Registry) SetMirror(m *RedisMirror) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mirror = m
}

// Register upserts an advertisement by capability_id, stamping received_at.
// If a RedisMirror is attached, the write is mirrored best-effort: a
// mirror failure is logged but never rejects the local registration, since
// the in-memory Registry stays authoritative for this process.
func (r *Registry) Register(ad Advertisement) {
	r.mu.Lock()
	ad.ReceivedAt = time.Now()
	if ad.AvailabilityStatus == "" {
		ad.AvailabilityStatus = Online
	}
	r.byCap[ad.CapabilityID] = &ad

	if r.byAI[ad.AIID] == nil {
		r.byAI[ad.AIID] = map[string]struct{}{}
	}
	r.byAI[ad.AIID][ad.CapabilityID] = struct{}{}
	mirror := r.mirror
	r.mu.Unlock()

	if mirror != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := mirror.Mirror(ctx, ad); err != nil {
				r.logger.Warn("registry: redis mirror write failed", map[string]interface{}{
					"operation": "registry.Register", "capability_id": ad.CapabilityID, "error": err.Error(),
				})
			}
		}()
	}
}

// FindByID returns the single advertisement for capability_id, or
// apperrors.ErrNotFound.
func (r *Registry) FindByID(capabilityID string) (*Advertisement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ad, ok := r.byCap[capabilityID]
	if !ok {
		return nil, apperrors.NewWithID("registry.FindByID", capabilityID, apperrors.ErrCapabilityNotFound, nil)
	}
	copyAd := *ad
	return &copyAd, nil
}

// FindByNameTags returns online, non-stale advertisements matching name
// and/or tags. An empty name or tags list is not a filter on that field.
func (r *Registry) FindByNameTags(name string, tags []string) []Advertisement {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Advertisement
	for _, ad := range r.byCap {
		if ad.AvailabilityStatus != Online {
			continue
		}
		if time.Since(ad.ReceivedAt) > r.ttl {
			continue
		}
		if name != "" && ad.Name != name {
			continue
		}
		if len(tags) > 0 && !hasAllTags(ad.Tags, tags) {
			continue
		}
		out = append(out, *ad)
	}
	return out
}

func hasAllTags(have, want []string) bool {
	set := map[string]struct{}{}
	for _, t := range have {
		set[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}

// ResolveTarget resolves all advertisements for a capability_id
// offered by a peer set, used by HSP target resolution when multiple
// peers advertise the same capability_id (spec §4.6.4 step 1): picks
// highest version, tie-broken by earliest received.
func (r *Registry) ResolveTarget(capabilityID string) (*Advertisement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Advertisement
	for _, ad := range r.byCap {
		if ad.CapabilityID != capabilityID {
			continue
		}
		if ad.AvailabilityStatus != Online || time.Since(ad.ReceivedAt) > r.ttl {
			continue
		}
		if best == nil {
			best = ad
			continue
		}
		if ad.Version > best.Version {
			best = ad
		} else if ad.Version == best.Version && ad.ReceivedAt.Before(best.ReceivedAt) {
			best = ad
		}
	}
	if best == nil {
		return nil, apperrors.NewWithID("registry.ResolveTarget", capabilityID, apperrors.ErrCapabilityNotFound, nil)
	}
	copyAd := *best
	return &copyAd, nil
}

// sweep marks stale advertisements offline.
func (r *Registry) sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	marked := 0
	for _, ad := range r.byCap {
		if ad.AvailabilityStatus == Online && time.Since(ad.ReceivedAt) > r.ttl {
			ad.AvailabilityStatus = Offline
			marked++
		}
	}
	return marked
}

// Run starts the staleness sweeper, ticking at ttl/2, until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	interval := r.ttl / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if marked := r.sweep(); marked > 0 {
				r.logger.Debug("registry sweep marked entries stale", map[string]interface{}{
					"operation": "registry.sweep", "marked_offline": marked,
				})
			}
		}
	}
}

// Stats is the read-only snapshot the admin surface reports (spec §4.8).
type Stats struct {
	Capabilities int
	PeersOnline  int
}

// Stats returns current registry counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	onlinePeers := map[string]struct{}{}
	for _, ad := range r.byCap {
		if ad.AvailabilityStatus == Online {
			onlinePeers[ad.AIID] = struct{}{}
		}
	}
	return Stats{Capabilities: len(r.byCap), PeersOnline: len(onlinePeers)}
}
