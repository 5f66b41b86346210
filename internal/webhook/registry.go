package webhook

import (
	"context"
	"sync"
	"time"

	"orderhooks/internal/logger"
	"orderhooks/pkg/metrics"
)

type registryEntry struct {
	subs      []Subscription
	expiresAt time.Time
}

// CachedRegistry caches active-by-type lookups for a TTL. Get always reads
// through so each delivery attempt sees the current subscription state.
type CachedRegistry struct {
	store   SubscriptionReader
	ttl     time.Duration
	logger  logger.Logger
	now     func() time.Time
	mu      sync.RWMutex
	entries map[string]registryEntry
}

func NewCachedRegistry(store SubscriptionReader, ttl time.Duration, log logger.Logger) *CachedRegistry {
	return &CachedRegistry{
		store:   store,
		ttl:     ttl,
		logger:  log,
		now:     time.Now,
		entries: make(map[string]registryEntry),
	}
}

func (r *CachedRegistry) ListActiveByType(ctx context.Context, eventType string) ([]Subscription, error) {
	if r.ttl <= 0 {
		return r.store.ListActiveByType(ctx, eventType)
	}

	r.mu.RLock()
	entry, ok := r.entries[eventType]
	r.mu.RUnlock()

	if ok && r.now().Before(entry.expiresAt) {
		metrics.IncRegistryCache("hit")
		return append([]Subscription(nil), entry.subs...), nil
	}
	metrics.IncRegistryCache("miss")

	subs, err := r.store.ListActiveByType(ctx, eventType)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.entries[eventType] = registryEntry{subs: subs, expiresAt: r.now().Add(r.ttl)}
	r.mu.Unlock()

	return append([]Subscription(nil), subs...), nil
}

func (r *CachedRegistry) Get(ctx context.Context, id string) (*Subscription, error) {
	return r.store.Get(ctx, id)
}

// Invalidate drops the cached entry for eventType, or every entry when eventType is empty.
func (r *CachedRegistry) Invalidate(eventType string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if eventType == "" {
		r.entries = make(map[string]registryEntry)
		return
	}
	delete(r.entries, eventType)
}

// Reload implements the config update reloader.
func (r *CachedRegistry) Reload(ctx context.Context, eventType string) error {
	r.Invalidate(eventType)
	r.logger.InfowCtx(ctx, "Subscription registry invalidated",
		"event_type", eventType,
	)
	return nil
}
