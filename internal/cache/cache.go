// Package cache holds loaded flows between reads. Entries are keyed by
// organization and flow address and are invalidated after every save or
// delete of the flow.
package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/pitabwire/flowdesk/model"
)

// FlowCache stores flows by key.
type FlowCache interface {
	// Get returns the cached flow. A miss is (zero, false, nil).
	Get(ctx context.Context, key string) (model.Flow, bool, error)

	// Set stores flow under key until the cache TTL elapses.
	Set(ctx context.Context, key string, flow model.Flow) error

	// Invalidate drops key. Dropping a missing key is not an error.
	Invalidate(ctx context.Context, key string) error
}

// Key builds the cache key of ref within an organization.
func Key(prefix, orgID string, ref model.FlowRef) string {
	return prefix + orgID + ":" + ref.String()
}

// --- Nop ---

// Nop never stores anything. Used when the cache driver is "none".
type Nop struct{}

func (Nop) Get(context.Context, string) (model.Flow, bool, error) { return model.Flow{}, false, nil }
func (Nop) Set(context.Context, string, model.Flow) error         { return nil }
func (Nop) Invalidate(context.Context, string) error              { return nil }
func (Nop) HealthCheck(context.Context) error                     { return nil }

// --- Memory ---

// Memory is an in-process FlowCache. Expired entries are never returned and
// are swept every cleanup interval.
type Memory struct {
	store *gocache.Cache
}

// MemoryOption configures a Memory cache.
type MemoryOption func(*memoryConfig)

type memoryConfig struct {
	cleanup time.Duration
}

// WithCleanupInterval sets how often expired entries are swept. Defaults to
// twice the TTL.
func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(c *memoryConfig) { c.cleanup = d }
}

// NewMemory creates an in-memory cache whose entries live for ttl.
func NewMemory(ttl time.Duration, opts ...MemoryOption) *Memory {
	cfg := memoryConfig{cleanup: 2 * ttl}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Memory{store: gocache.New(ttl, cfg.cleanup)}
}

// Get returns a copy of the cached flow.
func (m *Memory) Get(_ context.Context, key string) (model.Flow, bool, error) {
	v, ok := m.store.Get(key)
	if !ok {
		return model.Flow{}, false, nil
	}
	return v.(model.Flow).Clone(), true, nil
}

// Set stores a copy of flow.
func (m *Memory) Set(_ context.Context, key string, flow model.Flow) error {
	m.store.SetDefault(key, flow.Clone())
	return nil
}

// Invalidate drops key.
func (m *Memory) Invalidate(_ context.Context, key string) error {
	m.store.Delete(key)
	return nil
}

// HealthCheck always succeeds.
func (m *Memory) HealthCheck(context.Context) error {
	return nil
}

// Len returns the number of entries, including expired ones not yet swept.
func (m *Memory) Len() int {
	return m.store.ItemCount()
}
