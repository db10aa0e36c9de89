// Package memory keeps short-term agent memory per device across an ordered
// list of tiers, normally an expiring cache followed by a durable fallback.
//
// Every tier is best effort. Save reports success to its caller even when all
// tiers failed, and Query ends with an empty string rather than an error.
// Tiers are never synchronised with each other: a fallback hit is not copied
// back into the cache.
package memory

import (
	"context"
	"log/slog"
	"time"

	"github.com/nekota/device-manager/internal/store"
)

const DefaultTTL = time.Hour

// Tier is one place memory content can live.
type Tier interface {
	Name() string
	Load(ctx context.Context, deviceID string) (string, bool, error)
	Store(ctx context.Context, deviceID, content string) error
}

// ExpiringCache is a key/value store with per-key TTL.
type ExpiringCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// DurableStore keeps content without expiry.
type DurableStore interface {
	GetMemory(ctx context.Context, deviceID string) (string, bool, error)
	PutMemory(ctx context.Context, deviceID, content string) error
}

type cacheTier struct {
	cache   ExpiringCache
	ttl     time.Duration
	timeout time.Duration
}

// CacheTier adapts an expiring cache; entries live for ttl and each call
// gives up after timeout (store.DefaultCallTimeout when zero).
func CacheTier(c ExpiringCache, ttl, timeout time.Duration) Tier {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if timeout <= 0 {
		timeout = store.DefaultCallTimeout
	}
	return cacheTier{cache: c, ttl: ttl, timeout: timeout}
}

func (t cacheTier) Name() string { return "cache" }

type cached struct {
	content string
	ok      bool
}

func (t cacheTier) Load(ctx context.Context, deviceID string) (string, bool, error) {
	c, err := store.Bounded(ctx, t.timeout, func(ctx context.Context) (cached, error) {
		v, ok, err := t.cache.Get(ctx, store.MemoryKey(deviceID))
		return cached{v, ok}, err
	})
	return c.content, c.ok, err
}

func (t cacheTier) Store(ctx context.Context, deviceID, content string) error {
	_, err := store.Bounded(ctx, t.timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.cache.Set(ctx, store.MemoryKey(deviceID), content, t.ttl)
	})
	return err
}

type durableTier struct {
	name  string
	store DurableStore
}

// DurableTier adapts a fallback store under the given name.
func DurableTier(name string, s DurableStore) Tier {
	return durableTier{name: name, store: s}
}

func (t durableTier) Name() string { return t.name }

func (t durableTier) Load(ctx context.Context, deviceID string) (string, bool, error) {
	return t.store.GetMemory(ctx, deviceID)
}

func (t durableTier) Store(ctx context.Context, deviceID, content string) error {
	return t.store.PutMemory(ctx, deviceID, content)
}

type Coordinator struct {
	tiers []Tier
}

// NewCoordinator consults tiers in the given order. Nil tiers are dropped.
func NewCoordinator(tiers ...Tier) *Coordinator {
	c := &Coordinator{}
	for _, t := range tiers {
		if t != nil {
			c.tiers = append(c.tiers, t)
		}
	}
	return c
}

// Save writes content to every tier and returns how many accepted it.
func (c *Coordinator) Save(ctx context.Context, deviceID, content string) int {
	stored := 0
	for _, t := range c.tiers {
		if err := t.Store(ctx, deviceID, content); err != nil {
			slog.Warn("memory save failed", "tier", t.Name(), "device_id", deviceID, "error", err)
			continue
		}
		stored++
	}
	return stored
}

// Query returns the content of the first tier holding a value together with
// that tier's name. Both are empty when no tier has anything.
func (c *Coordinator) Query(ctx context.Context, deviceID string) (content, source string) {
	for _, t := range c.tiers {
		v, ok, err := t.Load(ctx, deviceID)
		if err != nil {
			slog.Warn("memory read failed", "tier", t.Name(), "device_id", deviceID, "error", err)
			continue
		}
		if ok {
			return v, t.Name()
		}
	}
	return "", ""
}
