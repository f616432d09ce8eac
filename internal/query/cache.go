// Package query provides request de-duplication and staleness-aware caching
// for gateway reads, plus the invalidation edges fired by update mutations.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/clean-dependency-project/botctl/internal/versions"
)

// Kind names a cached resource.
type Kind string

const (
	KindComponentsVersion Kind = "components_version"
	KindComponentCheck    Kind = "component_check"
	KindBackups           Kind = "backups"
	KindHistory           Kind = "history"
	KindReleases          Kind = "releases"
)

// Key identifies one cached query.
type Key struct {
	Kind       Kind
	InstanceID string
	Component  versions.Component
	Extra      string
}

// String renders the composite key. Segments are separated by a byte that
// cannot appear in instance ids or component names.
func (k Key) String() string {
	return strings.Join([]string{string(k.Kind), k.InstanceID, string(k.Component), k.Extra}, "\x1f")
}

// DefaultFetchTimeout bounds a shared fetch once it no longer follows the
// context of the caller that started it.
const DefaultFetchTimeout = time.Minute

// Policy holds the staleness window of every kind. A zero window disables
// caching for that kind; concurrent calls are still de-duplicated.
type Policy map[Kind]time.Duration

// DefaultPolicy returns the staleness windows used when none are configured.
func DefaultPolicy() Policy {
	return Policy{
		KindComponentsVersion: 6 * time.Hour,
		KindComponentCheck:    0,
		KindBackups:           0,
		KindHistory:           0,
		KindReleases:          10 * time.Minute,
	}
}

// Stats counts cache outcomes.
type Stats struct {
	Hits          int64
	Misses        int64
	Shared        int64
	Invalidations int64
}

type entry struct {
	value     any
	fetchedAt time.Time
}

// flight tracks a key while callers or a fetch are using it. gen is bumped by
// invalidation so a fetch that started earlier does not store its result.
type flight struct {
	key   Key
	gen   uint64
	users int
}

// Cache is safe for concurrent use.
type Cache struct {
	policy       Policy
	now          func() time.Time
	logger       *slog.Logger
	fetchTimeout time.Duration

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]entry
	keys    map[string]Key
	flights map[string]*flight
	stats   Stats
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock injects the time source used for staleness decisions.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithFetchTimeout bounds every shared fetch. Non-positive values keep the default.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

// WithLogger sets the logger used for cache diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// New creates a cache with the given policy. Kinds missing from policy use DefaultPolicy.
func New(policy Policy, opts ...Option) *Cache {
	merged := DefaultPolicy()
	for k, v := range policy {
		merged[k] = v
	}
	c := &Cache{
		policy:       merged,
		now:          time.Now,
		logger:       slog.Default(),
		fetchTimeout: DefaultFetchTimeout,
		entries:      make(map[string]entry),
		keys:         make(map[string]Key),
		flights:      make(map[string]*flight),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetcher loads a fresh value for a key.
type Fetcher func(ctx context.Context) (any, error)

// Do returns the cached value for key when it is within its staleness window,
// otherwise it calls fetch. Concurrent calls for the same key share a single
// in-flight fetch. The fetch is not canceled when the caller that started it
// gives up; it runs under the fetch timeout instead, and each caller still
// returns as soon as its own ctx is done. Errors are never cached.
func (c *Cache) Do(ctx context.Context, key Key, fetch Fetcher) (any, error) {
	return c.do(ctx, key, fetch, false)
}

// Refresh bypasses any cached value but still joins an in-flight fetch.
func (c *Cache) Refresh(ctx context.Context, key Key, fetch Fetcher) (any, error) {
	return c.do(ctx, key, fetch, true)
}

func (c *Cache) do(ctx context.Context, key Key, fetch Fetcher, force bool) (any, error) {
	id := key.String()
	ttl := c.policy[key.Kind]

	c.mu.Lock()
	if !force && ttl > 0 {
		if e, ok := c.entries[id]; ok && c.now().Sub(e.fetchedAt) < ttl {
			c.stats.Hits++
			c.mu.Unlock()
			return e.value, nil
		}
	}
	c.stats.Misses++
	f := c.acquireLocked(id, key)
	c.mu.Unlock()

	ch := c.group.DoChan(id, func() (any, error) {
		c.mu.Lock()
		own := c.acquireLocked(id, key)
		gen := own.gen
		c.mu.Unlock()
		defer c.release(id, own)

		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()
		value, err := fetch(fctx)
		if err != nil {
			return nil, err
		}
		if ttl > 0 {
			c.store(id, key, own, gen, value)
		}
		return value, nil
	})

	select {
	case res := <-ch:
		c.mu.Lock()
		if res.Shared {
			c.stats.Shared++
		}
		c.releaseLocked(id, f)
		c.mu.Unlock()
		return res.Val, res.Err
	case <-ctx.Done():
		c.release(id, f)
		return nil, ctx.Err()
	}
}

func (c *Cache) acquireLocked(id string, key Key) *flight {
	f, ok := c.flights[id]
	if !ok {
		f = &flight{key: key}
		c.flights[id] = f
	}
	f.users++
	return f
}

func (c *Cache) release(id string, f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked(id, f)
}

func (c *Cache) releaseLocked(id string, f *flight) {
	f.users--
	if f.users <= 0 && c.flights[id] == f {
		delete(c.flights, id)
	}
}

// store saves value unless the key was invalidated after the fetch started.
func (c *Cache) store(id string, key Key, f *flight, gen uint64, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f.gen != gen {
		c.logger.Debug("dropping fetch result invalidated in flight", "key", key.Kind, "instance_id", key.InstanceID)
		return
	}
	c.entries[id] = entry{value: value, fetchedAt: c.now()}
	c.keys[id] = key
}

// Peek returns a cached value regardless of its age.
func (c *Cache) Peek(key Key) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.String()]
	return e.value, ok
}

// Set replaces the cached value for key, used to patch a list after a live check.
func (c *Cache) Set(key Key, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := key.String()
	c.entries[id] = entry{value: value, fetchedAt: c.now()}
	c.keys[id] = key
}

// Patch rewrites a cached value in place without extending its staleness
// window. It reports whether an entry was present.
func (c *Cache) Patch(key Key, fn func(any) any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := key.String()
	e, ok := c.entries[id]
	if !ok {
		return false
	}
	e.value = fn(e.value)
	c.entries[id] = e
	return true
}

// Invalidate drops the given keys and forgets any fetch in flight for them.
func (c *Cache) Invalidate(keys ...Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		c.invalidateLocked(k.String())
	}
}

// InvalidateMatching drops every cached or in-flight key accepted by match.
func (c *Cache) InvalidateMatching(match func(Key) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	matched := make(map[string]struct{})
	for id, k := range c.keys {
		if match(k) {
			matched[id] = struct{}{}
		}
	}
	for id, f := range c.flights {
		if match(f.key) {
			matched[id] = struct{}{}
		}
	}
	for id := range matched {
		c.invalidateLocked(id)
	}
	return len(matched)
}

// InvalidateInstance implements the mutation contract: after an update or
// restore, the instance's version list, the component's check detail and every
// backups and history query of the instance are dropped. Component may be empty
// when a restore does not know which component it touched.
func (c *Cache) InvalidateInstance(instanceID string, component versions.Component) {
	c.Invalidate(
		Key{Kind: KindComponentsVersion, InstanceID: instanceID},
		Key{Kind: KindComponentCheck, InstanceID: instanceID, Component: component},
	)
	n := c.InvalidateMatching(func(k Key) bool {
		if k.InstanceID != instanceID {
			return false
		}
		switch k.Kind {
		case KindBackups, KindHistory:
			return true
		case KindComponentCheck:
			return component == "" || k.Component == component
		}
		return false
	})
	c.logger.Debug("invalidated instance queries", "instance_id", instanceID, "component", component, "extra_keys", n)
}

func (c *Cache) invalidateLocked(id string) {
	delete(c.entries, id)
	delete(c.keys, id)
	if f, ok := c.flights[id]; ok {
		f.gen++
	}
	c.group.Forget(id)
	c.stats.Invalidations++
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Typed wraps Do for a concrete value type.
func Typed[T any](ctx context.Context, c *Cache, key Key, force bool, fetch func(context.Context) (T, error)) (T, error) {
	f := func(ctx context.Context) (any, error) { return fetch(ctx) }
	var (
		v   any
		err error
	)
	if force {
		v, err = c.Refresh(ctx, key, f)
	} else {
		v, err = c.Do(ctx, key, f)
	}
	if err != nil {
		var zero T
		return zero, err
	}
	out, ok := v.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("cached value for %s has type %T", key.Kind, v)
	}
	return out, nil
}
