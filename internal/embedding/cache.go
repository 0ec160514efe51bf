package embedding

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/vigil/internal/observe"
)

// Reference is the cached recognition state of one profile. It is replaced
// as a whole, never mutated.
type Reference struct {
	ProfileID string
	Centroid  Vector
	Threshold float64
	Version   int64
}

// Loader fetches the current reference of a profile from storage.
type Loader func(ctx context.Context, profileID string) (Reference, error)

// Defaults for [NewCentroidCache].
const (
	DefaultCacheCapacity = 100
	DefaultCacheTTL      = 60 * time.Minute
)

type cacheEntry struct {
	ref      Reference
	storedAt time.Time
	elem     *list.Element
}

// CentroidCache maps profile ids to their [Reference]. Capacity overflow
// evicts the oldest-inserted entry; entries older than the TTL are dropped on
// read. Concurrent loads of the same profile are coalesced.
//
// CentroidCache is safe for concurrent use.
type CentroidCache struct {
	capacity int
	ttl      time.Duration
	now      func() time.Time
	metrics  *observe.Metrics

	mu      sync.Mutex
	entries map[string]*cacheEntry
	order   *list.List // of profile ids, oldest first
	gens    map[string]uint64

	group singleflight.Group
}

// CacheOption configures a [CentroidCache].
type CacheOption func(*CentroidCache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) CacheOption {
	return func(c *CentroidCache) { c.now = now }
}

// WithCacheMetrics records hit/miss counters on m.
func WithCacheMetrics(m *observe.Metrics) CacheOption {
	return func(c *CentroidCache) { c.metrics = m }
}

// NewCentroidCache returns a cache holding at most capacity entries for at
// most ttl each. Non-positive values select the defaults.
func NewCentroidCache(capacity int, ttl time.Duration, opts ...CacheOption) *CentroidCache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	c := &CentroidCache{
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
		entries:  make(map[string]*cacheEntry),
		order:    list.New(),
		gens:     make(map[string]uint64),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns the cached reference for profileID, loading it with load on a
// miss. Concurrent misses for the same id share one load.
func (c *CentroidCache) Get(ctx context.Context, profileID string, load Loader) (Reference, error) {
	if ref, ok := c.lookup(ctx, profileID); ok {
		return ref, nil
	}

	c.mu.Lock()
	gen := c.gens[profileID]
	c.mu.Unlock()

	v, err, _ := c.group.Do(profileID, func() (any, error) {
		ref, err := load(ctx, profileID)
		if err != nil {
			return Reference{}, err
		}
		c.putIfGen(ref, profileID, gen)
		return ref, nil
	})
	if err != nil {
		return Reference{}, err
	}
	return v.(Reference), nil
}

// Peek returns the cached reference without loading. Expired entries are
// dropped.
func (c *CentroidCache) Peek(profileID string) (Reference, bool) {
	return c.lookup(context.Background(), profileID)
}

// Put stores ref, replacing any previous value for its profile.
func (c *CentroidCache) Put(ref Reference) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store(ref.ProfileID, ref)
}

// Invalidate drops profileID. A load already in flight for it will not
// repopulate the cache.
func (c *CentroidCache) Invalidate(profileID string) {
	c.mu.Lock()
	c.gens[profileID]++
	c.remove(profileID)
	c.mu.Unlock()
	c.group.Forget(profileID)
}

// Len returns the number of cached entries, including expired ones not yet
// read.
func (c *CentroidCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *CentroidCache) lookup(ctx context.Context, profileID string) (Reference, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[profileID]
	switch {
	case !ok:
		c.recordLookup(ctx, "miss")
		return Reference{}, false
	case c.now().Sub(e.storedAt) >= c.ttl:
		c.remove(profileID)
		c.recordLookup(ctx, "expired")
		return Reference{}, false
	}
	c.recordLookup(ctx, "hit")
	return e.ref, true
}

func (c *CentroidCache) putIfGen(ref Reference, profileID string, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[profileID] != gen {
		return
	}
	c.store(profileID, ref)
}

// store must be called with c.mu held.
func (c *CentroidCache) store(profileID string, ref Reference) {
	c.remove(profileID)
	for len(c.entries) >= c.capacity {
		oldest := c.order.Front()
		if oldest == nil {
			break
		}
		c.remove(oldest.Value.(string))
	}
	e := &cacheEntry{ref: ref, storedAt: c.now()}
	e.elem = c.order.PushBack(profileID)
	c.entries[profileID] = e
}

// remove must be called with c.mu held.
func (c *CentroidCache) remove(profileID string) {
	if e, ok := c.entries[profileID]; ok {
		c.order.Remove(e.elem)
		delete(c.entries, profileID)
	}
}

func (c *CentroidCache) recordLookup(ctx context.Context, result string) {
	if c.metrics != nil {
		c.metrics.RecordCacheLookup(ctx, result)
	}
}
