// Package cache holds the short-lived read-through cache for approval
// statistics.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pesio-ai/be-edu-approvals/internal/access"
	"github.com/pesio-ai/be-edu-approvals/internal/approvable"
	"github.com/pesio-ai/be-edu-approvals/internal/clock"
)

// Key identifies one cached aggregate.
type Key struct {
	Category approvable.Type
	UserID   int64
	Role     access.Role
}

func (k Key) String() string { return fmt.Sprintf("%s/%d/%s", k.Category, k.UserID, k.Role) }

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// StatsCache is a TTL cache keyed by (category, user, role). Every key is
// indexed under its category so Invalidate removes exactly the affected keys.
// A per-category generation keeps a load that raced an invalidation from
// repopulating stale data.
type StatsCache[V any] struct {
	ttl        time.Duration
	mu         sync.Mutex
	entries    map[Key]entry[V]
	index      map[approvable.Type]map[Key]struct{}
	generation map[approvable.Type]uint64
	group      singleflight.Group
	hits       uint64
	misses     uint64
}

func NewStatsCache[V any](ttl time.Duration) *StatsCache[V] {
	return &StatsCache[V]{
		ttl:        ttl,
		entries:    make(map[Key]entry[V]),
		index:      make(map[approvable.Type]map[Key]struct{}),
		generation: make(map[approvable.Type]uint64),
	}
}

// GetOrLoad returns the cached value for key, calling load on a miss.
// Concurrent misses for the same key share one load.
func (c *StatsCache[V]) GetOrLoad(ctx context.Context, key Key, load func(ctx context.Context) (V, error)) (V, error) {
	now := clock.Now()
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && now.Before(e.expiresAt) {
		c.hits++
		c.mu.Unlock()
		return e.value, nil
	}
	c.misses++
	gen := c.generation[key.Category]
	c.mu.Unlock()

	v, err, _ := c.group.Do(fmt.Sprintf("%s#%d", key, gen), func() (any, error) {
		value, err := load(ctx)
		if err != nil {
			return value, err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.generation[key.Category] == gen {
			c.entries[key] = entry[V]{value: value, expiresAt: clock.Now().Add(c.ttl)}
			keys, ok := c.index[key.Category]
			if !ok {
				keys = make(map[Key]struct{})
				c.index[key.Category] = keys
			}
			keys[key] = struct{}{}
		}
		return value, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

// Invalidate drops every entry of category and returns how many were removed.
func (c *StatsCache[V]) Invalidate(category approvable.Type) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation[category]++
	keys := c.index[category]
	for k := range keys {
		delete(c.entries, k)
	}
	delete(c.index, category)
	return len(keys)
}

// Len returns the number of stored entries, expired ones included.
func (c *StatsCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Counters returns hit and miss totals.
func (c *StatsCache[V]) Counters() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
