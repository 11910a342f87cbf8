package report

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// BuildFunc produces a report when the cache has no usable entry.
type BuildFunc func(ctx context.Context) (*Report, error)

type cacheEntry struct {
	report   *Report
	roadCode string
	expires  time.Time
}

// Cache holds built reports keyed by filter, with TTL expiry and explicit
// per-road invalidation. Concurrent builds for the same key are collapsed so a
// stampede of identical requests runs the builder once.
type Cache struct {
	ttl time.Duration
	sf  singleflight.Group

	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewCache creates a Cache. A non-positive TTL disables expiry; entries then
// live until invalidated.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

// Key derives the cache key for a filter.
func Key(f Filter) string {
	var b strings.Builder
	b.WriteString(f.RoadCode)
	b.WriteByte('|')
	b.WriteString(f.AssetCode)
	b.WriteByte('|')
	b.WriteString(strings.Join(f.Attributes, ","))
	b.WriteByte('|')
	if f.Window.Start != nil {
		fmt.Fprintf(&b, "%d", *f.Window.Start)
	}
	b.WriteByte(':')
	if f.Window.End != nil {
		fmt.Fprintf(&b, "%d", *f.Window.End)
	}
	return b.String()
}

// Get returns the cached report for the filter, building and storing it on a
// miss or after expiry.
func (c *Cache) Get(ctx context.Context, f Filter, build BuildFunc) (*Report, error) {
	key := Key(f)

	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()
	if ok && (c.ttl <= 0 || time.Now().Before(entry.expires)) {
		return entry.report, nil
	}

	v, err, _ := c.sf.Do(key, func() (interface{}, error) {
		rep, err := build(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = cacheEntry{
			report:   rep,
			roadCode: f.RoadCode,
			expires:  time.Now().Add(c.ttl),
		}
		c.mu.Unlock()
		return rep, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Report), nil
}

// Invalidate drops every entry built for the road code. Called after any
// write to the road's surveys or segments.
func (c *Cache) Invalidate(roadCode string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		if entry.roadCode == roadCode {
			delete(c.entries, key)
		}
	}
}
