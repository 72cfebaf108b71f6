// Package configcache keeps configuration loaded from the repository, keyed by node path.
//
// Entries are loaded lazily and reloaded on the next Get after MarkDirty touches their path.
// Nothing is reloaded eagerly.
package configcache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"

	"github.com/MrSnakeDoc/hstroute/internal/metrics"
	"github.com/MrSnakeDoc/hstroute/internal/repository"
)

// ErrConfigLoading is returned when a reload from the repository fails. The previous value
// is not served in its place.
var ErrConfigLoading = errors.New("configcache: configuration loading failed")

// DefaultSize bounds a cache when no size is given.
const DefaultSize = 4096

// Loader reads and compiles the configuration at path.
type Loader[T any] func(ctx context.Context, path string) (T, error)

type entry[T any] struct {
	value T
	gen   uint64 // generation at which the load started
}

// Cache is a keyed, lazily populated cache of compiled configuration.
type Cache[T any] struct {
	name string
	load Loader[T]

	entries *lru.Cache
	group   singleflight.Group

	mu       sync.Mutex
	gen      uint64
	dirty    map[string]uint64 // path -> generation of the latest mark
	inflight map[string]int

	hits, misses, reloads, failures atomic.Uint64
}

// Stats is a point-in-time view of a cache.
type Stats struct {
	Name     string `json:"name"`
	Entries  int    `json:"entries"`
	Dirty    int    `json:"dirty"`
	Hits     uint64 `json:"hits"`
	Misses   uint64 `json:"misses"`
	Reloads  uint64 `json:"reloads"`
	Failures uint64 `json:"failures"`
}

// New creates a cache. If size <= 0, DefaultSize is used.
func New[T any](name string, size int, load Loader[T]) *Cache[T] {
	if size <= 0 {
		size = DefaultSize
	}
	entries, _ := lru.New(size)
	return &Cache[T]{
		name:     name,
		load:     load,
		entries:  entries,
		dirty:    make(map[string]uint64),
		inflight: make(map[string]int),
	}
}

// Name identifies the cache in logs and metrics.
func (c *Cache[T]) Name() string { return c.name }

// Get returns the value for path, loading it when absent or dirty.
func (c *Cache[T]) Get(ctx context.Context, path string) (T, error) {
	path = repository.Clean(path)

	c.mu.Lock()
	markGen, isDirty := c.dirty[path]
	if !isDirty {
		if v, ok := c.entries.Get(path); ok {
			c.mu.Unlock()
			c.hits.Add(1)
			metrics.CacheHits.WithLabelValues(c.name).Inc()
			return v.(entry[T]).value, nil
		}
	}
	c.mu.Unlock()

	c.misses.Add(1)
	metrics.CacheMisses.WithLabelValues(c.name).Inc()

	// A caller arriving after a mark must not join a load that started before it.
	key := path + "@" + strconv.FormatUint(markGen, 10)
	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.reload(context.WithoutCancel(ctx), path)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	val, _ := v.(T)
	return val, nil
}

func (c *Cache[T]) reload(ctx context.Context, path string) (T, error) {
	c.mu.Lock()
	start := c.gen
	c.inflight[path]++
	c.mu.Unlock()

	c.reloads.Add(1)
	v, err := c.load(ctx, path)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight[path]--; c.inflight[path] <= 0 {
		delete(c.inflight, path)
	}
	if err != nil {
		c.failures.Add(1)
		metrics.CacheLoadErrors.WithLabelValues(c.name).Inc()
		var zero T
		return zero, fmt.Errorf("%w: %s: %w", ErrConfigLoading, path, err)
	}

	if old, ok := c.entries.Peek(path); !ok || old.(entry[T]).gen <= start {
		c.entries.Add(path, entry[T]{value: v, gen: start})
	}
	if g, ok := c.dirty[path]; ok && g <= start {
		delete(c.dirty, path)
	}
	metrics.DirtyEntries.WithLabelValues(c.name).Set(float64(len(c.dirty)))
	return v, nil
}

// MarkDirty flags every cached or loading entry that is an ancestor or a descendant of one
// of the given paths. Marking the same paths again has no further effect until they reload.
func (c *Cache[T]) MarkDirty(paths []string) {
	if len(paths) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	keys := make([]string, 0, c.entries.Len()+len(c.inflight))
	for _, k := range c.entries.Keys() {
		keys = append(keys, k.(string))
	}
	for k := range c.inflight {
		keys = append(keys, k)
	}

	for _, p := range paths {
		p = repository.Clean(p)
		for _, k := range keys {
			if repository.Within(k, p) || repository.Within(p, k) {
				c.dirty[k] = c.gen
			}
		}
	}
	metrics.DirtyEntries.WithLabelValues(c.name).Set(float64(len(c.dirty)))
}

// Dirty reports whether path is waiting for a reload.
func (c *Cache[T]) Dirty(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.dirty[repository.Clean(path)]
	return ok
}

// DirtyPaths returns the paths waiting for a reload.
func (c *Cache[T]) DirtyPaths() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.dirty))
	for p := range c.dirty {
		out = append(out, p)
	}
	return out
}

// Purge drops every entry.
func (c *Cache[T]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
	c.gen++
	// loads in flight must not clear a mark made after they started
	for p := range c.inflight {
		c.dirty[p] = c.gen
	}
	for p := range c.dirty {
		if _, ok := c.inflight[p]; !ok {
			delete(c.dirty, p)
		}
	}
	metrics.DirtyEntries.WithLabelValues(c.name).Set(float64(len(c.dirty)))
}

// Stats returns the current counters.
func (c *Cache[T]) Stats() Stats {
	c.mu.Lock()
	dirty := len(c.dirty)
	c.mu.Unlock()
	return Stats{
		Name:     c.name,
		Entries:  c.entries.Len(),
		Dirty:    dirty,
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Reloads:  c.reloads.Load(),
		Failures: c.failures.Load(),
	}
}
