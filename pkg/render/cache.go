// ABOUTME: Render cache memoizing substituted template output per binding set
// ABOUTME: Entries expire after a TTL and are dropped when their template changes

package render

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/RsousaIA/agentewhatsappia-sub001/pkg/template"
)

// DefaultTTL is how long a rendered string stays valid
const DefaultTTL = time.Hour

// Source resolves template ids; *store.Store implements it
type Source interface {
	Get(ctx context.Context, id string) (*template.Template, error)
}

// Recorder receives cache lookups and size
type Recorder interface {
	RecordCacheLookup(hit bool)
	SetCacheEntries(n int)
}

type nopRecorder struct{}

func (nopRecorder) RecordCacheLookup(bool) {}
func (nopRecorder) SetCacheEntries(int)    {}

type entry struct {
	id       string
	output   string
	storedAt time.Time
}

// Stats is a point-in-time view of cache counters
type Stats struct {
	Hits          uint64
	Misses        uint64
	Substitutions uint64
	Entries       int
}

// Cache renders templates from a Source and memoizes the results
type Cache struct {
	source   Source
	ttl      time.Duration
	now      func() time.Time
	log      zerolog.Logger
	recorder Recorder

	mu      sync.RWMutex
	entries map[string]entry
	keys    map[string]map[string]struct{} // template id -> cache keys
	gens     map[string]uint64 // bumped by invalidations racing a render
	inflight map[string]int    // renders of id currently reading the source

	hits          atomic.Uint64
	misses        atomic.Uint64
	substitutions atomic.Uint64
}

// Option configures a Cache
type Option func(*Cache)

// WithTTL sets the entry lifetime
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the cache's logger
func WithLogger(l zerolog.Logger) Option {
	return func(c *Cache) { c.log = l }
}

// WithRecorder sets the metrics recorder
func WithRecorder(r Recorder) Option {
	return func(c *Cache) { c.recorder = r }
}

// New creates an empty cache over source
func New(source Source, opts ...Option) *Cache {
	c := &Cache{
		source:   source,
		ttl:      DefaultTTL,
		now:      time.Now,
		log:      zerolog.Nop(),
		recorder: nopRecorder{},
		entries:  make(map[string]entry),
		keys:     make(map[string]map[string]struct{}),
		gens:     make(map[string]uint64),
		inflight: make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Render returns the template's content with every declared variable
// replaced by its binding. Extra bindings are ignored; undeclared
// placeholders are left as written.
func (c *Cache) Render(ctx context.Context, id string, bindings map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := cacheKey(id, bindings)

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && c.now().Sub(e.storedAt) < c.ttl {
		c.hits.Add(1)
		c.recorder.RecordCacheLookup(true)
		return e.output, nil
	}
	c.misses.Add(1)
	c.recorder.RecordCacheLookup(false)

	gen := c.begin(id)
	output, err := c.substitute(ctx, id, bindings)

	c.mu.Lock()
	// A template changed while we rendered; don't cache stale output
	if err == nil && c.gens[id] == gen {
		c.entries[key] = entry{id: id, output: output, storedAt: c.now()}
		set, ok := c.keys[id]
		if !ok {
			set = make(map[string]struct{})
			c.keys[id] = set
		}
		set[key] = struct{}{}
	}
	c.endLocked(id)
	n := len(c.entries)
	c.mu.Unlock()
	if err != nil {
		return "", err
	}
	c.recorder.SetCacheEntries(n)

	return output, nil
}

func (c *Cache) substitute(ctx context.Context, id string, bindings map[string]string) (string, error) {
	t, err := c.source.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if missing := template.Missing(t.Variables, bindings); len(missing) > 0 {
		return "", template.MissingVariables("render", id, missing)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	output := template.Substitute(t.Content, t.Variables, bindings)
	c.substitutions.Add(1)
	return output, nil
}

// begin registers a render of id and returns the generation it started under
func (c *Cache) begin(id string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight[id]++
	return c.gens[id]
}

// endLocked releases a render of id; bookkeeping goes with the last one
func (c *Cache) endLocked(id string) {
	c.inflight[id]--
	if c.inflight[id] <= 0 {
		delete(c.inflight, id)
		delete(c.gens, id)
	}
}

// ClearExpired drops every entry at least TTL old and returns how many
func (c *Cache) ClearExpired() int {
	now := c.now()
	c.mu.Lock()
	removed := 0
	for key, e := range c.entries {
		if now.Sub(e.storedAt) >= c.ttl {
			c.removeLocked(key, e.id)
			removed++
		}
	}
	n := len(c.entries)
	c.mu.Unlock()

	c.recorder.SetCacheEntries(n)
	return removed
}

// Invalidate drops every entry rendered from id
func (c *Cache) Invalidate(id string) {
	c.mu.Lock()
	if c.inflight[id] > 0 {
		c.gens[id]++
	}
	for key := range c.keys[id] {
		delete(c.entries, key)
	}
	delete(c.keys, id)
	n := len(c.entries)
	c.mu.Unlock()

	c.recorder.SetCacheEntries(n)
}

// Stats returns current counters
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	n := len(c.entries)
	c.mu.RUnlock()
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Substitutions: c.substitutions.Load(),
		Entries:       n,
	}
}

func (c *Cache) removeLocked(key, id string) {
	delete(c.entries, key)
	if set, ok := c.keys[id]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(c.keys, id)
		}
	}
}

// cacheKey is independent of map iteration order. Every part is length
// prefixed so no choice of names or values can collide.
func cacheKey(id string, bindings map[string]string) string {
	names := make([]string, 0, len(bindings))
	for name := range bindings {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	writePart(&b, id)
	for _, name := range names {
		writePart(&b, name)
		writePart(&b, bindings[name])
	}
	return b.String()
}

func writePart(b *strings.Builder, s string) {
	b.WriteString(strconv.Itoa(len(s)))
	b.WriteByte(':')
	b.WriteString(s)
}
