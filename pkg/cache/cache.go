// Package cache provides bounded per-domain LRU caches for expensive
// filter queries. Staleness is tracked with a monotonic generation
// counter per domain, not wall-clock time: any mutation bumps the
// domain's generation and every entry recorded under an older generation
// is treated as a miss.
package cache

import (
	"strings"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Domain is the invalidation granularity. Invalidation is deliberately
// coarse: a whole domain at a time, never per-entry diffing.
type Domain string

const (
	DomainCategory Domain = "category"
	DomainProject  Domain = "project"
	DomainArea     Domain = "area"
	DomainAdvanced Domain = "advanced"
)

// Domains lists every filter domain. A mutation that cannot be attributed
// to a single domain invalidates all of them.
var Domains = []Domain{DomainCategory, DomainProject, DomainArea, DomainAdvanced}

// DefaultCapacity bounds each domain's cache.
const DefaultCapacity = 128

type entry[V any] struct {
	gen   uint64
	value V
}

// Manager holds one LRU per domain plus the generation counters. The
// counters are the only state mutated from concurrent writer paths, so
// they are atomics; the LRUs are internally locked.
type Manager[V any] struct {
	capacity int

	mu     sync.Mutex
	caches map[Domain]*lru.Cache[string, entry[V]]
	gens   map[Domain]*atomic.Uint64
}

// New creates a Manager with the given per-domain capacity.
func New[V any](capacity int) *Manager[V] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	m := &Manager[V]{
		capacity: capacity,
		caches:   make(map[Domain]*lru.Cache[string, entry[V]]),
		gens:     make(map[Domain]*atomic.Uint64),
	}
	for _, d := range Domains {
		m.domain(d)
	}
	return m
}

func (m *Manager[V]) domain(d Domain) (*lru.Cache[string, entry[V]], *atomic.Uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.caches[d]
	if !ok {
		// Capacity is validated in New, so this cannot fail.
		c, _ = lru.New[string, entry[V]](m.capacity)
		m.caches[d] = c
		m.gens[d] = &atomic.Uint64{}
	}
	return c, m.gens[d]
}

// Generation returns the domain's current generation. Callers snapshot it
// before computing a result and hand it back to Put, so a result computed
// across an invalidation is discarded instead of cached.
func (m *Manager[V]) Generation(d Domain) uint64 {
	_, gen := m.domain(d)
	return gen.Load()
}

// Get returns the cached value for key if it exists and is not older than
// the domain's last invalidation.
func (m *Manager[V]) Get(d Domain, key string) (V, bool) {
	c, gen := m.domain(d)
	e, ok := c.Get(key)
	if !ok || e.gen != gen.Load() {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Put stores a value computed under generation gen. If the domain has
// been invalidated since, the value is silently dropped.
func (m *Manager[V]) Put(d Domain, key string, gen uint64, value V) {
	c, cur := m.domain(d)
	if cur.Load() != gen {
		return
	}
	c.Add(key, entry[V]{gen: gen, value: value})
}

// Invalidate bumps the generation of the given domains (all domains when
// none are named). Entries stay in the LRU until evicted or overwritten;
// the generation check makes them invisible.
func (m *Manager[V]) Invalidate(domains ...Domain) {
	if len(domains) == 0 {
		domains = Domains
	}
	for _, d := range domains {
		_, gen := m.domain(d)
		gen.Add(1)
	}
}

// Key canonicalizes filter parameters into a cache key. Parts are joined
// with a separator that cannot appear in ids.
func Key(parts ...string) string {
	return strings.Join(parts, "\x1f")
}
