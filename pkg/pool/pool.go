// Package pool keeps a small set of reusable H2 connections per origin (M5).
// Unlike the teacher's pkg/transport host pool, which parked raw net.Conn
// values between one-shot HTTP/1.1 exchanges, a pool entry here is a
// multiplexing *h2.Client: handing one out doesn't remove it from rotation,
// it just has to still have stream capacity. Eviction still follows the
// teacher's TTL-plus-LRU-over-capacity shape, and each entry gets exactly
// one goroutine waiting on its connection's GOAWAY/close signal instead of
// the teacher's periodic cleanupIdleConnections sweep.
package pool

import (
	"container/list"
	"strconv"
	"sync"
	"time"

	"github.com/sandboxnet/httpengine/pkg/h2"
)

// DefaultTTL is how long a pooled entry is offered for reuse before it is
// treated as stale, regardless of whether its connection is still healthy.
const DefaultTTL = 60 * time.Second

// DefaultCapacity is the total number of pooled entries kept across all
// origins before the least-recently-used one is evicted.
const DefaultCapacity = 20

type entry struct {
	key     string
	client  *h2.Client
	ts      time.Time
	removed bool
}

// Stats is a point-in-time snapshot of pool occupancy, per origin.
type Stats struct {
	Entries      int
	ByOrigin     map[string]int
	TotalReused  int64
	TotalEvicted int64
}

// Pool is a TTL-plus-LRU cache of *h2.Client entries keyed by origin.
type Pool struct {
	ttl      time.Duration
	capacity int

	mu       sync.Mutex
	byOrigin map[string][]*entry
	lru      *list.List // front = most recently used; elements are *entry
	index    map[*entry]*list.Element
	closed   bool

	reused  int64
	evicted int64
}

// New creates a Pool using DefaultTTL and DefaultCapacity.
func New() *Pool {
	return NewWithLimits(DefaultTTL, DefaultCapacity)
}

// NewWithLimits creates a Pool with explicit TTL and capacity.
func NewWithLimits(ttl time.Duration, capacity int) *Pool {
	return &Pool{
		ttl:      ttl,
		capacity: capacity,
		byOrigin: make(map[string][]*entry),
		lru:      list.New(),
		index:    make(map[*entry]*list.Element),
	}
}

func key(host string, port int) string {
	return host + ":" + strconv.Itoa(port)
}

// Get returns a pooled client for host:port that still has stream capacity
// and has not exceeded the pool's TTL, or (nil, false) if none qualifies.
// A qualifying entry is moved to the front of the LRU.
func (p *Pool) Get(host string, port int) (*h2.Client, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	k := key(host, port)
	now := time.Now()
	for _, e := range p.byOrigin[k] {
		if e.removed {
			continue
		}
		if now.Sub(e.ts) > p.ttl {
			continue
		}
		if !e.client.HasCapacity() {
			continue
		}
		p.lru.MoveToFront(p.index[e])
		p.reused++
		return e.client, true
	}
	return nil, false
}

// Put adds a freshly established client to the pool for host:port, evicting
// the least-recently-used entry if the pool is over capacity, and starts the
// one goroutine that retires this entry when its connection goes away.
func (p *Pool) Put(host string, port int, client *h2.Client) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		client.Close()
		return
	}

	k := key(host, port)
	for _, old := range p.byOrigin[k] {
		if old.client == client && !old.removed {
			// Already pooled: refresh it; its watcher is already running.
			old.ts = time.Now()
			p.lru.MoveToFront(p.index[old])
			p.mu.Unlock()
			return
		}
	}
	e := &entry{key: k, client: client, ts: time.Now()}
	p.byOrigin[k] = append(p.byOrigin[k], e)
	p.index[e] = p.lru.PushFront(e)
	p.evictOverCapacityLocked()
	p.mu.Unlock()

	go p.watch(e)
}

// watch is the single GOAWAY/close listener for one pooled entry.
func (p *Pool) watch(e *entry) {
	<-e.client.Done()
	p.remove(e)
}

func (p *Pool) remove(e *entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(e)
}

func (p *Pool) removeLocked(e *entry) {
	if e.removed {
		return
	}
	e.removed = true

	if el, ok := p.index[e]; ok {
		p.lru.Remove(el)
		delete(p.index, e)
	}

	siblings := p.byOrigin[e.key]
	for i, sib := range siblings {
		if sib == e {
			p.byOrigin[e.key] = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
	if len(p.byOrigin[e.key]) == 0 {
		delete(p.byOrigin, e.key)
	}
}

// evictOverCapacityLocked closes and removes least-recently-used entries
// until the pool is at or under capacity. Called with p.mu held.
func (p *Pool) evictOverCapacityLocked() {
	for p.lru.Len() > p.capacity {
		back := p.lru.Back()
		e := back.Value.(*entry)
		p.removeLocked(e)
		p.evicted++
		e.client.Close()
	}
}

// Stats returns a snapshot of current pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		ByOrigin:     make(map[string]int, len(p.byOrigin)),
		TotalReused:  p.reused,
		TotalEvicted: p.evicted,
	}
	for k, entries := range p.byOrigin {
		n := 0
		for _, e := range entries {
			if !e.removed {
				n++
			}
		}
		s.ByOrigin[k] = n
		s.Entries += n
	}
	return s
}

// Clear closes every pooled client and empties the pool. Safe to call
// concurrently with in-flight Get/Put; entries added after Clear returns are
// unaffected, but a Put racing Clear may have its client closed immediately.
func (p *Pool) Clear() {
	p.mu.Lock()
	all := make([]*entry, 0, p.lru.Len())
	for el := p.lru.Front(); el != nil; el = el.Next() {
		all = append(all, el.Value.(*entry))
	}
	for _, e := range all {
		p.removeLocked(e)
	}
	p.mu.Unlock()

	for _, e := range all {
		e.client.Close()
	}
}

// Close clears the pool and marks it closed: subsequent Put calls close the
// offered client instead of pooling it.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.Clear()
}
