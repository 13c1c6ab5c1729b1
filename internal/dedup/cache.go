package dedup

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	DefaultTTL    = 10 * time.Second
	defaultShards = 16
)

// Cache is a time-windowed set of fingerprints. Entries expire TTL after
// insertion; expired entries are dropped lazily on lookup and by a background
// sweep. The cache never evicts live entries for size.
type Cache struct {
	ttl    time.Duration
	clock  Clock
	shards []*shard

	hits    atomic.Int64
	misses  atomic.Int64
	expired atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

type shard struct {
	mu    sync.Mutex
	items map[string]time.Time // key -> expiry
}

// Stats is a snapshot of cache activity.
type Stats struct {
	Size    int
	Hits    int64 // Lookups that found a live entry
	Misses  int64 // Lookups that inserted a new entry
	Expired int64 // Entries removed after their TTL
}

type options struct {
	clock         Clock
	shards        int
	sweepInterval time.Duration
}

// Option configures a Cache.
type Option func(*options)

// WithClock sets the time source.
func WithClock(c Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithShards sets the number of lock shards.
func WithShards(n int) Option {
	return func(o *options) { o.shards = n }
}

// WithSweepInterval sets how often expired entries are swept. Zero or negative
// disables the background sweep.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) { o.sweepInterval = d }
}

// New creates a cache with the given TTL. A non-positive ttl uses DefaultTTL.
func New(ttl time.Duration, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	o := options{
		clock:         systemClock{},
		shards:        defaultShards,
		sweepInterval: ttl,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.shards < 1 {
		o.shards = 1
	}

	c := &Cache{
		ttl:    ttl,
		clock:  o.clock,
		shards: make([]*shard, o.shards),
		done:   make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i] = &shard{items: make(map[string]time.Time)}
	}

	if o.sweepInterval > 0 {
		c.wg.Add(1)
		go c.sweepLoop(o.sweepInterval)
	}

	return c
}

// TTL returns the configured entry lifetime.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Seen reports whether key has a live entry. If it does not, the key is
// inserted with a fresh TTL. The check and insert happen under one lock, so
// of several concurrent callers with the same key exactly one gets false.
// A hit does not extend the entry's lifetime.
func (c *Cache) Seen(key string) bool {
	now := c.clock.Now()
	s := c.shardFor(key)

	s.mu.Lock()
	exp, ok := s.items[key]
	if ok && now.Before(exp) {
		s.mu.Unlock()
		c.hits.Add(1)
		return true
	}
	if ok {
		c.expired.Add(1)
	}
	s.items[key] = now.Add(c.ttl)
	s.mu.Unlock()

	c.misses.Add(1)
	return false
}

// Sweep removes all expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	now := c.clock.Now()
	removed := 0

	for _, s := range c.shards {
		s.mu.Lock()
		for k, exp := range s.items {
			if !now.Before(exp) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}

	c.expired.Add(int64(removed))
	return removed
}

// Size returns the number of stored entries, including expired ones not yet
// swept.
func (c *Cache) Size() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.items)
		s.mu.Unlock()
	}
	return n
}

// Clear drops every entry.
func (c *Cache) Clear() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.items = make(map[string]time.Time)
		s.mu.Unlock()
	}
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Size:    c.Size(),
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Expired: c.expired.Load(),
	}
}

// Close stops the background sweep and drops every entry. Safe to call more
// than once.
func (c *Cache) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.wg.Wait()
		c.Clear()
	})
}

func (c *Cache) shardFor(key string) *shard {
	return c.shards[xxhash.Sum64String(key)%uint64(len(c.shards))]
}

func (c *Cache) sweepLoop(interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}
