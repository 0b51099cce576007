package daemon

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const (
	seenCacheCap = 1 << 17
	seenCacheTTL = 10 * time.Minute

	limiterIdle = 10 * time.Minute
)

// seenCache remembers recently handled hashes so a blob arriving over
// several gossip paths is processed once. Entries expire by the runner
// clock; the LRU bounds memory.
type seenCache struct {
	mu    sync.Mutex
	clock clock.Clock
	ttl   time.Duration
	lru   *lru.Cache[[32]byte, time.Time]
}

func newSeenCache(clk clock.Clock, capacity int, ttl time.Duration) *seenCache {
	if capacity <= 0 {
		capacity = seenCacheCap
	}
	if ttl <= 0 {
		ttl = seenCacheTTL
	}
	cache, _ := lru.New[[32]byte, time.Time](capacity)
	return &seenCache{clock: clk, ttl: ttl, lru: cache}
}

// CheckAndAdd reports whether hash was already present, recording it either
// way.
func (c *seenCache) CheckAndAdd(hash [32]byte) bool {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	expires, ok := c.lru.Get(hash)
	c.lru.Add(hash, now.Add(c.ttl))
	return ok && expires.After(now)
}

func (c *seenCache) Has(hash [32]byte) bool {
	expires, ok := c.lru.Peek(hash)
	return ok && expires.After(c.clock.Now())
}

func (c *seenCache) Add(hash [32]byte) {
	c.CheckAndAdd(hash)
}

func (c *seenCache) Len() int {
	return c.lru.Len()
}

// senderLimits holds one token bucket per remote host.
type senderLimits struct {
	mu      sync.Mutex
	clock   clock.Clock
	limit   rate.Limit
	burst   int
	buckets map[string]*senderBucket
	sweep   time.Time
}

type senderBucket struct {
	lim  *rate.Limiter
	last time.Time
}

func newSenderLimits(clk clock.Clock, perSec float64, burst int) *senderLimits {
	return &senderLimits{
		clock:   clk,
		limit:   rate.Limit(perSec),
		burst:   burst,
		buckets: make(map[string]*senderBucket),
	}
}

func (l *senderLimits) allow(key string) bool {
	if l.limit <= 0 || key == "" {
		return true
	}
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &senderBucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.last = now
	if now.Sub(l.sweep) > limiterIdle {
		for k, other := range l.buckets {
			if now.Sub(other.last) > limiterIdle {
				delete(l.buckets, k)
			}
		}
		l.sweep = now
	}
	return b.lim.AllowN(now, 1)
}
