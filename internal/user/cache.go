package user

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	cacheTTL     = 5 * time.Minute
	cacheMaxSize = 100
)

var cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "portal_user_record_cache_lookups_total",
	Help: "User record cache lookups by outcome.",
}, []string{"outcome"})

type cacheEntry struct {
	rec     *Record
	counter int64
	expires time.Time
	stored  time.Time
}

// recordCache is a TTL- and capacity-bounded map of username to last-known
// record. Entries are only trusted after the caller re-checks the stored
// revision counter against the record store.
type recordCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	ttl     time.Duration
	max     int
	now     func() time.Time
}

func newRecordCache() *recordCache {
	return &recordCache{
		entries: make(map[string]cacheEntry),
		ttl:     cacheTTL,
		max:     cacheMaxSize,
		now:     time.Now,
	}
}

// get returns the cached record clone and its counter snapshot.
func (c *recordCache) get(username string) (*Record, int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[username]
	if !ok {
		cacheLookups.WithLabelValues("miss").Inc()
		return nil, 0, false
	}
	if c.now().After(entry.expires) {
		delete(c.entries, username)
		cacheLookups.WithLabelValues("expired").Inc()
		return nil, 0, false
	}
	cacheLookups.WithLabelValues("hit").Inc()
	return entry.rec.clone(), entry.counter, true
}

func (c *recordCache) put(username string, rec *Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.max {
		if _, exists := c.entries[username]; !exists {
			c.evictOldestLocked()
		}
	}
	now := c.now()
	c.entries[username] = cacheEntry{
		rec:     rec.clone(),
		counter: rec.Counter(),
		expires: now.Add(c.ttl),
		stored:  now,
	}
}

// evictOldestLocked drops the entry stored earliest. Insertion-order
// eviction is enough at this capacity.
func (c *recordCache) evictOldestLocked() {
	var oldest string
	var oldestAt time.Time
	for name, entry := range c.entries {
		if oldest == "" || entry.stored.Before(oldestAt) {
			oldest = name
			oldestAt = entry.stored
		}
	}
	if oldest != "" {
		delete(c.entries, oldest)
	}
}

func (c *recordCache) invalidate(username string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, username)
}

func (c *recordCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
