package oidc

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

const (
	refreshTTL     = 10 * time.Minute
	refreshMaxSize = 100
)

var refreshLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "portal_refresh_cache_lookups_total",
	Help: "Refresh token cache lookups by outcome.",
}, []string{"outcome"})

type refreshEntry struct {
	tokens  TokenSet
	expires time.Time
	stored  time.Time
}

// refreshCache maps a raw refresh token to its most recently exchanged
// token triple. TTL- and capacity-bounded, insertion-order eviction.
type refreshCache struct {
	mu      sync.Mutex
	entries map[string]refreshEntry
	ttl     time.Duration
	max     int
	now     func() time.Time
}

func newRefreshCache() *refreshCache {
	return &refreshCache{
		entries: make(map[string]refreshEntry),
		ttl:     refreshTTL,
		max:     refreshMaxSize,
		now:     time.Now,
	}
}

func (c *refreshCache) get(refreshToken string) (TokenSet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[refreshToken]
	if !ok {
		return TokenSet{}, false
	}
	if c.now().After(entry.expires) {
		delete(c.entries, refreshToken)
		return TokenSet{}, false
	}
	return entry.tokens, true
}

func (c *refreshCache) put(refreshToken string, tokens TokenSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.max {
		if _, exists := c.entries[refreshToken]; !exists {
			c.evictOldestLocked()
		}
	}
	now := c.now()
	c.entries[refreshToken] = refreshEntry{
		tokens:  tokens,
		expires: now.Add(c.ttl),
		stored:  now,
	}
}

func (c *refreshCache) evictOldestLocked() {
	var oldest string
	var oldestAt time.Time
	for token, entry := range c.entries {
		if oldest == "" || entry.stored.Before(oldestAt) {
			oldest = token
			oldestAt = entry.stored
		}
	}
	if oldest != "" {
		delete(c.entries, oldest)
	}
}

func (c *refreshCache) evict(refreshToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, refreshToken)
}

func (c *refreshCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Resolver turns a raw refresh token into a validated token triple, going
// to the provider only when the cache cannot serve one. Invariant: the
// cache never holds a triple whose access token fails Keyset validation —
// entries are checked on the way out and validated before going in.
type Resolver struct {
	client *Client
	keyset *Keyset
	cache  *refreshCache
	logger *zap.SugaredLogger
}

func NewResolver(client *Client, keyset *Keyset, logger *zap.SugaredLogger) *Resolver {
	return &Resolver{client: client, keyset: keyset, cache: newRefreshCache(), logger: logger}
}

// Resolve returns a triple whose access token is currently valid, or
// ok=false when the refresh token is no good (expired, revoked, provider
// unreachable). Provider failures degrade to "not authenticated".
func (r *Resolver) Resolve(ctx context.Context, refreshToken string) (TokenSet, bool) {
	if refreshToken == "" {
		return TokenSet{}, false
	}

	if tokens, ok := r.cache.get(refreshToken); ok {
		if _, valid := r.keyset.Validate(ctx, tokens.AccessToken, ""); valid {
			refreshLookups.WithLabelValues("hit").Inc()
			return tokens, true
		}
		// Stale entry; drop it before going to the provider.
		r.cache.evict(refreshToken)
		refreshLookups.WithLabelValues("stale").Inc()
	} else {
		refreshLookups.WithLabelValues("miss").Inc()
	}

	tokens, err := r.client.RefreshGrant(ctx, refreshToken)
	if err != nil {
		r.logger.Warnw("refresh grant failed", "err", err)
		r.cache.evict(refreshToken)
		return TokenSet{}, false
	}
	if _, valid := r.keyset.Validate(ctx, tokens.AccessToken, ""); !valid {
		r.logger.Warnw("refresh grant returned an invalid access token")
		r.cache.evict(refreshToken)
		return TokenSet{}, false
	}
	r.cache.put(refreshToken, tokens)
	return tokens, true
}

// Remember caches a freshly exchanged triple (code flow) after its access
// token validated, so the first portal request after login skips the
// provider round-trip.
func (r *Resolver) Remember(ctx context.Context, tokens TokenSet) {
	if tokens.RefreshToken == "" {
		return
	}
	if _, valid := r.keyset.Validate(ctx, tokens.AccessToken, ""); !valid {
		return
	}
	r.cache.put(tokens.RefreshToken, tokens)
}

// Revoke invalidates the refresh token remotely and forgets the cached
// triple. Remote failure never blocks local logout.
func (r *Resolver) Revoke(ctx context.Context, refreshToken string) {
	if err := r.client.Revoke(ctx, refreshToken); err != nil {
		r.logger.Warnw("remote revoke failed", "err", err)
	}
	r.cache.evict(refreshToken)
}

// Forget drops the cache entry without a remote call; test and migration hook.
func (r *Resolver) Forget(refreshToken string) {
	r.cache.evict(refreshToken)
}
