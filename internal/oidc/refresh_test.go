package oidc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// tokenEndpoint fakes the provider's /oauth2/token route, issuing tokens
// signed with key. The counter reports how many grants were served.
func tokenEndpoint(t *testing.T, issue func() TokenSet, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth2/token" {
			http.NotFound(w, r)
			return
		}
		calls.Add(1)
		tokens := issue()
		if tokens.AccessToken == "" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(tokens)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestResolver(t *testing.T, srvURL, jwksURL string) *Resolver {
	t.Helper()
	cfg := Config{Host: srvURL, ClientID: "client-a", JWKSURL: jwksURL, DeploymentHost: "portal.example.org"}
	client := NewClient(cfg, nil, testLogger())
	keyset := NewKeyset(jwksURL, nil, testLogger())
	return NewResolver(client, keyset, testLogger())
}

func TestResolveCachesValidTriple(t *testing.T) {
	key := newSigningKey(t)
	jwks := jwksServer(t, key)
	var calls atomic.Int64
	idp := tokenEndpoint(t, func() TokenSet {
		return TokenSet{
			AccessToken: accessToken(t, key, "alice", time.Now().Add(time.Hour)),
			IDToken:     idToken(t, key, "alice@example.org", "client-a", time.Now().Add(time.Hour)),
		}
	}, &calls)
	r := newTestResolver(t, idp.URL, jwks.URL)

	tokens, ok := r.Resolve(context.Background(), "refresh-1")
	if !ok {
		t.Fatal("resolve failed")
	}
	if tokens.RefreshToken != "refresh-1" {
		t.Errorf("refresh token = %q, want the presented one", tokens.RefreshToken)
	}
	if calls.Load() != 1 {
		t.Fatalf("provider calls = %d, want 1", calls.Load())
	}

	// Second resolve must come from the cache.
	if _, ok := r.Resolve(context.Background(), "refresh-1"); !ok {
		t.Fatal("cached resolve failed")
	}
	if calls.Load() != 1 {
		t.Errorf("provider calls = %d after cached resolve, want 1", calls.Load())
	}
	if r.cache.len() != 1 {
		t.Errorf("cache size = %d, want 1", r.cache.len())
	}
}

func TestResolveFailedGrantNotCached(t *testing.T) {
	key := newSigningKey(t)
	jwks := jwksServer(t, key)
	var calls atomic.Int64
	idp := tokenEndpoint(t, func() TokenSet { return TokenSet{} }, &calls)
	r := newTestResolver(t, idp.URL, jwks.URL)

	if _, ok := r.Resolve(context.Background(), "revoked"); ok {
		t.Fatal("resolve succeeded against a refusing provider")
	}
	if r.cache.len() != 0 {
		t.Errorf("cache size = %d after failed grant, want 0", r.cache.len())
	}
}

func TestResolveEvictsStaleEntry(t *testing.T) {
	key := newSigningKey(t)
	jwks := jwksServer(t, key)
	var calls atomic.Int64
	idp := tokenEndpoint(t, func() TokenSet {
		return TokenSet{
			AccessToken: accessToken(t, key, "alice", time.Now().Add(time.Hour)),
		}
	}, &calls)
	r := newTestResolver(t, idp.URL, jwks.URL)

	// Plant a triple whose access token is already expired. The cache must
	// never serve it.
	r.cache.put("refresh-1", TokenSet{
		AccessToken:  accessToken(t, key, "alice", time.Now().Add(-time.Hour)),
		RefreshToken: "refresh-1",
	})

	tokens, ok := r.Resolve(context.Background(), "refresh-1")
	if !ok {
		t.Fatal("resolve failed")
	}
	if calls.Load() != 1 {
		t.Errorf("provider calls = %d, want 1 (stale entry must force a grant)", calls.Load())
	}
	if _, valid := r.keyset.Validate(context.Background(), tokens.AccessToken, ""); !valid {
		t.Error("resolve returned an invalid access token")
	}
}

func TestResolveInvalidGrantResultNotCached(t *testing.T) {
	key := newSigningKey(t)
	foreign := newSigningKey(t)
	jwks := jwksServer(t, key)
	var calls atomic.Int64
	// Provider answers with a token the portal's keyset cannot verify.
	idp := tokenEndpoint(t, func() TokenSet {
		return TokenSet{AccessToken: accessToken(t, foreign, "alice", time.Now().Add(time.Hour))}
	}, &calls)
	r := newTestResolver(t, idp.URL, jwks.URL)

	if _, ok := r.Resolve(context.Background(), "refresh-1"); ok {
		t.Fatal("resolve accepted an unverifiable access token")
	}
	if r.cache.len() != 0 {
		t.Errorf("cache size = %d, want 0: invalid tokens must never be cached", r.cache.len())
	}
}

func TestRememberValidatesBeforeCaching(t *testing.T) {
	key := newSigningKey(t)
	jwks := jwksServer(t, key)
	var calls atomic.Int64
	idp := tokenEndpoint(t, func() TokenSet { return TokenSet{} }, &calls)
	r := newTestResolver(t, idp.URL, jwks.URL)

	r.Remember(context.Background(), TokenSet{
		AccessToken:  accessToken(t, key, "alice", time.Now().Add(-time.Hour)),
		RefreshToken: "refresh-1",
	})
	if r.cache.len() != 0 {
		t.Errorf("cache size = %d, expired code-flow triple must not be cached", r.cache.len())
	}

	r.Remember(context.Background(), TokenSet{
		AccessToken:  accessToken(t, key, "alice", time.Now().Add(time.Hour)),
		RefreshToken: "refresh-2",
	})
	if r.cache.len() != 1 {
		t.Errorf("cache size = %d, want 1", r.cache.len())
	}
}

func TestRefreshCacheBounds(t *testing.T) {
	c := newRefreshCache()
	now := time.Now()
	c.now = func() time.Time { return now }

	for i := 0; i < refreshMaxSize+10; i++ {
		c.put(string(rune('a'+i%26))+string(rune('0'+i/26)), TokenSet{AccessToken: "x"})
		now = now.Add(time.Millisecond)
	}
	if c.len() > refreshMaxSize {
		t.Errorf("cache size = %d, cap is %d", c.len(), refreshMaxSize)
	}

	c.put("fresh", TokenSet{AccessToken: "x"})
	now = now.Add(refreshTTL + time.Second)
	if _, ok := c.get("fresh"); ok {
		t.Error("entry served past its ttl")
	}
}
