package oidc

import (
	"context"
	"testing"
	"time"
)

func TestValidateGoodToken(t *testing.T) {
	key := newSigningKey(t)
	jwks := jwksServer(t, key)
	keyset := NewKeyset(jwks.URL, nil, testLogger())

	token := accessToken(t, key, "alice", time.Now().Add(time.Hour))
	claims, ok := keyset.Validate(context.Background(), token, "")
	if !ok {
		t.Fatal("valid token rejected")
	}
	if got, _ := claims["username"].(string); got != "alice" {
		t.Errorf("username claim = %q, want alice", got)
	}
}

func TestValidateExpiredToken(t *testing.T) {
	key := newSigningKey(t)
	jwks := jwksServer(t, key)
	keyset := NewKeyset(jwks.URL, nil, testLogger())

	token := accessToken(t, key, "alice", time.Now().Add(-time.Hour))
	if _, ok := keyset.Validate(context.Background(), token, ""); ok {
		t.Fatal("expired token accepted")
	}
}

func TestValidateEmptyToken(t *testing.T) {
	key := newSigningKey(t)
	jwks := jwksServer(t, key)
	keyset := NewKeyset(jwks.URL, nil, testLogger())

	if _, ok := keyset.Validate(context.Background(), "", ""); ok {
		t.Fatal("empty token accepted")
	}
}

func TestValidateWrongKey(t *testing.T) {
	key := newSigningKey(t)
	other := newSigningKey(t)
	jwks := jwksServer(t, key)
	keyset := NewKeyset(jwks.URL, nil, testLogger())

	token := accessToken(t, other, "alice", time.Now().Add(time.Hour))
	if _, ok := keyset.Validate(context.Background(), token, ""); ok {
		t.Fatal("token signed with a foreign key accepted")
	}
}

func TestValidateAudience(t *testing.T) {
	key := newSigningKey(t)
	jwks := jwksServer(t, key)
	keyset := NewKeyset(jwks.URL, nil, testLogger())

	token := idToken(t, key, "alice@example.org", "client-a", time.Now().Add(time.Hour))
	if _, ok := keyset.Validate(context.Background(), token, "client-a"); !ok {
		t.Error("token with matching audience rejected")
	}
	if _, ok := keyset.Validate(context.Background(), token, "client-b"); ok {
		t.Error("token with wrong audience accepted")
	}
}

func TestKeysetFetchesOnce(t *testing.T) {
	key := newSigningKey(t)
	jwks := jwksServer(t, key)
	keyset := NewKeyset(jwks.URL, nil, testLogger())

	if _, err := keyset.SigningKeys(context.Background()); err != nil {
		t.Fatalf("SigningKeys: %v", err)
	}
	jwks.Close()
	// Second call must serve from the memoized map.
	keys, err := keyset.SigningKeys(context.Background())
	if err != nil {
		t.Fatalf("SigningKeys after close: %v", err)
	}
	if _, ok := keys[testKID]; !ok {
		t.Error("memoized keys missing test kid")
	}
}

func TestUnverifiedClaim(t *testing.T) {
	key := newSigningKey(t)
	token := accessToken(t, key, "alice", time.Now().Add(-time.Hour))
	if got := UnverifiedClaim(token, "username"); got != "alice" {
		t.Errorf("UnverifiedClaim = %q, want alice", got)
	}
	if got := UnverifiedClaim("garbage", "username"); got != "" {
		t.Errorf("UnverifiedClaim on garbage = %q, want empty", got)
	}
}
