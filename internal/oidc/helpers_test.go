package oidc

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const testKID = "test-key-1"

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func newSigningKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	return key
}

// jwksServer serves a JWKS document holding the public half of key.
func jwksServer(t *testing.T, key *rsa.PrivateKey) *httptest.Server {
	t.Helper()
	doc := map[string]any{
		"keys": []map[string]string{
			{
				"kty": "RSA",
				"kid": testKID,
				"alg": "RS256",
				"use": "sig",
				"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
			},
		},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func signToken(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKID
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func accessToken(t *testing.T, key *rsa.PrivateKey, username string, exp time.Time) string {
	t.Helper()
	return signToken(t, key, jwt.MapClaims{
		"username": username,
		"exp":      exp.Unix(),
		"iat":      time.Now().Add(-time.Minute).Unix(),
	})
}

func idToken(t *testing.T, key *rsa.PrivateKey, email, audience string, exp time.Time) string {
	t.Helper()
	return signToken(t, key, jwt.MapClaims{
		"email": email,
		"aud":   audience,
		"exp":   exp.Unix(),
		"iat":   time.Now().Add(-time.Minute).Unix(),
	})
}
