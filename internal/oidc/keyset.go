package oidc

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Keyset fetches and memoizes the provider's JWKS for the lifetime of the
// process. A cold process fetches on first use; the keys are never
// re-fetched automatically (provider key rotation means a restart).
type Keyset struct {
	jwksURL string
	http    *http.Client
	logger  *zap.SugaredLogger

	mu   sync.Mutex
	keys map[string]*rsa.PublicKey
}

func NewKeyset(jwksURL string, httpClient *http.Client, logger *zap.SugaredLogger) *Keyset {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Keyset{jwksURL: jwksURL, http: httpClient, logger: logger}
}

// SigningKeys returns the kid→public-key map, fetching it once.
func (k *Keyset) SigningKeys(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.keys != nil {
		return k.keys, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.jwksURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := k.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}

	var doc struct {
		Keys []struct {
			Kty string `json:"kty"`
			Kid string `json:"kid"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, jwk := range doc.Keys {
		if jwk.Kty != "RSA" {
			continue
		}
		pub, err := rsaFromJWK(jwk.N, jwk.E)
		if err != nil {
			return nil, fmt.Errorf("jwks key %q: %w", jwk.Kid, err)
		}
		keys[jwk.Kid] = pub
	}
	k.keys = keys
	return keys, nil
}

func rsaFromJWK(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nb),
		E: int(new(big.Int).SetBytes(eb).Int64()),
	}, nil
}

// Validate verifies signature and expiry of a provider-issued JWT and
// returns its claims. An empty token, an expired token, or a bad signature
// all return ok=false; none of them are fatal to the request. Expiry is the
// normal "please re-auth" path and only logs a warning. A non-empty
// audience is checked against the aud claim (id tokens carry the client
// id; access tokens carry none).
func (k *Keyset) Validate(ctx context.Context, tokenString, audience string) (jwt.MapClaims, bool) {
	if tokenString == "" {
		return nil, false
	}
	keys, err := k.SigningKeys(ctx)
	if err != nil {
		k.logger.Warnw("could not load signing keys", "err", err)
		return nil, false
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256"})}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := keys[kid]
		if !ok {
			return nil, fmt.Errorf("unknown kid %q", kid)
		}
		return key, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			k.logger.Warnw("expired token", "username", UnverifiedClaim(tokenString, "username"))
		} else {
			k.logger.Warnw("invalid token", "err", err)
		}
		return nil, false
	}
	return claims, true
}

// UnverifiedClaim pulls a claim out of a JWT without verifying it. Only for
// log context on tokens that already failed validation.
func UnverifiedClaim(tokenString, claim string) string {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return ""
	}
	val, _ := claims[claim].(string)
	return val
}
