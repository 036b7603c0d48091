// Package auth holds the request-scoped session, the cookie token codec,
// and the access gate evaluated on every portal request.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// SecretSource hands out the current shared encryption secret. Lookups are
// not cached here: secret rotation must take effect immediately.
type SecretSource interface {
	Secret(ctx context.Context) (string, error)
}

// placeholderSecrets are deploy-template values that were never rotated.
// Encrypting with one of these is a deploy error, not a user error.
var placeholderSecrets = map[string]bool{
	"":                      true,
	"changeme":              true,
	"change-me":             true,
	"replace-me":            true,
	"this-is-bad-sso-token": true,
}

// BadSecretError means the shared secret is still a deploy placeholder.
type BadSecretError struct{}

func (e *BadSecretError) Error() string {
	return "Deploy Error, make sure to change the SSO Secret. " +
		"(In Secrets: retrieve the value, then the edit button will appear)."
}

func (e *BadSecretError) StatusCode() int { return 401 }

// DecryptionError means a token failed authentication: tampered payload or
// a secret that changed since it was issued.
type DecryptionError struct {
	reason string
}

func (e *DecryptionError) Error() string {
	return "could not decrypt token: " + e.reason
}

// Codec symmetric-encrypts small payloads (display usernames, profile
// blobs) into opaque cookie-safe tokens using XChaCha20-Poly1305 keyed
// from the shared secret.
type Codec struct {
	secrets SecretSource
}

func NewCodec(secrets SecretSource) *Codec {
	return &Codec{secrets: secrets}
}

func (c *Codec) key(ctx context.Context) ([]byte, error) {
	secret, err := c.secrets.Secret(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch secret: %w", err)
	}
	if placeholderSecrets[strings.ToLower(strings.TrimSpace(secret))] {
		return nil, &BadSecretError{}
	}
	sum := sha256.Sum256([]byte(secret))
	return sum[:], nil
}

// Encrypt renders any JSON-encodable payload as an opaque token.
func (c *Codec) Encrypt(ctx context.Context, payload any) (string, error) {
	key, err := c.key(ctx)
	if err != nil {
		return "", err
	}
	plain, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, plain, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt is the inverse of Encrypt; dst receives the JSON payload.
func (c *Codec) Decrypt(ctx context.Context, token string, dst any) error {
	key, err := c.key(ctx)
	if err != nil {
		return err
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return &DecryptionError{reason: "malformed token"}
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return err
	}
	if len(raw) < aead.NonceSize() {
		return &DecryptionError{reason: "token too short"}
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return &DecryptionError{reason: "authentication failed"}
	}
	if err := json.Unmarshal(plain, dst); err != nil {
		return &DecryptionError{reason: "bad payload"}
	}
	return nil
}
