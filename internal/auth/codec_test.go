package auth

import (
	"context"
	"errors"
	"testing"
)

func TestCodecRoundTrip(t *testing.T) {
	codec := NewCodec(StaticSecretSource("unit-test-secret-value"))
	ctx := context.Background()

	payload := map[string]any{"name": "alice", "admin": true}
	token, err := codec.Encrypt(ctx, payload)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	var out map[string]any
	if err := codec.Decrypt(ctx, token, &out); err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if out["name"] != "alice" || out["admin"] != true {
		t.Errorf("round trip = %v", out)
	}
}

func TestCodecTokensDiffer(t *testing.T) {
	codec := NewCodec(StaticSecretSource("unit-test-secret-value"))
	ctx := context.Background()

	a, err := codec.Encrypt(ctx, "alice")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b, err := codec.Encrypt(ctx, "alice")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if a == b {
		t.Error("two encryptions of the same payload produced identical tokens")
	}
}

func TestCodecRejectsTamperedToken(t *testing.T) {
	codec := NewCodec(StaticSecretSource("unit-test-secret-value"))
	ctx := context.Background()

	token, err := codec.Encrypt(ctx, "alice")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	tampered := token[:len(token)-2] + "zz"

	var out string
	var decErr *DecryptionError
	if err := codec.Decrypt(ctx, tampered, &out); !errors.As(err, &decErr) {
		t.Errorf("tampered token: err = %v, want DecryptionError", err)
	}
	if err := codec.Decrypt(ctx, "not-a-token", &out); !errors.As(err, &decErr) {
		t.Errorf("garbage token: err = %v, want DecryptionError", err)
	}
}

func TestCodecWrongSecret(t *testing.T) {
	ctx := context.Background()
	token, err := NewCodec(StaticSecretSource("secret-one")).Encrypt(ctx, "alice")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	var out string
	var decErr *DecryptionError
	err = NewCodec(StaticSecretSource("secret-two")).Decrypt(ctx, token, &out)
	if !errors.As(err, &decErr) {
		t.Errorf("wrong secret: err = %v, want DecryptionError", err)
	}
}

func TestCodecPlaceholderSecret(t *testing.T) {
	ctx := context.Background()
	for _, secret := range []string{"", "changeme", "This-Is-Bad-SSO-Token"} {
		codec := NewCodec(StaticSecretSource(secret))
		var badErr *BadSecretError
		if _, err := codec.Encrypt(ctx, "alice"); !errors.As(err, &badErr) {
			t.Errorf("secret %q: err = %v, want BadSecretError", secret, err)
		}
	}
}
