package secrets

import (
	"errors"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	enc, err := New("operator-secret")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	sealed, err := enc.Encrypt("api-key-123")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if sealed == "api-key-123" {
		t.Fatal("plaintext leaked")
	}
	plain, err := enc.Decrypt(sealed)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plain != "api-key-123" {
		t.Fatalf("got %q", plain)
	}
}

func TestEncryptIsNondeterministic(t *testing.T) {
	enc, _ := New("operator-secret")
	a, _ := enc.Encrypt("same")
	b, _ := enc.Encrypt("same")
	if a == b {
		t.Fatal("nonce reuse: identical envelopes")
	}
}

func TestEmptyPlaintextPassesThrough(t *testing.T) {
	enc, _ := New("operator-secret")
	sealed, err := enc.Encrypt("")
	if err != nil || sealed != "" {
		t.Fatalf("got %q err %v", sealed, err)
	}
	plain, err := enc.Decrypt("")
	if err != nil || plain != "" {
		t.Fatalf("got %q err %v", plain, err)
	}
}

func TestWrongKeyFails(t *testing.T) {
	a, _ := New("secret-a")
	b, _ := New("secret-b")
	sealed, err := a.Encrypt("api-key")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := b.Decrypt(sealed); !errors.Is(err, ErrDecryptFailed) {
		t.Fatalf("expected ErrDecryptFailed, got %v", err)
	}
}

func TestBadEnvelope(t *testing.T) {
	enc, _ := New("operator-secret")
	for _, raw := range []string{"not base64 !!!", "c2hvcnQ="} {
		if _, err := enc.Decrypt(raw); !errors.Is(err, ErrInvalidEnvelope) {
			t.Fatalf("%q: expected ErrInvalidEnvelope, got %v", raw, err)
		}
	}
}

func TestEmptySecretRejected(t *testing.T) {
	if _, err := New(""); !errors.Is(err, ErrEmptySecret) {
		t.Fatalf("expected ErrEmptySecret, got %v", err)
	}
}
