package vault

import (
	"bytes"
	"errors"
	"testing"
)

func mustVault(t *testing.T, passphrase string) *Vault {
	t.Helper()
	v, err := New(passphrase)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	return v
}

func TestRoundTrip(t *testing.T) {
	v := mustVault(t, "test-passphrase")
	plaintext := []byte("sk-live-123")

	ciphertext, nonce, err := v.Seal("openai", plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	decrypted, err := v.Open("openai", ciphertext, nonce)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if !bytes.Equal(plaintext, decrypted) {
		t.Fatalf("got %q, want %q", decrypted, plaintext)
	}
}

func TestWrongPassphrase(t *testing.T) {
	v1 := mustVault(t, "correct-passphrase")
	v2 := mustVault(t, "wrong-passphrase")

	ciphertext, nonce, err := v1.Seal("key", []byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	if _, err := v2.Open("key", ciphertext, nonce); err == nil {
		t.Fatal("expected error opening with wrong passphrase")
	}
}

func TestSealedValueBoundToName(t *testing.T) {
	v := mustVault(t, "passphrase")

	ciphertext, nonce, err := v.Seal("first", []byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := v.Open("second", ciphertext, nonce); err == nil {
		t.Fatal("expected error opening under another name")
	}
}

func TestDifferentPassphrasesDifferentKeys(t *testing.T) {
	v1 := mustVault(t, "passphrase-one")
	v2 := mustVault(t, "passphrase-two")

	if v1.key == v2.key {
		t.Fatal("different passphrases produced the same key")
	}
}

func TestEmptyPassphrase(t *testing.T) {
	if _, err := New(""); !errors.Is(err, ErrNoPassphrase) {
		t.Fatalf("expected ErrNoPassphrase, got %v", err)
	}
}

func TestEmptyPlaintext(t *testing.T) {
	v := mustVault(t, "test")

	ciphertext, nonce, err := v.Seal("empty", []byte{})
	if err != nil {
		t.Fatalf("seal empty: %v", err)
	}

	decrypted, err := v.Open("empty", ciphertext, nonce)
	if err != nil {
		t.Fatalf("open empty: %v", err)
	}

	if len(decrypted) != 0 {
		t.Fatalf("expected empty, got %d bytes", len(decrypted))
	}
}
