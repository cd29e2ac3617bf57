package vault

import (
	"errors"
	"strings"
	"testing"
)

func TestGenerateSalt(t *testing.T) {
	salt1, err := GenerateSalt()
	if err != nil {
		t.Fatalf("GenerateSalt() error = %v", err)
	}
	if len(salt1) != SaltLength {
		t.Errorf("GenerateSalt() length = %d, want %d", len(salt1), SaltLength)
	}

	salt2, err := GenerateSalt()
	if err != nil {
		t.Fatalf("GenerateSalt() error = %v", err)
	}
	if string(salt1) == string(salt2) {
		t.Error("GenerateSalt() generated duplicate salts")
	}
}

func TestDeriveKeyConsistency(t *testing.T) {
	salt, _ := GenerateSalt()

	key1 := DeriveKey("test-password-123", salt, 1000)
	key2 := DeriveKey("test-password-123", salt, 1000)
	if string(key1) != string(key2) {
		t.Error("DeriveKey() not consistent for same inputs")
	}

	key3 := DeriveKey("other-password", salt, 1000)
	if string(key1) == string(key3) {
		t.Error("DeriveKey() identical for different passwords")
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	key, _ := GenerateRandomBytes(KeyLength)

	blob, err := seal("sk-123", key)
	if err != nil {
		t.Fatalf("seal() error = %v", err)
	}
	if !IsSealed(blob) {
		t.Errorf("IsSealed(%q) = false, want true", blob)
	}
	if strings.Contains(blob, "sk-123") {
		t.Error("sealed blob contains plaintext")
	}

	plain, err := open(blob, key)
	if err != nil {
		t.Fatalf("open() error = %v", err)
	}
	if plain != "sk-123" {
		t.Errorf("open() = %q, want %q", plain, "sk-123")
	}
}

func TestOpenWrongKey(t *testing.T) {
	key1, _ := GenerateRandomBytes(KeyLength)
	key2, _ := GenerateRandomBytes(KeyLength)

	blob, err := seal("secret", key1)
	if err != nil {
		t.Fatalf("seal() error = %v", err)
	}

	if _, err := open(blob, key2); !errors.Is(err, ErrDecryption) {
		t.Errorf("open() with wrong key: error = %v, want ErrDecryption", err)
	}
}

func TestOpenMalformedBlob(t *testing.T) {
	key, _ := GenerateRandomBytes(KeyLength)

	cases := []string{
		"not-a-blob",
		"enc:v1:%%%not-base64%%%",
		"enc:v1:AAAA", // shorter than a nonce
	}
	for _, blob := range cases {
		if _, err := open(blob, key); !errors.Is(err, ErrDecryption) {
			t.Errorf("open(%q): error = %v, want ErrDecryption", blob, err)
		}
	}
}

func TestIsSealedPlaintext(t *testing.T) {
	if IsSealed("git status") {
		t.Error("IsSealed() = true for plaintext")
	}
	if IsSealed("") {
		t.Error("IsSealed() = true for empty string")
	}
}

func TestContentHashNormalization(t *testing.T) {
	h1 := ContentHash("Git  Status\n")
	h2 := ContentHash("git status")
	if h1 != h2 {
		t.Errorf("ContentHash() not normalized: %q vs %q", h1, h2)
	}
	if h1 == ContentHash("git log") {
		t.Error("ContentHash() collision for different content")
	}
}
