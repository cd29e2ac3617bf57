package vault

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// testIterations keeps PBKDF2 fast in tests; production uses DefaultIterations.
const testIterations = 1000

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "vault.json"), testIterations)
}

func TestInitializeAndUnlock(t *testing.T) {
	v := newTestVault(t)

	f, sess, err := v.Initialize("master-pass")
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	defer sess.Close()

	if !f.EncryptionEnabled {
		t.Error("Initialize() left encryption disabled")
	}
	if f.KDFIterations != testIterations {
		t.Errorf("KDFIterations = %d, want %d", f.KDFIterations, testIterations)
	}
	if !IsSealed(f.WrappedKey) {
		t.Error("wrapped key is not a sealed blob")
	}

	blob, err := sess.Seal("api-key-value")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	// A fresh unlock with the right password opens content sealed earlier.
	sess2, err := v.Unlock("master-pass", f)
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	defer sess2.Close()

	plain, err := sess2.Open(blob)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if plain != "api-key-value" {
		t.Errorf("Open() = %q, want %q", plain, "api-key-value")
	}
}

func TestUnlockWrongPassword(t *testing.T) {
	v := newTestVault(t)

	f, sess, err := v.Initialize("master-pass")
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	sess.Close()

	if _, err := v.Unlock("wrong-pass", f); !errors.Is(err, ErrDecryption) {
		t.Errorf("Unlock() with wrong password: error = %v, want ErrDecryption", err)
	}
}

func TestSessionClose(t *testing.T) {
	v := newTestVault(t)

	_, sess, err := v.Initialize("master-pass")
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	sess.Close()
	if sess.Unlocked() {
		t.Error("Unlocked() = true after Close")
	}
	if _, err := sess.Seal("x"); !errors.Is(err, ErrLocked) {
		t.Errorf("Seal() after Close: error = %v, want ErrLocked", err)
	}
	if _, err := sess.Open("enc:v1:AAAA"); !errors.Is(err, ErrLocked) {
		t.Errorf("Open() after Close: error = %v, want ErrLocked", err)
	}
}

func TestRewrapKeepsContentReadable(t *testing.T) {
	v := newTestVault(t)

	f, sess, err := v.Initialize("old-pass")
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	defer sess.Close()

	blob, err := sess.Seal("unchanged content")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	oldWrapped := f.WrappedKey
	if err := v.Rewrap(sess, "new-pass", f); err != nil {
		t.Fatalf("Rewrap() error = %v", err)
	}
	if f.WrappedKey == oldWrapped {
		t.Error("Rewrap() did not change the wrapped key")
	}

	// Old password no longer unlocks.
	if _, err := v.Unlock("old-pass", f); !errors.Is(err, ErrDecryption) {
		t.Errorf("Unlock() with old password after rewrap: error = %v, want ErrDecryption", err)
	}

	// New password does, and old blobs still open (same symmetric key).
	sess2, err := v.Unlock("new-pass", f)
	if err != nil {
		t.Fatalf("Unlock() with new password: error = %v", err)
	}
	defer sess2.Close()

	plain, err := sess2.Open(blob)
	if err != nil {
		t.Fatalf("Open() after rewrap: error = %v", err)
	}
	if plain != "unchanged content" {
		t.Errorf("Open() = %q, want %q", plain, "unchanged content")
	}
}

func TestLoadSaveRoundTrip(t *testing.T) {
	v := newTestVault(t)

	// Missing file is the first-run signal.
	f, err := v.Load()
	if err != nil {
		t.Fatalf("Load() on missing file: error = %v", err)
	}
	if f.EncryptionEnabled {
		t.Error("missing vault file reported encryption enabled")
	}

	f, sess, err := v.Initialize("pass")
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	sess.Close()
	f.PasswordHash = "bcrypt-placeholder"

	if err := v.Save(f); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	info, err := os.Stat(v.Path())
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("vault file permissions = %o, want 600", perm)
	}

	loaded, err := v.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.WrappedKey != f.WrappedKey || loaded.PasswordHash != f.PasswordHash {
		t.Error("Load() does not match saved vault file")
	}
}
