package vault

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/zalando/go-keyring"
)

const (
	keyringService = "pano-vault"
	keyringUser    = "session-key"
)

var (
	fallbackMode    bool
	fallbackChecked bool
	fallbackMu      sync.Mutex
)

// keyringAvailable probes the system keyring once. Headless systems
// (no dbus secret service) fall back to an owner-only file next to the
// vault config.
func keyringAvailable() bool {
	fallbackMu.Lock()
	defer fallbackMu.Unlock()

	if fallbackChecked {
		return !fallbackMode
	}
	fallbackChecked = true

	probe := "pano-keyring-probe"
	if err := keyring.Set(keyringService, probe, "probe"); err != nil {
		fallbackMode = true
		return false
	}
	_ = keyring.Delete(keyringService, probe)
	return true
}

func fallbackPath(vaultPath string) string {
	return filepath.Join(filepath.Dir(vaultPath), ".session.key")
}

// RememberSession persists the unlocked session key so short-lived
// processes (CLI invocations) can resume without re-deriving it. The key
// is removed again by ForgetSession on logout or expiry.
func (v *Vault) RememberSession(sess *Session) error {
	key := sess.exportKey()
	if key == nil {
		return ErrLocked
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	zero(key)

	if keyringAvailable() {
		if err := keyring.Set(keyringService, keyringUser, encoded); err != nil {
			return fmt.Errorf("store session key in keyring: %w", err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(v.path), 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(fallbackPath(v.path), []byte(encoded), 0o600); err != nil {
		return fmt.Errorf("store session key fallback: %w", err)
	}
	return nil
}

// RecallSession rebuilds a Session from the remembered key. Returns
// ErrLocked when nothing is remembered.
func (v *Vault) RecallSession() (*Session, error) {
	var encoded string
	if keyringAvailable() {
		val, err := keyring.Get(keyringService, keyringUser)
		if err != nil {
			return nil, ErrLocked
		}
		encoded = val
	} else {
		data, err := os.ReadFile(fallbackPath(v.path))
		if err != nil {
			return nil, ErrLocked
		}
		encoded = string(data)
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt remembered key", ErrDecryption)
	}
	return sessionFromKey(key)
}

// ForgetSession removes any remembered session key.
func (v *Vault) ForgetSession() {
	if keyringAvailable() {
		_ = keyring.Delete(keyringService, keyringUser)
		return
	}
	_ = os.Remove(fallbackPath(v.path))
}
