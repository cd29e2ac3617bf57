package vault

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// File is the on-disk vault configuration. It lives outside the database
// file and is the only place key material (in wrapped form) and the master
// password hash are persisted.
type File struct {
	EncryptionEnabled bool   `json:"encryption_enabled"`
	PasswordHash      string `json:"password_hash"` // bcrypt, managed by pkg/auth
	WrappedKey        string `json:"wrapped_key"`   // enc:v1 blob
	Salt              string `json:"salt"`          // base64
	KDFIterations     int    `json:"kdf_iterations"`
	KDFAlgorithm      string `json:"kdf_algorithm"`
}

// Vault manages the wrapped symmetric key and produces unlocked Sessions.
// It holds no ambient key state: the derived key travels only inside the
// Session values it returns.
type Vault struct {
	path       string
	iterations int
}

// Session carries the unlocked symmetric key. Store calls that touch
// sensitive fields take a *Session explicitly; a nil Session means no
// sensitive access.
type Session struct {
	key []byte
}

// New returns a Vault backed by the config file at path.
func New(path string, iterations int) *Vault {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return &Vault{path: path, iterations: iterations}
}

// Path returns the vault file location.
func (v *Vault) Path() string { return v.path }

// Load reads the vault file. A missing file yields a zero File with
// encryption disabled, which is the first-run signal.
func (v *Vault) Load() (*File, error) {
	data, err := os.ReadFile(v.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &File{}, nil
		}
		return nil, fmt.Errorf("read vault file: %w", err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse vault file: %w", err)
	}
	return &f, nil
}

// Save writes the vault file with owner-only permissions.
func (v *Vault) Save(f *File) error {
	if err := os.MkdirAll(filepath.Dir(v.path), 0o700); err != nil {
		return fmt.Errorf("create vault directory: %w", err)
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal vault file: %w", err)
	}
	if err := os.WriteFile(v.path, data, 0o600); err != nil {
		return fmt.Errorf("write vault file: %w", err)
	}
	return nil
}

// Initialize generates fresh key material for a first run: a random
// symmetric key wrapped by the key derived from the master password.
// The caller (pkg/auth) fills in PasswordHash before saving.
func (v *Vault) Initialize(masterPassword string) (*File, *Session, error) {
	salt, err := GenerateSalt()
	if err != nil {
		return nil, nil, err
	}
	symmetricKey, err := GenerateRandomBytes(KeyLength)
	if err != nil {
		return nil, nil, err
	}
	stretched := DeriveKey(masterPassword, salt, v.iterations)
	wrapped, err := wrapKey(symmetricKey, stretched)
	zero(stretched)
	if err != nil {
		return nil, nil, err
	}
	f := &File{
		EncryptionEnabled: true,
		WrappedKey:        wrapped,
		Salt:              base64.StdEncoding.EncodeToString(salt),
		KDFIterations:     v.iterations,
		KDFAlgorithm:      "PBKDF2-SHA256",
	}
	return f, &Session{key: symmetricKey}, nil
}

// Unlock derives the stretched key from the master password and unwraps
// the symmetric key. A wrong password or corrupted vault file surfaces as
// ErrDecryption; pkg/auth translates that to a generic auth failure so the
// caller never learns which check failed.
func (v *Vault) Unlock(masterPassword string, f *File) (*Session, error) {
	if !f.EncryptionEnabled {
		return nil, fmt.Errorf("vault: encryption not initialized")
	}
	salt, err := base64.StdEncoding.DecodeString(f.Salt)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid salt", ErrDecryption)
	}
	iterations := f.KDFIterations
	if iterations == 0 {
		iterations = DefaultIterations
	}
	stretched := DeriveKey(masterPassword, salt, iterations)
	defer zero(stretched)
	key, err := unwrapKey(f.WrappedKey, stretched)
	if err != nil {
		return nil, err
	}
	return &Session{key: key}, nil
}

// Rewrap wraps the existing symmetric key under a new master password with
// a fresh salt. Stored content needs no re-encryption because the
// symmetric key itself does not change.
func (v *Vault) Rewrap(sess *Session, newPassword string, f *File) error {
	if sess == nil || sess.key == nil {
		return ErrLocked
	}
	salt, err := GenerateSalt()
	if err != nil {
		return err
	}
	stretched := DeriveKey(newPassword, salt, v.iterations)
	wrapped, err := wrapKey(sess.key, stretched)
	zero(stretched)
	if err != nil {
		return err
	}
	f.WrappedKey = wrapped
	f.Salt = base64.StdEncoding.EncodeToString(salt)
	f.KDFIterations = v.iterations
	f.KDFAlgorithm = "PBKDF2-SHA256"
	return nil
}

// Seal encrypts plaintext under the session key.
func (s *Session) Seal(plaintext string) (string, error) {
	if s == nil || s.key == nil {
		return "", ErrLocked
	}
	return seal(plaintext, s.key)
}

// Open decrypts a sealed blob under the session key.
func (s *Session) Open(blob string) (string, error) {
	if s == nil || s.key == nil {
		return "", ErrLocked
	}
	return open(blob, s.key)
}

// Unlocked reports whether the session still holds key material.
func (s *Session) Unlocked() bool {
	return s != nil && s.key != nil
}

// Close zeroes the key material. The session is unusable afterwards.
func (s *Session) Close() {
	if s == nil {
		return
	}
	zero(s.key)
	s.key = nil
}

// exportKey hands the raw key to the keyring helpers; kept unexported so
// only this package can move key material around.
func (s *Session) exportKey() []byte {
	if s == nil || s.key == nil {
		return nil
	}
	cp := make([]byte, len(s.key))
	copy(cp, s.key)
	return cp
}

// sessionFromKey rebuilds a Session from raw key bytes (keyring recall).
func sessionFromKey(key []byte) (*Session, error) {
	if len(key) != KeyLength {
		return nil, fmt.Errorf("%w: bad key length", ErrDecryption)
	}
	return &Session{key: key}, nil
}
