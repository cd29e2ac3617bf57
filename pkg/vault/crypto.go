// Package vault implements the encryption boundary for sensitive content.
// A symmetric AES-256 key is wrapped by a key derived from the master
// password (PBKDF2-SHA256) and lives only in process memory while a
// session is unlocked. Sealed values carry a versioned prefix so legacy
// plaintext rows are detectable during migration.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	SaltLength  = 16 // 128-bit salt
	KeyLength   = 32 // AES-256
	NonceLength = 12 // GCM nonce

	// DefaultIterations follows the OWASP PBKDF2-SHA256 recommendation.
	DefaultIterations = 310000
)

// sealedPrefix marks an encrypted blob. Anything not carrying it is
// treated as legacy plaintext by IsSealed.
const sealedPrefix = "enc:v1:"

// ErrDecryption is returned when a sealed blob is malformed or the key is
// wrong. It is never returned for plain (unsealed) values, so callers can
// distinguish "wrong key" from "field was never encrypted".
var ErrDecryption = errors.New("vault: decryption failed")

// ErrLocked is returned when an operation needs an unlocked vault session.
var ErrLocked = errors.New("vault: locked")

// GenerateRandomBytes returns cryptographically secure random bytes.
func GenerateRandomBytes(length int) ([]byte, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generate random bytes: %w", err)
	}
	return b, nil
}

// GenerateSalt returns a fresh 128-bit salt.
func GenerateSalt() ([]byte, error) {
	return GenerateRandomBytes(SaltLength)
}

// DeriveKey derives a 256-bit key from the master password using
// PBKDF2-SHA256 with the given iteration count.
func DeriveKey(password string, salt []byte, iterations int) []byte {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return pbkdf2.Key([]byte(password), salt, iterations, KeyLength, sha256.New)
}

// seal encrypts plaintext with AES-256-GCM and encodes the result as a
// single prefixed string: enc:v1:<base64(nonce || ciphertext)>.
func seal(plaintext string, key []byte) (string, error) {
	if len(key) != KeyLength {
		return "", fmt.Errorf("invalid key length: expected %d, got %d", KeyLength, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}
	nonce, err := GenerateRandomBytes(gcm.NonceSize())
	if err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// open decrypts a blob produced by seal. Any structural problem or
// authentication failure surfaces as ErrDecryption.
func open(blob string, key []byte) (string, error) {
	if len(key) != KeyLength {
		return "", fmt.Errorf("invalid key length: expected %d, got %d", KeyLength, len(key))
	}
	if !strings.HasPrefix(blob, sealedPrefix) {
		return "", fmt.Errorf("%w: missing blob header", ErrDecryption)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(blob, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}
	if len(raw) < gcm.NonceSize() {
		return "", fmt.Errorf("%w: blob too short", ErrDecryption)
	}
	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return string(plaintext), nil
}

// IsSealed reports whether a stored value is an encrypted blob.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, sealedPrefix)
}

// wrapKey encrypts the symmetric key with the stretched master key.
func wrapKey(symmetricKey, stretchedKey []byte) (string, error) {
	return seal(string(symmetricKey), stretchedKey)
}

// unwrapKey decrypts the wrapped symmetric key with the stretched master key.
func unwrapKey(wrapped string, stretchedKey []byte) ([]byte, error) {
	plain, err := open(wrapped, stretchedKey)
	if err != nil {
		return nil, err
	}
	return []byte(plain), nil
}

var whitespaceRe = regexp.MustCompile(`\s+`)

// ContentHash computes a SHA-256 hash of normalized content for duplicate
// detection. Callers must hash before sealing so the hash represents the
// plaintext.
func ContentHash(content string) string {
	normalized := strings.TrimSpace(whitespaceRe.ReplaceAllString(strings.ToLower(content), " "))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// zero wipes key material in place.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
