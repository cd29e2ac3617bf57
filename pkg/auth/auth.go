// Package auth gates access to sensitive content behind the master
// password. It owns the password hash, the session lifecycle and the
// in-memory vault session; once a session expires or logs out the key
// material is zeroed and every sensitive read fails until the next
// unlock.
package auth

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/panohub/pano/pkg/vault"
)

// State is the authentication state machine position.
type State string

const (
	// StateFirstSetup means no master password exists yet; the only legal
	// move is Setup.
	StateFirstSetup State = "first_setup"
	// StateLocked means a password exists but no live session does.
	StateLocked State = "locked"
	// StateAuthenticated means a session is live and sensitive content is
	// reachable.
	StateAuthenticated State = "authenticated"
	// StateExpired means the last session outlived its TTL. Key material
	// is already zeroed; only an explicit re-login leaves this state.
	StateExpired State = "expired"
)

var (
	// ErrAuthentication is the single failure returned for any bad login:
	// wrong password, corrupted vault, unknown cause. Deliberately vague.
	ErrAuthentication = errors.New("auth: authentication failed")

	// ErrSessionExpired means the session outlived its TTL. The vault
	// session was closed; a fresh login is required.
	ErrSessionExpired = errors.New("auth: session expired")

	// ErrNotSetUp means Setup has not run yet.
	ErrNotSetUp = errors.New("auth: no master password configured")
)

// DefaultTTL is how long a session stays valid without being extended.
const DefaultTTL = 24 * time.Hour

const bcryptCost = 12

// SessionStore persists session rows. Key material never passes through
// it; rows hold only tokens and timestamps.
type SessionStore interface {
	Create(ctx context.Context, token string, createdAt, expiresAt int64) error
	Get(ctx context.Context, token string) (expiresAt int64, err error)
	Extend(ctx context.Context, token string, expiresAt int64) error
	Delete(ctx context.Context, token string) error
	PruneExpired(ctx context.Context, now int64) error
}

// Manager runs the authentication state machine.
type Manager struct {
	vault    *vault.Vault
	sessions SessionStore
	ttl      time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	file    *vault.File
	sess    *vault.Session
	token   string
	expired bool
}

// New loads the vault file and returns a Manager. A missing vault file is
// not an error; it puts the manager in first-setup state.
func New(v *vault.Vault, sessions SessionStore, ttl time.Duration, log zerolog.Logger) (*Manager, error) {
	f, err := v.Load()
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{vault: v, sessions: sessions, ttl: ttl, log: log, file: f}, nil
}

// State reports the current state machine position.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.file.EncryptionEnabled {
		return StateFirstSetup
	}
	if m.sess.Unlocked() {
		return StateAuthenticated
	}
	if m.expired {
		return StateExpired
	}
	return StateLocked
}

// Setup establishes the master password on first run: fresh key
// material, bcrypt password hash, vault file on disk and a live session.
func (m *Manager) Setup(ctx context.Context, password string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file.EncryptionEnabled {
		return "", fmt.Errorf("auth: master password already configured")
	}
	if len(password) < 8 {
		return "", fmt.Errorf("auth: master password must be at least 8 characters")
	}

	f, sess, err := m.vault.Initialize(password)
	if err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		sess.Close()
		return "", err
	}
	f.PasswordHash = string(hash)
	if err := m.vault.Save(f); err != nil {
		sess.Close()
		return "", err
	}

	token, err := m.openSession(ctx, sess)
	if err != nil {
		sess.Close()
		return "", err
	}
	m.file = f
	m.log.Info().Msg("master password configured")
	return token, nil
}

// Login verifies the master password and opens a session. Every failure
// mode maps to the same ErrAuthentication.
func (m *Manager) Login(ctx context.Context, password string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.file.EncryptionEnabled {
		return "", ErrNotSetUp
	}

	if err := bcrypt.CompareHashAndPassword([]byte(m.file.PasswordHash), []byte(password)); err != nil {
		m.log.Warn().Msg("login rejected")
		return "", ErrAuthentication
	}
	sess, err := m.vault.Unlock(password, m.file)
	if err != nil {
		m.log.Warn().Msg("login rejected")
		return "", ErrAuthentication
	}

	token, err := m.openSession(ctx, sess)
	if err != nil {
		sess.Close()
		return "", err
	}
	m.log.Info().Msg("session opened")
	return token, nil
}

// openSession replaces any previous session under the lock held by the
// caller.
func (m *Manager) openSession(ctx context.Context, sess *vault.Session) (string, error) {
	raw, err := vault.GenerateRandomBytes(32)
	if err != nil {
		return "", err
	}
	token := hex.EncodeToString(raw)

	nowMs := time.Now().UnixMilli()
	if err := m.sessions.PruneExpired(ctx, nowMs); err != nil {
		return "", err
	}
	if err := m.sessions.Create(ctx, token, nowMs, nowMs+m.ttl.Milliseconds()); err != nil {
		return "", err
	}

	m.sess.Close()
	m.sess = sess
	m.token = token
	m.expired = false
	return token, nil
}

// Resume adopts a session opened by an earlier process: the token must
// still have a live row and the recalled vault session must hold key
// material. Any mismatch surfaces as ErrSessionExpired.
func (m *Manager) Resume(ctx context.Context, token string, sess *vault.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if token == "" || !sess.Unlocked() {
		return ErrSessionExpired
	}
	expiresAt, err := m.sessions.Get(ctx, token)
	if err != nil || time.Now().UnixMilli() >= expiresAt {
		return ErrSessionExpired
	}
	m.sess.Close()
	m.sess = sess
	m.token = token
	m.expired = false
	return nil
}

// Validate checks a token and returns the vault session for sensitive
// access. An expired or unknown token closes the vault session and
// returns ErrSessionExpired.
func (m *Manager) Validate(ctx context.Context, token string) (*vault.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if token == "" || token != m.token || !m.sess.Unlocked() {
		return nil, ErrSessionExpired
	}
	expiresAt, err := m.sessions.Get(ctx, token)
	if err != nil {
		m.expireLocked(ctx)
		return nil, ErrSessionExpired
	}
	if time.Now().UnixMilli() >= expiresAt {
		m.expireLocked(ctx)
		m.log.Info().Msg("session expired")
		return nil, ErrSessionExpired
	}
	return m.sess, nil
}

// Extend pushes the session's expiry a full TTL into the future. Called
// on activity so a session in active use never dies mid-flight.
func (m *Manager) Extend(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if token == "" || token != m.token {
		return ErrSessionExpired
	}
	return m.sessions.Extend(ctx, token, time.Now().UnixMilli()+m.ttl.Milliseconds())
}

// Logout closes the session and zeroes the key material. Idempotent.
func (m *Manager) Logout(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if token != "" {
		if err := m.sessions.Delete(ctx, token); err != nil {
			return err
		}
	}
	if token == m.token {
		m.sess.Close()
		m.sess = nil
		m.token = ""
		m.expired = false
		m.log.Info().Msg("session closed")
	}
	return nil
}

// expireLocked tears down the live session. Caller holds the lock.
func (m *Manager) expireLocked(ctx context.Context) {
	m.sessions.Delete(ctx, m.token)
	m.sess.Close()
	m.sess = nil
	m.token = ""
	m.expired = true
}

// ChangePassword rewraps the symmetric key under a new master password.
// Stored content is untouched; only the wrapping changes. Requires a
// valid session and the current password.
func (m *Manager) ChangePassword(ctx context.Context, token, current, next string) error {
	if _, err := m.Validate(ctx, token); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := bcrypt.CompareHashAndPassword([]byte(m.file.PasswordHash), []byte(current)); err != nil {
		return ErrAuthentication
	}
	if len(next) < 8 {
		return fmt.Errorf("auth: master password must be at least 8 characters")
	}
	if err := m.vault.Rewrap(m.sess, next, m.file); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(next), bcryptCost)
	if err != nil {
		return err
	}
	m.file.PasswordHash = string(hash)
	if err := m.vault.Save(m.file); err != nil {
		return err
	}
	m.log.Info().Msg("master password changed")
	return nil
}
