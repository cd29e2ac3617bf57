package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateSession records an authenticated session token with its expiry.
func (t *Tx) CreateSession(sess *Session) error {
	if sess.Token == "" {
		return fmt.Errorf("%w: session token is required", ErrConstraint)
	}
	if sess.CreatedAt == 0 {
		sess.CreatedAt = now()
	}
	return t.exec(`INSERT INTO sessions (token, created_at, expires_at) VALUES (?, ?, ?)`,
		sess.Token, sess.CreatedAt, sess.ExpiresAt)
}

// TouchSession pushes a session's expiry forward.
func (t *Tx) TouchSession(token string, expiresAt int64) error {
	res, err := t.tx.ExecContext(t.ctx,
		`UPDATE sessions SET expires_at = ? WHERE token = ?`, expiresAt, token)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: session", ErrNotFound)
	}
	return nil
}

// DeleteSession removes a session row. Deleting an unknown token is not
// an error; logout is idempotent.
func (t *Tx) DeleteSession(token string) error {
	return t.exec(`DELETE FROM sessions WHERE token = ?`, token)
}

// DeleteExpiredSessions prunes every session past the given instant.
func (t *Tx) DeleteExpiredSessions(nowMillis int64) error {
	return t.exec(`DELETE FROM sessions WHERE expires_at <= ?`, nowMillis)
}

// GetSession fetches a session row by token.
func (s *Store) GetSession(ctx context.Context, token string) (*Session, error) {
	var sess Session
	err := s.read(func(db *sql.DB) error {
		err := db.QueryRowContext(ctx,
			`SELECT token, created_at, expires_at FROM sessions WHERE token = ?`, token).
			Scan(&sess.Token, &sess.CreatedAt, &sess.ExpiresAt)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: session", ErrNotFound)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &sess, nil
}
