// Package migrate applies ordered, versioned schema changes to a SQLite
// database. The current version lives in PRAGMA user_version; each pending
// migration runs in its own transaction so a failure aborts only that
// migration and leaves earlier ones committed.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
)

// Migration is a single schema step. Fn must be a pure function of the
// transaction; re-running is prevented by the version guard, not by the
// migration itself.
type Migration struct {
	Version int
	Name    string
	Fn      func(ctx context.Context, tx *sql.Tx) error
}

// Error wraps any migration failure. It is fatal at startup: the process
// must not operate on a store in an unknown schema state.
type Error struct {
	Version int
	Name    string
	Err     error
}

func (e *Error) Error() string {
	if e.Version == 0 {
		return fmt.Sprintf("migrate: %v", e.Err)
	}
	return fmt.Sprintf("migrate: migration %d (%s): %v", e.Version, e.Name, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Current reads the schema version from PRAGMA user_version.
func Current(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, &Error{Err: fmt.Errorf("read user_version: %w", err)}
	}
	return version, nil
}

// Apply runs every migration with Version greater than the stored version,
// strictly ascending. Versions must be contiguous starting at 1. The
// context bounds the whole run; a deadline hit rolls back the in-flight
// migration before returning.
func Apply(ctx context.Context, db *sql.DB, migrations []Migration, logger zerolog.Logger) error {
	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	for i, m := range sorted {
		if m.Version != i+1 {
			return &Error{Err: fmt.Errorf("non-contiguous versions: expected %d, got %d", i+1, m.Version)}
		}
	}

	current, err := Current(ctx, db)
	if err != nil {
		return err
	}
	if current > len(sorted) {
		return &Error{Err: fmt.Errorf("database schema version %d is newer than known migrations (%d)", current, len(sorted))}
	}

	for _, m := range sorted[current:] {
		if err := applyOne(ctx, db, m); err != nil {
			return err
		}
		logger.Info().Int("version", m.Version).Str("name", m.Name).Msg("applied migration")
	}
	return nil
}

func applyOne(ctx context.Context, db *sql.DB, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return &Error{Version: m.Version, Name: m.Name, Err: err}
	}
	if err := m.Fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return &Error{Version: m.Version, Name: m.Name, Err: err}
	}
	// PRAGMA does not accept bind parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", m.Version)); err != nil {
		_ = tx.Rollback()
		return &Error{Version: m.Version, Name: m.Name, Err: fmt.Errorf("set user_version: %w", err)}
	}
	if err := tx.Commit(); err != nil {
		return &Error{Version: m.Version, Name: m.Name, Err: err}
	}
	return nil
}

// IsFatal reports whether err is a migration error. All migration errors
// are fatal; this exists so callers can distinguish them from plain
// connection failures.
func IsFatal(err error) bool {
	var me *Error
	return errors.As(err, &me)
}
