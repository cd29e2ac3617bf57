// Package store is the persistence engine: a single SQLite database
// holding every entity, the full-text index and the usage log. All
// writes flow through WithTx, so multi-table changes and their index
// maintenance commit or roll back as one unit.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/panohub/pano/internal/migrate"
	"github.com/panohub/pano/pkg/cache"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store wraps the database handle. SQLite allows one writer at a time;
// the RWMutex serializes writers in-process instead of burning the busy
// timeout on lock contention.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	log zerolog.Logger

	onCommit func([]cache.Domain)
}

// Open opens (creating if needed) the database at path and brings the
// schema up to date. Pass ":memory:" for an ephemeral database.
func Open(ctx context.Context, path string, log zerolog.Logger) (*Store, error) {
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if path != ":memory:" {
		dsn += "&_pragma=journal_mode(wal)"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty
		// in-memory database.
		db.SetMaxOpenConns(1)
	}

	from, err := migrate.Current(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate.Apply(ctx, db, migrations, log); err != nil {
		db.Close()
		return nil, err
	}
	to, _ := migrate.Current(ctx, db)
	if to != from {
		log.Info().Int("from", from).Int("to", to).Msg("schema migrated")
	}

	return &Store{db: db, log: log}, nil
}

// OnCommit registers a hook fired after every successful commit with the
// invalidation domains the transaction touched. Rolled-back transactions
// never fire it.
func (s *Store) OnCommit(fn func([]cache.Domain)) {
	s.onCommit = fn
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Tx is one open write transaction. All mutating operations hang off it;
// read-only operations live on Store and run outside the writer lock.
type Tx struct {
	ctx     context.Context
	tx      *sql.Tx
	store   *Store
	domains map[cache.Domain]struct{}
}

// touch records which cache domains this transaction dirties.
func (t *Tx) touch(domains ...cache.Domain) {
	for _, d := range domains {
		t.domains[d] = struct{}{}
	}
}

func (t *Tx) exec(query string, args ...any) error {
	_, err := t.tx.ExecContext(t.ctx, query, args...)
	return mapError(err)
}

// WithTx runs fn inside a single transaction. Any error from fn rolls
// everything back, including context expiry, which surfaces as
// ErrTimeout. The commit hook fires only after a successful commit.
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	tx := &Tx{ctx: ctx, tx: sqlTx, store: s, domains: make(map[cache.Domain]struct{})}

	if err := fn(tx); err != nil {
		sqlTx.Rollback()
		return mapError(err)
	}
	if err := sqlTx.Commit(); err != nil {
		sqlTx.Rollback()
		return mapError(err)
	}

	if s.onCommit != nil && len(tx.domains) > 0 {
		dirty := make([]cache.Domain, 0, len(tx.domains))
		for d := range tx.domains {
			dirty = append(dirty, d)
		}
		s.onCommit(dirty)
	}
	return nil
}

// read runs fn under the shared reader lock.
func (s *Store) read(fn func(db *sql.DB) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return mapError(fn(s.db))
}

func now() int64 {
	return time.Now().UnixMilli()
}

func newID() string {
	return uuid.NewString()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
