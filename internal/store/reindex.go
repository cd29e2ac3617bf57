package store

import (
	"context"
	"database/sql"

	"github.com/panohub/pano/pkg/cache"
	"github.com/panohub/pano/pkg/search"
)

// Reindex drops and rebuilds the whole search index from the source
// tables in one transaction. Idempotent; the recovery path for index
// drift or a corrupted index.
func (s *Store) Reindex(ctx context.Context) error {
	return s.WithTx(ctx, func(t *Tx) error {
		if err := search.ReindexAll(t.ctx, t.tx); err != nil {
			return err
		}
		t.touch(cache.DomainAdvanced)
		return nil
	})
}

// CheckIndex verifies the index row counts against the source tables.
// A mismatch wraps search.ErrIndexDrift.
func (s *Store) CheckIndex(ctx context.Context) error {
	return s.read(func(db *sql.DB) error {
		return search.CheckIndex(ctx, db)
	})
}

// Search runs a ranked full-text query. Plaintext of sensitive items is
// not in the index, so their hits come from labels and tags only.
func (s *Store) Search(ctx context.Context, query string, f search.Filters) ([]search.Result, error) {
	var results []search.Result
	err := s.read(func(db *sql.DB) error {
		var err error
		results, err = search.Search(ctx, db, query, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}
