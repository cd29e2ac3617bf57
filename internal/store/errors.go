package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ncruces/go-sqlite3"
)

// Error taxonomy. Transaction-layer errors always roll back before they
// propagate; none of them are swallowed.
var (
	// ErrConstraint is a recoverable input error (duplicate key, missing
	// reference). The caller must correct the input.
	ErrConstraint = errors.New("store: constraint violation")

	// ErrNotFound is returned by lookups for missing rows.
	ErrNotFound = errors.New("store: not found")

	// ErrTimeout means a caller-supplied budget expired. The operation
	// rolled back; no partial state remains.
	ErrTimeout = errors.New("store: operation timed out")
)

// mapError translates driver and context errors into the taxonomy.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var serr *sqlite3.Error
	if errors.As(err, &serr) && serr.Code() == sqlite3.CONSTRAINT {
		return fmt.Errorf("%w: %v", ErrConstraint, err)
	}
	return err
}
