package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/panohub/pano/pkg/cache"
	"github.com/panohub/pano/pkg/vault"
)

// CreateList adds an empty list to a category.
func (t *Tx) CreateList(l *List) error {
	if l.Name == "" {
		return fmt.Errorf("%w: list name is required", ErrConstraint)
	}
	if err := t.requireRow(`SELECT 1 FROM categories WHERE id = ?`, l.CategoryID, "category"); err != nil {
		return err
	}
	if l.ID == "" {
		l.ID = newID()
	}
	ts := now()
	l.CreatedAt, l.UpdatedAt = ts, ts
	if err := t.exec(`INSERT INTO lists (id, category_id, name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`, l.ID, l.CategoryID, l.Name, l.CreatedAt, l.UpdatedAt); err != nil {
		return err
	}
	t.touch(cache.DomainCategory, cache.DomainAdvanced)
	return nil
}

// DeleteList removes a list and its entries. Items survive.
func (t *Tx) DeleteList(id string) error {
	if err := t.exec(`DELETE FROM list_entries WHERE list_id = ?`, id); err != nil {
		return err
	}
	if err := t.exec(`DELETE FROM scope_relations WHERE target_kind = 'list' AND target_id = ?`, id); err != nil {
		return err
	}
	res, err := t.tx.ExecContext(t.ctx, `DELETE FROM lists WHERE id = ?`, id)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: list %s", ErrNotFound, id)
	}
	t.touch(cache.DomainCategory, cache.DomainAdvanced)
	return nil
}

// SetListEntries replaces a list's membership and ordering in one shot.
// Positions follow slice order.
func (t *Tx) SetListEntries(listID string, itemIDs []string) error {
	if err := t.requireRow(`SELECT 1 FROM lists WHERE id = ?`, listID, "list"); err != nil {
		return err
	}
	if err := t.exec(`DELETE FROM list_entries WHERE list_id = ?`, listID); err != nil {
		return err
	}
	for i, itemID := range itemIDs {
		if err := t.requireRow(`SELECT 1 FROM items WHERE id = ?`, itemID, "item"); err != nil {
			return err
		}
		if err := t.exec(`INSERT INTO list_entries (list_id, item_id, position) VALUES (?, ?, ?)`,
			listID, itemID, int64(i)); err != nil {
			return err
		}
	}
	if err := t.exec(`UPDATE lists SET updated_at = ? WHERE id = ?`, now(), listID); err != nil {
		return err
	}
	t.touch(cache.DomainCategory, cache.DomainAdvanced)
	return nil
}

// ListItems returns a list's items in position order.
func (s *Store) ListItems(ctx context.Context, sess *vault.Session, listID string) ([]*Item, error) {
	return s.listItems(ctx, sess, `SELECT `+itemColumns+` FROM items
		JOIN list_entries le ON le.item_id = items.id
		WHERE le.list_id = ? ORDER BY le.position`, listID)
}

// ListsByCategory returns a category's lists by name.
func (s *Store) ListsByCategory(ctx context.Context, categoryID string) ([]*List, error) {
	var lists []*List
	err := s.read(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `SELECT id, category_id, name, created_at, updated_at
			FROM lists WHERE category_id = ? ORDER BY name`, categoryID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var l List
			if err := rows.Scan(&l.ID, &l.CategoryID, &l.Name, &l.CreatedAt, &l.UpdatedAt); err != nil {
				return err
			}
			lists = append(lists, &l)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return lists, nil
}

// CreateTable adds an empty grid to a category.
func (t *Tx) CreateTable(tb *Table) error {
	if tb.Name == "" {
		return fmt.Errorf("%w: table name is required", ErrConstraint)
	}
	if tb.Rows <= 0 || tb.Cols <= 0 {
		return fmt.Errorf("%w: table dimensions must be positive", ErrConstraint)
	}
	if err := t.requireRow(`SELECT 1 FROM categories WHERE id = ?`, tb.CategoryID, "category"); err != nil {
		return err
	}
	if tb.ID == "" {
		tb.ID = newID()
	}
	ts := now()
	tb.CreatedAt, tb.UpdatedAt = ts, ts
	if err := t.exec(`INSERT INTO tables (id, category_id, name, rows, cols, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tb.ID, tb.CategoryID, tb.Name, tb.Rows, tb.Cols, tb.CreatedAt, tb.UpdatedAt); err != nil {
		return err
	}
	t.touch(cache.DomainCategory, cache.DomainAdvanced)
	return nil
}

// DeleteTable removes a grid and its cells. Items survive.
func (t *Tx) DeleteTable(id string) error {
	if err := t.exec(`DELETE FROM table_cells WHERE table_id = ?`, id); err != nil {
		return err
	}
	if err := t.exec(`DELETE FROM scope_relations WHERE target_kind = 'table' AND target_id = ?`, id); err != nil {
		return err
	}
	res, err := t.tx.ExecContext(t.ctx, `DELETE FROM tables WHERE id = ?`, id)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: table %s", ErrNotFound, id)
	}
	t.touch(cache.DomainCategory, cache.DomainAdvanced)
	return nil
}

// SetTableCell places an item at a grid position, replacing whatever was
// there. Positions outside the grid are rejected.
func (t *Tx) SetTableCell(tableID, itemID string, row, col int64) error {
	var rows, cols int64
	err := t.tx.QueryRowContext(t.ctx, `SELECT rows, cols FROM tables WHERE id = ?`, tableID).
		Scan(&rows, &cols)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: table %s", ErrNotFound, tableID)
	}
	if err != nil {
		return mapError(err)
	}
	if row < 0 || row >= rows || col < 0 || col >= cols {
		return fmt.Errorf("%w: cell (%d,%d) outside %dx%d grid", ErrConstraint, row, col, rows, cols)
	}
	if err := t.requireRow(`SELECT 1 FROM items WHERE id = ?`, itemID, "item"); err != nil {
		return err
	}
	if err := t.exec(`DELETE FROM table_cells WHERE table_id = ? AND row = ? AND col = ?`,
		tableID, row, col); err != nil {
		return err
	}
	if err := t.exec(`INSERT INTO table_cells (table_id, item_id, row, col) VALUES (?, ?, ?, ?)`,
		tableID, itemID, row, col); err != nil {
		return err
	}
	if err := t.exec(`UPDATE tables SET updated_at = ? WHERE id = ?`, now(), tableID); err != nil {
		return err
	}
	t.touch(cache.DomainCategory, cache.DomainAdvanced)
	return nil
}

// ClearTableCell empties a grid position.
func (t *Tx) ClearTableCell(tableID string, row, col int64) error {
	if err := t.exec(`DELETE FROM table_cells WHERE table_id = ? AND row = ? AND col = ?`,
		tableID, row, col); err != nil {
		return err
	}
	t.touch(cache.DomainCategory, cache.DomainAdvanced)
	return nil
}

// TableCells returns a grid's occupied cells.
func (s *Store) TableCells(ctx context.Context, tableID string) ([]*TableCell, error) {
	var cells []*TableCell
	err := s.read(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `SELECT table_id, item_id, row, col
			FROM table_cells WHERE table_id = ? ORDER BY row, col`, tableID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var c TableCell
			if err := rows.Scan(&c.TableID, &c.ItemID, &c.Row, &c.Col); err != nil {
				return err
			}
			cells = append(cells, &c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return cells, nil
}

// TablesByCategory returns a category's grids by name.
func (s *Store) TablesByCategory(ctx context.Context, categoryID string) ([]*Table, error) {
	var tables []*Table
	err := s.read(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `SELECT id, category_id, name, rows, cols, created_at, updated_at
			FROM tables WHERE category_id = ? ORDER BY name`, categoryID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var tb Table
			if err := rows.Scan(&tb.ID, &tb.CategoryID, &tb.Name, &tb.Rows, &tb.Cols,
				&tb.CreatedAt, &tb.UpdatedAt); err != nil {
				return err
			}
			tables = append(tables, &tb)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return tables, nil
}
