package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/panohub/pano/pkg/cache"
	"github.com/panohub/pano/pkg/search"
)

// CreateCategory inserts a category. Names are unique; a duplicate
// surfaces as ErrConstraint.
func (t *Tx) CreateCategory(c *Category) error {
	if c.Name == "" {
		return fmt.Errorf("%w: category name is required", ErrConstraint)
	}
	if c.ID == "" {
		c.ID = newID()
	}
	ts := now()
	c.CreatedAt, c.UpdatedAt = ts, ts
	err := t.exec(`INSERT INTO categories
		(id, name, description, icon, color, pinned, position, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Description, c.Icon, c.Color,
		boolToInt(c.Pinned), c.Position, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return err
	}
	t.touch(cache.DomainCategory, cache.DomainAdvanced)
	return nil
}

// UpdateCategory rewrites a category's metadata.
func (t *Tx) UpdateCategory(c *Category) error {
	if c.Name == "" {
		return fmt.Errorf("%w: category name is required", ErrConstraint)
	}
	c.UpdatedAt = now()
	res, err := t.tx.ExecContext(t.ctx, `UPDATE categories SET
		name = ?, description = ?, icon = ?, color = ?, pinned = ?, position = ?, updated_at = ?
		WHERE id = ?`,
		c.Name, c.Description, c.Icon, c.Color,
		boolToInt(c.Pinned), c.Position, c.UpdatedAt, c.ID)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: category %s", ErrNotFound, c.ID)
	}
	// Tag assignment rows bake the category name into their body.
	if err := t.refreshCategoryTagDocs(c.ID, c.Name); err != nil {
		return err
	}
	t.touch(cache.DomainCategory, cache.DomainAdvanced)
	return nil
}

// refreshCategoryTagDocs rewrites the category's tag assignment index
// rows after a rename.
func (t *Tx) refreshCategoryTagDocs(categoryID, categoryName string) error {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT ct.tag_id, tg.name FROM category_tags ct
		JOIN tags tg ON tg.id = ct.tag_id WHERE ct.category_id = ?`, categoryID)
	if err != nil {
		return mapError(err)
	}
	type assignment struct{ tagID, tagName string }
	var assigns []assignment
	for rows.Next() {
		var a assignment
		if err := rows.Scan(&a.tagID, &a.tagName); err != nil {
			rows.Close()
			return err
		}
		assigns = append(assigns, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, a := range assigns {
		doc := search.Doc{EntityID: categoryID, Kind: search.KindCategoryTag, Ref: a.tagID,
			Label: a.tagName, Body: categoryName}
		if err := search.Upsert(t.ctx, t.tx, doc); err != nil {
			return err
		}
	}
	return nil
}

// DeleteCategory removes a category and cascades to everything owned by
// it: items (with their references), lists and tables. Scope memberships
// pointing at deleted entities go too.
func (t *Tx) DeleteCategory(id string) error {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT id FROM items WHERE category_id = ?`, id)
	if err != nil {
		return mapError(err)
	}
	var itemIDs []string
	for rows.Next() {
		var iid string
		if err := rows.Scan(&iid); err != nil {
			rows.Close()
			return err
		}
		itemIDs = append(itemIDs, iid)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, iid := range itemIDs {
		if err := t.DeleteItem(iid); err != nil {
			return err
		}
	}

	for _, q := range []string{
		`DELETE FROM list_entries WHERE list_id IN (SELECT id FROM lists WHERE category_id = ?)`,
		`DELETE FROM lists WHERE category_id = ?`,
		`DELETE FROM table_cells WHERE table_id IN (SELECT id FROM tables WHERE category_id = ?)`,
		`DELETE FROM tables WHERE category_id = ?`,
		`DELETE FROM category_tags WHERE category_id = ?`,
		`DELETE FROM scope_relations WHERE target_kind = 'category' AND target_id = ?`,
	} {
		if err := t.exec(q, id); err != nil {
			return err
		}
	}
	res, err := t.tx.ExecContext(t.ctx, `DELETE FROM categories WHERE id = ?`, id)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: category %s", ErrNotFound, id)
	}
	if err := search.DeleteEntity(t.ctx, t.tx, id); err != nil {
		return err
	}
	t.touch(itemDomains...)
	return nil
}

// GetCategory fetches one category.
func (s *Store) GetCategory(ctx context.Context, id string) (*Category, error) {
	var c Category
	err := s.read(func(db *sql.DB) error {
		var pinned int
		err := db.QueryRowContext(ctx, `SELECT id, name, description, icon, color,
			pinned, position, created_at, updated_at,
			(SELECT COUNT(*) FROM items WHERE category_id = categories.id AND is_archived = 0)
			FROM categories WHERE id = ?`, id).
			Scan(&c.ID, &c.Name, &c.Description, &c.Icon, &c.Color,
				&pinned, &c.Position, &c.CreatedAt, &c.UpdatedAt, &c.ItemCount)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: category %s", ErrNotFound, id)
		}
		c.Pinned = pinned == 1
		return err
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCategories returns all categories with live item counts, pinned
// first, then by position and name.
func (s *Store) ListCategories(ctx context.Context) ([]*Category, error) {
	var cats []*Category
	err := s.read(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `SELECT id, name, description, icon, color,
			pinned, position, created_at, updated_at,
			(SELECT COUNT(*) FROM items WHERE category_id = categories.id AND is_archived = 0)
			FROM categories ORDER BY pinned DESC, position, name`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var c Category
			var pinned int
			if err := rows.Scan(&c.ID, &c.Name, &c.Description, &c.Icon, &c.Color,
				&pinned, &c.Position, &c.CreatedAt, &c.UpdatedAt, &c.ItemCount); err != nil {
				return err
			}
			c.Pinned = pinned == 1
			cats = append(cats, &c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return cats, nil
}
