package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/panohub/pano/pkg/cache"
	"github.com/panohub/pano/pkg/search"
)

// ensureTag resolves a tag name to its id, creating the tag in the
// global pool on first use. Tag names are stored as given; uniqueness is
// enforced by the schema.
func (t *Tx) ensureTag(name string) (string, error) {
	var id string
	err := t.tx.QueryRowContext(t.ctx, `SELECT id FROM tags WHERE name = ?`, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", mapError(err)
	}
	id = newID()
	if err := t.exec(`INSERT INTO tags (id, name, group_id, created_at) VALUES (?, ?, NULL, ?)`,
		id, name, now()); err != nil {
		return "", err
	}
	doc := search.Doc{EntityID: id, Kind: search.KindTag, Label: name}
	if err := search.Upsert(t.ctx, t.tx, doc); err != nil {
		return "", err
	}
	return id, nil
}

func (t *Tx) setItemTags(itemID string, names []string) error {
	for _, name := range names {
		if name == "" {
			continue
		}
		tagID, err := t.ensureTag(name)
		if err != nil {
			return err
		}
		if err := t.exec(`INSERT OR IGNORE INTO item_tags (item_id, tag_id) VALUES (?, ?)`,
			itemID, tagID); err != nil {
			return err
		}
	}
	return nil
}

// TagCategory assigns a tag to a category and indexes the assignment so
// searching the tag name surfaces the category.
func (t *Tx) TagCategory(categoryID, tagName string) error {
	var categoryName string
	err := t.tx.QueryRowContext(t.ctx, `SELECT name FROM categories WHERE id = ?`, categoryID).
		Scan(&categoryName)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: category %s", ErrConstraint, categoryID)
	}
	if err != nil {
		return mapError(err)
	}
	tagID, err := t.ensureTag(tagName)
	if err != nil {
		return err
	}
	if err := t.exec(`INSERT OR IGNORE INTO category_tags (category_id, tag_id) VALUES (?, ?)`,
		categoryID, tagID); err != nil {
		return err
	}
	// Body carries the category name so searching it surfaces the
	// assignment, same shape ReindexAll produces.
	doc := search.Doc{EntityID: categoryID, Kind: search.KindCategoryTag, Ref: tagID,
		Label: tagName, Body: categoryName}
	if err := search.Upsert(t.ctx, t.tx, doc); err != nil {
		return err
	}
	t.touch(cache.DomainCategory, cache.DomainAdvanced)
	return nil
}

// UntagCategory removes a tag assignment from a category.
func (t *Tx) UntagCategory(categoryID, tagName string) error {
	var tagID string
	err := t.tx.QueryRowContext(t.ctx, `SELECT id FROM tags WHERE name = ?`, tagName).Scan(&tagID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: tag %q", ErrNotFound, tagName)
	}
	if err != nil {
		return mapError(err)
	}
	if err := t.exec(`DELETE FROM category_tags WHERE category_id = ? AND tag_id = ?`,
		categoryID, tagID); err != nil {
		return err
	}
	if err := search.Delete(t.ctx, t.tx, categoryID, search.KindCategoryTag, tagID); err != nil {
		return err
	}
	t.touch(cache.DomainCategory, cache.DomainAdvanced)
	return nil
}

// DeleteTag removes a tag from the pool along with every assignment and
// index row that mentions it.
func (t *Tx) DeleteTag(name string) error {
	var tagID string
	err := t.tx.QueryRowContext(t.ctx, `SELECT id FROM tags WHERE name = ?`, name).Scan(&tagID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: tag %q", ErrNotFound, name)
	}
	if err != nil {
		return mapError(err)
	}

	rows, err := t.tx.QueryContext(t.ctx, `SELECT item_id FROM item_tags WHERE tag_id = ?`, tagID)
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

	for _, q := range []string{
		`DELETE FROM item_tags WHERE tag_id = ?`,
		`DELETE FROM category_tags WHERE tag_id = ?`,
		`DELETE FROM scope_relations WHERE target_kind = 'tag' AND target_id = ?`,
		`DELETE FROM tags WHERE id = ?`,
	} {
		if err := t.exec(q, tagID); err != nil {
			return err
		}
	}
	// Assignment rows carry the tag id in ref; the tag's own row is keyed
	// by entity_id.
	if err := t.exec(`DELETE FROM search_index WHERE entity_id = ? OR ref = ?`, tagID, tagID); err != nil {
		return err
	}
	// Index rows of the items that carried the tag still mention it in
	// their tags column.
	for _, iid := range itemIDs {
		if err := t.reindexItem(iid); err != nil {
			return err
		}
	}
	t.touch(itemDomains...)
	return nil
}

// CreateTagGroup adds a node to the tag group hierarchy. parentID may be
// empty for a root group.
func (t *Tx) CreateTagGroup(g *TagGroup) error {
	if g.Name == "" {
		return fmt.Errorf("%w: tag group name is required", ErrConstraint)
	}
	if g.ID == "" {
		g.ID = newID()
	}
	g.CreatedAt = now()
	var parent any
	if g.ParentID != "" {
		parent = g.ParentID
	}
	return t.exec(`INSERT INTO tag_groups (id, name, parent_id, created_at) VALUES (?, ?, ?, ?)`,
		g.ID, g.Name, parent, g.CreatedAt)
}

// AssignTagGroup moves a tag into a group, or out of any group when
// groupID is empty.
func (t *Tx) AssignTagGroup(tagName, groupID string) error {
	var group any
	if groupID != "" {
		if err := t.requireRow(`SELECT 1 FROM tag_groups WHERE id = ?`, groupID, "tag group"); err != nil {
			return err
		}
		group = groupID
	}
	res, err := t.tx.ExecContext(t.ctx, `UPDATE tags SET group_id = ? WHERE name = ?`, group, tagName)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: tag %q", ErrNotFound, tagName)
	}
	return nil
}

func (t *Tx) requireRow(query, id, what string) error {
	var one int
	err := t.tx.QueryRowContext(t.ctx, query, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s %s", ErrConstraint, what, id)
	}
	return mapError(err)
}

// ListTags returns the tag pool with per-tag item counts, most used
// first.
func (s *Store) ListTags(ctx context.Context) ([]*Tag, error) {
	var tags []*Tag
	err := s.read(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `SELECT t.id, t.name, COALESCE(t.group_id, ''),
			t.created_at, (SELECT COUNT(*) FROM item_tags WHERE tag_id = t.id)
			FROM tags t ORDER BY 5 DESC, t.name`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var tg Tag
			if err := rows.Scan(&tg.ID, &tg.Name, &tg.GroupID, &tg.CreatedAt, &tg.ItemCount); err != nil {
				return err
			}
			tags = append(tags, &tg)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return tags, nil
}

// ListTagGroups returns the full hierarchy ordered parents-first by name.
func (s *Store) ListTagGroups(ctx context.Context) ([]*TagGroup, error) {
	var groups []*TagGroup
	err := s.read(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx,
			`SELECT id, name, COALESCE(parent_id, ''), created_at FROM tag_groups ORDER BY name`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var g TagGroup
			if err := rows.Scan(&g.ID, &g.Name, &g.ParentID, &g.CreatedAt); err != nil {
				return err
			}
			groups = append(groups, &g)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return groups, nil
}
