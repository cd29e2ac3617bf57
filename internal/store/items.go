package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/panohub/pano/pkg/cache"
	"github.com/panohub/pano/pkg/search"
	"github.com/panohub/pano/pkg/vault"
)

// itemDomains is the invalidation footprint of an item mutation. Items
// appear in category views and, through scope relations, in project and
// area views, so item writes dirty everything.
var itemDomains = []cache.Domain{
	cache.DomainCategory, cache.DomainProject, cache.DomainArea, cache.DomainAdvanced,
}

func validateItem(it *Item) error {
	if it.Label == "" {
		return fmt.Errorf("%w: item label is required", ErrConstraint)
	}
	if it.CategoryID == "" {
		return fmt.Errorf("%w: item category is required", ErrConstraint)
	}
	if !itemTypes[it.Type] {
		return fmt.Errorf("%w: unknown item type %q", ErrConstraint, it.Type)
	}
	return nil
}

// sealContent returns the storable form of the item's content. Sensitive
// content is sealed with the session key; the searchable hash is derived
// from the plaintext first.
func sealContent(sess *vault.Session, it *Item) (string, error) {
	if !it.IsSensitive {
		it.ContentHash = ""
		return it.Content, nil
	}
	if sess == nil || !sess.Unlocked() {
		return "", vault.ErrLocked
	}
	it.ContentHash = vault.ContentHash(it.Content)
	return sess.Seal(it.Content)
}

// indexDoc projects an item into the search index. Sensitive items keep
// their body out of the index; label and tags stay searchable.
func indexDoc(it *Item) search.Doc {
	body := it.Content
	if it.IsSensitive {
		body = ""
	}
	return search.Doc{
		EntityID: it.ID,
		Kind:     search.KindItem,
		Label:    it.Label,
		Body:     body,
		Tags:     strings.Join(it.Tags, " "),
	}
}

// reindexItem rebuilds an item's index row from its current table state.
// Used when something the row depends on changes out from under the item,
// like a tag disappearing from the pool.
func (t *Tx) reindexItem(id string) error {
	var label, content, tags string
	var sensitive int
	err := t.tx.QueryRowContext(t.ctx, `SELECT label, content, is_sensitive,
		COALESCE((SELECT group_concat(tg.name, ' ') FROM item_tags it
		          JOIN tags tg ON tg.id = it.tag_id WHERE it.item_id = items.id), '')
		FROM items WHERE id = ?`, id).Scan(&label, &content, &sensitive, &tags)
	if err != nil {
		return mapError(err)
	}
	if sensitive == 1 {
		content = ""
	}
	return search.Upsert(t.ctx, t.tx, search.Doc{
		EntityID: id, Kind: search.KindItem, Label: label, Body: content, Tags: tags,
	})
}

// CreateItem inserts an item, its tag assignments and its index row.
// Sensitive items require an unlocked session; without one nothing is
// written.
func (t *Tx) CreateItem(sess *vault.Session, it *Item) error {
	if it.ID == "" {
		it.ID = newID()
	}
	if err := validateItem(it); err != nil {
		return err
	}
	stored, err := sealContent(sess, it)
	if err != nil {
		return err
	}
	ts := now()
	it.CreatedAt, it.UpdatedAt = ts, ts

	err = t.exec(`INSERT INTO items
		(id, category_id, type, label, content, description, icon, color, working_dir,
		 is_sensitive, content_hash, is_favorite, favorite_order, is_archived,
		 usage_count, last_used, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?)`,
		it.ID, it.CategoryID, it.Type, it.Label, stored, it.Description,
		it.Icon, it.Color, it.WorkingDir,
		boolToInt(it.IsSensitive), it.ContentHash,
		boolToInt(it.IsFavorite), it.FavoriteOrder, boolToInt(it.IsArchived),
		it.CreatedAt, it.UpdatedAt)
	if err != nil {
		return err
	}
	if err := t.setItemTags(it.ID, it.Tags); err != nil {
		return err
	}
	if err := search.Upsert(t.ctx, t.tx, indexDoc(it)); err != nil {
		return err
	}
	t.touch(itemDomains...)
	return nil
}

// UpdateItem rewrites an item, its tag assignments and its index row.
// Toggling sensitivity re-seals or re-opens the stored content.
func (t *Tx) UpdateItem(sess *vault.Session, it *Item) error {
	if err := validateItem(it); err != nil {
		return err
	}
	stored, err := sealContent(sess, it)
	if err != nil {
		return err
	}
	it.UpdatedAt = now()

	res, err := t.tx.ExecContext(t.ctx, `UPDATE items SET
		category_id = ?, type = ?, label = ?, content = ?, description = ?,
		icon = ?, color = ?, working_dir = ?,
		is_sensitive = ?, content_hash = ?, is_favorite = ?, favorite_order = ?,
		is_archived = ?, updated_at = ?
		WHERE id = ?`,
		it.CategoryID, it.Type, it.Label, stored, it.Description,
		it.Icon, it.Color, it.WorkingDir,
		boolToInt(it.IsSensitive), it.ContentHash,
		boolToInt(it.IsFavorite), it.FavoriteOrder,
		boolToInt(it.IsArchived), it.UpdatedAt, it.ID)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: item %s", ErrNotFound, it.ID)
	}
	if err := t.exec(`DELETE FROM item_tags WHERE item_id = ?`, it.ID); err != nil {
		return err
	}
	if err := t.setItemTags(it.ID, it.Tags); err != nil {
		return err
	}
	if err := search.Upsert(t.ctx, t.tx, indexDoc(it)); err != nil {
		return err
	}
	t.touch(itemDomains...)
	return nil
}

// DeleteItem removes an item and every reference to it: tag assignments,
// list entries, table cells, process steps, scope memberships and index
// rows. Usage events are kept; the log is append-only history.
func (t *Tx) DeleteItem(id string) error {
	for _, q := range []string{
		`DELETE FROM item_tags WHERE item_id = ?`,
		`DELETE FROM list_entries WHERE item_id = ?`,
		`DELETE FROM table_cells WHERE item_id = ?`,
		`DELETE FROM process_steps WHERE item_id = ?`,
		`DELETE FROM scope_relations WHERE target_kind = 'item' AND target_id = ?`,
	} {
		if err := t.exec(q, id); err != nil {
			return err
		}
	}
	res, err := t.tx.ExecContext(t.ctx, `DELETE FROM items WHERE id = ?`, id)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: item %s", ErrNotFound, id)
	}
	if err := search.DeleteEntity(t.ctx, t.tx, id); err != nil {
		return err
	}
	t.touch(itemDomains...)
	return nil
}

// SetFavorite pins or unpins an item at a position in the favorites bar.
func (t *Tx) SetFavorite(id string, favorite bool, order int64) error {
	res, err := t.tx.ExecContext(t.ctx,
		`UPDATE items SET is_favorite = ?, favorite_order = ?, updated_at = ? WHERE id = ?`,
		boolToInt(favorite), order, now(), id)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: item %s", ErrNotFound, id)
	}
	t.touch(cache.DomainCategory, cache.DomainAdvanced)
	return nil
}

// SetArchived toggles the archived flag. Archived items keep their data
// and history but drop out of default listings and stale-item reports.
func (t *Tx) SetArchived(id string, archived bool) error {
	res, err := t.tx.ExecContext(t.ctx,
		`UPDATE items SET is_archived = ?, updated_at = ? WHERE id = ?`,
		boolToInt(archived), now(), id)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: item %s", ErrNotFound, id)
	}
	t.touch(itemDomains...)
	return nil
}

const itemColumns = `id, category_id, type, label, content, description, icon, color,
	working_dir, is_sensitive, content_hash, is_favorite, favorite_order, is_archived,
	usage_count, last_used, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanItem reads one item row and opens sealed content when a usable
// session is available. Without one the item comes back with Sealed set
// and empty content instead of ciphertext.
func scanItem(row rowScanner, sess *vault.Session) (*Item, error) {
	var it Item
	var sensitive, favorite, archived int
	err := row.Scan(&it.ID, &it.CategoryID, &it.Type, &it.Label, &it.Content,
		&it.Description, &it.Icon, &it.Color, &it.WorkingDir,
		&sensitive, &it.ContentHash, &favorite, &it.FavoriteOrder, &archived,
		&it.UsageCount, &it.LastUsed, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return nil, err
	}
	it.IsSensitive = sensitive == 1
	it.IsFavorite = favorite == 1
	it.IsArchived = archived == 1

	if it.IsSensitive && vault.IsSealed(it.Content) {
		if sess != nil && sess.Unlocked() {
			plain, err := sess.Open(it.Content)
			if err != nil {
				return nil, fmt.Errorf("item %s: %w", it.ID, err)
			}
			it.Content = plain
		} else {
			it.Content = ""
			it.Sealed = true
		}
	}
	return &it, nil
}

// GetItem fetches one item with its tags.
func (s *Store) GetItem(ctx context.Context, sess *vault.Session, id string) (*Item, error) {
	var it *Item
	err := s.read(func(db *sql.DB) error {
		row := db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
		var err error
		it, err = scanItem(row, sess)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: item %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		it.Tags, err = itemTagNames(ctx, db, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return it, nil
}

func itemTagNames(ctx context.Context, db *sql.DB, itemID string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT t.name FROM item_tags it
		JOIN tags t ON t.id = it.tag_id WHERE it.item_id = ? ORDER BY t.name`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// ListItemsByCategory returns a category's items ordered by label.
// Archived items are excluded unless asked for.
func (s *Store) ListItemsByCategory(ctx context.Context, sess *vault.Session, categoryID string, includeArchived bool) ([]*Item, error) {
	q := `SELECT ` + itemColumns + ` FROM items WHERE category_id = ?`
	if !includeArchived {
		q += ` AND is_archived = 0`
	}
	q += ` ORDER BY label`
	return s.listItems(ctx, sess, q, categoryID)
}

// ListFavorites returns favorite items in their pinned order.
func (s *Store) ListFavorites(ctx context.Context, sess *vault.Session) ([]*Item, error) {
	return s.listItems(ctx, sess, `SELECT `+itemColumns+` FROM items
		WHERE is_favorite = 1 AND is_archived = 0 ORDER BY favorite_order, label`)
}

func (s *Store) listItems(ctx context.Context, sess *vault.Session, query string, args ...any) ([]*Item, error) {
	var items []*Item
	err := s.read(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			it, err := scanItem(rows, sess)
			if err != nil {
				return err
			}
			items = append(items, it)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// SensitiveCorpus decrypts every sensitive item into an in-memory corpus
// for content matching. Requires an unlocked session; the caller owns the
// plaintext and must drop it promptly.
func (s *Store) SensitiveCorpus(ctx context.Context, sess *vault.Session) ([]search.Document, error) {
	if sess == nil || !sess.Unlocked() {
		return nil, vault.ErrLocked
	}
	var docs []search.Document
	err := s.read(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `SELECT id, label, content FROM items
			WHERE is_sensitive = 1 AND is_archived = 0`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var d search.Document
			var blob string
			if err := rows.Scan(&d.ID, &d.Label, &blob); err != nil {
				return err
			}
			if vault.IsSealed(blob) {
				if d.Text, err = sess.Open(blob); err != nil {
					return fmt.Errorf("item %s: %w", d.ID, err)
				}
			} else {
				// Row predates encryption being enabled.
				d.Text = blob
			}
			docs = append(docs, d)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}
