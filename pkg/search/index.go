package search

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Kind discriminates heterogeneous index rows so one query can return
// items and tag assignments together.
type Kind string

const (
	KindItem        Kind = "item"
	KindTag         Kind = "tag"
	KindCategoryTag Kind = "category_tag"
	KindProjectTag  Kind = "project_tag"
	KindAreaTag     Kind = "area_tag"
)

// ErrIndexDrift reports a detected mismatch between the index and the
// source tables. Non-fatal; the fix is ReindexAll.
var ErrIndexDrift = errors.New("search: index drift detected")

// Schema is the FTS5 virtual table DDL, applied by the store's migration
// engine. Column order matters: bm25() weights below are positional.
const Schema = `
CREATE VIRTUAL TABLE IF NOT EXISTS search_index USING fts5(
    entity_id UNINDEXED,
    kind UNINDEXED,
    ref UNINDEXED,
    label,
    body,
    tags,
    tokenize = 'unicode61 remove_diacritics 2'
);`

// DBTX abstracts *sql.DB and *sql.Tx so index maintenance can run inside
// the store's transactions.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Doc is the normalized projection of an entity into the index.
// For *_tag kinds EntityID is the owning scope/category and Ref is the
// tag id; for items and tags Ref is empty.
type Doc struct {
	EntityID string
	Kind     Kind
	Ref      string
	Label    string
	Body     string // empty for sensitive items: ciphertext never reaches the index
	Tags     string // space-joined tag names
}

// Upsert replaces the index row for a document. FTS5 has no native
// upsert, so this is delete-then-insert keyed by (entity_id, kind, ref).
func Upsert(ctx context.Context, tx DBTX, doc Doc) error {
	if err := Delete(ctx, tx, doc.EntityID, doc.Kind, doc.Ref); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO search_index (entity_id, kind, ref, label, body, tags)
		VALUES (?, ?, ?, ?, ?, ?)
	`, doc.EntityID, string(doc.Kind), doc.Ref, doc.Label, doc.Body, doc.Tags)
	if err != nil {
		return fmt.Errorf("index upsert %s/%s: %w", doc.Kind, doc.EntityID, err)
	}
	return nil
}

// Delete removes the index row for an entity.
func Delete(ctx context.Context, tx DBTX, entityID string, kind Kind, ref string) error {
	_, err := tx.ExecContext(ctx,
		"DELETE FROM search_index WHERE entity_id = ? AND kind = ? AND ref = ?",
		entityID, string(kind), ref)
	if err != nil {
		return fmt.Errorf("index delete %s/%s: %w", kind, entityID, err)
	}
	return nil
}

// DeleteEntity removes every index row referencing an entity, in any
// position (owner or ref). Used when an item, tag or scope goes away.
func DeleteEntity(ctx context.Context, tx DBTX, entityID string) error {
	_, err := tx.ExecContext(ctx,
		"DELETE FROM search_index WHERE entity_id = ? OR ref = ?",
		entityID, entityID)
	if err != nil {
		return fmt.Errorf("index delete entity %s: %w", entityID, err)
	}
	return nil
}

// ReindexAll rebuilds the whole index from the source tables. Callers run
// it inside a single transaction so a failure leaves the previous index
// intact. Idempotent: running it twice yields the same rows.
func ReindexAll(ctx context.Context, tx DBTX) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM search_index"); err != nil {
		return fmt.Errorf("reindex clear: %w", err)
	}

	steps := []struct {
		name string
		stmt string
	}{
		{"items", `
			INSERT INTO search_index (entity_id, kind, ref, label, body, tags)
			SELECT i.id, 'item', '', i.label,
			       CASE WHEN i.is_sensitive = 1 THEN '' ELSE i.content END,
			       COALESCE((SELECT group_concat(t.name, ' ') FROM item_tags it
			                 JOIN tags t ON t.id = it.tag_id WHERE it.item_id = i.id), '')
			FROM items i`},
		{"tags", `
			INSERT INTO search_index (entity_id, kind, ref, label, body, tags)
			SELECT t.id, 'tag', '', t.name, '', '' FROM tags t`},
		{"category tags", `
			INSERT INTO search_index (entity_id, kind, ref, label, body, tags)
			SELECT ct.category_id, 'category_tag', ct.tag_id, t.name, c.name, ''
			FROM category_tags ct
			JOIN tags t ON t.id = ct.tag_id
			JOIN categories c ON c.id = ct.category_id`},
		{"scope tags", `
			INSERT INTO search_index (entity_id, kind, ref, label, body, tags)
			SELECT r.scope_id,
			       CASE s.kind WHEN 'project' THEN 'project_tag' ELSE 'area_tag' END,
			       r.target_id, t.name, s.name, ''
			FROM scope_relations r
			JOIN scopes s ON s.id = r.scope_id
			JOIN tags t ON t.id = r.target_id
			WHERE r.target_kind = 'tag'`},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, step.stmt); err != nil {
			return fmt.Errorf("reindex %s: %w", step.name, err)
		}
	}
	return nil
}

// CheckIndex compares index row counts per kind against the source
// tables. A mismatch wraps ErrIndexDrift; the caller should ReindexAll.
func CheckIndex(ctx context.Context, db DBTX) error {
	checks := []struct {
		kind   Kind
		source string
	}{
		{KindItem, "SELECT COUNT(*) FROM items"},
		{KindTag, "SELECT COUNT(*) FROM tags"},
		{KindCategoryTag, "SELECT COUNT(*) FROM category_tags"},
		{KindProjectTag, `SELECT COUNT(*) FROM scope_relations r
			JOIN scopes s ON s.id = r.scope_id
			WHERE r.target_kind = 'tag' AND s.kind = 'project'`},
		{KindAreaTag, `SELECT COUNT(*) FROM scope_relations r
			JOIN scopes s ON s.id = r.scope_id
			WHERE r.target_kind = 'tag' AND s.kind = 'area'`},
	}
	for _, c := range checks {
		var want, got int
		if err := db.QueryRowContext(ctx, c.source).Scan(&want); err != nil {
			return fmt.Errorf("check %s source: %w", c.kind, err)
		}
		err := db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM search_index WHERE kind = ?", string(c.kind)).Scan(&got)
		if err != nil {
			return fmt.Errorf("check %s index: %w", c.kind, err)
		}
		if want != got {
			return fmt.Errorf("%w: kind %s has %d indexed rows, %d source rows",
				ErrIndexDrift, c.kind, got, want)
		}
	}
	return nil
}
