package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/panohub/pano/pkg/cache"
	"github.com/panohub/pano/pkg/search"
	"github.com/panohub/pano/pkg/vault"
)

func scopeDomain(kind string) cache.Domain {
	if kind == ScopeArea {
		return cache.DomainArea
	}
	return cache.DomainProject
}

var targetTables = map[string]string{
	TargetItem:     "items",
	TargetCategory: "categories",
	TargetList:     "lists",
	TargetTable:    "tables",
	TargetProcess:  "processes",
	TargetTag:      "tags",
}

// CreateScope inserts a project or area.
func (t *Tx) CreateScope(sc *Scope) error {
	if sc.Name == "" {
		return fmt.Errorf("%w: scope name is required", ErrConstraint)
	}
	if sc.Kind != ScopeProject && sc.Kind != ScopeArea {
		return fmt.Errorf("%w: unknown scope kind %q", ErrConstraint, sc.Kind)
	}
	if sc.ID == "" {
		sc.ID = newID()
	}
	ts := now()
	sc.CreatedAt, sc.UpdatedAt = ts, ts
	err := t.exec(`INSERT INTO scopes (id, kind, name, description, icon, color, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.Kind, sc.Name, sc.Description, sc.Icon, sc.Color, sc.CreatedAt, sc.UpdatedAt)
	if err != nil {
		return err
	}
	t.touch(scopeDomain(sc.Kind), cache.DomainAdvanced)
	return nil
}

// UpdateScope rewrites a scope's metadata. Kind is immutable.
func (t *Tx) UpdateScope(sc *Scope) error {
	if sc.Name == "" {
		return fmt.Errorf("%w: scope name is required", ErrConstraint)
	}
	sc.UpdatedAt = now()
	res, err := t.tx.ExecContext(t.ctx, `UPDATE scopes SET
		name = ?, description = ?, icon = ?, color = ?, updated_at = ? WHERE id = ?`,
		sc.Name, sc.Description, sc.Icon, sc.Color, sc.UpdatedAt, sc.ID)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: scope %s", ErrNotFound, sc.ID)
	}
	// Tag assignment rows bake the scope name into their body.
	if err := t.refreshScopeTagDocs(sc.ID); err != nil {
		return err
	}
	t.touch(cache.DomainProject, cache.DomainArea, cache.DomainAdvanced)
	return nil
}

// refreshScopeTagDocs rewrites a scope's tag assignment index rows after
// a rename.
func (t *Tx) refreshScopeTagDocs(scopeID string) error {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT s.kind, s.name, r.target_id, tg.name
		FROM scope_relations r
		JOIN scopes s ON s.id = r.scope_id
		JOIN tags tg ON tg.id = r.target_id
		WHERE r.scope_id = ? AND r.target_kind = 'tag'`, scopeID)
	if err != nil {
		return mapError(err)
	}
	type assignment struct{ kind, scopeName, tagID, tagName string }
	var assigns []assignment
	for rows.Next() {
		var a assignment
		if err := rows.Scan(&a.kind, &a.scopeName, &a.tagID, &a.tagName); err != nil {
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
		docKind := search.KindProjectTag
		if a.kind == ScopeArea {
			docKind = search.KindAreaTag
		}
		doc := search.Doc{EntityID: scopeID, Kind: docKind, Ref: a.tagID,
			Label: a.tagName, Body: a.scopeName}
		if err := search.Upsert(t.ctx, t.tx, doc); err != nil {
			return err
		}
	}
	return nil
}

// DeleteScope removes a scope and its membership rows. The targets
// themselves are untouched; a scope is a view, not an owner.
func (t *Tx) DeleteScope(id string) error {
	if err := t.exec(`DELETE FROM scope_relations WHERE scope_id = ?`, id); err != nil {
		return err
	}
	res, err := t.tx.ExecContext(t.ctx, `DELETE FROM scopes WHERE id = ?`, id)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: scope %s", ErrNotFound, id)
	}
	// Tag assignment rows indexed under this scope.
	if err := t.exec(`DELETE FROM search_index WHERE entity_id = ?
		AND kind IN ('project_tag', 'area_tag')`, id); err != nil {
		return err
	}
	t.touch(cache.DomainProject, cache.DomainArea, cache.DomainAdvanced)
	return nil
}

// AddRelation attaches a target to a scope. The target must exist; a
// dangling reference is rejected with ErrConstraint. Tagging a scope also
// indexes the assignment so the tag name finds the scope.
func (t *Tx) AddRelation(scopeID, targetKind, targetID string) error {
	if !relationTargets[targetKind] {
		return fmt.Errorf("%w: unknown relation target kind %q", ErrConstraint, targetKind)
	}
	var kind, scopeName string
	err := t.tx.QueryRowContext(t.ctx, `SELECT kind, name FROM scopes WHERE id = ?`, scopeID).
		Scan(&kind, &scopeName)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: scope %s", ErrConstraint, scopeID)
	}
	if err != nil {
		return mapError(err)
	}
	table := targetTables[targetKind]
	if err := t.requireRow(`SELECT 1 FROM `+table+` WHERE id = ?`, targetID, targetKind); err != nil {
		return err
	}
	if err := t.exec(`INSERT OR IGNORE INTO scope_relations (scope_id, target_kind, target_id, created_at)
		VALUES (?, ?, ?, ?)`, scopeID, targetKind, targetID, now()); err != nil {
		return err
	}

	if targetKind == TargetTag {
		var tagName string
		if err := t.tx.QueryRowContext(t.ctx, `SELECT name FROM tags WHERE id = ?`, targetID).
			Scan(&tagName); err != nil {
			return mapError(err)
		}
		docKind := search.KindProjectTag
		if kind == ScopeArea {
			docKind = search.KindAreaTag
		}
		// Body carries the scope name, matching what ReindexAll writes.
		doc := search.Doc{EntityID: scopeID, Kind: docKind, Ref: targetID,
			Label: tagName, Body: scopeName}
		if err := search.Upsert(t.ctx, t.tx, doc); err != nil {
			return err
		}
	}
	t.touch(scopeDomain(kind), cache.DomainAdvanced)
	return nil
}

// RemoveRelation detaches a target from a scope.
func (t *Tx) RemoveRelation(scopeID, targetKind, targetID string) error {
	var kind string
	err := t.tx.QueryRowContext(t.ctx, `SELECT kind FROM scopes WHERE id = ?`, scopeID).Scan(&kind)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: scope %s", ErrNotFound, scopeID)
	}
	if err != nil {
		return mapError(err)
	}
	if err := t.exec(`DELETE FROM scope_relations WHERE scope_id = ? AND target_kind = ? AND target_id = ?`,
		scopeID, targetKind, targetID); err != nil {
		return err
	}
	if targetKind == TargetTag {
		docKind := search.KindProjectTag
		if kind == ScopeArea {
			docKind = search.KindAreaTag
		}
		if err := search.Delete(t.ctx, t.tx, scopeID, docKind, targetID); err != nil {
			return err
		}
	}
	t.touch(scopeDomain(kind), cache.DomainAdvanced)
	return nil
}

// GetScope fetches one scope.
func (s *Store) GetScope(ctx context.Context, id string) (*Scope, error) {
	var sc Scope
	err := s.read(func(db *sql.DB) error {
		err := db.QueryRowContext(ctx, `SELECT id, kind, name, description, icon, color,
			created_at, updated_at FROM scopes WHERE id = ?`, id).
			Scan(&sc.ID, &sc.Kind, &sc.Name, &sc.Description, &sc.Icon, &sc.Color,
				&sc.CreatedAt, &sc.UpdatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: scope %s", ErrNotFound, id)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

// ListScopes returns all scopes of a kind (or every scope when kind is
// empty) by name.
func (s *Store) ListScopes(ctx context.Context, kind string) ([]*Scope, error) {
	q := `SELECT id, kind, name, description, icon, color, created_at, updated_at FROM scopes`
	var args []any
	if kind != "" {
		q += ` WHERE kind = ?`
		args = append(args, kind)
	}
	q += ` ORDER BY name`

	var scopes []*Scope
	err := s.read(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var sc Scope
			if err := rows.Scan(&sc.ID, &sc.Kind, &sc.Name, &sc.Description, &sc.Icon, &sc.Color,
				&sc.CreatedAt, &sc.UpdatedAt); err != nil {
				return err
			}
			scopes = append(scopes, &sc)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return scopes, nil
}

// ListRelations returns a scope's membership rows.
func (s *Store) ListRelations(ctx context.Context, scopeID string) ([]*Relation, error) {
	var rels []*Relation
	err := s.read(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `SELECT scope_id, target_kind, target_id, created_at
			FROM scope_relations WHERE scope_id = ? ORDER BY target_kind, created_at`, scopeID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r Relation
			if err := rows.Scan(&r.ScopeID, &r.TargetKind, &r.TargetID, &r.CreatedAt); err != nil {
				return err
			}
			rels = append(rels, &r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return rels, nil
}

// ScopeItems returns the items directly attached to a scope.
func (s *Store) ScopeItems(ctx context.Context, sess *vault.Session, scopeID string) ([]*Item, error) {
	return s.listItems(ctx, sess, `SELECT `+itemColumns+` FROM items
		JOIN scope_relations r ON r.target_kind = 'item' AND r.target_id = items.id
		WHERE r.scope_id = ? ORDER BY items.label`, scopeID)
}
