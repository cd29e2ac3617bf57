package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/panohub/pano/pkg/search"
	"github.com/panohub/pano/pkg/vault"
)

// Snapshot is a self-contained JSON export of one scope: the scope row,
// its memberships and every entity they reach. Sensitive content is
// carried as stored, sealed; an export never contains plaintext secrets.
type Snapshot struct {
	FormatVersion int           `json:"format_version"`
	ExportedAt    int64         `json:"exported_at"`
	Scope         *Scope        `json:"scope"`
	Relations     []*Relation   `json:"relations,omitempty"`
	Categories    []*Category   `json:"categories,omitempty"`
	Items         []*Item       `json:"items,omitempty"`
	Tags          []*Tag        `json:"tags,omitempty"`
	Lists         []*List       `json:"lists,omitempty"`
	ListEntries   []*ListEntry  `json:"list_entries,omitempty"`
	Tables        []*Table      `json:"tables,omitempty"`
	TableCells    []*TableCell  `json:"table_cells,omitempty"`
	Processes     []*Process    `json:"processes,omitempty"`
}

// SnapshotVersion is bumped when the snapshot layout changes.
const SnapshotVersion = 1

// ExportScope builds a snapshot of a scope. Items reached through a
// related category, list, table or process are pulled in alongside
// directly related items, so the snapshot imports without dangling
// references.
func (s *Store) ExportScope(ctx context.Context, scopeID string) (*Snapshot, error) {
	sc, err := s.GetScope(ctx, scopeID)
	if err != nil {
		return nil, err
	}
	rels, err := s.ListRelations(ctx, scopeID)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{FormatVersion: SnapshotVersion, ExportedAt: now(), Scope: sc, Relations: rels}

	byKind := map[string][]string{}
	for _, r := range rels {
		byKind[r.TargetKind] = append(byKind[r.TargetKind], r.TargetID)
	}

	err = s.read(func(db *sql.DB) error {
		itemIDs := map[string]bool{}
		for _, id := range byKind[TargetItem] {
			itemIDs[id] = true
		}

		for _, id := range byKind[TargetCategory] {
			c, err := snapshotCategory(ctx, db, id)
			if err != nil {
				return err
			}
			snap.Categories = append(snap.Categories, c)
			ids, err := collectIDs(ctx, db, `SELECT id FROM items WHERE category_id = ?`, id)
			if err != nil {
				return err
			}
			for _, iid := range ids {
				itemIDs[iid] = true
			}
		}

		for _, id := range byKind[TargetList] {
			l, entries, err := snapshotList(ctx, db, id)
			if err != nil {
				return err
			}
			snap.Lists = append(snap.Lists, l)
			snap.ListEntries = append(snap.ListEntries, entries...)
			for _, e := range entries {
				itemIDs[e.ItemID] = true
			}
		}

		for _, id := range byKind[TargetTable] {
			tb, cells, err := snapshotTable(ctx, db, id)
			if err != nil {
				return err
			}
			snap.Tables = append(snap.Tables, tb)
			snap.TableCells = append(snap.TableCells, cells...)
			for _, c := range cells {
				itemIDs[c.ItemID] = true
			}
		}

		for _, id := range byKind[TargetProcess] {
			p, err := snapshotProcess(ctx, db, id)
			if err != nil {
				return err
			}
			snap.Processes = append(snap.Processes, p)
			for _, st := range p.Steps {
				if st.ItemID != "" {
					itemIDs[st.ItemID] = true
				}
			}
		}

		for id := range itemIDs {
			it, err := snapshotItem(ctx, db, id)
			if err != nil {
				return err
			}
			snap.Items = append(snap.Items, it)
		}

		// Owning categories of exported items ride along so the snapshot
		// imports without dangling references.
		haveCat := map[string]bool{}
		for _, c := range snap.Categories {
			haveCat[c.ID] = true
		}
		for _, it := range snap.Items {
			if haveCat[it.CategoryID] {
				continue
			}
			c, err := snapshotCategory(ctx, db, it.CategoryID)
			if err != nil {
				return err
			}
			snap.Categories = append(snap.Categories, c)
			haveCat[c.ID] = true
		}

		// The global tags referenced by exported items or by the scope
		// itself.
		tagNames := map[string]bool{}
		for _, it := range snap.Items {
			for _, n := range it.Tags {
				tagNames[n] = true
			}
		}
		for name := range tagNames {
			var tg Tag
			err := db.QueryRowContext(ctx,
				`SELECT id, name, COALESCE(group_id, ''), created_at FROM tags WHERE name = ?`, name).
				Scan(&tg.ID, &tg.Name, &tg.GroupID, &tg.CreatedAt)
			if err != nil {
				return err
			}
			snap.Tags = append(snap.Tags, &tg)
		}
		for _, id := range byKind[TargetTag] {
			var tg Tag
			err := db.QueryRowContext(ctx,
				`SELECT id, name, COALESCE(group_id, ''), created_at FROM tags WHERE id = ?`, id).
				Scan(&tg.ID, &tg.Name, &tg.GroupID, &tg.CreatedAt)
			if err != nil {
				return err
			}
			if !tagNames[tg.Name] {
				snap.Tags = append(snap.Tags, &tg)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// ImportScope applies a snapshot atomically: either every row lands or
// none do. Colliding ids or a dangling internal reference abort the
// whole import with ErrConstraint. Imported entities are indexed as they
// land; sealed content stays sealed.
func (t *Tx) ImportScope(snap *Snapshot) error {
	if snap.Scope == nil {
		return fmt.Errorf("%w: snapshot has no scope", ErrConstraint)
	}
	if snap.FormatVersion > SnapshotVersion {
		return fmt.Errorf("%w: snapshot format %d is newer than supported %d",
			ErrConstraint, snap.FormatVersion, SnapshotVersion)
	}
	if err := snap.validate(); err != nil {
		return err
	}

	if err := t.CreateScope(snap.Scope); err != nil {
		return err
	}
	for _, c := range snap.Categories {
		if err := t.CreateCategory(c); err != nil {
			return err
		}
	}
	// Tags merge into the existing pool by name; snapshot tag ids are
	// remapped so relations keep pointing at the right pool entry.
	tagIDs := make(map[string]string, len(snap.Tags))
	for _, tg := range snap.Tags {
		id, err := t.ensureTag(tg.Name)
		if err != nil {
			return err
		}
		tagIDs[tg.ID] = id
	}
	for _, it := range snap.Items {
		if err := t.importItem(it); err != nil {
			return err
		}
	}
	for _, l := range snap.Lists {
		if err := t.CreateList(l); err != nil {
			return err
		}
	}
	entriesByList := map[string][]string{}
	for _, e := range snap.ListEntries {
		entriesByList[e.ListID] = append(entriesByList[e.ListID], e.ItemID)
	}
	for listID, ids := range entriesByList {
		if err := t.SetListEntries(listID, ids); err != nil {
			return err
		}
	}
	for _, tb := range snap.Tables {
		if err := t.CreateTable(tb); err != nil {
			return err
		}
	}
	for _, c := range snap.TableCells {
		if err := t.SetTableCell(c.TableID, c.ItemID, c.Row, c.Col); err != nil {
			return err
		}
	}
	for _, p := range snap.Processes {
		if err := t.CreateProcess(p); err != nil {
			return err
		}
	}
	for _, r := range snap.Relations {
		targetID := r.TargetID
		if r.TargetKind == TargetTag {
			if mapped, ok := tagIDs[r.TargetID]; ok {
				targetID = mapped
			}
		}
		if err := t.AddRelation(snap.Scope.ID, r.TargetKind, targetID); err != nil {
			return err
		}
	}
	t.touch(itemDomains...)
	return nil
}

// validate checks internal referential integrity before any row is
// written.
func (snap *Snapshot) validate() error {
	have := map[string]map[string]bool{}
	add := func(kind, id string) {
		if have[kind] == nil {
			have[kind] = map[string]bool{}
		}
		have[kind][id] = true
	}
	for _, c := range snap.Categories {
		add(TargetCategory, c.ID)
	}
	for _, it := range snap.Items {
		add(TargetItem, it.ID)
	}
	for _, tg := range snap.Tags {
		add(TargetTag, tg.ID)
	}
	for _, l := range snap.Lists {
		add(TargetList, l.ID)
	}
	for _, tb := range snap.Tables {
		add(TargetTable, tb.ID)
	}
	for _, p := range snap.Processes {
		add(TargetProcess, p.ID)
	}

	for _, it := range snap.Items {
		if !have[TargetCategory][it.CategoryID] {
			return fmt.Errorf("%w: item %s references missing category %s",
				ErrConstraint, it.ID, it.CategoryID)
		}
	}
	for _, e := range snap.ListEntries {
		if !have[TargetList][e.ListID] || !have[TargetItem][e.ItemID] {
			return fmt.Errorf("%w: dangling list entry %s/%s", ErrConstraint, e.ListID, e.ItemID)
		}
	}
	for _, c := range snap.TableCells {
		if !have[TargetTable][c.TableID] || !have[TargetItem][c.ItemID] {
			return fmt.Errorf("%w: dangling table cell %s/%s", ErrConstraint, c.TableID, c.ItemID)
		}
	}
	for _, p := range snap.Processes {
		for _, st := range p.Steps {
			if st.ItemID != "" && !have[TargetItem][st.ItemID] {
				return fmt.Errorf("%w: process %s references missing item %s",
					ErrConstraint, p.ID, st.ItemID)
			}
		}
	}
	for _, r := range snap.Relations {
		if !have[r.TargetKind][r.TargetID] {
			return fmt.Errorf("%w: relation references missing %s %s",
				ErrConstraint, r.TargetKind, r.TargetID)
		}
	}
	return nil
}

// importItem inserts an item row verbatim. Content is written as carried
// in the snapshot, sealed or not; no session is involved.
func (t *Tx) importItem(it *Item) error {
	if err := validateItem(it); err != nil {
		return err
	}
	err := t.exec(`INSERT INTO items
		(id, category_id, type, label, content, description, icon, color, working_dir,
		 is_sensitive, content_hash, is_favorite, favorite_order, is_archived,
		 usage_count, last_used, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?)`,
		it.ID, it.CategoryID, it.Type, it.Label, it.Content, it.Description,
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
	doc := search.Doc{
		EntityID: it.ID,
		Kind:     search.KindItem,
		Label:    it.Label,
		Tags:     strings.Join(it.Tags, " "),
	}
	if !it.IsSensitive && !vault.IsSealed(it.Content) {
		doc.Body = it.Content
	}
	return search.Upsert(t.ctx, t.tx, doc)
}

func snapshotCategory(ctx context.Context, db *sql.DB, id string) (*Category, error) {
	var c Category
	var pinned int
	err := db.QueryRowContext(ctx, `SELECT id, name, description, icon, color, pinned, position,
		created_at, updated_at FROM categories WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.Description, &c.Icon, &c.Color, &pinned, &c.Position,
			&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Pinned = pinned == 1
	return &c, nil
}

func snapshotItem(ctx context.Context, db *sql.DB, id string) (*Item, error) {
	row := db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
	it, err := scanItem(row, nil)
	if err != nil {
		return nil, err
	}
	// Sealed content is exported as stored.
	if it.Sealed {
		var blob string
		if err := db.QueryRowContext(ctx, `SELECT content FROM items WHERE id = ?`, id).
			Scan(&blob); err != nil {
			return nil, err
		}
		it.Content = blob
		it.Sealed = false
	}
	it.Tags, err = itemTagNames(ctx, db, id)
	return it, err
}

func snapshotList(ctx context.Context, db *sql.DB, id string) (*List, []*ListEntry, error) {
	var l List
	err := db.QueryRowContext(ctx, `SELECT id, category_id, name, created_at, updated_at
		FROM lists WHERE id = ?`, id).
		Scan(&l.ID, &l.CategoryID, &l.Name, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT list_id, item_id, position
		FROM list_entries WHERE list_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var entries []*ListEntry
	for rows.Next() {
		var e ListEntry
		if err := rows.Scan(&e.ListID, &e.ItemID, &e.Position); err != nil {
			return nil, nil, err
		}
		entries = append(entries, &e)
	}
	return &l, entries, rows.Err()
}

func snapshotTable(ctx context.Context, db *sql.DB, id string) (*Table, []*TableCell, error) {
	var tb Table
	err := db.QueryRowContext(ctx, `SELECT id, category_id, name, rows, cols, created_at, updated_at
		FROM tables WHERE id = ?`, id).
		Scan(&tb.ID, &tb.CategoryID, &tb.Name, &tb.Rows, &tb.Cols, &tb.CreatedAt, &tb.UpdatedAt)
	if err != nil {
		return nil, nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT table_id, item_id, row, col
		FROM table_cells WHERE table_id = ? ORDER BY row, col`, id)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var cells []*TableCell
	for rows.Next() {
		var c TableCell
		if err := rows.Scan(&c.TableID, &c.ItemID, &c.Row, &c.Col); err != nil {
			return nil, nil, err
		}
		cells = append(cells, &c)
	}
	return &tb, cells, rows.Err()
}

func snapshotProcess(ctx context.Context, db *sql.DB, id string) (*Process, error) {
	var p Process
	err := db.QueryRowContext(ctx, `SELECT id, name, description, created_at, updated_at
		FROM processes WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT id, process_id, position, mode, COALESCE(item_id, ''), command
		FROM process_steps WHERE process_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var st ProcessStep
		if err := rows.Scan(&st.ID, &st.ProcessID, &st.Position, &st.Mode, &st.ItemID, &st.Command); err != nil {
			return nil, err
		}
		p.Steps = append(p.Steps, st)
	}
	return &p, rows.Err()
}

func collectIDs(ctx context.Context, db *sql.DB, query string, args ...any) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
