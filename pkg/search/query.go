package search

import (
	"context"
	"fmt"
	"strings"
)

// Filters narrows a search. Zero value means "everything". Scope filters
// apply to item rows only; when one is set, non-item kinds are excluded
// because a tag has no position inside a project or list.
type Filters struct {
	Kinds      []Kind
	CategoryID string
	ProjectID  string
	AreaID     string
	ListID     string
	TableID    string
	ProcessID  string
	Limit      int
}

func (f Filters) scoped() bool {
	return f.CategoryID != "" || f.ProjectID != "" || f.AreaID != "" ||
		f.ListID != "" || f.TableID != "" || f.ProcessID != ""
}

// Result is one ranked hit. Score is the raw bm25 value (lower is
// better); ties are already broken by usage count then recency.
type Result struct {
	EntityID   string
	Kind       Kind
	Ref        string
	Label      string
	Snippet    string
	Score      float64
	UsageCount int64
	LastUsed   int64
}

const defaultLimit = 50

// Search runs a ranked query against the index. Label hits weigh 5x body
// hits and 2x tag hits; equal relevance is broken by usage count, then by
// most recent use.
func Search(ctx context.Context, db DBTX, query string, f Filters) ([]Result, error) {
	match := MatchExpr(query)
	if match == "" {
		return nil, nil
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	var sb strings.Builder
	args := []any{match}

	sb.WriteString(`
		SELECT s.entity_id, s.kind, s.ref, s.label,
		       snippet(search_index, 4, '[', ']', '…', 12),
		       bm25(search_index, 0, 0, 0, 5.0, 1.0, 2.0),
		       COALESCE(i.usage_count, 0), COALESCE(i.last_used, 0)
		FROM search_index s
		LEFT JOIN items i ON s.kind = 'item' AND i.id = s.entity_id
		WHERE search_index MATCH ?`)

	if f.scoped() {
		sb.WriteString(" AND s.kind = 'item'")
	} else if len(f.Kinds) > 0 {
		placeholders := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			placeholders[i] = "?"
			args = append(args, string(k))
		}
		sb.WriteString(" AND s.kind IN (" + strings.Join(placeholders, ", ") + ")")
	}

	if f.CategoryID != "" {
		sb.WriteString(" AND i.category_id = ?")
		args = append(args, f.CategoryID)
	}
	if f.ProjectID != "" {
		sb.WriteString(scopeMembership)
		args = append(args, f.ProjectID)
	}
	if f.AreaID != "" {
		sb.WriteString(scopeMembership)
		args = append(args, f.AreaID)
	}
	if f.ListID != "" {
		sb.WriteString(" AND EXISTS (SELECT 1 FROM list_entries le WHERE le.list_id = ? AND le.item_id = s.entity_id)")
		args = append(args, f.ListID)
	}
	if f.TableID != "" {
		sb.WriteString(" AND EXISTS (SELECT 1 FROM table_cells tc WHERE tc.table_id = ? AND tc.item_id = s.entity_id)")
		args = append(args, f.TableID)
	}
	if f.ProcessID != "" {
		sb.WriteString(" AND EXISTS (SELECT 1 FROM process_steps ps WHERE ps.process_id = ? AND ps.item_id = s.entity_id)")
		args = append(args, f.ProcessID)
	}

	sb.WriteString(`
		ORDER BY bm25(search_index, 0, 0, 0, 5.0, 1.0, 2.0),
		         COALESCE(i.usage_count, 0) DESC,
		         COALESCE(i.last_used, 0) DESC
		LIMIT ?`)
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var kind string
		if err := rows.Scan(&r.EntityID, &kind, &r.Ref, &r.Label,
			&r.Snippet, &r.Score, &r.UsageCount, &r.LastUsed); err != nil {
			return nil, err
		}
		r.Kind = Kind(kind)
		results = append(results, r)
	}
	return results, rows.Err()
}

const scopeMembership = ` AND EXISTS (
	SELECT 1 FROM scope_relations r
	WHERE r.scope_id = ? AND r.target_kind = 'item' AND r.target_id = s.entity_id)`
