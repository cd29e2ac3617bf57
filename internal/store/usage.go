package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/panohub/pano/pkg/cache"
)

// RecordUsage appends a usage event and bumps the item's denormalized
// counters in the same transaction, so the counters can never drift from
// the log on a clean commit.
func (t *Tx) RecordUsage(ev *UsageEvent) error {
	if err := t.requireRow(`SELECT 1 FROM items WHERE id = ?`, ev.ItemID, "item"); err != nil {
		return err
	}
	if ev.OccurredAt == 0 {
		ev.OccurredAt = now()
	}
	if err := t.exec(`INSERT INTO usage_events (item_id, occurred_at, duration_ms, success, error_detail)
		VALUES (?, ?, ?, ?, ?)`,
		ev.ItemID, ev.OccurredAt, ev.DurationMs, boolToInt(ev.Success), ev.ErrorDetail); err != nil {
		return err
	}
	if err := t.exec(`UPDATE items SET usage_count = usage_count + 1,
		last_used = MAX(last_used, ?) WHERE id = ?`, ev.OccurredAt, ev.ItemID); err != nil {
		return err
	}
	t.touch(cache.DomainAdvanced)
	return nil
}

// Popular returns the n most used non-archived items, restricted to
// events after since (pass 0 for all time). All-time queries read the
// denormalized counters; windowed ones aggregate the log.
func (s *Store) Popular(ctx context.Context, n int, since int64) ([]*ItemStat, error) {
	if n <= 0 {
		n = 10
	}
	var q string
	var args []any
	if since == 0 {
		q = `SELECT id, label, usage_count, last_used,
			COALESCE((SELECT AVG(1.0 - success) FROM usage_events WHERE item_id = items.id), 0)
			FROM items WHERE is_archived = 0 AND usage_count > 0
			ORDER BY usage_count DESC, last_used DESC LIMIT ?`
		args = []any{n}
	} else {
		q = `SELECT i.id, i.label, COUNT(*), MAX(e.occurred_at), AVG(1.0 - e.success)
			FROM usage_events e JOIN items i ON i.id = e.item_id
			WHERE i.is_archived = 0 AND e.occurred_at >= ?
			GROUP BY i.id ORDER BY COUNT(*) DESC, MAX(e.occurred_at) DESC LIMIT ?`
		args = []any{since, n}
	}
	return s.queryStats(ctx, q, args...)
}

// Forgotten returns non-archived items not used since cutoff, least
// recently used first. Never-used items sort before everything.
func (s *Store) Forgotten(ctx context.Context, cutoff int64) ([]*ItemStat, error) {
	return s.queryStats(ctx, `SELECT id, label, usage_count, last_used, 0
		FROM items WHERE is_archived = 0 AND last_used < ?
		ORDER BY last_used, label`, cutoff)
}

func (s *Store) queryStats(ctx context.Context, query string, args ...any) ([]*ItemStat, error) {
	var stats []*ItemStat
	err := s.read(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var st ItemStat
			if err := rows.Scan(&st.ItemID, &st.Label, &st.UsageCount, &st.LastUsed, &st.FailRate); err != nil {
				return err
			}
			stats = append(stats, &st)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// UsageEvents returns an item's raw event history, newest first.
func (s *Store) UsageEvents(ctx context.Context, itemID string, limit int) ([]*UsageEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []*UsageEvent
	err := s.read(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `SELECT id, item_id, occurred_at, duration_ms, success, error_detail
			FROM usage_events WHERE item_id = ? ORDER BY occurred_at DESC LIMIT ?`, itemID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var ev UsageEvent
			var success int
			if err := rows.Scan(&ev.ID, &ev.ItemID, &ev.OccurredAt, &ev.DurationMs,
				&success, &ev.ErrorDetail); err != nil {
				return err
			}
			ev.Success = success == 1
			events = append(events, &ev)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// CheckUsageCounters compares the denormalized counters against the log
// and returns the ids of items whose counters drifted.
func (s *Store) CheckUsageCounters(ctx context.Context) ([]string, error) {
	var drifted []string
	err := s.read(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `SELECT i.id FROM items i
			WHERE i.usage_count != (SELECT COUNT(*) FROM usage_events WHERE item_id = i.id)
			   OR i.last_used != COALESCE(
					(SELECT MAX(occurred_at) FROM usage_events WHERE item_id = i.id), 0)`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			drifted = append(drifted, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return drifted, nil
}

// RecomputeUsageCounters rebuilds every item's counters from the log.
// The fix for drift reported by CheckUsageCounters.
func (t *Tx) RecomputeUsageCounters() error {
	err := t.exec(`UPDATE items SET
		usage_count = (SELECT COUNT(*) FROM usage_events WHERE item_id = items.id),
		last_used = COALESCE((SELECT MAX(occurred_at) FROM usage_events WHERE item_id = items.id), 0)`)
	if err != nil {
		return fmt.Errorf("recompute usage counters: %w", err)
	}
	t.touch(cache.DomainAdvanced)
	return nil
}
