package store

import (
	"context"
	"database/sql"

	"github.com/panohub/pano/internal/migrate"
	"github.com/panohub/pano/pkg/search"
)

const coreSchema = `
CREATE TABLE categories (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	icon        TEXT NOT NULL DEFAULT '',
	color       TEXT NOT NULL DEFAULT '',
	pinned      INTEGER NOT NULL DEFAULT 0,
	position    INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);

CREATE TABLE items (
	id             TEXT PRIMARY KEY,
	category_id    TEXT NOT NULL REFERENCES categories(id),
	type           TEXT NOT NULL,
	label          TEXT NOT NULL,
	content        TEXT NOT NULL DEFAULT '',
	description    TEXT NOT NULL DEFAULT '',
	icon           TEXT NOT NULL DEFAULT '',
	color          TEXT NOT NULL DEFAULT '',
	working_dir    TEXT NOT NULL DEFAULT '',
	is_sensitive   INTEGER NOT NULL DEFAULT 0,
	content_hash   TEXT NOT NULL DEFAULT '',
	is_favorite    INTEGER NOT NULL DEFAULT 0,
	favorite_order INTEGER NOT NULL DEFAULT 0,
	is_archived    INTEGER NOT NULL DEFAULT 0,
	usage_count    INTEGER NOT NULL DEFAULT 0,
	last_used      INTEGER NOT NULL DEFAULT 0,
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL
);
CREATE INDEX idx_items_category ON items(category_id);
CREATE INDEX idx_items_usage ON items(usage_count DESC, last_used DESC);

CREATE TABLE tag_groups (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	parent_id  TEXT REFERENCES tag_groups(id),
	created_at INTEGER NOT NULL
);

CREATE TABLE tags (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL UNIQUE,
	group_id   TEXT REFERENCES tag_groups(id),
	created_at INTEGER NOT NULL
);

CREATE TABLE item_tags (
	item_id TEXT NOT NULL REFERENCES items(id),
	tag_id  TEXT NOT NULL REFERENCES tags(id),
	PRIMARY KEY (item_id, tag_id)
);
CREATE INDEX idx_item_tags_tag ON item_tags(tag_id);

CREATE TABLE category_tags (
	category_id TEXT NOT NULL REFERENCES categories(id),
	tag_id      TEXT NOT NULL REFERENCES tags(id),
	PRIMARY KEY (category_id, tag_id)
);

CREATE TABLE lists (
	id          TEXT PRIMARY KEY,
	category_id TEXT NOT NULL REFERENCES categories(id),
	name        TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);

CREATE TABLE list_entries (
	list_id  TEXT NOT NULL REFERENCES lists(id),
	item_id  TEXT NOT NULL REFERENCES items(id),
	position INTEGER NOT NULL,
	PRIMARY KEY (list_id, item_id)
);

CREATE TABLE tables (
	id          TEXT PRIMARY KEY,
	category_id TEXT NOT NULL REFERENCES categories(id),
	name        TEXT NOT NULL,
	rows        INTEGER NOT NULL,
	cols        INTEGER NOT NULL,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);

CREATE TABLE table_cells (
	table_id TEXT NOT NULL REFERENCES tables(id),
	item_id  TEXT NOT NULL REFERENCES items(id),
	row      INTEGER NOT NULL,
	col      INTEGER NOT NULL,
	PRIMARY KEY (table_id, row, col)
);

CREATE TABLE processes (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);

CREATE TABLE process_steps (
	id         TEXT PRIMARY KEY,
	process_id TEXT NOT NULL REFERENCES processes(id),
	position   INTEGER NOT NULL,
	mode       TEXT NOT NULL,
	item_id    TEXT REFERENCES items(id),
	command    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX idx_process_steps ON process_steps(process_id, position);

CREATE TABLE scopes (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL CHECK (kind IN ('project', 'area')),
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	icon        TEXT NOT NULL DEFAULT '',
	color       TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);

CREATE TABLE scope_relations (
	scope_id    TEXT NOT NULL REFERENCES scopes(id),
	target_kind TEXT NOT NULL,
	target_id   TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	PRIMARY KEY (scope_id, target_kind, target_id)
);
CREATE INDEX idx_scope_relations_target ON scope_relations(target_kind, target_id);

CREATE TABLE sessions (
	token      TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
`

const usageSchema = `
CREATE TABLE usage_events (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	-- No foreign key: the log is append-only history and outlives items.
	item_id      TEXT NOT NULL,
	occurred_at  INTEGER NOT NULL,
	duration_ms  INTEGER NOT NULL DEFAULT 0,
	success      INTEGER NOT NULL DEFAULT 1,
	error_detail TEXT NOT NULL DEFAULT ''
);
CREATE INDEX idx_usage_events_item ON usage_events(item_id, occurred_at);
CREATE INDEX idx_usage_events_time ON usage_events(occurred_at);
`

func execMigration(ddl string) func(context.Context, *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, ddl)
		return err
	}
}

// migrations is the ordered, append-only schema history. Never edit a
// shipped entry; add a new version instead.
var migrations = []migrate.Migration{
	{Version: 1, Name: "core tables", Fn: execMigration(coreSchema)},
	{Version: 2, Name: "search index", Fn: execMigration(search.Schema)},
	{Version: 3, Name: "usage log", Fn: execMigration(usageSchema)},
}
