package store

// Item is one launchable entry: a text note, a URL, a code snippet or a
// filesystem path. Content of sensitive items is stored sealed; the
// Content field holds plaintext only after a read path decrypted it, in
// which case Sealed is false.
type Item struct {
	ID            string   `json:"id"`
	CategoryID    string   `json:"category_id"`
	Type          string   `json:"type"`
	Label         string   `json:"label"`
	Content       string   `json:"content"`
	Description   string   `json:"description,omitempty"`
	Icon          string   `json:"icon,omitempty"`
	Color         string   `json:"color,omitempty"`
	WorkingDir    string   `json:"working_dir,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	IsSensitive   bool     `json:"is_sensitive"`
	Sealed        bool     `json:"-"`
	ContentHash   string   `json:"content_hash,omitempty"`
	IsFavorite    bool     `json:"is_favorite"`
	FavoriteOrder int64    `json:"favorite_order"`
	IsArchived    bool     `json:"is_archived"`
	UsageCount    int64    `json:"usage_count"`
	LastUsed      int64    `json:"last_used"`
	CreatedAt     int64    `json:"created_at"`
	UpdatedAt     int64    `json:"updated_at"`
}

// Item types. Anything else is rejected with ErrConstraint.
const (
	TypeText = "text"
	TypeURL  = "url"
	TypeCode = "code"
	TypePath = "path"
)

var itemTypes = map[string]bool{
	TypeText: true,
	TypeURL:  true,
	TypeCode: true,
	TypePath: true,
}

// Category is the primary grouping axis. Every item belongs to exactly
// one category.
type Category struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Icon        string `json:"icon,omitempty"`
	Color       string `json:"color,omitempty"`
	Pinned      bool   `json:"pinned"`
	Position    int64  `json:"position"`
	ItemCount   int64  `json:"item_count,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

// Tag is a free-form label from the global tag pool.
type Tag struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	GroupID   string `json:"group_id,omitempty"`
	ItemCount int64  `json:"item_count,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// TagGroup organizes tags hierarchically. ParentID is empty for roots.
type TagGroup struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ParentID  string `json:"parent_id,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// List is an ordered sequence of item references inside a category.
type List struct {
	ID         string `json:"id"`
	CategoryID string `json:"category_id"`
	Name       string `json:"name"`
	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
}

// ListEntry positions one item inside a list.
type ListEntry struct {
	ListID   string `json:"list_id"`
	ItemID   string `json:"item_id"`
	Position int64  `json:"position"`
}

// Table is a two-dimensional grid of item references.
type Table struct {
	ID         string `json:"id"`
	CategoryID string `json:"category_id"`
	Name       string `json:"name"`
	Rows       int64  `json:"rows"`
	Cols       int64  `json:"cols"`
	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
}

// TableCell places one item at a grid position. A cell holds at most one
// item.
type TableCell struct {
	TableID string `json:"table_id"`
	ItemID  string `json:"item_id"`
	Row     int64  `json:"row"`
	Col     int64  `json:"col"`
}

// Process is a multi-step routine built from items and ad-hoc commands.
type Process struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Steps       []ProcessStep `json:"steps,omitempty"`
	CreatedAt   int64         `json:"created_at"`
	UpdatedAt   int64         `json:"updated_at"`
}

// ProcessStep is one step of a process. Either ItemID references an
// existing item or Command holds an inline command; never both.
type ProcessStep struct {
	ID        string `json:"id"`
	ProcessID string `json:"process_id"`
	Position  int64  `json:"position"`
	Mode      string `json:"mode"`
	ItemID    string `json:"item_id,omitempty"`
	Command   string `json:"command,omitempty"`
}

// Step execution modes.
const (
	ModeSequential = "sequential"
	ModeParallel   = "parallel"
	ModeManual     = "manual"
)

var stepModes = map[string]bool{
	ModeSequential: true,
	ModeParallel:   true,
	ModeManual:     true,
}

// Scope is a cross-cutting grouping over heterogeneous targets: a
// project (bounded effort) or an area (ongoing responsibility).
type Scope struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Icon        string `json:"icon,omitempty"`
	Color       string `json:"color,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

// Scope kinds.
const (
	ScopeProject = "project"
	ScopeArea    = "area"
)

// Relation attaches a target entity to a scope. Targets stay alive when
// the scope is deleted; only the membership row goes.
type Relation struct {
	ScopeID    string `json:"scope_id"`
	TargetKind string `json:"target_kind"`
	TargetID   string `json:"target_id"`
	CreatedAt  int64  `json:"created_at"`
}

// Relation target kinds.
const (
	TargetItem     = "item"
	TargetCategory = "category"
	TargetList     = "list"
	TargetTable    = "table"
	TargetProcess  = "process"
	TargetTag      = "tag"
)

var relationTargets = map[string]bool{
	TargetItem:     true,
	TargetCategory: true,
	TargetList:     true,
	TargetTable:    true,
	TargetProcess:  true,
	TargetTag:      true,
}

// Session is one authenticated session row. Key material never touches
// this table; a session row only proves that an unlock happened.
type Session struct {
	Token     string `json:"token"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// UsageEvent is one append-only record of an item being used. The log is
// the source of truth for usage statistics; the denormalized counters on
// items are derived from it.
type UsageEvent struct {
	ID          int64  `json:"id"`
	ItemID      string `json:"item_id"`
	OccurredAt  int64  `json:"occurred_at"`
	DurationMs  int64  `json:"duration_ms"`
	Success     bool   `json:"success"`
	ErrorDetail string `json:"error_detail,omitempty"`
}

// ItemStat is an aggregated usage row for reports.
type ItemStat struct {
	ItemID     string  `json:"item_id"`
	Label      string  `json:"label"`
	UsageCount int64   `json:"usage_count"`
	LastUsed   int64   `json:"last_used"`
	FailRate   float64 `json:"fail_rate"`
}
