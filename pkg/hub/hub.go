// Package hub is the application facade: one object wiring the store,
// the vault, authentication and the query cache. Callers (the CLI, a
// future UI) talk to the Hub and never touch the layers directly.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/panohub/pano/internal/config"
	"github.com/panohub/pano/internal/store"
	"github.com/panohub/pano/pkg/auth"
	"github.com/panohub/pano/pkg/cache"
	"github.com/panohub/pano/pkg/search"
	"github.com/panohub/pano/pkg/vault"
)

// Hub owns the wiring. Mutations invalidate the cache through the
// store's commit hook, so a cache entry can never outlive the data it
// was computed from.
type Hub struct {
	store *store.Store
	vault *vault.Vault
	auth  *auth.Manager
	cache *cache.Manager[any]
	log   zerolog.Logger
}

// New opens the database, loads the vault and wires the cache
// invalidation hook.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Hub, error) {
	openCtx := ctx
	if cfg.Database.MigrateTimeout > 0 {
		var cancel context.CancelFunc
		openCtx, cancel = context.WithTimeout(ctx, cfg.Database.MigrateTimeout)
		defer cancel()
	}
	st, err := store.Open(openCtx, cfg.Database.Path, log)
	if err != nil {
		return nil, err
	}
	v := vault.New(cfg.Vault.Path, cfg.Vault.KDFIterations)
	am, err := auth.New(v, sessionRows{st}, cfg.Session.TTL, log)
	if err != nil {
		st.Close()
		return nil, err
	}

	h := &Hub{
		store: st,
		vault: v,
		auth:  am,
		cache: cache.New[any](cfg.Cache.Capacity),
		log:   log,
	}
	st.OnCommit(func(domains []cache.Domain) {
		h.cache.Invalidate(domains...)
	})
	return h, nil
}

// Close releases the database handle.
func (h *Hub) Close() error {
	return h.store.Close()
}

// Store exposes the underlying store for operations the facade does not
// wrap.
func (h *Hub) Store() *store.Store { return h.store }

// AuthState reports the authentication state machine position.
func (h *Hub) AuthState() auth.State { return h.auth.State() }

// Setup configures the master password on first run.
func (h *Hub) Setup(ctx context.Context, password string) (string, error) {
	return h.auth.Setup(ctx, password)
}

// Login opens a session. The returned token authorizes sensitive access
// until it expires or logs out.
func (h *Hub) Login(ctx context.Context, password string) (string, error) {
	return h.auth.Login(ctx, password)
}

// Logout closes a session, zeroes its key material and forgets any
// remembered copy.
func (h *Hub) Logout(ctx context.Context, token string) error {
	h.vault.ForgetSession()
	return h.auth.Logout(ctx, token)
}

// ValidateSession reports whether a token is still live. A valid token
// is also extended, matching the extend-on-use session policy.
func (h *Hub) ValidateSession(ctx context.Context, token string) bool {
	if token == "" {
		return false
	}
	_, err := h.session(ctx, token)
	return err == nil
}

// ChangePassword rewraps the vault key under a new master password.
// Sealed content on disk is untouched.
func (h *Hub) ChangePassword(ctx context.Context, token, current, next string) error {
	if err := h.auth.ChangePassword(ctx, token, current, next); err != nil {
		return err
	}
	// Any remembered key copy predates the rewrap.
	h.vault.ForgetSession()
	return nil
}

// Invalidate drops cached results for the given domains. The commit hook
// covers store writes; this is for out-of-band mutations only.
func (h *Hub) Invalidate(domains ...cache.Domain) {
	h.cache.Invalidate(domains...)
}

// RememberSession stashes the live session's key in the OS keyring (or
// the file fallback) so a later process can resume without the password.
func (h *Hub) RememberSession(ctx context.Context, token string) error {
	sess, err := h.auth.Validate(ctx, token)
	if err != nil {
		return err
	}
	return h.vault.RememberSession(sess)
}

// ResumeSession re-adopts a remembered session in a fresh process.
func (h *Hub) ResumeSession(ctx context.Context, token string) error {
	sess, err := h.vault.RecallSession()
	if err != nil {
		return auth.ErrSessionExpired
	}
	if err := h.auth.Resume(ctx, token, sess); err != nil {
		sess.Close()
		return err
	}
	return nil
}

// session resolves a token into a vault session. An empty token means
// plaintext-only access: sensitive operations will fail with ErrLocked
// instead of an auth error. A valid token also extends the session.
func (h *Hub) session(ctx context.Context, token string) (*vault.Session, error) {
	if token == "" {
		return nil, nil
	}
	sess, err := h.auth.Validate(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := h.auth.Extend(ctx, token); err != nil {
		return nil, err
	}
	return sess, nil
}

// CreateItem stores an item. token is required only for sensitive items.
func (h *Hub) CreateItem(ctx context.Context, token string, it *store.Item) error {
	sess, err := h.session(ctx, token)
	if err != nil {
		return err
	}
	return h.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.CreateItem(sess, it)
	})
}

// UpdateItem rewrites an item.
func (h *Hub) UpdateItem(ctx context.Context, token string, it *store.Item) error {
	sess, err := h.session(ctx, token)
	if err != nil {
		return err
	}
	return h.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.UpdateItem(sess, it)
	})
}

// DeleteItem removes an item and all its references.
func (h *Hub) DeleteItem(ctx context.Context, id string) error {
	return h.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.DeleteItem(id)
	})
}

// GetItem fetches one item, decrypting sensitive content when the token
// is valid.
func (h *Hub) GetItem(ctx context.Context, token, id string) (*store.Item, error) {
	sess, err := h.session(ctx, token)
	if err != nil {
		return nil, err
	}
	return h.store.GetItem(ctx, sess, id)
}

// Categories returns the category overview, served from the cache when
// nothing category-shaped changed since it was computed.
func (h *Hub) Categories(ctx context.Context) ([]*store.Category, error) {
	const key = "overview"
	if v, ok := h.cache.Get(cache.DomainCategory, key); ok {
		return v.([]*store.Category), nil
	}
	gen := h.cache.Generation(cache.DomainCategory)
	cats, err := h.store.ListCategories(ctx)
	if err != nil {
		return nil, err
	}
	h.cache.Put(cache.DomainCategory, key, gen, cats)
	return cats, nil
}

// CategoryItems returns a category's items. Decrypted sensitive content
// never enters the cache, so the cached path is only taken without a
// token.
func (h *Hub) CategoryItems(ctx context.Context, token, categoryID string) ([]*store.Item, error) {
	sess, err := h.session(ctx, token)
	if err != nil {
		return nil, err
	}
	key := cache.Key("items", categoryID)
	if sess == nil {
		if v, ok := h.cache.Get(cache.DomainCategory, key); ok {
			return v.([]*store.Item), nil
		}
	}
	gen := h.cache.Generation(cache.DomainCategory)
	items, err := h.store.ListItemsByCategory(ctx, sess, categoryID, false)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		h.cache.Put(cache.DomainCategory, key, gen, items)
	}
	return items, nil
}

// ScopeItems returns the items attached to a project or area, cached per
// scope under its kind's domain.
func (h *Hub) ScopeItems(ctx context.Context, token, scopeID string) ([]*store.Item, error) {
	sess, err := h.session(ctx, token)
	if err != nil {
		return nil, err
	}
	sc, err := h.store.GetScope(ctx, scopeID)
	if err != nil {
		return nil, err
	}
	domain := cache.DomainProject
	if sc.Kind == store.ScopeArea {
		domain = cache.DomainArea
	}
	key := cache.Key("items", scopeID)
	if sess == nil {
		if v, ok := h.cache.Get(domain, key); ok {
			return v.([]*store.Item), nil
		}
	}
	gen := h.cache.Generation(domain)
	items, err := h.store.ScopeItems(ctx, sess, scopeID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		h.cache.Put(domain, key, gen, items)
	}
	return items, nil
}

// Search runs a ranked index query, cached under the advanced domain.
// The cache key encodes every filter parameter so differently-filtered
// queries never share an entry.
func (h *Hub) Search(ctx context.Context, query string, f search.Filters) ([]search.Result, error) {
	kinds := make([]string, len(f.Kinds))
	for i, k := range f.Kinds {
		kinds[i] = string(k)
	}
	sort.Strings(kinds)
	key := cache.Key("q", query, strings.Join(kinds, ","), strconv.Itoa(f.Limit),
		f.CategoryID, f.ProjectID, f.AreaID, f.ListID, f.TableID, f.ProcessID)
	if v, ok := h.cache.Get(cache.DomainAdvanced, key); ok {
		return v.([]search.Result), nil
	}
	gen := h.cache.Generation(cache.DomainAdvanced)
	results, err := h.store.Search(ctx, query, f)
	if err != nil {
		return nil, err
	}
	h.cache.Put(cache.DomainAdvanced, key, gen, results)
	return results, nil
}

// SearchSensitive matches the query against decrypted sensitive content
// in memory. Requires a live session; results carry labels, never
// plaintext. Never cached.
func (h *Hub) SearchSensitive(ctx context.Context, token, query string) ([]search.SensitiveMatch, error) {
	sess, err := h.session(ctx, token)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, vault.ErrLocked
	}
	docs, err := h.store.SensitiveCorpus(ctx, sess)
	if err != nil {
		return nil, err
	}
	return search.MatchSensitive(query, docs)
}

// RecordUsage logs one use of an item.
func (h *Hub) RecordUsage(ctx context.Context, itemID string, duration time.Duration, success bool, detail string) error {
	return h.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.RecordUsage(&store.UsageEvent{
			ItemID:      itemID,
			DurationMs:  duration.Milliseconds(),
			Success:     success,
			ErrorDetail: detail,
		})
	})
}

// Popular returns the most used items, optionally within a trailing
// window.
func (h *Hub) Popular(ctx context.Context, n int, window time.Duration) ([]*store.ItemStat, error) {
	var since int64
	if window > 0 {
		since = time.Now().Add(-window).UnixMilli()
	}
	return h.store.Popular(ctx, n, since)
}

// Forgotten returns items unused for at least the given duration.
func (h *Hub) Forgotten(ctx context.Context, unusedFor time.Duration) ([]*store.ItemStat, error) {
	return h.store.Forgotten(ctx, time.Now().Add(-unusedFor).UnixMilli())
}

// Doctor runs the consistency checks and repairs what it can: index
// drift triggers a rebuild, counter drift a recompute.
func (h *Hub) Doctor(ctx context.Context) error {
	if err := h.store.CheckIndex(ctx); err != nil {
		h.log.Warn().Err(err).Msg("search index drifted, rebuilding")
		if err := h.store.Reindex(ctx); err != nil {
			return err
		}
	}
	drifted, err := h.store.CheckUsageCounters(ctx)
	if err != nil {
		return err
	}
	if len(drifted) > 0 {
		h.log.Warn().Int("items", len(drifted)).Msg("usage counters drifted, recomputing")
		return h.store.WithTx(ctx, func(tx *store.Tx) error {
			return tx.RecomputeUsageCounters()
		})
	}
	return nil
}

// Reindex rebuilds the search index unconditionally.
func (h *Hub) Reindex(ctx context.Context) error {
	return h.store.Reindex(ctx)
}

// ExportScope writes a scope snapshot as JSON to path.
func (h *Hub) ExportScope(ctx context.Context, scopeID, path string) error {
	snap, err := h.store.ExportScope(ctx, scopeID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	h.log.Info().Str("scope", scopeID).Str("path", path).Msg("scope exported")
	return nil
}

// ImportScope applies a JSON snapshot atomically.
func (h *Hub) ImportScope(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	var snap store.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse snapshot: %w", err)
	}
	if err := h.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.ImportScope(&snap)
	}); err != nil {
		return err
	}
	h.log.Info().Str("path", path).Msg("scope imported")
	return nil
}

// sessionRows adapts the store's session table to the auth interface.
type sessionRows struct {
	s *store.Store
}

func (r sessionRows) Create(ctx context.Context, token string, createdAt, expiresAt int64) error {
	return r.s.WithTx(ctx, func(tx *store.Tx) error {
		return tx.CreateSession(&store.Session{Token: token, CreatedAt: createdAt, ExpiresAt: expiresAt})
	})
}

func (r sessionRows) Get(ctx context.Context, token string) (int64, error) {
	sess, err := r.s.GetSession(ctx, token)
	if err != nil {
		return 0, err
	}
	return sess.ExpiresAt, nil
}

func (r sessionRows) Extend(ctx context.Context, token string, expiresAt int64) error {
	return r.s.WithTx(ctx, func(tx *store.Tx) error {
		return tx.TouchSession(token, expiresAt)
	})
}

func (r sessionRows) Delete(ctx context.Context, token string) error {
	return r.s.WithTx(ctx, func(tx *store.Tx) error {
		return tx.DeleteSession(token)
	})
}

func (r sessionRows) PruneExpired(ctx context.Context, now int64) error {
	return r.s.WithTx(ctx, func(tx *store.Tx) error {
		return tx.DeleteExpiredSessions(now)
	})
}
