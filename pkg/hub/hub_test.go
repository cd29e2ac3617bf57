package hub

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/panohub/pano/internal/config"
	"github.com/panohub/pano/internal/store"
	"github.com/panohub/pano/pkg/auth"
	"github.com/panohub/pano/pkg/search"
	"github.com/panohub/pano/pkg/vault"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Database: config.DatabaseConfig{Path: filepath.Join(dir, "pano.db")},
		Vault:    config.VaultConfig{Path: filepath.Join(dir, "vault.json"), KDFIterations: 1000},
		Session:  config.SessionConfig{TTL: time.Hour},
		Cache:    config.CacheConfig{Capacity: 16},
	}
	h, err := New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func mustCategory(t *testing.T, h *Hub, name string) *store.Category {
	t.Helper()
	c := &store.Category{Name: name}
	require.NoError(t, h.store.WithTx(context.Background(), func(tx *store.Tx) error {
		return tx.CreateCategory(c)
	}))
	return c
}

func TestCachedReadsStayConsistent(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	mustCategory(t, h, "one")

	first, err := h.Categories(ctx)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Warm cache hit.
	again, err := h.Categories(ctx)
	require.NoError(t, err)
	require.Len(t, again, 1)

	// A mutation must invalidate the cached overview.
	mustCategory(t, h, "two")
	after, err := h.Categories(ctx)
	require.NoError(t, err)
	require.Len(t, after, 2, "cached read served stale data after a commit")
}

func TestSearchCacheInvalidatedByItemWrite(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	cat := mustCategory(t, h, "dev")

	results, err := h.Search(ctx, "grafana", search.Filters{})
	require.NoError(t, err)
	require.Empty(t, results)

	require.NoError(t, h.CreateItem(ctx, "", &store.Item{
		CategoryID: cat.ID, Type: store.TypeURL, Label: "grafana dashboard", Content: "https://grafana.local",
	}))

	results, err = h.Search(ctx, "grafana", search.Filters{})
	require.NoError(t, err)
	require.Len(t, results, 1, "search cache not invalidated by the item write")
}

func TestSearchCacheKeyedByFilters(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	cat := mustCategory(t, h, "dev")

	require.NoError(t, h.CreateItem(ctx, "", &store.Item{
		CategoryID: cat.ID, Type: store.TypeCode, Label: "docker restart",
		Content: "systemctl restart docker", Tags: []string{"docker"},
	}))

	// Warm the cache with the unfiltered query.
	all, err := h.Search(ctx, "docker", search.Filters{})
	require.NoError(t, err)
	require.Len(t, all, 2)

	// The same query with a kind filter must not be served the
	// unfiltered entry.
	tagsOnly, err := h.Search(ctx, "docker", search.Filters{Kinds: []search.Kind{search.KindTag}})
	require.NoError(t, err)
	require.Len(t, tagsOnly, 1)
	require.Equal(t, search.KindTag, tagsOnly[0].Kind)

	// Nor one with a different limit.
	limited, err := h.Search(ctx, "docker", search.Filters{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func TestSensitiveLifecycle(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	cat := mustCategory(t, h, "secrets")

	require.Equal(t, auth.StateFirstSetup, h.AuthState())
	token, err := h.Setup(ctx, "correct horse battery")
	require.NoError(t, err)

	it := &store.Item{
		CategoryID: cat.ID, Type: store.TypeCode, Label: "prod token",
		Content: "sk-live-xyz", IsSensitive: true,
	}
	require.NoError(t, h.CreateItem(ctx, token, it))

	// Without a token the content stays sealed.
	locked, err := h.GetItem(ctx, "", it.ID)
	require.NoError(t, err)
	require.True(t, locked.Sealed)
	require.Empty(t, locked.Content)

	// With the token it decrypts.
	open, err := h.GetItem(ctx, token, it.ID)
	require.NoError(t, err)
	require.Equal(t, "sk-live-xyz", open.Content)

	// Sensitive content search works only while authenticated.
	matches, err := h.SearchSensitive(ctx, token, "sk-live")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, "prod token", matches[0].Label)

	require.NoError(t, h.Logout(ctx, token))

	_, err = h.GetItem(ctx, token, it.ID)
	require.ErrorIs(t, err, auth.ErrSessionExpired)
	_, err = h.SearchSensitive(ctx, "", "sk-live")
	require.ErrorIs(t, err, vault.ErrLocked)
}

func TestSensitiveWriteWithoutSessionFails(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	cat := mustCategory(t, h, "secrets")

	err := h.CreateItem(ctx, "", &store.Item{
		CategoryID: cat.ID, Type: store.TypeCode, Label: "key", Content: "x", IsSensitive: true,
	})
	require.ErrorIs(t, err, vault.ErrLocked)
}

func TestUsageStats(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	cat := mustCategory(t, h, "dev")

	it := &store.Item{CategoryID: cat.ID, Type: store.TypeCode, Label: "build", Content: "make"}
	require.NoError(t, h.CreateItem(ctx, "", it))

	for i := 0; i < 3; i++ {
		require.NoError(t, h.RecordUsage(ctx, it.ID, 120*time.Millisecond, true, ""))
	}

	top, err := h.Popular(ctx, 5, 0)
	require.NoError(t, err)
	require.Len(t, top, 1)
	require.EqualValues(t, 3, top[0].UsageCount)

	stale, err := h.Forgotten(ctx, time.Hour)
	require.NoError(t, err)
	require.Empty(t, stale, "a just-used item reported as forgotten")
}

func TestDoctorRepairsDrift(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	cat := mustCategory(t, h, "dev")
	require.NoError(t, h.CreateItem(ctx, "", &store.Item{
		CategoryID: cat.ID, Type: store.TypeText, Label: "note", Content: "text",
	}))

	// Healthy store: doctor is a no-op.
	require.NoError(t, h.Doctor(ctx))
	require.NoError(t, h.store.CheckIndex(ctx))
}

func TestNewHonorsMigrateTimeout(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		Database: config.DatabaseConfig{
			Path:           filepath.Join(dir, "pano.db"),
			MigrateTimeout: time.Nanosecond,
		},
		Vault:   config.VaultConfig{Path: filepath.Join(dir, "vault.json"), KDFIterations: 1000},
		Session: config.SessionConfig{TTL: time.Hour},
		Cache:   config.CacheConfig{Capacity: 16},
	}
	_, err := New(context.Background(), cfg, zerolog.Nop())
	require.Error(t, err, "an already-exceeded migration budget must abort startup")
}

func TestExportImportViaFiles(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	cat := mustCategory(t, h, "deploy")
	it := &store.Item{CategoryID: cat.ID, Type: store.TypeCode, Label: "ship", Content: "make deploy"}
	require.NoError(t, h.CreateItem(ctx, "", it))

	var proj store.Scope
	require.NoError(t, h.store.WithTx(ctx, func(tx *store.Tx) error {
		proj = store.Scope{Kind: store.ScopeProject, Name: "launch"}
		if err := tx.CreateScope(&proj); err != nil {
			return err
		}
		return tx.AddRelation(proj.ID, store.TargetItem, it.ID)
	}))

	path := filepath.Join(t.TempDir(), "launch.json")
	require.NoError(t, h.ExportScope(ctx, proj.ID, path))

	other := newTestHub(t)
	require.NoError(t, other.ImportScope(ctx, path))

	got, err := other.GetItem(ctx, "", it.ID)
	require.NoError(t, err)
	require.Equal(t, "make deploy", got.Content)

	// Importing the same snapshot twice collides on ids.
	err = other.ImportScope(ctx, path)
	require.True(t, errors.Is(err, store.ErrConstraint))
}
