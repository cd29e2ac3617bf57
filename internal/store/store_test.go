package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/panohub/pano/pkg/cache"
	"github.com/panohub/pano/pkg/vault"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestSession(t *testing.T) *vault.Session {
	t.Helper()
	v := vault.New(filepath.Join(t.TempDir(), "vault.json"), 1000)
	_, sess, err := v.Initialize("correct horse battery")
	if err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	t.Cleanup(sess.Close)
	return sess
}

func mustCategory(t *testing.T, s *Store, name string) *Category {
	t.Helper()
	c := &Category{Name: name}
	if err := s.WithTx(context.Background(), func(tx *Tx) error {
		return tx.CreateCategory(c)
	}); err != nil {
		t.Fatalf("CreateCategory(%q) error: %v", name, err)
	}
	return c
}

func mustItem(t *testing.T, s *Store, sess *vault.Session, it *Item) *Item {
	t.Helper()
	if err := s.WithTx(context.Background(), func(tx *Tx) error {
		return tx.CreateItem(sess, it)
	}); err != nil {
		t.Fatalf("CreateItem(%q) error: %v", it.Label, err)
	}
	return it
}

func TestCreateAndGetItem(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cat := mustCategory(t, s, "dev")

	it := mustItem(t, s, nil, &Item{
		CategoryID: cat.ID,
		Type:       TypeCode,
		Label:      "restart nginx",
		Content:    "systemctl restart nginx",
		Tags:       []string{"ops", "web"},
	})

	got, err := s.GetItem(ctx, nil, it.ID)
	if err != nil {
		t.Fatalf("GetItem() error: %v", err)
	}
	if got.Content != "systemctl restart nginx" {
		t.Errorf("Content = %q", got.Content)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "ops" {
		t.Errorf("Tags = %v, want [ops web]", got.Tags)
	}
	if got.CreatedAt == 0 || got.UpdatedAt == 0 {
		t.Error("timestamps not set")
	}
}

func TestCreateItemValidation(t *testing.T) {
	s := newTestStore(t)
	cat := mustCategory(t, s, "dev")

	err := s.WithTx(context.Background(), func(tx *Tx) error {
		return tx.CreateItem(nil, &Item{CategoryID: cat.ID, Type: "widget", Label: "x"})
	})
	if !errors.Is(err, ErrConstraint) {
		t.Errorf("unknown type error = %v, want ErrConstraint", err)
	}

	err = s.WithTx(context.Background(), func(tx *Tx) error {
		return tx.CreateItem(nil, &Item{CategoryID: "nope", Type: TypeText, Label: "x"})
	})
	if !errors.Is(err, ErrConstraint) {
		t.Errorf("dangling category error = %v, want ErrConstraint", err)
	}
}

func TestSensitiveRoundTrip(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t)
	ctx := context.Background()
	cat := mustCategory(t, s, "secrets")

	const plaintext = "hunter2-prod-api-key"
	it := mustItem(t, s, sess, &Item{
		CategoryID:  cat.ID,
		Type:        TypeCode,
		Label:       "prod api key",
		Content:     plaintext,
		IsSensitive: true,
	})

	// The row on disk must hold ciphertext, never the plaintext.
	var raw string
	if err := s.db.QueryRow(`SELECT content FROM items WHERE id = ?`, it.ID).Scan(&raw); err != nil {
		t.Fatal(err)
	}
	if !vault.IsSealed(raw) {
		t.Fatalf("stored content is not sealed: %q", raw)
	}
	if raw == plaintext {
		t.Fatal("plaintext hit the database")
	}

	// The index row must have an empty body.
	var body string
	if err := s.db.QueryRow(`SELECT body FROM search_index WHERE entity_id = ?`, it.ID).Scan(&body); err != nil {
		t.Fatal(err)
	}
	if body != "" {
		t.Errorf("index body = %q, want empty", body)
	}

	got, err := s.GetItem(ctx, sess, it.ID)
	if err != nil {
		t.Fatalf("GetItem() error: %v", err)
	}
	if got.Content != plaintext {
		t.Errorf("decrypted content = %q, want %q", got.Content, plaintext)
	}
	if got.ContentHash == "" {
		t.Error("content hash not set")
	}

	// Without a session the item comes back sealed, not as ciphertext.
	locked, err := s.GetItem(ctx, nil, it.ID)
	if err != nil {
		t.Fatalf("GetItem(locked) error: %v", err)
	}
	if !locked.Sealed || locked.Content != "" {
		t.Errorf("locked read: Sealed=%v Content=%q, want sealed and empty", locked.Sealed, locked.Content)
	}
}

func TestSensitiveWriteRequiresSession(t *testing.T) {
	s := newTestStore(t)
	cat := mustCategory(t, s, "secrets")

	err := s.WithTx(context.Background(), func(tx *Tx) error {
		return tx.CreateItem(nil, &Item{
			CategoryID: cat.ID, Type: TypeCode, Label: "key", Content: "x", IsSensitive: true,
		})
	})
	if !errors.Is(err, vault.ErrLocked) {
		t.Fatalf("error = %v, want ErrLocked", err)
	}

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM items`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("%d items written by failed transaction", n)
	}
}

func TestRollbackLeavesNoPartialState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cat := mustCategory(t, s, "dev")
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.CreateItem(nil, &Item{
			CategoryID: cat.ID, Type: TypeText, Label: "doomed", Content: "x",
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want boom", err)
	}

	for _, table := range []string{"items", "search_index"} {
		var n int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&n); err != nil {
			t.Fatal(err)
		}
		if n != 0 {
			t.Errorf("%s has %d rows after rollback", table, n)
		}
	}
}

func TestExpiredContextIsTimeout(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	err := s.WithTx(ctx, func(tx *Tx) error { return nil })
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("error = %v, want ErrTimeout", err)
	}
}

func TestCommitHookFiresOnlyOnCommit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var fired [][]cache.Domain
	s.OnCommit(func(ds []cache.Domain) { fired = append(fired, ds) })

	mustCategory(t, s, "dev")
	if len(fired) != 1 {
		t.Fatalf("hook fired %d times, want 1", len(fired))
	}

	boom := errors.New("boom")
	s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.CreateCategory(&Category{Name: "other"}); err != nil {
			return err
		}
		return boom
	})
	if len(fired) != 1 {
		t.Error("hook fired for a rolled-back transaction")
	}
}

func TestDeleteCategoryCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cat := mustCategory(t, s, "dev")
	it := mustItem(t, s, nil, &Item{CategoryID: cat.ID, Type: TypeText, Label: "n", Content: "c"})

	var list List
	if err := s.WithTx(ctx, func(tx *Tx) error {
		list = List{CategoryID: cat.ID, Name: "l"}
		if err := tx.CreateList(&list); err != nil {
			return err
		}
		return tx.SetListEntries(list.ID, []string{it.ID})
	}); err != nil {
		t.Fatal(err)
	}

	if err := s.WithTx(ctx, func(tx *Tx) error {
		return tx.DeleteCategory(cat.ID)
	}); err != nil {
		t.Fatalf("DeleteCategory() error: %v", err)
	}

	for _, table := range []string{"items", "lists", "list_entries", "search_index"} {
		var n int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&n); err != nil {
			t.Fatal(err)
		}
		if n != 0 {
			t.Errorf("%s has %d rows after cascade", table, n)
		}
	}

	if _, err := s.GetItem(ctx, nil, it.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetItem() error = %v, want ErrNotFound", err)
	}
}

func TestRecordUsageAndPopular(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cat := mustCategory(t, s, "dev")
	hot := mustItem(t, s, nil, &Item{CategoryID: cat.ID, Type: TypeCode, Label: "hot", Content: "a"})
	cold := mustItem(t, s, nil, &Item{CategoryID: cat.ID, Type: TypeCode, Label: "cold", Content: "b"})

	for i := 0; i < 5; i++ {
		if err := s.WithTx(ctx, func(tx *Tx) error {
			return tx.RecordUsage(&UsageEvent{ItemID: hot.ID, Success: true})
		}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.WithTx(ctx, func(tx *Tx) error {
		return tx.RecordUsage(&UsageEvent{ItemID: cold.ID, Success: true})
	}); err != nil {
		t.Fatal(err)
	}

	top, err := s.Popular(ctx, 1, 0)
	if err != nil {
		t.Fatalf("Popular() error: %v", err)
	}
	if len(top) != 1 || top[0].ItemID != hot.ID {
		t.Fatalf("Popular(1) = %+v, want the 5x used item", top)
	}
	if top[0].UsageCount != 5 {
		t.Errorf("UsageCount = %d, want 5", top[0].UsageCount)
	}

	got, err := s.GetItem(ctx, nil, hot.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.UsageCount != 5 || got.LastUsed == 0 {
		t.Errorf("counters = (%d, %d), want (5, >0)", got.UsageCount, got.LastUsed)
	}
}

func TestUsageCounterDriftDetectionAndRepair(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cat := mustCategory(t, s, "dev")
	it := mustItem(t, s, nil, &Item{CategoryID: cat.ID, Type: TypeCode, Label: "x", Content: "y"})

	if err := s.WithTx(ctx, func(tx *Tx) error {
		return tx.RecordUsage(&UsageEvent{ItemID: it.ID, Success: true})
	}); err != nil {
		t.Fatal(err)
	}

	// Corrupt the denormalized counter out-of-band.
	if _, err := s.db.Exec(`UPDATE items SET usage_count = 99 WHERE id = ?`, it.ID); err != nil {
		t.Fatal(err)
	}

	drifted, err := s.CheckUsageCounters(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(drifted) != 1 || drifted[0] != it.ID {
		t.Fatalf("CheckUsageCounters() = %v, want [%s]", drifted, it.ID)
	}

	if err := s.WithTx(ctx, func(tx *Tx) error {
		return tx.RecomputeUsageCounters()
	}); err != nil {
		t.Fatal(err)
	}
	drifted, err = s.CheckUsageCounters(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(drifted) != 0 {
		t.Errorf("drift remains after recompute: %v", drifted)
	}
}

func TestForgottenExcludesArchived(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cat := mustCategory(t, s, "dev")
	stale := mustItem(t, s, nil, &Item{CategoryID: cat.ID, Type: TypeText, Label: "stale", Content: "a"})
	buried := mustItem(t, s, nil, &Item{CategoryID: cat.ID, Type: TypeText, Label: "buried", Content: "b"})

	if err := s.WithTx(ctx, func(tx *Tx) error {
		return tx.SetArchived(buried.ID, true)
	}); err != nil {
		t.Fatal(err)
	}

	got, err := s.Forgotten(ctx, now()+1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ItemID != stale.ID {
		t.Errorf("Forgotten() = %+v, want only the non-archived item", got)
	}
}

func TestTableCellBounds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cat := mustCategory(t, s, "dev")
	it := mustItem(t, s, nil, &Item{CategoryID: cat.ID, Type: TypeText, Label: "x", Content: "y"})

	var tb Table
	if err := s.WithTx(ctx, func(tx *Tx) error {
		tb = Table{CategoryID: cat.ID, Name: "grid", Rows: 2, Cols: 2}
		return tx.CreateTable(&tb)
	}); err != nil {
		t.Fatal(err)
	}

	err := s.WithTx(ctx, func(tx *Tx) error {
		return tx.SetTableCell(tb.ID, it.ID, 2, 0)
	})
	if !errors.Is(err, ErrConstraint) {
		t.Errorf("out-of-bounds cell error = %v, want ErrConstraint", err)
	}

	if err := s.WithTx(ctx, func(tx *Tx) error {
		return tx.SetTableCell(tb.ID, it.ID, 1, 1)
	}); err != nil {
		t.Fatalf("SetTableCell() error: %v", err)
	}
	cells, err := s.TableCells(ctx, tb.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(cells) != 1 || cells[0].Row != 1 || cells[0].Col != 1 {
		t.Errorf("TableCells() = %+v", cells)
	}
}

func TestProcessStepValidation(t *testing.T) {
	s := newTestStore(t)

	err := s.WithTx(context.Background(), func(tx *Tx) error {
		return tx.CreateProcess(&Process{Name: "deploy", Steps: []ProcessStep{
			{Mode: ModeSequential, ItemID: "a", Command: "b"},
		}})
	})
	if !errors.Is(err, ErrConstraint) {
		t.Errorf("step with both item and command: error = %v, want ErrConstraint", err)
	}
}

func TestSessionRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exp := now() + 1000
	if err := s.WithTx(ctx, func(tx *Tx) error {
		return tx.CreateSession(&Session{Token: "tok", ExpiresAt: exp})
	}); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetSession(ctx, "tok")
	if err != nil {
		t.Fatalf("GetSession() error: %v", err)
	}
	if got.ExpiresAt != exp {
		t.Errorf("ExpiresAt = %d, want %d", got.ExpiresAt, exp)
	}

	if err := s.WithTx(ctx, func(tx *Tx) error {
		return tx.DeleteExpiredSessions(exp + 1)
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetSession(ctx, "tok"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSession() after prune = %v, want ErrNotFound", err)
	}
}
