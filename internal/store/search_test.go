package store

import (
	"context"
	"errors"
	"testing"

	"github.com/panohub/pano/pkg/search"
)

func TestSearchRanksLabelAboveBody(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cat := mustCategory(t, s, "dev")

	labelHit := mustItem(t, s, nil, &Item{
		CategoryID: cat.ID, Type: TypeCode, Label: "docker restart", Content: "systemctl restart",
	})
	bodyHit := mustItem(t, s, nil, &Item{
		CategoryID: cat.ID, Type: TypeText, Label: "container notes", Content: "docker tips and tricks",
	})

	results, err := s.Search(ctx, "docker", search.Filters{})
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].EntityID != labelHit.ID {
		t.Errorf("first result = %s, want the label hit %s", results[0].EntityID, labelHit.ID)
	}
	if results[1].EntityID != bodyHit.ID {
		t.Errorf("second result = %s, want the body hit", results[1].EntityID)
	}
}

func TestSearchUsageBreaksTies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cat := mustCategory(t, s, "dev")

	a := mustItem(t, s, nil, &Item{CategoryID: cat.ID, Type: TypeCode, Label: "deploy web", Content: "x"})
	b := mustItem(t, s, nil, &Item{CategoryID: cat.ID, Type: TypeCode, Label: "deploy api", Content: "y"})
	_ = a

	for i := 0; i < 3; i++ {
		if err := s.WithTx(ctx, func(tx *Tx) error {
			return tx.RecordUsage(&UsageEvent{ItemID: b.ID, Success: true})
		}); err != nil {
			t.Fatal(err)
		}
	}

	results, err := s.Search(ctx, "deploy", search.Filters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].EntityID != b.ID {
		t.Errorf("first result = %s, want the frequently used item", results[0].EntityID)
	}
}

func TestSearchScopeFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cat := mustCategory(t, s, "dev")

	in := mustItem(t, s, nil, &Item{CategoryID: cat.ID, Type: TypeCode, Label: "backup db", Content: "x"})
	mustItem(t, s, nil, &Item{CategoryID: cat.ID, Type: TypeCode, Label: "backup files", Content: "y"})

	var proj Scope
	if err := s.WithTx(ctx, func(tx *Tx) error {
		proj = Scope{Kind: ScopeProject, Name: "migration"}
		if err := tx.CreateScope(&proj); err != nil {
			return err
		}
		return tx.AddRelation(proj.ID, TargetItem, in.ID)
	}); err != nil {
		t.Fatal(err)
	}

	results, err := s.Search(ctx, "backup", search.Filters{ProjectID: proj.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].EntityID != in.ID {
		t.Fatalf("scoped search = %+v, want only the project member", results)
	}
}

func TestSearchFindsTagAssignments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cat := mustCategory(t, s, "infra")

	if err := s.WithTx(ctx, func(tx *Tx) error {
		return tx.TagCategory(cat.ID, "kubernetes")
	}); err != nil {
		t.Fatal(err)
	}

	results, err := s.Search(ctx, "kubernetes", search.Filters{})
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, r := range results {
		if r.Kind == search.KindCategoryTag && r.EntityID == cat.ID {
			found = true
		}
	}
	if !found {
		t.Errorf("tag search results = %+v, want a category assignment hit", results)
	}
}

func TestDeleteTagReindexesItems(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cat := mustCategory(t, s, "dev")

	it := mustItem(t, s, nil, &Item{
		CategoryID: cat.ID, Type: TypeCode, Label: "deploy script", Content: "make deploy",
		Tags: []string{"kubernetes", "release"},
	})

	if err := s.WithTx(ctx, func(tx *Tx) error {
		return tx.DeleteTag("kubernetes")
	}); err != nil {
		t.Fatalf("DeleteTag() error: %v", err)
	}

	results, err := s.Search(ctx, "kubernetes", search.Filters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("deleted tag name still matches: %+v", results)
	}

	// The surviving tag keeps finding the item.
	results, err = s.Search(ctx, "release", search.Filters{})
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, r := range results {
		if r.Kind == search.KindItem && r.EntityID == it.ID {
			found = true
		}
	}
	if !found {
		t.Errorf("results = %+v, want the item via its remaining tag", results)
	}
}

func TestCategoryRenameRefreshesTagAssignments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cat := mustCategory(t, s, "Ops")

	if err := s.WithTx(ctx, func(tx *Tx) error {
		return tx.TagCategory(cat.ID, "urgent")
	}); err != nil {
		t.Fatal(err)
	}

	results, err := s.Search(ctx, "ops", search.Filters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Kind != search.KindCategoryTag {
		t.Fatalf("results = %+v, want the assignment via the category name", results)
	}

	cat.Name = "Backend"
	if err := s.WithTx(ctx, func(tx *Tx) error {
		return tx.UpdateCategory(cat)
	}); err != nil {
		t.Fatal(err)
	}

	results, err = s.Search(ctx, "ops", search.Filters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("old category name still matches after rename: %+v", results)
	}
	results, err = s.Search(ctx, "backend", search.Filters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Kind != search.KindCategoryTag {
		t.Errorf("results = %+v, want the assignment via the new name", results)
	}
}

func TestScopeRenameRefreshesTagAssignments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var proj Scope
	if err := s.WithTx(ctx, func(tx *Tx) error {
		proj = Scope{Kind: ScopeProject, Name: "Migration"}
		if err := tx.CreateScope(&proj); err != nil {
			return err
		}
		tagID, err := tx.ensureTag("urgent")
		if err != nil {
			return err
		}
		return tx.AddRelation(proj.ID, TargetTag, tagID)
	}); err != nil {
		t.Fatal(err)
	}

	results, err := s.Search(ctx, "migration", search.Filters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Kind != search.KindProjectTag {
		t.Fatalf("results = %+v, want the assignment via the scope name", results)
	}

	proj.Name = "Cutover"
	if err := s.WithTx(ctx, func(tx *Tx) error {
		return tx.UpdateScope(&proj)
	}); err != nil {
		t.Fatal(err)
	}

	results, err = s.Search(ctx, "migration", search.Filters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("old scope name still matches after rename: %+v", results)
	}
	results, err = s.Search(ctx, "cutover", search.Filters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Kind != search.KindProjectTag {
		t.Errorf("results = %+v, want the assignment via the new name", results)
	}
}

func TestIndexDriftDetectionAndReindex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cat := mustCategory(t, s, "dev")
	mustItem(t, s, nil, &Item{CategoryID: cat.ID, Type: TypeText, Label: "note one", Content: "alpha"})
	mustItem(t, s, nil, &Item{CategoryID: cat.ID, Type: TypeText, Label: "note two", Content: "beta"})

	if err := s.CheckIndex(ctx); err != nil {
		t.Fatalf("CheckIndex() on a clean store: %v", err)
	}

	// Knock an index row out from under the store.
	if _, err := s.db.Exec(`DELETE FROM search_index WHERE rowid =
		(SELECT MIN(rowid) FROM search_index WHERE kind = 'item')`); err != nil {
		t.Fatal(err)
	}

	err := s.CheckIndex(ctx)
	if !errors.Is(err, search.ErrIndexDrift) {
		t.Fatalf("CheckIndex() = %v, want ErrIndexDrift", err)
	}

	if err := s.Reindex(ctx); err != nil {
		t.Fatalf("Reindex() error: %v", err)
	}
	if err := s.CheckIndex(ctx); err != nil {
		t.Errorf("CheckIndex() after reindex: %v", err)
	}

	// Idempotent: a second rebuild yields the same rows.
	if err := s.Reindex(ctx); err != nil {
		t.Fatal(err)
	}
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM search_index`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("index has %d rows after double reindex, want 2", n)
	}
}

func TestReindexKeepsSensitiveBodyOut(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t)
	ctx := context.Background()
	cat := mustCategory(t, s, "secrets")

	it := mustItem(t, s, sess, &Item{
		CategoryID: cat.ID, Type: TypeCode, Label: "token", Content: "sk-live-12345", IsSensitive: true,
	})

	if err := s.Reindex(ctx); err != nil {
		t.Fatal(err)
	}
	var body string
	if err := s.db.QueryRow(`SELECT body FROM search_index WHERE entity_id = ?`, it.ID).Scan(&body); err != nil {
		t.Fatal(err)
	}
	if body != "" {
		t.Errorf("reindexed body = %q, want empty for a sensitive item", body)
	}
}

func TestSensitiveCorpus(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t)
	ctx := context.Background()
	cat := mustCategory(t, s, "secrets")

	mustItem(t, s, sess, &Item{
		CategoryID: cat.ID, Type: TypeCode, Label: "db password", Content: "swordfish", IsSensitive: true,
	})
	mustItem(t, s, nil, &Item{
		CategoryID: cat.ID, Type: TypeText, Label: "plain", Content: "nothing secret",
	})

	docs, err := s.SensitiveCorpus(ctx, sess)
	if err != nil {
		t.Fatalf("SensitiveCorpus() error: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("corpus has %d docs, want 1", len(docs))
	}
	if docs[0].Text != "swordfish" {
		t.Errorf("corpus text = %q, want decrypted plaintext", docs[0].Text)
	}

	matches, err := search.MatchSensitive("swordfish", docs)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].Label != "db password" {
		t.Errorf("MatchSensitive() = %+v", matches)
	}

	if _, err := s.SensitiveCorpus(ctx, nil); err == nil {
		t.Error("SensitiveCorpus() without a session should fail")
	}
}
