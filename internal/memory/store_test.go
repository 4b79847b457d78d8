package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db, DefaultConfig(), nil)
}

func TestNormalizeAndFingerprint(t *testing.T) {
	a := Fingerprint("The user lives in Stockholm.")
	b := Fingerprint("  the USER   lives in Stockholm ")
	if a != b {
		t.Fatalf("expected normalized forms to share a fingerprint")
	}
	if a == Fingerprint("The user lives in Oslo.") {
		t.Fatalf("different facts must not collide")
	}
}

func TestConsolidateDedupsByHash(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cand := Candidate{Text: "User prefers dark roast coffee.", Importance: 0.8}
	changes, err := s.Consolidate(ctx, "run_1", []Candidate{cand}, nil)
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}
	if len(changes) != 1 || changes[0].Kind != "memory.added" {
		t.Fatalf("expected one added change, got %v", changes)
	}

	changes, err = s.Consolidate(ctx, "run_2", []Candidate{cand}, nil)
	if err != nil {
		t.Fatalf("second consolidate: %v", err)
	}
	if len(changes) != 1 || changes[0].Kind != "memory.modified" {
		t.Fatalf("expected modified on duplicate, got %v", changes)
	}

	n, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected a single deduped item, got %d", n)
	}
}

func TestConsolidateDropsLowImportance(t *testing.T) {
	s := openTestStore(t)
	changes, err := s.Consolidate(context.Background(), "run_1", []Candidate{
		{Text: "Said hello this morning.", Importance: 0.2},
	}, nil)
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}
	if len(changes) != 0 {
		t.Fatalf("expected low-importance candidate dropped, got %v", changes)
	}
}

func TestConsolidateMergesNearDuplicates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := Candidate{Text: "User works at Initech.", Importance: 0.7, Tags: []string{"work"}}
	if _, err := s.Consolidate(ctx, "run_1", []Candidate{first}, nil); err != nil {
		t.Fatalf("seed: %v", err)
	}
	// Give the seeded item an embedding so the near-duplicate scan can see it.
	pending, err := s.PendingEmbeddings(ctx, 10)
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending embeddings: %v (%d)", err, len(pending))
	}
	if _, err := s.WriteEmbeddings(ctx, []int64{pending[0].Rowid}, [][]float32{{1, 0, 0}}); err != nil {
		t.Fatalf("write embedding: %v", err)
	}

	embed := func(context.Context, string) ([]float32, error) {
		return []float32{0.99, 0.01, 0}, nil
	}
	second := Candidate{Text: "User works at Initech as a staff engineer.", Importance: 0.9, Tags: []string{"role"}}
	changes, err := s.Consolidate(ctx, "run_2", []Candidate{second}, embed)
	if err != nil {
		t.Fatalf("merge consolidate: %v", err)
	}
	if len(changes) != 1 || changes[0].Kind != "memory.modified" {
		t.Fatalf("expected merge into existing item, got %v", changes)
	}
	merged := changes[0].Item
	if merged.Text != second.Text {
		t.Fatalf("expected longer text to win, got %q", merged.Text)
	}
	if merged.Importance != 0.9 {
		t.Fatalf("expected max importance, got %v", merged.Importance)
	}
	if len(merged.Tags) != 2 {
		t.Fatalf("expected tag union, got %v", merged.Tags)
	}
	if n, _ := s.Count(ctx); n != 1 {
		t.Fatalf("expected single merged item, got %d", n)
	}
}

func TestDeleteRemovesItem(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	changes, err := s.Consolidate(ctx, "run_1", []Candidate{{Text: "Delete me later.", Importance: 0.9}}, nil)
	if err != nil || len(changes) != 1 {
		t.Fatalf("seed: %v", err)
	}
	id := changes[0].Item.ItemID

	change, err := s.Delete(ctx, "run_2", id)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if change == nil || change.Kind != "memory.removed" {
		t.Fatalf("expected removed change, got %v", change)
	}
	if again, err := s.Delete(ctx, "run_2", id); err != nil || again != nil {
		t.Fatalf("second delete should be a no-op, got %v %v", again, err)
	}
	if n, _ := s.Count(ctx); n != 0 {
		t.Fatalf("expected empty store, got %d", n)
	}
}

func TestListRecentOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time {
		now = now.Add(time.Minute)
		return now
	})
	for _, text := range []string{"first fact", "second fact", "third fact"} {
		if _, err := s.Consolidate(ctx, "run_1", []Candidate{{Text: text, Importance: 0.9}}, nil); err != nil {
			t.Fatalf("seed %q: %v", text, err)
		}
	}
	items, err := s.ListRecent(ctx, 2)
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].Text != "third fact" {
		t.Fatalf("expected newest first, got %q", items[0].Text)
	}
}
