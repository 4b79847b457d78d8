package memory

import (
	"context"
	"testing"
)

func seedItems(t *testing.T, s *Store, texts ...string) {
	t.Helper()
	for _, text := range texts {
		if _, err := s.Consolidate(context.Background(), "run_seed", []Candidate{{Text: text, Importance: 0.9}}, nil); err != nil {
			t.Fatalf("seed %q: %v", text, err)
		}
	}
}

func TestSearchLexical(t *testing.T) {
	s := openTestStore(t)
	seedItems(t, s,
		"Telegram client is an adapter frontend.",
		"User prefers espresso in the morning.",
		"The deploy pipeline runs on Fridays.",
	)
	items, err := s.Search(context.Background(), "telegram adapter", 5, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(items) == 0 {
		t.Fatalf("expected a lexical hit")
	}
	if items[0].Text != "Telegram client is an adapter frontend." {
		t.Fatalf("expected telegram item first, got %q", items[0].Text)
	}
}

func TestSearchHybridPrefersVectorMatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedItems(t, s, "alpha note about databases", "beta note about gardening")

	pending, err := s.PendingEmbeddings(ctx, 10)
	if err != nil || len(pending) != 2 {
		t.Fatalf("pending: %v (%d)", err, len(pending))
	}
	vecs := make([][]float32, len(pending))
	var rowids []int64
	for i, p := range pending {
		rowids = append(rowids, p.Rowid)
		if p.Text == "alpha note about databases" {
			vecs[i] = []float32{1, 0}
		} else {
			vecs[i] = []float32{0, 1}
		}
	}
	if _, err := s.WriteEmbeddings(ctx, rowids, vecs); err != nil {
		t.Fatalf("write embeddings: %v", err)
	}

	// "note" matches both lexically; the query vector disambiguates.
	items, err := s.Search(ctx, "note", 1, []float32{0, 1})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(items) != 1 || items[0].Text != "beta note about gardening" {
		t.Fatalf("expected vector match to win, got %v", items)
	}
}

func TestSearchWithoutEmbeddingsStillWorks(t *testing.T) {
	s := openTestStore(t)
	seedItems(t, s, "pure lexical item about sqlite")
	items, err := s.Search(context.Background(), "sqlite", 5, []float32{1, 0, 0})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected BM25 recall without embeddings, got %d", len(items))
	}
}

func TestPendingEmbeddingsDrainsAfterWrite(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedItems(t, s, "embed me")
	pending, err := s.PendingEmbeddings(ctx, 10)
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending: %v (%d)", err, len(pending))
	}
	if _, err := s.WriteEmbeddings(ctx, []int64{pending[0].Rowid}, [][]float32{{0.5, 0.5}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	pending, err = s.PendingEmbeddings(ctx, 10)
	if err != nil {
		t.Fatalf("pending after write: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending embeddings, got %d", len(pending))
	}
}
