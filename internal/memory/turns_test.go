package memory

import (
	"context"
	"testing"
	"time"
)

func TestRecentTurnsWindowedPerOrigin(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time {
		now = now.Add(time.Minute)
		return now
	})

	for i := 0; i < 4; i++ {
		err := s.ObserveTurn(ctx, Turn{RunID: "run_a", Origin: "chan_a", UserText: "question", AssistantText: "answer"})
		if err != nil {
			t.Fatalf("observe: %v", err)
		}
	}
	if err := s.ObserveTurn(ctx, Turn{RunID: "run_b", Origin: "chan_b", UserText: "other", AssistantText: "reply"}); err != nil {
		t.Fatalf("observe other origin: %v", err)
	}

	turns, err := s.RecentTurns(ctx, "chan_a", 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	for _, turn := range turns {
		if turn.Origin != "chan_a" {
			t.Fatalf("leaked turn from %s", turn.Origin)
		}
	}
	if !turns[0].CreatedAt.Before(turns[1].CreatedAt) {
		t.Fatalf("expected chronological order")
	}
}

func TestRelatedTurnsLexicalMatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.ObserveTurn(ctx, Turn{RunID: "run_a", Origin: "chan_a", UserText: "how do I rotate kubernetes certs", AssistantText: "use kubeadm"}); err != nil {
		t.Fatalf("observe: %v", err)
	}
	if err := s.ObserveTurn(ctx, Turn{RunID: "run_b", Origin: "chan_a", UserText: "what about lunch", AssistantText: "pasta"}); err != nil {
		t.Fatalf("observe: %v", err)
	}

	related, err := s.RelatedTurns(ctx, "kubernetes certificates", 3)
	if err != nil {
		t.Fatalf("related: %v", err)
	}
	if len(related) == 0 || related[0].RunID != "run_a" {
		t.Fatalf("expected the kubernetes turn, got %v", related)
	}
}

func TestPruneTurns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := s.ObserveTurn(ctx, Turn{RunID: "run_old", Origin: "chan_a", UserText: "ancient", AssistantText: "history", CreatedAt: old}); err != nil {
		t.Fatalf("observe: %v", err)
	}
	if err := s.ObserveTurn(ctx, Turn{RunID: "run_new", Origin: "chan_a", UserText: "fresh", AssistantText: "news"}); err != nil {
		t.Fatalf("observe: %v", err)
	}
	removed, err := s.PruneTurns(ctx, 30)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 pruned turn, got %d", removed)
	}
}
