package memory

import (
	"context"
	"log/slog"

	"github.com/agentblob/agentblob/internal/llm"
)

// Packet is the bounded context injected into a model turn.
type Packet struct {
	Pinned       []PinnedItem `json:"pinned,omitempty"`
	RecentTurns  []Turn       `json:"recentTurns,omitempty"`
	RelatedTurns []Turn       `json:"relatedTurns,omitempty"`
	Items        []Item       `json:"items,omitempty"`
}

// RetrievalLimits bounds each packet section.
type RetrievalLimits struct {
	RecentTurns  int
	RelatedTurns int
	Structured   int
}

// Service is the public face of the memory subsystem.
type Service struct {
	Store     *Store
	Pinned    *PinnedSet
	Extractor *Extractor
	Embedder  llm.Embedder
	Limits    RetrievalLimits
	Logger    *slog.Logger
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// BuildPacket assembles pinned items, the origin's recent turn window,
// related past turns, and the top structured hits for the input.
func (s *Service) BuildPacket(ctx context.Context, origin, input string) (Packet, error) {
	var pkt Packet

	pinned, err := s.Pinned.List()
	if err != nil {
		return pkt, err
	}
	pkt.Pinned = pinned

	pkt.RecentTurns, err = s.Store.RecentTurns(ctx, origin, s.Limits.RecentTurns)
	if err != nil {
		return pkt, err
	}
	pkt.RelatedTurns, err = s.Store.RelatedTurns(ctx, input, s.Limits.RelatedTurns)
	if err != nil {
		return pkt, err
	}

	var queryVec []float32
	if s.Embedder != nil {
		vecs, err := s.Embedder.Embed(ctx, []string{input})
		if err != nil {
			// Retrieval must not block on embedding failures.
			s.logger().Warn("query embedding failed", "error", err)
		} else if len(vecs) > 0 {
			queryVec = vecs[0]
		}
	}
	pkt.Items, err = s.Store.Search(ctx, input, s.Limits.Structured, queryVec)
	if err != nil {
		return pkt, err
	}
	return pkt, nil
}

// Ingest extracts durable facts from a finished run's exchange and
// consolidates them. Re-ingesting the same exchange adds no new items: its
// facts refresh the existing ones (last_seen_at, seen_count), and the turn is
// recorded again.
func (s *Service) Ingest(ctx context.Context, runID, origin, userText, assistantText string) ([]Change, error) {
	if err := s.Store.ObserveTurn(ctx, Turn{
		RunID:         runID,
		Origin:        origin,
		UserText:      userText,
		AssistantText: assistantText,
	}); err != nil {
		return nil, err
	}
	if s.Extractor == nil {
		return nil, nil
	}
	candidates, err := s.Extractor.Extract(ctx, userText, assistantText)
	if err != nil {
		s.logger().Warn("memory extraction failed", "run_id", runID, "error", err)
		return nil, nil
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	return s.Store.Consolidate(ctx, runID, candidates, EmbedderQuery(s.Embedder))
}

// Search is the user-facing retrieval entry point.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]Item, error) {
	var queryVec []float32
	if s.Embedder != nil {
		if vecs, err := s.Embedder.Embed(ctx, []string{query}); err == nil && len(vecs) > 0 {
			queryVec = vecs[0]
		}
	}
	return s.Store.Search(ctx, query, limit, queryVec)
}

// ListRecent lists the most recently seen items.
func (s *Service) ListRecent(ctx context.Context, limit int) ([]Item, error) {
	return s.Store.ListRecent(ctx, limit)
}

// Delete removes an item by id.
func (s *Service) Delete(ctx context.Context, runID, itemID string) (*Change, error) {
	return s.Store.Delete(ctx, runID, itemID)
}

// Pin adds text to the always-loaded set.
func (s *Service) Pin(text string) (PinnedItem, bool, error) {
	return s.Pinned.Pin(text)
}

// EmbedPending embeds one batch of items lacking vectors. Failures leave the
// items pending for the next maintenance pass; they keep participating in
// lexical recall meanwhile.
func (s *Service) EmbedPending(ctx context.Context, batch int) (int, error) {
	if s.Embedder == nil {
		return 0, nil
	}
	pending, err := s.Store.PendingEmbeddings(ctx, batch)
	if err != nil || len(pending) == 0 {
		return 0, err
	}
	texts := make([]string, len(pending))
	rowids := make([]int64, len(pending))
	for i, p := range pending {
		texts[i] = p.Text
		rowids[i] = p.Rowid
	}
	vecs, err := s.Embedder.Embed(ctx, texts)
	if err != nil {
		return 0, err
	}
	return s.Store.WriteEmbeddings(ctx, rowids, vecs)
}
