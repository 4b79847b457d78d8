package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentblob/agentblob/internal/eventlog"
	"github.com/agentblob/agentblob/internal/llm"
	"github.com/agentblob/agentblob/internal/protocol"
)

type Config struct {
	ImportanceMin       float64 // candidates below are dropped
	CandidateLimit      int     // BM25 candidates per search
	VectorScanLimit     int     // most recent embedded items scanned
	VectorTopK          int
	SimilarityThreshold float64 // near-duplicate merge threshold
	NeighbourLimit      int     // not read; nearestItem takes the best of the vector top-k
	Alpha               float64 // lexical weight in hybrid score
	Beta                float64 // recency weight in hybrid score
	EmbedBatch          int
}

func DefaultConfig() Config {
	return Config{
		ImportanceMin:       0.6,
		CandidateLimit:      50,
		VectorScanLimit:     2000,
		VectorTopK:          50,
		SimilarityThreshold: 0.92,
		NeighbourLimit:      5,
		Alpha:               0.6,
		Beta:                0.2,
		EmbedBatch:          16,
	}
}

// Change describes a store mutation, reported to callers so they can append
// the matching memory.* events and fan them out.
type Change struct {
	Kind string // protocol.EventMemoryAdded|Modified|Removed
	Item Item
}

// Store serializes writes behind a mutex; reads go straight to sqlite.
type Store struct {
	db    *sql.DB
	cfg   Config
	audit *eventlog.Log

	writeMu sync.Mutex
	nowFn   func() time.Time
}

func NewStore(db *sql.DB, cfg Config, audit *eventlog.Log) *Store {
	if cfg.CandidateLimit <= 0 {
		cfg = DefaultConfig()
	}
	return &Store{
		db:    db,
		cfg:   cfg,
		audit: audit,
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the clock, for tests.
func (s *Store) SetClock(nowFn func() time.Time) {
	if nowFn != nil {
		s.nowFn = nowFn
	}
}

func (s *Store) auditChange(runID string, c Change) {
	if s.audit == nil {
		return
	}
	_, _ = s.audit.Append(runID, c.Kind, protocol.MemoryChangePayload{
		ItemID: c.Item.ItemID,
		Text:   c.Item.Text,
		RunID:  runID,
	})
}

// Consolidate folds extracted candidates into the item store. Exact-hash
// duplicates touch last_seen_at; near-duplicates above the similarity
// threshold merge (longer text wins, importance is max, tags union).
func (s *Store) Consolidate(ctx context.Context, runID string, candidates []Candidate, embedQuery func(context.Context, string) ([]float32, error)) ([]Change, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var changes []Change
	for _, cand := range candidates {
		text := strings.TrimSpace(cand.Text)
		if text == "" || cand.Importance < s.cfg.ImportanceMin {
			continue
		}
		change, err := s.consolidateOne(ctx, runID, cand, embedQuery)
		if err != nil {
			return changes, err
		}
		if change != nil {
			changes = append(changes, *change)
			s.auditChange(runID, *change)
		}
	}
	return changes, nil
}

func (s *Store) consolidateOne(ctx context.Context, runID string, cand Candidate, embedQuery func(context.Context, string) ([]float32, error)) (*Change, error) {
	now := s.nowFn()
	fp := Fingerprint(cand.Text)

	existing, err := s.getByID(ctx, fp)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	if err == nil {
		// Exact duplicate: refresh.
		_, err := s.db.ExecContext(ctx, `
			UPDATE memory_items
			SET last_seen_at = ?, seen_count = seen_count + 1,
			    importance = MAX(importance, ?), last_run_id = ?
			WHERE item_id = ?
		`, now.Format(time.RFC3339Nano), cand.Importance, runID, fp)
		if err != nil {
			return nil, fmt.Errorf("touch item: %w", err)
		}
		existing.LastSeenAt = now
		return &Change{Kind: protocol.EventMemoryModified, Item: existing}, nil
	}

	// Near-duplicate check against the closest embedded neighbours.
	if embedQuery != nil && s.cfg.SimilarityThreshold > 0 {
		if vec, err := embedQuery(ctx, cand.Text); err == nil && len(vec) > 0 {
			neighbour, sim, err := s.nearestItem(ctx, vec)
			if err == nil && neighbour != nil && sim >= s.cfg.SimilarityThreshold {
				return s.mergeInto(ctx, runID, *neighbour, cand, now)
			}
		}
	}

	tagsJSON := encodeTags(cand.Tags)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memory_items (item_id, text, context, importance, tags_json, created_at, last_seen_at, seen_count, last_run_id, embedding_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, 'missing')
	`, fp, cand.Text, cand.Context, cand.Importance, tagsJSON, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), runID)
	if err != nil {
		return nil, fmt.Errorf("insert item: %w", err)
	}
	item := Item{
		ItemID:     fp,
		Text:       cand.Text,
		Context:    cand.Context,
		Importance: cand.Importance,
		Tags:       cand.Tags,
		CreatedAt:  now,
		LastSeenAt: now,
		SeenCount:  1,
	}
	return &Change{Kind: protocol.EventMemoryAdded, Item: item}, nil
}

func (s *Store) mergeInto(ctx context.Context, runID string, existing Item, cand Candidate, now time.Time) (*Change, error) {
	text := existing.Text
	if len(cand.Text) > len(text) {
		text = cand.Text
	}
	importance := existing.Importance
	if cand.Importance > importance {
		importance = cand.Importance
	}
	tags := unionTags(existing.Tags, cand.Tags)
	_, err := s.db.ExecContext(ctx, `
		UPDATE memory_items
		SET text = ?, importance = ?, tags_json = ?, last_seen_at = ?,
		    seen_count = seen_count + 1, last_run_id = ?, embedding_status = 'dirty'
		WHERE item_id = ?
	`, text, importance, encodeTags(tags), now.Format(time.RFC3339Nano), runID, existing.ItemID)
	if err != nil {
		return nil, fmt.Errorf("merge item: %w", err)
	}
	existing.Text = text
	existing.Importance = importance
	existing.Tags = tags
	existing.LastSeenAt = now
	return &Change{Kind: protocol.EventMemoryModified, Item: existing}, nil
}

// Delete removes an item by id and reports the removal.
func (s *Store) Delete(ctx context.Context, runID, itemID string) (*Change, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	item, err := s.getByID(ctx, itemID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM memory_items WHERE item_id = ?`, itemID); err != nil {
		return nil, fmt.Errorf("delete item: %w", err)
	}
	change := Change{Kind: protocol.EventMemoryRemoved, Item: item}
	s.auditChange(runID, change)
	return &change, nil
}

// ListRecent returns items ordered by last_seen_at descending.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT item_id, text, context, importance, tags_json, created_at, last_seen_at, seen_count
		FROM memory_items ORDER BY last_seen_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_items`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count items: %w", err)
	}
	return n, nil
}

func (s *Store) getByID(ctx context.Context, itemID string) (Item, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT item_id, text, context, importance, tags_json, created_at, last_seen_at, seen_count
		FROM memory_items WHERE item_id = ?
	`, itemID)
	return scanItem(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (Item, error) {
	var item Item
	var tagsJSON, createdStr, lastSeenStr string
	if err := row.Scan(&item.ItemID, &item.Text, &item.Context, &item.Importance, &tagsJSON, &createdStr, &lastSeenStr, &item.SeenCount); err != nil {
		return Item{}, err
	}
	item.Tags = decodeTags(tagsJSON)
	item.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	item.LastSeenAt, _ = time.Parse(time.RFC3339Nano, lastSeenStr)
	return item, nil
}

func scanItems(rows *sql.Rows) ([]Item, error) {
	var out []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return out, nil
}

func encodeTags(tags []string) string {
	set := map[string]struct{}{}
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t != "" {
			set[t] = struct{}{}
		}
	}
	sorted := make([]string, 0, len(set))
	for t := range set {
		sorted = append(sorted, t)
	}
	sort.Strings(sorted)
	data, _ := json.Marshal(sorted)
	return string(data)
}

func decodeTags(raw string) []string {
	var out []string
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func unionTags(a, b []string) []string {
	return decodeTags(encodeTags(append(append([]string{}, a...), b...)))
}

// EmbedderQuery adapts an Embedder to the single-text signature consolidation
// uses for near-duplicate checks.
func EmbedderQuery(e llm.Embedder) func(context.Context, string) ([]float32, error) {
	if e == nil {
		return nil
	}
	return func(ctx context.Context, text string) ([]float32, error) {
		vecs, err := e.Embed(ctx, []string{text})
		if err != nil || len(vecs) == 0 {
			return nil, err
		}
		return vecs[0], nil
	}
}
