package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Search runs hybrid retrieval: BM25 candidates unioned with a bounded
// vector scan, scored by alpha*lexical + (1-alpha)*cosine + beta*recency.
// queryVec may be nil; items without embeddings still surface via BM25.
func (s *Store) Search(ctx context.Context, query string, limit int, queryVec []float32) ([]Item, error) {
	query = strings.TrimSpace(query)
	if query == "" || limit <= 0 {
		return nil, nil
	}

	bm, err := s.bm25Candidates(ctx, query, s.cfg.CandidateLimit)
	if err != nil {
		return nil, err
	}
	var vec map[int64]float64
	if len(queryVec) > 0 {
		vec, err = s.vectorCandidates(ctx, queryVec)
		if err != nil {
			return nil, err
		}
	}

	rowids := make(map[int64]struct{}, len(bm)+len(vec))
	for id := range bm {
		rowids[id] = struct{}{}
	}
	for id := range vec {
		rowids[id] = struct{}{}
	}
	if len(rowids) == 0 {
		return nil, nil
	}

	items, err := s.itemsByRowid(ctx, rowids)
	if err != nil {
		return nil, err
	}

	now := s.nowFn()
	for rowid := range items {
		item := items[rowid]
		lexical := 0.0
		if score, ok := bm[rowid]; ok {
			// sqlite bm25 is smaller-is-better (more negative is a stronger
			// match); fold its magnitude into [0,1].
			lexical = math.Min(2, math.Abs(score)) / 2
		}
		cos := vec[rowid]
		ageDays := now.Sub(item.LastSeenAt).Hours() / 24
		recency := math.Max(0, 1-math.Min(1, ageDays/7))
		item.Score = s.cfg.Alpha*lexical + (1-s.cfg.Alpha)*cos + s.cfg.Beta*recency
		items[rowid] = item
	}

	out := make([]Item, 0, len(items))
	for _, item := range items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) bm25Candidates(ctx context.Context, query string, limit int) (map[int64]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rowid, bm25(memory_fts) FROM memory_fts
		WHERE memory_fts MATCH ? ORDER BY bm25(memory_fts) LIMIT ?
	`, ftsQuery(query), limit)
	if err != nil {
		// Queries with only stop characters make FTS unhappy; fall back to
		// a LIKE scan so search stays usable.
		return s.likeCandidates(ctx, query, limit)
	}
	defer rows.Close()

	out := map[int64]float64{}
	for rows.Next() {
		var rowid int64
		var score float64
		if err := rows.Scan(&rowid, &score); err != nil {
			return nil, fmt.Errorf("scan bm25 candidate: %w", err)
		}
		out[rowid] = score
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bm25 candidates: %w", err)
	}
	return out, nil
}

func (s *Store) likeCandidates(ctx context.Context, query string, limit int) (map[int64]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rowid FROM memory_items
		WHERE text LIKE ? OR context LIKE ?
		ORDER BY last_seen_at DESC LIMIT ?
	`, "%"+query+"%", "%"+query+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("like scan: %w", err)
	}
	defer rows.Close()
	out := map[int64]float64{}
	for rows.Next() {
		var rowid int64
		if err := rows.Scan(&rowid); err != nil {
			return nil, fmt.Errorf("scan like candidate: %w", err)
		}
		out[rowid] = 1
	}
	return out, rows.Err()
}

// vectorCandidates scans the most recent embedded items (bounded) and keeps
// the top-k by cosine similarity.
func (s *Store) vectorCandidates(ctx context.Context, queryVec []float32) (map[int64]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rowid, embedding FROM memory_items
		WHERE embedding IS NOT NULL AND length(embedding) > 0
		ORDER BY last_seen_at DESC LIMIT ?
	`, s.cfg.VectorScanLimit)
	if err != nil {
		return nil, fmt.Errorf("vector scan: %w", err)
	}
	defer rows.Close()

	type scored struct {
		rowid int64
		sim   float64
	}
	var all []scored
	for rows.Next() {
		var rowid int64
		var blob []byte
		if err := rows.Scan(&rowid, &blob); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		if sim := cosine(queryVec, unpackF32(blob)); sim > 0 {
			all = append(all, scored{rowid, sim})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate embeddings: %w", err)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].sim > all[j].sim })
	if len(all) > s.cfg.VectorTopK {
		all = all[:s.cfg.VectorTopK]
	}
	out := make(map[int64]float64, len(all))
	for _, sc := range all {
		out[sc.rowid] = sc.sim
	}
	return out, nil
}

// nearestItem returns the closest embedded item to vec, for the consolidation
// near-duplicate check.
func (s *Store) nearestItem(ctx context.Context, vec []float32) (*Item, float64, error) {
	candidates, err := s.vectorCandidates(ctx, vec)
	if err != nil {
		return nil, 0, err
	}
	var bestRowid int64
	best := -1.0
	for rowid, sim := range candidates {
		if sim > best {
			best = sim
			bestRowid = rowid
		}
	}
	if best < 0 {
		return nil, 0, nil
	}
	items, err := s.itemsByRowid(ctx, map[int64]struct{}{bestRowid: {}})
	if err != nil {
		return nil, 0, err
	}
	item, ok := items[bestRowid]
	if !ok {
		return nil, 0, nil
	}
	return &item, best, nil
}

func (s *Store) itemsByRowid(ctx context.Context, rowids map[int64]struct{}) (map[int64]Item, error) {
	if len(rowids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, 0, len(rowids))
	args := make([]any, 0, len(rowids))
	for id := range rowids {
		placeholders = append(placeholders, "?")
		args = append(args, id)
	}
	query := fmt.Sprintf(`
		SELECT rowid, item_id, text, context, importance, tags_json, created_at, last_seen_at, seen_count
		FROM memory_items WHERE rowid IN (%s)
	`, strings.Join(placeholders, ","))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load candidates: %w", err)
	}
	defer rows.Close()

	out := map[int64]Item{}
	for rows.Next() {
		var rowid int64
		var item Item
		var tagsJSON, createdStr, lastSeenStr string
		if err := rows.Scan(&rowid, &item.ItemID, &item.Text, &item.Context, &item.Importance, &tagsJSON, &createdStr, &lastSeenStr, &item.SeenCount); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		item.Tags = decodeTags(tagsJSON)
		item.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		item.LastSeenAt, _ = time.Parse(time.RFC3339Nano, lastSeenStr)
		out[rowid] = item
	}
	return out, rows.Err()
}

// ftsQuery quotes each term so user input cannot break MATCH syntax.
func ftsQuery(query string) string {
	fields := strings.Fields(query)
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, "")
		if f == "" {
			continue
		}
		quoted = append(quoted, `"`+f+`"`)
	}
	return strings.Join(quoted, " OR ")
}

// PendingEmbedding is an item awaiting a vector.
type PendingEmbedding struct {
	Rowid int64
	Text  string
}

// PendingEmbeddings lists items whose embedding is missing or dirty.
func (s *Store) PendingEmbeddings(ctx context.Context, limit int) ([]PendingEmbedding, error) {
	if limit <= 0 {
		limit = s.cfg.EmbedBatch
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT rowid, text, context FROM memory_items
		WHERE embedding_status IN ('missing','dirty')
		ORDER BY last_seen_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("pending embeddings: %w", err)
	}
	defer rows.Close()

	var out []PendingEmbedding
	for rows.Next() {
		var p PendingEmbedding
		var text, context string
		if err := rows.Scan(&p.Rowid, &text, &context); err != nil {
			return nil, fmt.Errorf("scan pending embedding: %w", err)
		}
		p.Text = strings.TrimSpace(text + " " + context)
		out = append(out, p)
	}
	return out, rows.Err()
}

// WriteEmbeddings stores computed vectors and clears the pending status.
func (s *Store) WriteEmbeddings(ctx context.Context, rowids []int64, vecs [][]float32) (int, error) {
	if len(rowids) != len(vecs) {
		return 0, fmt.Errorf("embedding batch mismatch: %d ids, %d vectors", len(rowids), len(vecs))
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	written := 0
	for i, rowid := range rowids {
		if len(vecs[i]) == 0 {
			continue
		}
		res, err := s.db.ExecContext(ctx, `
			UPDATE memory_items SET embedding = ?, embedding_status = 'ready' WHERE rowid = ?
		`, packF32(vecs[i]), rowid)
		if err != nil {
			return written, fmt.Errorf("write embedding: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			written++
		}
	}
	return written, nil
}
