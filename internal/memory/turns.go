package memory

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Turn is one completed user/assistant exchange.
type Turn struct {
	RunID         string    `json:"runId"`
	Origin        string    `json:"origin"`
	UserText      string    `json:"userText"`
	AssistantText string    `json:"assistantText"`
	CreatedAt     time.Time `json:"createdAt"`
}

// ObserveTurn records a completed exchange for recent/related retrieval.
func (s *Store) ObserveTurn(ctx context.Context, turn Turn) error {
	if strings.TrimSpace(turn.UserText) == "" && strings.TrimSpace(turn.AssistantText) == "" {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	createdAt := turn.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.nowFn()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO turns (run_id, origin, user_text, assistant_text, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, turn.RunID, turn.Origin, turn.UserText, turn.AssistantText, createdAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

// RecentTurns returns the last limit turns for an origin, oldest first.
func (s *Store) RecentTurns(ctx context.Context, origin string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 6
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, origin, user_text, assistant_text, created_at
		FROM turns WHERE origin = ? ORDER BY created_at DESC LIMIT ?
	`, origin, limit)
	if err != nil {
		return nil, fmt.Errorf("recent turns: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// RelatedTurns finds past turns lexically similar to the query, across all
// origins. Bounded by limit; best-effort.
func (s *Store) RelatedTurns(ctx context.Context, query string, limit int) ([]Turn, error) {
	query = strings.TrimSpace(query)
	if query == "" || limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.run_id, t.origin, t.user_text, t.assistant_text, t.created_at
		FROM turns_fts f JOIN turns t ON t.rowid = f.rowid
		WHERE turns_fts MATCH ? ORDER BY bm25(turns_fts) LIMIT ?
	`, ftsQuery(query), limit)
	if err != nil {
		return nil, nil // malformed query terms; related turns are best-effort
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, turn)
	}
	return out, rows.Err()
}

// PruneTurns drops turns older than keep days. Returns rows removed.
func (s *Store) PruneTurns(ctx context.Context, keepDays int) (int64, error) {
	if keepDays <= 0 {
		return 0, nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	cutoff := s.nowFn().Add(-time.Duration(keepDays) * 24 * time.Hour)
	res, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE created_at < ?`, cutoff.Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune turns: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanTurn(row rowScanner) (Turn, error) {
	var turn Turn
	var createdStr string
	if err := row.Scan(&turn.RunID, &turn.Origin, &turn.UserText, &turn.AssistantText, &createdStr); err != nil {
		return Turn{}, fmt.Errorf("scan turn: %w", err)
	}
	turn.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	return turn, nil
}
