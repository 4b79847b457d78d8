package runs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentblob/agentblob/internal/protocol"
)

const runsSchemaSQL = `
CREATE TABLE IF NOT EXISTS runs (
  run_id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL,
  channel TEXT NOT NULL DEFAULT '',
  origin TEXT NOT NULL,
  kind TEXT NOT NULL,
  state TEXT NOT NULL,
  input_text TEXT NOT NULL,
  attachments TEXT NOT NULL DEFAULT '[]',
  depth INTEGER NOT NULL DEFAULT 0,
  started_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  last_event_seq INTEGER NOT NULL DEFAULT 0,
  error TEXT NOT NULL DEFAULT '',
  stop_reason TEXT NOT NULL DEFAULT '',
  final_text TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_runs_state_updated ON runs(state, updated_at);
CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id, started_at);
`

// Store persists the run snapshot: every non-terminal run plus a bounded
// window of terminal ones kept for auditing.
type Store struct {
	db *sql.DB

	mu    sync.Mutex
	nowFn func() time.Time
}

func NewStore(db *sql.DB) (*Store, error) {
	for _, stmt := range strings.Split(runsSchemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("migrate runs: %w", err)
		}
	}
	return &Store{db: db, nowFn: func() time.Time { return time.Now().UTC() }}, nil
}

// SetClock overrides the clock, for tests.
func (s *Store) SetClock(nowFn func() time.Time) {
	if nowFn != nil {
		s.nowFn = nowFn
	}
}

// Create inserts a run in state queued.
func (s *Store) Create(ctx context.Context, run Run) (Run, error) {
	if run.RunID == "" {
		return Run{}, fmt.Errorf("run_id is required")
	}
	now := s.nowFn()
	run.State = protocol.RunQueued
	run.StartedAt = now
	run.UpdatedAt = now
	attachments, err := json.Marshal(run.Attachments)
	if err != nil {
		return Run{}, fmt.Errorf("encode attachments: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, session_id, channel, origin, kind, state, input_text, attachments, depth, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.RunID, run.SessionID, run.Channel, run.Origin, string(run.Kind), string(run.State),
		run.InputText, string(attachments), run.Depth,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return Run{}, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// Get loads a run by id.
func (s *Store) Get(ctx context.Context, runID string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, session_id, channel, origin, kind, state, input_text, attachments, depth,
		       started_at, updated_at, last_event_seq, error, stop_reason, final_text
		FROM runs WHERE run_id = ?
	`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("run %s not found", runID)
	}
	return run, err
}

// Transition moves a run to a new state, enforcing the lifecycle table.
// Terminal states are absorbing; the earliest terminal transition wins.
func (s *Store) Transition(ctx context.Context, runID string, to protocol.RunState) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.Get(ctx, runID)
	if err != nil {
		return Run{}, err
	}
	if !transitionAllowed(run.State, to) {
		return run, protocol.WithKind(protocol.ErrKindStateConflict, &TransitionError{RunID: runID, From: run.State, To: to})
	}
	now := s.nowFn()
	_, err = s.db.ExecContext(ctx, `
		UPDATE runs SET state = ?, updated_at = ? WHERE run_id = ? AND state = ?
	`, string(to), now.Format(time.RFC3339Nano), runID, string(run.State))
	if err != nil {
		return Run{}, fmt.Errorf("update run state: %w", err)
	}
	run.State = to
	run.UpdatedAt = now
	return run, nil
}

// Finish records the terminal outcome alongside the state change.
func (s *Store) Finish(ctx context.Context, runID string, state protocol.RunState, finalText, errText, stopReason string) (Run, error) {
	if !state.Terminal() {
		return Run{}, fmt.Errorf("finish requires a terminal state, got %s", state)
	}
	run, err := s.Transition(ctx, runID, state)
	if err != nil {
		return run, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		UPDATE runs SET final_text = ?, error = ?, stop_reason = ? WHERE run_id = ?
	`, finalText, errText, stopReason, runID)
	if err != nil {
		return run, fmt.Errorf("record run outcome: %w", err)
	}
	run.FinalText = finalText
	run.Error = errText
	run.StopReason = stopReason
	return run, nil
}

// RecordSeq advances the run's last observed event seq.
func (s *Store) RecordSeq(ctx context.Context, runID string, seq uint64) {
	_, _ = s.db.ExecContext(ctx, `
		UPDATE runs SET last_event_seq = ? WHERE run_id = ? AND last_event_seq < ?
	`, seq, runID, seq)
}

// Terminal reports whether a run has finished. Unknown runs count as
// terminal so schedule locks cannot wedge on lost ids.
func (s *Store) Terminal(ctx context.Context, runID string) bool {
	run, err := s.Get(ctx, runID)
	if err != nil {
		return true
	}
	return run.State.Terminal()
}

// ListFilter selects runs for List.
type ListFilter struct {
	SessionID string
	Kind      protocol.RunKind
	State     protocol.RunState
	Limit     int
}

func (s *Store) List(ctx context.Context, filter ListFilter) ([]Run, error) {
	query := `
		SELECT run_id, session_id, channel, origin, kind, state, input_text, attachments, depth,
		       started_at, updated_at, last_event_seq, error, stop_reason, final_text
		FROM runs`
	var clauses []string
	var args []any
	if filter.SessionID != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.State != "" {
		clauses = append(clauses, "state = ?")
		args = append(args, string(filter.State))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" ORDER BY started_at DESC LIMIT %d", limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// PruneTerminal keeps the newest keepMax terminal runs and drops terminal
// runs older than keepDays. Returns rows removed.
func (s *Store) PruneTerminal(ctx context.Context, keepDays, keepMax int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	if keepDays > 0 {
		cutoff := s.nowFn().Add(-time.Duration(keepDays) * 24 * time.Hour)
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM runs WHERE state IN ('done','failed','stopped') AND updated_at < ?
		`, cutoff.Format(time.RFC3339Nano))
		if err != nil {
			return removed, fmt.Errorf("prune terminal by age: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	if keepMax > 0 {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM runs WHERE state IN ('done','failed','stopped') AND run_id NOT IN (
				SELECT run_id FROM runs WHERE state IN ('done','failed','stopped')
				ORDER BY updated_at DESC LIMIT ?
			)
		`, keepMax)
		if err != nil {
			return removed, fmt.Errorf("prune terminal by count: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	return removed, nil
}

// StaleOpen lists non-terminal runs idle past the cutoff, excluding runs
// waiting on a human (auto-close must not eat pending approvals).
func (s *Store) StaleOpen(ctx context.Context, idleFor time.Duration) ([]Run, error) {
	cutoff := s.nowFn().Add(-idleFor)
	return s.listByQuery(ctx, `
		SELECT run_id, session_id, channel, origin, kind, state, input_text, attachments, depth,
		       started_at, updated_at, last_event_seq, error, stop_reason, final_text
		FROM runs
		WHERE state IN ('queued','running','stopping') AND updated_at < ?
	`, cutoff.Format(time.RFC3339Nano))
}

func (s *Store) listByQuery(ctx context.Context, query string, args ...any) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var run Run
	var kind, state, attachments, startedStr, updatedStr string
	if err := row.Scan(&run.RunID, &run.SessionID, &run.Channel, &run.Origin, &kind, &state,
		&run.InputText, &attachments, &run.Depth, &startedStr, &updatedStr,
		&run.LastEventSeq, &run.Error, &run.StopReason, &run.FinalText); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("scan run: %w", err)
	}
	run.Kind = protocol.RunKind(kind)
	run.State = protocol.RunState(state)
	_ = json.Unmarshal([]byte(attachments), &run.Attachments)
	run.StartedAt, _ = time.Parse(time.RFC3339Nano, startedStr)
	run.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return run, nil
}
