package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/agentblob/agentblob/internal/protocol"
	"github.com/agentblob/agentblob/internal/runs"
)

// Session is a logical conversation: one FIFO of runs, at most one
// non-terminal run at a time.
type Session struct {
	ID      string
	Channel string

	mu          sync.Mutex
	queue       []runs.Run
	activeRunID string
	lastRunID   string
	wake        chan struct{}
	maxQueue    int
	closed      bool
	cancel      func()
}

func newSession(id, channel string, maxQueue int) *Session {
	if maxQueue <= 0 {
		maxQueue = 8
	}
	return &Session{
		ID:       id,
		Channel:  channel,
		wake:     make(chan struct{}, 1),
		maxQueue: maxQueue,
	}
}

// enqueue admits a run. Position 0 means it will start immediately; higher
// positions are queued behind the active run. Rejects when the soft cap is
// reached, leaving the queue unchanged.
func (s *Session) enqueue(run runs.Run) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("session closed: %w", protocol.ErrResourceExhausted)
	}
	if len(s.queue) >= s.maxQueue {
		return 0, protocol.WithKind(protocol.ErrKindResourceExhausted,
			fmt.Errorf("queue_full: session %s: %w", s.ID, protocol.ErrResourceExhausted))
	}
	s.queue = append(s.queue, run)
	position := len(s.queue) - 1
	if s.activeRunID != "" {
		position++
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return position, nil
}

func (s *Session) dequeue() (runs.Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return runs.Run{}, false
	}
	run := s.queue[0]
	s.queue = s.queue[1:]
	s.activeRunID = run.RunID
	s.lastRunID = run.RunID
	return run, true
}

func (s *Session) finishActive() {
	s.mu.Lock()
	s.activeRunID = ""
	s.mu.Unlock()
}

// ActiveRunID returns the running run id, or the latest admitted one when
// idle (run.stop with no id targets this).
func (s *Session) ActiveRunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeRunID != "" {
		return s.activeRunID
	}
	return s.lastRunID
}

// Depth reports queued (not yet started) runs.
func (s *Session) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Session) active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeRunID
}

// loop pulls runs one at a time into the executor until ctx ends.
func (s *Session) loop(ctx context.Context, exec *runs.Executor, logger *slog.Logger) {
	for {
		run, ok := s.dequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				continue
			}
		}
		if _, err := exec.Execute(ctx, run); err != nil {
			logger.Warn("run execution error", "run_id", run.RunID, "error", err)
		}
		s.finishActive()
	}
}
