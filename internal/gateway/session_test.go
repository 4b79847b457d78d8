package gateway

import (
	"errors"
	"testing"

	"github.com/agentblob/agentblob/internal/protocol"
	"github.com/agentblob/agentblob/internal/runs"
)

func TestSessionEnqueuePositions(t *testing.T) {
	s := newSession("sess_a", "chan_a", 3)
	pos, err := s.enqueue(runs.Run{RunID: "run_1"})
	if err != nil || pos != 0 {
		t.Fatalf("first enqueue: pos=%d err=%v", pos, err)
	}
	// Simulate the loop pulling run_1 active.
	if _, ok := s.dequeue(); !ok {
		t.Fatalf("dequeue failed")
	}
	pos, err = s.enqueue(runs.Run{RunID: "run_2"})
	if err != nil || pos != 1 {
		t.Fatalf("second enqueue behind active: pos=%d err=%v", pos, err)
	}
	if s.Depth() != 1 {
		t.Fatalf("expected depth 1, got %d", s.Depth())
	}
}

func TestSessionQueueSoftCap(t *testing.T) {
	s := newSession("sess_a", "chan_a", 2)
	for i := 0; i < 2; i++ {
		if _, err := s.enqueue(runs.Run{RunID: "run_x"}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	_, err := s.enqueue(runs.Run{RunID: "run_overflow"})
	if err == nil {
		t.Fatalf("expected queue_full")
	}
	if !errors.Is(err, protocol.ErrResourceExhausted) {
		t.Fatalf("expected resource_exhausted, got %v", err)
	}
	if s.Depth() != 2 {
		t.Fatalf("rejection must leave the queue unchanged, got depth %d", s.Depth())
	}
}

func TestSessionActiveRunIDFallsBackToLast(t *testing.T) {
	s := newSession("sess_a", "chan_a", 3)
	if _, err := s.enqueue(runs.Run{RunID: "run_1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, ok := s.dequeue(); !ok {
		t.Fatalf("dequeue failed")
	}
	if s.ActiveRunID() != "run_1" {
		t.Fatalf("expected active run_1")
	}
	s.finishActive()
	// run.stop with no id targets the latest run even after it finished;
	// the executor then reports the state conflict.
	if s.ActiveRunID() != "run_1" {
		t.Fatalf("expected last run id fallback")
	}
}
