package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/agentblob/agentblob/internal/protocol"
	"github.com/agentblob/agentblob/internal/runs"
)

func fakeStart(results map[string]Envelope) StartFunc {
	counter := 0
	return func(ctx context.Context, parent runs.Run, role, task string, depth int) (runs.Run, <-chan Envelope, error) {
		counter++
		child := runs.Run{
			RunID: fmt.Sprintf("run_worker_%d", counter),
			Kind:  protocol.KindWorker,
			Depth: depth,
		}
		done := make(chan Envelope, 1)
		envelope, ok := results[role]
		if !ok {
			envelope = Envelope{Summary: "finished " + task}
		}
		done <- envelope
		close(done)
		return child, done, nil
	}
}

func TestDelegateWaitReturnsEnvelope(t *testing.T) {
	m := NewManager(2, 10, fakeStart(map[string]Envelope{
		"briefing": {Summary: "the news"},
	}))
	parent := &runs.Run{RunID: "run_parent", Depth: 0}

	result, err := m.Delegate(context.Background(), parent, "briefing", "summarize the news", true)
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	payload := result.(map[string]any)
	envelope := payload["result"].(Envelope)
	if envelope.Summary != "the news" {
		t.Fatalf("unexpected envelope %+v", envelope)
	}

	records := m.List()
	if len(records) != 1 || records[0].State != protocol.RunDone {
		t.Fatalf("unexpected records %+v", records)
	}
}

func TestDelegateDepthCap(t *testing.T) {
	m := NewManager(2, 10, fakeStart(nil))
	deepParent := &runs.Run{RunID: "run_deep", Depth: 2}

	_, err := m.Delegate(context.Background(), deepParent, "dev", "go deeper", true)
	if err == nil {
		t.Fatalf("expected depth cap to deny delegation")
	}
	if !errors.Is(err, protocol.ErrResourceExhausted) {
		t.Fatalf("expected resource_exhausted, got %v", err)
	}
	if len(m.List()) != 0 {
		t.Fatalf("denied delegation must not create a record")
	}
}

func TestDelegateNoWaitCollectsInBackground(t *testing.T) {
	m := NewManager(2, 10, fakeStart(nil))
	parent := &runs.Run{RunID: "run_parent", Depth: 0}

	result, err := m.Delegate(context.Background(), parent, "quant", "crunch numbers", false)
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	payload := result.(map[string]any)
	if payload["pending"] != true {
		t.Fatalf("expected pending handle, got %+v", payload)
	}

	deadline := time.After(2 * time.Second)
	for {
		records := m.List()
		if len(records) == 1 && records[0].State.Terminal() {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("background worker never collected")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRetentionBounded(t *testing.T) {
	m := NewManager(2, 3, fakeStart(nil))
	parent := &runs.Run{RunID: "run_parent", Depth: 0}
	for i := 0; i < 6; i++ {
		if _, err := m.Delegate(context.Background(), parent, "dev", fmt.Sprintf("task %d", i), true); err != nil {
			t.Fatalf("delegate %d: %v", i, err)
		}
	}
	if got := len(m.List()); got != 3 {
		t.Fatalf("expected retention of 3 workers, got %d", got)
	}
}

func TestFailedEnvelopeMarksFailed(t *testing.T) {
	m := NewManager(2, 10, fakeStart(map[string]Envelope{
		"dev": {Errors: []string{"compile error"}},
	}))
	parent := &runs.Run{RunID: "run_parent", Depth: 0}
	if _, err := m.Delegate(context.Background(), parent, "dev", "build it", true); err != nil {
		t.Fatalf("delegate: %v", err)
	}
	records := m.List()
	if len(records) != 1 || records[0].State != protocol.RunFailed {
		t.Fatalf("expected failed worker record, got %+v", records)
	}
}
