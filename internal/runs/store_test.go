package runs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentblob/agentblob/internal/protocol"
	"github.com/agentblob/agentblob/internal/testutil"
)

func openTestRunStore(t *testing.T) *Store {
	t.Helper()
	db, closeFn := testutil.OpenTestDB(t)
	t.Cleanup(closeFn)
	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func createRun(t *testing.T, store *Store, id string) Run {
	t.Helper()
	run, err := store.Create(context.Background(), Run{
		RunID:     id,
		SessionID: "sess_a",
		Channel:   "chan_a",
		Origin:    "chan_a",
		Kind:      protocol.KindInteractive,
		InputText: "hello",
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}

func TestLifecycleTransitions(t *testing.T) {
	store := openTestRunStore(t)
	ctx := context.Background()
	createRun(t, store, "run_1")

	if _, err := store.Transition(ctx, "run_1", protocol.RunRunning); err != nil {
		t.Fatalf("queued->running: %v", err)
	}
	if _, err := store.Transition(ctx, "run_1", protocol.RunWaitingPermission); err != nil {
		t.Fatalf("running->waiting: %v", err)
	}
	if _, err := store.Transition(ctx, "run_1", protocol.RunRunning); err != nil {
		t.Fatalf("waiting->running: %v", err)
	}
	if _, err := store.Finish(ctx, "run_1", protocol.RunDone, "answer", "", ""); err != nil {
		t.Fatalf("finish done: %v", err)
	}

	run, err := store.Get(ctx, "run_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if run.State != protocol.RunDone || run.FinalText != "answer" {
		t.Fatalf("unexpected final run %+v", run)
	}
}

func TestTerminalStatesAreAbsorbing(t *testing.T) {
	store := openTestRunStore(t)
	ctx := context.Background()
	createRun(t, store, "run_1")
	if _, err := store.Transition(ctx, "run_1", protocol.RunRunning); err != nil {
		t.Fatalf("to running: %v", err)
	}
	if _, err := store.Finish(ctx, "run_1", protocol.RunDone, "", "", ""); err != nil {
		t.Fatalf("finish: %v", err)
	}

	_, err := store.Transition(ctx, "run_1", protocol.RunStopped)
	if err == nil {
		t.Fatalf("expected transition out of terminal state to fail")
	}
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if protocol.ErrorKind(err) != protocol.ErrKindStateConflict {
		t.Fatalf("expected state_conflict kind, got %s", protocol.ErrorKind(err))
	}
}

func TestQueuedCannotSkipToWaiting(t *testing.T) {
	store := openTestRunStore(t)
	createRun(t, store, "run_1")
	if _, err := store.Transition(context.Background(), "run_1", protocol.RunWaitingPermission); err == nil {
		t.Fatalf("expected queued->waiting_permission to be rejected")
	}
}

func TestPruneTerminalKeepsBoundedWindow(t *testing.T) {
	store := openTestRunStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	})
	for i := 0; i < 10; i++ {
		id := createRun(t, store, "run_"+string(rune('a'+i))).RunID
		if _, err := store.Transition(ctx, id, protocol.RunRunning); err != nil {
			t.Fatalf("to running: %v", err)
		}
		if _, err := store.Finish(ctx, id, protocol.RunDone, "", "", ""); err != nil {
			t.Fatalf("finish: %v", err)
		}
	}
	removed, err := store.PruneTerminal(ctx, 0, 3)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 7 {
		t.Fatalf("expected 7 removed, got %d", removed)
	}
	left, err := store.List(ctx, ListFilter{Limit: 100})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(left) != 3 {
		t.Fatalf("expected 3 runs left, got %d", len(left))
	}
}

func TestStaleOpenExcludesWaitingPermission(t *testing.T) {
	store := openTestRunStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	current := base
	store.SetClock(func() time.Time { return current })

	createRun(t, store, "run_idle")
	if _, err := store.Transition(ctx, "run_idle", protocol.RunRunning); err != nil {
		t.Fatalf("to running: %v", err)
	}
	createRun(t, store, "run_waiting")
	if _, err := store.Transition(ctx, "run_waiting", protocol.RunRunning); err != nil {
		t.Fatalf("to running: %v", err)
	}
	if _, err := store.Transition(ctx, "run_waiting", protocol.RunWaitingPermission); err != nil {
		t.Fatalf("to waiting: %v", err)
	}

	current = base.Add(2 * time.Hour)
	stale, err := store.StaleOpen(ctx, time.Hour)
	if err != nil {
		t.Fatalf("stale: %v", err)
	}
	if len(stale) != 1 || stale[0].RunID != "run_idle" {
		t.Fatalf("expected only the idle run, got %v", stale)
	}
}
