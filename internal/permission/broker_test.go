package permission

import (
	"testing"
	"time"

	"github.com/agentblob/agentblob/internal/policy"
)

func newTestBroker() *Broker {
	pol := policy.New([]string{"filesystem.read"}, []string{"shell.run"}, nil)
	return NewBroker(pol, 15*time.Minute)
}

func TestOpenRespondDeliversDecision(t *testing.T) {
	b := newTestBroker()
	req, decision := b.Open("run_1", "chan_a", "shell.run", "shell_run", "echo hi")
	if req.State != StatePending {
		t.Fatalf("expected pending state")
	}
	resolved, ok := b.Respond(req.PermID, policy.Allow)
	if !ok {
		t.Fatalf("expected respond to resolve")
	}
	if resolved.State != StateAllowed {
		t.Fatalf("expected allowed, got %s", resolved.State)
	}
	select {
	case d := <-decision:
		if d != policy.Allow {
			t.Fatalf("expected allow, got %s", d)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for decision")
	}
}

func TestRespondIsIdempotent(t *testing.T) {
	b := newTestBroker()
	req, decision := b.Open("run_1", "chan_a", "shell.run", "shell_run", "echo hi")
	if _, ok := b.Respond(req.PermID, policy.Deny); !ok {
		t.Fatalf("first respond should resolve")
	}
	if _, ok := b.Respond(req.PermID, policy.Allow); ok {
		t.Fatalf("second respond should be a no-op")
	}
	if d := <-decision; d != policy.Deny {
		t.Fatalf("expected first decision to win, got %s", d)
	}
}

func TestRespondUnknownPermID(t *testing.T) {
	b := newTestBroker()
	if _, ok := b.Respond("perm_missing", policy.Allow); ok {
		t.Fatalf("unknown perm id must not resolve")
	}
}

func TestCancelDeniesRunRequests(t *testing.T) {
	b := newTestBroker()
	_, d1 := b.Open("run_1", "chan_a", "shell.run", "shell_run", "a")
	_, d2 := b.Open("run_2", "chan_a", "shell.run", "shell_run", "b")
	resolved := b.Cancel("run_1")
	if len(resolved) != 1 {
		t.Fatalf("expected 1 cancelled request, got %d", len(resolved))
	}
	if d := <-d1; d != policy.Deny {
		t.Fatalf("expected deny for cancelled run")
	}
	select {
	case <-d2:
		t.Fatalf("run_2 request should remain pending")
	default:
	}
	if pend := b.PendingForRun("run_2"); len(pend) != 1 {
		t.Fatalf("expected run_2 request still pending")
	}
}

func TestExpireResolvesOldRequestsAsDeny(t *testing.T) {
	b := newTestBroker()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	b.SetClock(func() time.Time { return now })
	req, decision := b.Open("run_1", "chan_a", "shell.run", "shell_run", "a")

	now = now.Add(20 * time.Minute)
	expired := b.Expire()
	if len(expired) != 1 || expired[0].PermID != req.PermID {
		t.Fatalf("expected the request to expire, got %v", expired)
	}
	if expired[0].State != StateExpired {
		t.Fatalf("expected expired state, got %s", expired[0].State)
	}
	if d := <-decision; d != policy.Deny {
		t.Fatalf("expected deny on expiry, got %s", d)
	}
}

func TestPendingForChannelOrdering(t *testing.T) {
	b := newTestBroker()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	b.SetClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	})
	first, _ := b.Open("run_1", "chan_a", "shell.run", "shell_run", "a")
	second, _ := b.Open("run_2", "chan_a", "shell.run", "shell_run", "b")
	b.Open("run_3", "chan_b", "shell.run", "shell_run", "c")

	pend := b.PendingForChannel("chan_a")
	if len(pend) != 2 {
		t.Fatalf("expected 2 pending for chan_a, got %d", len(pend))
	}
	if pend[0].PermID != first.PermID || pend[1].PermID != second.PermID {
		t.Fatalf("expected oldest-first ordering")
	}
}

func TestPolicySwapIsCopyOnReload(t *testing.T) {
	b := newTestBroker()
	if got := b.Check("shell.run", "echo hi"); got != policy.Ask {
		t.Fatalf("expected ask before reload, got %s", got)
	}
	b.SetPolicy(b.Policy().WithDecision("shell.run", policy.Allow))
	if got := b.Check("shell.run", "echo hi"); got != policy.Allow {
		t.Fatalf("expected allow after reload, got %s", got)
	}
}
