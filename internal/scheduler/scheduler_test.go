package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "schedules.json"), "UTC")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

type fakeAdmitter struct {
	mu       sync.Mutex
	admitted []string
	open     map[string]bool
	nextID   int
}

func (f *fakeAdmitter) AdmitScheduled(ctx context.Context, scheduleID, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("run_%d", f.nextID)
	f.admitted = append(f.admitted, id)
	if f.open == nil {
		f.open = map[string]bool{}
	}
	f.open[id] = true
	return id, nil
}

func (f *fakeAdmitter) RunTerminal(runID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.open[runID]
}

func (f *fakeAdmitter) finish(runID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.open, runID)
}

func (f *fakeAdmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.admitted)
}

func TestIntervalNextAfter(t *testing.T) {
	sched := Schedule{Kind: KindInterval, Spec: "10"}
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	next, err := sched.NextAfter(now, time.UTC)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if next != now.Add(10*time.Second) {
		t.Fatalf("expected +10s, got %v", next)
	}
}

func TestDailyNextAfterTimezone(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Stockholm")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	sched := Schedule{Kind: KindDaily, Spec: "08:30", Timezone: "Europe/Stockholm"}
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	next, err := sched.NextAfter(now, time.UTC)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	local := next.In(loc)
	if local.Hour() != 8 || local.Minute() != 30 {
		t.Fatalf("expected 08:30 local, got %v", local)
	}
	if !next.After(now) {
		t.Fatalf("expected a future boundary")
	}
}

func TestCronNextAfter(t *testing.T) {
	sched := Schedule{Kind: KindCron, Spec: "0 9 * * 1-5"}
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC) // Friday 10:00
	next, err := sched.NextAfter(now, time.UTC)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if next.Weekday() != time.Monday || next.Hour() != 9 {
		t.Fatalf("expected Monday 09:00, got %v", next)
	}
}

func TestAdvancePastSkipsMissedBoundaries(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	sched := Schedule{Kind: KindInterval, Spec: "10", NextRunAt: start}
	// Two minutes later: 12 boundaries were missed; skip policy jumps to the
	// first future one.
	now := start.Add(2 * time.Minute)
	next, err := sched.AdvancePast(now, time.UTC)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if next != start.Add(130*time.Second) {
		t.Fatalf("expected single jump to %v, got %v", start.Add(130*time.Second), next)
	}
}

func TestStoreCreateComputesNextRun(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })
	sched, err := s.Create(Schedule{Kind: KindInterval, Spec: "30", Prompt: "check the mail", Enabled: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sched.ID == "" || sched.NextRunAt != now.Add(30*time.Second) {
		t.Fatalf("unexpected schedule %+v", sched)
	}
	if _, err := s.Create(Schedule{Kind: KindCron, Spec: "not a cron"}); err == nil {
		t.Fatalf("expected invalid spec to be rejected")
	}
}

func TestSchedulerFiresAndAdvances(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })
	created, err := s.Create(Schedule{Kind: KindInterval, Spec: "10", Prompt: "tick", Enabled: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	admitter := &fakeAdmitter{}
	sched := New(s, admitter, nil)

	now = now.Add(11 * time.Second)
	sched.Tick(context.Background())
	if admitter.count() != 1 {
		t.Fatalf("expected one admitted run, got %d", admitter.count())
	}
	after, _ := s.Get(created.ID)
	if !after.NextRunAt.After(now) {
		t.Fatalf("expected next_run_at advanced past now")
	}
	if after.LastRunID == "" {
		t.Fatalf("expected last run recorded")
	}
}

func TestSchedulerSkipsWhileRunOpen(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })
	created, err := s.Create(Schedule{Kind: KindInterval, Spec: "10", Prompt: "tick", Enabled: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	admitter := &fakeAdmitter{}
	sched := New(s, admitter, nil)

	now = now.Add(11 * time.Second)
	sched.Tick(context.Background())
	if admitter.count() != 1 {
		t.Fatalf("expected first fire")
	}

	// Next boundary arrives while the run is still open: skipped, counted.
	now = now.Add(11 * time.Second)
	sched.Tick(context.Background())
	if admitter.count() != 1 {
		t.Fatalf("expected no second fire while run open")
	}
	after, _ := s.Get(created.ID)
	if after.Missed != 1 {
		t.Fatalf("expected missed counter 1, got %d", after.Missed)
	}

	// Once the run terminates the overdue schedule fires on the next tick.
	admitter.finish(after.LastRunID)
	sched.Tick(context.Background())
	if admitter.count() != 2 {
		t.Fatalf("expected fire after run terminated, got %d", admitter.count())
	}
}

func TestRestartAdvancesUnderSkipPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schedules.json")
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	s, err := OpenStore(path, "UTC")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s.SetClock(func() time.Time { return start })
	created, err := s.Create(Schedule{Kind: KindInterval, Spec: "10", Prompt: "tick", Enabled: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Simulate a two-minute outage and restart.
	reopened, err := OpenStore(path, "UTC")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	now := start.Add(2 * time.Minute)
	reopened.SetClock(func() time.Time { return now })
	if err := reopened.AdvanceStale(); err != nil {
		t.Fatalf("advance stale: %v", err)
	}
	after, _ := reopened.Get(created.ID)
	want := created.NextRunAt.Add(120 * time.Second)
	if after.NextRunAt != want {
		t.Fatalf("expected skip policy to land on %v, got %v", want, after.NextRunAt)
	}
	if !after.NextRunAt.After(now) {
		t.Fatalf("boundary must be in the future after restart")
	}
}
