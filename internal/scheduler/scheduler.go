package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Admitter is how fired schedules enter the run pipeline.
type Admitter interface {
	// AdmitScheduled enqueues a scheduled run and returns its run id.
	AdmitScheduled(ctx context.Context, scheduleID, prompt string) (string, error)
	// RunTerminal reports whether a previously admitted run has finished.
	// Unknown run ids count as terminal.
	RunTerminal(runID string) bool
}

// Scheduler ticks the store and admits due runs. One-second resolution.
type Scheduler struct {
	store    *Store
	admitter Admitter
	logger   *slog.Logger
	tick     time.Duration

	mu     sync.Mutex
	firing map[string]bool // schedule id -> admit in progress
}

func New(store *Store, admitter Admitter, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    store,
		admitter: admitter,
		logger:   logger.With("component", "scheduler"),
		tick:     time.Second,
	}
}

// SetTick overrides the tick interval, for tests.
func (s *Scheduler) SetTick(d time.Duration) {
	if d > 0 {
		s.tick = d
	}
}

// Run advances stale boundaries once, then ticks until the context ends.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.store.AdvanceStale(); err != nil {
		s.logger.Warn("advance stale schedules", "error", err)
	}
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every due schedule whose previous run has terminated.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.store.nowFn()
	for _, sched := range s.store.due(now) {
		s.fire(ctx, sched, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, sched Schedule, now time.Time) {
	s.mu.Lock()
	if s.firing == nil {
		s.firing = map[string]bool{}
	}
	if s.firing[sched.ID] {
		s.mu.Unlock()
		return
	}
	s.firing[sched.ID] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.firing, sched.ID)
		s.mu.Unlock()
	}()

	if sched.LastRunID != "" && !s.admitter.RunTerminal(sched.LastRunID) {
		s.store.markMissed(sched.ID)
		s.logger.Debug("schedule busy, tick skipped", "schedule_id", sched.ID, "last_run_id", sched.LastRunID)
		return
	}

	runID, err := s.admitter.AdmitScheduled(ctx, sched.ID, sched.Prompt)
	if err != nil {
		s.logger.Warn("admit scheduled run", "schedule_id", sched.ID, "error", err)
		return
	}
	if err := s.store.markFired(sched.ID, runID, now); err != nil {
		s.logger.Warn("advance schedule", "schedule_id", sched.ID, "error", err)
		return
	}
	s.logger.Info("schedule fired", "schedule_id", sched.ID, "run_id", runID)
}
