package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/agentblob/agentblob/internal/idgen"
)

// Store persists schedules as a JSON snapshot file; writes rewrite the file
// via temp-rename.
type Store struct {
	path     string
	fallback *time.Location

	mu        sync.Mutex
	schedules map[string]*Schedule
	nowFn     func() time.Time
}

func OpenStore(path, timezone string) (*Store, error) {
	loc := time.UTC
	if timezone != "" {
		parsed, err := time.LoadLocation(timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid scheduler timezone %q: %w", timezone, err)
		}
		loc = parsed
	}
	s := &Store{
		path:      path,
		fallback:  loc,
		schedules: map[string]*Schedule{},
		nowFn:     func() time.Time { return time.Now().UTC() },
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetClock overrides the clock, for tests.
func (s *Store) SetClock(nowFn func() time.Time) {
	if nowFn != nil {
		s.nowFn = nowFn
	}
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read schedules: %w", err)
	}
	var items []*Schedule
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("parse schedules: %w", err)
	}
	for _, item := range items {
		s.schedules[item.ID] = item
	}
	return nil
}

func (s *Store) saveLocked() error {
	items := s.listLocked()
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("encode schedules: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create schedules dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write schedules: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace schedules: %w", err)
	}
	return nil
}

func (s *Store) listLocked() []Schedule {
	out := make([]Schedule, 0, len(s.schedules))
	for _, sched := range s.schedules {
		out = append(out, *sched)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRunAt.Before(out[j].NextRunAt) })
	return out
}

// List returns schedules ordered by next boundary.
func (s *Store) List() []Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked()
}

// Get returns a schedule copy by id.
func (s *Store) Get(id string) (Schedule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[id]
	if !ok {
		return Schedule{}, false
	}
	return *sched, true
}

// Create validates and persists a new schedule with its first boundary.
func (s *Store) Create(sched Schedule) (Schedule, error) {
	if err := sched.Validate(); err != nil {
		return Schedule{}, err
	}
	if sched.ID == "" {
		sched.ID = idgen.ScheduleID()
	}
	next, err := sched.NextAfter(s.nowFn(), s.fallback)
	if err != nil {
		return Schedule{}, err
	}
	sched.NextRunAt = next

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.schedules[sched.ID]; exists {
		return Schedule{}, fmt.Errorf("schedule %s already exists", sched.ID)
	}
	s.schedules[sched.ID] = &sched
	if err := s.saveLocked(); err != nil {
		delete(s.schedules, sched.ID)
		return Schedule{}, err
	}
	return sched, nil
}

// Update applies a mutation to a schedule under the store lock and persists.
func (s *Store) Update(id string, mutate func(*Schedule) error) (Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[id]
	if !ok {
		return Schedule{}, fmt.Errorf("schedule %s not found", id)
	}
	backup := *sched
	if err := mutate(sched); err != nil {
		*sched = backup
		return Schedule{}, err
	}
	if err := sched.Validate(); err != nil {
		*sched = backup
		return Schedule{}, err
	}
	if err := s.saveLocked(); err != nil {
		*sched = backup
		return Schedule{}, err
	}
	return *sched, nil
}

// Delete removes a schedule; reports whether it existed.
func (s *Store) Delete(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[id]; !ok {
		return false, nil
	}
	delete(s.schedules, id)
	return true, s.saveLocked()
}

// AdvanceStale applies the skip policy to every schedule whose boundary is in
// the past; called once on startup before any tick runs.
func (s *Store) AdvanceStale() error {
	now := s.nowFn()
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for _, sched := range s.schedules {
		if !sched.Enabled || sched.NextRunAt.After(now) {
			continue
		}
		next, err := sched.AdvancePast(now, s.fallback)
		if err != nil {
			continue
		}
		sched.NextRunAt = next
		changed = true
	}
	if !changed {
		return nil
	}
	return s.saveLocked()
}

// due returns schedules whose boundary has arrived.
func (s *Store) due(now time.Time) []Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Schedule
	for _, sched := range s.schedules {
		if sched.Enabled && !sched.NextRunAt.After(now) {
			out = append(out, *sched)
		}
	}
	return out
}

// markFired advances the boundary deterministically from the previous one and
// records the admitted run.
func (s *Store) markFired(id, runID string, firedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[id]
	if !ok {
		return fmt.Errorf("schedule %s not found", id)
	}
	next, err := sched.AdvancePast(firedAt, s.fallback)
	if err != nil {
		return err
	}
	sched.NextRunAt = next
	sched.LastRunID = runID
	sched.LastRunAt = firedAt
	return s.saveLocked()
}

// markMissed counts a skipped tick while the previous run is still open.
func (s *Store) markMissed(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sched, ok := s.schedules[id]; ok {
		sched.Missed++
		_ = s.saveLocked()
	}
}
