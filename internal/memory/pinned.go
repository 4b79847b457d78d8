package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// PinnedItem lives in the small always-loaded set, stored as a JSON snapshot
// beside the database.
type PinnedItem struct {
	ItemID     string    `json:"itemId"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"createdAt"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// PinnedSet wraps the snapshot file. Writes rewrite the whole file via a
// temp-rename so a crash never leaves a torn snapshot.
type PinnedSet struct {
	path  string
	mu    sync.Mutex
	nowFn func() time.Time
}

func NewPinnedSet(path string) *PinnedSet {
	return &PinnedSet{path: path, nowFn: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides the clock, for tests.
func (p *PinnedSet) SetClock(nowFn func() time.Time) {
	if nowFn != nil {
		p.nowFn = nowFn
	}
}

func (p *PinnedSet) load() ([]PinnedItem, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read pinned: %w", err)
	}
	var items []PinnedItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parse pinned: %w", err)
	}
	return items, nil
}

func (p *PinnedSet) save(items []PinnedItem) error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("create pinned dir: %w", err)
	}
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("encode pinned: %w", err)
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write pinned: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("replace pinned: %w", err)
	}
	return nil
}

// List returns all pinned items.
func (p *PinnedSet) List() ([]PinnedItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.load()
}

// Pin adds text to the set. Identical text (by normalized hash) only touches
// last_seen_at; the bool reports whether a new item was created.
func (p *PinnedSet) Pin(text string) (PinnedItem, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	items, err := p.load()
	if err != nil {
		return PinnedItem{}, false, err
	}
	now := p.nowFn()
	id := Fingerprint(text)
	for i, item := range items {
		if item.ItemID == id {
			items[i].LastSeenAt = now
			if err := p.save(items); err != nil {
				return PinnedItem{}, false, err
			}
			return items[i], false, nil
		}
	}
	item := PinnedItem{ItemID: id, Text: text, CreatedAt: now, LastSeenAt: now}
	items = append(items, item)
	if err := p.save(items); err != nil {
		return PinnedItem{}, false, err
	}
	return item, true, nil
}

// Unpin removes an item by id; reports whether anything was removed.
func (p *PinnedSet) Unpin(itemID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	items, err := p.load()
	if err != nil {
		return false, err
	}
	kept := items[:0]
	removed := false
	for _, item := range items {
		if item.ItemID == itemID {
			removed = true
			continue
		}
		kept = append(kept, item)
	}
	if !removed {
		return false, nil
	}
	return true, p.save(kept)
}
