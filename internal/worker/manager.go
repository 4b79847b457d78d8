// Package worker tracks delegated child runs: depth caps, result envelopes,
// and a bounded window of recently terminated workers.
package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentblob/agentblob/internal/protocol"
	"github.com/agentblob/agentblob/internal/runs"
)

// Envelope is the standard worker result payload.
type Envelope struct {
	Summary   string   `json:"summary"`
	Artifacts []string `json:"artifacts,omitempty"`
	Errors    []string `json:"errors,omitempty"`
}

// Record mirrors a worker run for query.
type Record struct {
	WorkerID    string            `json:"workerId"`
	ParentRunID string            `json:"parentRunId"`
	Role        string            `json:"role"`
	State       protocol.RunState `json:"state"`
	Result      *Envelope         `json:"result,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// StartFunc admits a worker run and returns it plus a channel that delivers
// the result envelope when the run terminates.
type StartFunc func(ctx context.Context, parent runs.Run, role, task string, depth int) (runs.Run, <-chan Envelope, error)

type Manager struct {
	maxDepth int
	keep     int
	start    StartFunc

	mu      sync.Mutex
	records map[string]*Record
	order   []string // terminal worker ids, oldest first
	nowFn   func() time.Time
}

func NewManager(maxDepth, keep int, start StartFunc) *Manager {
	if maxDepth <= 0 {
		maxDepth = 2
	}
	if keep <= 0 {
		keep = 50
	}
	return &Manager{
		maxDepth: maxDepth,
		keep:     keep,
		start:    start,
		records:  map[string]*Record{},
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
}

// Delegate spawns a child run for the parent. With wait=true it suspends
// until the worker terminates and returns the envelope; otherwise it returns
// a handle immediately.
func (m *Manager) Delegate(ctx context.Context, parent *runs.Run, role, task string, wait bool) (any, error) {
	depth := parent.Depth + 1
	if depth > m.maxDepth {
		return nil, protocol.WithKind(protocol.ErrKindResourceExhausted,
			fmt.Errorf("delegation denied: depth %d exceeds cap %d: %w", depth, m.maxDepth, protocol.ErrResourceExhausted))
	}

	child, done, err := m.start(ctx, *parent, role, task, depth)
	if err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	now := m.nowFn()
	record := &Record{
		WorkerID:    child.RunID,
		ParentRunID: parent.RunID,
		Role:        role,
		State:       protocol.RunQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.mu.Lock()
	m.records[child.RunID] = record
	m.mu.Unlock()

	if !wait {
		go m.collect(child.RunID, done)
		return map[string]any{"workerId": child.RunID, "pending": true}, nil
	}

	select {
	case envelope, ok := <-done:
		if !ok {
			envelope = Envelope{Errors: []string{"worker terminated without result"}}
		}
		m.finish(child.RunID, envelope)
		return map[string]any{"workerId": child.RunID, "result": envelope}, nil
	case <-ctx.Done():
		go m.collect(child.RunID, done)
		return nil, ctx.Err()
	}
}

// collect records the envelope of a background worker when it lands.
func (m *Manager) collect(workerID string, done <-chan Envelope) {
	envelope, ok := <-done
	if !ok {
		envelope = Envelope{Errors: []string{"worker terminated without result"}}
	}
	m.finish(workerID, envelope)
}

func (m *Manager) finish(workerID string, envelope Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[workerID]
	if !ok || record.State.Terminal() {
		return
	}
	record.State = protocol.RunDone
	if len(envelope.Errors) > 0 {
		record.State = protocol.RunFailed
	}
	record.Result = &envelope
	record.UpdatedAt = m.nowFn()
	m.order = append(m.order, workerID)
	for len(m.order) > m.keep {
		delete(m.records, m.order[0])
		m.order = m.order[1:]
	}
}

// MarkState mirrors non-terminal run state changes into the record.
func (m *Manager) MarkState(workerID string, state protocol.RunState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if record, ok := m.records[workerID]; ok && !record.State.Terminal() {
		record.State = state
		record.UpdatedAt = m.nowFn()
	}
}

// List returns all tracked workers, newest first.
func (m *Manager) List() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records))
	for _, record := range m.records {
		out = append(out, *record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// MaxDepth reports the delegation cap.
func (m *Manager) MaxDepth() int { return m.maxDepth }
