// Package runs holds the run lifecycle state machine and the executor that
// drives one LLM turn to completion.
package runs

import (
	"errors"
	"fmt"
	"time"

	"github.com/agentblob/agentblob/internal/protocol"
)

// Run is the unit of work.
type Run struct {
	RunID        string            `json:"runId"`
	SessionID    string            `json:"sessionId"`
	Channel      string            `json:"channel"` // origin channel; empty for scheduler-origin runs
	Origin       string            `json:"origin"`  // channel id, "scheduler:<id>", or parent run id
	Kind         protocol.RunKind  `json:"kind"`
	State        protocol.RunState `json:"state"`
	InputText    string            `json:"inputText"`
	Attachments  []string          `json:"attachments,omitempty"`
	Depth        int               `json:"depth"` // worker delegation depth; 0 for top-level runs
	StartedAt    time.Time         `json:"startedAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
	LastEventSeq uint64            `json:"lastEventSeq"`
	Error        string            `json:"error,omitempty"`
	StopReason   string            `json:"stopReason,omitempty"`
	FinalText    string            `json:"finalText,omitempty"`
}

var ErrInvalidTransition = errors.New("invalid run state transition")

// TransitionError reports a rejected state change.
type TransitionError struct {
	RunID string
	From  protocol.RunState
	To    protocol.RunState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid run state transition for %s: %s -> %s", e.RunID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// allowedTransitions encodes the lifecycle:
// queued -> running -> [waiting_permission <-> running]* -> terminal,
// with stopping as a transient superstate of running/waiting_permission.
var allowedTransitions = map[protocol.RunState][]protocol.RunState{
	protocol.RunQueued:            {protocol.RunRunning, protocol.RunStopped, protocol.RunFailed},
	protocol.RunRunning:           {protocol.RunWaitingPermission, protocol.RunStopping, protocol.RunDone, protocol.RunFailed, protocol.RunStopped},
	protocol.RunWaitingPermission: {protocol.RunRunning, protocol.RunStopping, protocol.RunDone, protocol.RunFailed, protocol.RunStopped},
	// A run that entered stopping only ever terminates as stopped; a stop
	// observed before run.final decides the terminal state.
	protocol.RunStopping: {protocol.RunStopped},
}

func transitionAllowed(from, to protocol.RunState) bool {
	if from == to {
		return false
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
