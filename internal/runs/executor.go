package runs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentblob/agentblob/internal/backoff"
	"github.com/agentblob/agentblob/internal/eventlog"
	"github.com/agentblob/agentblob/internal/llm"
	"github.com/agentblob/agentblob/internal/memory"
	"github.com/agentblob/agentblob/internal/permission"
	"github.com/agentblob/agentblob/internal/policy"
	"github.com/agentblob/agentblob/internal/protocol"
	"github.com/agentblob/agentblob/internal/tools"
)

// EmitFunc delivers an event to a channel. Empty channel ids drop the event;
// it still lives in the log for replay.
type EmitFunc func(channel string, ev protocol.Event)

// WorkerAPI is the delegate pseudo-tool boundary.
type WorkerAPI interface {
	Delegate(ctx context.Context, parent *Run, role, task string, wait bool) (any, error)
}

// Introspector answers status questions without spending an LLM turn.
type Introspector interface {
	Answer(ctx context.Context, input string) (string, bool)
}

const (
	delegateToolName = "delegate"
	maxToolRounds    = 32
	streamAttempts   = 3
)

// Executor drives runs from admission to a terminal state.
type Executor struct {
	Provider   llm.Provider
	Registry   *tools.Registry
	Broker     *permission.Broker
	Memory     *memory.Service
	Log        *eventlog.Log
	Store      *Store
	Emit       EmitFunc
	Workers    WorkerAPI
	Introspect Introspector
	Logger     *slog.Logger

	Model             string
	MaxTokens         int
	ToolTimeout       time.Duration
	TurnTimeout       time.Duration
	SystemPrompt      string
	SkillsPrompt      func() string
	ExtraInstructions string

	mu    sync.Mutex
	stops map[string]chan struct{}
}

func (e *Executor) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *Executor) stopCh(runID string) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stops == nil {
		e.stops = map[string]chan struct{}{}
	}
	ch, ok := e.stops[runID]
	if !ok {
		ch = make(chan struct{})
		e.stops[runID] = ch
	}
	return ch
}

func (e *Executor) clearStop(runID string) {
	e.mu.Lock()
	delete(e.stops, runID)
	e.mu.Unlock()
}

func (e *Executor) stopRequested(runID string) bool {
	select {
	case <-e.stopCh(runID):
		return true
	default:
		return false
	}
}

// Stop requests cancellation. Idempotent; stopping an already-stopping run is
// a no-op, stopping a terminal run is a state conflict.
func (e *Executor) Stop(ctx context.Context, runID string) error {
	run, err := e.Store.Get(ctx, runID)
	if err != nil {
		return err
	}
	if run.State.Terminal() {
		return protocol.WithKind(protocol.ErrKindStateConflict,
			fmt.Errorf("run %s already %s: %w", runID, run.State, protocol.ErrStateConflict))
	}

	ch := e.stopCh(runID)
	select {
	case <-ch:
		return nil // already stopping
	default:
		close(ch)
	}

	if run.State == protocol.RunQueued {
		// Never admitted; finish directly.
		return e.finishStopped(ctx, run, "stopped before start")
	}
	if _, err := e.Store.Transition(ctx, runID, protocol.RunStopping); err != nil {
		return err
	}
	// Deny any open approval so the executor unblocks.
	for _, req := range e.Broker.Cancel(runID) {
		e.record(run, protocol.EventPermissionResponse, protocol.PermissionResponsePayload{
			PermID: req.PermID, RunID: runID, Decision: string(policy.Deny),
		})
	}
	return nil
}

// record appends to the log and fans the event out to the run's channel.
func (e *Executor) record(run Run, kind string, payload any) uint64 {
	seq, err := e.Log.Append(run.RunID, kind, payload)
	if err != nil {
		e.logger().Error("append event", "run_id", run.RunID, "kind", kind, "error", err)
		return 0
	}
	e.Store.RecordSeq(context.Background(), run.RunID, seq)
	if e.Emit != nil {
		ev := protocol.NewEvent(kind, payload)
		ev.Seq = seq
		e.Emit(run.Channel, ev)
	}
	return seq
}

// Execute drives one run to its terminal state. The run must be queued.
func (e *Executor) Execute(ctx context.Context, run Run) (protocol.RunState, error) {
	defer e.clearStop(run.RunID)

	if e.stopRequested(run.RunID) {
		_ = e.finishStopped(ctx, run, "stopped before start")
		return protocol.RunStopped, nil
	}

	var err error
	run, err = e.Store.Transition(ctx, run.RunID, protocol.RunRunning)
	if err != nil {
		return protocol.RunFailed, err
	}
	e.record(run, protocol.EventRunStatus, protocol.RunStatusPayload{RunID: run.RunID, Status: protocol.RunRunning})
	e.record(run, protocol.EventRunInput, protocol.RunInputPayload{RunID: run.RunID, Input: run.InputText})

	turnCtx, cancel := context.WithTimeout(ctx, e.turnTimeout())
	defer cancel()

	state, err := e.drive(turnCtx, run)
	if err != nil {
		e.logger().Warn("run finished with error", "run_id", run.RunID, "state", state, "error", err)
	}
	return state, err
}

func (e *Executor) turnTimeout() time.Duration {
	if e.TurnTimeout > 0 {
		return e.TurnTimeout
	}
	return 10 * time.Minute
}

func (e *Executor) toolTimeout() time.Duration {
	if e.ToolTimeout > 0 {
		return e.ToolTimeout
	}
	return 60 * time.Second
}

func (e *Executor) drive(ctx context.Context, run Run) (protocol.RunState, error) {
	// Introspection questions are answered from the stores directly.
	if e.Introspect != nil {
		if text, ok := e.Introspect.Answer(ctx, run.InputText); ok {
			e.record(run, protocol.EventToken, protocol.TokenPayload{RunID: run.RunID, Content: text})
			return e.finishDone(ctx, run, text, nil)
		}
	}
	if e.Provider == nil {
		return e.finishFailed(ctx, run, fmt.Errorf("no LLM provider configured"))
	}

	system, err := e.buildSystemPrompt(ctx, run)
	if err != nil {
		return e.finishFailed(ctx, run, err)
	}

	messages := []llm.Message{{Role: "user", Content: run.InputText}}
	var assistantText string
	var usage *protocol.Usage

	for round := 0; round < maxToolRounds; round++ {
		if e.stopRequested(run.RunID) {
			return e.finishStoppedWithReason(ctx, run, "stop requested")
		}

		chunks, err := e.openStream(ctx, llm.Request{
			Model:     e.Model,
			System:    system,
			Messages:  messages,
			Tools:     e.Registry.Schemas(),
			MaxTokens: e.MaxTokens,
		})
		if err != nil {
			return e.finishFailed(ctx, run, err)
		}

		var pendingCall *llm.ToolCall
		var roundText string

	stream:
		for chunk := range chunks {
			switch {
			case chunk.Err != nil:
				if e.stopRequested(run.RunID) {
					return e.finishStoppedWithReason(ctx, run, "stop requested")
				}
				return e.finishFailed(ctx, run, chunk.Err)
			case chunk.Text != "":
				if e.stopRequested(run.RunID) {
					// Close the stream at the chunk boundary.
					return e.finishStoppedWithReason(ctx, run, "stop requested")
				}
				roundText += chunk.Text
				e.record(run, protocol.EventToken, protocol.TokenPayload{RunID: run.RunID, Content: chunk.Text})
			case chunk.ToolCall != nil:
				pendingCall = chunk.ToolCall
				// Serial tool use: leave the stream, draining the tail so the
				// provider goroutine can exit.
				go func() {
					for range chunks {
					}
				}()
				break stream
			case chunk.Done:
				if chunk.Usage != nil {
					usage = &protocol.Usage{InputTokens: chunk.Usage.InputTokens, OutputTokens: chunk.Usage.OutputTokens}
				}
			}
		}
		assistantText += roundText

		if pendingCall == nil {
			return e.finishDone(ctx, run, assistantText, usage)
		}
		if e.stopRequested(run.RunID) {
			// (a) no further tool calls after a stop.
			return e.finishStoppedWithReason(ctx, run, "stop requested")
		}

		result, isErr, err := e.handleToolCall(ctx, &run, *pendingCall)
		if err != nil {
			// Only stop/cancel escapes here; tool failures come back as results.
			if e.stopRequested(run.RunID) {
				return e.finishStoppedWithReason(ctx, run, "stop requested")
			}
			return e.finishFailed(ctx, run, err)
		}

		messages = append(messages, llm.Message{
			Role:      "assistant",
			Content:   roundText,
			ToolCalls: []llm.ToolCall{*pendingCall},
		})
		messages = append(messages, llm.Message{
			Role:        "user",
			ToolResults: []llm.ToolResult{{ToolCallID: pendingCall.ID, Content: result, IsError: isErr}},
		})
	}
	return e.finishFailed(ctx, run, fmt.Errorf("tool round limit reached"))
}

// openStream retries transient stream-open failures with capped backoff.
func (e *Executor) openStream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	var chunks <-chan llm.Chunk
	err := backoff.Retry(ctx, backoff.Default(), streamAttempts, func(int) error {
		var err error
		chunks, err = e.Provider.Complete(ctx, req)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("open llm stream: %w", err)
	}
	return chunks, nil
}

// handleToolCall routes one call through policy, executes it, and returns the
// serialized result for the next model round. Policy denials and tool errors
// are structured results (isErr=true); the returned error is reserved for
// stop/cancel.
func (e *Executor) handleToolCall(ctx context.Context, run *Run, call llm.ToolCall) (string, bool, error) {
	if call.Name == delegateToolName && e.Workers != nil {
		return e.handleDelegate(ctx, run, call)
	}

	def, ok := e.Registry.Get(call.Name)
	if !ok || def.Invoke == nil {
		return fmt.Sprintf("unknown tool %q", call.Name), true, nil
	}
	preview := e.Registry.PreviewFor(call.Name, call.Args)
	capability := policy.ReclassifyShell(def.Capability, toolArgsForPolicy(call))

	allowed, err := e.authorize(ctx, run, capability, call.Name, preview, toolArgsForPolicy(call))
	if err != nil {
		return "", false, err
	}
	if !allowed {
		return fmt.Sprintf("permission denied for %s", capability), true, nil
	}

	e.record(*run, protocol.EventToolCall, protocol.ToolCallPayload{
		RunID: run.RunID, ToolName: call.Name, Args: json.RawMessage(call.Args),
	})

	toolCtx, cancel := context.WithTimeout(ctx, e.toolTimeout())
	result, invokeErr := def.Invoke(toolCtx, call.Args)
	cancel()

	if invokeErr != nil {
		e.record(*run, protocol.EventToolResult, protocol.ToolResultPayload{
			RunID: run.RunID, ToolName: call.Name, OK: false, Error: invokeErr.Error(),
		})
		return invokeErr.Error(), true, nil
	}
	e.record(*run, protocol.EventToolResult, protocol.ToolResultPayload{
		RunID: run.RunID, ToolName: call.Name, OK: true, Result: result,
	})
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("unencodable tool result: %v", err), true, nil
	}
	return string(encoded), false, nil
}

// authorize runs the check/ask flow. Returns false when the call is denied.
func (e *Executor) authorize(ctx context.Context, run *Run, capability, toolName, preview, args string) (bool, error) {
	switch e.Broker.Check(capability, args) {
	case policy.Allow:
		return true, nil
	case policy.Deny:
		return false, nil
	}

	req, decisionCh := e.Broker.Open(run.RunID, run.Channel, capability, toolName, preview)
	updated, err := e.Store.Transition(ctx, run.RunID, protocol.RunWaitingPermission)
	if err != nil {
		e.Broker.Cancel(run.RunID)
		return false, err
	}
	*run = updated
	e.record(*run, protocol.EventRunStatus, protocol.RunStatusPayload{RunID: run.RunID, Status: protocol.RunWaitingPermission})
	e.record(*run, protocol.EventPermissionRequest, protocol.PermissionRequestPayload{
		PermID: req.PermID, RunID: run.RunID, Capability: capability, ToolName: toolName, Preview: preview,
	})

	var decision policy.Decision
	select {
	case decision = <-decisionCh:
	case <-ctx.Done():
		e.Broker.Cancel(run.RunID)
		return false, ctx.Err()
	}

	e.record(*run, protocol.EventPermissionResponse, protocol.PermissionResponsePayload{
		PermID: req.PermID, RunID: run.RunID, Decision: string(decision),
	})
	if e.stopRequested(run.RunID) {
		return false, fmt.Errorf("run stopped while waiting for permission")
	}
	updated, err = e.Store.Transition(ctx, run.RunID, protocol.RunRunning)
	if err != nil {
		return false, err
	}
	*run = updated
	e.record(*run, protocol.EventRunStatus, protocol.RunStatusPayload{RunID: run.RunID, Status: protocol.RunRunning})
	return decision == policy.Allow, nil
}

func (e *Executor) handleDelegate(ctx context.Context, run *Run, call llm.ToolCall) (string, bool, error) {
	var p struct {
		Role string `json:"role"`
		Task string `json:"task"`
		Wait *bool  `json:"wait"`
	}
	if err := json.Unmarshal(call.Args, &p); err != nil {
		return fmt.Sprintf("invalid delegate arguments: %v", err), true, nil
	}
	allowed, err := e.authorize(ctx, run, "workers.run", delegateToolName, fmt.Sprintf("%s: %s", p.Role, p.Task), p.Task)
	if err != nil {
		return "", false, err
	}
	if !allowed {
		return "permission denied for workers.run", true, nil
	}

	e.record(*run, protocol.EventToolCall, protocol.ToolCallPayload{
		RunID: run.RunID, ToolName: delegateToolName, Args: json.RawMessage(call.Args),
	})
	wait := true
	if p.Wait != nil {
		wait = *p.Wait
	}
	result, delegateErr := e.Workers.Delegate(ctx, run, p.Role, p.Task, wait)
	if delegateErr != nil {
		e.record(*run, protocol.EventToolResult, protocol.ToolResultPayload{
			RunID: run.RunID, ToolName: delegateToolName, OK: false, Error: delegateErr.Error(),
		})
		return delegateErr.Error(), true, nil
	}
	e.record(*run, protocol.EventToolResult, protocol.ToolResultPayload{
		RunID: run.RunID, ToolName: delegateToolName, OK: true, Result: result,
	})
	encoded, _ := json.Marshal(result)
	return string(encoded), false, nil
}

func (e *Executor) finishDone(ctx context.Context, run Run, assistantText string, usage *protocol.Usage) (protocol.RunState, error) {
	// A stop that lands between the last chunk and run.final still wins.
	if e.stopRequested(run.RunID) {
		return e.finishStoppedWithReason(ctx, run, "stop requested")
	}
	finished, err := e.Store.Finish(ctx, run.RunID, protocol.RunDone, assistantText, "", "")
	if err != nil {
		// A stop may have moved the run to stopping between the check above
		// and the transition; it wins.
		if e.stopRequested(run.RunID) {
			return e.finishStoppedWithReason(ctx, run, "stop requested")
		}
		return finished.State, err
	}
	e.record(finished, protocol.EventRunFinal, protocol.RunFinalPayload{
		RunID: run.RunID, State: protocol.RunDone, Usage: usage,
	})
	e.ingest(run, assistantText)
	return protocol.RunDone, nil
}

func (e *Executor) finishFailed(ctx context.Context, run Run, cause error) (protocol.RunState, error) {
	finished, err := e.Store.Finish(ctx, run.RunID, protocol.RunFailed, "", cause.Error(), "")
	if err != nil {
		if e.stopRequested(run.RunID) {
			return e.finishStoppedWithReason(ctx, run, "stop requested")
		}
		return finished.State, err
	}
	e.record(finished, protocol.EventRunFinal, protocol.RunFinalPayload{
		RunID: run.RunID, State: protocol.RunFailed, Error: cause.Error(), ErrorKind: protocol.ErrorKind(cause),
	})
	return protocol.RunFailed, cause
}

func (e *Executor) finishStopped(ctx context.Context, run Run, reason string) error {
	_, err := e.finishStoppedWithReason(ctx, run, reason)
	return err
}

func (e *Executor) finishStoppedWithReason(ctx context.Context, run Run, reason string) (protocol.RunState, error) {
	finished, err := e.Store.Finish(ctx, run.RunID, protocol.RunStopped, "", "", reason)
	if err != nil {
		return finished.State, err
	}
	e.record(finished, protocol.EventRunStatus, protocol.RunStatusPayload{RunID: run.RunID, Status: protocol.RunStopped})
	e.record(finished, protocol.EventRunFinal, protocol.RunFinalPayload{
		RunID: run.RunID, State: protocol.RunStopped, StopReason: reason,
	})
	return protocol.RunStopped, nil
}

func (e *Executor) ingest(run Run, assistantText string) {
	if e.Memory == nil {
		return
	}
	// Ingestion runs after run.final on a fresh context; the run is done.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	changes, err := e.Memory.Ingest(ctx, run.RunID, run.Origin, run.InputText, assistantText)
	if err != nil {
		e.logger().Warn("memory ingest", "run_id", run.RunID, "error", err)
		return
	}
	for _, c := range changes {
		e.record(run, c.Kind, protocol.MemoryChangePayload{ItemID: c.Item.ItemID, Text: c.Item.Text, RunID: run.RunID})
	}
}

func toolArgsForPolicy(call llm.ToolCall) string {
	if call.Name == "shell_run" {
		return tools.ShellCommand(call.Args)
	}
	return string(call.Args)
}
