// Package gateway accepts client connections, routes requests into
// per-session FIFO queues, and fans run events back to the originating
// channel only.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentblob/agentblob/internal/config"
	"github.com/agentblob/agentblob/internal/eventlog"
	"github.com/agentblob/agentblob/internal/idgen"
	"github.com/agentblob/agentblob/internal/memory"
	"github.com/agentblob/agentblob/internal/permission"
	"github.com/agentblob/agentblob/internal/policy"
	"github.com/agentblob/agentblob/internal/protocol"
	"github.com/agentblob/agentblob/internal/runs"
	"github.com/agentblob/agentblob/internal/scheduler"
	"github.com/agentblob/agentblob/internal/worker"
)

const replayWindow = 512

// EventSink receives events for one channel. WebSocket connections and chat
// adapters both implement it.
type EventSink interface {
	SendEvent(ev protocol.Event) error
}

// Server owns connections and sessions.
type Server struct {
	Cfg        config.Config
	ConfigPath string
	Exec       *runs.Executor
	RunStore   *runs.Store
	Broker     *permission.Broker
	Memory     *memory.Service
	Schedules  *scheduler.Store
	Workers    *worker.Manager
	Log        *eventlog.Log
	Logger     *slog.Logger
	Version    string
	StartedAt  time.Time

	mu       sync.Mutex
	sinks    map[string]EventSink
	sessions map[string]*Session

	baseCtx context.Context
}

func (g *Server) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

// Start wires the server's background lifetime; session loops attach to it.
func (g *Server) Start(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.baseCtx = ctx
	if g.sinks == nil {
		g.sinks = map[string]EventSink{}
	}
	if g.sessions == nil {
		g.sessions = map[string]*Session{}
	}
}

// Emit delivers an event to its channel's sink. Absent sinks drop silently;
// the log retains the event for replay.
func (g *Server) Emit(channel string, ev protocol.Event) {
	if channel == "" {
		return
	}
	g.mu.Lock()
	sink := g.sinks[channel]
	g.mu.Unlock()
	if sink == nil {
		return
	}
	if err := sink.SendEvent(ev); err != nil {
		g.logger().Debug("event send failed", "channel", channel, "error", err)
		g.DetachSink(channel, sink)
	}
}

// AttachSink binds a channel id to a sink, replacing any previous binding,
// and re-emits still-pending permission prompts for that channel (plus
// prompts raised by channel-less scheduled runs).
func (g *Server) AttachSink(channel string, sink EventSink) {
	g.mu.Lock()
	g.sinks[channel] = sink
	g.mu.Unlock()

	pending := g.Broker.PendingForChannel(channel)
	pending = append(pending, g.Broker.PendingForChannel("")...)
	for _, req := range pending {
		_ = sink.SendEvent(protocol.NewEvent(protocol.EventRunStatus, protocol.RunStatusPayload{
			RunID: req.RunID, Status: protocol.RunWaitingPermission,
		}))
		_ = sink.SendEvent(protocol.NewEvent(protocol.EventPermissionRequest, protocol.PermissionRequestPayload{
			PermID: req.PermID, RunID: req.RunID, Capability: req.Capability, ToolName: req.ToolName, Preview: req.Preview,
		}))
	}
}

// DetachSink removes a binding if it still points at sink.
func (g *Server) DetachSink(channel string, sink EventSink) {
	g.mu.Lock()
	if current, ok := g.sinks[channel]; ok && current == sink {
		delete(g.sinks, channel)
	}
	g.mu.Unlock()
}

// session returns (creating if needed) the session for an id. New sessions
// start their executor loop on the server's base context.
func (g *Server) session(id, channel string) *Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.sessions[id]; ok {
		return s
	}
	s := newSession(id, channel, g.Cfg.Sessions.QueueMax)
	g.sessions[id] = s
	base := g.baseCtx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)
	s.cancel = cancel
	go s.loop(ctx, g.Exec, g.logger().With("session_id", id))
	return s
}

// removeSession tears down a session and its loop goroutine. Used for the
// single-run worker sessions once their run terminates.
func (g *Server) removeSession(id string) {
	g.mu.Lock()
	s := g.sessions[id]
	delete(g.sessions, id)
	g.mu.Unlock()
	if s != nil && s.cancel != nil {
		s.cancel()
	}
}

// AgentRequest admits an interactive run for a channel's session.
func (g *Server) AgentRequest(ctx context.Context, channel, message string) (runID string, position int, err error) {
	sess := g.session("sess_"+channel, channel)
	run := runs.Run{
		RunID:     idgen.RunID(),
		SessionID: sess.ID,
		Channel:   channel,
		Origin:    channel,
		Kind:      protocol.KindInteractive,
		InputText: message,
	}
	position, err = g.admit(ctx, sess, run)
	if err != nil {
		return "", 0, err
	}
	if position > 0 {
		g.Emit(channel, protocol.NewEvent(protocol.EventQueued, protocol.QueuedPayload{RunID: run.RunID, Position: position}))
	}
	return run.RunID, position, nil
}

func (g *Server) admit(ctx context.Context, sess *Session, run runs.Run) (int, error) {
	created, err := g.RunStore.Create(ctx, run)
	if err != nil {
		return 0, err
	}
	position, err := sess.enqueue(created)
	if err != nil {
		// The admission was rejected; the stored row becomes a stopped stub
		// so no orphaned queued run survives.
		_, _ = g.RunStore.Finish(ctx, created.RunID, protocol.RunStopped, "", "", "queue_full")
		return 0, err
	}
	return position, nil
}

// AdmitScheduled implements scheduler.Admitter. Scheduled runs carry no
// channel; their permission prompts queue until a client connects.
func (g *Server) AdmitScheduled(ctx context.Context, scheduleID, prompt string) (string, error) {
	sess := g.session("sess_sched_"+scheduleID, "")
	run := runs.Run{
		RunID:     idgen.RunID(),
		SessionID: sess.ID,
		Origin:    "scheduler:" + scheduleID,
		Kind:      protocol.KindScheduled,
		InputText: prompt,
	}
	if _, err := g.admit(ctx, sess, run); err != nil {
		return "", err
	}
	return run.RunID, nil
}

// RunTerminal implements scheduler.Admitter.
func (g *Server) RunTerminal(runID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.RunStore.Terminal(ctx, runID)
}

// StartWorker implements worker.StartFunc: each worker gets its own session
// so parent and child never serialize against each other.
func (g *Server) StartWorker(ctx context.Context, parent runs.Run, role, task string, depth int) (runs.Run, <-chan worker.Envelope, error) {
	run := runs.Run{
		RunID:     idgen.RunID(),
		SessionID: "sess_worker_" + idgen.WithPrefix("w"),
		Channel:   parent.Channel,
		Origin:    parent.RunID,
		Kind:      protocol.KindWorker,
		InputText: fmt.Sprintf("[worker:%s] %s", role, task),
		Depth:     depth,
	}
	sess := g.session(run.SessionID, parent.Channel)
	if _, err := g.admit(ctx, sess, run); err != nil {
		return runs.Run{}, nil, err
	}

	done := make(chan worker.Envelope, 1)
	go func() {
		defer close(done)
		defer g.removeSession(run.SessionID)
		final := g.awaitTerminal(run.RunID)
		envelope := worker.Envelope{Summary: final.FinalText}
		if final.Error != "" {
			envelope.Errors = append(envelope.Errors, final.Error)
		}
		if final.State == protocol.RunStopped {
			envelope.Errors = append(envelope.Errors, "worker stopped: "+final.StopReason)
		}
		done <- envelope
	}()
	return run, done, nil
}

// awaitTerminal polls the run snapshot until the run finishes. Worker runs
// always terminate (turn timeout bounds them), so the poll is bounded too.
func (g *Server) awaitTerminal(runID string) runs.Run {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		run, err := g.RunStore.Get(ctx, runID)
		cancel()
		if err != nil {
			return runs.Run{RunID: runID, State: protocol.RunFailed, Error: err.Error()}
		}
		if run.State.Terminal() {
			return run
		}
		<-ticker.C
	}
}

// StopRun stops a run; empty runID targets the session's latest active run.
func (g *Server) StopRun(ctx context.Context, channel, runID string) (string, error) {
	if runID == "" {
		g.mu.Lock()
		sess := g.sessions["sess_"+channel]
		g.mu.Unlock()
		if sess == nil {
			return "", fmt.Errorf("no session for channel: %w", protocol.ErrStateConflict)
		}
		runID = sess.ActiveRunID()
		if runID == "" {
			return "", fmt.Errorf("no active run: %w", protocol.ErrStateConflict)
		}
	}
	return runID, g.Exec.Stop(ctx, runID)
}

// PermissionRespond resolves a pending request; duplicates are no-ops. When
// remember is set (and enabled), the decision is persisted into the config
// document and the policy snapshot reloaded.
func (g *Server) PermissionRespond(permID, decision string, remember bool, capability string) bool {
	dec := policy.Ask
	switch decision {
	case "allow":
		dec = policy.Allow
	case "deny":
		dec = policy.Deny
	}
	req, resolved := g.Broker.Respond(permID, dec)
	if !resolved {
		return false
	}
	if remember && g.Cfg.Permissions.Remember {
		capName := capability
		if capName == "" {
			capName = req.Capability
		}
		if capName != "" && g.ConfigPath != "" {
			if err := policy.Persist(g.ConfigPath, capName, dec); err != nil {
				g.logger().Warn("persist permission decision", "capability", capName, "error", err)
			} else {
				g.Broker.SetPolicy(g.Broker.Policy().WithDecision(capName, dec))
			}
		}
	}
	return true
}

// Replay re-sends a channel's events with seq > fromSeq, bounded.
func (g *Server) Replay(ctx context.Context, channel string, fromSeq uint64, sink EventSink) {
	entries, err := g.Log.Scan(eventlog.Filter{Limit: replayWindow * 4}, fromSeq+1)
	if err != nil {
		g.logger().Warn("replay scan", "channel", channel, "error", err)
		return
	}
	channelByRun := map[string]string{}
	sent := 0
	for _, entry := range entries {
		if sent >= replayWindow {
			return
		}
		owner, ok := channelByRun[entry.RunID]
		if !ok {
			run, err := g.RunStore.Get(ctx, entry.RunID)
			if err != nil {
				continue
			}
			owner = run.Channel
			channelByRun[entry.RunID] = owner
		}
		if owner != channel {
			continue
		}
		ev := protocol.NewEvent(entry.Kind, entry.Payload)
		ev.Seq = entry.Seq
		if err := sink.SendEvent(ev); err != nil {
			return
		}
		sent++
	}
}

// SessionStatus is one row of the status payload.
type SessionStatus struct {
	SessionID   string `json:"sessionId"`
	Channel     string `json:"channel,omitempty"`
	QueueDepth  int    `json:"queueDepth"`
	ActiveRunID string `json:"activeRunId,omitempty"`
}

// Status assembles the health payload.
func (g *Server) Status() map[string]any {
	g.mu.Lock()
	sessions := make([]SessionStatus, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, SessionStatus{
			SessionID:   s.ID,
			Channel:     s.Channel,
			QueueDepth:  s.Depth(),
			ActiveRunID: s.active(),
		})
	}
	connections := len(g.sinks)
	g.mu.Unlock()

	return map[string]any{
		"version":     g.Version,
		"uptimeS":     int(time.Since(g.StartedAt).Seconds()),
		"connections": connections,
		"sessions":    sessions,
	}
}
