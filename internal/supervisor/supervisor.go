// Package supervisor runs the background maintenance loop: embedding
// backfill, log archive pruning, permission expiry, and auto-close of stale
// runs. Log rotation itself happens on append, not here.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentblob/agentblob/internal/config"
	"github.com/agentblob/agentblob/internal/eventlog"
	"github.com/agentblob/agentblob/internal/memory"
	"github.com/agentblob/agentblob/internal/permission"
	"github.com/agentblob/agentblob/internal/protocol"
	"github.com/agentblob/agentblob/internal/runs"
)

type Supervisor struct {
	Memory   *memory.Service
	RunStore *runs.Store
	Exec     *runs.Executor
	Broker   *permission.Broker
	Logs     []*eventlog.Log
	Cfg      config.Config
	Logger   *slog.Logger
}

func (s *Supervisor) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Run ticks the supervisor until the context ends.
func (s *Supervisor) Run(ctx context.Context) error {
	interval := s.Cfg.Supervisor.Interval()
	maintenance := s.Cfg.Supervisor.MaintenanceInterval()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	lastMaintenance := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if s.Cfg.Supervisor.Debug {
			s.reportActive(ctx)
		}
		if time.Since(lastMaintenance) >= maintenance {
			lastMaintenance = time.Now()
			s.Maintain(ctx)
		}
	}
}

func (s *Supervisor) reportActive(ctx context.Context) {
	active := 0
	states := []protocol.RunState{protocol.RunQueued, protocol.RunRunning, protocol.RunWaitingPermission, protocol.RunStopping}
	for _, state := range states {
		items, err := s.RunStore.List(ctx, runs.ListFilter{State: state, Limit: 500})
		if err != nil {
			continue
		}
		active += len(items)
	}
	s.logger().Debug("supervisor tick", "active_runs", active)
}

// Maintain performs one maintenance pass.
func (s *Supervisor) Maintain(ctx context.Context) {
	log := s.logger()

	// Expired approvals resolve as deny; their executors emit the responses.
	if expired := s.Broker.Expire(); len(expired) > 0 {
		log.Info("expired permission requests", "count", len(expired))
	}

	// Auto-close idle non-terminal runs. Runs waiting on a human are exempt;
	// StaleOpen never returns them.
	stale, err := s.RunStore.StaleOpen(ctx, s.Cfg.Tasks.AutoCloseAfter())
	if err != nil {
		log.Warn("list stale runs", "error", err)
	}
	for _, run := range stale {
		if err := s.Exec.Stop(ctx, run.RunID); err != nil {
			log.Debug("auto-close stop", "run_id", run.RunID, "error", err)
		}
	}
	if len(stale) > 0 {
		log.Info("auto-closed stale runs", "count", len(stale))
	}

	if removed, err := s.RunStore.PruneTerminal(ctx, s.Cfg.Tasks.KeepDoneDays, s.Cfg.Tasks.KeepDoneMax); err != nil {
		log.Warn("prune terminal runs", "error", err)
	} else if removed > 0 {
		log.Info("pruned terminal runs", "count", removed)
	}

	if s.Memory != nil {
		batch := s.Cfg.Memory.Embeddings.BatchSize
		if embedded, err := s.Memory.EmbedPending(ctx, batch); err != nil {
			// Embedding failures never block retrieval; the items stay in
			// lexical recall until the next pass succeeds.
			log.Warn("embed pending", "error", err)
		} else if embedded > 0 {
			log.Info("embedded memory items", "count", embedded)
		}
		if _, err := s.Memory.Store.PruneTurns(ctx, s.Cfg.Tasks.KeepDoneDays*4); err != nil {
			log.Warn("prune turns", "error", err)
		}
	}

	for _, l := range s.Logs {
		if l == nil {
			continue
		}
		if removed, err := l.Prune(); err != nil {
			log.Warn("prune log archives", "error", err)
		} else if removed > 0 {
			log.Info("pruned log archives", "count", removed)
		}
	}
}
