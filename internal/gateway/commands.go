package gateway

import (
	"context"
	"fmt"
	"strings"
)

// runCommand handles the gateway-intercepted "/" commands. Clients forward
// user text verbatim; the interception happens here, never client-side.
func (g *Server) runCommand(ctx context.Context, channel, input string) string {
	command, rest, _ := strings.Cut(input, " ")
	rest = strings.TrimSpace(rest)

	switch command {
	case "/help":
		return strings.TrimSpace(`
Commands:
  /status            gateway and session status
  /memory <query>    search long-term memory
  /schedules         list schedules
  /workers           list recent workers
  /help              this text`)
	case "/status":
		status := g.Status()
		var b strings.Builder
		fmt.Fprintf(&b, "gateway %v, up %vs, %v connection(s)\n", status["version"], status["uptimeS"], status["connections"])
		sessions, _ := status["sessions"].([]SessionStatus)
		fmt.Fprintf(&b, "sessions: %d\n", len(sessions))
		for _, s := range sessions {
			fmt.Fprintf(&b, "- %s queue=%d active=%s\n", s.SessionID, s.QueueDepth, orDash(s.ActiveRunID))
		}
		return strings.TrimSpace(b.String())
	case "/memory":
		if rest == "" {
			return "usage: /memory <query>"
		}
		items, err := g.Memory.Search(ctx, rest, 10)
		if err != nil {
			return "memory search failed: " + err.Error()
		}
		if len(items) == 0 {
			return "no matches"
		}
		var b strings.Builder
		for _, item := range items {
			fmt.Fprintf(&b, "- [%s] %s\n", item.ItemID[:8], item.Text)
		}
		return strings.TrimSpace(b.String())
	case "/schedules":
		schedules := g.Schedules.List()
		if len(schedules) == 0 {
			return "no schedules"
		}
		var b strings.Builder
		for _, s := range schedules {
			state := "enabled"
			if !s.Enabled {
				state = "disabled"
			}
			fmt.Fprintf(&b, "- %s (%s %s, %s) next=%s\n", s.ID, s.Kind, s.Spec, state, s.NextRunAt.Format("2006-01-02 15:04:05"))
		}
		return strings.TrimSpace(b.String())
	case "/workers":
		workers := g.Workers.List()
		if len(workers) == 0 {
			return "no workers"
		}
		var b strings.Builder
		for _, w := range workers {
			fmt.Fprintf(&b, "- %s role=%s state=%s parent=%s\n", w.WorkerID, w.Role, w.State, w.ParentRunID)
		}
		return strings.TrimSpace(b.String())
	}
	return fmt.Sprintf("unknown command %s (try /help)", command)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
