package runs

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentblob/agentblob/internal/protocol"
	"github.com/agentblob/agentblob/internal/scheduler"
)

// StatusIntrospector answers "what's running" / "what's scheduled" questions
// from the stores without an LLM round trip.
type StatusIntrospector struct {
	Runs      *Store
	Schedules *scheduler.Store
}

var taskPhrases = []string{
	"what tasks", "tasks running", "what are you doing", "what's running",
	"what are you working", "background tasks",
}

var schedulePhrases = []string{
	"scheduled", "schedule", "reminders", "what's scheduled",
}

func (si *StatusIntrospector) Answer(ctx context.Context, input string) (string, bool) {
	q := strings.ToLower(input)
	wantsTasks := containsAny(q, taskPhrases)
	wantsSchedules := containsAny(q, schedulePhrases)
	if !wantsTasks && !wantsSchedules {
		return "", false
	}

	var b strings.Builder
	if wantsTasks && si.Runs != nil {
		var active []Run
		for _, state := range []protocol.RunState{protocol.RunQueued, protocol.RunRunning, protocol.RunWaitingPermission, protocol.RunStopping} {
			items, err := si.Runs.List(ctx, ListFilter{State: state, Limit: 20})
			if err != nil {
				continue
			}
			active = append(active, items...)
		}
		fmt.Fprintf(&b, "Active runs: %d\n", len(active))
		for i, run := range active {
			if i >= 10 {
				break
			}
			fmt.Fprintf(&b, "- %s: %s — %s\n", run.RunID, run.State, firstLine(run.InputText))
		}
		if len(active) == 0 {
			b.WriteString("- (none)\n")
		}
	}
	if wantsSchedules && si.Schedules != nil {
		schedules := si.Schedules.List()
		fmt.Fprintf(&b, "Scheduled jobs: %d\n", len(schedules))
		for i, s := range schedules {
			if i >= 10 {
				break
			}
			fmt.Fprintf(&b, "- %s: next_run_at=%s\n", s.ID, s.NextRunAt.Format("2006-01-02 15:04:05 MST"))
		}
		if len(schedules) == 0 {
			b.WriteString("- (none)\n")
		}
	}
	return b.String(), true
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 80 {
		s = s[:80] + "…"
	}
	return s
}
