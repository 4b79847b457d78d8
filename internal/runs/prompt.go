package runs

import (
	"context"
	"fmt"
	"strings"
)

const basePrompt = "You are Agent Blob, a helpful always-on master AI. Be concise and actionable."

// buildSystemPrompt composes the base prompt, skill fragments, and the memory
// packet for this run's origin.
func (e *Executor) buildSystemPrompt(ctx context.Context, run Run) (string, error) {
	var b strings.Builder
	if e.SystemPrompt != "" {
		b.WriteString(e.SystemPrompt)
	} else {
		b.WriteString(basePrompt)
	}
	if e.ExtraInstructions != "" {
		b.WriteString("\n\n")
		b.WriteString(e.ExtraInstructions)
	}
	if e.SkillsPrompt != nil {
		if skills := e.SkillsPrompt(); skills != "" {
			b.WriteString("\n\n# Skills\n")
			b.WriteString(skills)
		}
	}
	if e.Memory == nil {
		return b.String(), nil
	}

	pkt, err := e.Memory.BuildPacket(ctx, run.Origin, run.InputText)
	if err != nil {
		return "", fmt.Errorf("build memory packet: %w", err)
	}
	if len(pkt.Pinned) > 0 {
		b.WriteString("\n\n# Pinned memory (authoritative)\n")
		for _, item := range pkt.Pinned {
			fmt.Fprintf(&b, "- %s\n", item.Text)
		}
	}
	if len(pkt.Items) > 0 {
		b.WriteString("\n# Potentially relevant past notes (may be partial)\n")
		for _, item := range pkt.Items {
			fmt.Fprintf(&b, "- %s\n", item.Text)
		}
	}
	if len(pkt.RecentTurns) > 0 {
		b.WriteString("\n# Recent conversation\n")
		for _, turn := range pkt.RecentTurns {
			fmt.Fprintf(&b, "User: %s\nAssistant: %s\n", turn.UserText, turn.AssistantText)
		}
	}
	if len(pkt.RelatedTurns) > 0 {
		b.WriteString("\n# Related past exchanges\n")
		for _, turn := range pkt.RelatedTurns {
			fmt.Fprintf(&b, "User: %s\nAssistant: %s\n", turn.UserText, turn.AssistantText)
		}
	}
	return b.String(), nil
}

// DelegateSchema is the pseudo-tool advertised for worker delegation; the
// executor intercepts it by name instead of dispatching to the registry.
func DelegateSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"role": map[string]any{"type": "string", "description": "Worker role label, e.g. briefing | quant | dev"},
			"task": map[string]any{"type": "string", "description": "The worker job instruction"},
			"wait": map[string]any{"type": "boolean", "description": "Wait for the worker result (default true)"},
		},
		"required": []string{"role", "task"},
	}
}
