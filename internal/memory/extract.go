package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentblob/agentblob/internal/llm"
)

const extractorSystemPrompt = `You extract durable long-term memory for a personal AI assistant.
Only extract items that will still matter later.
Prefer: facts, preferences, decisions, project constraints, commitments, recurring routines.
Avoid: greetings, temporary chatter, and one-off execution noise.
Return JSON only with this schema:
{ "memories": [ { "text": "string", "context": "string", "importance": 1, "tags": ["string"] } ] }
importance must be 1-10.`

// Extractor turns a completed exchange into memory candidates via the LLM.
type Extractor struct {
	Provider      llm.Provider
	Model         string
	ImportanceMin float64 // [0,1]
}

// Extract returns candidates above the importance floor. Short exchanges are
// skipped; they rarely carry durable facts.
func (e *Extractor) Extract(ctx context.Context, userText, assistantText string) ([]Candidate, error) {
	if e.Provider == nil {
		return nil, nil
	}
	if len(strings.TrimSpace(userText)) < 8 || len(strings.TrimSpace(assistantText)) < 8 {
		return nil, nil
	}

	prompt := fmt.Sprintf("Extract durable memories from this exchange.\n\nUSER:\n%s\n\nASSISTANT:\n%s\n", userText, assistantText)
	raw, err := llm.CompleteText(ctx, e.Provider, llm.Request{
		Model:  e.Model,
		System: extractorSystemPrompt,
		Messages: []llm.Message{
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("extract memories: %w", err)
	}
	return e.parse(raw), nil
}

func (e *Extractor) parse(raw string) []Candidate {
	raw = trimToJSON(raw)
	var decoded struct {
		Memories []struct {
			Text       string   `json:"text"`
			Context    string   `json:"context"`
			Importance float64  `json:"importance"`
			Tags       []string `json:"tags"`
		} `json:"memories"`
	}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil
	}
	var out []Candidate
	for _, m := range decoded.Memories {
		text := strings.TrimSpace(m.Text)
		if text == "" {
			continue
		}
		importance := m.Importance / 10
		if importance > 1 {
			importance = 1
		}
		if importance < e.ImportanceMin {
			continue
		}
		out = append(out, Candidate{
			Text:       text,
			Context:    strings.TrimSpace(m.Context),
			Importance: importance,
			Tags:       m.Tags,
		})
	}
	return out
}

// trimToJSON strips prose or fencing around the first top-level JSON object.
func trimToJSON(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return raw
	}
	return raw[start : end+1]
}
