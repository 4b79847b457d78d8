package llm

import (
	"context"
	"encoding/json"
	"testing"
)

func TestConvertMessagesRoles(t *testing.T) {
	msgs, err := convertMessages([]Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello", ToolCalls: []ToolCall{
			{ID: "call_1", Name: "shell_run", Args: json.RawMessage(`{"cmd":"ls"}`)},
		}},
		{Role: "user", ToolResults: []ToolResult{
			{ToolCallID: "call_1", Content: `{"code":0}`},
		}},
		{Role: "user"}, // empty messages are dropped
	})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[1].Role != "assistant" {
		t.Fatalf("expected assistant role, got %s", msgs[1].Role)
	}
}

func TestConvertMessagesRejectsBadToolArgs(t *testing.T) {
	_, err := convertMessages([]Message{
		{Role: "assistant", ToolCalls: []ToolCall{
			{ID: "call_1", Name: "x", Args: json.RawMessage(`not json`)},
		}},
	})
	if err == nil {
		t.Fatalf("expected invalid tool args to error")
	}
}

func TestConvertTools(t *testing.T) {
	out, err := convertTools([]ToolSchema{{
		Name:        "shell_run",
		Description: "run a command",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"cmd": map[string]any{"type": "string"}},
			"required":   []string{"cmd"},
		},
	}})
	if err != nil {
		t.Fatalf("convert tools: %v", err)
	}
	if len(out) != 1 || out[0].OfTool == nil {
		t.Fatalf("unexpected tool conversion %v", out)
	}
	if out[0].OfTool.Name != "shell_run" {
		t.Fatalf("unexpected tool name %s", out[0].OfTool.Name)
	}
}

type staticProvider struct{}

func (staticProvider) Complete(ctx context.Context, req Request) (<-chan Chunk, error) {
	ch := make(chan Chunk, 3)
	ch <- Chunk{Text: "a"}
	ch <- Chunk{Text: "b"}
	ch <- Chunk{Done: true}
	close(ch)
	return ch, nil
}

func TestCompleteTextConcatenates(t *testing.T) {
	out, err := CompleteText(context.Background(), staticProvider{}, Request{})
	if err != nil {
		t.Fatalf("complete text: %v", err)
	}
	if out != "ab" {
		t.Fatalf("unexpected output %q", out)
	}
}
