// Package tools maps tool names to capability labels, input schemas, and
// invoke functions. The schemas advertised to the LLM are built from this
// table; the executor routes every invocation through the permission broker
// using the capability label, never the tool name.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/agentblob/agentblob/internal/llm"
)

// InvokeFunc executes a tool. Errors are returned to the model as structured
// failure results, not raised.
type InvokeFunc func(ctx context.Context, args json.RawMessage) (any, error)

type Definition struct {
	Name        string
	Capability  string
	Description string
	InputSchema map[string]any
	Invoke      InvokeFunc

	// Preview renders the human-facing approval preview for an invocation.
	// Nil means the raw argument JSON is shown.
	Preview func(args json.RawMessage) string
}

type Registry struct {
	defs map[string]Definition
}

func NewRegistry(defs ...Definition) *Registry {
	r := &Registry{defs: map[string]Definition{}}
	for _, d := range defs {
		r.Register(d)
	}
	return r
}

func (r *Registry) Register(d Definition) {
	if d.Name == "" {
		return
	}
	r.defs[d.Name] = d
}

func (r *Registry) Get(name string) (Definition, bool) {
	d, ok := r.defs[name]
	return d, ok
}

// Schemas returns the tool schema set exposed to the provider, sorted by name
// so prompts are stable across restarts.
func (r *Registry) Schemas() []llm.ToolSchema {
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]llm.ToolSchema, 0, len(names))
	for _, name := range names {
		d := r.defs[name]
		out = append(out, llm.ToolSchema{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
		})
	}
	return out
}

// PreviewFor renders the permission preview for a call.
func (r *Registry) PreviewFor(name string, args json.RawMessage) string {
	d, ok := r.defs[name]
	if !ok || d.Preview == nil {
		return string(args)
	}
	return d.Preview(args)
}

func objectSchema(required []string, props map[string]any) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 {
		return fmt.Errorf("missing arguments")
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
