package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentblob/agentblob/internal/memory"
)

// MemoryAPI is the slice of the memory service the tools need.
type MemoryAPI interface {
	Search(ctx context.Context, query string, limit int) ([]memory.Item, error)
	ListRecent(ctx context.Context, limit int) ([]memory.Item, error)
	Delete(ctx context.Context, runID, itemID string) (*memory.Change, error)
	Pin(text string) (memory.PinnedItem, bool, error)
}

// MemoryTools exposes search/pin/delete to the model. Deletion carries an
// ask-default capability so the store is never cleared without an explicit
// human decision; the constraint lives here at the tool layer, not in the
// store.
func MemoryTools(api MemoryAPI) []Definition {
	return []Definition{
		{
			Name:        "memory_search",
			Capability:  "memory.search",
			Description: "Search long-term memory for relevant facts",
			InputSchema: objectSchema([]string{"query"}, map[string]any{
				"query": map[string]any{"type": "string"},
				"limit": map[string]any{"type": "integer", "default": 5},
			}),
			Invoke: func(ctx context.Context, args json.RawMessage) (any, error) {
				var p struct {
					Query string `json:"query"`
					Limit int    `json:"limit"`
				}
				if err := decodeArgs(args, &p); err != nil {
					return nil, err
				}
				if p.Limit <= 0 {
					p.Limit = 5
				}
				items, err := api.Search(ctx, p.Query, p.Limit)
				if err != nil {
					return nil, fmt.Errorf("memory search: %w", err)
				}
				return map[string]any{"items": items}, nil
			},
		},
		{
			Name:        "memory_pin",
			Capability:  "memory.pin",
			Description: "Pin a fact into always-loaded memory",
			InputSchema: objectSchema([]string{"text"}, map[string]any{
				"text": map[string]any{"type": "string"},
			}),
			Invoke: func(ctx context.Context, args json.RawMessage) (any, error) {
				var p struct {
					Text string `json:"text"`
				}
				if err := decodeArgs(args, &p); err != nil {
					return nil, err
				}
				item, created, err := api.Pin(p.Text)
				if err != nil {
					return nil, fmt.Errorf("pin: %w", err)
				}
				return map[string]any{"itemId": item.ItemID, "created": created}, nil
			},
		},
		{
			Name:        "memory_delete",
			Capability:  "memory.delete",
			Description: "Delete a long-term memory item by id; requires explicit user approval",
			InputSchema: objectSchema([]string{"item_id"}, map[string]any{
				"item_id": map[string]any{"type": "string"},
			}),
			Invoke: func(ctx context.Context, args json.RawMessage) (any, error) {
				var p struct {
					ItemID string `json:"item_id"`
				}
				if err := decodeArgs(args, &p); err != nil {
					return nil, err
				}
				change, err := api.Delete(ctx, "", p.ItemID)
				if err != nil {
					return nil, fmt.Errorf("delete: %w", err)
				}
				return map[string]any{"deleted": change != nil}, nil
			},
			Preview: func(args json.RawMessage) string {
				var p struct {
					ItemID string `json:"item_id"`
				}
				if err := json.Unmarshal(args, &p); err != nil {
					return string(args)
				}
				return "delete memory item " + p.ItemID
			},
		},
	}
}
