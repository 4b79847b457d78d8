package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const maxReadBytes = 256 * 1024

// FilesystemTools returns read/list/write tools rooted at root. Paths that
// escape the root are rejected before any policy check runs.
func FilesystemTools(root string) []Definition {
	return []Definition{
		{
			Name:        "filesystem_read",
			Capability:  "filesystem.read",
			Description: "Read a text file and return its contents",
			InputSchema: objectSchema([]string{"path"}, map[string]any{
				"path": map[string]any{"type": "string", "description": "File path"},
			}),
			Invoke: func(ctx context.Context, args json.RawMessage) (any, error) {
				var p struct {
					Path string `json:"path"`
				}
				if err := decodeArgs(args, &p); err != nil {
					return nil, err
				}
				path, err := resolveWithin(root, p.Path)
				if err != nil {
					return nil, err
				}
				data, err := os.ReadFile(path)
				if err != nil {
					return nil, fmt.Errorf("read %s: %w", p.Path, err)
				}
				truncated := false
				if len(data) > maxReadBytes {
					data = data[:maxReadBytes]
					truncated = true
				}
				return map[string]any{"content": string(data), "truncated": truncated}, nil
			},
			Preview: pathPreview,
		},
		{
			Name:        "filesystem_list",
			Capability:  "filesystem.list",
			Description: "List directory entries",
			InputSchema: objectSchema([]string{"path"}, map[string]any{
				"path": map[string]any{"type": "string", "description": "Directory path"},
			}),
			Invoke: func(ctx context.Context, args json.RawMessage) (any, error) {
				var p struct {
					Path string `json:"path"`
				}
				if err := decodeArgs(args, &p); err != nil {
					return nil, err
				}
				path, err := resolveWithin(root, p.Path)
				if err != nil {
					return nil, err
				}
				entries, err := os.ReadDir(path)
				if err != nil {
					return nil, fmt.Errorf("list %s: %w", p.Path, err)
				}
				var names []string
				for _, e := range entries {
					name := e.Name()
					if e.IsDir() {
						name += "/"
					}
					names = append(names, name)
				}
				return map[string]any{"entries": names}, nil
			},
			Preview: pathPreview,
		},
		{
			Name:        "filesystem_write",
			Capability:  "filesystem.write",
			Description: "Write content to a file, creating parent directories",
			InputSchema: objectSchema([]string{"path", "content"}, map[string]any{
				"path":    map[string]any{"type": "string"},
				"content": map[string]any{"type": "string"},
			}),
			Invoke: func(ctx context.Context, args json.RawMessage) (any, error) {
				var p struct {
					Path    string `json:"path"`
					Content string `json:"content"`
				}
				if err := decodeArgs(args, &p); err != nil {
					return nil, err
				}
				path, err := resolveWithin(root, p.Path)
				if err != nil {
					return nil, err
				}
				if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
					return nil, fmt.Errorf("create parent dirs: %w", err)
				}
				if err := os.WriteFile(path, []byte(p.Content), 0o644); err != nil {
					return nil, fmt.Errorf("write %s: %w", p.Path, err)
				}
				return map[string]any{"bytes": len(p.Content)}, nil
			},
			Preview: func(args json.RawMessage) string {
				var p struct {
					Path    string `json:"path"`
					Content string `json:"content"`
				}
				if err := json.Unmarshal(args, &p); err != nil {
					return string(args)
				}
				content := p.Content
				if len(content) > 400 {
					content = content[:400] + "…"
				}
				return fmt.Sprintf("write %s:\n%s", p.Path, content)
			},
		},
	}
}

func pathPreview(args json.RawMessage) string {
	var p struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return string(args)
	}
	return p.Path
}

// resolveWithin joins path under root and rejects escapes.
func resolveWithin(root, path string) (string, error) {
	if root == "" {
		root = "."
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	joined := path
	if !filepath.IsAbs(joined) {
		joined = filepath.Join(absRoot, path)
	}
	resolved, err := filepath.Abs(joined)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if resolved != absRoot && !strings.HasPrefix(resolved, absRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes allowed root", path)
	}
	return resolved, nil
}
