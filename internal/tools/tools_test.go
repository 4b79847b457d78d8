package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func invoke(t *testing.T, def Definition, args string) map[string]any {
	t.Helper()
	result, err := def.Invoke(context.Background(), json.RawMessage(args))
	if err != nil {
		t.Fatalf("invoke %s: %v", def.Name, err)
	}
	out, ok := result.(map[string]any)
	if !ok {
		t.Fatalf("unexpected result type %T", result)
	}
	return out
}

func findTool(t *testing.T, defs []Definition, name string) Definition {
	t.Helper()
	for _, d := range defs {
		if d.Name == name {
			return d
		}
	}
	t.Fatalf("tool %s not found", name)
	return Definition{}
}

func TestRegistrySchemasSorted(t *testing.T) {
	r := NewRegistry(
		Definition{Name: "zeta", Capability: "z", InputSchema: map[string]any{}},
		Definition{Name: "alpha", Capability: "a", InputSchema: map[string]any{}},
	)
	schemas := r.Schemas()
	if len(schemas) != 2 || schemas[0].Name != "alpha" || schemas[1].Name != "zeta" {
		t.Fatalf("expected sorted schemas, got %v", schemas)
	}
}

func TestFilesystemReadWriteList(t *testing.T) {
	root := t.TempDir()
	defs := FilesystemTools(root)

	write := findTool(t, defs, "filesystem_write")
	invoke(t, write, `{"path":"notes/hello.txt","content":"hi there"}`)

	read := findTool(t, defs, "filesystem_read")
	out := invoke(t, read, `{"path":"notes/hello.txt"}`)
	if out["content"] != "hi there" {
		t.Fatalf("unexpected content %v", out["content"])
	}

	list := findTool(t, defs, "filesystem_list")
	out = invoke(t, list, `{"path":"notes"}`)
	entries := out["entries"].([]string)
	if len(entries) != 1 || entries[0] != "hello.txt" {
		t.Fatalf("unexpected entries %v", entries)
	}
}

func TestFilesystemRejectsEscape(t *testing.T) {
	root := t.TempDir()
	outside := filepath.Join(filepath.Dir(root), "outside.txt")
	if err := os.WriteFile(outside, []byte("secret"), 0o644); err != nil {
		t.Fatalf("seed outside file: %v", err)
	}
	read := findTool(t, FilesystemTools(root), "filesystem_read")
	if _, err := read.Invoke(context.Background(), json.RawMessage(`{"path":"../outside.txt"}`)); err == nil {
		t.Fatalf("expected escape to be rejected")
	}
}

func TestShellToolRunsCommand(t *testing.T) {
	def := ShellTool(10 * time.Second)
	out := invoke(t, def, `{"cmd":"echo hi"}`)
	if out["stdout"] != "hi\n" {
		t.Fatalf("unexpected stdout %q", out["stdout"])
	}
	if out["code"] != 0 {
		t.Fatalf("unexpected exit code %v", out["code"])
	}
}

func TestShellToolNonZeroExit(t *testing.T) {
	def := ShellTool(10 * time.Second)
	out := invoke(t, def, `{"cmd":"exit 3"}`)
	if out["code"] != 3 {
		t.Fatalf("expected exit code 3, got %v", out["code"])
	}
}

func TestShellToolTimeout(t *testing.T) {
	def := ShellTool(100 * time.Millisecond)
	if _, err := def.Invoke(context.Background(), json.RawMessage(`{"cmd":"sleep 5"}`)); err == nil {
		t.Fatalf("expected timeout error")
	}
}

func TestShellCommandExtraction(t *testing.T) {
	if got := ShellCommand(json.RawMessage(`{"cmd":"echo hi"}`)); got != "echo hi" {
		t.Fatalf("unexpected command %q", got)
	}
	if got := ShellCommand(json.RawMessage(`not json`)); got != "" {
		t.Fatalf("expected empty command for bad args, got %q", got)
	}
}

func TestPreviewFor(t *testing.T) {
	r := NewRegistry(ShellTool(time.Second))
	if got := r.PreviewFor("shell_run", json.RawMessage(`{"cmd":"echo hi"}`)); got != "echo hi" {
		t.Fatalf("unexpected preview %q", got)
	}
	raw := json.RawMessage(`{"x":1}`)
	if got := r.PreviewFor("unknown", raw); got != string(raw) {
		t.Fatalf("unknown tools fall back to raw args, got %q", got)
	}
}
