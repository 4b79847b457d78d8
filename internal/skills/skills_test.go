package skills

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeSkill(t *testing.T, dir, name, text string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(text), 0o644); err != nil {
		t.Fatalf("write skill: %v", err)
	}
}

func TestLoadSortsAndFilters(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "zeta.md", "zeta body")
	writeSkill(t, dir, "alpha.md", "alpha body")
	writeSkill(t, dir, "ignored.json", "{}")

	loaded := Load([]string{dir, filepath.Join(dir, "missing")})
	if len(loaded) != 2 {
		t.Fatalf("expected 2 skills, got %d", len(loaded))
	}
	if loaded[0].Name != "alpha" || loaded[1].Name != "zeta" {
		t.Fatalf("expected sorted skills, got %v", loaded)
	}
}

func TestPromptHonorsCharCap(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "a.md", strings.Repeat("x", 100))
	writeSkill(t, dir, "b.md", strings.Repeat("y", 100))

	prompt := Prompt([]string{dir}, 120)
	if !strings.Contains(prompt, "## a") {
		t.Fatalf("expected first skill in prompt")
	}
	if strings.Contains(prompt, "## b") {
		t.Fatalf("expected second skill dropped by cap")
	}
}
