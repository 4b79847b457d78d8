// Package skills loads prompt fragments from configured directories.
package skills

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Skill struct {
	Name string
	Text string
}

// Load reads .md and .txt files from dirs, sorted by name. Missing
// directories are skipped; skills are additive, never required.
func Load(dirs []string) []Skill {
	var out []Skill
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			name := entry.Name()
			ext := filepath.Ext(name)
			if ext != ".md" && ext != ".txt" {
				continue
			}
			data, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				continue
			}
			out = append(out, Skill{
				Name: strings.TrimSuffix(name, ext),
				Text: strings.TrimSpace(string(data)),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Prompt renders the loaded skills into one fragment capped at maxChars.
func Prompt(dirs []string, maxChars int) string {
	if maxChars <= 0 {
		maxChars = 8000
	}
	var b strings.Builder
	for _, skill := range Load(dirs) {
		section := "## " + skill.Name + "\n" + skill.Text + "\n\n"
		if b.Len()+len(section) > maxChars {
			break
		}
		b.WriteString(section)
	}
	return strings.TrimSpace(b.String())
}
