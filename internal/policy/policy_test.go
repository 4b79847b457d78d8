package policy

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestPrecedenceDenyOverAskOverAllow(t *testing.T) {
	p := New(
		[]string{"shell.run"},
		[]string{"shell.*"},
		[]string{"shell.run ~ curl"},
	)
	if got := p.Check("shell.run", "curl http://x"); got != Deny {
		t.Fatalf("expected deny, got %s", got)
	}
	if got := p.Check("shell.run", "echo hi"); got != Ask {
		t.Fatalf("expected ask (ask class beats allow), got %s", got)
	}
}

func TestUnknownCapabilityDefaultsToAsk(t *testing.T) {
	p := New([]string{"filesystem.read"}, nil, nil)
	if got := p.Check("git.push", ""); got != Ask {
		t.Fatalf("expected ask for unknown capability, got %s", got)
	}
}

func TestGlobPatterns(t *testing.T) {
	p := New([]string{"web.*"}, nil, []string{"memory.delete"})
	if got := p.Check("web.fetch", ""); got != Allow {
		t.Fatalf("expected allow via glob, got %s", got)
	}
	if got := p.Check("memory.delete", ""); got != Deny {
		t.Fatalf("expected deny, got %s", got)
	}
}

func TestShellWriteReclassification(t *testing.T) {
	p := New([]string{"shell.run"}, []string{"shell.write"}, nil)
	cases := []struct {
		command string
		want    Decision
	}{
		{"echo hi", Allow},
		{"echo hi > tmp/test.txt", Ask},
		{"echo hi >> log.txt", Ask},
		{"ls | tee out.txt", Ask},
		{"sed -i s/a/b/ file.txt", Ask},
		{"rm -rf build", Ask},
		{"grep teeth file.txt", Allow},
		{"git rm --cached f", Ask},
	}
	for _, tc := range cases {
		if got := p.Check("shell.run", tc.command); got != tc.want {
			t.Fatalf("command %q: got %s want %s", tc.command, got, tc.want)
		}
	}
}

func TestWithDecisionMovesCapability(t *testing.T) {
	p := New(nil, []string{"shell.run"}, nil)
	next := p.WithDecision("shell.run", Allow)
	if got := next.Check("shell.run", "echo hi"); got != Allow {
		t.Fatalf("expected allow after remember, got %s", got)
	}
	// Original snapshot is unchanged.
	if got := p.Check("shell.run", "echo hi"); got != Ask {
		t.Fatalf("expected original snapshot to still ask, got %s", got)
	}
}

func TestPersistRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent_blob.yaml")
	seed := "permissions:\n  ask: [\"shell.run\"]\nscheduler:\n  timezone: UTC\n"
	if err := os.WriteFile(path, []byte(seed), 0o644); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	if err := Persist(path, "shell.run", Allow); err != nil {
		t.Fatalf("persist: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	var doc struct {
		Permissions struct {
			Allow []string `yaml:"allow"`
			Ask   []string `yaml:"ask"`
		} `yaml:"permissions"`
		Scheduler struct {
			Timezone string `yaml:"timezone"`
		} `yaml:"scheduler"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(doc.Permissions.Allow) != 1 || doc.Permissions.Allow[0] != "shell.run" {
		t.Fatalf("expected shell.run in allow, got %v", doc.Permissions.Allow)
	}
	if len(doc.Permissions.Ask) != 0 {
		t.Fatalf("expected shell.run removed from ask, got %v", doc.Permissions.Ask)
	}
	if doc.Scheduler.Timezone != "UTC" {
		t.Fatalf("unrelated config lost: %+v", doc)
	}
}
