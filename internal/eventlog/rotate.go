package eventlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// rotateLocked renames the active segment into archives/ and starts a fresh
// one. Callers hold the write lock.
func (l *Log) rotateLocked() error {
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("flush before rotate: %w", err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close before rotate: %w", err)
	}

	stamp := l.nowFn().Format("20060102_150405.000000000")
	stamp = strings.ReplaceAll(stamp, ".", "_")
	dst := filepath.Join(l.dir, "archives", "events_"+stamp+".jsonl")
	if err := os.Rename(filepath.Join(l.dir, activeName), dst); err != nil {
		return fmt.Errorf("archive segment: %w", err)
	}
	return l.openActive()
}

// Prune removes archives older than KeepDays or beyond KeepMaxFiles,
// newest-first. Returns the number of removed files.
func (l *Log) Prune() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	paths := l.archivePaths()
	type archived struct {
		path string
		mod  time.Time
	}
	var files []archived
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		files = append(files, archived{path: p, mod: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.After(files[j].mod) })

	removed := 0
	var cutoff time.Time
	if l.opts.KeepDays > 0 {
		cutoff = l.nowFn().Add(-time.Duration(l.opts.KeepDays) * 24 * time.Hour)
	}
	kept := 0
	for _, f := range files {
		expired := !cutoff.IsZero() && f.mod.Before(cutoff)
		overflow := l.opts.KeepMaxFiles > 0 && kept >= l.opts.KeepMaxFiles
		if expired || overflow {
			if err := os.Remove(f.path); err == nil {
				removed++
			}
			continue
		}
		kept++
	}
	return removed, nil
}

// archivePaths returns archives ordered oldest-first by name; the timestamp
// naming makes lexical order chronological.
func (l *Log) archivePaths() []string {
	matches, err := filepath.Glob(filepath.Join(l.dir, "archives", "events_*.jsonl"))
	if err != nil {
		return nil
	}
	sort.Strings(matches)
	return matches
}
