package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/agentblob/agentblob/internal/protocol"
)

// Filter selects log entries during a Scan. Zero values match everything.
type Filter struct {
	RunID string
	Kind  string
	Limit int
}

func (f Filter) match(e protocol.LogEntry) bool {
	if f.RunID != "" && e.RunID != f.RunID {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	return true
}

// Scan returns entries with seq >= fromSeq matching the filter, in seq order.
// Archived segments are read without the lock; the active segment is read
// under a shared lock so rotation cannot move it mid-read.
func (l *Log) Scan(filter Filter, fromSeq uint64) ([]protocol.LogEntry, error) {
	var out []protocol.LogEntry
	for _, p := range l.archivePaths() {
		entries, err := scanFile(p, filter, fromSeq, filter.Limit-len(out))
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			return out[:filter.Limit], nil
		}
	}

	l.mu.RLock()
	// Flush so the read sees every appended record.
	_ = l.writer.Flush()
	entries, err := scanFile(filepath.Join(l.dir, activeName), filter, fromSeq, filter.Limit-len(out))
	l.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	out = append(out, entries...)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func scanFile(path string, filter Filter, fromSeq uint64, remaining int) ([]protocol.LogEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open segment %s: %w", path, err)
	}
	defer f.Close()

	var out []protocol.LogEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var entry protocol.LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if entry.Seq < fromSeq || !filter.match(entry) {
			continue
		}
		out = append(out, entry)
		if filter.Limit > 0 && remaining > 0 && len(out) >= remaining {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan segment %s: %w", path, err)
	}
	return out, nil
}
