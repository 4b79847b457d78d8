// Package eventlog is the append-only canonical history of every run.
// Records are JSONL in a single active segment; when the segment grows past
// the size limit it is renamed into an archive directory and a fresh segment
// begins. Seq numbers are globally monotonic across rotations.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentblob/agentblob/internal/protocol"
)

const activeName = "events.jsonl"

type Options struct {
	MaxBytes     int64
	KeepDays     int
	KeepMaxFiles int
}

func DefaultOptions() Options {
	return Options{MaxBytes: 5_000_000, KeepDays: 30, KeepMaxFiles: 50}
}

type Log struct {
	dir  string
	opts Options

	mu      sync.RWMutex
	file    *os.File
	writer  *bufio.Writer
	size    int64
	lastSeq uint64

	nowFn func() time.Time
}

// Open creates the log directory if needed and recovers the last seq from the
// active segment (or the newest archive when the active segment is empty).
func Open(dir string, opts Options) (*Log, error) {
	if opts.MaxBytes <= 0 {
		opts = DefaultOptions()
	}
	if err := os.MkdirAll(filepath.Join(dir, "archives"), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	l := &Log{dir: dir, opts: opts, nowFn: func() time.Time { return time.Now().UTC() }}
	if err := l.openActive(); err != nil {
		return nil, err
	}
	seq, err := l.recoverSeq()
	if err != nil {
		return nil, err
	}
	l.lastSeq = seq
	return l, nil
}

// SetClock overrides the clock, for tests.
func (l *Log) SetClock(nowFn func() time.Time) {
	if nowFn != nil {
		l.nowFn = nowFn
	}
}

func (l *Log) openActive() error {
	path := filepath.Join(l.dir, activeName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open active segment: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat active segment: %w", err)
	}
	l.file = f
	l.writer = bufio.NewWriter(f)
	l.size = info.Size()
	return nil
}

func (l *Log) recoverSeq() (uint64, error) {
	paths := append(l.archivePaths(), filepath.Join(l.dir, activeName))
	var last uint64
	for _, p := range paths {
		seq, err := lastSeqInFile(p)
		if err != nil {
			return 0, err
		}
		if seq > last {
			last = seq
		}
	}
	return last, nil
}

func lastSeqInFile(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open segment %s: %w", path, err)
	}
	defer f.Close()

	var last uint64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var entry protocol.LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue // torn tail line from an unclean shutdown
		}
		if entry.Seq > last {
			last = entry.Seq
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan segment %s: %w", path, err)
	}
	return last, nil
}

// Append writes one event and returns its assigned seq. The record is flushed
// to the OS before Append returns; rotation never happens mid-append.
func (l *Log) Append(runID, kind string, payload any) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastSeq++
	entry := protocol.LogEntry{
		Seq:     l.lastSeq,
		RunID:   runID,
		Kind:    kind,
		At:      l.nowFn(),
		Payload: payload,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		l.lastSeq--
		return 0, fmt.Errorf("encode event: %w", err)
	}
	data = append(data, '\n')
	if _, err := l.writer.Write(data); err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	if err := l.writer.Flush(); err != nil {
		return 0, fmt.Errorf("flush event: %w", err)
	}
	l.size += int64(len(data))

	if l.size >= l.opts.MaxBytes {
		if err := l.rotateLocked(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}
	return entry.Seq, nil
}

// CurrentSize reports the active segment's size in bytes.
func (l *Log) CurrentSize() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// LastSeq reports the highest seq assigned so far.
func (l *Log) LastSeq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastSeq
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writer != nil {
		_ = l.writer.Flush()
	}
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
