// Package sessionlog appends invocation summaries to a per-process JSONL
// file under the state root.
//
// The log is an operational trace, not a durability mechanism: argument and
// output bodies are never written, only sizes, outcome kinds, durations,
// and cursor lineage. Writes are best-effort. The first failure logs a
// warning and subsequent failures are suppressed so a full disk cannot
// take the server down with it.
package sessionlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hanzoai/mcp/pkg/logger"
)

// Entry is one line of the session log.
type Entry struct {
	Timestamp    time.Time `json:"ts"`
	InvocationID string    `json:"invocation_id"`
	ToolName     string    `json:"tool_name"`
	ArgsDigest   string    `json:"argument_digest"`
	Outcome      string    `json:"outcome_kind"`
	DurationMS   int64     `json:"duration_ms"`
	BytesOut     int       `json:"bytes_out"`
	NextCursor   string    `json:"next_cursor,omitempty"`
}

// Log is a mutex-serialized appender. Each entry is marshaled to a single
// line and written with one O_APPEND write.
type Log struct {
	mu     sync.Mutex
	f      *os.File
	warned bool

	path   string
	logger *slog.Logger
}

// Open creates the sessions directory if needed and opens this process's
// log file, named after the pid. Files from earlier runs are left alone;
// per-process naming is the rotation policy.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session log dir: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%d.jsonl", os.Getpid()))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open session log: %w", err)
	}

	return &Log{
		f:      f,
		path:   path,
		logger: logger.Component("sessionlog"),
	}, nil
}

// Path returns the log file location.
func (l *Log) Path() string {
	return l.path
}

// Record appends one entry. A zero timestamp is filled with the current
// time. Recording after Close is a no-op.
func (l *Log) Record(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	raw, err := json.Marshal(e)
	if err != nil {
		l.mu.Lock()
		l.warnOnce(err)
		l.mu.Unlock()
		return
	}
	raw = append(raw, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return
	}
	if _, err := l.f.Write(raw); err != nil {
		l.warnOnce(err)
	}
}

// Close flushes and closes the file. Safe to call more than once.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return nil
	}
	err := l.f.Sync()
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}

// warnOnce logs the first write failure. Caller holds l.mu.
func (l *Log) warnOnce(err error) {
	if l.warned {
		return
	}
	l.warned = true
	l.logger.Warn("Session log write failed; suppressing further warnings",
		"path", l.path, "error", err)
}
