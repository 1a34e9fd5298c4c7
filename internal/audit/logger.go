package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gemdesk/internal/logging"
	"gemdesk/internal/tools"
)

// DefaultMaxOutputLen caps the tool output stored per entry.
const DefaultMaxOutputLen = 1000

// Logger appends one JSON line per finished tool call to
// <dir>/<session>.jsonl. Arguments and output are redacted first.
type Logger struct {
	path         string
	sessionID    string
	maxOutputLen int
	redactor     *Redactor

	file    *os.File
	started map[string]time.Time
	mu      sync.Mutex
}

// NewLogger opens (or creates) the audit file for sessionID inside dir.
func NewLogger(dir, sessionID string) (*Logger, error) {
	// Owner only: entries may contain file contents and URLs.
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	path := filepath.Join(dir, sessionID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	return &Logger{
		path:         path,
		sessionID:    sessionID,
		maxOutputLen: DefaultMaxOutputLen,
		redactor:     NewRedactor(),
		file:         f,
		started:      make(map[string]time.Time),
	}, nil
}

// Path returns the audit file path.
func (l *Logger) Path() string {
	return l.path
}

// Handler returns executor callbacks that feed the audit trail.
func (l *Logger) Handler() *tools.ExecutionHandler {
	return &tools.ExecutionHandler{
		OnToolStart: func(call tools.Call) {
			l.mu.Lock()
			l.started[call.ID] = time.Now()
			l.mu.Unlock()
		},
		OnToolEnd: func(call tools.Call, resp tools.Response) {
			if err := l.Record(call, resp); err != nil {
				logging.Warn("audit write failed", "tool", call.Name, "error", err)
			}
		},
	}
}

// Record writes the entry for a finished call. Calls that never started
// (denied, unknown, invalid) are recorded with zero duration.
func (l *Logger) Record(call tools.Call, resp tools.Response) error {
	entry := NewEntry(l.sessionID, call.ID, call.Name)
	entry.Args = l.redactor.RedactArgs(call.Args)

	switch {
	case resp.Error == tools.CancelledByUser:
		entry.Outcome = OutcomeCancelled
	case resp.Failed():
		entry.Outcome = OutcomeError
		entry.Error = l.redactor.Redact(resp.Error)
	default:
		entry.Outcome = OutcomeOK
		entry.Output = l.redactor.Redact(truncate(resp.Output, l.maxOutputLen))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if start, ok := l.started[call.ID]; ok {
		entry.Duration = time.Since(start)
		delete(l.started, call.ID)
	}
	if l.file == nil {
		return os.ErrClosed
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = l.file.Write(append(data, '\n'))
	return err
}

// Recent returns up to n of the latest entries in the file, oldest first.
func (l *Logger) Recent(n int) ([]*Entry, error) {
	return ReadFile(l.path, n)
}

// Close closes the audit file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// ReadFile parses an audit file, keeping the last n entries (all when
// n <= 0). Malformed lines are skipped.
func ReadFile(path string, n int) ([]*Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []*Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, &e)
		if n > 0 && len(entries) > n {
			entries = entries[1:]
		}
	}
	return entries, scanner.Err()
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "... (truncated)"
}
