// Package reqlog implements the gateway's append-only request log. It is
// deliberately dumb: JSON Lines on
// disk, opened once, appended to under a mutex. No rotation or query
// layer; jib-logs reads the same file directly.
package reqlog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is one gateway request-log record.
type Entry struct {
	Timestamp        time.Time `json:"ts"`
	ContainerID      string    `json:"container_id"`
	Operation        string    `json:"operation"`
	ArgsAllowedSubset []string `json:"args_allowed_subset,omitempty"`
	ResultCode       string    `json:"result_code"`
	RequestID        string    `json:"request_id,omitempty"`
}

// Log is an append-only JSON-lines writer for gateway request-log entries.
type Log struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// Open creates (or appends to) the request log at path.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &Log{path: path, f: f}, nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	if l == nil || l.f == nil {
		return nil
	}
	return l.f.Close()
}

// Append writes one entry, filling in Timestamp if zero.
func (l *Log) Append(e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.f.Write(b)
	return err
}
