package sessionlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"drover/internal/task"
)

// subagentsDirName is the subdirectory of a parent session that holds its
// child session logs.
const subagentsDirName = "subagents"

// Store creates child session logs as JSON Lines files on disk. Each
// child lives at <parent>/subagents/<task-id>.jsonl and holds one
// conversation event per line.
type Store struct{}

var _ task.SessionStore = (*Store)(nil)

// NewStore creates a Store.
func NewStore() *Store {
	return &Store{}
}

// CreateChild creates the log file for a child session. Creation is
// exclusive: task IDs are unique, so an existing file means something is
// wrong and the caller should not silently append to it.
func (s *Store) CreateChild(parentDir, taskID string) (task.SessionLog, string, error) {
	dir := filepath.Join(parentDir, subagentsDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create subagents dir: %w", err)
	}

	path := filepath.Join(dir, taskID+".jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, "", fmt.Errorf("create session log: %w", err)
	}
	return &fileLog{file: file, path: path}, path, nil
}

// fileLog is an append-only JSONL session log backed by one file.
type fileLog struct {
	mu   sync.Mutex
	file *os.File
	path string
}

var _ task.SessionLog = (*fileLog)(nil)

// Append writes one event as a JSON line.
func (l *fileLog) Append(event task.LogEvent) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode log event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return errors.New("session log closed")
	}
	if _, err := l.file.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("write log event: %w", err)
	}
	return nil
}

// Path returns the location of the log file.
func (l *fileLog) Path() string {
	return l.path
}

// Close closes the underlying file. Further appends fail.
func (l *fileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
