package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SafetyLogger appends every produced artifact to a JSONL audit file.
// Entries are never rewritten or deleted.
type SafetyLogger struct {
	mu   sync.Mutex
	path string
}

type safetyEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Agent     string         `json:"agent"`
	Task      string         `json:"task"`
	Artifact  map[string]any `json:"artifact"`
}

// NewSafetyLogger opens (creating if needed) the audit log at path.
func NewSafetyLogger(path string) (*SafetyLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create safety log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open safety log: %w", err)
	}
	f.Close()
	return &SafetyLogger{path: path}, nil
}

// Log appends one artifact record. A failed append never surfaces to
// the producing agent.
func (l *SafetyLogger) Log(agent, task string, artifact map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := safetyEntry{
		Timestamp: time.Now().UTC(),
		Agent:     agent,
		Task:      task,
		Artifact:  artifact,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	f.Write(append(data, '\n'))
}

// Entries reads the full audit trail, oldest first.
func (l *SafetyLogger) Entries() ([]map[string]any, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var m map[string]any
		if err := dec.Decode(&m); err != nil {
			return out, err
		}
		out = append(out, m)
	}
	return out, nil
}
