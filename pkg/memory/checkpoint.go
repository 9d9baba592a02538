package memory

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	checkpointLockFile = ".checkpoint.lock"
	lockRetryInterval  = 100 * time.Millisecond
	lockAcquireTimeout = 30 * time.Second
)

// LockTimeoutError reports a checkpoint lock that could not be taken
// within the bounded wait.
type LockTimeoutError struct {
	Path    string
	Waited  time.Duration
	LastErr error
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("could not acquire %s within %v: %v", e.Path, e.Waited, e.LastErr)
}

// checkpointRecord is the on-disk checkpoint.json shape: the full state
// update plus checkpoint identity fields.
type checkpointRecord struct {
	CheckpointID       string         `json:"checkpoint_id"`
	CreatedAt          time.Time      `json:"created_at"`
	Version            int            `json:"version"`
	Timestamp          time.Time      `json:"timestamp"`
	WriterID           string         `json:"writer_id,omitempty"`
	OrchestrationState map[string]any `json:"orchestration_state"`
	CheckpointData     map[string]any `json:"checkpoint_data"`
	SystemStatistics   map[string]any `json:"system_statistics"`
}

// RecoveryState is the synthesized view handed to a restarting
// orchestrator.
type RecoveryState struct {
	CheckpointTimestamp time.Time      `json:"checkpoint_timestamp"`
	SystemConfiguration map[string]any `json:"system_configuration"`
	ActiveTasks         []any          `json:"active_tasks"`
	CompletedWork       map[string]any `json:"completed_work"`
	ResumePoints        []any          `json:"resume_points"`
	DataIntegrity       struct {
		Valid bool `json:"valid"`
	} `json:"data_integrity"`
}

// acquireFileLock takes an exclusive advisory lock by exclusively
// creating the lock file, polling until the bounded wait expires.
func acquireFileLock(path string) (release func(), err error) {
	deadline := time.Now().Add(lockAcquireTimeout)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "pid=%d\n", os.Getpid())
			f.Close()
			return func() { os.Remove(path) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}
		if time.Now().After(deadline) {
			return nil, &LockTimeoutError{Path: path, Waited: lockAcquireTimeout, LastErr: err}
		}
		time.Sleep(lockRetryInterval)
	}
}

func newCheckpointID(now time.Time) string {
	buf := make([]byte, 4)
	rand.Read(buf)
	return fmt.Sprintf("ckpt_%s_%s", now.UTC().Format(timestampLayout), hex.EncodeToString(buf))
}

// CreateCheckpoint serializes the state update into a new checkpoint
// directory. Checkpoints are globally serialized by an in-process mutex
// plus the advisory lock file, so at most one is being written at any
// instant even across processes.
func (s *Store) CreateCheckpoint(u *StateUpdate) (string, error) {
	s.checkpointMu.Lock()
	defer s.checkpointMu.Unlock()

	release, err := acquireFileLock(s.path(checkpointsDir, checkpointLockFile))
	if err != nil {
		return "", err
	}
	defer release()

	now := time.Now().UTC()
	id := newCheckpointID(now)
	dir := s.path(checkpointsDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	ts := u.Timestamp
	if ts.IsZero() {
		ts = now
	}
	record := &checkpointRecord{
		CheckpointID:       id,
		CreatedAt:          now,
		Version:            1,
		Timestamp:          ts,
		WriterID:           u.WriterID,
		OrchestrationState: u.OrchestrationState,
		CheckpointData:     u.CheckpointData,
		SystemStatistics:   u.SystemStatistics,
	}
	if err := writeJSONAtomic(filepath.Join(dir, "checkpoint.json"), record); err != nil {
		os.RemoveAll(dir)
		return "", err
	}

	if err := s.appendCheckpointToIteration(id); err != nil {
		s.logger.Warn("checkpoint not recorded on iteration metadata", "checkpoint", id, "error", err)
	}

	s.logger.Info("created checkpoint", "id", id)
	return id, nil
}

func (s *Store) appendCheckpointToIteration(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	active, err := s.activeIterationLocked()
	if err != nil || active == 0 {
		return err
	}
	path := s.path(iterationsDir, iterationDirName(active), "metadata.json")
	var meta IterationMetadata
	if err := readJSON(path, &meta); err != nil {
		return err
	}
	meta.Checkpoints = append(meta.Checkpoints, id)
	return writeJSONAtomic(path, &meta)
}

// RecoverFromCheckpoint reads a checkpoint and synthesizes the recovery
// state. All four core sections must be present.
func (s *Store) RecoverFromCheckpoint(id string) (*RecoveryState, error) {
	var record checkpointRecord
	path := s.path(checkpointsDir, id, "checkpoint.json")
	if err := readJSON(path, &record); err != nil {
		return nil, fmt.Errorf("checkpoint %s not readable: %w", id, err)
	}

	if record.Timestamp.IsZero() || record.OrchestrationState == nil ||
		record.CheckpointData == nil || record.SystemStatistics == nil {
		return nil, fmt.Errorf("checkpoint %s is incomplete", id)
	}

	rs := &RecoveryState{
		CheckpointTimestamp: record.Timestamp,
		SystemConfiguration: mapField(record.CheckpointData, "system_configuration"),
		CompletedWork:       completedWork(record.SystemStatistics),
		ActiveTasks:         listField(record.CheckpointData, "in_flight_tasks"),
		ResumePoints:        listField(record.CheckpointData, "resume_points"),
	}
	rs.DataIntegrity.Valid = s.ValidateCheckpoint(id) == nil
	return rs, nil
}

// ValidateCheckpoint verifies a checkpoint's structure: the embedded id
// must match the directory, and both timestamps must be set.
func (s *Store) ValidateCheckpoint(id string) error {
	var record checkpointRecord
	path := s.path(checkpointsDir, id, "checkpoint.json")
	if err := readJSON(path, &record); err != nil {
		return fmt.Errorf("checkpoint %s not readable: %w", id, err)
	}
	if record.CheckpointID != id {
		return fmt.Errorf("checkpoint id mismatch: file says %q, directory is %q", record.CheckpointID, id)
	}
	if record.CreatedAt.IsZero() || record.Timestamp.IsZero() {
		return fmt.Errorf("checkpoint %s has missing timestamps", id)
	}
	return nil
}

// ListCheckpoints returns checkpoint ids, oldest first.
func (s *Store) ListCheckpoints() ([]string, error) {
	entries, err := os.ReadDir(s.path(checkpointsDir))
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "ckpt_") {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

func mapField(m map[string]any, key string) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return map[string]any{}
}

// completedWork summarizes the checkpoint's running totals: each
// system_statistics counter named total_<what> becomes completed work
// under <what>, so total_hypotheses surfaces as hypotheses.
func completedWork(stats map[string]any) map[string]any {
	work := map[string]any{}
	for key, v := range stats {
		if what, ok := strings.CutPrefix(key, "total_"); ok {
			work[what] = v
		}
	}
	return work
}

func listField(m map[string]any, key string) []any {
	if m == nil {
		return []any{}
	}
	if v, ok := m[key].([]any); ok {
		return v
	}
	return []any{}
}
