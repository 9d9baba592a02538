// Package memory is the file-backed context store: iteration-scoped
// state updates and agent outputs, checkpoints, aggregates, a
// key-value store, and retention/garbage collection over all of them.
package memory

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Subdirectories under the store root.
const (
	iterationsDir    = "iterations"
	checkpointsDir   = "checkpoints"
	aggregatesDir    = "aggregates"
	kvDir            = "kv_store"
	configurationDir = "configuration"
	archiveDir       = "archive"
)

// timestampLayout is the second-precision UTC layout used in filename
// stems; formatTimestamp appends microseconds. Lexical order equals
// temporal order.
const timestampLayout = "20060102_150405"

// Config tunes the store.
type Config struct {
	RootDir       string
	RetentionDays int
	MaxStorageGB  float64
	WriterID      string
}

// SetDefaults fills zero fields with the documented defaults.
func (c *Config) SetDefaults() {
	if c.RootDir == "" {
		c.RootDir = "context_memory"
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 30
	}
	if c.MaxStorageGB <= 0 {
		c.MaxStorageGB = 10
	}
	if c.WriterID == "" {
		c.WriterID = "writer-" + uuid.NewString()[:8]
	}
}

// StorageLimitError reports a write rejected by the storage cap.
type StorageLimitError struct {
	UsedBytes  int64
	LimitBytes int64
}

func (e *StorageLimitError) Error() string {
	return fmt.Sprintf("storage limit reached: %d of %d bytes used", e.UsedBytes, e.LimitBytes)
}

// StateUpdate is one versioned system state record.
type StateUpdate struct {
	Timestamp          time.Time      `json:"timestamp"`
	WriterID           string         `json:"writer_id,omitempty"`
	OrchestrationState map[string]any `json:"orchestration_state"`
	CheckpointData     map[string]any `json:"checkpoint_data"`
	SystemStatistics   map[string]any `json:"system_statistics"`
	Version            int            `json:"version"`
}

// AgentOutput is one persisted artifact produced by an agent task.
type AgentOutput struct {
	AgentType string         `json:"agent_type"`
	TaskType  string         `json:"task_type"`
	Timestamp time.Time      `json:"timestamp"`
	WriterID  string         `json:"writer_id,omitempty"`
	Results   map[string]any `json:"results"`
	Version   int            `json:"version"`
}

// Store is the context memory root. All methods are safe for
// concurrent use within a single process.
type Store struct {
	config Config
	logger *slog.Logger

	mu    sync.Mutex
	index *temporalIndex

	checkpointMu sync.Mutex

	kv *KVStore

	cleanupBatchSize int
	perf             *CleanupMonitor
}

// New opens (or creates) a store rooted at config.RootDir, rebuilding
// the temporal index and the KV cache from disk.
func New(config Config) (*Store, error) {
	config.SetDefaults()

	for _, dir := range []string{
		iterationsDir, checkpointsDir, aggregatesDir, kvDir, configurationDir, archiveDir,
	} {
		if err := os.MkdirAll(filepath.Join(config.RootDir, dir), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	s := &Store{
		config:           config,
		logger:           slog.Default().With("component", "memory"),
		index:            newTemporalIndex(),
		cleanupBatchSize: 10,
		perf:             NewCleanupMonitor(20),
	}

	kv, err := newKVStore(filepath.Join(config.RootDir, kvDir))
	if err != nil {
		return nil, err
	}
	s.kv = kv

	if err := s.rebuildIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

// KV returns the key-value store view.
func (s *Store) KV() *KVStore { return s.kv }

// Root returns the store's root directory.
func (s *Store) Root() string { return s.config.RootDir }

// WriterID returns this process's default writer identity.
func (s *Store) WriterID() string { return s.config.WriterID }

func (s *Store) path(parts ...string) string {
	return filepath.Join(append([]string{s.config.RootDir}, parts...)...)
}

// StorageUsage walks the root and returns the total size in bytes.
func (s *Store) StorageUsage() (int64, error) {
	var total int64
	err := filepath.WalkDir(s.config.RootDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // deleted mid-walk
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total, err
}

func (s *Store) storageLimitBytes() int64 {
	return int64(s.config.MaxStorageGB * 1024 * 1024 * 1024)
}

// checkWriteBudget rejects writes once usage passes 80% of the cap, so
// garbage collection has headroom to run.
func (s *Store) checkWriteBudget() error {
	used, err := s.StorageUsage()
	if err != nil {
		return err
	}
	limit := s.storageLimitBytes()
	if float64(used) > float64(limit)*0.8 {
		return &StorageLimitError{UsedBytes: used, LimitBytes: limit}
	}
	return nil
}

// writeJSONAtomic serializes v and renames a temp file into place so
// readers never observe a partial write.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to publish %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("corrupt JSON in %s: %w", filepath.Base(path), err)
	}
	return nil
}

// uniqueName appends _k suffixes until the candidate filename does not
// exist, preserving lexical ordering for same-microsecond writes.
func uniqueName(dir, base, ext string) string {
	candidate := base + ext
	for k := 1; ; k++ {
		if _, err := os.Stat(filepath.Join(dir, candidate)); os.IsNotExist(err) {
			return candidate
		}
		candidate = fmt.Sprintf("%s_%d%s", base, k, ext)
	}
}

func formatTimestamp(t time.Time) string {
	u := t.UTC()
	return fmt.Sprintf("%s_%06d", u.Format(timestampLayout), u.Nanosecond()/1000)
}
