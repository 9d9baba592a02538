package memory

import (
	"sync"
	"time"
)

// RunStats records one cleanup run.
type RunStats struct {
	Duration     time.Duration `json:"duration"`
	ItemsCleaned int           `json:"items_cleaned"`
	BytesFreed   int64         `json:"bytes_freed"`
	At           time.Time     `json:"at"`
}

// CleanupMonitor keeps a rolling history of cleanup runs.
type CleanupMonitor struct {
	mu      sync.Mutex
	history []RunStats
	cap     int
}

// NewCleanupMonitor keeps at most capacity runs.
func NewCleanupMonitor(capacity int) *CleanupMonitor {
	if capacity <= 0 {
		capacity = 20
	}
	return &CleanupMonitor{cap: capacity}
}

// Record appends a run, evicting the oldest past capacity.
func (m *CleanupMonitor) Record(stats RunStats) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if stats.At.IsZero() {
		stats.At = time.Now().UTC()
	}
	m.history = append(m.history, stats)
	if len(m.history) > m.cap {
		m.history = m.history[len(m.history)-m.cap:]
	}
}

// History returns a copy of the recorded runs, oldest first.
func (m *CleanupMonitor) History() []RunStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RunStats, len(m.history))
	copy(out, m.history)
	return out
}
