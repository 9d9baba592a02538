package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

var iterationDirPattern = regexp.MustCompile(`^iteration_(\d{3,})$`)

// IterationMetadata is the metadata.json record of one iteration.
type IterationMetadata struct {
	Number          int            `json:"number"`
	StartedAt       time.Time      `json:"started_at"`
	CompletedAt     time.Time      `json:"completed_at,omitempty"`
	Status          string         `json:"status"`
	DurationSeconds float64        `json:"duration_seconds,omitempty"`
	Summary         map[string]any `json:"summary,omitempty"`
	Checkpoints     []string       `json:"checkpoints"`
}

// IterationStatistics summarizes the contents of one iteration.
type IterationStatistics struct {
	Number           int            `json:"number"`
	Status           string         `json:"status"`
	StateUpdateCount int            `json:"state_update_count"`
	AgentOutputs     map[string]int `json:"agent_outputs"`
	HasMetaReview    bool           `json:"has_meta_review"`
	TotalBytes       int64          `json:"total_bytes"`
}

// ActiveIterationError reports an attempt to start an iteration while
// another is still active.
type ActiveIterationError struct {
	Active int
}

func (e *ActiveIterationError) Error() string {
	return fmt.Sprintf("iteration %d is still active", e.Active)
}

func iterationDirName(n int) string {
	return fmt.Sprintf("iteration_%03d", n)
}

// StartNewIteration creates iteration max+1 and marks it active. It
// fails when any existing iteration is still active.
func (s *Store) StartNewIteration() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	metas, err := s.scanIterations()
	if err != nil {
		return 0, err
	}

	next := 1
	for _, m := range metas {
		if m.Status == "active" {
			return 0, &ActiveIterationError{Active: m.Number}
		}
		if m.Number >= next {
			next = m.Number + 1
		}
	}

	dir := s.path(iterationsDir, iterationDirName(next))
	for _, sub := range []string{"", "agent_outputs", "tournament_data"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return 0, fmt.Errorf("failed to create iteration directory: %w", err)
		}
	}

	meta := &IterationMetadata{
		Number:      next,
		StartedAt:   time.Now().UTC(),
		Status:      "active",
		Checkpoints: []string{},
	}
	if err := writeJSONAtomic(filepath.Join(dir, "metadata.json"), meta); err != nil {
		return 0, err
	}

	s.logger.Info("started iteration", "number", next)
	return next, nil
}

// CompleteIteration marks an active iteration completed, stamping
// duration and summary. Returns false when it is not active.
func (s *Store) CompleteIteration(n int, summary map[string]any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(iterationsDir, iterationDirName(n), "metadata.json")
	var meta IterationMetadata
	if err := readJSON(path, &meta); err != nil {
		return false, fmt.Errorf("iteration %d not found: %w", n, err)
	}
	if meta.Status != "active" {
		return false, nil
	}

	meta.Status = "completed"
	meta.CompletedAt = time.Now().UTC()
	meta.DurationSeconds = meta.CompletedAt.Sub(meta.StartedAt).Seconds()
	meta.Summary = summary

	if err := writeJSONAtomic(path, &meta); err != nil {
		return false, err
	}
	s.logger.Info("completed iteration", "number", n, "duration_s", meta.DurationSeconds)
	return true, nil
}

// ActiveIteration returns the active iteration number, or 0 when none.
func (s *Store) ActiveIteration() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeIterationLocked()
}

func (s *Store) activeIterationLocked() (int, error) {
	metas, err := s.scanIterations()
	if err != nil {
		return 0, err
	}
	for _, m := range metas {
		if m.Status == "active" {
			return m.Number, nil
		}
	}
	return 0, nil
}

// ListIterations returns metadata for every iteration, ascending.
func (s *Store) ListIterations() ([]*IterationMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanIterations()
}

func (s *Store) scanIterations() ([]*IterationMetadata, error) {
	entries, err := os.ReadDir(s.path(iterationsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var metas []*IterationMetadata
	for _, e := range entries {
		if !e.IsDir() || !iterationDirPattern.MatchString(e.Name()) {
			continue
		}
		var meta IterationMetadata
		if err := readJSON(filepath.Join(s.path(iterationsDir), e.Name(), "metadata.json"), &meta); err != nil {
			s.logger.Warn("skipping iteration without readable metadata", "dir", e.Name(), "error", err)
			continue
		}
		metas = append(metas, &meta)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Number < metas[j].Number })
	return metas, nil
}

// IterationStatistics inventories one iteration's files.
func (s *Store) IterationStatistics(n int) (*IterationStatistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.path(iterationsDir, iterationDirName(n))
	var meta IterationMetadata
	if err := readJSON(filepath.Join(dir, "metadata.json"), &meta); err != nil {
		return nil, fmt.Errorf("iteration %d not found: %w", n, err)
	}

	stats := &IterationStatistics{
		Number:       meta.Number,
		Status:       meta.Status,
		AgentOutputs: make(map[string]int),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Type().IsRegular() {
			if info, err := e.Info(); err == nil {
				stats.TotalBytes += info.Size()
			}
			if strings.HasPrefix(e.Name(), "system_state_") {
				stats.StateUpdateCount++
			}
			if e.Name() == "meta_review.json" {
				stats.HasMetaReview = true
			}
		}
	}

	outputs, err := os.ReadDir(filepath.Join(dir, "agent_outputs"))
	if err == nil {
		for _, e := range outputs {
			if !e.Type().IsRegular() {
				continue
			}
			if info, err := e.Info(); err == nil {
				stats.TotalBytes += info.Size()
			}
			agent, _, ok := strings.Cut(e.Name(), "_")
			if ok {
				stats.AgentOutputs[agent]++
			}
		}
	}
	return stats, nil
}

// mostRecentIteration returns the highest-numbered iteration, active or
// not, or 0 when there are none.
func (s *Store) mostRecentIterationLocked() (int, error) {
	metas, err := s.scanIterations()
	if err != nil {
		return 0, err
	}
	if len(metas) == 0 {
		return 0, nil
	}
	return metas[len(metas)-1].Number, nil
}
