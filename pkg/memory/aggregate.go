package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// UpdateStrategy selects how update_aggregate folds new data in.
type UpdateStrategy string

const (
	// StrategyReplace appends a new entry; the latest wins.
	StrategyReplace UpdateStrategy = "replace"
	// StrategyMerge deep-merges into the latest entry's data.
	StrategyMerge UpdateStrategy = "merge"
	// StrategyAccumulate adds numeric fields into the latest entry.
	StrategyAccumulate UpdateStrategy = "accumulate"
)

// AggregateEntry is one timestamped datum in an aggregate file.
type AggregateEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

type aggregateFile struct {
	Entries []AggregateEntry `json:"entries"`
}

// AggregateStatistics summarizes one numeric metric across agent
// outputs.
type AggregateStatistics struct {
	Count   int     `json:"count"`
	Average float64 `json:"average"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
}

func (s *Store) aggregatePath(aggType string) string {
	return s.path(aggregatesDir, aggType+".json")
}

func (s *Store) loadAggregateLocked(aggType string) (*aggregateFile, error) {
	var file aggregateFile
	err := readJSON(s.aggregatePath(aggType), &file)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return &file, nil
}

// StoreAggregate appends an entry, keeping the file sorted ascending by
// timestamp.
func (s *Store) StoreAggregate(aggType string, data map[string]any, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.loadAggregateLocked(aggType)
	if err != nil {
		return err
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	file.Entries = append(file.Entries, AggregateEntry{Timestamp: ts.UTC(), Data: data})
	sort.SliceStable(file.Entries, func(i, j int) bool {
		return file.Entries[i].Timestamp.Before(file.Entries[j].Timestamp)
	})
	return writeJSONAtomic(s.aggregatePath(aggType), file)
}

// UpdateAggregate folds data into the aggregate by strategy.
func (s *Store) UpdateAggregate(aggType string, data map[string]any, strategy UpdateStrategy) error {
	switch strategy {
	case StrategyReplace:
		return s.StoreAggregate(aggType, data, time.Now().UTC())
	case StrategyMerge, StrategyAccumulate:
	default:
		return fmt.Errorf("unknown aggregate strategy %q", strategy)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.loadAggregateLocked(aggType)
	if err != nil {
		return err
	}
	if len(file.Entries) == 0 {
		file.Entries = append(file.Entries, AggregateEntry{
			Timestamp: time.Now().UTC(),
			Data:      data,
		})
		return writeJSONAtomic(s.aggregatePath(aggType), file)
	}

	latest := &file.Entries[len(file.Entries)-1]
	if latest.Data == nil {
		latest.Data = map[string]any{}
	}
	switch strategy {
	case StrategyMerge:
		deepMerge(latest.Data, data)
	case StrategyAccumulate:
		accumulate(latest.Data, data)
	}
	return writeJSONAtomic(s.aggregatePath(aggType), file)
}

// LatestAggregate returns the newest entry's data, or nil.
func (s *Store) LatestAggregate(aggType string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.loadAggregateLocked(aggType)
	if err != nil {
		return nil, err
	}
	if len(file.Entries) == 0 {
		return nil, nil
	}
	return file.Entries[len(file.Entries)-1].Data, nil
}

// AggregateTimeRange returns entry data with start <= timestamp <= end,
// in order.
func (s *Store) AggregateTimeRange(aggType string, start, end time.Time) ([]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.loadAggregateLocked(aggType)
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for _, e := range file.Entries {
		if e.Timestamp.Before(start) || e.Timestamp.After(end) {
			continue
		}
		out = append(out, e.Data)
	}
	return out, nil
}

// CleanupAggregateEntries drops entries older than the retention
// window from every aggregate file. Returns bytes freed.
func (s *Store) CleanupAggregateEntries() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -s.config.RetentionDays)
	dir := s.path(aggregatesDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}

	var freed int64
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		before, _ := fileSize(path)

		var file aggregateFile
		if err := readJSON(path, &file); err != nil {
			s.logger.Warn("skipping unreadable aggregate", "file", e.Name(), "error", err)
			continue
		}
		kept := file.Entries[:0]
		for _, entry := range file.Entries {
			if !entry.Timestamp.Before(cutoff) {
				kept = append(kept, entry)
			}
		}
		if len(kept) == len(file.Entries) {
			continue
		}
		file.Entries = kept
		if err := writeJSONAtomic(path, &file); err != nil {
			return freed, err
		}
		after, _ := fileSize(path)
		if before > after {
			freed += before - after
		}
	}
	return freed, nil
}

// ComputeAggregateStatistics scans the agent outputs of the active (or
// most recent) iteration and summarizes the numeric metric values.
func (s *Store) ComputeAggregateStatistics(agentType, metric string) (*AggregateStatistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.activeIterationLocked()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if n, err = s.mostRecentIterationLocked(); err != nil {
			return nil, err
		}
	}
	if n == 0 {
		return &AggregateStatistics{}, nil
	}

	dir := s.path(iterationsDir, iterationDirName(n), "agent_outputs")
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return &AggregateStatistics{}, nil
		}
		return nil, err
	}

	stats := &AggregateStatistics{}
	for _, f := range files {
		if !f.Type().IsRegular() || !strings.HasPrefix(f.Name(), agentType+"_") {
			continue
		}
		var out AgentOutput
		if err := readJSON(filepath.Join(dir, f.Name()), &out); err != nil {
			continue
		}
		v, ok := numericValue(out.Results[metric])
		if !ok {
			continue
		}
		if stats.Count == 0 || v < stats.Min {
			stats.Min = v
		}
		if stats.Count == 0 || v > stats.Max {
			stats.Max = v
		}
		stats.Average += v
		stats.Count++
	}
	if stats.Count > 0 {
		stats.Average /= float64(stats.Count)
	}
	return stats, nil
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// deepMerge merges src into dst: nested maps merge recursively, scalars
// overwrite.
func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		if sv, ok := v.(map[string]any); ok {
			if dv, ok := dst[k].(map[string]any); ok {
				deepMerge(dv, sv)
				continue
			}
		}
		dst[k] = v
	}
}

// accumulate adds numeric fields of src into dst; non-numeric fields
// overwrite.
func accumulate(dst, src map[string]any) {
	for k, v := range src {
		sv, sok := numericValue(v)
		dv, dok := numericValue(dst[k])
		if sok && dok {
			dst[k] = dv + sv
			continue
		}
		dst[k] = v
	}
}

func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
