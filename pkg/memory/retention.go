package memory

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// GarbageReport is the result of an orphan sweep.
type GarbageReport struct {
	OrphanedFiles       int      `json:"orphaned_files"`
	OrphanedDirectories int      `json:"orphaned_directories"`
	BytesFreed          int64    `json:"bytes_freed"`
	Errors              []string `json:"errors"`
}

type archiveMetadata struct {
	Runs []archiveRun `json:"runs"`
}

type archiveRun struct {
	Timestamp     time.Time `json:"timestamp"`
	ArchivedCount int       `json:"archived_count"`
}

type lastArchiveStamp struct {
	Timestamp time.Time `json:"timestamp"`
}

// CleanupOldIterations archives and removes non-active iterations older
// than the retention window, then prunes old checkpoints. Returns bytes
// freed.
func (s *Store) CleanupOldIterations() (int64, error) {
	start := time.Now()
	freed, cleaned, err := s.cleanupIterations(0)
	if err != nil {
		return freed, err
	}

	ckptFreed, err := s.CleanupOldCheckpoints()
	freed += ckptFreed

	s.perf.Record(RunStats{
		Duration:     time.Since(start),
		ItemsCleaned: cleaned,
		BytesFreed:   freed,
	})
	return freed, err
}

// cleanupIterations removes up to limit eligible iterations (0 = all).
// Returns bytes freed and the number of iterations removed.
func (s *Store) cleanupIterations(limit int) (int64, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	metas, err := s.scanIterations()
	if err != nil {
		return 0, 0, err
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -s.config.RetentionDays)
	var freed int64
	cleaned := 0
	for _, m := range metas {
		if limit > 0 && cleaned >= limit {
			break
		}
		if m.Status == "active" || !m.StartedAt.Before(cutoff) {
			continue
		}
		dir := s.path(iterationsDir, iterationDirName(m.Number))
		size := dirSize(dir)

		if err := s.archiveIterationLocked(dir); err != nil {
			s.logger.Warn("failed to archive iteration, keeping it", "number", m.Number, "error", err)
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			return freed, cleaned, err
		}
		s.index.drop(dir)
		freed += size
		cleaned++
		s.logger.Info("cleaned old iteration", "number", m.Number, "bytes", size)
	}
	return freed, cleaned, nil
}

// ArchiveOldData tarballs every non-active iteration past retention and
// appends to the archive metadata. Returns the number archived.
func (s *Store) ArchiveOldData() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	metas, err := s.scanIterations()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -s.config.RetentionDays)
	archived := 0
	for _, m := range metas {
		if m.Status == "active" || !m.StartedAt.Before(cutoff) {
			continue
		}
		dir := s.path(iterationsDir, iterationDirName(m.Number))
		if err := s.archiveIterationLocked(dir); err != nil {
			s.logger.Warn("archive failed", "number", m.Number, "error", err)
			continue
		}
		archived++
	}

	if archived > 0 {
		metaPath := s.path(archiveDir, "archive_metadata.json")
		var meta archiveMetadata
		if err := readJSON(metaPath, &meta); err != nil && !os.IsNotExist(err) {
			meta = archiveMetadata{}
		}
		meta.Runs = append(meta.Runs, archiveRun{
			Timestamp:     time.Now().UTC(),
			ArchivedCount: archived,
		})
		if err := writeJSONAtomic(metaPath, &meta); err != nil {
			return archived, err
		}
	}
	return archived, nil
}

// archiveIterationLocked writes <name>_<UTC>.tar.gz under archive/.
func (s *Store) archiveIterationLocked(dir string) error {
	name := fmt.Sprintf("%s_%s.tar.gz", filepath.Base(dir), formatTimestamp(time.Now()))
	target := s.path(archiveDir, name)

	out, err := os.Create(target)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(filepath.Dir(dir), path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		tw.Close()
		gz.Close()
		os.Remove(target)
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

// CheckGarbageCollectionNeeded reports whether usage passed 80% of the
// storage cap.
func (s *Store) CheckGarbageCollectionNeeded() (bool, error) {
	used, err := s.StorageUsage()
	if err != nil {
		return false, err
	}
	return float64(used) > float64(s.storageLimitBytes())*0.8, nil
}

// RunGarbageCollection runs iteration cleanup then aggregate cleanup.
// Returns the total bytes freed.
func (s *Store) RunGarbageCollection() (int64, error) {
	freed, err := s.CleanupOldIterations()
	if err != nil {
		return freed, err
	}
	aggFreed, err := s.CleanupAggregateEntries()
	return freed + aggFreed, err
}

// RotateArchives archives old data at most once per 24 hours, stamping
// configuration/last_archive.json.
func (s *Store) RotateArchives() (int, error) {
	stampPath := s.path(configurationDir, "last_archive.json")
	var stamp lastArchiveStamp
	if err := readJSON(stampPath, &stamp); err == nil {
		if time.Since(stamp.Timestamp) < 24*time.Hour {
			return 0, nil
		}
	}

	archived, err := s.ArchiveOldData()
	if err != nil {
		return archived, err
	}
	stamp.Timestamp = time.Now().UTC()
	return archived, writeJSONAtomic(stampPath, &stamp)
}

// CleanupOldCheckpoints removes checkpoint directories older than the
// retention window. Returns bytes freed.
func (s *Store) CleanupOldCheckpoints() (int64, error) {
	dir := s.path(checkpointsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -s.config.RetentionDays)
	var freed int64
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "ckpt_") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		var record checkpointRecord
		if err := readJSON(filepath.Join(path, "checkpoint.json"), &record); err != nil {
			continue // orphan sweep handles these
		}
		if !record.CreatedAt.Before(cutoff) {
			continue
		}
		size := dirSize(path)
		if err := os.RemoveAll(path); err != nil {
			return freed, err
		}
		freed += size
	}
	return freed, nil
}

// CollectGarbage sweeps orphan directories and temp files under the
// data subtrees. Errors are collected, not fatal.
func (s *Store) CollectGarbage() *GarbageReport {
	report := &GarbageReport{Errors: []string{}}

	s.sweepIterationOrphans(report)
	for _, sub := range []string{checkpointsDir, aggregatesDir, kvDir} {
		s.sweepTempFiles(s.path(sub), report)
	}
	s.sweepTempFiles(s.path(iterationsDir), report)

	s.logger.Info("garbage sweep finished",
		"orphaned_files", report.OrphanedFiles,
		"orphaned_directories", report.OrphanedDirectories,
		"bytes_freed", report.BytesFreed,
		"errors", len(report.Errors))
	return report
}

// sweepIterationOrphans removes directories under iterations/ that are
// neither iteration_NNN with metadata nor the "current" spillover dir.
func (s *Store) sweepIterationOrphans(report *GarbageReport) {
	entries, err := os.ReadDir(s.path(iterationsDir))
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
		return
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "current" {
			continue
		}
		path := s.path(iterationsDir, e.Name())
		orphan := !iterationDirPattern.MatchString(e.Name())
		if !orphan {
			if _, err := os.Stat(filepath.Join(path, "metadata.json")); err != nil {
				orphan = true
			}
		}
		if !orphan {
			continue
		}
		size := dirSize(path)
		if err := os.RemoveAll(path); err != nil {
			report.Errors = append(report.Errors, err.Error())
			continue
		}
		report.OrphanedDirectories++
		report.BytesFreed += size
	}
}

func isTempFile(name string) bool {
	return strings.HasSuffix(name, ".tmp") ||
		strings.HasPrefix(name, ".tmp-") ||
		name == ".DS_Store"
}

func (s *Store) sweepTempFiles(root string, report *GarbageReport) {
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.Type().IsRegular() || !isTempFile(d.Name()) {
			return nil
		}
		info, ierr := d.Info()
		if rerr := os.Remove(path); rerr != nil {
			report.Errors = append(report.Errors, rerr.Error())
			return nil
		}
		report.OrphanedFiles++
		if ierr == nil {
			report.BytesFreed += info.Size()
		}
		return nil
	})
}

// SetCleanupBatchSize caps how many iterations CleanupBatch processes
// per call.
func (s *Store) SetCleanupBatchSize(k int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k > 0 {
		s.cleanupBatchSize = k
	}
}

// CleanupBatch removes at most the configured batch of eligible
// iterations, bounding pause time. Returns bytes freed and how many
// iterations were removed.
func (s *Store) CleanupBatch() (int64, int, error) {
	s.mu.Lock()
	batch := s.cleanupBatchSize
	s.mu.Unlock()

	start := time.Now()
	freed, cleaned, err := s.cleanupIterations(batch)
	s.perf.Record(RunStats{
		Duration:     time.Since(start),
		ItemsCleaned: cleaned,
		BytesFreed:   freed,
	})
	return freed, cleaned, err
}

// CleanupPerformance exposes the rolling cleanup run history.
func (s *Store) CleanupPerformance() []RunStats {
	return s.perf.History()
}

func dirSize(dir string) int64 {
	var total int64
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}
