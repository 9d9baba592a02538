package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// temporalIndex is the in-process append-only index over state-update
// files, kept sorted ascending by timestamp (ties broken by path, which
// embeds the uniqueness suffix). It is rebuilt from disk at startup.
type temporalIndex struct {
	entries []indexEntry
}

type indexEntry struct {
	Timestamp time.Time
	Path      string
	WriterID  string
	SessionID string
}

func newTemporalIndex() *temporalIndex {
	return &temporalIndex{}
}

func (ix *temporalIndex) add(e indexEntry) {
	n := len(ix.entries)
	if n == 0 || !e.Timestamp.Before(ix.entries[n-1].Timestamp) {
		ix.entries = append(ix.entries, e)
		return
	}
	i := sort.Search(n, func(i int) bool {
		return ix.entries[i].Timestamp.After(e.Timestamp)
	})
	ix.entries = append(ix.entries, indexEntry{})
	copy(ix.entries[i+1:], ix.entries[i:])
	ix.entries[i] = e
}

func (ix *temporalIndex) drop(pathPrefix string) {
	kept := ix.entries[:0]
	for _, e := range ix.entries {
		if !strings.HasPrefix(e.Path, pathPrefix) {
			kept = append(kept, e)
		}
	}
	ix.entries = kept
}

// rebuildIndex scans every iteration directory for state-update files.
func (s *Store) rebuildIndex() error {
	root := s.path(iterationsDir)
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, dir := range entries {
		if !dir.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(root, dir.Name()))
		if err != nil {
			continue
		}
		for _, f := range files {
			if !f.Type().IsRegular() || !strings.HasPrefix(f.Name(), "system_state_") {
				continue
			}
			path := filepath.Join(root, dir.Name(), f.Name())
			var u StateUpdate
			if err := readJSON(path, &u); err != nil {
				s.logger.Warn("skipping unreadable state update", "path", path, "error", err)
				continue
			}
			s.index.add(indexEntry{
				Timestamp: u.Timestamp,
				Path:      path,
				WriterID:  u.WriterID,
				SessionID: sessionOf(&u),
			})
		}
	}
	sort.SliceStable(s.index.entries, func(i, j int) bool {
		if !s.index.entries[i].Timestamp.Equal(s.index.entries[j].Timestamp) {
			return s.index.entries[i].Timestamp.Before(s.index.entries[j].Timestamp)
		}
		return s.index.entries[i].Path < s.index.entries[j].Path
	})
	return nil
}

func sessionOf(u *StateUpdate) string {
	if u.OrchestrationState == nil {
		return ""
	}
	if id, ok := u.OrchestrationState["session_id"].(string); ok {
		return id
	}
	return ""
}

// writeDirLocked resolves the destination for state writes: the active
// iteration, or a standing "current" directory when none is active.
func (s *Store) writeDirLocked() (string, error) {
	active, err := s.activeIterationLocked()
	if err != nil {
		return "", err
	}
	var dir string
	if active > 0 {
		dir = s.path(iterationsDir, iterationDirName(active))
	} else {
		dir = s.path(iterationsDir, "current")
	}
	if err := os.MkdirAll(filepath.Join(dir, "agent_outputs"), 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// StoreStateUpdate persists a state update into the active iteration
// (or "current"), returning the file path.
func (s *Store) StoreStateUpdate(u *StateUpdate) (string, error) {
	if err := s.checkWriteBudget(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now().UTC()
	}
	if u.WriterID == "" {
		u.WriterID = s.config.WriterID
	}
	u.Version = 1

	dir, err := s.writeDirLocked()
	if err != nil {
		return "", err
	}
	name := uniqueName(dir, "system_state_"+formatTimestamp(u.Timestamp), ".json")
	path := filepath.Join(dir, name)

	if err := writeJSONAtomic(path, u); err != nil {
		return "", err
	}
	s.index.add(indexEntry{
		Timestamp: u.Timestamp,
		Path:      path,
		WriterID:  u.WriterID,
		SessionID: sessionOf(u),
	})
	return path, nil
}

// StoreAgentOutput persists an agent artifact under agent_outputs/.
func (s *Store) StoreAgentOutput(o *AgentOutput) (string, error) {
	if o.AgentType == "" || o.TaskType == "" {
		return "", fmt.Errorf("agent output requires agent_type and task_type")
	}
	if err := s.checkWriteBudget(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if o.Timestamp.IsZero() {
		o.Timestamp = time.Now().UTC()
	}
	if o.WriterID == "" {
		o.WriterID = s.config.WriterID
	}
	o.Version = 1

	dir, err := s.writeDirLocked()
	if err != nil {
		return "", err
	}
	outDir := filepath.Join(dir, "agent_outputs")
	base := fmt.Sprintf("%s_%s_%s", o.AgentType, o.TaskType, o.Timestamp.UTC().Format(timestampLayout))
	name := uniqueName(outDir, base, ".json")
	path := filepath.Join(outDir, name)

	if err := writeJSONAtomic(path, o); err != nil {
		return "", err
	}
	return path, nil
}

// LatestState returns the newest stored state update, or nil when the
// store is empty.
func (s *Store) LatestState() (*StateUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.index.entries) == 0 {
		return nil, nil
	}
	return s.readEntryLocked(s.index.entries[len(s.index.entries)-1])
}

// RetrieveStateForAgent scans newest-first for the latest state written
// by agentID, falling back to the global latest. This gives each writer
// read-your-writes over its own updates.
func (s *Store) RetrieveStateForAgent(agentID string) (*StateUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.index.entries) - 1; i >= 0; i-- {
		if s.index.entries[i].WriterID == agentID {
			return s.readEntryLocked(s.index.entries[i])
		}
	}
	if len(s.index.entries) == 0 {
		return nil, nil
	}
	return s.readEntryLocked(s.index.entries[len(s.index.entries)-1])
}

// SnapshotAsOf returns the newest state with timestamp <= t, or nil.
func (s *Store) SnapshotAsOf(t time.Time) (*StateUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.index.entries) - 1; i >= 0; i-- {
		if !s.index.entries[i].Timestamp.After(t) {
			return s.readEntryLocked(s.index.entries[i])
		}
	}
	return nil, nil
}

// SessionHistory returns state updates belonging to a session in
// timestamp order.
func (s *Store) SessionHistory(sessionID string) ([]*StateUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*StateUpdate
	for _, e := range s.index.entries {
		if e.SessionID != sessionID {
			continue
		}
		u, err := s.readEntryLocked(e)
		if err != nil {
			s.logger.Warn("skipping unreadable session entry", "path", e.Path, "error", err)
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

func (s *Store) readEntryLocked(e indexEntry) (*StateUpdate, error) {
	var u StateUpdate
	if err := readJSON(e.Path, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Reservation is a persisted write-window claim.
type Reservation struct {
	AgentID    string    `json:"agent_id"`
	ReservedAt time.Time `json:"reserved_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type reservationFile struct {
	Reservations []Reservation `json:"reservations"`
}

// ReserveWriteWindow persists a write reservation for an agent,
// evicting expired entries first. Reservations are informational; they
// do not block other writers.
func (s *Store) ReserveWriteWindow(agentID string, d time.Duration) (*Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(configurationDir, "write_reservations.json")
	var file reservationFile
	if err := readJSON(path, &file); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("resetting unreadable reservations file", "error", err)
		file = reservationFile{}
	}

	now := time.Now().UTC()
	kept := file.Reservations[:0]
	for _, r := range file.Reservations {
		if r.ExpiresAt.After(now) {
			kept = append(kept, r)
		}
	}
	file.Reservations = kept

	res := Reservation{
		AgentID:    agentID,
		ReservedAt: now,
		ExpiresAt:  now.Add(d),
	}
	file.Reservations = append(file.Reservations, res)

	if err := writeJSONAtomic(path, &file); err != nil {
		return nil, err
	}
	return &res, nil
}
