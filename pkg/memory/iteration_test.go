package memory

import (
	"errors"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{
		RootDir:       t.TempDir(),
		RetentionDays: 30,
		MaxStorageGB:  1,
		WriterID:      "test-writer",
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

func TestStartNewIterationNumbersSequentially(t *testing.T) {
	s := newTestStore(t)

	n, err := s.StartNewIteration()
	if err != nil {
		t.Fatalf("StartNewIteration failed: %v", err)
	}
	if n != 1 {
		t.Errorf("first iteration = %d, want 1", n)
	}

	if ok, err := s.CompleteIteration(n, map[string]any{"done": true}); err != nil || !ok {
		t.Fatalf("CompleteIteration = %v, %v", ok, err)
	}

	metas, err := s.ListIterations()
	if err != nil || len(metas) != 1 {
		t.Fatalf("ListIterations = %v, %v", metas, err)
	}
	if metas[0].Status != "completed" {
		t.Errorf("status = %q, want completed", metas[0].Status)
	}
	if metas[0].Summary["done"] != true {
		t.Errorf("summary = %v, want done=true", metas[0].Summary)
	}
	if metas[0].DurationSeconds < 0 {
		t.Errorf("duration = %v, want >= 0", metas[0].DurationSeconds)
	}

	n2, err := s.StartNewIteration()
	if err != nil {
		t.Fatal(err)
	}
	if n2 != 2 {
		t.Errorf("second iteration = %d, want 2", n2)
	}
}

func TestStartNewIterationRejectsWhileActive(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.StartNewIteration(); err != nil {
		t.Fatal(err)
	}
	_, err := s.StartNewIteration()
	var active *ActiveIterationError
	if !errors.As(err, &active) {
		t.Fatalf("err = %v, want ActiveIterationError", err)
	}
	if active.Active != 1 {
		t.Errorf("active = %d, want 1", active.Active)
	}
}

func TestCompleteIterationIdempotence(t *testing.T) {
	s := newTestStore(t)

	n, _ := s.StartNewIteration()
	if ok, _ := s.CompleteIteration(n, map[string]any{"pass": 1}); !ok {
		t.Fatal("first completion should succeed")
	}
	if ok, _ := s.CompleteIteration(n, map[string]any{"pass": 2}); ok {
		t.Error("second completion must return false")
	}
}

func TestActiveIteration(t *testing.T) {
	s := newTestStore(t)

	if n, _ := s.ActiveIteration(); n != 0 {
		t.Errorf("active = %d, want 0 with no iterations", n)
	}

	started, _ := s.StartNewIteration()
	if n, _ := s.ActiveIteration(); n != started {
		t.Errorf("active = %d, want %d", n, started)
	}
}

func TestIterationStatistics(t *testing.T) {
	s := newTestStore(t)

	n, _ := s.StartNewIteration()
	if _, err := s.StoreStateUpdate(&StateUpdate{
		OrchestrationState: map[string]any{"phase": "generate"},
		CheckpointData:     map[string]any{},
		SystemStatistics:   map[string]any{},
	}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if _, err := s.StoreAgentOutput(&AgentOutput{
			AgentType: "generation",
			TaskType:  "generate",
			Results:   map[string]any{"confidence": 0.8},
		}); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := s.IterationStatistics(n)
	if err != nil {
		t.Fatal(err)
	}
	if stats.StateUpdateCount != 1 {
		t.Errorf("state updates = %d, want 1", stats.StateUpdateCount)
	}
	if stats.AgentOutputs["generation"] != 2 {
		t.Errorf("generation outputs = %d, want 2", stats.AgentOutputs["generation"])
	}
	if stats.TotalBytes == 0 {
		t.Error("total bytes should be nonzero")
	}
}

func TestListIterationsSorted(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 3; i++ {
		n, err := s.StartNewIteration()
		if err != nil {
			t.Fatal(err)
		}
		if _, err := s.CompleteIteration(n, nil); err != nil {
			t.Fatal(err)
		}
	}

	metas, err := s.ListIterations()
	if err != nil {
		t.Fatal(err)
	}
	if len(metas) != 3 {
		t.Fatalf("len = %d, want 3", len(metas))
	}
	for i, m := range metas {
		if m.Number != i+1 {
			t.Errorf("metas[%d].Number = %d, want %d", i, m.Number, i+1)
		}
		if m.Status != "completed" {
			t.Errorf("metas[%d].Status = %q", i, m.Status)
		}
	}
}
