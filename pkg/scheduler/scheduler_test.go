package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coscientist-ai/coscientist/pkg/protocol"
)

func waitForStatus(t *testing.T, ledger Ledger, id string, want TaskStatus) *Task {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, err := ledger.Get(context.Background(), id)
		if err == nil && task.Status == want {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never reached status %s", id, want)
	return nil
}

func TestSubmitRejectsUnknownAgent(t *testing.T) {
	s := New(Config{}, NewMemoryLedger())

	err := s.Submit(context.Background(), NewTask("oracle", "divine", "goal"))
	var unknownErr *UnknownAgentError
	if !errors.As(err, &unknownErr) {
		t.Fatalf("err = %v, want UnknownAgentError", err)
	}
}

func TestSubmitFailsFastWhenQueueFull(t *testing.T) {
	s := New(Config{QueueSize: 1}, NewMemoryLedger())
	s.RegisterHandler(protocol.AgentGeneration, func(ctx context.Context, task *Task) (map[string]any, error) {
		return nil, nil
	})
	// Workers are not started, so the first task stays queued.
	if err := s.Submit(context.Background(), NewTask(protocol.AgentGeneration, "generate", "a")); err != nil {
		t.Fatal(err)
	}

	err := s.Submit(context.Background(), NewTask(protocol.AgentGeneration, "generate", "b"))
	var fullErr *TaskQueueFullError
	if !errors.As(err, &fullErr) {
		t.Fatalf("err = %v, want TaskQueueFullError", err)
	}
	if fullErr.Capacity != 1 {
		t.Errorf("capacity = %d, want 1", fullErr.Capacity)
	}
	if s.QueueDepth() != 1 {
		t.Errorf("queue depth = %d, want 1", s.QueueDepth())
	}
}

func TestWorkersDispatchAndRecordResults(t *testing.T) {
	ledger := NewMemoryLedger()
	s := New(Config{Workers: 2}, ledger)

	var handled atomic.Int64
	s.RegisterHandler(protocol.AgentGeneration, func(ctx context.Context, task *Task) (map[string]any, error) {
		handled.Add(1)
		return map[string]any{"echo": task.Goal}, nil
	})
	s.Start()
	defer s.Stop(context.Background())

	tasks := make([]*Task, 3)
	for i := range tasks {
		tasks[i] = NewTask(protocol.AgentGeneration, "generate", fmt.Sprintf("goal-%d", i))
		if err := s.Submit(context.Background(), tasks[i]); err != nil {
			t.Fatal(err)
		}
	}

	for _, task := range tasks {
		done := waitForStatus(t, ledger, task.ID, TaskCompleted)
		if done.Result["echo"] != done.Goal {
			t.Errorf("result = %v, want echo of %q", done.Result, done.Goal)
		}
	}
	if handled.Load() != 3 {
		t.Errorf("handled = %d, want 3", handled.Load())
	}
}

func TestHandlerFailureMarksTaskFailed(t *testing.T) {
	ledger := NewMemoryLedger()
	s := New(Config{Workers: 1}, ledger)
	s.RegisterHandler(protocol.AgentReflection, func(ctx context.Context, task *Task) (map[string]any, error) {
		return nil, errors.New("upstream exploded")
	})
	s.Start()
	defer s.Stop(context.Background())

	task := NewTask(protocol.AgentReflection, "evaluate", "goal")
	if err := s.Submit(context.Background(), task); err != nil {
		t.Fatal(err)
	}

	failed := waitForStatus(t, ledger, task.ID, TaskFailed)
	if failed.Error != "upstream exploded" {
		t.Errorf("error = %q", failed.Error)
	}
}

func TestStopWaitsForWorkers(t *testing.T) {
	s := New(Config{Workers: 2}, NewMemoryLedger())
	s.RegisterHandler(protocol.AgentGeneration, func(ctx context.Context, task *Task) (map[string]any, error) {
		time.Sleep(20 * time.Millisecond)
		return nil, nil
	})
	s.Start()

	if err := s.Submit(context.Background(), NewTask(protocol.AgentGeneration, "generate", "goal")); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop() = %v", err)
	}
}

func TestMemoryLedgerListFiltersByStatus(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()

	pending := NewTask(protocol.AgentGeneration, "generate", "a")
	done := NewTask(protocol.AgentRanking, "compare", "b")
	done.Status = TaskCompleted
	for _, task := range []*Task{pending, done} {
		if err := ledger.Save(ctx, task); err != nil {
			t.Fatal(err)
		}
	}

	got, err := ledger.List(ctx, TaskPending)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != pending.ID {
		t.Errorf("List(pending) = %v", got)
	}

	all, err := ledger.List(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("List(all) = %d tasks, want 2", len(all))
	}

	if _, err := ledger.Get(ctx, "task_missing"); err == nil {
		t.Error("Get of unknown id should fail")
	}
}
