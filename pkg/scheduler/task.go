// Package scheduler coordinates agent work: it owns the iteration
// lifecycle, dispatches tasks to specialized agents through a bounded
// queue and worker pool, and records every task in a ledger.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coscientist-ai/coscientist/pkg/protocol"
)

// TaskStatus is the lifecycle state of a scheduled task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Task is one unit of agent work tracked by the scheduler.
type Task struct {
	ID        string             `json:"id"`
	AgentType protocol.AgentType `json:"agent_type"`
	TaskType  string             `json:"task_type"`
	Goal      string             `json:"goal"`
	Params    map[string]any     `json:"params,omitempty"`
	Status    TaskStatus         `json:"status"`
	Result    map[string]any     `json:"result,omitempty"`
	Error     string             `json:"error,omitempty"`
	Iteration int                `json:"iteration,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// NewTask builds a pending task with a generated id.
func NewTask(agentType protocol.AgentType, taskType, goal string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:        "task_" + uuid.NewString()[:8],
		AgentType: agentType,
		TaskType:  taskType,
		Goal:      goal,
		Status:    TaskPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TaskNotFoundError reports a lookup for an unknown task id.
type TaskNotFoundError struct {
	ID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task %s not found", e.ID)
}

// Ledger records every task the scheduler touches.
type Ledger interface {
	Save(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	List(ctx context.Context, status TaskStatus) ([]*Task, error)
	Close() error
}

// MemoryLedger is the in-process ledger used when no database is
// configured. Tasks do not survive a restart.
type MemoryLedger struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewMemoryLedger builds an empty in-process ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{tasks: make(map[string]*Task)}
}

func (l *MemoryLedger) Save(_ context.Context, task *Task) error {
	if task == nil {
		return fmt.Errorf("task is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	clone := *task
	l.tasks[task.ID] = &clone
	return nil
}

func (l *MemoryLedger) Get(_ context.Context, id string) (*Task, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	task, ok := l.tasks[id]
	if !ok {
		return nil, &TaskNotFoundError{ID: id}
	}
	clone := *task
	return &clone, nil
}

// List returns tasks with the given status, oldest first. An empty
// status returns everything.
func (l *MemoryLedger) List(_ context.Context, status TaskStatus) ([]*Task, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*Task
	for _, task := range l.tasks {
		if status != "" && task.Status != status {
			continue
		}
		clone := *task
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (l *MemoryLedger) Close() error { return nil }
