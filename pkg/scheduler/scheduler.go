package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coscientist-ai/coscientist/pkg/observability"
	"github.com/coscientist-ai/coscientist/pkg/protocol"
)

// Handler executes one task for an agent family and returns its result.
type Handler func(ctx context.Context, task *Task) (map[string]any, error)

// Config tunes the scheduler's worker pool and queue.
type Config struct {
	Workers     int           `yaml:"workers"`
	QueueSize   int           `yaml:"queue_size"`
	TaskTimeout time.Duration `yaml:"task_timeout"`
}

// SetDefaults fills zero fields with the documented defaults.
func (c *Config) SetDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 100
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 5 * time.Minute
	}
}

// TaskQueueFullError reports that the scheduler's task queue is at
// capacity and the caller should shed load.
type TaskQueueFullError struct {
	Capacity int
}

func (e *TaskQueueFullError) Error() string {
	return fmt.Sprintf("task queue is full (capacity %d)", e.Capacity)
}

// UnknownAgentError reports a task for an agent family with no
// registered handler.
type UnknownAgentError struct {
	AgentType protocol.AgentType
}

func (e *UnknownAgentError) Error() string {
	return fmt.Sprintf("no handler registered for agent type %q", e.AgentType)
}

// Scheduler dispatches tasks to agent handlers through a bounded queue
// and a fixed pool of cooperative workers.
type Scheduler struct {
	config   Config
	ledger   Ledger
	handlers map[protocol.AgentType]Handler
	queue    chan *Task
	shutdown chan struct{}
	wg       sync.WaitGroup
	logger   *slog.Logger
	metrics  *observability.Metrics

	startOnce sync.Once
	stopOnce  sync.Once
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMetrics attaches Prometheus instruments to task dispatch.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New builds a scheduler backed by the given ledger.
func New(config Config, ledger Ledger, opts ...Option) *Scheduler {
	config.SetDefaults()
	s := &Scheduler{
		config:   config,
		ledger:   ledger,
		handlers: make(map[protocol.AgentType]Handler),
		queue:    make(chan *Task, config.QueueSize),
		shutdown: make(chan struct{}),
		logger:   slog.Default().With("component", "scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterHandler binds an agent family to a handler. Registration
// happens before Start; it is not safe to call concurrently with
// Submit.
func (s *Scheduler) RegisterHandler(agentType protocol.AgentType, h Handler) {
	s.handlers[agentType] = h
}

// Submit enqueues a task for dispatch. A full queue fails fast with
// TaskQueueFullError so callers can shed load instead of blocking.
func (s *Scheduler) Submit(ctx context.Context, task *Task) error {
	if _, ok := s.handlers[task.AgentType]; !ok {
		return &UnknownAgentError{AgentType: task.AgentType}
	}

	task.Status = TaskPending
	task.UpdatedAt = time.Now().UTC()
	if err := s.ledger.Save(ctx, task); err != nil {
		return fmt.Errorf("failed to record task: %w", err)
	}

	select {
	case s.queue <- task:
		return nil
	default:
		return &TaskQueueFullError{Capacity: s.config.QueueSize}
	}
}

// Start launches the worker pool.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		for i := 0; i < s.config.Workers; i++ {
			s.wg.Add(1)
			go s.worker()
		}
		s.logger.Info("scheduler started", "workers", s.config.Workers, "queue_size", s.config.QueueSize)
	})
}

// Stop signals the workers and waits for in-flight tasks to finish or
// the context to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.shutdown) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler shutdown interrupted: %w", ctx.Err())
	}
}

// QueueDepth reports how many tasks are waiting for a worker.
func (s *Scheduler) QueueDepth() int {
	return len(s.queue)
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.shutdown:
			return
		case task := <-s.queue:
			s.run(task)
		}
	}
}

func (s *Scheduler) run(task *Task) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.TaskTimeout)
	defer cancel()

	task.Status = TaskRunning
	task.UpdatedAt = time.Now().UTC()
	if err := s.ledger.Save(ctx, task); err != nil {
		s.logger.Warn("failed to record running task", "task", task.ID, "error", err)
	}

	handler := s.handlers[task.AgentType]
	result, err := handler(ctx, task)

	task.UpdatedAt = time.Now().UTC()
	if err != nil {
		task.Status = TaskFailed
		task.Error = err.Error()
		s.logger.Warn("task failed", "task", task.ID, "agent", task.AgentType, "error", err)
	} else {
		task.Status = TaskCompleted
		task.Result = result
		s.logger.Debug("task completed", "task", task.ID, "agent", task.AgentType)
	}
	if err := s.ledger.Save(ctx, task); err != nil {
		s.logger.Warn("failed to record finished task", "task", task.ID, "error", err)
	}
	s.metrics.ObserveTask(string(task.AgentType), string(task.Status))
}
