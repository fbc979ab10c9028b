// ABOUTME: Simulated browser-automation server with a FIFO queue and bounded concurrency.
// ABOUTME: A background ticker dispatches queued tasks and completed records are retained for polling.

package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/2389/mcp-broker/internal/mcp"
)

const (
	taskConcurrency  = 3
	taskDispatchTick = 2 * time.Second
	taskRetention    = 5 * time.Minute
	taskShutdownWait = 30 * time.Second
)

// TaskStatus tracks a task through its lifecycle.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// taskKinds are the accepted automation task types.
var taskKinds = map[string]struct{}{
	"screenshot": {},
	"pdf":        {},
	"scrape":     {},
	"form-fill":  {},
	"monitor":    {},
}

// task is one queued automation job.
type task struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	Payload    map[string]any `json:"payload,omitempty"`
	Status     TaskStatus     `json:"status"`
	QueuedAt   time.Time      `json:"queued_at"`
	StartedAt  time.Time      `json:"started_at,omitempty"`
	FinishedAt time.Time      `json:"finished_at,omitempty"`
	Result     any            `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`

	cancel context.CancelFunc
}

// TaskServer queues automation tasks and executes them with bounded
// concurrency. Work is simulated; a real browser driver can be substituted
// behind the same capability interface.
type TaskServer struct {
	mu    sync.Mutex
	queue []*task
	tasks map[string]*task

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	cfg         mcp.ServerConfig
	logger      *slog.Logger
	initialized bool

	dispatchTick time.Duration // overridable in tests
	workDuration time.Duration // simulated job length, overridable in tests
	retention    time.Duration
	shutdownWait time.Duration
}

// NewTaskServer creates a task-automation server with the given tuning.
func NewTaskServer(cfg mcp.ServerConfig, logger *slog.Logger) *TaskServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskServer{
		tasks:        make(map[string]*task),
		cfg:          cfg,
		logger:       logger.With("component", "task-server"),
		dispatchTick: taskDispatchTick,
		workDuration: 50 * time.Millisecond,
		retention:    taskRetention,
		shutdownWait: taskShutdownWait,
	}
}

// Describe returns the registry descriptor.
func (s *TaskServer) Describe() *mcp.ServerInfo {
	return &mcp.ServerInfo{
		ID:           "task-automation",
		Name:         "Task Automation",
		Type:         mcp.ServerTypeTasks,
		Status:       mcp.StatusDisconnected,
		Capabilities: s.Capabilities(),
		Config:       s.cfg,
		Version:      "1.0.0",
	}
}

// Initialize starts the dispatch loop. Idempotent.
func (s *TaskServer) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	s.initialized = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.group = &errgroup.Group{}
	s.group.SetLimit(taskConcurrency)
	s.done = make(chan struct{})
	go s.dispatchLoop(s.done)

	s.logger.Info("task server initialized", "concurrency", taskConcurrency)
	return nil
}

// Capabilities lists the automation operations.
func (s *TaskServer) Capabilities() []mcp.Capability {
	caps := []mcp.Capability{
		{
			Name:        "getTaskStatus",
			Description: "Poll a queued or finished task",
			InputSchema: map[string]any{"task_id": "string"},
			Enabled:     true,
		},
		{
			Name:        "cancelTask",
			Description: "Cancel a queued or running task",
			InputSchema: map[string]any{"task_id": "string"},
			Enabled:     true,
		},
	}
	for kind := range taskKinds {
		caps = append(caps, mcp.Capability{
			Name:        kind,
			Description: fmt.Sprintf("Queue a %s automation task", kind),
			InputSchema: map[string]any{"url": "string (optional)", "options": "object (optional)"},
			Enabled:     true,
		})
	}
	return caps
}

// Handle dispatches a task capability call.
func (s *TaskServer) Handle(ctx context.Context, req *mcp.Request) (any, error) {
	s.mu.Lock()
	initialized := s.initialized
	s.mu.Unlock()
	if !initialized {
		return nil, ErrNotInitialized
	}

	switch req.Capability {
	case "getTaskStatus":
		return s.taskStatus(req)
	case "cancelTask":
		return s.cancelTask(req)
	default:
		if _, ok := taskKinds[req.Capability]; ok {
			return s.enqueue(req.Capability, req.Payload), nil
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownCapability, req.Capability)
	}
}

// Shutdown cancels running tasks and waits for workers, bounded by the
// shutdown wait (or ctx, whichever ends first). Queues are force-cleared if
// the bound is hit.
func (s *TaskServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return nil
	}
	s.initialized = false
	close(s.done)
	s.cancel()
	group := s.group
	s.mu.Unlock()

	waited := make(chan struct{})
	go func() {
		_ = group.Wait() // workers never return errors
		close(waited)
	}()

	var err error
	select {
	case <-waited:
	case <-time.After(s.shutdownWait):
		err = fmt.Errorf("task server shutdown timed out after %s", s.shutdownWait)
	case <-ctx.Done():
		err = ctx.Err()
	}

	s.mu.Lock()
	s.queue = nil
	s.tasks = make(map[string]*task)
	s.mu.Unlock()

	s.logger.Info("task server shut down")
	return err
}

// enqueue records a task at the back of the FIFO queue.
func (s *TaskServer) enqueue(kind string, payload map[string]any) map[string]any {
	t := &task{
		ID:       uuid.New().String(),
		Kind:     kind,
		Payload:  payload,
		Status:   TaskQueued,
		QueuedAt: time.Now(),
	}

	s.mu.Lock()
	s.queue = append(s.queue, t)
	s.tasks[t.ID] = t
	depth := len(s.queue)
	s.mu.Unlock()

	s.logger.Debug("task queued", "task_id", t.ID, "kind", kind, "queue_depth", depth)
	return map[string]any{"task_id": t.ID, "status": string(TaskQueued)}
}

func (s *TaskServer) taskStatus(req *mcp.Request) (any, error) {
	id, err := requireStringArg(req.Payload, "task_id")
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %q not found", id)
	}

	// Snapshot under the lock; the live record keeps being mutated by workers
	// while callers serialize the response.
	snapshot := *t
	snapshot.cancel = nil
	return &snapshot, nil
}

func (s *TaskServer) cancelTask(req *mcp.Request) (any, error) {
	id, err := requireStringArg(req.Payload, "task_id")
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %q not found", id)
	}

	switch t.Status {
	case TaskQueued:
		t.Status = TaskCancelled
		t.FinishedAt = time.Now()
		for i, queued := range s.queue {
			if queued.ID == id {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				break
			}
		}
	case TaskRunning:
		if t.cancel != nil {
			t.cancel()
		}
	default:
		return nil, fmt.Errorf("task %q already finished", id)
	}

	return map[string]any{"task_id": id, "status": string(t.Status)}, nil
}

// dispatchLoop pulls from the FIFO queue while under the concurrency cap and
// prunes finished records past their retention.
func (s *TaskServer) dispatchLoop(done <-chan struct{}) {
	ticker := time.NewTicker(s.dispatchTick)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.dispatch()
			s.prune()
		}
	}
}

func (s *TaskServer) dispatch() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		t := s.queue[0]

		taskCtx, cancel := context.WithCancel(s.ctx)
		t.cancel = cancel
		started := s.group.TryGo(func() error {
			s.run(taskCtx, t)
			return nil
		})
		if !started {
			// At the concurrency cap; leave the task at the queue front.
			cancel()
			t.cancel = nil
			s.mu.Unlock()
			return
		}

		s.queue = s.queue[1:]
		t.Status = TaskRunning
		t.StartedAt = time.Now()
		s.mu.Unlock()
	}
}

// run simulates executing one automation task.
func (s *TaskServer) run(ctx context.Context, t *task) {
	defer t.cancel()

	select {
	case <-ctx.Done():
		s.finish(t, TaskCancelled, nil, "cancelled")
		return
	case <-time.After(s.workDuration):
	}

	result := map[string]any{
		"kind":      t.Kind,
		"url":       stringArg(t.Payload, "url"),
		"artifact":  fmt.Sprintf("%s-%s.out", t.Kind, t.ID[:8]),
		"simulated": true,
	}
	s.finish(t, TaskCompleted, result, "")
}

func (s *TaskServer) finish(t *task, status TaskStatus, result any, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t.Status = status
	t.Result = result
	t.Error = errMsg
	t.FinishedAt = time.Now()
}

// prune drops completed/failed/cancelled records past the retention window.
func (s *TaskServer) prune() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for id, t := range s.tasks {
		switch t.Status {
		case TaskCompleted, TaskFailed, TaskCancelled:
			if now.Sub(t.FinishedAt) > s.retention {
				delete(s.tasks, id)
			}
		}
	}
}

// QueueDepth reports how many tasks are waiting. Used by status projections.
func (s *TaskServer) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
