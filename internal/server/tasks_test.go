// ABOUTME: Tests for the task-automation server: queueing, dispatch, cancellation, retention.
// ABOUTME: Uses shortened tick/retention intervals to keep the suite fast.

package server

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mcp-broker/internal/mcp"
)

func newTaskServer(t *testing.T) *TaskServer {
	t.Helper()
	s := NewTaskServer(mcp.ServerConfig{}, slog.Default())
	s.dispatchTick = 5 * time.Millisecond
	s.workDuration = 10 * time.Millisecond
	require.NoError(t, s.Initialize(context.Background()))
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

func taskReq(capability string, payload map[string]any) *mcp.Request {
	return mcp.NewRequest("task-automation", capability, "t1", payload)
}

func queueTask(t *testing.T, s *TaskServer, kind string) string {
	t.Helper()
	out, err := s.Handle(context.Background(), taskReq(kind, map[string]any{"url": "https://example.com"}))
	require.NoError(t, err)
	result := out.(map[string]any)
	assert.Equal(t, "queued", result["status"])
	return result["task_id"].(string)
}

func taskStatus(t *testing.T, s *TaskServer, id string) TaskStatus {
	t.Helper()
	out, err := s.Handle(context.Background(), taskReq("getTaskStatus", map[string]any{"task_id": id}))
	require.NoError(t, err)
	return out.(*task).Status
}

func TestTaskLifecycle(t *testing.T) {
	s := newTaskServer(t)
	id := queueTask(t, s, "screenshot")

	assert.Eventually(t, func() bool {
		return taskStatus(t, s, id) == TaskCompleted
	}, time.Second, 5*time.Millisecond)

	out, err := s.Handle(context.Background(), taskReq("getTaskStatus", map[string]any{"task_id": id}))
	require.NoError(t, err)
	finished := out.(*task)
	assert.NotNil(t, finished.Result)
	assert.False(t, finished.FinishedAt.IsZero())
}

func TestAllTaskKindsAreAccepted(t *testing.T) {
	s := newTaskServer(t)
	for _, kind := range []string{"screenshot", "pdf", "scrape", "form-fill", "monitor"} {
		queueTask(t, s, kind)
	}
	_, err := s.Handle(context.Background(), taskReq("levitate", nil))
	assert.ErrorIs(t, err, ErrUnknownCapability)
}

func TestConcurrencyCap(t *testing.T) {
	s := newTaskServer(t)
	s.workDuration = 200 * time.Millisecond

	for i := 0; i < 6; i++ {
		queueTask(t, s, "scrape")
	}

	// Give the dispatcher a few ticks, then check no more than the cap runs.
	time.Sleep(30 * time.Millisecond)
	s.mu.Lock()
	running := 0
	for _, task := range s.tasks {
		if task.Status == TaskRunning {
			running++
		}
	}
	s.mu.Unlock()

	assert.LessOrEqual(t, running, taskConcurrency)
	assert.Greater(t, running, 0)
}

func TestCancelQueuedTask(t *testing.T) {
	s := NewTaskServer(mcp.ServerConfig{}, slog.Default())
	s.dispatchTick = time.Hour // never dispatch
	require.NoError(t, s.Initialize(context.Background()))
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	id := queueTask(t, s, "pdf")
	out, err := s.Handle(context.Background(), taskReq("cancelTask", map[string]any{"task_id": id}))
	require.NoError(t, err)
	assert.Equal(t, string(TaskCancelled), out.(map[string]any)["status"])
	assert.Equal(t, 0, s.QueueDepth())

	// Cancelling a finished task is an error.
	_, err = s.Handle(context.Background(), taskReq("cancelTask", map[string]any{"task_id": id}))
	assert.ErrorContains(t, err, "already finished")
}

func TestTaskStatusIsASnapshot(t *testing.T) {
	s := newTaskServer(t)
	id := queueTask(t, s, "screenshot")

	// Poll continuously while the worker transitions the task; status reads
	// must never share the record the workers mutate under s.mu.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			out, err := s.Handle(context.Background(), taskReq("getTaskStatus", map[string]any{"task_id": id}))
			if err != nil {
				return
			}
			if out.(*task).Status == TaskCompleted {
				return
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never completed")
	}

	// Mutating a returned status must not touch the server's record.
	out, err := s.Handle(context.Background(), taskReq("getTaskStatus", map[string]any{"task_id": id}))
	require.NoError(t, err)
	snapshot := out.(*task)
	snapshot.Status = TaskFailed
	assert.Equal(t, TaskCompleted, taskStatus(t, s, id))
}

func TestGetTaskStatusUnknown(t *testing.T) {
	s := newTaskServer(t)
	_, err := s.Handle(context.Background(), taskReq("getTaskStatus", map[string]any{"task_id": "ghost"}))
	assert.ErrorContains(t, err, "not found")
}

func TestFinishedTaskRetention(t *testing.T) {
	s := newTaskServer(t)
	s.retention = 20 * time.Millisecond

	id := queueTask(t, s, "monitor")
	assert.Eventually(t, func() bool {
		return taskStatus(t, s, id) == TaskCompleted
	}, time.Second, 5*time.Millisecond)

	// The record disappears once retention elapses.
	assert.Eventually(t, func() bool {
		s.mu.Lock()
		_, ok := s.tasks[id]
		s.mu.Unlock()
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestTaskShutdownClearsQueues(t *testing.T) {
	s := NewTaskServer(mcp.ServerConfig{}, slog.Default())
	s.dispatchTick = time.Hour
	require.NoError(t, s.Initialize(context.Background()))

	queueTask(t, s, "scrape")
	require.NoError(t, s.Shutdown(context.Background()))

	assert.Equal(t, 0, s.QueueDepth())
	_, err := s.Handle(context.Background(), taskReq("getTaskStatus", map[string]any{"task_id": "any"}))
	assert.ErrorIs(t, err, ErrNotInitialized)
}
