package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// TaskStatus represents the status of a background processing task.
type TaskStatus string

const (
	TaskPending  TaskStatus = "pending"
	TaskRunning  TaskStatus = "running"
	TaskComplete TaskStatus = "complete"
	TaskFailed   TaskStatus = "failed"
)

// Task records one background run so completion is observable instead of
// fire-and-forget.
type Task struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Status    TaskStatus `json:"status"`
	Error     string     `json:"error,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	DoneAt    time.Time  `json:"done_at,omitempty"`
}

// Tracker runs background tasks and keeps their completion records.
type Tracker struct {
	mu     sync.RWMutex
	tasks  map[string]*Task
	wg     sync.WaitGroup
	logger *slog.Logger
	nextID int
}

func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		tasks:  make(map[string]*Task),
		logger: logger,
	}
}

// Submit runs fn asynchronously and returns the task id.
func (t *Tracker) Submit(ctx context.Context, name string, fn func(ctx context.Context) error) string {
	t.mu.Lock()
	t.nextID++
	id := fmt.Sprintf("task-%d", t.nextID)
	task := &Task{ID: id, Name: name, Status: TaskPending, StartedAt: time.Now()}
	t.tasks[id] = task
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		t.mu.Lock()
		task.Status = TaskRunning
		t.mu.Unlock()

		err := fn(ctx)

		t.mu.Lock()
		task.DoneAt = time.Now()
		if err != nil {
			task.Status = TaskFailed
			task.Error = err.Error()
			t.logger.Error("background task failed", "id", id, "name", name, "err", err)
		} else {
			task.Status = TaskComplete
			t.logger.Info("background task completed", "id", id, "name", name)
		}
		t.mu.Unlock()
	}()

	return id
}

// Get returns a copy of the task record.
func (t *Tracker) Get(id string) (Task, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	task, ok := t.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *task, true
}

// List returns all task records.
func (t *Tracker) List() []Task {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Task, 0, len(t.tasks))
	for _, task := range t.tasks {
		out = append(out, *task)
	}
	return out
}

// Wait blocks until every submitted task has finished.
func (t *Tracker) Wait() { t.wg.Wait() }
