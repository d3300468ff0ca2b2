// Package tasks runs document ingestion in the background so uploads can
// return immediately with a pollable task id.
package tasks

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hsn0918/edakb/internal/logger"
)

// Status is the task lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Task is the public view of one ingestion job.
type Task struct {
	ID            string     `json:"task_id"`
	Filename      string     `json:"filename"`
	Status        Status     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	ChunksCreated int        `json:"chunks_created"`
	Error         string     `json:"error,omitempty"`
	Duration      float64    `json:"duration_seconds,omitempty"`
}

// IngestFunc processes the uploaded file at path and returns the number
// of chunks created.
type IngestFunc func(ctx context.Context, path, filename string) (int, error)

type job struct {
	taskID   string
	path     string
	filename string
}

// Manager owns the worker pool and the task table. Tasks live in memory
// for the lifetime of the process.
type Manager struct {
	mu     sync.RWMutex
	tasks  map[string]*Task
	order  []string
	queue  chan job
	ingest IngestFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager with the given worker count and starts
// the workers.
func NewManager(workers int, ingest IngestFunc) *Manager {
	if workers <= 0 {
		workers = 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		tasks:  map[string]*Task{},
		queue:  make(chan job, 64),
		ingest: ingest,
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	return m
}

// Stop drains the workers. Queued jobs that have not started are
// abandoned; their tasks stay pending.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

func newTaskID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

// Enqueue registers a pending task for the uploaded file at path and
// hands it to the pool. The manager takes ownership of the temp file.
func (m *Manager) Enqueue(filename, path string) *Task {
	task := &Task{
		ID:        newTaskID(),
		Filename:  filename,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}

	m.mu.Lock()
	m.tasks[task.ID] = task
	m.order = append(m.order, task.ID)
	snap := snapshot(task)
	m.mu.Unlock()

	m.queue <- job{taskID: task.ID, path: path, filename: filename}
	return snap
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case j := <-m.queue:
			m.run(j)
		}
	}
}

func (m *Manager) run(j job) {
	// 无论成败，临时文件都要清掉
	defer func() {
		if err := os.Remove(j.path); err != nil && !os.IsNotExist(err) {
			logger.GetLogger().Warn("清理临时文件失败",
				zap.String("path", j.path),
				zap.Error(err))
		}
	}()

	started := time.Now()
	m.update(j.taskID, func(t *Task) {
		t.Status = StatusProcessing
		t.StartedAt = &started
	})

	chunks, err := m.ingest(m.ctx, j.path, j.filename)

	completed := time.Now()
	m.update(j.taskID, func(t *Task) {
		t.CompletedAt = &completed
		t.Duration = completed.Sub(started).Seconds()
		if err != nil {
			t.Status = StatusFailed
			t.Error = err.Error()
			return
		}
		t.Status = StatusCompleted
		t.ChunksCreated = chunks
	})

	if err != nil {
		logger.GetLogger().Error("文档入库任务失败",
			zap.String("task_id", j.taskID),
			zap.String("file", j.filename),
			zap.Error(err))
		return
	}
	logger.GetLogger().Info("文档入库任务完成",
		zap.String("task_id", j.taskID),
		zap.String("file", j.filename),
		zap.Int("chunks", chunks),
		zap.Float64("seconds", completed.Sub(started).Seconds()))
}

func (m *Manager) update(id string, fn func(*Task)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok {
		fn(t)
	}
}

// Get returns a copy of the task.
func (m *Manager) Get(id string) (*Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, false
	}
	return snapshot(t), true
}

// List returns all tasks, newest first.
func (m *Manager) List() []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Task, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		out = append(out, snapshot(m.tasks[m.order[i]]))
	}
	return out
}

func snapshot(t *Task) *Task {
	copied := *t
	return &copied
}
