// Package polling implements durable, asynchronous execution of
// long-running CLI calls: submit returns a task id immediately while a
// bounded pool of workers executes in the background, with a SQLite-backed
// Store tracking each task's lifecycle.
package polling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/llmgate/gateway"
	"github.com/dshills/llmgate/internal/emit"
)

func marshalRequest(req gateway.Request) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Executor runs one submitted request to completion. It is the only
// dependency a Manager needs on the rest of the gateway — injected so this
// package never imports the orchestrator directly.
type Executor func(ctx context.Context, req gateway.Request) (gateway.Response, error)

// DefaultMaxConcurrent bounds the number of tasks executing at once.
const DefaultMaxConcurrent = 8

// DefaultCleanupAfter is how long a terminal task row survives before the
// periodic cleanup removes it.
const DefaultCleanupAfter = 24 * time.Hour

// Manager coordinates task submission, a bounded worker pool, and the
// cancellation of in-flight tasks. Status reads and writes all go through
// Store, so Manager itself holds no task state beyond the live cancel funcs
// needed for Cancel.
type Manager struct {
	store       *Store
	exec        Executor
	emitter     emit.Emitter
	newTaskID   func() string
	now         func() time.Time
	cleanupAfter time.Duration

	sem chan struct{}

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithMaxConcurrent overrides DefaultMaxConcurrent.
func WithMaxConcurrent(n int) Option {
	return func(m *Manager) { m.sem = make(chan struct{}, n) }
}

// WithCleanupAfter overrides DefaultCleanupAfter.
func WithCleanupAfter(d time.Duration) Option {
	return func(m *Manager) { m.cleanupAfter = d }
}

// WithEmitter attaches an observability sink.
func WithEmitter(e emit.Emitter) Option {
	return func(m *Manager) { m.emitter = e }
}

// WithIDGenerator overrides task id generation (tests use a deterministic
// sequence; production uses uuid.NewString).
func WithIDGenerator(f func() string) Option {
	return func(m *Manager) { m.newTaskID = f }
}

// WithClock overrides the manager's notion of "now" for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager constructs a Manager backed by store, executing submitted
// tasks via exec.
func NewManager(store *Store, exec Executor, opts ...Option) *Manager {
	m := &Manager{
		store:        store,
		exec:         exec,
		newTaskID:    defaultTaskID,
		now:          time.Now,
		cleanupAfter: DefaultCleanupAfter,
		sem:          make(chan struct{}, DefaultMaxConcurrent),
		cancels:      make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Submit creates a pending Task row and starts its worker in the
// background, returning the new task id immediately.
func (m *Manager) Submit(ctx context.Context, req gateway.Request) (string, error) {
	taskID := m.newTaskID()
	requestJSON, err := marshalRequest(req)
	if err != nil {
		return "", fmt.Errorf("polling: failed to encode request for task %s: %w", taskID, err)
	}

	if err := m.store.Insert(ctx, Task{
		TaskID:      taskID,
		Status:      StatusPending,
		RequestJSON: requestJSON,
		CreatedAt:   timestamp(m.now()),
	}); err != nil {
		return "", err
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancels[taskID] = cancel
	m.mu.Unlock()

	go m.runWorker(workerCtx, taskID, req)

	return taskID, nil
}

func (m *Manager) runWorker(ctx context.Context, taskID string, req gateway.Request) {
	defer func() {
		m.mu.Lock()
		delete(m.cancels, taskID)
		m.mu.Unlock()
	}()

	select {
	case m.sem <- struct{}{}:
		defer func() { <-m.sem }()
	case <-ctx.Done():
		m.finish(taskID, StatusCancelled, nil, strPtr("cancelled before a worker slot was available"))
		return
	}

	started := timestamp(m.now())
	if err := m.store.Update(context.Background(), taskID, StatusUpdate{Status: StatusRunning, StartedAt: &started}); err != nil {
		m.emit(taskID, "update_failed", map[string]interface{}{"error": err.Error()})
	}
	m.emit(taskID, "task_running", nil)

	resp, err := m.exec(ctx, req)

	switch {
	case ctx.Err() != nil:
		m.finish(taskID, StatusCancelled, nil, strPtr("task cancelled"))
	case err != nil:
		m.finish(taskID, StatusFailed, nil, strPtr(err.Error()))
	default:
		m.finish(taskID, StatusCompleted, resp, nil)
	}
}

func (m *Manager) finish(taskID string, status Status, result interface{}, errMsg *string) {
	completed := timestamp(m.now())
	if err := m.store.Update(context.Background(), taskID, StatusUpdate{
		Status:      status,
		CompletedAt: &completed,
		Result:      result,
		Error:       errMsg,
	}); err != nil {
		m.emit(taskID, "update_failed", map[string]interface{}{"error": err.Error()})
		return
	}
	m.emit(taskID, "task_"+string(status), nil)
}

// Status returns the current Task row, or ok=false if the id is unknown.
func (m *Manager) Status(ctx context.Context, taskID string) (Task, bool, error) {
	return m.store.Get(ctx, taskID)
}

// Wait polls the task's status at interval until it reaches a terminal
// state or timeout elapses. A zero interval uses a 500ms default, matching
// the original polling cadence. Reaching timeout transitions the row to
// StatusTimeout but does not cancel the worker.
func (m *Manager) Wait(ctx context.Context, taskID string, timeout time.Duration, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	if timeout <= 0 {
		deadline = time.Time{}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, ok, err := m.store.Get(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		if !ok {
			return Task{}, fmt.Errorf("polling: task %s not found", taskID)
		}
		if task.Status.Terminal() {
			return task, nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			completed := timestamp(m.now())
			msg := fmt.Sprintf("timeout after %s", timeout)
			_ = m.store.Update(ctx, taskID, StatusUpdate{Status: StatusTimeout, CompletedAt: &completed, Error: &msg})
			task.Status = StatusTimeout
			task.Error = &msg
			return task, nil
		}

		select {
		case <-ctx.Done():
			return Task{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cancel stops a task's worker (if still running) and marks its row
// cancelled if it isn't already terminal. It reports whether an in-flight
// worker was actually cancelled.
func (m *Manager) Cancel(ctx context.Context, taskID string) (bool, error) {
	m.mu.Lock()
	cancel, ok := m.cancels[taskID]
	m.mu.Unlock()
	if ok {
		cancel()
	}

	task, found, err := m.store.Get(ctx, taskID)
	if err != nil {
		return false, err
	}
	if !found || task.Status.Terminal() {
		return ok, nil
	}

	completed := timestamp(m.now())
	msg := "cancelled by caller"
	if err := m.store.Update(ctx, taskID, StatusUpdate{Status: StatusCancelled, CompletedAt: &completed, Error: &msg}); err != nil {
		return ok, err
	}
	return ok, nil
}

// Active returns every pending or running task.
func (m *Manager) Active(ctx context.Context) ([]Task, error) {
	return m.store.Active(ctx)
}

// Cleanup deletes terminal task rows older than cleanupAfter, returning the
// count removed. Callers typically invoke this on an hourly ticker.
func (m *Manager) Cleanup(ctx context.Context) (int64, error) {
	cutoff := timestamp(m.now().Add(-m.cleanupAfter))
	n, err := m.store.DeleteOlderThan(ctx, cutoff)
	if n > 0 {
		m.emit("", "cleanup", map[string]interface{}{"deleted": n})
	}
	return n, err
}

// RunPeriodicCleanup blocks, invoking Cleanup on every tick of interval,
// until ctx is cancelled. Intended to run in its own goroutine.
func (m *Manager) RunPeriodicCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Cleanup(ctx); err != nil {
				m.emit("", "cleanup_failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

func (m *Manager) emit(taskID, msg string, meta map[string]interface{}) {
	if m.emitter == nil {
		return
	}
	m.emitter.Emit(emit.Event{RunID: taskID, NodeID: "polling", Msg: msg, Meta: meta})
}

func timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func strPtr(s string) *string { return &s }

func defaultTaskID() string { return uuid.NewString() }
