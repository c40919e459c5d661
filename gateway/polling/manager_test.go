package polling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dshills/llmgate/gateway"
)

func newTestManager(t *testing.T, exec Executor, opts ...Option) *Manager {
	t.Helper()
	store, err := OpenStore(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return NewManager(store, exec, opts...)
}

func TestManager_SubmitAndWait_Success(t *testing.T) {
	exec := func(ctx context.Context, req gateway.Request) (gateway.Response, error) {
		return gateway.Response{Choices: []gateway.Choice{{Message: gateway.ChoiceMessage{Content: "done"}}}}, nil
	}
	m := newTestManager(t, exec)

	taskID, err := m.Submit(context.Background(), gateway.Request{Model: "cli/claude"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	task, err := m.Wait(context.Background(), taskID, 2*time.Second, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if task.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", task.Status)
	}
	if task.ResultJSON == nil {
		t.Fatal("expected result json to be set")
	}
}

func TestManager_SubmitAndWait_ExecutorError(t *testing.T) {
	exec := func(ctx context.Context, req gateway.Request) (gateway.Response, error) {
		return gateway.Response{}, errors.New("boom")
	}
	m := newTestManager(t, exec)

	taskID, err := m.Submit(context.Background(), gateway.Request{Model: "cli/claude"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	task, err := m.Wait(context.Background(), taskID, 2*time.Second, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if task.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", task.Status)
	}
	if task.Error == nil || *task.Error != "boom" {
		t.Fatalf("unexpected error field: %v", task.Error)
	}
}

func TestManager_Wait_TimesOutWithoutKillingWorker(t *testing.T) {
	release := make(chan struct{})
	exec := func(ctx context.Context, req gateway.Request) (gateway.Response, error) {
		<-release
		return gateway.Response{}, nil
	}
	m := newTestManager(t, exec)

	taskID, err := m.Submit(context.Background(), gateway.Request{Model: "cli/claude"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	task, err := m.Wait(context.Background(), taskID, 50*time.Millisecond, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if task.Status != StatusTimeout {
		t.Fatalf("expected timeout, got %s", task.Status)
	}
	close(release)
}

func TestManager_Cancel_StopsRunningWorker(t *testing.T) {
	started := make(chan struct{})
	exec := func(ctx context.Context, req gateway.Request) (gateway.Response, error) {
		close(started)
		<-ctx.Done()
		return gateway.Response{}, ctx.Err()
	}
	m := newTestManager(t, exec)

	taskID, err := m.Submit(context.Background(), gateway.Request{Model: "cli/claude"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	<-started

	cancelled, err := m.Cancel(context.Background(), taskID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cancelled {
		t.Fatal("expected Cancel to report an in-flight worker was cancelled")
	}

	task, err := m.Wait(context.Background(), taskID, 2*time.Second, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if task.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", task.Status)
	}
}

func TestManager_Active_ListsPendingAndRunning(t *testing.T) {
	release := make(chan struct{})
	exec := func(ctx context.Context, req gateway.Request) (gateway.Response, error) {
		<-release
		return gateway.Response{}, nil
	}
	m := newTestManager(t, exec, WithMaxConcurrent(1))

	taskID1, _ := m.Submit(context.Background(), gateway.Request{Model: "cli/claude"})
	_, _ = m.Submit(context.Background(), gateway.Request{Model: "cli/claude"})

	deadline := time.Now().Add(time.Second)
	for {
		task, _, _ := m.Status(context.Background(), taskID1)
		if task.Status == StatusRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for task to start running")
		}
		time.Sleep(5 * time.Millisecond)
	}

	active, err := m.Active(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active tasks, got %d", len(active))
	}
	close(release)
}

func TestManager_Cleanup_RemovesOldTerminalTasks(t *testing.T) {
	now := time.Now()
	exec := func(ctx context.Context, req gateway.Request) (gateway.Response, error) {
		return gateway.Response{}, nil
	}
	m := newTestManager(t, exec, WithClock(func() time.Time { return now }), WithCleanupAfter(time.Hour))

	taskID, err := m.Submit(context.Background(), gateway.Request{Model: "cli/claude"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = m.Wait(context.Background(), taskID, 2*time.Second, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	future := now.Add(2 * time.Hour)
	m.now = func() time.Time { return future }

	n, err := m.Cleanup(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 task cleaned up, got %d", n)
	}

	_, found, err := m.Status(context.Background(), taskID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Fatal("expected task to be removed after cleanup")
	}
}
