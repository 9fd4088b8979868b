package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/contentforge/tasking/pkg/models"
	"github.com/contentforge/tasking/pkg/storage"
	"github.com/stretchr/testify/require"
)

type testLogger struct{}

func (testLogger) Infof(format string, args ...interface{})  {}
func (testLogger) Warnf(format string, args ...interface{})  {}
func (testLogger) Errorf(format string, args ...interface{}) {}

// recordingNotifier counts notifications and wakes waiters immediately, so
// loop tests never sit out a full wait timeout.
type recordingNotifier struct {
	mu       sync.Mutex
	notified int
}

func (n *recordingNotifier) Notify(ctx context.Context, channel string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notified++
	return nil
}

func (n *recordingNotifier) Wait(ctx context.Context, channel string, timeout time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Millisecond):
		return nil
	}
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.notified
}

// funcExecutor lets tests script the outcome of each execution.
type funcExecutor struct {
	fn func(ctx context.Context, task models.Task) (models.TaskState, *models.TaskError)
}

func (e funcExecutor) Execute(ctx context.Context, task models.Task) (models.TaskState, *models.TaskError) {
	return e.fn(ctx, task)
}

func completingExecutor() funcExecutor {
	return funcExecutor{fn: func(ctx context.Context, task models.Task) (models.TaskState, *models.TaskError) {
		return models.CompletedTaskState, nil
	}}
}

type testEnv struct {
	store    storage.Store
	notifier *recordingNotifier
	tasks    *TaskService
	groups   *GroupService
	workers  *WorkerService
}

func newTestEnv() *testEnv {
	store := storage.NewMockStore()
	notifier := &recordingNotifier{}
	logger := testLogger{}
	return &testEnv{
		store:    store,
		notifier: notifier,
		tasks:    NewTaskService(store, notifier, logger),
		groups:   NewGroupService(store, logger),
		workers:  NewWorkerService(store, notifier, logger),
	}
}

func (env *testEnv) newScheduler(worker string, executor Executor) *Scheduler {
	s := NewScheduler(env.store, env.notifier, executor, env.workers, testLogger{})
	s.WorkerName = worker
	return s
}

func (env *testEnv) dispatch(t *testing.T, work string, exclusive, shared []string) models.Task {
	t.Helper()
	task, err := env.tasks.Dispatch(context.Background(), DispatchOptions{
		Work:               work,
		ExclusiveResources: exclusive,
		SharedResources:    shared,
	})
	require.NoError(t, err)
	return task
}

func (env *testEnv) taskState(t *testing.T, task models.Task) models.TaskState {
	t.Helper()
	current, err := env.store.GetTask(task.ID)
	require.NoError(t, err)
	return current.State
}
