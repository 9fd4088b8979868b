package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/contentforge/tasking/pkg/models"
	"github.com/contentforge/tasking/pkg/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// DefaultPurgeBatchSize bounds how many task rows a single purge statement
// touches.
const DefaultPurgeBatchSize = 1000

// DispatchOptions describes one task creation request. Args must be
// JSON-serializable primitives; everything else is rejected so the work
// execution interface stays process-boundary-safe.
type DispatchOptions struct {
	Name               string
	Work               string
	Args               models.JSONMap
	ExclusiveResources []string
	SharedResources    []string
	ParentID           *uuid.UUID
	GroupID            *uuid.UUID
	CorrelationID      string
}

// TaskService implements the task creation, query, cancel and purge
// interfaces consumed by the API layer.
type TaskService struct {
	store    storage.Store
	notifier Notifier
	logger   Logger
}

func NewTaskService(store storage.Store, notifier Notifier, logger Logger) *TaskService {
	return &TaskService{store: store, notifier: notifier, logger: logger}
}

// Dispatch creates a waiting task with its declared resource needs and wakes
// idle workers.
func (ts *TaskService) Dispatch(ctx context.Context, opts DispatchOptions) (task models.Task, err error) {
	if opts.Work == "" {
		return models.Task{}, errors.New("work reference cannot be empty")
	}
	if _, jsonErr := json.Marshal(opts.Args); jsonErr != nil {
		return models.Task{}, errors.Wrap(jsonErr, "task args must be serializable")
	}
	exclusive, shared, err := normalizeResources(opts.ExclusiveResources, opts.SharedResources)
	if err != nil {
		return models.Task{}, err
	}
	name := opts.Name
	if name == "" {
		name = opts.Work
	}
	correlationID := opts.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	task = models.Task{
		ID:                 uuid.New(),
		Name:               name,
		CorrelationID:      correlationID,
		State:              models.WaitingTaskState,
		Work:               opts.Work,
		Args:               opts.Args,
		ExclusiveResources: exclusive,
		SharedResources:    shared,
		ParentID:           opts.ParentID,
		GroupID:            opts.GroupID,
		CreatedAt:          time.Now(),
	}

	txStore, err := ts.store.Begin()
	if err != nil {
		return models.Task{}, errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				ts.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			ts.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	if opts.ParentID != nil {
		if _, err = txStore.GetTask(*opts.ParentID); err != nil {
			return models.Task{}, errors.Wrapf(err, "parent task %s", *opts.ParentID)
		}
	}
	if opts.GroupID != nil {
		var group models.TaskGroup
		if group, err = txStore.GetTaskGroup(*opts.GroupID); err != nil {
			return models.Task{}, errors.Wrapf(err, "task group %s", *opts.GroupID)
		}
		if group.AllTasksDispatched {
			err = errors.Wrap(storage.ErrConflict, "task group is already fully dispatched")
			return models.Task{}, err
		}
	}
	if err = txStore.SaveTask(task); err != nil {
		return models.Task{}, err
	}

	ts.logger.Infof("Dispatched task %s (%s) exclusive=%v shared=%v", task.ID, task.Name,
		exclusive, shared)
	if notifyErr := ts.notifier.Notify(ctx, TasksChannel); notifyErr != nil {
		// lost wakeups only delay claiming until the next poll
		ts.logger.Warnf("Failed to notify workers of new task: %v", notifyErr)
	}
	return task, nil
}

// normalizeResources drops duplicate declarations and rejects a resource
// requested in both modes; a task never holds the same resource twice.
func normalizeResources(exclusiveIn, sharedIn []string) (exclusive, shared []string, err error) {
	seenExclusive := make(map[string]struct{}, len(exclusiveIn))
	for _, r := range exclusiveIn {
		if _, ok := seenExclusive[r]; ok {
			continue
		}
		seenExclusive[r] = struct{}{}
		exclusive = append(exclusive, r)
	}
	seenShared := make(map[string]struct{}, len(sharedIn))
	for _, r := range sharedIn {
		if _, ok := seenExclusive[r]; ok {
			return nil, nil, errors.Errorf("resource %q requested both exclusive and shared", r)
		}
		if _, ok := seenShared[r]; ok {
			continue
		}
		seenShared[r] = struct{}{}
		shared = append(shared, r)
	}
	return exclusive, shared, nil
}

func (ts *TaskService) GetTask(id uuid.UUID) (models.Task, error) {
	return ts.store.GetTask(id)
}

func (ts *TaskService) ListTasks(f storage.TaskFilter) ([]models.Task, error) {
	return ts.store.ListTasks(f)
}

func (ts *TaskService) ListProgressReports(taskID uuid.UUID) ([]models.ProgressReport, error) {
	return ts.store.ListProgressReports(taskID)
}

// Cancel requests cancellation: a waiting task is canceled outright, a
// running task moves to canceling for its owning worker to finalize. Tasks
// already terminal yield storage.ErrConflict.
func (ts *TaskService) Cancel(ctx context.Context, id uuid.UUID) (task models.Task, err error) {
	txStore, err := ts.store.Begin()
	if err != nil {
		return models.Task{}, errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				ts.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			ts.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	task, err = txStore.GetTask(id)
	if err != nil {
		return models.Task{}, err
	}

	switch task.State {
	case models.CompletedTaskState, models.FailedTaskState, models.CanceledTaskState:
		err = errors.Wrapf(storage.ErrConflict, "task %s is already %s", id, task.State)
		return models.Task{}, err
	case models.CancelingTaskState:
		return task, nil
	case models.WaitingTaskState:
		var done bool
		done, err = txStore.CancelWaitingTask(id)
		if err != nil {
			return models.Task{}, err
		}
		if done {
			task.State = models.CanceledTaskState
			ts.logger.Infof("Canceled waiting task %s", id)
			return task, nil
		}
		// a worker claimed it between our read and the update
		fallthrough
	case models.RunningTaskState:
		var requested bool
		requested, err = txStore.MarkTaskCanceling(id)
		if err != nil {
			return models.Task{}, err
		}
		if !requested {
			// it left running between our read and the update
			if task, err = txStore.GetTask(id); err != nil {
				return models.Task{}, err
			}
			if task.State != models.CancelingTaskState {
				err = errors.Wrapf(storage.ErrConflict, "task %s is already %s", id, task.State)
				return models.Task{}, err
			}
			return task, nil
		}
		task.State = models.CancelingTaskState
		ts.logger.Infof("Requested cancellation of running task %s", id)
		return task, nil
	}
	err = errors.Errorf("task %s in unknown state %s", id, task.State)
	return models.Task{}, err
}

// Purge bulk-deletes terminal tasks finished before the cutoff in bounded
// batches.
func (ts *TaskService) Purge(finishedBefore time.Time, states []models.TaskState) (int64, error) {
	for _, st := range states {
		if !st.Terminal() {
			return 0, errors.Errorf("cannot purge tasks in non-terminal state %s", st)
		}
	}
	deleted, err := ts.store.PurgeTasks(finishedBefore, states, DefaultPurgeBatchSize)
	if err != nil {
		return deleted, err
	}
	ts.logger.Infof("Purged %d tasks finished before %s", deleted, finishedBefore.Format(time.RFC3339))
	return deleted, nil
}
