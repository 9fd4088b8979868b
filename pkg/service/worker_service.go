package service

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/contentforge/tasking/pkg/models"
	"github.com/contentforge/tasking/pkg/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	// DefaultHeartbeatInterval is how often a worker writes its heartbeat
	// and, when idle, rechecks for claimable work.
	DefaultHeartbeatInterval = 5 * time.Second
	// DefaultMissingAfter is how long without heartbeats before a worker's
	// tasks are failed as abandoned.
	DefaultMissingAfter = 30 * time.Second
	// DefaultGoneAfter is how long without heartbeats before a worker row is
	// soft-deleted. The gap between this and DefaultMissingAfter keeps the
	// row around for postmortem inspection.
	DefaultGoneAfter = 10 * time.Minute
	// DefaultCleanupAfter is how long gone worker rows are retained before
	// hard deletion.
	DefaultCleanupAfter = 24 * time.Hour
)

// WorkerService owns the worker registry: heartbeats, classification and the
// reaper that fails tasks abandoned by dead workers.
type WorkerService struct {
	store    storage.Store
	notifier Notifier
	logger   Logger

	MissingAfter time.Duration
	GoneAfter    time.Duration
	CleanupAfter time.Duration
}

func NewWorkerService(store storage.Store, notifier Notifier, logger Logger) *WorkerService {
	return &WorkerService{
		store:        store,
		notifier:     notifier,
		logger:       logger,
		MissingAfter: DefaultMissingAfter,
		GoneAfter:    DefaultGoneAfter,
		CleanupAfter: DefaultCleanupAfter,
	}
}

// DefaultWorkerName derives a registry name from the host and pid, so each
// worker process registers exactly once across restarts of the same host.
func DefaultWorkerName() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s:%d", hostname, os.Getpid())
}

// Heartbeat upserts the worker's liveness timestamp and current task.
func (ws *WorkerService) Heartbeat(name string, currentTask *uuid.UUID) error {
	return ws.store.Heartbeat(name, currentTask)
}

func (ws *WorkerService) Get(name string) (models.Worker, error) {
	return ws.store.GetWorker(name)
}

// List returns workers with their liveness classification filled in.
func (ws *WorkerService) List(includeGone bool) ([]models.Worker, error) {
	return ws.store.ListWorkers(includeGone)
}

// Reap scans for workers past the missing threshold, fails their claimed
// tasks with a synthetic abandonment error, releases their reservations, and
// soft-deletes workers silent past the gone window. Any worker may run this
// opportunistically; all mutations are guarded by state predicates so
// concurrent reapers are harmless.
func (ws *WorkerService) Reap(ctx context.Context) (failed int, err error) {
	now := time.Now()
	missing, err := ws.store.MissingWorkers(now.Add(-ws.MissingAfter))
	if err != nil {
		return 0, errors.Wrap(err, "scan for missing workers")
	}

	released := false
	for _, worker := range missing {
		tasks, err := ws.store.ListTasks(storage.TaskFilter{
			Worker: worker.Name,
			States: []models.TaskState{models.RunningTaskState, models.CancelingTaskState},
		})
		if err != nil {
			return failed, errors.Wrapf(err, "list tasks of missing worker %s", worker.Name)
		}
		for _, task := range tasks {
			ok, err := ws.failAbandoned(task, worker.Name)
			if err != nil {
				ws.logger.Errorf("Failed to fail abandoned task %s: %v", task.ID, err)
				continue
			}
			if ok {
				failed++
				released = true
				ws.logger.Warnf("Task %s failed: worker %s stopped heartbeating", task.ID, worker.Name)
			}
		}
		if now.Sub(worker.LastHeartbeat) > ws.GoneAfter {
			if err := ws.store.MarkWorkerGone(worker.Name); err != nil {
				ws.logger.Errorf("Failed to mark worker %s gone: %v", worker.Name, err)
			} else {
				ws.logger.Warnf("Worker %s marked gone after %s of silence", worker.Name, now.Sub(worker.LastHeartbeat))
			}
		}
	}

	if deleted, err := ws.store.DeleteGoneWorkers(now.Add(-ws.CleanupAfter)); err != nil {
		ws.logger.Errorf("Failed to clean up gone workers: %v", err)
	} else if deleted > 0 {
		ws.logger.Infof("Cleaned up %d gone workers", deleted)
	}

	if released {
		// freed reservations may unblock waiting tasks
		if err := ws.notifier.Notify(ctx, TasksChannel); err != nil {
			ws.logger.Warnf("Failed to notify workers after reap: %v", err)
		}
	}
	return failed, nil
}

// failAbandoned finalizes one abandoned task: terminal state and reservation
// release happen in the same transaction, so no observer sees a terminal task
// still holding resources.
func (ws *WorkerService) failAbandoned(task models.Task, worker string) (ok bool, err error) {
	txStore, err := ws.store.Begin()
	if err != nil {
		return false, errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				ws.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			ws.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	// The state predicate makes this a no-op if the worker finished the task
	// (or another reaper got here) after our scan.
	ok, err = txStore.FinishTask(task.ID, models.FailedTaskState, models.AbandonedError(worker), nil)
	if err != nil || !ok {
		return false, err
	}
	if err = txStore.DeleteReservations(task.ID); err != nil {
		return false, err
	}
	return true, nil
}
