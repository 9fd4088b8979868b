package storage

import (
	"time"

	"github.com/contentforge/tasking/pkg/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned for requests that lost a race, e.g. canceling a
// task that already reached a terminal state.
var ErrConflict = errors.New("conflict")

// TaskFilter narrows ListTasks. Zero values mean "no constraint".
type TaskFilter struct {
	States        []models.TaskState
	Worker        string
	Resource      string // matches either the exclusive or the shared declaration
	GroupID       *uuid.UUID
	ParentID      *uuid.UUID
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
}

// Store defines the persistence operations of the tasking core. Begin returns
// a transactional view of the same interface; claim and release protocols are
// composed from these operations inside a single transaction.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Task records
	SaveTask(t models.Task) error
	GetTask(id uuid.UUID) (models.Task, error)
	ListTasks(f TaskFilter) ([]models.Task, error)
	// MarkTaskRunning flips waiting -> running, recording the worker and the
	// start time. Returns false if the task was not waiting anymore.
	MarkTaskRunning(id uuid.UUID, worker string) (bool, error)
	// MarkTaskCanceling flips running -> canceling. Returns false if the task
	// was not running.
	MarkTaskCanceling(id uuid.UUID) (bool, error)
	// CancelWaitingTask flips waiting -> canceled directly; no reservations
	// ever existed for such a task.
	CancelWaitingTask(id uuid.UUID) (bool, error)
	// FinishTask moves a running or canceling task into the given terminal
	// state, setting finished_at. Returns false if the task was already out
	// of those states.
	FinishTask(id uuid.UUID, state models.TaskState, taskErr *models.TaskError, createdResources []string) (bool, error)
	// PurgeTasks deletes terminal tasks finished before the cutoff, in
	// batches of batchSize, and returns the number deleted.
	PurgeTasks(finishedBefore time.Time, states []models.TaskState, batchSize int) (int64, error)
	// AppendCreatedResources records resources created by the running work.
	AppendCreatedResources(id uuid.UUID, resources []string) error

	// Reservations. LockResources must be called inside a transaction and
	// with names in canonical sorted order; it serializes concurrent claim
	// attempts touching the same resource names.
	LockResources(names []string) error
	GetReservations(names []string) ([]models.Reservation, error)
	InsertReservations(taskID uuid.UUID, exclusive, shared []string) error
	DeleteReservations(taskID uuid.UUID) error
	ListReservations() ([]models.Reservation, error)

	// Workers
	Heartbeat(name string, currentTask *uuid.UUID) error
	GetWorker(name string) (models.Worker, error)
	ListWorkers(includeGone bool) ([]models.Worker, error)
	MissingWorkers(lastHeartbeatBefore time.Time) ([]models.Worker, error)
	MarkWorkerGone(name string) error
	DeleteGoneWorkers(lastHeartbeatBefore time.Time) (int64, error)

	// Task groups
	SaveTaskGroup(g models.TaskGroup) error
	GetTaskGroup(id uuid.UUID) (models.TaskGroup, error)
	FinishTaskGroup(id uuid.UUID) (bool, error)
	GroupTaskCounts(id uuid.UUID) (map[models.TaskState]int, error)

	// Progress reports
	SaveProgressReport(pr models.ProgressReport) (int64, error)
	UpdateProgressReport(pr models.ProgressReport) error
	ListProgressReports(taskID uuid.UUID) ([]models.ProgressReport, error)
}

type retryableError struct {
	err error
}

func (r retryableError) Error() string { return r.err.Error() }
func (r retryableError) Unwrap() error { return r.err }

// MarkRetryable tags an error as a transient transaction failure
// (serialization conflict, deadlock) that the caller should retry rather than
// surface.
func MarkRetryable(err error) error {
	if err == nil {
		return nil
	}
	return retryableError{err: err}
}

// IsRetryable reports whether the error was tagged by MarkRetryable.
func IsRetryable(err error) bool {
	var r retryableError
	return errors.As(err, &r)
}
