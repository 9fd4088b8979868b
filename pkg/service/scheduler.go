package service

import (
	"context"
	"sync"
	"time"

	"github.com/contentforge/tasking/pkg/models"
	"github.com/contentforge/tasking/pkg/storage"
	"github.com/pkg/errors"
)

const (
	// DefaultClaimBatch is how many waiting tasks one scheduling pass scans.
	DefaultClaimBatch = 100
	// DefaultReapInterval rate-limits the opportunistic reaper each worker
	// runs alongside its dispatch loop.
	DefaultReapInterval = time.Minute
	// txRetries bounds retries of a claim or release transaction on
	// serialization failures.
	txRetries = 3
)

// Executor runs one claimed task to completion and reports the terminal
// outcome. The scheduler finalizes the task record from that outcome.
type Executor interface {
	Execute(ctx context.Context, task models.Task) (models.TaskState, *models.TaskError)
}

// Scheduler is the dispatch loop run by every worker process: heartbeat,
// claim the first non-conflicting waiting task in creation order, execute it,
// repeat; block on the notifier when nothing is claimable.
type Scheduler struct {
	store    storage.Store
	notifier Notifier
	executor Executor
	workers  *WorkerService
	logger   Logger

	WorkerName        string
	HeartbeatInterval time.Duration
	ReapInterval      time.Duration
	ClaimBatch        int

	lastReap time.Time
}

func NewScheduler(store storage.Store, notifier Notifier, executor Executor, workers *WorkerService, logger Logger) *Scheduler {
	return &Scheduler{
		store:             store,
		notifier:          notifier,
		executor:          executor,
		workers:           workers,
		logger:            logger,
		WorkerName:        DefaultWorkerName(),
		HeartbeatInterval: DefaultHeartbeatInterval,
		ReapInterval:      DefaultReapInterval,
		ClaimBatch:        DefaultClaimBatch,
	}
}

// Run loops until ctx is done. The notifier wait is bounded by the heartbeat
// interval, so heartbeats stay regular even when the worker is idle.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Infof("Worker %s dispatch loop starting", s.WorkerName)
	for {
		if ctx.Err() != nil {
			s.logger.Infof("Worker %s dispatch loop stopping", s.WorkerName)
			return nil
		}
		if err := s.workers.Heartbeat(s.WorkerName, nil); err != nil {
			s.logger.Errorf("Heartbeat failed: %v", err)
		}
		s.maybeReap(ctx)

		task, claimed := s.ClaimNext()
		if claimed {
			s.runTask(ctx, task)
			continue
		}
		if err := s.notifier.Wait(ctx, TasksChannel, s.HeartbeatInterval); err != nil {
			// only a done context gets here
			s.logger.Infof("Worker %s dispatch loop stopping", s.WorkerName)
			return nil
		}
	}
}

func (s *Scheduler) maybeReap(ctx context.Context) {
	if time.Since(s.lastReap) < s.ReapInterval {
		return
	}
	s.lastReap = time.Now()
	if _, err := s.workers.Reap(ctx); err != nil {
		s.logger.Errorf("Reap failed: %v", err)
	}
}

// ClaimNext scans waiting tasks oldest-first and claims the first whose
// declared resources do not conflict with current reservations. Conflicting
// tasks are skipped, not treated as errors; a younger independent task must
// not starve behind an older blocked one.
func (s *Scheduler) ClaimNext() (models.Task, bool) {
	waiting, err := s.store.ListTasks(storage.TaskFilter{
		States: []models.TaskState{models.WaitingTaskState},
		Limit:  s.ClaimBatch,
	})
	if err != nil {
		s.logger.Errorf("Failed to list waiting tasks: %v", err)
		return models.Task{}, false
	}
	for _, task := range waiting {
		for attempt := 0; attempt < txRetries; attempt++ {
			claimed, err := s.claim(task)
			if err != nil {
				if storage.IsRetryable(err) {
					continue
				}
				s.logger.Errorf("Claim attempt for task %s: %v", task.ID, err)
				break
			}
			if claimed {
				return task, true
			}
			break // conflict or raced: move on to the next candidate
		}
	}
	return models.Task{}, false
}

// claim atomically checks reservations and transitions the task to running.
// Resource locks are taken in canonical sorted order inside one transaction,
// so two workers claiming overlapping sets cannot deadlock, and no observer
// ever sees a running task without its reservations.
func (s *Scheduler) claim(task models.Task) (claimed bool, err error) {
	txStore, err := s.store.Begin()
	if err != nil {
		return false, errors.Wrap(err, "failed to begin transaction")
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rollbackErr := txStore.Rollback(); rollbackErr != nil {
			s.logger.Errorf("Failed to rollback claim: %v", rollbackErr)
		}
	}()

	names := models.ResourceNames(task.ExclusiveResources, task.SharedResources)
	if err := txStore.LockResources(names); err != nil {
		return false, err
	}
	held, err := txStore.GetReservations(names)
	if err != nil {
		return false, err
	}
	if models.ReservationConflict(held, task.ExclusiveResources, task.SharedResources) {
		return false, nil
	}
	ok, err := txStore.MarkTaskRunning(task.ID, s.WorkerName)
	if err != nil {
		return false, err
	}
	if !ok {
		// another worker claimed it, or it was canceled while waiting
		return false, nil
	}
	if err := txStore.InsertReservations(task.ID, task.ExclusiveResources, task.SharedResources); err != nil {
		return false, err
	}
	if err := txStore.Commit(); err != nil {
		return false, err
	}
	committed = true
	return true, nil
}

func (s *Scheduler) runTask(ctx context.Context, task models.Task) {
	taskID := task.ID
	if err := s.workers.Heartbeat(s.WorkerName, &taskID); err != nil {
		s.logger.Errorf("Heartbeat failed: %v", err)
	}
	s.logger.Infof("Worker %s executing task %s (%s)", s.WorkerName, task.ID, task.Name)

	// Tasks run for unbounded durations; keep heartbeating for the whole
	// execution or the reaper fails the task as abandoned mid-run.
	stopBeats := make(chan struct{})
	var beats sync.WaitGroup
	beats.Add(1)
	go func() {
		defer beats.Done()
		ticker := time.NewTicker(s.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopBeats:
				return
			case <-ticker.C:
				if err := s.workers.Heartbeat(s.WorkerName, &taskID); err != nil {
					s.logger.Errorf("Heartbeat failed: %v", err)
				}
			}
		}
	}()

	state, taskErr := s.executor.Execute(ctx, task)
	close(stopBeats)
	beats.Wait()

	s.Finish(ctx, task, state, taskErr)

	if err := s.workers.Heartbeat(s.WorkerName, nil); err != nil {
		s.logger.Errorf("Heartbeat failed: %v", err)
	}
}

// Finish records the terminal state and releases the task's reservations in
// one transaction, then wakes workers so newly-unblocked tasks get claimed.
func (s *Scheduler) Finish(ctx context.Context, task models.Task, state models.TaskState, taskErr *models.TaskError) {
	var err error
	for attempt := 0; attempt < txRetries; attempt++ {
		if err = s.finishTx(task, state, taskErr); err == nil || !storage.IsRetryable(err) {
			break
		}
		s.logger.Warnf("Retrying release of task %s after serialization failure: %v", task.ID, err)
	}
	if err != nil {
		s.logger.Errorf("Failed to finalize task %s as %s: %v", task.ID, state, err)
		return
	}
	s.logger.Infof("Task %s finished: %s", task.ID, state)
	if notifyErr := s.notifier.Notify(ctx, TasksChannel); notifyErr != nil {
		s.logger.Warnf("Failed to notify workers after release: %v", notifyErr)
	}
}

func (s *Scheduler) finishTx(task models.Task, state models.TaskState, taskErr *models.TaskError) (err error) {
	txStore, err := s.store.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	ok, err := txStore.FinishTask(task.ID, state, taskErr, nil)
	if err != nil {
		return err
	}
	if !ok {
		// the reaper beat us to it (e.g. our heartbeats stalled long enough
		// to be declared missing); its outcome stands
		s.logger.Warnf("Task %s was finalized by someone else; skipping release", task.ID)
		return nil
	}
	return txStore.DeleteReservations(task.ID)
}
