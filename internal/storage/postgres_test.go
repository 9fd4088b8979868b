package storage_test

import (
	"testing"
	"time"

	internal_storage "github.com/contentforge/tasking/internal/storage"
	"github.com/contentforge/tasking/internal/testutil"
	"github.com/contentforge/tasking/pkg/models"
	"github.com/contentforge/tasking/pkg/storage"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore(t *testing.T) {
	testDB := testutil.SetupTestDB(t)
	defer testDB.Teardown(t)

	// Helper to create a transactional store
	newTxStore := func(t *testing.T) *internal_storage.PostgresStore {
		store, err := internal_storage.NewPostgresStore(testDB.ConnStr)
		assert.NoError(t, err)
		txStore, err := store.Begin()
		assert.NoError(t, err)
		t.Cleanup(func() { txStore.Rollback() })
		return txStore.(*internal_storage.PostgresStore)
	}

	newTask := func(work string) models.Task {
		return models.Task{
			ID:            uuid.New(),
			Name:          work,
			CorrelationID: uuid.NewString(),
			State:         models.WaitingTaskState,
			Work:          work,
			CreatedAt:     time.Now(),
		}
	}

	t.Run("SaveAndGetTask", func(t *testing.T) {
		store := newTxStore(t)
		task := newTask("sync")
		task.Args = models.JSONMap{"repository": "rpm-main", "depth": float64(3)}
		task.ExclusiveResources = []string{"repo-a"}
		task.SharedResources = []string{"remote-a", "remote-b"}
		assert.NoError(t, store.SaveTask(task))

		saved, err := store.GetTask(task.ID)
		assert.NoError(t, err)
		assert.Equal(t, task.ID, saved.ID)
		assert.Equal(t, models.WaitingTaskState, saved.State)
		assert.Equal(t, "rpm-main", saved.Args["repository"])
		assert.Equal(t, float64(3), saved.Args["depth"])
		assert.Equal(t, []string{"repo-a"}, []string(saved.ExclusiveResources))
		assert.Equal(t, []string{"remote-a", "remote-b"}, []string(saved.SharedResources))
		assert.Nil(t, saved.WorkerName)
		assert.Nil(t, saved.Error)
	})

	t.Run("SaveTaskWithoutResources", func(t *testing.T) {
		store := newTxStore(t)
		task := newTask("orphan-cleanup")
		assert.NoError(t, store.SaveTask(task))

		saved, err := store.GetTask(task.ID)
		assert.NoError(t, err)
		assert.Empty(t, saved.ExclusiveResources)
		assert.Empty(t, saved.SharedResources)
		assert.Empty(t, saved.CreatedResources)
	})

	t.Run("GetNonExistingTask", func(t *testing.T) {
		store := newTxStore(t)
		_, err := store.GetTask(uuid.New())
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ListTasksFilters", func(t *testing.T) {
		store := newTxStore(t)
		group := models.TaskGroup{ID: uuid.New(), Description: "g", CreatedAt: time.Now()}
		assert.NoError(t, store.SaveTaskGroup(group))

		first := newTask("sync")
		first.CreatedAt = time.Now().Add(-2 * time.Hour)
		first.ExclusiveResources = []string{"repo-a"}
		assert.NoError(t, store.SaveTask(first))

		second := newTask("publish")
		second.CreatedAt = time.Now().Add(-time.Hour)
		second.SharedResources = []string{"repo-a"}
		second.GroupID = &group.ID
		assert.NoError(t, store.SaveTask(second))

		// creation order
		all, err := store.ListTasks(storage.TaskFilter{})
		assert.NoError(t, err)
		assert.Len(t, all, 2)
		assert.Equal(t, first.ID, all[0].ID)

		byState, err := store.ListTasks(storage.TaskFilter{States: []models.TaskState{models.WaitingTaskState}})
		assert.NoError(t, err)
		assert.Len(t, byState, 2)

		// resource matches both declaration kinds
		byResource, err := store.ListTasks(storage.TaskFilter{Resource: "repo-a"})
		assert.NoError(t, err)
		assert.Len(t, byResource, 2)

		byGroup, err := store.ListTasks(storage.TaskFilter{GroupID: &group.ID})
		assert.NoError(t, err)
		assert.Len(t, byGroup, 1)
		assert.Equal(t, second.ID, byGroup[0].ID)

		limited, err := store.ListTasks(storage.TaskFilter{Limit: 1})
		assert.NoError(t, err)
		assert.Len(t, limited, 1)
		assert.Equal(t, first.ID, limited[0].ID)

		cutoff := time.Now().Add(-90 * time.Minute)
		recent, err := store.ListTasks(storage.TaskFilter{CreatedAfter: &cutoff})
		assert.NoError(t, err)
		assert.Len(t, recent, 1)
		assert.Equal(t, second.ID, recent[0].ID)
	})

	t.Run("MarkTaskRunningOnlyOnce", func(t *testing.T) {
		store := newTxStore(t)
		task := newTask("sync")
		assert.NoError(t, store.SaveTask(task))

		claimed, err := store.MarkTaskRunning(task.ID, "worker-1")
		assert.NoError(t, err)
		assert.True(t, claimed)

		running, err := store.GetTask(task.ID)
		assert.NoError(t, err)
		assert.Equal(t, models.RunningTaskState, running.State)
		require.NotNil(t, running.WorkerName)
		assert.Equal(t, "worker-1", *running.WorkerName)
		assert.NotNil(t, running.StartedAt)

		// the state predicate rejects a second claim
		claimed, err = store.MarkTaskRunning(task.ID, "worker-2")
		assert.NoError(t, err)
		assert.False(t, claimed)
	})

	t.Run("CancelWaitingTask", func(t *testing.T) {
		store := newTxStore(t)
		task := newTask("sync")
		assert.NoError(t, store.SaveTask(task))

		done, err := store.CancelWaitingTask(task.ID)
		assert.NoError(t, err)
		assert.True(t, done)

		canceled, err := store.GetTask(task.ID)
		assert.NoError(t, err)
		assert.Equal(t, models.CanceledTaskState, canceled.State)
		assert.NotNil(t, canceled.FinishedAt)

		done, err = store.CancelWaitingTask(task.ID)
		assert.NoError(t, err)
		assert.False(t, done)
	})

	t.Run("FinishTaskFromCanceling", func(t *testing.T) {
		store := newTxStore(t)
		task := newTask("sync")
		assert.NoError(t, store.SaveTask(task))
		_, err := store.MarkTaskRunning(task.ID, "worker-1")
		assert.NoError(t, err)

		marked, err := store.MarkTaskCanceling(task.ID)
		assert.NoError(t, err)
		assert.True(t, marked)

		finished, err := store.FinishTask(task.ID, models.CanceledTaskState, nil, nil)
		assert.NoError(t, err)
		assert.True(t, finished)

		final, err := store.GetTask(task.ID)
		assert.NoError(t, err)
		assert.Equal(t, models.CanceledTaskState, final.State)

		// already terminal
		finished, err = store.FinishTask(task.ID, models.CompletedTaskState, nil, nil)
		assert.NoError(t, err)
		assert.False(t, finished)
	})

	t.Run("FinishTaskRecordsErrorAndResources", func(t *testing.T) {
		store := newTxStore(t)
		task := newTask("publish")
		assert.NoError(t, store.SaveTask(task))
		_, err := store.MarkTaskRunning(task.ID, "worker-1")
		assert.NoError(t, err)

		assert.NoError(t, store.AppendCreatedResources(task.ID, []string{"/publications/1/"}))

		taskErr := &models.TaskError{Description: "remote returned 502", Code: "work-error"}
		finished, err := store.FinishTask(task.ID, models.FailedTaskState, taskErr, []string{"/publications/2/"})
		assert.NoError(t, err)
		assert.True(t, finished)

		final, err := store.GetTask(task.ID)
		assert.NoError(t, err)
		assert.Equal(t, models.FailedTaskState, final.State)
		require.NotNil(t, final.Error)
		assert.Equal(t, "remote returned 502", final.Error.Description)
		assert.Equal(t, []string{"/publications/1/", "/publications/2/"}, []string(final.CreatedResources))
		assert.NotNil(t, final.FinishedAt)
	})

	t.Run("FinishTaskRejectsNonTerminalState", func(t *testing.T) {
		store := newTxStore(t)
		task := newTask("sync")
		assert.NoError(t, store.SaveTask(task))
		_, err := store.FinishTask(task.ID, models.RunningTaskState, nil, nil)
		assert.Error(t, err)
	})

	t.Run("AppendCreatedResourcesUnknownTask", func(t *testing.T) {
		store := newTxStore(t)
		err := store.AppendCreatedResources(uuid.New(), []string{"/x/"})
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("PurgeTasks", func(t *testing.T) {
		store := newTxStore(t)

		old := newTask("sync")
		assert.NoError(t, store.SaveTask(old))
		_, err := store.MarkTaskRunning(old.ID, "worker-1")
		assert.NoError(t, err)
		_, err = store.FinishTask(old.ID, models.CompletedTaskState, nil, nil)
		assert.NoError(t, err)

		waiting := newTask("sync")
		assert.NoError(t, store.SaveTask(waiting))

		deleted, err := store.PurgeTasks(time.Now().Add(time.Hour), nil, 10)
		assert.NoError(t, err)
		assert.Equal(t, int64(1), deleted)

		_, err = store.GetTask(old.ID)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = store.GetTask(waiting.ID)
		assert.NoError(t, err)
	})

	t.Run("Reservations", func(t *testing.T) {
		store := newTxStore(t)
		task := newTask("sync")
		assert.NoError(t, store.SaveTask(task))

		names := models.ResourceNames([]string{"repo-a"}, []string{"remote-a"})
		assert.NoError(t, store.LockResources(names))

		assert.NoError(t, store.InsertReservations(task.ID, []string{"repo-a"}, []string{"remote-a"}))

		held, err := store.GetReservations(names)
		assert.NoError(t, err)
		assert.Len(t, held, 2)

		exclusiveByName := map[string]bool{}
		for _, r := range held {
			assert.Equal(t, task.ID, r.TaskID)
			exclusiveByName[r.Resource] = r.Exclusive
		}
		assert.True(t, exclusiveByName["repo-a"])
		assert.False(t, exclusiveByName["remote-a"])

		// unrelated names return nothing
		none, err := store.GetReservations([]string{"repo-z"})
		assert.NoError(t, err)
		assert.Empty(t, none)

		assert.NoError(t, store.DeleteReservations(task.ID))
		held, err = store.ListReservations()
		assert.NoError(t, err)
		assert.Empty(t, held)
	})

	t.Run("LockResourcesRequiresTransaction", func(t *testing.T) {
		store, err := internal_storage.NewPostgresStore(testDB.ConnStr)
		assert.NoError(t, err)
		defer store.Close()
		assert.Error(t, store.LockResources([]string{"repo-a"}))
	})

	t.Run("WorkerHeartbeatUpsert", func(t *testing.T) {
		store := newTxStore(t)
		taskID := uuid.New()

		assert.NoError(t, store.Heartbeat("worker-1", nil))
		assert.NoError(t, store.Heartbeat("worker-1", &taskID))

		worker, err := store.GetWorker("worker-1")
		assert.NoError(t, err)
		require.NotNil(t, worker.CurrentTask)
		assert.Equal(t, taskID, *worker.CurrentTask)
		assert.False(t, worker.Gone)

		workers, err := store.ListWorkers(false)
		assert.NoError(t, err)
		assert.Len(t, workers, 1)
	})

	t.Run("GetNonExistingWorker", func(t *testing.T) {
		store := newTxStore(t)
		_, err := store.GetWorker("nobody")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("MissingAndGoneWorkers", func(t *testing.T) {
		store := newTxStore(t)
		assert.NoError(t, store.Heartbeat("worker-1", nil))

		missing, err := store.MissingWorkers(time.Now().Add(time.Hour))
		assert.NoError(t, err)
		assert.Len(t, missing, 1)

		missing, err = store.MissingWorkers(time.Now().Add(-time.Hour))
		assert.NoError(t, err)
		assert.Empty(t, missing)

		assert.NoError(t, store.MarkWorkerGone("worker-1"))

		// gone workers drop out of the missing scan and the default listing
		missing, err = store.MissingWorkers(time.Now().Add(time.Hour))
		assert.NoError(t, err)
		assert.Empty(t, missing)

		visible, err := store.ListWorkers(false)
		assert.NoError(t, err)
		assert.Empty(t, visible)

		all, err := store.ListWorkers(true)
		assert.NoError(t, err)
		assert.Len(t, all, 1)
		assert.True(t, all[0].Gone)

		deleted, err := store.DeleteGoneWorkers(time.Now().Add(time.Hour))
		assert.NoError(t, err)
		assert.Equal(t, int64(1), deleted)
	})

	t.Run("TaskGroups", func(t *testing.T) {
		store := newTxStore(t)
		group := models.TaskGroup{ID: uuid.New(), Description: "mirror everything", CreatedAt: time.Now()}
		assert.NoError(t, store.SaveTaskGroup(group))

		saved, err := store.GetTaskGroup(group.ID)
		assert.NoError(t, err)
		assert.Equal(t, "mirror everything", saved.Description)
		assert.False(t, saved.AllTasksDispatched)

		done, err := store.FinishTaskGroup(group.ID)
		assert.NoError(t, err)
		assert.True(t, done)

		done, err = store.FinishTaskGroup(group.ID)
		assert.NoError(t, err)
		assert.False(t, done)

		member := newTask("mirror")
		member.GroupID = &group.ID
		assert.NoError(t, store.SaveTask(member))
		claimedMember := newTask("mirror")
		claimedMember.GroupID = &group.ID
		assert.NoError(t, store.SaveTask(claimedMember))
		_, err = store.MarkTaskRunning(claimedMember.ID, "worker-1")
		assert.NoError(t, err)

		counts, err := store.GroupTaskCounts(group.ID)
		assert.NoError(t, err)
		assert.Equal(t, 1, counts[models.WaitingTaskState])
		assert.Equal(t, 1, counts[models.RunningTaskState])
	})

	t.Run("GetNonExistingTaskGroup", func(t *testing.T) {
		store := newTxStore(t)
		_, err := store.GetTaskGroup(uuid.New())
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ProgressReports", func(t *testing.T) {
		store := newTxStore(t)
		task := newTask("sync")
		assert.NoError(t, store.SaveTask(task))

		total := int64(100)
		id, err := store.SaveProgressReport(models.ProgressReport{
			TaskID:  task.ID,
			Message: "downloading artifacts",
			State:   string(models.RunningTaskState),
			Total:   &total,
		})
		assert.NoError(t, err)
		assert.Greater(t, id, int64(0))

		err = store.UpdateProgressReport(models.ProgressReport{
			ID:      id,
			TaskID:  task.ID,
			Message: "downloading artifacts",
			State:   string(models.RunningTaskState),
			Total:   &total,
			Done:    40,
			Suffix:  "artifact-40.rpm",
		})
		assert.NoError(t, err)

		reports, err := store.ListProgressReports(task.ID)
		assert.NoError(t, err)
		require.Len(t, reports, 1)
		assert.Equal(t, int64(40), reports[0].Done)
		assert.Equal(t, "artifact-40.rpm", reports[0].Suffix)

		err = store.UpdateProgressReport(models.ProgressReport{ID: 99999})
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}
