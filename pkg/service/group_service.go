package service

import (
	"time"

	"github.com/contentforge/tasking/pkg/models"
	"github.com/contentforge/tasking/pkg/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// GroupService coordinates task groups: creation, the all-tasks-dispatched
// flag, and aggregate per-state counts derived from member tasks.
type GroupService struct {
	store  storage.Store
	logger Logger
}

func NewGroupService(store storage.Store, logger Logger) *GroupService {
	return &GroupService{store: store, logger: logger}
}

func (gs *GroupService) Create(description string) (models.TaskGroup, error) {
	group := models.TaskGroup{
		ID:          uuid.New(),
		Description: description,
		CreatedAt:   time.Now(),
	}
	if err := gs.store.SaveTaskGroup(group); err != nil {
		return models.TaskGroup{}, err
	}
	gs.logger.Infof("Created task group %s", group.ID)
	return group, nil
}

// FinishDispatching marks the group as fully dispatched: no further tasks
// will be added, so aggregate counts stop growing in the waiting column.
func (gs *GroupService) FinishDispatching(id uuid.UUID) error {
	done, err := gs.store.FinishTaskGroup(id)
	if err != nil {
		return err
	}
	if !done {
		return errors.Wrapf(storage.ErrConflict, "task group %s is already fully dispatched", id)
	}
	gs.logger.Infof("Task group %s fully dispatched", id)
	return nil
}

// Get returns the group with its per-state counts computed from member
// tasks. Counts are never stored, so they cannot drift from the task records.
func (gs *GroupService) Get(id uuid.UUID) (models.TaskGroup, error) {
	group, err := gs.store.GetTaskGroup(id)
	if err != nil {
		return models.TaskGroup{}, err
	}
	counts, err := gs.store.GroupTaskCounts(id)
	if err != nil {
		return models.TaskGroup{}, err
	}
	group.Counts = counts
	return group, nil
}

// ListTasks returns the group's member tasks.
func (gs *GroupService) ListTasks(id uuid.UUID) ([]models.Task, error) {
	return gs.store.ListTasks(storage.TaskFilter{GroupID: &id})
}
