package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/contentforge/tasking/pkg/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// mockStore implements Store with in-memory state. Begin serializes whole
// transactions behind a single mutex, which is enough to honor the claim
// protocol's atomicity in tests without a database.
type mockStore struct {
	mu           sync.Mutex
	txMu         sync.Mutex
	tasks        map[uuid.UUID]*models.Task
	reservations []models.Reservation
	workers      map[string]*models.Worker
	groups       map[uuid.UUID]*models.TaskGroup
	reports      map[int64]*models.ProgressReport
	nextReportID int64
}

// NewMockStore returns an empty in-memory Store for tests.
func NewMockStore() Store {
	return &mockStore{
		tasks:   make(map[uuid.UUID]*models.Task),
		workers: make(map[string]*models.Worker),
		groups:  make(map[uuid.UUID]*models.TaskGroup),
		reports: make(map[int64]*models.ProgressReport),
	}
}

type mockTx struct {
	*mockStore
	done bool
}

func (m *mockStore) Begin() (Store, error) {
	m.txMu.Lock()
	return &mockTx{mockStore: m}, nil
}

func (m *mockStore) Commit() error   { return errors.New("not a transaction") }
func (m *mockStore) Rollback() error { return errors.New("not a transaction") }
func (m *mockStore) Close() error    { return nil }

func (t *mockTx) Begin() (Store, error) { return nil, errors.New("already in a transaction") }

func (t *mockTx) Commit() error {
	if t.done {
		return errors.New("transaction already finished")
	}
	t.done = true
	t.txMu.Unlock()
	return nil
}

func (t *mockTx) Rollback() error {
	if t.done {
		return errors.New("transaction already finished")
	}
	// Changes are not undone; tests that need rollback isolation use the
	// postgres store.
	t.done = true
	t.txMu.Unlock()
	return nil
}

func (t *mockTx) Close() error { return nil }

func (m *mockStore) SaveTask(task models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[task.ID]; exists {
		return errors.New("task already exists")
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	cp := task
	m.tasks[task.ID] = &cp
	return nil
}

func (m *mockStore) GetTask(id uuid.UUID) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return models.Task{}, ErrNotFound
	}
	return *t, nil
}

func (m *mockStore) ListTasks(f TaskFilter) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Task
	for _, t := range m.tasks {
		if !matchesFilter(*t, f) {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matchesFilter(t models.Task, f TaskFilter) bool {
	if len(f.States) > 0 {
		found := false
		for _, s := range f.States {
			if t.State == s {
				found = true
			}
		}
		if !found {
			return false
		}
	}
	if f.Worker != "" && (t.WorkerName == nil || *t.WorkerName != f.Worker) {
		return false
	}
	if f.Resource != "" {
		found := false
		for _, r := range append(append([]string{}, t.ExclusiveResources...), t.SharedResources...) {
			if r == f.Resource {
				found = true
			}
		}
		if !found {
			return false
		}
	}
	if f.GroupID != nil && (t.GroupID == nil || *t.GroupID != *f.GroupID) {
		return false
	}
	if f.ParentID != nil && (t.ParentID == nil || *t.ParentID != *f.ParentID) {
		return false
	}
	if f.CreatedAfter != nil && !t.CreatedAt.After(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && !t.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	return true
}

func (m *mockStore) MarkTaskRunning(id uuid.UUID, worker string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return false, ErrNotFound
	}
	if t.State != models.WaitingTaskState {
		return false, nil
	}
	now := time.Now()
	t.State = models.RunningTaskState
	t.WorkerName = &worker
	t.StartedAt = &now
	return true, nil
}

func (m *mockStore) MarkTaskCanceling(id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return false, ErrNotFound
	}
	if t.State != models.RunningTaskState {
		return false, nil
	}
	t.State = models.CancelingTaskState
	return true, nil
}

func (m *mockStore) CancelWaitingTask(id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return false, ErrNotFound
	}
	if t.State != models.WaitingTaskState {
		return false, nil
	}
	now := time.Now()
	t.State = models.CanceledTaskState
	t.FinishedAt = &now
	return true, nil
}

func (m *mockStore) FinishTask(id uuid.UUID, state models.TaskState, taskErr *models.TaskError, createdResources []string) (bool, error) {
	if !state.Terminal() {
		return false, errors.Errorf("finish state %s is not terminal", state)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return false, ErrNotFound
	}
	if t.State != models.RunningTaskState && t.State != models.CancelingTaskState {
		return false, nil
	}
	now := time.Now()
	t.State = state
	t.Error = taskErr
	t.FinishedAt = &now
	t.CreatedResources = append(t.CreatedResources, createdResources...)
	return true, nil
}

func (m *mockStore) PurgeTasks(finishedBefore time.Time, states []models.TaskState, batchSize int) (int64, error) {
	if len(states) == 0 {
		states = models.TerminalTaskStates
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for id, t := range m.tasks {
		if !t.State.Terminal() || t.FinishedAt == nil || !t.FinishedAt.Before(finishedBefore) {
			continue
		}
		for _, s := range states {
			if t.State == s {
				delete(m.tasks, id)
				deleted++
				break
			}
		}
	}
	return deleted, nil
}

func (m *mockStore) AppendCreatedResources(id uuid.UUID, resources []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.CreatedResources = append(t.CreatedResources, resources...)
	return nil
}

// LockResources is a no-op: the transaction mutex already serializes claims.
func (m *mockStore) LockResources(names []string) error { return nil }

func (m *mockStore) GetReservations(names []string) ([]models.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wanted := make(map[string]struct{}, len(names))
	for _, n := range names {
		wanted[n] = struct{}{}
	}
	var out []models.Reservation
	for _, r := range m.reservations {
		if _, ok := wanted[r.Resource]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockStore) InsertReservations(taskID uuid.UUID, exclusive, shared []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range exclusive {
		m.reservations = append(m.reservations, models.Reservation{TaskID: taskID, Resource: name, Exclusive: true})
	}
	for _, name := range shared {
		m.reservations = append(m.reservations, models.Reservation{TaskID: taskID, Resource: name, Exclusive: false})
	}
	return nil
}

func (m *mockStore) DeleteReservations(taskID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.reservations[:0]
	for _, r := range m.reservations {
		if r.TaskID != taskID {
			kept = append(kept, r)
		}
	}
	m.reservations = kept
	return nil
}

func (m *mockStore) ListReservations() ([]models.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Reservation{}, m.reservations...), nil
}

func (m *mockStore) Heartbeat(name string, currentTask *uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[name]
	if !ok {
		w = &models.Worker{Name: name}
		m.workers[name] = w
	}
	w.LastHeartbeat = time.Now()
	w.CurrentTask = currentTask
	w.Gone = false
	return nil
}

func (m *mockStore) GetWorker(name string) (models.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[name]
	if !ok {
		return models.Worker{}, ErrNotFound
	}
	return *w, nil
}

func (m *mockStore) ListWorkers(includeGone bool) ([]models.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Worker
	for _, w := range m.workers {
		if w.Gone && !includeGone {
			continue
		}
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *mockStore) MissingWorkers(lastHeartbeatBefore time.Time) ([]models.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Worker
	for _, w := range m.workers {
		if !w.Gone && w.LastHeartbeat.Before(lastHeartbeatBefore) {
			out = append(out, *w)
		}
	}
	return out, nil
}

func (m *mockStore) MarkWorkerGone(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[name]
	if !ok {
		return ErrNotFound
	}
	w.Gone = true
	return nil
}

func (m *mockStore) DeleteGoneWorkers(lastHeartbeatBefore time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for name, w := range m.workers {
		if w.Gone && w.LastHeartbeat.Before(lastHeartbeatBefore) {
			delete(m.workers, name)
			deleted++
		}
	}
	return deleted, nil
}

func (m *mockStore) SaveTaskGroup(g models.TaskGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.groups[g.ID]; exists {
		return errors.New("task group already exists")
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	cp := g
	m.groups[g.ID] = &cp
	return nil
}

func (m *mockStore) GetTaskGroup(id uuid.UUID) (models.TaskGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return models.TaskGroup{}, ErrNotFound
	}
	return *g, nil
}

func (m *mockStore) FinishTaskGroup(id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return false, ErrNotFound
	}
	if g.AllTasksDispatched {
		return false, nil
	}
	g.AllTasksDispatched = true
	return true, nil
}

func (m *mockStore) GroupTaskCounts(id uuid.UUID) (map[models.TaskState]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[models.TaskState]int)
	for _, t := range m.tasks {
		if t.GroupID != nil && *t.GroupID == id {
			counts[t.State]++
		}
	}
	return counts, nil
}

func (m *mockStore) SaveProgressReport(pr models.ProgressReport) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextReportID++
	pr.ID = m.nextReportID
	pr.UpdatedAt = time.Now()
	cp := pr
	m.reports[pr.ID] = &cp
	return pr.ID, nil
}

func (m *mockStore) UpdateProgressReport(pr models.ProgressReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.reports[pr.ID]
	if !ok {
		return ErrNotFound
	}
	pr.UpdatedAt = time.Now()
	*existing = pr
	return nil
}

func (m *mockStore) ListProgressReports(taskID uuid.UUID) ([]models.ProgressReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ProgressReport
	for _, pr := range m.reports {
		if pr.TaskID == taskID {
			out = append(out, *pr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
