package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/contentforge/tasking/pkg/models"
	"github.com/contentforge/tasking/pkg/storage"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// PostgresStore implements storage.Store over either a *sqlx.DB or, after
// Begin, a *sqlx.Tx.
type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return wrapRetryable(tx.Commit())
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// wrapRetryable tags serialization failures and deadlocks (SQLSTATE class 40)
// so claim callers retry instead of failing the task.
func wrapRetryable(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if ok := asPQError(err, &pqErr); ok && strings.HasPrefix(string(pqErr.Code), "40") {
		return storage.MarkRetryable(err)
	}
	return err
}

func asPQError(err error, target **pq.Error) bool {
	for err != nil {
		if pe, ok := err.(*pq.Error); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// orEmpty keeps nil resource arrays out of the NOT NULL array columns, where
// they would otherwise turn into NULL driver values.
func orEmpty(a pq.StringArray) pq.StringArray {
	if a == nil {
		return pq.StringArray{}
	}
	return a
}

// SaveTask inserts a new task record in the waiting state.
func (s *PostgresStore) SaveTask(t models.Task) error {
	_, err := s.db.Exec(`INSERT INTO tasks
		(id, name, correlation_id, state, work, args, exclusive_resources, shared_resources,
		 worker_name, parent_id, group_id, error, created_resources, created_at, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		t.ID, t.Name, t.CorrelationID, t.State, t.Work, t.Args,
		orEmpty(t.ExclusiveResources), orEmpty(t.SharedResources), t.WorkerName, t.ParentID, t.GroupID,
		t.Error, orEmpty(t.CreatedResources), t.CreatedAt, t.StartedAt, t.FinishedAt)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(id uuid.UUID) (models.Task, error) {
	var t models.Task
	err := s.db.Get(&t, "SELECT * FROM tasks WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Task{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Task{}, err
	}
	return t, nil
}

func (s *PostgresStore) ListTasks(f storage.TaskFilter) ([]models.Task, error) {
	query := "SELECT * FROM tasks"
	var where []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(f.States) > 0 {
		states := make(pq.StringArray, len(f.States))
		for i, st := range f.States {
			states[i] = string(st)
		}
		where = append(where, "state = ANY("+arg(states)+")")
	}
	if f.Worker != "" {
		where = append(where, "worker_name = "+arg(f.Worker))
	}
	if f.Resource != "" {
		p := arg(f.Resource)
		where = append(where, "("+p+" = ANY(exclusive_resources) OR "+p+" = ANY(shared_resources))")
	}
	if f.GroupID != nil {
		where = append(where, "group_id = "+arg(*f.GroupID))
	}
	if f.ParentID != nil {
		where = append(where, "parent_id = "+arg(*f.ParentID))
	}
	if f.CreatedAfter != nil {
		where = append(where, "created_at > "+arg(*f.CreatedAfter))
	}
	if f.CreatedBefore != nil {
		where = append(where, "created_at < "+arg(*f.CreatedBefore))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}

	tasks := []models.Task{}
	if err := s.db.Select(&tasks, query, args...); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

func (s *PostgresStore) MarkTaskRunning(id uuid.UUID, worker string) (bool, error) {
	res, err := s.db.Exec(`UPDATE tasks
		SET state = 'running', worker_name = $1, started_at = CURRENT_TIMESTAMP
		WHERE id = $2 AND state = 'waiting'`, worker, id)
	if err != nil {
		return false, wrapRetryable(err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *PostgresStore) MarkTaskCanceling(id uuid.UUID) (bool, error) {
	res, err := s.db.Exec(`UPDATE tasks
		SET state = 'canceling'
		WHERE id = $1 AND state = 'running'`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *PostgresStore) CancelWaitingTask(id uuid.UUID) (bool, error) {
	res, err := s.db.Exec(`UPDATE tasks
		SET state = 'canceled', finished_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND state = 'waiting'`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *PostgresStore) FinishTask(id uuid.UUID, state models.TaskState, taskErr *models.TaskError, createdResources []string) (bool, error) {
	if !state.Terminal() {
		return false, fmt.Errorf("finish state %s is not terminal", state)
	}
	created := orEmpty(pq.StringArray(createdResources))
	res, err := s.db.Exec(`UPDATE tasks
		SET state = $1, error = $2, created_resources = created_resources || $3, finished_at = CURRENT_TIMESTAMP
		WHERE id = $4 AND state IN ('running', 'canceling')`,
		state, taskErr, created, id)
	if err != nil {
		return false, wrapRetryable(err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *PostgresStore) PurgeTasks(finishedBefore time.Time, states []models.TaskState, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}
	if len(states) == 0 {
		states = models.TerminalTaskStates
	}
	// Never purge live tasks, whatever the caller asked for.
	filtered := make(pq.StringArray, 0, len(states))
	for _, st := range states {
		if st.Terminal() {
			filtered = append(filtered, string(st))
		}
	}

	var total int64
	for {
		res, err := s.db.Exec(`DELETE FROM tasks WHERE id IN (
			SELECT id FROM tasks
			WHERE state = ANY($1) AND finished_at < $2
			LIMIT $3)`, filtered, finishedBefore, batchSize)
		if err != nil {
			return total, fmt.Errorf("purge tasks: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
		if n < int64(batchSize) {
			return total, nil
		}
	}
}

func (s *PostgresStore) AppendCreatedResources(id uuid.UUID, resources []string) error {
	res, err := s.db.Exec(`UPDATE tasks SET created_resources = created_resources || $1 WHERE id = $2`,
		pq.StringArray(resources), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// LockResources takes a transaction-scoped advisory lock per resource name.
// Callers pass names in canonical sorted order so concurrent claims touching
// overlapping sets cannot circular-wait.
func (s *PostgresStore) LockResources(names []string) error {
	if _, ok := s.db.(*sqlx.Tx); !ok {
		return fmt.Errorf("resource locks require a transaction")
	}
	for _, name := range names {
		if _, err := s.db.Exec(`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, name); err != nil {
			return wrapRetryable(fmt.Errorf("lock resource %q: %w", name, err))
		}
	}
	return nil
}

func (s *PostgresStore) GetReservations(names []string) ([]models.Reservation, error) {
	reservations := []models.Reservation{}
	err := s.db.Select(&reservations,
		`SELECT task_id, resource, exclusive FROM task_reservations WHERE resource = ANY($1)`,
		pq.StringArray(names))
	if err != nil {
		return nil, fmt.Errorf("get reservations: %w", err)
	}
	return reservations, nil
}

func (s *PostgresStore) InsertReservations(taskID uuid.UUID, exclusive, shared []string) error {
	for _, name := range exclusive {
		if _, err := s.db.Exec(`INSERT INTO task_reservations (task_id, resource, exclusive) VALUES ($1, $2, TRUE)`,
			taskID, name); err != nil {
			return wrapRetryable(fmt.Errorf("insert reservation %q: %w", name, err))
		}
	}
	for _, name := range shared {
		if _, err := s.db.Exec(`INSERT INTO task_reservations (task_id, resource, exclusive) VALUES ($1, $2, FALSE)`,
			taskID, name); err != nil {
			return wrapRetryable(fmt.Errorf("insert reservation %q: %w", name, err))
		}
	}
	return nil
}

func (s *PostgresStore) DeleteReservations(taskID uuid.UUID) error {
	_, err := s.db.Exec(`DELETE FROM task_reservations WHERE task_id = $1`, taskID)
	return err
}

func (s *PostgresStore) ListReservations() ([]models.Reservation, error) {
	reservations := []models.Reservation{}
	err := s.db.Select(&reservations, `SELECT task_id, resource, exclusive FROM task_reservations ORDER BY resource`)
	if err != nil {
		return nil, err
	}
	return reservations, nil
}

func (s *PostgresStore) Heartbeat(name string, currentTask *uuid.UUID) error {
	_, err := s.db.Exec(`INSERT INTO workers (name, last_heartbeat, current_task, gone)
		VALUES ($1, CURRENT_TIMESTAMP, $2, FALSE)
		ON CONFLICT (name) DO UPDATE
		SET last_heartbeat = CURRENT_TIMESTAMP, current_task = $2, gone = FALSE`,
		name, currentTask)
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", name, err)
	}
	return nil
}

func (s *PostgresStore) GetWorker(name string) (models.Worker, error) {
	var w models.Worker
	err := s.db.Get(&w, `SELECT * FROM workers WHERE name = $1`, name)
	if err == sql.ErrNoRows {
		return models.Worker{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Worker{}, err
	}
	return w, nil
}

func (s *PostgresStore) ListWorkers(includeGone bool) ([]models.Worker, error) {
	workers := []models.Worker{}
	query := `SELECT * FROM workers`
	if !includeGone {
		query += ` WHERE NOT gone`
	}
	query += ` ORDER BY name`
	if err := s.db.Select(&workers, query); err != nil {
		return nil, err
	}
	return workers, nil
}

func (s *PostgresStore) MissingWorkers(lastHeartbeatBefore time.Time) ([]models.Worker, error) {
	workers := []models.Worker{}
	err := s.db.Select(&workers,
		`SELECT * FROM workers WHERE NOT gone AND last_heartbeat < $1 ORDER BY last_heartbeat`,
		lastHeartbeatBefore)
	if err != nil {
		return nil, err
	}
	return workers, nil
}

func (s *PostgresStore) MarkWorkerGone(name string) error {
	_, err := s.db.Exec(`UPDATE workers SET gone = TRUE WHERE name = $1`, name)
	return err
}

func (s *PostgresStore) DeleteGoneWorkers(lastHeartbeatBefore time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM workers WHERE gone AND last_heartbeat < $1`, lastHeartbeatBefore)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresStore) SaveTaskGroup(g models.TaskGroup) error {
	_, err := s.db.Exec(`INSERT INTO task_groups (id, description, all_tasks_dispatched, created_at)
		VALUES ($1, $2, $3, $4)`,
		g.ID, g.Description, g.AllTasksDispatched, g.CreatedAt)
	if err != nil {
		return fmt.Errorf("save task group: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTaskGroup(id uuid.UUID) (models.TaskGroup, error) {
	var g models.TaskGroup
	err := s.db.Get(&g, `SELECT * FROM task_groups WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return models.TaskGroup{}, storage.ErrNotFound
	}
	if err != nil {
		return models.TaskGroup{}, err
	}
	return g, nil
}

func (s *PostgresStore) FinishTaskGroup(id uuid.UUID) (bool, error) {
	res, err := s.db.Exec(`UPDATE task_groups SET all_tasks_dispatched = TRUE
		WHERE id = $1 AND NOT all_tasks_dispatched`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *PostgresStore) GroupTaskCounts(id uuid.UUID) (map[models.TaskState]int, error) {
	var rows []struct {
		State models.TaskState `db:"state"`
		Count int              `db:"count"`
	}
	err := s.db.Select(&rows, `SELECT state, COUNT(*) AS count FROM tasks WHERE group_id = $1 GROUP BY state`, id)
	if err != nil {
		return nil, fmt.Errorf("group task counts: %w", err)
	}
	counts := make(map[models.TaskState]int, len(rows))
	for _, r := range rows {
		counts[r.State] = r.Count
	}
	return counts, nil
}

func (s *PostgresStore) SaveProgressReport(pr models.ProgressReport) (int64, error) {
	var id int64
	err := s.db.QueryRowx(`INSERT INTO progress_reports (task_id, message, state, total, done, suffix)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		pr.TaskID, pr.Message, pr.State, pr.Total, pr.Done, pr.Suffix).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save progress report: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) UpdateProgressReport(pr models.ProgressReport) error {
	res, err := s.db.Exec(`UPDATE progress_reports
		SET message = $1, state = $2, total = $3, done = $4, suffix = $5, updated_at = CURRENT_TIMESTAMP
		WHERE id = $6`,
		pr.Message, pr.State, pr.Total, pr.Done, pr.Suffix, pr.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListProgressReports(taskID uuid.UUID) ([]models.ProgressReport, error) {
	reports := []models.ProgressReport{}
	err := s.db.Select(&reports, `SELECT * FROM progress_reports WHERE task_id = $1 ORDER BY id`, taskID)
	if err != nil {
		return nil, err
	}
	return reports, nil
}
