package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

type TaskState string

const (
	WaitingTaskState   TaskState = "waiting"
	RunningTaskState   TaskState = "running"
	CompletedTaskState TaskState = "completed"
	FailedTaskState    TaskState = "failed"
	CanceledTaskState  TaskState = "canceled"
	CancelingTaskState TaskState = "canceling"
)

// TerminalTaskStates are the states a task can never leave.
var TerminalTaskStates = []TaskState{CompletedTaskState, FailedTaskState, CanceledTaskState}

// transitions is the full state graph. Abandonment is the running/canceling
// -> failed edge; only the owning worker moves canceling -> canceled.
var transitions = map[TaskState][]TaskState{
	WaitingTaskState:   {RunningTaskState, CanceledTaskState},
	RunningTaskState:   {CompletedTaskState, FailedTaskState, CancelingTaskState},
	CancelingTaskState: {CanceledTaskState, FailedTaskState},
}

func (s TaskState) Terminal() bool {
	switch s {
	case CompletedTaskState, FailedTaskState, CanceledTaskState:
		return true
	}
	return false
}

func (s TaskState) Valid() bool {
	switch s {
	case WaitingTaskState, RunningTaskState, CompletedTaskState,
		FailedTaskState, CanceledTaskState, CancelingTaskState:
		return true
	}
	return false
}

// CanTransition reports whether the state graph permits from -> to.
func CanTransition(from, to TaskState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TaskError is the structured error payload recorded on a failed task. The
// Abandoned flag distinguishes "the work itself failed" from "the system lost
// the worker running it".
type TaskError struct {
	Description string `json:"description"`
	Code        string `json:"code,omitempty"`
	Abandoned   bool   `json:"abandoned,omitempty"`
}

func (e *TaskError) Error() string {
	return e.Description
}

func (e TaskError) Value() (driver.Value, error) {
	return json.Marshal(e)
}

func (e *TaskError) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, e)
	case string:
		return json.Unmarshal([]byte(v), e)
	}
	return errors.Errorf("cannot scan %T into TaskError", src)
}

// JSONMap holds the portable task arguments: strings, numbers, booleans and
// lists/maps thereof. Stored as JSONB.
type JSONMap map[string]interface{}

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	}
	return errors.Errorf("cannot scan %T into JSONMap", src)
}

// Task is one schedulable unit of work with declared resource needs and a
// tracked lifecycle.
type Task struct {
	ID                 uuid.UUID      `json:"id" db:"id"`
	Name               string         `json:"name" db:"name"`
	CorrelationID      string         `json:"correlation_id" db:"correlation_id"`
	State              TaskState      `json:"state" db:"state"`
	Work               string         `json:"work" db:"work"` // registry key of the work function
	Args               JSONMap        `json:"args,omitempty" db:"args"`
	ExclusiveResources pq.StringArray `json:"exclusive_resources" db:"exclusive_resources"`
	SharedResources    pq.StringArray `json:"shared_resources" db:"shared_resources"`
	WorkerName         *string        `json:"worker,omitempty" db:"worker_name"`
	ParentID           *uuid.UUID     `json:"parent_id,omitempty" db:"parent_id"` // set at creation, never mutated
	GroupID            *uuid.UUID     `json:"group_id,omitempty" db:"group_id"`
	Error              *TaskError     `json:"error,omitempty" db:"error"`
	CreatedResources   pq.StringArray `json:"created_resources" db:"created_resources"`
	CreatedAt          time.Time      `json:"created_at" db:"created_at"`
	StartedAt          *time.Time     `json:"started_at,omitempty" db:"started_at"`
	FinishedAt         *time.Time     `json:"finished_at,omitempty" db:"finished_at"`
}

// AbandonedError builds the synthetic failure recorded when a worker stops
// heartbeating while owning the task.
func AbandonedError(worker string) *TaskError {
	return &TaskError{
		Description: "worker " + worker + " missed heartbeats while running this task; outcome unknown",
		Code:        "worker-abandoned",
		Abandoned:   true,
	}
}
