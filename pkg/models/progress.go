package models

import (
	"time"

	"github.com/google/uuid"
)

// ProgressReport is a sub-record of a running task, updated by the work
// function to surface counters to callers (e.g. "downloading artifacts 40/120").
type ProgressReport struct {
	ID        int64     `json:"id" db:"id"`
	TaskID    uuid.UUID `json:"task_id" db:"task_id"`
	Message   string    `json:"message" db:"message"`
	State     string    `json:"state" db:"state"`
	Total     *int64    `json:"total,omitempty" db:"total"`
	Done      int64     `json:"done" db:"done"`
	Suffix    string    `json:"suffix,omitempty" db:"suffix"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
