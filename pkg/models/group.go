package models

import (
	"time"

	"github.com/google/uuid"
)

// TaskGroup is a named collection of related tasks. AllTasksDispatched starts
// false and is set by the creator once no more tasks will be added, so
// consumers can tell a still-growing group from one that is only waiting for
// members to finish. Per-state counts are derived from member tasks on read,
// never stored.
type TaskGroup struct {
	ID                 uuid.UUID `json:"id" db:"id"`
	Description        string    `json:"description" db:"description"`
	AllTasksDispatched bool      `json:"all_tasks_dispatched" db:"all_tasks_dispatched"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`

	// Counts is populated on read by grouping member tasks.
	Counts map[TaskState]int `json:"counts,omitempty" db:"-"`
}

// Total sums the per-state counts.
func (g TaskGroup) Total() int {
	total := 0
	for _, n := range g.Counts {
		total += n
	}
	return total
}
