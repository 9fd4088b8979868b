package models

import (
	"time"

	"github.com/google/uuid"
)

type WorkerStatus string

const (
	OnlineWorkerStatus  WorkerStatus = "online"
	MissingWorkerStatus WorkerStatus = "missing"
	GoneWorkerStatus    WorkerStatus = "gone"
)

// Worker is a dispatch-loop process, created implicitly by its first
// heartbeat. Gone workers are soft-deleted rows kept around for postmortem
// inspection until the cleanup window passes.
type Worker struct {
	Name          string     `json:"name" db:"name"`
	LastHeartbeat time.Time  `json:"last_heartbeat" db:"last_heartbeat"`
	CurrentTask   *uuid.UUID `json:"current_task,omitempty" db:"current_task"`
	Gone          bool       `json:"gone" db:"gone"`
}

// Status classifies the worker against the missing threshold at a point in
// time.
func (w Worker) Status(now time.Time, missingAfter time.Duration) WorkerStatus {
	if w.Gone {
		return GoneWorkerStatus
	}
	if now.Sub(w.LastHeartbeat) > missingAfter {
		return MissingWorkerStatus
	}
	return OnlineWorkerStatus
}
