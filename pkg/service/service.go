package service

import (
	"context"
	"time"
)

// TasksChannel carries wakeups for the dispatch loop: a new waiting task was
// created, or a finishing task released its reservations.
const TasksChannel = "tasking_tasks"

// Logger defines the logging interface shared by the tasking services.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Notifier is the wakeup channel between task producers and idle workers.
// Delivery is best-effort: Wait must return after the timeout even when no
// notification arrives, so the scheduler stays correct (if slower) when
// notifications are lost. Implementations live in internal/notify.
type Notifier interface {
	Notify(ctx context.Context, channel string) error
	Wait(ctx context.Context, channel string, timeout time.Duration) error
}
