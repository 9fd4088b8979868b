package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/contentforge/tasking/pkg/models"
	"github.com/contentforge/tasking/pkg/storage"
)

// RunWork is the exec-task child entry point. It looks up the task, resolves
// its work function from the registry and runs it, translating the result
// into the exit-code protocol the parent executor decodes: 0 on success,
// ExitCodeWorkError with a JSON error payload on stderr when the work failed,
// ExitCodeCanceled when an interrupt stopped the work.
func RunWork(store storage.Store, registry *Registry, taskID uuid.UUID) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	task, err := store.GetTask(taskID)
	if err != nil {
		return workFailure(models.TaskError{
			Description: fmt.Sprintf("cannot load task %s: %v", taskID, err),
			Code:        "executor-error",
		})
	}

	fn, ok := registry.Get(task.Work)
	if !ok {
		return workFailure(models.TaskError{
			Description: fmt.Sprintf("work %q is not registered in this binary", task.Work),
			Code:        "unknown-work",
		})
	}

	err = fn(ctx, NewJob(store, task))
	if ctx.Err() != nil {
		return ExitCodeCanceled
	}
	if err != nil {
		taskErr := models.TaskError{Description: err.Error(), Code: "work-error"}
		if typed, ok := err.(*models.TaskError); ok {
			taskErr = *typed
		}
		return workFailure(taskErr)
	}
	return 0
}

func workFailure(taskErr models.TaskError) int {
	payload, err := json.Marshal(taskErr)
	if err == nil {
		fmt.Fprintln(os.Stderr, string(payload))
	} else {
		fmt.Fprintln(os.Stderr, taskErr.Description)
	}
	return ExitCodeWorkError
}
