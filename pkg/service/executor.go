package service

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/contentforge/tasking/pkg/models"
	"github.com/contentforge/tasking/pkg/storage"
)

const (
	// ExitCodeWorkError is returned by the exec-task child when the work
	// function returned an error; the structured payload is on stderr.
	ExitCodeWorkError = 3
	// ExitCodeCanceled is returned by the child when it exited because of a
	// delivered interrupt, mirroring the shell convention for SIGINT.
	ExitCodeCanceled = 130

	// DefaultCancelGracePeriod is how long the executor waits after an
	// interrupt before escalating to a forced kill.
	DefaultCancelGracePeriod = 30 * time.Second
)

// SubprocessExecutor runs a claimed task's work in a child process: crashes
// and memory exhaustion in the work cannot take down the dispatch loop, and a
// cancellation request becomes a signal that interrupts blocking I/O. The
// child is this same binary re-invoked with the exec-task command.
type SubprocessExecutor struct {
	store  storage.Store
	logger Logger

	// BinaryPath overrides the executable to re-invoke; defaults to the
	// current binary.
	BinaryPath string
	// DBConnStr is handed to the child so it reaches the same store.
	DBConnStr string
	// PollInterval is how often the parent checks the store for a canceling
	// transition written by an external actor.
	PollInterval time.Duration
	GracePeriod  time.Duration
}

func NewSubprocessExecutor(store storage.Store, dbConnStr string, logger Logger) *SubprocessExecutor {
	return &SubprocessExecutor{
		store:        store,
		logger:       logger,
		DBConnStr:    dbConnStr,
		PollInterval: DefaultHeartbeatInterval,
		GracePeriod:  DefaultCancelGracePeriod,
	}
}

// Execute runs the task's work in a child process and returns the terminal
// outcome. On ctx cancellation (worker shutdown) the task is moved to
// canceling and the child interrupted rather than abandoned silently.
func (e *SubprocessExecutor) Execute(ctx context.Context, task models.Task) (models.TaskState, *models.TaskError) {
	bin := e.BinaryPath
	if bin == "" {
		self, err := os.Executable()
		if err != nil {
			return models.FailedTaskState, &models.TaskError{
				Description: "cannot locate worker binary: " + err.Error(),
				Code:        "executor-error",
			}
		}
		bin = self
	}

	var stderr bytes.Buffer
	cmd := exec.Command(bin, "exec-task", "--task", task.ID.String(), "--db", e.DBConnStr)
	cmd.Stdout = os.Stdout
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(), "TASKING_CORRELATION_ID="+task.CorrelationID)

	if err := cmd.Start(); err != nil {
		return models.FailedTaskState, &models.TaskError{
			Description: "failed to start task subprocess: " + err.Error(),
			Code:        "executor-error",
		}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	poll := time.NewTicker(e.PollInterval)
	defer poll.Stop()

	canceling := false
	ctxDone := ctx.Done()
	var escalate <-chan time.Time

	interrupt := func() {
		canceling = true
		escalate = time.After(e.GracePeriod)
		if err := cmd.Process.Signal(syscall.SIGINT); err != nil {
			e.logger.Errorf("Failed to interrupt task %s subprocess: %v", task.ID, err)
		}
	}

	for {
		select {
		case waitErr := <-done:
			return e.outcome(task, canceling, waitErr, stderr.Bytes())
		case <-poll.C:
			if canceling {
				continue
			}
			current, err := e.store.GetTask(task.ID)
			if err != nil {
				e.logger.Errorf("Failed to poll task %s state: %v", task.ID, err)
				continue
			}
			if current.State == models.CancelingTaskState {
				e.logger.Infof("Cancellation observed for task %s; interrupting subprocess", task.ID)
				interrupt()
			}
		case <-ctxDone:
			ctxDone = nil
			if canceling {
				continue
			}
			e.logger.Infof("Worker shutting down; canceling task %s", task.ID)
			if _, err := e.store.MarkTaskCanceling(task.ID); err != nil {
				e.logger.Errorf("Failed to mark task %s canceling: %v", task.ID, err)
			}
			interrupt()
		case <-escalate:
			e.logger.Warnf("Task %s subprocess ignored interrupt for %s; killing", task.ID, e.GracePeriod)
			if err := cmd.Process.Kill(); err != nil {
				e.logger.Errorf("Failed to kill task %s subprocess: %v", task.ID, err)
			}
		}
	}
}

// outcome maps the subprocess exit to a terminal task state.
func (e *SubprocessExecutor) outcome(task models.Task, canceling bool, waitErr error, stderr []byte) (models.TaskState, *models.TaskError) {
	if waitErr == nil {
		return models.CompletedTaskState, nil
	}

	exitErr, ok := waitErr.(*exec.ExitError)
	if !ok {
		return models.FailedTaskState, &models.TaskError{
			Description: "task subprocess wait failed: " + waitErr.Error(),
			Code:        "executor-error",
		}
	}

	code := exitErr.ExitCode()
	if canceling && (code == ExitCodeCanceled || code == -1) {
		// clean interrupt exit, or killed after the grace period expired
		return models.CanceledTaskState, nil
	}

	if taskErr := parseTaskError(stderr); taskErr != nil {
		return models.FailedTaskState, taskErr
	}
	desc := strings.TrimSpace(string(stderr))
	if len(desc) > 2000 {
		desc = desc[len(desc)-2000:]
	}
	if desc == "" {
		desc = exitErr.Error()
	}
	return models.FailedTaskState, &models.TaskError{
		Description: desc,
		Code:        "work-error",
	}
}

// parseTaskError looks for the structured error the child prints as its last
// stderr line before exiting with ExitCodeWorkError.
func parseTaskError(stderr []byte) *models.TaskError {
	lines := bytes.Split(bytes.TrimSpace(stderr), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var taskErr models.TaskError
		if err := json.Unmarshal(line, &taskErr); err == nil && taskErr.Description != "" {
			return &taskErr
		}
	}
	return nil
}
