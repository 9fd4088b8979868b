package service

import (
	"context"
	"sync"

	"github.com/contentforge/tasking/pkg/models"
	"github.com/contentforge/tasking/pkg/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// WorkFunc is the executable entry point of a task, run inside the executor's
// child process. It reports its outcome by returning normally, returning an
// error, or observing ctx cancellation after an interrupt.
type WorkFunc func(ctx context.Context, job Job) error

// Registry maps portable work identifiers to work functions. A task record
// stores only the identifier, so the same binary must register the same works
// in the worker and in the exec-task child.
type Registry struct {
	mu    sync.RWMutex
	works map[string]WorkFunc
}

func NewRegistry() *Registry {
	return &Registry{works: make(map[string]WorkFunc)}
}

// DefaultRegistry is the registry used by the worker and exec-task commands.
var DefaultRegistry = NewRegistry()

func (r *Registry) Register(name string, fn WorkFunc) error {
	if name == "" {
		return errors.New("empty work name")
	}
	if fn == nil {
		return errors.New("nil work function")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.works[name]; exists {
		return errors.Errorf("work %q already registered", name)
	}
	r.works[name] = fn
	return nil
}

func (r *Registry) Get(name string) (WorkFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.works[name]
	return fn, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.works))
	for name := range r.works {
		names = append(names, name)
	}
	return names
}

// RegisterWork adds a work function to the default registry, typically from
// an init function of the embedding application.
func RegisterWork(name string, fn WorkFunc) error {
	return DefaultRegistry.Register(name, fn)
}

// Job is what a work function gets to interact with its own task record:
// deserialized arguments plus progress and created-resource reporting.
type Job struct {
	TaskID        uuid.UUID
	CorrelationID string
	Args          models.JSONMap

	store storage.Store
}

func NewJob(store storage.Store, task models.Task) Job {
	return Job{
		TaskID:        task.ID,
		CorrelationID: task.CorrelationID,
		Args:          task.Args,
		store:         store,
	}
}

// RecordCreatedResource adds a created-resource reference to the task's
// results while the work is still running.
func (j Job) RecordCreatedResource(resource string) error {
	return j.store.AppendCreatedResources(j.TaskID, []string{resource})
}

// Progress starts a new progress report on the task. Total may be zero when
// the amount of work is unknown up front.
func (j Job) Progress(message string, total int64) (*Progress, error) {
	pr := models.ProgressReport{
		TaskID:  j.TaskID,
		Message: message,
		State:   string(models.RunningTaskState),
	}
	if total > 0 {
		pr.Total = &total
	}
	id, err := j.store.SaveProgressReport(pr)
	if err != nil {
		return nil, err
	}
	pr.ID = id
	return &Progress{store: j.store, report: pr}, nil
}

// Progress is a live handle on one progress report.
type Progress struct {
	mu     sync.Mutex
	store  storage.Store
	report models.ProgressReport
}

// Increment advances the done counter by n and persists the report.
func (p *Progress) Increment(n int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.report.Done += n
	return p.store.UpdateProgressReport(p.report)
}

// SetSuffix annotates the report, e.g. with the unit currently processed.
func (p *Progress) SetSuffix(suffix string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.report.Suffix = suffix
	return p.store.UpdateProgressReport(p.report)
}

// Finish marks the report with a final state.
func (p *Progress) Finish(state models.TaskState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.report.State = string(state)
	return p.store.UpdateProgressReport(p.report)
}
