package mcp

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TaskStatus is the lifecycle state of an asynchronous command.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
)

func (s TaskStatus) finished() bool {
	return s == TaskCompleted || s == TaskFailed
}

// TaskJob represents the state of an asynchronous command.
type TaskJob struct {
	ID          string     `json:"id"`
	Command     string     `json:"command"`
	Status      TaskStatus `json:"status"`
	SubmittedAt time.Time  `json:"submitted_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Result      any        `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// commandOutcome is what a command produces: its payload and whether the
// underlying task succeeded.
type commandOutcome struct {
	data    any
	success bool
}

// TaskRegistry runs commands in the background and tracks active and recent
// jobs in memory. Finished jobs are forgotten after the retention period.
type TaskRegistry struct {
	log       *zap.Logger
	retention time.Duration
	now       func() time.Time

	mu     sync.RWMutex
	jobs   map[string]*TaskJob
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTaskRegistry creates a registry. A zero retention keeps finished jobs
// for an hour.
func NewTaskRegistry(retention time.Duration, logger *zap.Logger) *TaskRegistry {
	if retention <= 0 {
		retention = time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TaskRegistry{
		log:       logger.Named("tasks"),
		retention: retention,
		now:       time.Now,
		jobs:      make(map[string]*TaskJob),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// ErrRegistryClosed is returned when a command is started after Close.
var ErrRegistryClosed = errors.New("task registry is closed")

// Start registers a job for command and runs it asynchronously. The job
// outlives the request that started it.
func (r *TaskRegistry) Start(command string, run func(ctx context.Context) (commandOutcome, error)) (TaskJob, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return TaskJob{}, ErrRegistryClosed
	}
	r.pruneLocked()
	job := &TaskJob{
		ID:          uuid.NewString(),
		Command:     command,
		Status:      TaskPending,
		SubmittedAt: r.now(),
	}
	r.jobs[job.ID] = job
	snapshot := *job
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		r.update(job.ID, TaskRunning, nil, nil)
		out, err := run(r.ctx)
		switch {
		case err != nil:
			r.update(job.ID, TaskFailed, out.data, err)
		case !out.success:
			r.update(job.ID, TaskFailed, out.data, nil)
		default:
			r.update(job.ID, TaskCompleted, out.data, nil)
		}
	}()

	r.log.Info("Task accepted.", zap.String("id", job.ID), zap.String("command", command))
	return snapshot, nil
}

func (r *TaskRegistry) update(id string, status TaskStatus, result any, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok || job.Status.finished() {
		return
	}
	job.Status = status
	if status.finished() {
		now := r.now()
		job.FinishedAt = &now
		job.Result = result
	}
	if err != nil {
		job.Error = err.Error()
	}
	r.log.Debug("Task status updated.", zap.String("id", id), zap.String("status", string(status)), zap.Error(err))
}

// Get retrieves a copy of a job by its ID.
func (r *TaskRegistry) Get(id string) (TaskJob, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	job, ok := r.jobs[id]
	if !ok {
		return TaskJob{}, false
	}
	return *job, true
}

func (r *TaskRegistry) pruneLocked() {
	cutoff := r.now().Add(-r.retention)
	for id, job := range r.jobs {
		if job.FinishedAt != nil && job.FinishedAt.Before(cutoff) {
			delete(r.jobs, id)
		}
	}
}

// Close cancels running jobs and waits for them to return or ctx to end.
func (r *TaskRegistry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
