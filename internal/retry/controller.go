// Package retry executes tasks against pooled browser sessions, classifies
// every failure and schedules bounded, backed-off retries on fresh sessions.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formpilot/api/schemas"
	"github.com/xkilldash9x/formpilot/internal/browser"
	"github.com/xkilldash9x/formpilot/internal/config"
)

// SessionPool hands out exclusive sessions.
type SessionPool interface {
	Acquire(ctx context.Context, profile schemas.StealthProfile) (*browser.Session, error)
	Release(s *browser.Session, healthy bool)
}

// AttemptObserver is told about every finished attempt.
type AttemptObserver interface {
	Record(taskType schemas.TaskType, attempt schemas.Attempt)
}

// Task identifies a unit of work for the controller.
type Task struct {
	ID      string
	Type    schemas.TaskType
	Profile schemas.StealthProfile
}

// Payload is what a successful (or rejected) attempt produced.
type Payload struct {
	Data       schemas.ExtractedData
	Submission *schemas.SubmissionReport
}

// Runner performs one attempt on an exclusively held session.
type Runner func(ctx context.Context, s *browser.Session) (Payload, error)

// Controller owns the retry policy. It is safe for concurrent use.
type Controller struct {
	pool     SessionPool
	cfg      config.RetryConfig
	observer AttemptObserver
	logger   *zap.Logger
	now      func() time.Time
}

// NewController creates a controller. observer may be nil.
func NewController(pool SessionPool, cfg config.RetryConfig, observer AttemptObserver, logger *zap.Logger) *Controller {
	return &Controller{
		pool:     pool,
		cfg:      cfg,
		observer: observer,
		logger:   logger.Named("retry"),
		now:      time.Now,
	}
}

func (c *Controller) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.BaseDelay
	b.RandomizationFactor = c.cfg.Jitter
	b.Multiplier = c.cfg.Multiplier
	b.MaxInterval = c.cfg.MaxDelay
	// Attempts are bounded by count, not elapsed time.
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// execution is the working state of one Execute call.
type execution struct {
	c           *Controller
	task        Task
	run         Runner
	logger      *zap.Logger
	history     []schemas.Attempt
	occurrences map[schemas.FailureKind]int
	payload     Payload
	last        Decision
	lastErr     error
	// pendingBackoff is the wait scheduled before the next attempt.
	pendingBackoff time.Duration
}

// Execute runs task until it succeeds, fails fatally, is cancelled or runs
// out of attempts. Every attempt acquires its own session, so a retry always
// starts from scratch.
func (c *Controller) Execute(ctx context.Context, task Task, run Runner) schemas.Result {
	e := &execution{
		c:           c,
		task:        task,
		run:         run,
		logger:      c.logger.With(zap.String("task_id", task.ID), zap.String("task_type", string(task.Type))),
		occurrences: make(map[schemas.FailureKind]int),
	}
	res := schemas.Result{TaskID: task.ID, Type: task.Type, StartedAt: c.now()}

	maxAttempts := c.cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(maxAttempts-1)), ctx)

	err := backoff.RetryNotify(func() error {
		return e.attempt(ctx)
	}, policy, func(_ error, next time.Duration) {
		e.pendingBackoff = next
		e.logger.Debug("Retrying task.", zap.Int("next_attempt", len(e.history)+1), zap.Duration("backoff", next))
	})

	res.FinishedAt = c.now()
	res.Attempts = e.history
	res.Data = e.payload.Data
	res.Submission = e.payload.Submission
	if err == nil {
		res.Success = true
		e.logger.Info("Task succeeded.", zap.Int("attempts", len(e.history)))
		return res
	}

	res.Failure = e.terminalFailure(ctx)
	e.logger.Warn("Task failed.",
		zap.String("failure_kind", string(res.Failure.Kind)),
		zap.Int("attempts", len(e.history)),
		zap.Error(res.Failure),
	)
	return res
}

// terminalFailure builds the failure reported to the caller.
func (e *execution) terminalFailure(ctx context.Context) *schemas.Failure {
	var f *schemas.Failure
	switch {
	case e.last.Kind == schemas.KindCancelled || (ctx.Err() != nil && (e.lastErr == nil || e.last.Retryable)):
		// Cancelled before the first attempt, during a backoff wait or
		// mid-attempt.
		cause := ctx.Err()
		if cause == nil {
			cause = e.lastErr
		}
		f = schemas.WrapFailure(schemas.KindCancelled, cause, "task cancelled")
	case e.last.Retryable:
		f = schemas.WrapFailure(schemas.KindRetriesExhausted, e.lastErr,
			fmt.Sprintf("task did not succeed after %d attempts", len(e.history)))
	default:
		f = &schemas.Failure{Kind: e.last.Kind, Message: e.lastErr.Error(), Cause: e.lastErr}
		var cf *schemas.Failure
		if errors.As(e.lastErr, &cf) {
			f.Message, f.Cause = cf.Message, cf.Cause
		}
	}
	f.History = append([]schemas.Attempt(nil), e.history...)
	return f
}

// attempt runs one try and returns nil, a retryable error or a permanent
// one for the backoff loop.
func (e *execution) attempt(ctx context.Context) error {
	c := e.c
	a := schemas.Attempt{Number: len(e.history) + 1, StartedAt: c.now()}

	if err := ctx.Err(); err != nil {
		return backoff.Permanent(schemas.WrapFailure(schemas.KindCancelled, err, "task cancelled"))
	}

	sess, err := c.pool.Acquire(ctx, e.task.Profile)
	if err != nil {
		return e.record(a, err, e.classify(ctx, err))
	}
	a.SessionID = sess.ID()

	payload, err := e.run(ctx, sess)
	if err == nil && ctx.Err() != nil {
		err = schemas.WrapFailure(schemas.KindCancelled, ctx.Err(), "task cancelled")
	}
	if payload.Data != nil || payload.Submission != nil {
		e.payload = payload
	}

	d := e.classify(ctx, err)
	// A session that saw a crash, a cancellation or an unexpected error is
	// not trusted with another task.
	healthy := true
	if err != nil {
		switch d.Kind {
		case schemas.KindSessionLost, schemas.KindCancelled, schemas.KindInternal:
			healthy = false
		}
	}
	c.pool.Release(sess, healthy)

	return e.record(a, err, d)
}

func (e *execution) classify(ctx context.Context, err error) Decision {
	if err == nil {
		return Decision{}
	}
	if ctx.Err() != nil {
		err = schemas.WrapFailure(schemas.KindCancelled, ctx.Err(), err.Error())
	}
	kind := schemas.FailureKindOf(err)
	e.occurrences[kind]++
	return Classify(err, State{
		Attempt:                     len(e.history) + 1,
		Occurrences:                 e.occurrences,
		ExtractionMismatchThreshold: e.c.cfg.ExtractionMismatchThreshold,
		FieldMismatchThreshold:      e.c.cfg.FieldMismatchThreshold,
	})
}

func (e *execution) record(a schemas.Attempt, err error, d Decision) error {
	a.FinishedAt = e.c.now()
	switch {
	case err == nil:
		a.Outcome = schemas.OutcomeSuccess
	case d.Retryable:
		a.Outcome = schemas.OutcomeRetryable
	default:
		a.Outcome = schemas.OutcomeFatal
	}
	if err != nil {
		a.Kind = d.Kind
		a.Message = err.Error()
		e.last, e.lastErr = d, err
	}
	// Attempts are complete once appended; observers get the same value.
	a.Backoff, e.pendingBackoff = e.pendingBackoff, 0
	e.history = append(e.history, a)

	fields := []zap.Field{
		zap.Int("attempt", a.Number),
		zap.String("session_id", a.SessionID),
		zap.String("outcome", string(a.Outcome)),
		zap.Duration("duration", a.Duration()),
	}
	if err != nil {
		fields = append(fields, zap.String("failure_kind", string(a.Kind)), zap.String("reason", d.Reason), zap.Error(err))
	}
	e.logger.Info("Attempt finished.", fields...)
	if e.c.observer != nil {
		e.c.observer.Record(e.task.Type, a)
	}

	switch {
	case err == nil:
		return nil
	case d.Retryable:
		return err
	default:
		return backoff.Permanent(err)
	}
}
