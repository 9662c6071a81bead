// Package form drives a multi-field form from an empty page to a confirmed
// submission. Every field is read back before the machine advances, the
// whole form is re-verified before submitting, and the page is watched for
// a confirmation signal afterwards.
package form

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/formpilot/api/schemas"
	"github.com/xkilldash9x/formpilot/internal/config"
)

// HealthProbe reports whether the session behind a page is still alive.
type HealthProbe func(ctx context.Context) bool

// Loader navigates a page and waits for it to become ready.
type Loader interface {
	Load(ctx context.Context, page schemas.Page, url string, readiness schemas.ReadinessPolicy) (int, error)
}

// Machine runs submission tasks. It is stateless between runs and safe for
// concurrent use; each Run owns its working state.
type Machine struct {
	cfg      config.FormConfig
	timeouts config.TimeoutsConfig
	loader   Loader
	logger   *zap.Logger
	now      func() time.Time
}

// NewMachine creates a state machine that loads pages through loader.
func NewMachine(cfg config.FormConfig, timeouts config.TimeoutsConfig, loader Loader, logger *zap.Logger) *Machine {
	return &Machine{
		cfg:      cfg,
		timeouts: timeouts,
		loader:   loader,
		logger:   logger.Named("form"),
		now:      time.Now,
	}
}

// run is the working record of one submission.
type run struct {
	m       *Machine
	page    schemas.Page
	task    schemas.SubmitTask
	healthy HealthProbe
	logger  *zap.Logger

	state schemas.SubmissionState
	field int
	// checkpoint is the highest index i such that fields 0..i were last
	// read back correctly; -1 when none.
	checkpoint   int
	filled       map[int]bool
	retries      map[string]int
	transitions  []schemas.StateTransition
	verifyRounds int
	strategy     string

	startURL     string
	baseline     observation
	confirmation *schemas.Confirmation
}

// Run drives task to a terminal state on page. healthy is consulted on
// entry to every non-terminal state; a failed probe aborts the run with a
// SessionLost failure. The report is returned on failure too.
func (m *Machine) Run(ctx context.Context, page schemas.Page, task schemas.SubmitTask, healthy HealthProbe) (*schemas.SubmissionReport, error) {
	r := &run{
		m:          m,
		page:       page,
		task:       task,
		healthy:    healthy,
		logger:     m.logger.With(zap.String("task_id", task.ID), zap.String("url", task.URL)),
		state:      schemas.StateNotStarted,
		field:      -1,
		checkpoint: -1,
		filled:     make(map[int]bool, len(task.Fields)),
		retries:    make(map[string]int),
	}

	if err := r.execute(ctx); err != nil {
		r.record(schemas.StateFailed, -1, err.Error())
		r.logger.Warn("Submission failed.",
			zap.String("failure_kind", string(schemas.FailureKindOf(err))),
			zap.Int("checkpoint", r.checkpoint),
			zap.Error(err),
		)
		return r.report(), err
	}
	r.record(schemas.StateSucceeded, -1, string(r.confirmation.Signal))
	r.logger.Info("Submission confirmed.",
		zap.String("signal", string(r.confirmation.Signal)),
		zap.Int("score", r.confirmation.Score),
		zap.String("strategy", r.strategy),
	)
	return r.report(), nil
}

func (r *run) execute(ctx context.Context) error {
	if err := r.enter(ctx, schemas.StateNavigating, -1, ""); err != nil {
		return err
	}
	if _, err := r.m.loader.Load(ctx, r.page, r.task.URL, r.task.Readiness); err != nil {
		return err
	}
	startURL, err := r.page.URL(ctx)
	if err != nil {
		return r.pageFailure(ctx, err, "failed to read page URL")
	}
	r.startURL = startURL

	if err := r.fillFrom(ctx, 0, ""); err != nil {
		return err
	}

	for {
		if err := r.enter(ctx, schemas.StateVerifying, -1, ""); err != nil {
			return err
		}
		r.verifyRounds++
		k, got, err := r.verify(ctx)
		if err != nil {
			return err
		}
		if k < 0 {
			break
		}
		label := r.task.Fields[k].Label()
		if r.verifyRounds >= r.m.cfg.VerifyRounds {
			return schemas.NewFailure(schemas.KindFieldVerificationMismatch,
				"field %q read back %q after %d verification rounds", label, got, r.verifyRounds)
		}
		r.logger.Debug("Verification found a changed field.", zap.String("field", label), zap.String("read_back", got))
		if err := r.fillFrom(ctx, k, fmt.Sprintf("verification read back %q", got)); err != nil {
			return err
		}
	}

	if err := r.enter(ctx, schemas.StateSubmitting, -1, ""); err != nil {
		return err
	}
	if err := r.submit(ctx); err != nil {
		return err
	}

	if err := r.enter(ctx, schemas.StateConfirming, -1, r.strategy); err != nil {
		return err
	}
	return r.confirm(ctx)
}

// enter moves the machine to state after a health probe.
func (r *run) enter(ctx context.Context, state schemas.SubmissionState, field int, note string) error {
	if ctx.Err() != nil {
		return schemas.WrapFailure(schemas.KindCancelled, ctx.Err(), fmt.Sprintf("cancelled before %s", state))
	}
	if !state.Terminal() && r.healthy != nil && !r.healthy(ctx) {
		if ctx.Err() != nil {
			return schemas.WrapFailure(schemas.KindCancelled, ctx.Err(), fmt.Sprintf("cancelled before %s", state))
		}
		return schemas.NewFailure(schemas.KindSessionLost, "session failed health check entering %s", state)
	}
	r.record(state, field, note)
	return nil
}

func (r *run) record(to schemas.SubmissionState, field int, note string) {
	r.transitions = append(r.transitions, schemas.StateTransition{
		From:  r.state,
		To:    to,
		Field: field,
		At:    r.m.now(),
		Note:  note,
	})
	r.logger.Debug("State transition.",
		zap.String("from", string(r.state)),
		zap.String("to", string(to)),
		zap.Int("field", field),
	)
	r.state = to
	r.field = field
}

// pageFailure classifies an error from a page call outside field handling.
// A tab that cannot answer basic queries is treated as lost.
func (r *run) pageFailure(ctx context.Context, err error, msg string) error {
	if ctx.Err() != nil {
		return schemas.WrapFailure(schemas.KindCancelled, ctx.Err(), msg)
	}
	if schemas.FailureKindOf(err) == schemas.KindSessionLost {
		return err
	}
	return schemas.WrapFailure(schemas.KindSessionLost, err, msg)
}

func (r *run) report() *schemas.SubmissionReport {
	rep := &schemas.SubmissionReport{
		FinalState:     r.state,
		FieldsFilled:   make([]string, 0, len(r.filled)),
		VerifyRounds:   r.verifyRounds,
		SubmitStrategy: r.strategy,
		Confirmation:   r.confirmation,
		Transitions:    append([]schemas.StateTransition(nil), r.transitions...),
	}
	for i, f := range r.task.Fields {
		if r.filled[i] {
			rep.FieldsFilled = append(rep.FieldsFilled, f.Label())
		}
	}
	if len(r.retries) > 0 {
		rep.FieldRetries = make(map[string]int, len(r.retries))
		for k, v := range r.retries {
			rep.FieldRetries[k] = v
		}
	}
	return rep
}
