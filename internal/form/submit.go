package form

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/formpilot/api/schemas"
)

// submitButtonCandidates are tried inside the form scope, in order.
var submitButtonCandidates = []string{
	`button[type="submit"]`,
	`input[type="submit"]`,
	`button:not([type])`,
	`input[type="image"]`,
}

type submitStrategy struct {
	name  string
	apply func(ctx context.Context) (bool, error)
}

// submit snapshots the page for later comparison and invokes the first
// strategy that applies.
func (r *run) submit(ctx context.Context) error {
	baseline, err := r.observe(ctx)
	if err != nil {
		return r.pageFailure(ctx, err, "failed to observe page before submitting")
	}
	r.baseline = baseline

	for _, s := range r.strategies() {
		applied, err := s.apply(ctx)
		if err != nil {
			if ctx.Err() != nil || schemas.FailureKindOf(err) == schemas.KindSessionLost {
				return r.pageFailure(ctx, err, "submit strategy "+s.name+" aborted")
			}
			r.logger.Debug("Submit strategy failed.", zap.String("strategy", s.name), zap.Error(err))
			continue
		}
		if applied {
			r.strategy = s.name
			r.logger.Debug("Form submitted.", zap.String("strategy", s.name))
			return nil
		}
	}
	return schemas.NewFailure(schemas.KindFormRejected, "no submit strategy could be applied")
}

func (r *run) strategies() []submitStrategy {
	scope := r.formScope()
	var out []submitStrategy

	if sel := r.task.Submit.Selector; sel != "" {
		out = append(out, submitStrategy{"explicit_selector", func(ctx context.Context) (bool, error) {
			return true, r.page.Click(ctx, sel)
		}})
	}

	out = append(out,
		submitStrategy{"submit_button", func(ctx context.Context) (bool, error) {
			for _, cand := range submitButtonCandidates {
				sel := scope + " " + cand
				found, err := r.page.Exists(ctx, sel)
				if err != nil {
					return false, err
				}
				if found {
					return true, r.page.Click(ctx, sel)
				}
			}
			return false, nil
		}},
		submitStrategy{"enter_key", func(ctx context.Context) (bool, error) {
			sel, ok := r.lastTextField()
			if !ok {
				return false, nil
			}
			return true, r.page.PressEnter(ctx, sel)
		}},
		submitStrategy{"javascript_submit", func(ctx context.Context) (bool, error) {
			return r.page.SubmitForm(ctx, scope)
		}},
	)
	return out
}

func (r *run) formScope() string {
	if r.task.Submit.FormSelector != "" {
		return r.task.Submit.FormSelector
	}
	return "form"
}

func (r *run) lastTextField() (string, bool) {
	for i := len(r.task.Fields) - 1; i >= 0; i-- {
		if f := r.task.Fields[i]; kindOf(f) == schemas.FieldText {
			return f.Selector, true
		}
	}
	return "", false
}
