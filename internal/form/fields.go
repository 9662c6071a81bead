package form

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formpilot/api/schemas"
)

// fillFrom writes fields k..last in order. note is attached to the first
// FillingField transition, which lets a verification rewind explain itself.
func (r *run) fillFrom(ctx context.Context, k int, note string) error {
	r.checkpoint = k - 1
	for i := k; i < len(r.task.Fields); i++ {
		n := ""
		if i == k {
			n = note
		}
		if err := r.fillField(ctx, i, n); err != nil {
			return err
		}
	}
	return nil
}

// fillField writes one field and reads it back, retrying on the same field
// up to the configured limit. Each retry is recorded as a self transition.
func (r *run) fillField(ctx context.Context, i int, note string) error {
	f := r.task.Fields[i]
	label := f.Label()
	limit := r.m.cfg.FieldRetryLimit
	if limit < 0 {
		limit = 0
	}

	var reason string
	for try := 0; try <= limit; try++ {
		n := note
		if try > 0 {
			r.retries[label]++
			n = fmt.Sprintf("retry %d: %s", try, reason)
		}
		if err := r.enter(ctx, schemas.StateFillingField, i, n); err != nil {
			return err
		}

		got, ok, err := r.writeAndCheck(ctx, f)
		if err != nil {
			if fatalFieldError(err) {
				return err
			}
			reason = err.Error()
			r.logger.Debug("Field write failed.", zap.String("field", label), zap.Int("try", try+1), zap.Error(err))
			continue
		}
		if ok {
			r.filled[i] = true
			r.checkpoint = i
			return nil
		}
		reason = fmt.Sprintf("read back %q", got)
		r.logger.Debug("Field read back a different value.", zap.String("field", label), zap.Int("try", try+1), zap.String("read_back", got))
	}

	delete(r.filled, i)
	return schemas.NewFailure(schemas.KindFieldVerificationMismatch,
		"field %q did not hold its value after %d attempts: %s", label, limit+1, reason)
}

// verify re-reads every field. It returns the index of the first field that
// no longer holds its value with what it read, or -1.
func (r *run) verify(ctx context.Context) (int, string, error) {
	for i, f := range r.task.Fields {
		got, ok, err := r.check(ctx, f)
		if err != nil {
			if fatalFieldError(err) {
				return 0, "", err
			}
			got, ok = err.Error(), false
		}
		if !ok {
			r.checkpoint = i - 1
			return i, got, nil
		}
	}
	return -1, "", nil
}

func (r *run) writeAndCheck(ctx context.Context, f schemas.FieldValue) (string, bool, error) {
	if err := r.bounded(ctx, func(ctx context.Context) error { return r.write(ctx, f) }); err != nil {
		return "", false, r.fieldError(ctx, err, "write", f)
	}
	return r.check(ctx, f)
}

// check reads a field back within the read-back timeout.
func (r *run) check(ctx context.Context, f schemas.FieldValue) (string, bool, error) {
	var (
		got string
		ok  bool
	)
	err := r.bounded(ctx, func(ctx context.Context) error {
		var err error
		got, ok, err = r.readBack(ctx, f)
		return err
	})
	if err != nil {
		return "", false, r.fieldError(ctx, err, "read back", f)
	}
	return got, ok, nil
}

func (r *run) bounded(ctx context.Context, fn func(context.Context) error) error {
	if r.m.timeouts.FieldReadBack <= 0 {
		return fn(ctx)
	}
	fctx, cancel := context.WithTimeout(ctx, r.m.timeouts.FieldReadBack)
	defer cancel()
	return fn(fctx)
}

func (r *run) write(ctx context.Context, f schemas.FieldValue) error {
	switch kindOf(f) {
	case schemas.FieldCheckbox:
		return r.page.SetChecked(ctx, f.Selector, truthy(f.Value))
	case schemas.FieldRadio:
		return r.page.Click(ctx, radioOption(f))
	case schemas.FieldSelect:
		return r.page.Select(ctx, f.Selector, f.Value)
	default:
		return r.page.Fill(ctx, f.Selector, f.Value)
	}
}

// readBack returns what the control holds and whether it matches the
// intended value.
func (r *run) readBack(ctx context.Context, f schemas.FieldValue) (string, bool, error) {
	switch kindOf(f) {
	case schemas.FieldCheckbox:
		checked, err := r.page.Checked(ctx, f.Selector)
		if err != nil {
			return "", false, err
		}
		return strconv.FormatBool(checked), checked == truthy(f.Value), nil
	case schemas.FieldRadio:
		checked, err := r.page.Checked(ctx, radioOption(f))
		if err != nil {
			return "", false, err
		}
		return strconv.FormatBool(checked), checked, nil
	case schemas.FieldSelect:
		v, err := r.page.Value(ctx, f.Selector)
		if err != nil {
			return "", false, err
		}
		if v == f.Value {
			return v, true, nil
		}
		// The caller may name an option by its visible text.
		html, err := r.page.HTML(ctx)
		if err != nil {
			return "", false, err
		}
		return v, v != "" && v == optionValueForText(html, f.Selector, f.Value), nil
	default:
		v, err := r.page.Value(ctx, f.Selector)
		if err != nil {
			return "", false, err
		}
		return v, v == f.Value, nil
	}
}

// fieldError classifies a failed write or read. Lost sessions and
// cancellation end the run; anything else counts as a failed try.
func (r *run) fieldError(ctx context.Context, err error, op string, f schemas.FieldValue) error {
	if ctx.Err() != nil {
		return schemas.WrapFailure(schemas.KindCancelled, ctx.Err(), fmt.Sprintf("cancelled during %s of field %q", op, f.Label()))
	}
	if schemas.FailureKindOf(err) == schemas.KindSessionLost {
		return err
	}
	return fmt.Errorf("failed to %s field %q: %w", op, f.Label(), err)
}

func fatalFieldError(err error) bool {
	switch schemas.FailureKindOf(err) {
	case schemas.KindSessionLost, schemas.KindCancelled:
		return true
	default:
		return false
	}
}

func kindOf(f schemas.FieldValue) schemas.FieldKind {
	if f.Kind == "" {
		return schemas.FieldText
	}
	return f.Kind
}

// radioOption is the selector of the radio button carrying f.Value.
func radioOption(f schemas.FieldValue) string {
	if f.Value == "" {
		return f.Selector
	}
	return fmt.Sprintf("%s[value=%q]", f.Selector, f.Value)
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on", "checked":
		return true
	default:
		return false
	}
}

// optionValueForText resolves the value of the option whose visible text is
// text, or "" when the select or option is missing from html.
func optionValueForText(html, selector, text string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	want := strings.Join(strings.Fields(text), " ")
	var value string
	doc.Find(selector).First().Find("option").EachWithBreak(func(_ int, o *goquery.Selection) bool {
		if strings.Join(strings.Fields(o.Text()), " ") != want {
			return true
		}
		if v, ok := o.Attr("value"); ok {
			value = v
		} else {
			value = want
		}
		return false
	})
	return value
}
