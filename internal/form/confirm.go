package form

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formpilot/api/schemas"
)

const (
	defaultConfirmPoll       = 250 * time.Millisecond
	fallbackConfirmationText = "Form submission appears to have been successful"

	errorElementSelector = ".error, .errors, .alert-danger, .invalid-feedback, .field-error"
	messageSelector      = "h1, h2, h3, p, .alert, .message, .success, [role=status]"
)

var (
	successPhrases = []string{
		"thank you", "thanks for",
		"message sent", "message has been sent", "form submitted",
		"successfully submitted", "submission successful", "sent successfully",
		"we have received", "received your",
		"we'll be in touch", "we will be in touch",
	}
	errorPhrases = []string{
		"error", "failed", "invalid", "required field", "is required",
		"try again", "incorrect", "not allowed", "please correct",
	}
	successKeywords = []string{"thank", "success", "received", "sent", "submitted", "confirm"}

	confirmationNumberRe = regexp.MustCompile(`(?i)\b(?:confirmation|reference|ticket|order)\s*(?:number|no\.?|id|code|#)?\s*(?:is\s*)?[:#]?\s*([A-Z0-9][A-Z0-9-]{3,})`)
)

// observation is what the machine can see of the page at one instant.
type observation struct {
	url         string
	text        string // visible text, lowercased with collapsed whitespace
	formPresent bool
	errors      []string // text of visible error elements, in document order
	number      string
	message     string
}

type verdict int

const (
	pending verdict = iota
	confirmed
	rejected
)

func (r *run) observe(ctx context.Context) (observation, error) {
	url, err := r.page.URL(ctx)
	if err != nil {
		return observation{}, err
	}
	html, err := r.page.HTML(ctx)
	if err != nil {
		return observation{}, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return observation{}, fmt.Errorf("failed to parse page HTML: %w", err)
	}

	obs := observation{url: url, formPresent: doc.Find(r.formScope()).Length() > 0}
	doc.Find("script, style, noscript, template").Remove()

	doc.Find(errorElementSelector).Each(func(_ int, s *goquery.Selection) {
		if t := collapse(s.Text()); t != "" && !slices.Contains(obs.errors, t) {
			obs.errors = append(obs.errors, t)
		}
	})
	doc.Find(messageSelector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		t := collapse(s.Text())
		if len(t) < 10 || len(t) > 200 || !containsAny(strings.ToLower(t), successKeywords) {
			return true
		}
		obs.message = t
		return false
	})

	body := doc.Find("body")
	if body.Length() == 0 {
		body = doc.Selection
	}
	visible := collapse(body.Text())
	obs.number = confirmationNumber(visible)
	obs.text = strings.ToLower(visible)
	return obs, nil
}

// confirm polls the page until it shows a success or error signal, the
// confirmation window closes, or the session fails its health probe.
func (r *run) confirm(ctx context.Context) error {
	timeout := r.m.timeouts.Confirmation
	if ms := r.task.Confirm.TimeoutMs; ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	poll := r.m.timeouts.ConfirmPoll
	if poll <= 0 {
		poll = defaultConfirmPoll
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	last := schemas.Confirmation{URL: r.baseline.url}
	for {
		if r.healthy != nil && !r.healthy(ctx) {
			if ctx.Err() != nil {
				return schemas.WrapFailure(schemas.KindCancelled, ctx.Err(), "cancelled while confirming")
			}
			return schemas.NewFailure(schemas.KindSessionLost, "session failed health check while confirming")
		}

		obs, err := r.observe(ctx)
		switch {
		case err != nil && (ctx.Err() != nil || schemas.FailureKindOf(err) == schemas.KindSessionLost):
			return r.pageFailure(ctx, err, "failed to observe page while confirming")
		case err != nil:
			// Pages mid-navigation cannot be queried; the next poll will see
			// the new document.
			r.logger.Debug("Page not observable yet.", zap.Error(err))
		default:
			c, v := r.evaluate(obs)
			last = c
			switch v {
			case confirmed:
				r.confirmation = &c
				return nil
			case rejected:
				r.confirmation = &c
				return schemas.NewFailure(schemas.KindFormRejected,
					"page reported an error after submitting: %s", strings.Join(c.ErrorIndicators, ", "))
			}
		}

		select {
		case <-ctx.Done():
			return schemas.WrapFailure(schemas.KindCancelled, ctx.Err(), "cancelled while confirming")
		case <-deadline.C:
			last.Signal = schemas.SignalTimeout
			r.confirmation = &last
			return schemas.NewFailure(schemas.KindFormRejected, "no confirmation signal within %s", timeout)
		case <-ticker.C:
		}
	}
}

// evaluate scores an observation against the pre-submit baseline. Only
// indicators that were not already present before submitting count.
func (r *run) evaluate(obs observation) (schemas.Confirmation, verdict) {
	base := r.baseline
	hints := r.task.Confirm
	c := schemas.Confirmation{URL: obs.url, URLChanged: obs.url != base.url}

	var textSignal, urlSignal bool
	if c.URLChanged {
		c.SuccessIndicators = append(c.SuccessIndicators, "url_changed")
		urlSignal = true
	}
	if h := hints.URLContains; h != "" && strings.Contains(obs.url, h) && !strings.Contains(base.url, h) {
		c.SuccessIndicators = append(c.SuccessIndicators, "url_matches:"+h)
		urlSignal = true
	}
	for _, p := range withHints(successPhrases, hints.SuccessText) {
		if appeared(obs.text, base.text, p) {
			c.SuccessIndicators = append(c.SuccessIndicators, "text:"+p)
			textSignal = true
		}
	}
	if obs.number != "" && obs.number != base.number {
		c.SuccessIndicators = append(c.SuccessIndicators, "confirmation_number")
		c.ConfirmationNumber = obs.number
		textSignal = true
	}
	formGone := !hints.IgnoreFormGone && base.formPresent && !obs.formPresent
	if formGone {
		c.SuccessIndicators = append(c.SuccessIndicators, "form_gone")
	}

	for _, p := range withHints(errorPhrases, hints.ErrorText) {
		if appeared(obs.text, base.text, p) {
			c.ErrorIndicators = append(c.ErrorIndicators, "text:"+p)
		}
	}
	for _, e := range obs.errors {
		if !slices.Contains(base.errors, e) {
			c.ErrorIndicators = append(c.ErrorIndicators, "element:"+truncate(e, 100))
		}
	}

	if len(c.SuccessIndicators) > 0 {
		c.Score += 50
	}
	if c.URLChanged {
		c.Score += 30
	}
	if len(c.ErrorIndicators) == 0 {
		c.Score += 20
	}

	switch {
	case len(c.ErrorIndicators) > 0:
		c.Signal = schemas.SignalErrorIndicator
		return c, rejected
	case c.Score < 50:
		return c, pending
	case urlSignal:
		c.Signal = schemas.SignalURLChange
	case textSignal:
		c.Signal = schemas.SignalConfirmationText
	case formGone:
		c.Signal = schemas.SignalFormGone
	}
	c.ConfirmationText = obs.message
	if c.ConfirmationText == "" {
		c.ConfirmationText = fallbackConfirmationText
	}
	return c, confirmed
}

// confirmationNumber returns the first reference-like token that contains a
// digit.
func confirmationNumber(text string) string {
	for _, m := range confirmationNumberRe.FindAllStringSubmatch(text, -1) {
		if strings.ContainsAny(m[1], "0123456789") {
			return strings.TrimRight(m[1], "-")
		}
	}
	return ""
}

func withHints(phrases, hints []string) []string {
	out := append([]string(nil), phrases...)
	for _, h := range hints {
		if h = strings.ToLower(collapse(h)); h != "" && !slices.Contains(out, h) {
			out = append(out, h)
		}
	}
	return out
}

func appeared(now, before, phrase string) bool {
	return strings.Contains(now, phrase) && !strings.Contains(before, phrase)
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
