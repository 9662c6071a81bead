package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/formpilot/api/schemas"
	"github.com/xkilldash9x/formpilot/internal/browser"
	"github.com/xkilldash9x/formpilot/internal/browser/browsertest"
	"github.com/xkilldash9x/formpilot/internal/config"
	"github.com/xkilldash9x/formpilot/internal/extract"
	"github.com/xkilldash9x/formpilot/internal/form"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	articleURL = "https://example.test/article"
	formURL    = "https://example.test/form"
	doneURL    = "https://example.test/done"
)

func testRetryConfig() config.RetryConfig {
	return config.RetryConfig{
		MaxAttempts:                 5,
		BaseDelay:                   time.Millisecond,
		Multiplier:                  2,
		Jitter:                      0,
		MaxDelay:                    5 * time.Millisecond,
		ExtractionMismatchThreshold: 3,
		FieldMismatchThreshold:      3,
	}
}

func testTimeouts() config.TimeoutsConfig {
	return config.TimeoutsConfig{
		Navigation:       200 * time.Millisecond,
		Readiness:        200 * time.Millisecond,
		NetworkIdleQuiet: 10 * time.Millisecond,
		FieldReadBack:    200 * time.Millisecond,
		Confirmation:     300 * time.Millisecond,
		ConfirmPoll:      10 * time.Millisecond,
	}
}

// recorder collects attempts the way the health reporter would.
type recorder struct {
	mu       sync.Mutex
	attempts []schemas.Attempt
	onRecord func(schemas.Attempt)
}

func (r *recorder) Record(_ schemas.TaskType, a schemas.Attempt) {
	r.mu.Lock()
	r.attempts = append(r.attempts, a)
	fn := r.onRecord
	r.mu.Unlock()
	if fn != nil {
		fn(a)
	}
}

type fixture struct {
	site     *browsertest.Site
	launcher *browsertest.FakeLauncher
	mgr      *browser.Manager
	pipeline *extract.Pipeline
	machine  *form.Machine
	rec      *recorder
	ctrl     *Controller
}

func newFixture(t *testing.T, cfg config.RetryConfig, logger *zap.Logger) *fixture {
	t.Helper()
	if logger == nil {
		logger = zaptest.NewLogger(t)
	}
	site := browsertest.NewSite()
	launcher := browsertest.NewFakeLauncher(site)
	mgr := browser.NewManager(config.BrowserConfig{
		PoolSize:           2,
		AcquireTimeout:     time.Second,
		MaxSessionUses:     10,
		MaxLaunchFailures:  2,
		LaunchTimeout:      time.Second,
		HealthCheckTimeout: time.Second,
	}, launcher, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})

	timeouts := testTimeouts()
	rec := &recorder{}
	return &fixture{
		site:     site,
		launcher: launcher,
		mgr:      mgr,
		pipeline: extract.NewPipeline(timeouts, logger),
		machine:  form.NewMachine(config.FormConfig{FieldRetryLimit: 2, VerifyRounds: 2}, timeouts, extract.NewPipeline(timeouts, logger), logger),
		rec:      rec,
		ctrl:     NewController(mgr, cfg, rec, logger),
	}
}

func (f *fixture) scrape(task schemas.ScrapeTask) schemas.Result {
	return f.ctrl.Execute(context.Background(), Task{ID: task.ID, Type: schemas.TaskScrape, Profile: schemas.DefaultStealthProfile},
		func(ctx context.Context, s *browser.Session) (Payload, error) {
			data, err := f.pipeline.Scrape(ctx, s.Page(), task)
			return Payload{Data: data}, err
		})
}

func (f *fixture) submit(ctx context.Context, task schemas.SubmitTask) schemas.Result {
	return f.ctrl.Execute(ctx, Task{ID: task.ID, Type: schemas.TaskSubmit, Profile: schemas.DefaultStealthProfile},
		func(ctx context.Context, s *browser.Session) (Payload, error) {
			rep, err := f.machine.Run(ctx, s.Page(), task, func(ctx context.Context) bool {
				return f.mgr.HealthCheck(ctx, s)
			})
			return Payload{Submission: rep}, err
		})
}

func headlineTask() schemas.ScrapeTask {
	return schemas.ScrapeTask{
		ID:  "scrape-1",
		URL: articleURL,
		Rules: []schemas.ExtractionRule{
			{Field: "headline", Selector: "h1", Required: true},
		},
	}
}

const formHTML = `<html><body><form id="f"><input name="email"><button type="submit">Go</button></form></body></html>`

func addForm(site *browsertest.Site) {
	site.Add(formURL, &browsertest.Document{
		HTML:         formHTML,
		Fields:       map[string]*browsertest.Field{`#f input[name="email"]`: {Kind: schemas.FieldText}},
		SubmitButton: `#f button[type="submit"]`,
		SubmitTo:     doneURL,
	})
	site.Add(doneURL, &browsertest.Document{HTML: `<html><body><h1>Thanks for signing up!</h1></body></html>`})
}

func submitTask() schemas.SubmitTask {
	return schemas.SubmitTask{
		ID:     "submit-1",
		URL:    formURL,
		Fields: []schemas.FieldValue{{Name: "email", Selector: `#f input[name="email"]`, Value: "ada@example.com"}},
		Submit: schemas.SubmitAction{FormSelector: "#f"},
	}
}

func kinds(attempts []schemas.Attempt) []schemas.FailureKind {
	out := make([]schemas.FailureKind, len(attempts))
	for i, a := range attempts {
		out[i] = a.Kind
	}
	return out
}

func TestExecute_SucceedsFirstTime(t *testing.T) {
	f := newFixture(t, testRetryConfig(), nil)
	f.site.Add(articleURL, &browsertest.Document{HTML: `<h1>Hello</h1>`})

	res := f.scrape(headlineTask())
	require.True(t, res.Success, "%v", res.Failure)
	assert.Nil(t, res.Failure)
	require.Len(t, res.Attempts, 1)
	assert.Equal(t, schemas.OutcomeSuccess, res.Attempts[0].Outcome)
	assert.NotEmpty(t, res.Attempts[0].SessionID)
	v, _ := res.Data.Get("headline")
	assert.Equal(t, "Hello", v)
	assert.Equal(t, 0, f.mgr.Snapshot().Busy, "the session went back to the pool")
}

func TestExecute_BoundedRetries(t *testing.T) {
	f := newFixture(t, testRetryConfig(), nil)
	f.site.Add(articleURL, &browsertest.Document{HTML: `<h1>Hello</h1>`})
	for i := 0; i < 10; i++ {
		f.site.NavigateErrors = append(f.site.NavigateErrors, errors.New("net::ERR_CONNECTION_RESET"))
	}

	res := f.scrape(headlineTask())
	require.False(t, res.Success)
	require.NotNil(t, res.Failure)

	assert.Equal(t, schemas.KindRetriesExhausted, res.Failure.Kind)
	assert.ErrorIs(t, res.Failure, schemas.ErrNavigationTimeout, "the last failure stays reachable")
	assert.Len(t, res.Attempts, 5)
	assert.Len(t, res.Failure.History, 5)
	assert.Equal(t, 5, f.site.Navigations())
	for i, a := range res.Attempts {
		assert.Equal(t, i+1, a.Number)
		assert.Equal(t, schemas.OutcomeRetryable, a.Outcome)
		assert.Equal(t, schemas.KindNavigationTimeout, a.Kind)
	}
	assert.Zero(t, res.Attempts[0].Backoff)
	for _, a := range res.Attempts[1:] {
		assert.Greater(t, a.Backoff, time.Duration(0))
	}
	assert.LessOrEqual(t, res.Attempts[4].Backoff, 5*time.Millisecond, "backoff is capped")
}

func TestExecute_ObserversSeeFinalAttempts(t *testing.T) {
	f := newFixture(t, testRetryConfig(), nil)
	f.site.Add(articleURL, &browsertest.Document{HTML: `<h1>Hello</h1>`})
	f.site.NavigateErrors = append(f.site.NavigateErrors, errors.New("net::ERR_CONNECTION_RESET"))

	res := f.scrape(headlineTask())
	require.True(t, res.Success, "%v", res.Failure)
	require.Len(t, res.Attempts, 2)
	assert.Equal(t, time.Millisecond, res.Attempts[1].Backoff)

	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	assert.Equal(t, res.Attempts, f.rec.attempts, "attempts do not change after they are reported")
}

func TestExecute_RequiredElementAppearsOnThirdAttempt(t *testing.T) {
	f := newFixture(t, testRetryConfig(), nil)
	f.site.Add(articleURL, &browsertest.Document{Versions: []string{
		`<div class="skeleton"></div>`,
		`<div class="skeleton"></div>`,
		`<h1>Finally rendered</h1>`,
	}})

	res := f.scrape(headlineTask())
	require.True(t, res.Success, "%v", res.Failure)
	assert.Equal(t, []schemas.FailureKind{schemas.KindExtractionMismatch, schemas.KindExtractionMismatch, ""}, kinds(res.Attempts))
	v, _ := res.Data.Get("headline")
	assert.Equal(t, "Finally rendered", v)
}

func TestExecute_ExtractionMismatchBecomesFatal(t *testing.T) {
	cfg := testRetryConfig()
	cfg.ExtractionMismatchThreshold = 2
	f := newFixture(t, cfg, nil)
	f.site.Add(articleURL, &browsertest.Document{HTML: `<p>no headline</p>`})

	res := f.scrape(headlineTask())
	require.False(t, res.Success)

	assert.Equal(t, schemas.KindExtractionMismatch, res.Failure.Kind)
	require.Len(t, res.Attempts, 2)
	assert.Equal(t, schemas.OutcomeRetryable, res.Attempts[0].Outcome)
	assert.Equal(t, schemas.OutcomeFatal, res.Attempts[1].Outcome)
	assert.Contains(t, res.Failure.Error(), "h1")
}

const twoFieldFormHTML = `<html><body><form id="f">
<input name="name"><input name="email"><button type="submit">Go</button>
</form></body></html>`

// addTwoFieldForm serves a form whose second field corrupts the first
// emailFaults writes.
func addTwoFieldForm(site *browsertest.Site, emailFaults int) {
	site.Add(formURL, &browsertest.Document{
		HTML: twoFieldFormHTML,
		Fields: map[string]*browsertest.Field{
			`#f input[name="name"]`:  {Kind: schemas.FieldText},
			`#f input[name="email"]`: {Kind: schemas.FieldText, FillFaults: emailFaults},
		},
		SubmitButton: `#f button[type="submit"]`,
		SubmitTo:     doneURL,
	})
	site.Add(doneURL, &browsertest.Document{HTML: `<html><body><h1>Thanks for signing up!</h1></body></html>`})
}

func twoFieldTask() schemas.SubmitTask {
	return schemas.SubmitTask{
		ID:  "submit-2",
		URL: formURL,
		Fields: []schemas.FieldValue{
			{Name: "name", Selector: `#f input[name="name"]`, Value: "Ada"},
			{Name: "email", Selector: `#f input[name="email"]`, Value: "ada@example.com"},
		},
		Submit: schemas.SubmitAction{FormSelector: "#f"},
	}
}

func TestExecute_FieldReadBackRetriesStayInsideOneAttempt(t *testing.T) {
	f := newFixture(t, testRetryConfig(), nil)
	addTwoFieldForm(f.site, 2)

	res := f.submit(context.Background(), twoFieldTask())
	require.True(t, res.Success, "%v", res.Failure)

	require.Len(t, res.Attempts, 1, "field retries are not task attempts")
	require.NotNil(t, res.Submission)
	assert.Equal(t, schemas.StateSucceeded, res.Submission.FinalState)
	assert.Equal(t, map[string]int{"email": 2}, res.Submission.FieldRetries)
	require.Len(t, f.site.Submissions(), 1)
	assert.Equal(t, "ada@example.com", f.site.Submissions()[0][`#f input[name="email"]`])
}

func TestExecute_FieldMismatchBecomesFatalAtThreshold(t *testing.T) {
	f := newFixture(t, testRetryConfig(), nil)
	addTwoFieldForm(f.site, 100)

	res := f.submit(context.Background(), twoFieldTask())
	require.False(t, res.Success)
	require.NotNil(t, res.Failure)

	assert.Equal(t, schemas.KindFieldVerificationMismatch, res.Failure.Kind)
	assert.Equal(t, []schemas.FailureKind{
		schemas.KindFieldVerificationMismatch,
		schemas.KindFieldVerificationMismatch,
		schemas.KindFieldVerificationMismatch,
	}, kinds(res.Attempts), "threshold 3 stops before max_attempts 5")
	assert.Equal(t, schemas.OutcomeRetryable, res.Attempts[1].Outcome)
	assert.Equal(t, schemas.OutcomeFatal, res.Attempts[2].Outcome)
	assert.Empty(t, f.site.Submissions(), "a mismatched form is never submitted")
}

func TestExecute_NoRetryAfterFormRejected(t *testing.T) {
	f := newFixture(t, testRetryConfig(), nil)
	f.site.Add(formURL, &browsertest.Document{
		HTML:            formHTML,
		Fields:          map[string]*browsertest.Field{`#f input[name="email"]`: {Kind: schemas.FieldText}},
		SubmitButton:    `#f button[type="submit"]`,
		AfterSubmitHTML: `<html><body><form id="f"><p class="error">Email already registered</p></form></body></html>`,
	})

	res := f.submit(context.Background(), submitTask())
	require.False(t, res.Success)

	assert.Equal(t, schemas.KindFormRejected, res.Failure.Kind)
	assert.Len(t, res.Attempts, 1, "a rejected submission is never resubmitted")
	assert.Len(t, f.site.Submissions(), 1)
	require.NotNil(t, res.Submission, "the rejected report is kept for the caller")
	assert.Equal(t, schemas.StateFailed, res.Submission.FinalState)
	assert.Equal(t, 1, f.mgr.Snapshot().Idle, "a rejection does not taint the session")
}

func TestExecute_SessionLostWhileConfirmingRestartsOnNewSession(t *testing.T) {
	f := newFixture(t, testRetryConfig(), nil)
	addForm(f.site)
	f.site.CrashOnSubmit = 1

	res := f.submit(context.Background(), submitTask())
	require.True(t, res.Success, "%v", res.Failure)

	require.Len(t, res.Attempts, 2)
	assert.Equal(t, schemas.KindSessionLost, res.Attempts[0].Kind)
	assert.Equal(t, schemas.OutcomeRetryable, res.Attempts[0].Outcome)
	assert.Equal(t, schemas.OutcomeSuccess, res.Attempts[1].Outcome)
	assert.NotEqual(t, res.Attempts[0].SessionID, res.Attempts[1].SessionID)
	assert.Equal(t, 2, f.launcher.Launches())
	assert.True(t, f.launcher.Pages()[0].Closed(), "the crashed session is torn down")

	require.NotNil(t, res.Submission)
	assert.Equal(t, schemas.StateNotStarted, res.Submission.Transitions[0].From, "the second attempt starts from scratch")
	assert.Equal(t, schemas.StateSucceeded, res.Submission.FinalState)
}

func TestExecute_CancelledMidAttempt(t *testing.T) {
	f := newFixture(t, testRetryConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})

	go func() {
		<-started
		cancel()
	}()
	res := f.ctrl.Execute(ctx, Task{ID: "t", Type: schemas.TaskScrape, Profile: schemas.DefaultStealthProfile},
		func(ctx context.Context, s *browser.Session) (Payload, error) {
			close(started)
			<-ctx.Done()
			return Payload{}, ctx.Err()
		})

	require.False(t, res.Success)
	assert.Equal(t, schemas.KindCancelled, res.Failure.Kind)
	require.Len(t, res.Attempts, 1)
	assert.Equal(t, schemas.OutcomeFatal, res.Attempts[0].Outcome)
	assert.True(t, f.launcher.Pages()[0].Closed(), "a session interrupted mid-step is not trusted again")
}

func TestExecute_CancelledDuringBackoff(t *testing.T) {
	cfg := testRetryConfig()
	cfg.BaseDelay = time.Minute
	cfg.MaxDelay = time.Minute
	f := newFixture(t, cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.rec.onRecord = func(schemas.Attempt) { cancel() }

	start := time.Now()
	res := f.ctrl.Execute(ctx, Task{ID: "t", Type: schemas.TaskScrape},
		func(ctx context.Context, s *browser.Session) (Payload, error) {
			return Payload{}, schemas.NewFailure(schemas.KindNavigationTimeout, "slow")
		})

	assert.Less(t, time.Since(start), 10*time.Second)
	require.False(t, res.Success)
	assert.Equal(t, schemas.KindCancelled, res.Failure.Kind)
	assert.Len(t, res.Attempts, 1)
}

func TestExecute_CancelledBeforeStart(t *testing.T) {
	f := newFixture(t, testRetryConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := f.ctrl.Execute(ctx, Task{ID: "t", Type: schemas.TaskScrape}, func(context.Context, *browser.Session) (Payload, error) {
		t.Fatal("runner must not be called")
		return Payload{}, nil
	})
	assert.Equal(t, schemas.KindCancelled, res.Failure.Kind)
	assert.Empty(t, res.Attempts)
	assert.Zero(t, f.launcher.Launches())
}

func TestExecute_EnvironmentUnavailableIsFatal(t *testing.T) {
	f := newFixture(t, testRetryConfig(), nil)
	f.launcher.FailLaunches = 10

	res := f.scrape(headlineTask())
	require.False(t, res.Success)
	assert.Equal(t, schemas.KindEnvironmentUnavailable, res.Failure.Kind)
	require.Len(t, res.Attempts, 1)
	assert.Empty(t, res.Attempts[0].SessionID)
	assert.Contains(t, res.Failure.Error(), "2 consecutive browser launch failures")
}

func TestExecute_UnexpectedErrorIsInternal(t *testing.T) {
	f := newFixture(t, testRetryConfig(), nil)

	res := f.ctrl.Execute(context.Background(), Task{ID: "t", Type: schemas.TaskScrape},
		func(context.Context, *browser.Session) (Payload, error) {
			return Payload{}, fmt.Errorf("nil map write in parser")
		})
	assert.Equal(t, schemas.KindInternal, res.Failure.Kind)
	assert.Len(t, res.Attempts, 1)
	assert.True(t, f.launcher.Pages()[0].Closed())
}

func TestExecute_LogsOneRecordPerAttempt(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	f := newFixture(t, testRetryConfig(), zap.New(core))
	f.site.Add(articleURL, &browsertest.Document{HTML: `<h1>Hello</h1>`})
	f.site.NavigateErrors = []error{errors.New("reset"), errors.New("reset")}

	res := f.scrape(headlineTask())
	require.True(t, res.Success)

	entries := logs.FilterMessage("Attempt finished.").All()
	require.Len(t, entries, 3)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "scrape-1", ctx["task_id"])
	assert.Equal(t, int64(1), ctx["attempt"])
	assert.Equal(t, "retryable", ctx["outcome"])
	assert.Equal(t, "NavigationTimeout", ctx["failure_kind"])
	assert.Equal(t, "success", entries[2].ContextMap()["outcome"])

	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	assert.Len(t, f.rec.attempts, 3)
}
