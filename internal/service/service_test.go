package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/formpilot/api/schemas"
	"github.com/xkilldash9x/formpilot/internal/browser/browsertest"
	"github.com/xkilldash9x/formpilot/internal/config"
	"github.com/xkilldash9x/formpilot/internal/health"
	"github.com/xkilldash9x/formpilot/internal/mocks"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	signupURL  = "https://example.test/signup"
	welcomeURL = "https://example.test/welcome"
	articleURL = "https://example.test/article"

	selUsername = `#signup input[name="username"]`
	selEmail    = `#signup input[name="email"]`
	selJoin     = `#signup button[type="submit"]`
)

const signupPage = `<html><head><title>Create your account</title></head><body>
<form id="signup" action="/signup" method="post">
  <input type="text" name="username" required>
  <input type="email" name="email" required>
  <button type="submit">Join</button>
</form>
</body></html>`

const welcomePage = `<html><head><title>Welcome</title></head><body>
<h1>Thank you for signing up!</h1>
</body></html>`

const articlePage = `<html><head><title>Release notes</title></head><body>
<h1 class="headline">Version 2 is out</h1>
<span class="tag">go</span><span class="tag">browsers</span>
</body></html>`

func newTestSite() *browsertest.Site {
	site := browsertest.NewSite()
	site.Add(signupURL, &browsertest.Document{
		HTML: signupPage,
		Fields: map[string]*browsertest.Field{
			selUsername: {Kind: schemas.FieldText},
			selEmail:    {Kind: schemas.FieldText},
		},
		SubmitButton: selJoin,
		SubmitTo:     welcomeURL,
	})
	site.Add(welcomeURL, &browsertest.Document{HTML: welcomePage})
	site.Add(articleURL, &browsertest.Document{HTML: articlePage})
	return site
}

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.BrowserCfg.PoolSize = 2
	cfg.BrowserCfg.AcquireTimeout = 2 * time.Second
	cfg.BrowserCfg.LaunchTimeout = time.Second
	cfg.BrowserCfg.LaunchRatePerSecond = 100
	cfg.BrowserCfg.ReapInterval = time.Hour
	cfg.BrowserCfg.HealthCheckTimeout = time.Second
	cfg.BrowserCfg.Humanoid.Enabled = false
	cfg.TimeoutsCfg = config.TimeoutsConfig{
		Navigation:       time.Second,
		Readiness:        time.Second,
		NetworkIdleQuiet: 10 * time.Millisecond,
		FieldReadBack:    200 * time.Millisecond,
		Confirmation:     500 * time.Millisecond,
		ConfirmPoll:      10 * time.Millisecond,
		Task:             10 * time.Second,
	}
	cfg.RetryCfg.MaxAttempts = 3
	cfg.RetryCfg.BaseDelay = time.Millisecond
	cfg.RetryCfg.MaxDelay = 5 * time.Millisecond
	cfg.RetryCfg.Jitter = 0
	cfg.ServerCfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

// launcherRecorder hands out fake launchers over one site and remembers the
// browser configuration of each.
type launcherRecorder struct {
	site *browsertest.Site

	mu        sync.Mutex
	configs   []config.BrowserConfig
	launchers []*browsertest.FakeLauncher
}

func (r *launcherRecorder) factory(cfg config.BrowserConfig, _ *zap.Logger) schemas.Launcher {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := browsertest.NewFakeLauncher(r.site)
	r.configs = append(r.configs, cfg)
	r.launchers = append(r.launchers, l)
	return l
}

func (r *launcherRecorder) browserConfigs() []config.BrowserConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]config.BrowserConfig(nil), r.configs...)
}

func newTestService(t *testing.T, db schemas.SubmissionStore) (*Service, *launcherRecorder) {
	t.Helper()
	rec := &launcherRecorder{site: newTestSite()}
	svc := New(testConfig(), rec.factory, db, zaptest.NewLogger(t))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, svc.Shutdown(ctx))
	})
	return svc, rec
}

func signupTask() schemas.SubmitTask {
	return schemas.SubmitTask{
		URL: signupURL,
		Fields: []schemas.FieldValue{
			{Name: "username", Selector: selUsername, Value: "ada"},
			{Name: "email", Selector: selEmail, Value: "ada@example.com"},
		},
		Submit: schemas.SubmitAction{FormSelector: "#signup"},
	}
}

func TestScrape_ExtractsRules(t *testing.T) {
	svc, _ := newTestService(t, nil)

	res, err := svc.Scrape(context.Background(), schemas.ScrapeTask{
		URL: articleURL,
		Rules: []schemas.ExtractionRule{
			{Field: "headline", Selector: "h1.headline"},
			{Field: "tags", Selector: "span.tag", Multiple: true},
		},
	})
	require.NoError(t, err)
	require.True(t, res.Success, "scrape failed: %+v", res.Failure)

	assert.Equal(t, schemas.TaskScrape, res.Type)
	assert.NotEmpty(t, res.TaskID)
	assert.Len(t, res.Attempts, 1)
	headline, ok := res.Data.Get("headline")
	require.True(t, ok)
	assert.Equal(t, "Version 2 is out", headline)
}

func TestSubmit_RecordsHistory(t *testing.T) {
	svc, rec := newTestService(t, nil)

	res, err := svc.Submit(context.Background(), signupTask())
	require.NoError(t, err)
	require.True(t, res.Success, "submit failed: %+v", res.Failure)
	require.NotNil(t, res.Submission)
	assert.Equal(t, schemas.StateSucceeded, res.Submission.FinalState)

	subs := rec.site.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, "ada", subs[0][selUsername])
	assert.Equal(t, "ada@example.com", subs[0][selEmail])

	summary := svc.History(0)
	assert.Equal(t, 1, summary.TotalSubmissions)
	assert.InDelta(t, 1.0, summary.SuccessRate, 0.001)
	require.Len(t, summary.RecentSubmissions, 1)
	got := summary.RecentSubmissions[0]
	assert.Equal(t, res.TaskID, got.TaskID)
	assert.Equal(t, signupURL, got.URL)
	assert.Equal(t, 2, got.FieldCount)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, schemas.StateSucceeded, got.FinalState)
}

func TestSubmitFormData_MapsKeysOntoScrapedFields(t *testing.T) {
	svc, rec := newTestService(t, nil)

	out, err := svc.SubmitFormData(context.Background(), FormDataRequest{
		URL: signupURL,
		Data: map[string]string{
			"username":       "grace",
			"email":          "grace@example.com",
			"favorite_color": "blue",
		},
	})
	require.NoError(t, err)
	require.True(t, out.Result.Success, "submit failed: %+v", out.Result.Failure)

	assert.Equal(t, []string{"favorite_color"}, out.Unmatched)
	require.Len(t, out.Fields, 2)
	selectors := []string{out.Fields[0].Selector, out.Fields[1].Selector}
	assert.ElementsMatch(t, []string{selUsername, selEmail}, selectors)

	subs := rec.site.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, "grace", subs[0][selUsername])
	assert.Equal(t, 1, svc.History(0).TotalSubmissions)
}

func TestValidateFormData_ReportsProblems(t *testing.T) {
	svc, rec := newTestService(t, nil)

	report, res, err := svc.ValidateFormData(context.Background(), signupURL, 0, map[string]string{
		"email": "not-an-email",
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.NotNil(t, report)

	assert.False(t, report.Valid)
	assert.Contains(t, report.MissingFields, "username")
	require.NotEmpty(t, report.Errors)
	assert.Equal(t, "email", report.Errors[0].Field)
	assert.Empty(t, rec.site.Submissions(), "validation must not submit")
}

func TestFormAccess_AccessiblePage(t *testing.T) {
	svc, _ := newTestService(t, nil)

	report, res, err := svc.TestFormAccess(context.Background(), signupURL)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.NotNil(t, report)

	assert.True(t, report.Accessible)
	assert.Equal(t, 1, report.FormCount)
	assert.Equal(t, "Create your account", report.Title)
	assert.Empty(t, report.Barriers)
	assert.InDelta(t, 0.8, report.SuccessProbability, 0.001)
	assert.Equal(t, schemas.TaskAnalyze, res.Type)
}

func TestScrapeFormFields_DescribesForm(t *testing.T) {
	svc, _ := newTestService(t, nil)

	report, res, err := svc.ScrapeFormFields(context.Background(), signupURL, 0, nil)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.NotNil(t, report)

	assert.Equal(t, "#signup", report.Selector)
	require.Len(t, report.Fields, 2)
	assert.Equal(t, "username", report.Fields[0].Name)
	assert.True(t, report.Fields[0].Required)
	assert.Equal(t, "email", report.Fields[1].Type)
}

func TestFieldSuggestions_OnePerField(t *testing.T) {
	svc, rec := newTestService(t, nil)

	got, res, err := svc.FieldSuggestions(context.Background(), signupURL, 0, nil)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Len(t, got, 2)

	assert.Equal(t, "text", got[0].ContentType)
	assert.Contains(t, got[0].Constraints, "required")
	assert.Equal(t, "email", got[1].ContentType)
	assert.Contains(t, got[1].Constraints, "must be a valid email address")
	assert.Empty(t, rec.site.Submissions())

	_, _, err = svc.FieldSuggestions(context.Background(), signupURL, -1, nil)
	assert.Error(t, err)
}

func TestInvalidRequests(t *testing.T) {
	svc, rec := newTestService(t, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{"scrape without url", func() error {
			_, err := svc.Scrape(ctx, schemas.ScrapeTask{})
			return err
		}},
		{"scrape with ftp url", func() error {
			_, err := svc.Scrape(ctx, schemas.ScrapeTask{URL: "ftp://example.test/file"})
			return err
		}},
		{"scrape rule without selector", func() error {
			_, err := svc.Scrape(ctx, schemas.ScrapeTask{URL: articleURL, Rules: []schemas.ExtractionRule{{Field: "x"}}})
			return err
		}},
		{"submit without fields", func() error {
			_, err := svc.Submit(ctx, schemas.SubmitTask{URL: signupURL})
			return err
		}},
		{"submit field without selector", func() error {
			_, err := svc.Submit(ctx, schemas.SubmitTask{URL: signupURL, Fields: []schemas.FieldValue{{Name: "a", Value: "b"}}})
			return err
		}},
		{"form data without data", func() error {
			_, err := svc.SubmitFormData(ctx, FormDataRequest{URL: signupURL})
			return err
		}},
		{"negative form index", func() error {
			_, _, err := svc.ScrapeFormFields(ctx, signupURL, -1, nil)
			return err
		}},
		{"analyze without host", func() error {
			_, _, err := svc.AnalyzePage(ctx, "https://", nil)
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidRequest), "unexpected error: %v", err)
		})
	}
	assert.Zero(t, rec.site.Navigations(), "invalid requests must not reach the browser")
}

func TestConfigureStealth(t *testing.T) {
	t.Run("stealth only keeps the pool", func(t *testing.T) {
		svc, rec := newTestService(t, nil)

		settings, err := svc.ConfigureStealth(false, true)
		require.NoError(t, err)
		assert.False(t, settings.Stealth)
		assert.True(t, settings.Headless)
		assert.Len(t, rec.browserConfigs(), 1)
		assert.False(t, svc.Health().Config.Stealth)
	})

	t.Run("headless change relaunches the pool", func(t *testing.T) {
		svc, rec := newTestService(t, nil)

		_, err := svc.Scrape(context.Background(), schemas.ScrapeTask{URL: articleURL})
		require.NoError(t, err)

		settings, err := svc.ConfigureStealth(true, false)
		require.NoError(t, err)
		assert.False(t, settings.Headless)
		assert.Contains(t, settings.Message, "relaunched")

		configs := rec.browserConfigs()
		require.Len(t, configs, 2)
		assert.True(t, configs[0].Headless)
		assert.False(t, configs[1].Headless)
		assert.False(t, svc.Health().Config.Headless)

		res, err := svc.Scrape(context.Background(), schemas.ScrapeTask{URL: articleURL})
		require.NoError(t, err)
		assert.True(t, res.Success)
		rec.mu.Lock()
		assert.Equal(t, 1, rec.launchers[1].Launches(), "new tasks must use the new pool")
		rec.mu.Unlock()
	})
}

func TestConfigureStealth_WritesThroughConfig(t *testing.T) {
	cfg := testConfig()
	rec := &launcherRecorder{site: newTestSite()}
	svc := New(cfg, rec.factory, nil, zaptest.NewLogger(t))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, svc.Shutdown(ctx))
	})

	_, err := svc.ConfigureStealth(false, false)
	require.NoError(t, err)

	assert.False(t, cfg.Stealth().Enabled)
	assert.False(t, cfg.Browser().Headless)
	assert.Equal(t, StealthSettings{Stealth: false, Headless: false}, svc.Settings())
	assert.Equal(t, health.ConfigFlags{}, svc.Health().Config)

	profile, err := svc.resolveProfile(nil)
	require.NoError(t, err)
	assert.Empty(t, profile.UserAgent, "stealth off leaves the browser's own identity")
}

func TestShutdown_RejectsNewTasks(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	require.NoError(t, svc.Shutdown(ctx))
	require.NoError(t, svc.Shutdown(ctx), "second shutdown is a no-op")

	res, err := svc.Scrape(ctx, schemas.ScrapeTask{URL: articleURL})
	require.NoError(t, err)
	assert.False(t, res.Success)
	require.NotNil(t, res.Failure)
	assert.Equal(t, schemas.KindEnvironmentUnavailable, res.Failure.Kind)

	_, err = svc.ConfigureStealth(true, false)
	assert.Error(t, err)
}

func TestSubmit_PersistsHistory(t *testing.T) {
	db := new(mocks.MockSubmissionStore)
	saved := make(chan schemas.SubmissionRecord, 1)
	db.On("SaveSubmission", mock.Anything, mock.AnythingOfType("schemas.SubmissionRecord"), mock.Anything).
		Run(func(args mock.Arguments) {
			saved <- args.Get(1).(schemas.SubmissionRecord)
		}).
		Return(nil).Once()

	svc, _ := newTestService(t, db)

	res, err := svc.Submit(context.Background(), signupTask())
	require.NoError(t, err)
	require.True(t, res.Success)

	// Shutdown flushes the queue.
	require.NoError(t, svc.Shutdown(context.Background()))

	select {
	case rec := <-saved:
		assert.Equal(t, res.TaskID, rec.TaskID)
		assert.True(t, rec.Success)
	default:
		t.Fatal("submission was not persisted")
	}
	db.AssertExpectations(t)
}
