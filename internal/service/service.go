// Package service turns caller requests into retried browser tasks and owns
// the lifecycle of the components that run them.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formpilot/api/schemas"
	"github.com/xkilldash9x/formpilot/internal/browser"
	"github.com/xkilldash9x/formpilot/internal/browser/stealth"
	"github.com/xkilldash9x/formpilot/internal/config"
	"github.com/xkilldash9x/formpilot/internal/extract"
	"github.com/xkilldash9x/formpilot/internal/form"
	"github.com/xkilldash9x/formpilot/internal/health"
	"github.com/xkilldash9x/formpilot/internal/retry"
)

// ErrInvalidRequest marks caller input that cannot be turned into a task.
var ErrInvalidRequest = errors.New("invalid request")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// LauncherFactory builds the browser launcher for a browser configuration.
type LauncherFactory func(cfg config.BrowserConfig, logger *zap.Logger) schemas.Launcher

// ChromeLaunchers is the production LauncherFactory.
func ChromeLaunchers(cfg config.BrowserConfig, logger *zap.Logger) schemas.Launcher {
	return browser.NewChromeLauncher(cfg, logger)
}

// Service executes scrape, submit and analysis requests. It is safe for
// concurrent use.
type Service struct {
	logger    *zap.Logger
	launchers LauncherFactory
	pipeline  *extract.Pipeline
	machine   *form.Machine
	history   *History
	health    *health.Reporter
	observers *fanout

	retryCfg        config.RetryConfig
	timeouts        config.TimeoutsConfig
	shutdownTimeout time.Duration

	db          schemas.SubmissionStore
	persistCh   chan historyEntry
	persistWG   sync.WaitGroup
	stopPersist context.CancelFunc

	mu sync.RWMutex
	// cfg is only mutated by ConfigureStealth, under mu.
	cfg      config.Interface
	manager  *browser.Manager
	closed   bool
	retiring sync.WaitGroup
}

// New wires a service from cfg. db may be nil, in which case history only
// lives in memory.
func New(cfg config.Interface, launchers LauncherFactory, db schemas.SubmissionStore, logger *zap.Logger) *Service {
	s := &Service{
		logger:          logger.Named("service"),
		launchers:       launchers,
		pipeline:        extract.NewPipeline(cfg.Timeouts(), logger),
		history:         NewHistory(cfg.Form().HistoryLimit),
		observers:       &fanout{},
		retryCfg:        cfg.Retry(),
		timeouts:        cfg.Timeouts(),
		shutdownTimeout: cfg.Server().ShutdownTimeout,
		db:              db,
		cfg:             cfg,
	}
	s.machine = form.NewMachine(cfg.Form(), cfg.Timeouts(), s.pipeline, logger)
	browserCfg := cfg.Browser()
	s.manager = browser.NewManager(browserCfg, launchers(browserCfg, logger), logger)
	s.health = health.NewReporter(s, s.flags, logger)
	s.observers.add(s.health)

	if db != nil {
		s.persistCh = make(chan historyEntry, 256)
		ctx, cancel := context.WithCancel(context.Background())
		s.stopPersist = cancel
		StartHistoryPersister(ctx, &s.persistWG, s.persistCh, db, s.logger.Named("history"))
		if p, ok := db.(interface{ Ping(context.Context) error }); ok {
			s.health.Register("store", func() error {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				return p.Ping(ctx)
			})
		}
	}
	return s
}

// Observe adds an observer told about every finished attempt.
func (s *Service) Observe(o retry.AttemptObserver) {
	s.observers.add(o)
}

// Health returns the current health report.
func (s *Service) Health() health.Status {
	return s.health.Report()
}

// Snapshot returns the stats of the live session pool.
func (s *Service) Snapshot() schemas.PoolStats {
	s.mu.RLock()
	mgr := s.manager
	s.mu.RUnlock()
	return mgr.Snapshot()
}

// Settings returns the current stealth and headless switches.
func (s *Service) Settings() StealthSettings {
	f := s.flags()
	return StealthSettings{Stealth: f.Stealth, Headless: f.Headless}
}

func (s *Service) flags() health.ConfigFlags {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return health.FlagsOf(s.cfg)()
}

// -- Task execution --

// taskPool routes one task's sessions to the manager that is current when
// each attempt starts, and releases them to the manager that issued them.
type taskPool struct {
	svc   *Service
	owner *browser.Manager
}

func (p *taskPool) Acquire(ctx context.Context, profile schemas.StealthProfile) (*browser.Session, error) {
	p.svc.mu.RLock()
	mgr, closed := p.svc.manager, p.svc.closed
	p.svc.mu.RUnlock()
	if closed {
		return nil, schemas.NewFailure(schemas.KindEnvironmentUnavailable, "service is shut down")
	}
	sess, err := mgr.Acquire(ctx, profile)
	if err == nil {
		p.owner = mgr
	}
	return sess, err
}

func (p *taskPool) Release(sess *browser.Session, healthy bool) {
	p.owner.Release(sess, healthy)
}

func (p *taskPool) probe(sess *browser.Session) form.HealthProbe {
	return func(ctx context.Context) bool { return p.owner.HealthCheck(ctx, sess) }
}

// execute runs one task under the retry policy. run receives the task pool
// so it can health-check the session it was given.
func (s *Service) execute(ctx context.Context, id string, typ schemas.TaskType, override *schemas.StealthProfile,
	run func(ctx context.Context, pool *taskPool, sess *browser.Session) (retry.Payload, error)) (schemas.Result, error) {
	profile, err := s.resolveProfile(override)
	if err != nil {
		return schemas.Result{}, err
	}
	if id == "" {
		id = uuid.NewString()
	}
	if s.timeouts.Task > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeouts.Task)
		defer cancel()
	}

	pool := &taskPool{svc: s}
	ctrl := retry.NewController(pool, s.retryCfg, s.observers, s.logger)
	return ctrl.Execute(ctx, retry.Task{ID: id, Type: typ, Profile: profile}, func(ctx context.Context, sess *browser.Session) (retry.Payload, error) {
		return run(ctx, pool, sess)
	}), nil
}

// resolveProfile picks the caller's profile or the configured default.
func (s *Service) resolveProfile(override *schemas.StealthProfile) (schemas.StealthProfile, error) {
	if override != nil {
		if err := stealth.Validate(*override); err != nil {
			return schemas.StealthProfile{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		return *override, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Stealth().EffectiveProfile(), nil
}

func validateURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return invalid("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return invalid("url %q is malformed: %v", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "file" {
		return invalid("url %q must use http or https", raw)
	}
	if u.Host == "" && u.Scheme != "file" {
		return invalid("url %q has no host", raw)
	}
	return nil
}

// -- Operations --

// Scrape loads a page and applies extraction rules with retries.
func (s *Service) Scrape(ctx context.Context, task schemas.ScrapeTask) (schemas.Result, error) {
	if err := validateURL(task.URL); err != nil {
		return schemas.Result{}, err
	}
	for i, r := range task.Rules {
		if r.Field == "" || r.Selector == "" {
			return schemas.Result{}, invalid("rule %d needs a field and a selector", i)
		}
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	return s.execute(ctx, task.ID, schemas.TaskScrape, task.Profile, func(ctx context.Context, _ *taskPool, sess *browser.Session) (retry.Payload, error) {
		data, err := s.pipeline.Scrape(ctx, sess.Page(), task)
		return retry.Payload{Data: data}, err
	})
}

// Submit drives a form to confirmed completion with retries and records the
// outcome in the submission history.
func (s *Service) Submit(ctx context.Context, task schemas.SubmitTask) (schemas.Result, error) {
	if err := validateURL(task.URL); err != nil {
		return schemas.Result{}, err
	}
	if len(task.Fields) == 0 {
		return schemas.Result{}, invalid("at least one field is required")
	}
	for i, f := range task.Fields {
		if f.Selector == "" {
			return schemas.Result{}, invalid("field %d has no selector", i)
		}
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	res, err := s.execute(ctx, task.ID, schemas.TaskSubmit, task.Profile, func(ctx context.Context, pool *taskPool, sess *browser.Session) (retry.Payload, error) {
		report, err := s.machine.Run(ctx, sess.Page(), task, pool.probe(sess))
		return retry.Payload{Submission: report}, err
	})
	if err != nil {
		return res, err
	}
	s.recordSubmission(task, res)
	return res, nil
}

// FormDataRequest submits user data keyed loosely by field name. The form's
// fields are scraped first and matched against the keys.
type FormDataRequest struct {
	URL       string                    `json:"url"`
	FormIndex int                       `json:"form_index"`
	Data      map[string]string         `json:"field_data"`
	Readiness schemas.ReadinessPolicy   `json:"readiness"`
	Submit    schemas.SubmitAction      `json:"submit"`
	Confirm   schemas.ConfirmationHints `json:"confirm"`
	Profile   *schemas.StealthProfile   `json:"profile,omitempty"`
}

// FormDataResult is the outcome of SubmitFormData.
type FormDataResult struct {
	Result    schemas.Result       `json:"result"`
	Fields    []schemas.FieldValue `json:"fields,omitempty"`
	Unmatched []string             `json:"unmatched_keys,omitempty"`
}

// SubmitFormData scrapes the form's fields, maps req.Data onto them and
// submits the result.
func (s *Service) SubmitFormData(ctx context.Context, req FormDataRequest) (FormDataResult, error) {
	if len(req.Data) == 0 {
		return FormDataResult{}, invalid("field_data is required")
	}
	report, res, err := s.ScrapeFormFields(ctx, req.URL, req.FormIndex, req.Profile)
	if err != nil || report == nil {
		return FormDataResult{Result: res}, err
	}

	values, unmatched := form.BuildFieldValues(report.Fields, req.Data)
	if len(values) == 0 {
		return FormDataResult{Result: res, Unmatched: unmatched}, invalid("none of the keys in field_data match a field of form %d", req.FormIndex)
	}
	submit := req.Submit
	if submit.FormSelector == "" {
		submit.FormSelector = report.Selector
	}

	res, err = s.Submit(ctx, schemas.SubmitTask{
		URL:       req.URL,
		Readiness: req.Readiness,
		Fields:    values,
		Submit:    submit,
		Confirm:   req.Confirm,
		Profile:   req.Profile,
	})
	return FormDataResult{Result: res, Fields: values, Unmatched: unmatched}, err
}

// AnalyzePage reports barriers, page type and forms of a page.
func (s *Service) AnalyzePage(ctx context.Context, pageURL string, profile *schemas.StealthProfile) (*schemas.PageAnalysis, schemas.Result, error) {
	if err := validateURL(pageURL); err != nil {
		return nil, schemas.Result{}, err
	}
	var analysis *schemas.PageAnalysis
	res, err := s.execute(ctx, "", schemas.TaskAnalyze, profile, func(ctx context.Context, _ *taskPool, sess *browser.Session) (retry.Payload, error) {
		a, err := s.pipeline.AnalyzePage(ctx, sess.Page(), pageURL)
		if err == nil {
			analysis = a
		}
		return retry.Payload{}, err
	})
	if !res.Success {
		analysis = nil
	}
	return analysis, res, err
}

// ScrapeFormFields describes the fields of the form at formIndex.
func (s *Service) ScrapeFormFields(ctx context.Context, pageURL string, formIndex int, profile *schemas.StealthProfile) (*schemas.FormFieldsReport, schemas.Result, error) {
	if err := validateURL(pageURL); err != nil {
		return nil, schemas.Result{}, err
	}
	if formIndex < 0 {
		return nil, schemas.Result{}, invalid("form_index must not be negative")
	}
	var report *schemas.FormFieldsReport
	res, err := s.execute(ctx, "", schemas.TaskAnalyze, profile, func(ctx context.Context, _ *taskPool, sess *browser.Session) (retry.Payload, error) {
		r, err := s.pipeline.ScrapeFormFields(ctx, sess.Page(), pageURL, formIndex)
		if err == nil {
			report = r
		}
		return retry.Payload{}, err
	})
	if !res.Success {
		report = nil
	}
	return report, res, err
}

// ValidateFormData checks data against the live form without submitting it.
func (s *Service) ValidateFormData(ctx context.Context, pageURL string, formIndex int, data map[string]string) (*schemas.ValidationReport, schemas.Result, error) {
	report, res, err := s.ScrapeFormFields(ctx, pageURL, formIndex, nil)
	if err != nil || report == nil {
		return nil, res, err
	}
	v := form.ValidateFormData(report.Fields, data)
	return &v, res, nil
}

// FieldSuggestions describes what each field of the live form expects.
func (s *Service) FieldSuggestions(ctx context.Context, pageURL string, formIndex int, profile *schemas.StealthProfile) ([]schemas.FieldGuidance, schemas.Result, error) {
	report, res, err := s.ScrapeFormFields(ctx, pageURL, formIndex, profile)
	if err != nil || report == nil {
		return nil, res, err
	}
	out := make([]schemas.FieldGuidance, 0, len(report.Fields))
	for _, f := range report.Fields {
		out = append(out, form.Guidance(f))
	}
	return out, res, nil
}

// AccessReport is the result of test_form_access.
type AccessReport struct {
	URL                string   `json:"url"`
	FinalURL           string   `json:"final_url"`
	Accessible         bool     `json:"accessible"`
	StatusCode         int      `json:"status_code,omitempty"`
	Title              string   `json:"title"`
	Barriers           []string `json:"barriers"`
	FormCount          int      `json:"form_count"`
	PageType           string   `json:"page_type"`
	SuccessProbability float64  `json:"success_probability"`
	ResponseTimeMs     int64    `json:"response_time_ms"`
}

// TestFormAccess reports whether a page can be automated and what stands in
// the way.
func (s *Service) TestFormAccess(ctx context.Context, pageURL string) (*AccessReport, schemas.Result, error) {
	analysis, res, err := s.AnalyzePage(ctx, pageURL, nil)
	if err != nil {
		return nil, res, err
	}
	report := &AccessReport{URL: pageURL, Barriers: []string{}}
	if n := len(res.Attempts); n > 0 {
		report.ResponseTimeMs = res.Attempts[n-1].Duration().Milliseconds()
	}
	if analysis == nil {
		report.SuccessProbability = extract.SuccessProbability(nil)
		if res.Failure != nil {
			report.Barriers = append(report.Barriers, "unreachable: "+string(res.Failure.Kind))
		}
		return report, res, nil
	}
	report.FinalURL = analysis.FinalURL
	report.Accessible = analysis.Accessible
	report.StatusCode = analysis.StatusCode
	report.Title = analysis.Title
	report.Barriers = analysis.Barriers
	report.FormCount = analysis.FormCount
	report.PageType = analysis.PageType
	report.SuccessProbability = extract.SuccessProbability(analysis)
	return report, res, nil
}

// History summarizes the last n submissions.
func (s *Service) History(n int) HistorySummary {
	return s.history.Summary(n)
}

func (s *Service) recordSubmission(task schemas.SubmitTask, res schemas.Result) {
	rec := schemas.SubmissionRecord{
		TaskID:      res.TaskID,
		URL:         task.URL,
		Success:     res.Success,
		Attempts:    len(res.Attempts),
		FieldCount:  len(task.Fields),
		SubmittedAt: res.FinishedAt,
	}
	if res.Submission != nil {
		rec.FinalState = res.Submission.FinalState
	}
	if res.Failure != nil {
		rec.FailureKind = res.Failure.Kind
		rec.Message = res.Failure.Message
		if rec.FinalState == "" {
			rec.FinalState = schemas.StateFailed
		}
	}
	s.history.Add(rec)

	if s.db == nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.persistCh <- historyEntry{record: rec, attempts: res.Attempts}:
	default:
		s.logger.Warn("History persistence queue full, dropping record.", zap.String("task_id", rec.TaskID))
	}
}

// -- Runtime configuration --

// StealthSettings is the result of configure_stealth_mode.
type StealthSettings struct {
	Stealth  bool   `json:"stealth_mode"`
	Headless bool   `json:"headless_mode"`
	Message  string `json:"message"`
}

// ConfigureStealth switches stealth and headless mode. Stealth only changes
// the default profile of new tasks. A headless change replaces the session
// pool; the old one drains its busy sessions in the background.
func (s *Service) ConfigureStealth(enableStealth, headless bool) (StealthSettings, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return StealthSettings{}, errors.New("service is shut down")
	}
	s.cfg.SetStealthEnabled(enableStealth)
	var retired *browser.Manager
	if s.cfg.Browser().Headless != headless {
		s.cfg.SetBrowserHeadless(headless)
		browserCfg := s.cfg.Browser()
		retired = s.manager
		s.manager = browser.NewManager(browserCfg, s.launchers(browserCfg, s.logger), s.logger)
		s.retiring.Add(1)
	}
	s.mu.Unlock()

	msg := "Configuration updated. New tasks use the new profile."
	if retired != nil {
		msg = "Configuration updated. Browser sessions will be relaunched."
		go func() {
			defer s.retiring.Done()
			ctx, cancel := context.WithTimeout(context.Background(), s.drainTimeout())
			defer cancel()
			if err := retired.Shutdown(ctx); err != nil {
				s.logger.Warn("Retired session pool did not drain cleanly.", zap.Error(err))
			}
		}()
	}
	s.logger.Info("Stealth configuration changed.", zap.Bool("stealth", enableStealth), zap.Bool("headless", headless))
	return StealthSettings{Stealth: enableStealth, Headless: headless, Message: msg}, nil
}

func (s *Service) drainTimeout() time.Duration {
	if s.shutdownTimeout > 0 {
		return s.shutdownTimeout
	}
	return 30 * time.Second
}

// Shutdown stops accepting tasks, terminates every session and flushes the
// history queue.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	mgr := s.manager
	s.mu.Unlock()

	err := mgr.Shutdown(ctx)
	s.retiring.Wait()

	if s.persistCh != nil {
		close(s.persistCh)
		done := make(chan struct{})
		go func() {
			s.persistWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			s.stopPersist()
			<-done
		}
		s.stopPersist()
	}
	s.logger.Info("Service shut down.")
	return err
}

// fanout forwards attempts to every registered observer.
type fanout struct {
	mu        sync.RWMutex
	observers []retry.AttemptObserver
}

func (f *fanout) add(o retry.AttemptObserver) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observers = append(f.observers, o)
}

func (f *fanout) Record(taskType schemas.TaskType, attempt schemas.Attempt) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, o := range f.observers {
		o.Record(taskType, attempt)
	}
}
