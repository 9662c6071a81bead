package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formpilot/api/schemas"
	"github.com/xkilldash9x/formpilot/internal/browser/proxyrelay"
	"github.com/xkilldash9x/formpilot/internal/browser/stealth"
	"github.com/xkilldash9x/formpilot/internal/config"
	"github.com/xkilldash9x/formpilot/internal/humanoid"
)

// ChromeLauncher starts one Chrome process per session through a chromedp
// exec allocator.
type ChromeLauncher struct {
	cfg    config.BrowserConfig
	logger *zap.Logger
}

var _ schemas.Launcher = (*ChromeLauncher)(nil)

// NewChromeLauncher creates a launcher for the configured browser binary.
func NewChromeLauncher(cfg config.BrowserConfig, logger *zap.Logger) *ChromeLauncher {
	return &ChromeLauncher{cfg: cfg, logger: logger.Named("chrome")}
}

// Launch starts Chrome with the profile's flags, opens a tab and applies the
// profile's DevTools overrides. ctx bounds startup only; the browser lives
// until the returned page is closed.
func (l *ChromeLauncher) Launch(ctx context.Context, profile schemas.StealthProfile) (schemas.Page, error) {
	if err := stealth.Validate(profile); err != nil {
		return nil, fmt.Errorf("invalid stealth profile: %w", err)
	}
	logger := l.logger.With(zap.String("profile_key", profile.Key()))

	cfg := l.cfg
	dataDir, err := sessionDataDir(l.cfg.UserDataDir)
	if err != nil {
		return nil, err
	}
	cfg.UserDataDir = dataDir

	var relay *proxyrelay.Relay
	proxyServer := ""
	if stealth.NeedsRelay(profile) {
		if relay, err = proxyrelay.Start(profile.Proxy, logger); err != nil {
			removeDataDir(dataDir, logger)
			return nil, fmt.Errorf("failed to start proxy relay: %w", err)
		}
		proxyServer = relay.Addr()
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(),
		stealth.AllocatorOptions(profile, cfg, proxyServer)...)

	ctxOpts := []chromedp.ContextOption{
		chromedp.WithErrorf(logger.Sugar().Errorf),
	}
	if l.cfg.Debug {
		ctxOpts = append(ctxOpts, chromedp.WithLogf(logger.Sugar().Debugf))
	}
	tabCtx, tabCancel := chromedp.NewContext(allocCtx, ctxOpts...)

	p := &chromePage{
		ctx:         tabCtx,
		tabCancel:   tabCancel,
		allocCancel: allocCancel,
		relay:       relay,
		dataDir:     dataDir,
		typist:      humanoid.New(l.cfg.Humanoid),
		logger:      logger,
		inflight:    make(map[network.RequestID]struct{}),
	}

	// The first Run allocates the browser and binds its lifetime to the
	// context it is given, so it must run on tabCtx itself.
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(tabCtx) }()
	select {
	case err := <-started:
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to start browser: %w", err)
		}
	case <-ctx.Done():
		p.Close()
		<-started
		return nil, fmt.Errorf("browser did not start in time: %w", ctx.Err())
	}

	chromedp.ListenTarget(tabCtx, p.onEvent)

	initCtx, cancel := CombineContext(tabCtx, ctx)
	defer cancel()
	if err := chromedp.Run(initCtx, network.Enable(), stealth.Apply(profile, logger)); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to apply stealth profile: %w", err)
	}
	return p, nil
}

// chromePage implements schemas.Page on a chromedp tab.
type chromePage struct {
	ctx         context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc
	relay       *proxyrelay.Relay
	dataDir     string
	typist      *humanoid.Humanoid
	logger      *zap.Logger

	netMu        sync.Mutex
	inflight     map[network.RequestID]struct{}
	lastActivity time.Time

	closeOnce sync.Once
}

var _ schemas.Page = (*chromePage)(nil)

func (p *chromePage) onEvent(ev interface{}) {
	p.netMu.Lock()
	defer p.netMu.Unlock()
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		p.inflight[e.RequestID] = struct{}{}
		p.lastActivity = time.Now()
	case *network.EventLoadingFinished:
		delete(p.inflight, e.RequestID)
		p.lastActivity = time.Now()
	case *network.EventLoadingFailed:
		delete(p.inflight, e.RequestID)
		p.lastActivity = time.Now()
	}
}

// run executes actions bounded by both the tab and ctx. Errors caused by the
// tab going away surface as SessionLost.
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(p.ctx, ctx)
	defer cancel()

	err := chromedp.Run(runCtx, actions...)
	if err == nil {
		return nil
	}
	if p.ctx.Err() != nil {
		return schemas.WrapFailure(schemas.KindSessionLost, err, "browser tab is gone")
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		// Report the caller's deadline rather than chromedp's cancellation.
		return fmt.Errorf("%w: %v", ctxErr, err)
	}
	return err
}

func (p *chromePage) Navigate(ctx context.Context, url string) (int, error) {
	runCtx, cancel := CombineContext(p.ctx, ctx)
	defer cancel()

	resp, err := chromedp.RunResponse(runCtx, chromedp.Navigate(url))
	if err != nil {
		if p.ctx.Err() != nil {
			return 0, schemas.WrapFailure(schemas.KindSessionLost, err, "browser tab is gone")
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, fmt.Errorf("%w: %v", ctxErr, err)
		}
		return 0, err
	}
	if resp == nil {
		return 0, nil
	}
	return int(resp.Status), nil
}

func (p *chromePage) URL(ctx context.Context) (string, error) {
	var loc string
	err := p.run(ctx, chromedp.Location(&loc))
	return loc, err
}

func (p *chromePage) HTML(ctx context.Context) (string, error) {
	var html string
	err := p.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

func (p *chromePage) Exists(ctx context.Context, selector string) (bool, error) {
	var found bool
	err := p.run(ctx, chromedp.Evaluate(fmt.Sprintf(`document.querySelector(%s) !== null`, jsString(selector)), &found))
	return found, err
}

func (p *chromePage) WaitNetworkIdle(ctx context.Context, quiet time.Duration) error {
	if quiet <= 0 {
		quiet = 500 * time.Millisecond
	}
	ticker := time.NewTicker(quiet / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.ctx.Done():
			return schemas.WrapFailure(schemas.KindSessionLost, p.ctx.Err(), "browser tab is gone")
		case <-ticker.C:
			p.netMu.Lock()
			idle := len(p.inflight) == 0 && time.Since(p.lastActivity) >= quiet
			p.netMu.Unlock()
			if idle {
				return nil
			}
		}
	}
}

// Fill focuses the control, clears it and types value with paced keys.
func (p *chromePage) Fill(ctx context.Context, selector, value string) error {
	clearScript := fmt.Sprintf(`(() => {
  const el = document.querySelector(%s);
  if (!el) return false;
  el.focus();
  if ('value' in el) { el.value = ''; }
  el.dispatchEvent(new Event('input', { bubbles: true }));
  return true;
})()`, jsString(selector))

	var found bool
	if err := p.run(ctx,
		chromedp.WaitReady(selector, chromedp.ByQuery),
		chromedp.Evaluate(clearScript, &found),
	); err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("element %q not found", selector)
	}
	if value == "" {
		return nil
	}
	return p.run(ctx, p.typist.Type(value), chromedp.Evaluate(fmt.Sprintf(
		`(() => { const el = document.querySelector(%s); if (el) el.dispatchEvent(new Event('change', { bubbles: true })); return true; })()`,
		jsString(selector)), nil))
}

func (p *chromePage) Value(ctx context.Context, selector string) (string, error) {
	var value string
	err := p.run(ctx, chromedp.Value(selector, &value, chromedp.ByQuery))
	return value, err
}

func (p *chromePage) SetChecked(ctx context.Context, selector string, checked bool) error {
	script := fmt.Sprintf(`(() => {
  const el = document.querySelector(%s);
  if (!el) return false;
  if (el.checked !== %t) { el.click(); }
  return true;
})()`, jsString(selector), checked)
	var found bool
	if err := p.run(ctx, chromedp.Evaluate(script, &found)); err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("element %q not found", selector)
	}
	return nil
}

func (p *chromePage) Checked(ctx context.Context, selector string) (bool, error) {
	var checked bool
	err := p.run(ctx, chromedp.Evaluate(fmt.Sprintf(
		`(() => { const el = document.querySelector(%s); return !!(el && el.checked); })()`, jsString(selector)), &checked))
	return checked, err
}

// Select picks the option whose value, then visible text, equals option.
func (p *chromePage) Select(ctx context.Context, selector, option string) error {
	script := fmt.Sprintf(`(() => {
  const el = document.querySelector(%s);
  if (!el || !el.options) return "missing";
  const want = %s;
  let match = Array.from(el.options).find(o => o.value === want);
  if (!match) match = Array.from(el.options).find(o => o.text.trim() === want);
  if (!match) return "no-option";
  el.value = match.value;
  el.dispatchEvent(new Event('input', { bubbles: true }));
  el.dispatchEvent(new Event('change', { bubbles: true }));
  return "ok";
})()`, jsString(selector), jsString(option))
	var res string
	if err := p.run(ctx, chromedp.Evaluate(script, &res)); err != nil {
		return err
	}
	switch res {
	case "ok":
		return nil
	case "no-option":
		return fmt.Errorf("select %q has no option %q", selector, option)
	default:
		return fmt.Errorf("select element %q not found", selector)
	}
}

func (p *chromePage) Click(ctx context.Context, selector string) error {
	return p.run(ctx, chromedp.Click(selector, chromedp.ByQuery))
}

func (p *chromePage) PressEnter(ctx context.Context, selector string) error {
	return p.run(ctx,
		chromedp.Focus(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, kb.Enter, chromedp.ByQuery),
	)
}

// SubmitForm schedules requestSubmit (or submit) on the next tick so the
// evaluation returns before the navigation tears the document down.
func (p *chromePage) SubmitForm(ctx context.Context, selector string) (bool, error) {
	script := fmt.Sprintf(`(() => {
  const sel = %s;
  const form = sel ? document.querySelector(sel) : document.forms[0];
  if (!form || typeof form.submit !== 'function') return false;
  setTimeout(() => {
    if (typeof form.requestSubmit === 'function') { form.requestSubmit(); } else { form.submit(); }
  }, 0);
  return true;
})()`, jsString(selector))
	var submitted bool
	err := p.run(ctx, chromedp.Evaluate(script, &submitted))
	return submitted, err
}

func (p *chromePage) Ping(ctx context.Context) error {
	var state string
	if err := p.run(ctx, chromedp.Evaluate(`document.readyState`, &state)); err != nil {
		return err
	}
	if state == "" {
		return errors.New("document has no ready state")
	}
	return nil
}

// Close cancels the tab, kills the browser process and stops the relay.
func (p *chromePage) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.tabCancel()
		p.allocCancel()
		if p.relay != nil {
			err = p.relay.Close()
		}
		removeDataDir(p.dataDir, p.logger)
	})
	return err
}

// sessionDataDir creates a fresh profile directory under base for one
// Chrome process. Chrome locks its profile directory, so processes cannot
// share one. An empty base leaves the choice to chromedp.
func sessionDataDir(base string) (string, error) {
	if base == "" {
		return "", nil
	}
	if err := os.MkdirAll(base, 0o700); err != nil {
		return "", fmt.Errorf("failed to create user data dir %s: %w", base, err)
	}
	dir, err := os.MkdirTemp(base, "session-")
	if err != nil {
		return "", fmt.Errorf("failed to create session profile dir: %w", err)
	}
	return dir, nil
}

func removeDataDir(dir string, logger *zap.Logger) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		logger.Warn("Failed to remove session profile directory.", zap.String("dir", dir), zap.Error(err))
	}
}

func jsString(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}
