// Package stealth turns a schemas.StealthProfile into Chrome launch flags and
// the DevTools actions that run once when a session's tab is created.
package stealth

import (
	"context"
	_ "embed"
	"fmt"
	"net/url"
	"runtime"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formpilot/api/schemas"
	"github.com/xkilldash9x/formpilot/internal/config"
)

//go:embed evasions.js
var evasionsScript string

// EvasionsScript returns the script injected on every new document when a
// profile disables automation flags.
func EvasionsScript() string { return evasionsScript }

// Validate rejects profiles that Chrome would silently misapply.
func Validate(p schemas.StealthProfile) error {
	if p.Viewport.Width <= 0 || p.Viewport.Height <= 0 {
		return fmt.Errorf("viewport must be positive, got %dx%d", p.Viewport.Width, p.Viewport.Height)
	}
	if p.Timezone != "" {
		if _, err := time.LoadLocation(p.Timezone); err != nil {
			return fmt.Errorf("timezone %q is not a valid IANA zone: %w", p.Timezone, err)
		}
	}
	if p.Proxy != "" {
		if _, err := ParseProxy(p.Proxy); err != nil {
			return err
		}
	}
	return nil
}

// ParseProxy parses a proxy endpoint. See schemas.ParseProxy.
func ParseProxy(raw string) (*url.URL, error) {
	return schemas.ParseProxy(raw)
}

// NeedsRelay reports whether the proxy carries credentials, which Chrome's
// proxy-server flag cannot express.
func NeedsRelay(p schemas.StealthProfile) bool {
	if p.Proxy == "" {
		return false
	}
	u, err := url.Parse(p.Proxy)
	return err == nil && u.User != nil
}

// AcceptLanguage derives an Accept-Language header value from a locale.
func AcceptLanguage(locale string) string {
	if locale == "" {
		return ""
	}
	base, _, found := strings.Cut(locale, "-")
	if !found || base == "" {
		return locale
	}
	return fmt.Sprintf("%s,%s;q=0.9", locale, base)
}

// Flags returns the command line switches for a browser launched with the
// profile. proxyServer overrides the profile's proxy (the relay address when
// the upstream needs credentials). A false value removes a default switch.
func Flags(p schemas.StealthProfile, cfg config.BrowserConfig, proxyServer string) map[string]interface{} {
	flags := map[string]interface{}{
		"headless":           cfg.Headless,
		"disable-extensions": true,
		"disable-gpu":        cfg.Headless,
	}
	if cfg.IgnoreTLSErrors {
		flags["ignore-certificate-errors"] = true
	}
	if p.DisableAutomationFlags {
		flags["enable-automation"] = false
		flags["disable-blink-features"] = "AutomationControlled"
	}
	if p.UserAgent != "" {
		flags["user-agent"] = p.UserAgent
	}
	if p.Viewport.Width > 0 && p.Viewport.Height > 0 {
		flags["window-size"] = fmt.Sprintf("%d,%d", p.Viewport.Width, p.Viewport.Height)
	}
	if p.Locale != "" {
		flags["lang"] = p.Locale
	}

	if proxyServer == "" && p.Proxy != "" && !NeedsRelay(p) {
		proxyServer = p.Proxy
	}
	if proxyServer != "" {
		flags["proxy-server"] = proxyServer
	}

	// Custom args from the configuration win over everything above.
	for _, arg := range cfg.Args {
		parts := strings.SplitN(arg, "=", 2)
		name := strings.TrimPrefix(parts[0], "--")
		if name == "" {
			continue
		}
		if len(parts) == 2 {
			flags[name] = parts[1]
		} else {
			flags[name] = true
		}
	}

	if runtime.GOOS == "linux" {
		flags["no-sandbox"] = true
		flags["disable-dev-shm-usage"] = true
		flags["disable-setuid-sandbox"] = true
	}
	return flags
}

// AllocatorOptions builds the exec allocator options for one session's
// browser process.
func AllocatorOptions(p schemas.StealthProfile, cfg config.BrowserConfig, proxyServer string) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	for name, value := range Flags(p, cfg, proxyServer) {
		opts = append(opts, chromedp.Flag(name, value))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}
	return opts
}

// Apply constructs the DevTools actions that make a fresh tab match the
// profile. It must run before the first navigation.
func Apply(p schemas.StealthProfile, logger *zap.Logger) chromedp.Tasks {
	logger.Debug("Applying stealth profile",
		zap.String("profile_key", p.Key()),
		zap.String("user_agent", p.UserAgent),
		zap.String("timezone", p.Timezone),
		zap.String("locale", p.Locale),
	)

	var tasks chromedp.Tasks
	if p.UserAgent != "" {
		ua := emulation.SetUserAgentOverride(p.UserAgent)
		if lang := AcceptLanguage(p.Locale); lang != "" {
			ua = ua.WithAcceptLanguage(lang)
		}
		tasks = append(tasks, ua)
	}

	if p.DisableAutomationFlags && evasionsScript != "" {
		// AddScriptToEvaluateOnNewDocument returns an identifier too, so it
		// does not satisfy chromedp.Action directly.
		tasks = append(tasks, chromedp.ActionFunc(func(ctx context.Context) error {
			if _, err := page.AddScriptToEvaluateOnNewDocument(evasionsScript).Do(ctx); err != nil {
				return fmt.Errorf("failed to inject evasions script: %w", err)
			}
			return nil
		}))
	}

	if p.Timezone != "" {
		tasks = append(tasks, emulation.SetTimezoneOverride(p.Timezone))
	}
	if p.Locale != "" {
		tasks = append(tasks,
			emulation.SetLocaleOverride().WithLocale(p.Locale),
			network.Enable(),
			network.SetExtraHTTPHeaders(network.Headers{"Accept-Language": AcceptLanguage(p.Locale)}),
		)
	}
	if p.Viewport.Width > 0 && p.Viewport.Height > 0 {
		tasks = append(tasks, emulation.SetDeviceMetricsOverride(p.Viewport.Width, p.Viewport.Height, 1, false))
	}
	return tasks
}
