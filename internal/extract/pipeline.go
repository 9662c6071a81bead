// Package extract loads pages, waits for them to become ready and turns
// their HTML into structured data.
package extract

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/formpilot/api/schemas"
	"github.com/xkilldash9x/formpilot/internal/config"
)

// selectorPollInterval is how often a readiness selector is re-checked.
const selectorPollInterval = 100 * time.Millisecond

// Pipeline navigates a page, waits for readiness and extracts data from one
// HTML snapshot.
type Pipeline struct {
	timeouts config.TimeoutsConfig
	logger   *zap.Logger
}

// NewPipeline creates a pipeline bounded by the given timeouts.
func NewPipeline(timeouts config.TimeoutsConfig, logger *zap.Logger) *Pipeline {
	return &Pipeline{timeouts: timeouts, logger: logger.Named("extract")}
}

// Scrape loads task.URL, waits for readiness and applies the task's rules to
// a single snapshot of the document.
func (p *Pipeline) Scrape(ctx context.Context, page schemas.Page, task schemas.ScrapeTask) (schemas.ExtractedData, error) {
	logger := p.logger.With(zap.String("task_id", task.ID), zap.String("url", task.URL))

	if _, err := p.Load(ctx, page, task.URL, task.Readiness); err != nil {
		return nil, err
	}
	html, err := page.HTML(ctx)
	if err != nil {
		return nil, pageError(ctx, err, "failed to read page HTML")
	}

	data, err := Extract(html, task.Rules)
	if err != nil {
		logger.Debug("Extraction did not match.", zap.Error(err))
		return nil, err
	}
	logger.Debug("Extraction complete.", zap.Int("fields", len(data)))
	return data, nil
}

// Load navigates to url and waits for the readiness policy. It returns the
// HTTP status of the main document.
func (p *Pipeline) Load(ctx context.Context, page schemas.Page, url string, readiness schemas.ReadinessPolicy) (int, error) {
	status, err := p.navigate(ctx, page, url)
	if err != nil {
		return 0, err
	}
	if err := p.WaitReady(ctx, page, readiness); err != nil {
		return status, err
	}
	return status, nil
}

func (p *Pipeline) navigate(ctx context.Context, page schemas.Page, url string) (int, error) {
	navCtx, cancel := context.WithTimeout(ctx, p.timeouts.Navigation)
	defer cancel()

	status, err := page.Navigate(navCtx, url)
	if err == nil {
		return status, nil
	}
	if ctx.Err() != nil {
		return 0, schemas.WrapFailure(schemas.KindCancelled, ctx.Err(), "navigation cancelled")
	}
	if schemas.FailureKindOf(err) == schemas.KindSessionLost {
		return 0, err
	}
	if errors.Is(err, context.DeadlineExceeded) || navCtx.Err() != nil {
		return 0, schemas.WrapFailure(schemas.KindNavigationTimeout, err,
			fmt.Sprintf("navigation to %s did not complete within %s", url, p.timeouts.Navigation))
	}
	// Connection resets, DNS hiccups and aborted loads are transient from
	// the caller's point of view and share the navigation retry budget.
	return 0, schemas.WrapFailure(schemas.KindNavigationTimeout, err, fmt.Sprintf("navigation to %s failed", url))
}

// WaitReady races every condition of the policy and returns when the first
// one holds. A policy without conditions waits for the document body.
func (p *Pipeline) WaitReady(ctx context.Context, page schemas.Page, policy schemas.ReadinessPolicy) error {
	timeout := policy.Timeout(p.timeouts.Readiness)
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var conditions []func(context.Context) error
	if policy.IsZero() {
		conditions = append(conditions, func(ctx context.Context) error { return waitSelector(ctx, page, "body") })
	}
	if d := policy.Delay(); d > 0 {
		conditions = append(conditions, func(ctx context.Context) error { return sleep(ctx, d) })
	}
	if policy.Selector != "" {
		sel := policy.Selector
		conditions = append(conditions, func(ctx context.Context) error { return waitSelector(ctx, page, sel) })
	}
	if policy.NetworkIdle {
		quiet := p.timeouts.NetworkIdleQuiet
		conditions = append(conditions, func(ctx context.Context) error { return page.WaitNetworkIdle(ctx, quiet) })
	}

	results := make(chan error, len(conditions))
	var wg sync.WaitGroup
	for _, cond := range conditions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- cond(waitCtx)
		}()
	}
	defer func() {
		cancel()
		wg.Wait()
	}()

	var lastErr error
	for range conditions {
		err := <-results
		if err == nil {
			return nil
		}
		if schemas.FailureKindOf(err) == schemas.KindSessionLost {
			return err
		}
		lastErr = err
	}

	if ctx.Err() != nil {
		return schemas.WrapFailure(schemas.KindCancelled, ctx.Err(), "readiness wait cancelled")
	}
	return schemas.WrapFailure(schemas.KindNavigationTimeout, lastErr,
		fmt.Sprintf("page not ready within %s", timeout))
}

func waitSelector(ctx context.Context, page schemas.Page, selector string) error {
	ticker := time.NewTicker(selectorPollInterval)
	defer ticker.Stop()
	for {
		found, err := page.Exists(ctx, selector)
		if err != nil && schemas.FailureKindOf(err) == schemas.KindSessionLost {
			return err
		}
		if err == nil && found {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("selector %q never appeared: %w", selector, ctx.Err())
		case <-ticker.C:
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// pageError classifies a failed page read. Lost sessions keep their kind,
// cancellations become Cancelled, anything else is a navigation problem.
func pageError(ctx context.Context, err error, msg string) error {
	if schemas.FailureKindOf(err) == schemas.KindSessionLost {
		return err
	}
	if ctx.Err() != nil {
		return schemas.WrapFailure(schemas.KindCancelled, ctx.Err(), msg)
	}
	return schemas.WrapFailure(schemas.KindNavigationTimeout, err, msg)
}
