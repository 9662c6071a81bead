package extract

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/formpilot/api/schemas"
	"github.com/xkilldash9x/formpilot/internal/browser/browsertest"
	"github.com/xkilldash9x/formpilot/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testTimeouts() config.TimeoutsConfig {
	t := config.NewDefaultConfig().Timeouts()
	t.Navigation = 200 * time.Millisecond
	t.Readiness = 200 * time.Millisecond
	t.NetworkIdleQuiet = 10 * time.Millisecond
	return t
}

func newTestPipeline(t *testing.T) *Pipeline {
	return NewPipeline(testTimeouts(), zaptest.NewLogger(t))
}

const productURL = "https://shop.test/product"

func TestScrape(t *testing.T) {
	site := browsertest.NewSite().Add(productURL, &browsertest.Document{HTML: catalogHTML})
	page := browsertest.NewFakePage(site)

	task := schemas.ScrapeTask{
		ID:        "t-1",
		URL:       productURL,
		Readiness: schemas.ReadinessPolicy{Selector: ".price"},
		Rules: []schemas.ExtractionRule{
			{Field: "title", Selector: "h1", Required: true},
			{Field: "price", Selector: ".price"},
		},
	}
	data, err := newTestPipeline(t).Scrape(context.Background(), page, task)
	require.NoError(t, err)

	title, _ := data.Get("title")
	price, _ := data.Get("price")
	assert.Equal(t, "Spring Sale", title)
	assert.Equal(t, "$19.99", price)
	assert.Equal(t, 1, site.Visits(productURL))
}

func TestScrape_MissingRequiredField(t *testing.T) {
	site := browsertest.NewSite().Add(productURL, &browsertest.Document{HTML: "<html><body><p>loading</p></body></html>"})
	page := browsertest.NewFakePage(site)

	_, err := newTestPipeline(t).Scrape(context.Background(), page, schemas.ScrapeTask{
		URL:   productURL,
		Rules: []schemas.ExtractionRule{{Field: "title", Selector: "h1", Required: true}},
	})
	assert.ErrorIs(t, err, schemas.ErrExtractionMismatch)
}

func TestLoad_NavigationFailures(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(s *browsertest.Site)
		wantKind schemas.FailureKind
	}{
		{
			name:     "slow navigation times out",
			setup:    func(s *browsertest.Site) { s.NavigateDelay = time.Second },
			wantKind: schemas.KindNavigationTimeout,
		},
		{
			name:     "network error is retryable",
			setup:    func(s *browsertest.Site) { s.NavigateErrors = []error{errors.New("net::ERR_CONNECTION_RESET")} },
			wantKind: schemas.KindNavigationTimeout,
		},
		{
			name: "lost session keeps its kind",
			setup: func(s *browsertest.Site) {
				s.NavigateErrors = []error{schemas.NewFailure(schemas.KindSessionLost, "target closed")}
			},
			wantKind: schemas.KindSessionLost,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			site := browsertest.NewSite().Add(productURL, &browsertest.Document{HTML: catalogHTML})
			tt.setup(site)

			_, err := newTestPipeline(t).Load(context.Background(), browsertest.NewFakePage(site), productURL, schemas.ReadinessPolicy{})
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, schemas.FailureKindOf(err))
		})
	}
}

func TestLoad_CallerCancellation(t *testing.T) {
	site := browsertest.NewSite().Add(productURL, &browsertest.Document{HTML: catalogHTML})
	site.NavigateDelay = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := newTestPipeline(t).Load(ctx, browsertest.NewFakePage(site), productURL, schemas.ReadinessPolicy{})
	assert.ErrorIs(t, err, schemas.ErrCancelled)
}

func TestLoad_ReturnsStatus(t *testing.T) {
	site := browsertest.NewSite()
	status, err := newTestPipeline(t).Load(context.Background(), browsertest.NewFakePage(site), "https://shop.test/missing", schemas.ReadinessPolicy{})
	require.NoError(t, err)
	assert.Equal(t, 404, status)
}

func TestWaitReady(t *testing.T) {
	site := browsertest.NewSite().Add(productURL, &browsertest.Document{HTML: catalogHTML})
	pipeline := newTestPipeline(t)

	load := func(t *testing.T) *browsertest.FakePage {
		page := browsertest.NewFakePage(site)
		_, err := page.Navigate(context.Background(), productURL)
		require.NoError(t, err)
		return page
	}

	t.Run("present selector", func(t *testing.T) {
		err := pipeline.WaitReady(context.Background(), load(t), schemas.ReadinessPolicy{Selector: "h1"})
		assert.NoError(t, err)
	})

	t.Run("delay wins over absent selector", func(t *testing.T) {
		start := time.Now()
		err := pipeline.WaitReady(context.Background(), load(t), schemas.ReadinessPolicy{Selector: "#never", DelayMs: 20})
		require.NoError(t, err)
		assert.Less(t, time.Since(start), 150*time.Millisecond)
	})

	t.Run("network idle", func(t *testing.T) {
		err := pipeline.WaitReady(context.Background(), load(t), schemas.ReadinessPolicy{Selector: "#never", NetworkIdle: true})
		assert.NoError(t, err)
	})

	t.Run("absent selector times out", func(t *testing.T) {
		err := pipeline.WaitReady(context.Background(), load(t), schemas.ReadinessPolicy{Selector: "#never", TimeoutMs: 50})
		require.Error(t, err)
		assert.ErrorIs(t, err, schemas.ErrNavigationTimeout)
		assert.Contains(t, err.Error(), "page not ready within 50ms")
	})

	t.Run("crashed page", func(t *testing.T) {
		page := load(t)
		page.Crash()
		err := pipeline.WaitReady(context.Background(), page, schemas.ReadinessPolicy{Selector: "h1"})
		assert.ErrorIs(t, err, schemas.ErrSessionLost)
	})
}
