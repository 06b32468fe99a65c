package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/jarcoal/httpmock"

	"github.com/Haysam-Bin-Tahir/Array-Products-Scraper/browser"
	"github.com/Haysam-Bin-Tahir/Array-Products-Scraper/config"
	"github.com/Haysam-Bin-Tahir/Array-Products-Scraper/models"
	"github.com/Haysam-Bin-Tahir/Array-Products-Scraper/pipeline"
)

const shop = "http://shop.test"

// fakePage renders a document for the number of clicks or scrolls made
// since it was loaded.
type fakePage struct {
	final  string
	render func(step int) string
}

func staticPage(html string) *fakePage {
	return &fakePage{render: func(int) string { return html }}
}

// fakeSite is an in-memory website shared by every session of a test.
type fakeSite struct {
	mu       sync.Mutex
	pages    map[string]*fakePage
	failures map[string]int
	visits   map[string]int
}

func newFakeSite() *fakeSite {
	return &fakeSite{
		pages:    make(map[string]*fakePage),
		failures: make(map[string]int),
		visits:   make(map[string]int),
	}
}

func (s *fakeSite) add(url string, page *fakePage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[url] = page
}

func (s *fakeSite) visitCount(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visits[url]
}

func (s *fakeSite) load(url string) (*fakePage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visits[url]++
	if s.failures[url] > 0 {
		s.failures[url]--
		return nil, errors.New("net::ERR_CONNECTION_RESET")
	}
	page, ok := s.pages[url]
	if !ok {
		return nil, &browser.StatusError{URL: url, Code: 404}
	}
	return page, nil
}

type fakeFactory struct {
	site *fakeSite

	mu        sync.Mutex
	sessions  int
	failFirst int
}

func (f *fakeFactory) NewSession(ctx context.Context) (browser.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFirst > 0 {
		f.failFirst--
		return nil, errors.New("chrome failed to start")
	}
	f.sessions++
	return &fakeSession{site: f.site}, nil
}

func (f *fakeFactory) sessionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions
}

type fakeSession struct {
	site   *fakeSite
	page   *fakePage
	step   int
	closed bool
}

func (s *fakeSession) Navigate(ctx context.Context, url string) (string, error) {
	if s.closed {
		return "", browser.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	page, err := s.site.load(url)
	if err != nil {
		return "", err
	}
	s.page, s.step = page, 0
	if page.final != "" {
		return page.final, nil
	}
	return url, nil
}

func (s *fakeSession) html() string {
	if s.page == nil {
		return ""
	}
	return s.page.render(s.step)
}

func (s *fakeSession) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	n, err := s.Count(ctx, selector)
	if err != nil {
		return err
	}
	if n == 0 {
		return browser.ErrElementNotFound
	}
	return nil
}

func (s *fakeSession) HTML(ctx context.Context) (string, error) {
	return s.html(), nil
}

func (s *fakeSession) Count(ctx context.Context, selector string) (int, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s.html()))
	if err != nil {
		return 0, err
	}
	return doc.Find(selector).Length(), nil
}

func (s *fakeSession) Visible(ctx context.Context, selector string) (bool, error) {
	n, err := s.Count(ctx, selector)
	return n > 0, err
}

func (s *fakeSession) Click(ctx context.Context, selector string) error {
	if ok, _ := s.Visible(ctx, selector); !ok {
		return browser.ErrElementNotFound
	}
	s.step++
	return nil
}

func (s *fakeSession) ScrollToBottom(ctx context.Context) error {
	s.step++
	return nil
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

func testSite(mode string, listings ...string) config.SiteConfig {
	return config.SiteConfig{
		Name:        "shop",
		ListingURLs: listings,
		Gender:      "Women",
		Pagination: config.PaginationConfig{
			Mode:         mode,
			Param:        "page",
			MoreSelector: "button.more",
			PollInterval: time.Millisecond,
			StableRounds: 2,
		},
		Listing: config.ListingSelectors{
			Ready:    ".tile",
			Item:     ".tile",
			Link:     "a",
			LinkAttr: "href",
			Price:    ".price",
		},
		Detail: config.DetailSelectors{
			Ready:     ".pdp",
			Name:      "h1",
			Price:     ".price",
			Color:     ".color",
			Images:    "img",
			ImageAttr: "src",
		},
		Required:       []string{"name", "price"},
		Fallbacks:      map[string]string{"color": "Color not available"},
		Columns:        append([]string(nil), models.DefaultColumns...),
		ImageDelimiter: ",",
	}
}

func testConfig(t *testing.T, site config.SiteConfig) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Site = site
	cfg.Workers = 1
	cfg.MaxPages = 10
	cfg.Delay = 0
	cfg.Timeout = time.Second
	cfg.WaitTimeout = 50 * time.Millisecond
	cfg.MaxRetries = 2
	cfg.RetryBackoff = time.Millisecond
	cfg.RetryBackoffMax = 2 * time.Millisecond
	cfg.SessionRetries = 1
	cfg.SessionRetryDelay = 0
	cfg.OutputDir = t.TempDir()
	cfg.OutputPrefix = "shop"
	return cfg
}

func productURL(slug string) string {
	return shop + "/women/p/" + slug
}

func listingPage(slugs []string, more bool) string {
	var b strings.Builder
	b.WriteString("<html><body><div class=\"grid\">")
	for i, slug := range slugs {
		fmt.Fprintf(&b, "<div class=\"tile\"><a href=\"/women/p/%s\">%s</a><span class=\"price\">$%d</span></div>", slug, slug, 100+i)
	}
	b.WriteString("</div>")
	if more {
		b.WriteString("<button class=\"more\">Load more</button>")
	}
	b.WriteString("</body></html>")
	return b.String()
}

func detailPage(name, price string) string {
	return fmt.Sprintf(`<html><body><div class="pdp"><h1>%s</h1><span class="price">%s</span><img src="/img/%s.jpg"></div></body></html>`,
		name, price, strings.ToLower(name))
}

// addProducts registers a detail page for each slug.
func addProducts(site *fakeSite, slugs ...string) {
	for _, slug := range slugs {
		site.add(productURL(slug), staticPage(detailPage(strings.ToUpper(slug), "$250")))
	}
}

func runScraper(t *testing.T, cfg *config.Config, factory browser.Factory) *models.ScraperResult {
	t.Helper()
	s, err := NewScraper(cfg, factory)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	result, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return result
}

func mergedURLs(t *testing.T, cfg *config.Config) []string {
	t.Helper()
	urls, err := pipeline.ReadURLs(cfg.MergedFile())
	if err != nil {
		t.Fatalf("read merged: %v", err)
	}
	return urls
}

func TestResumeSkipsSavedProducts(t *testing.T) {
	listing := shop + "/women/"
	cfg := testConfig(t, testSite(config.PaginationPage, listing))

	site := newFakeSite()
	site.add(listing+"?page=0", staticPage(listingPage([]string{"a", "b"}, false)))
	addProducts(site, "a", "b")

	prior, err := pipeline.NewCSVWriter(cfg.AgentFile(0), cfg.Site.Columns, ",")
	if err != nil {
		t.Fatalf("prior writer: %v", err)
	}
	if err := prior.Write([]*models.Product{{Name: "A", Price: "$250", URL: productURL("a")}}); err != nil {
		t.Fatalf("prior write: %v", err)
	}
	if err := prior.Close(); err != nil {
		t.Fatalf("prior close: %v", err)
	}

	result := runScraper(t, cfg, &fakeFactory{site: site})

	agent := result.Agents[0]
	if !agent.Completed() {
		t.Fatalf("agent failed: %v", agent.Err)
	}
	if agent.Skipped != 1 || agent.Written != 1 {
		t.Fatalf("skipped=%d written=%d, want 1/1", agent.Skipped, agent.Written)
	}
	if got := site.visitCount(productURL("a")); got != 0 {
		t.Fatalf("saved product visited %d times", got)
	}
	if got := site.visitCount(listing + "?page=1"); got != 0 {
		t.Fatalf("page past the last one visited %d times", got)
	}

	want := []string{productURL("a"), productURL("b")}
	if got := mergedURLs(t, cfg); !reflect.DeepEqual(got, want) {
		t.Fatalf("merged urls = %v, want %v", got, want)
	}
	if _, err := os.Stat(cfg.AgentFile(0)); !os.IsNotExist(err) {
		t.Fatalf("agent file should be removed after merge, stat err=%v", err)
	}
}

func TestPagedListingAcrossAgents(t *testing.T) {
	listing := shop + "/women/"
	cfg := testConfig(t, testSite(config.PaginationPage, listing))
	cfg.Workers = 2

	site := newFakeSite()
	site.add(listing+"?page=0", staticPage(listingPage([]string{"a", "b"}, true)))
	site.add(listing+"?page=1", staticPage(listingPage([]string{"c", "d"}, true)))
	site.add(listing+"?page=2", staticPage(listingPage([]string{"e", "f"}, false)))
	site.add(listing+"?page=3", staticPage("<html><body><p>No products</p></body></html>"))
	addProducts(site, "a", "b", "c", "d", "e", "f")

	result := runScraper(t, cfg, &fakeFactory{site: site})

	if result.CompletedAgents() != 2 {
		t.Fatalf("completed agents = %d, want 2", result.CompletedAgents())
	}
	if result.TotalCount != 6 || result.MergedRows != 6 {
		t.Fatalf("total=%d merged=%d, want 6/6", result.TotalCount, result.MergedRows)
	}
	if result.ErrorCount != 0 {
		t.Fatalf("errors = %d (%v)", result.ErrorCount, result.ErrorsByType)
	}
	if result.PageCount != 4 {
		t.Fatalf("pages = %d, want 4", result.PageCount)
	}
	if got := site.visitCount(listing + "?page=4"); got != 0 {
		t.Fatalf("page 4 visited %d times", got)
	}
}

func TestFailedPageDoesNotEndListing(t *testing.T) {
	listing := shop + "/women/"
	cfg := testConfig(t, testSite(config.PaginationPage, listing))

	site := newFakeSite()
	site.add(listing+"?page=0", staticPage(listingPage([]string{"a"}, true)))
	site.add(listing+"?page=1", staticPage(listingPage([]string{"b"}, true)))
	site.add(listing+"?page=2", staticPage(listingPage([]string{"c"}, false)))
	site.failures[listing+"?page=1"] = 100
	addProducts(site, "a", "b", "c")

	result := runScraper(t, cfg, &fakeFactory{site: site})

	if !result.Agents[0].Completed() {
		t.Fatalf("agent failed: %v", result.Agents[0].Err)
	}
	want := []string{productURL("a"), productURL("c")}
	if got := mergedURLs(t, cfg); !reflect.DeepEqual(got, want) {
		t.Fatalf("merged urls = %v, want %v", got, want)
	}
	if !reflect.DeepEqual(result.FailedURLs, []string{listing + "?page=1"}) {
		t.Fatalf("failed urls = %v", result.FailedURLs)
	}
	if result.ErrorsByType["navigation"] != 1 {
		t.Fatalf("errors by type = %v", result.ErrorsByType)
	}
	if got := site.visitCount(listing + "?page=3"); got != 0 {
		t.Fatalf("page after the last one visited %d times", got)
	}
}

func TestRerunSeedsFromMergedOutput(t *testing.T) {
	listing := shop + "/women/"
	cfg := testConfig(t, testSite(config.PaginationNone, listing))

	site := newFakeSite()
	site.add(listing, staticPage(listingPage([]string{"a"}, false)))
	addProducts(site, "a", "b")

	first := runScraper(t, cfg, &fakeFactory{site: site})
	if first.TotalCount != 1 {
		t.Fatalf("first run total = %d, want 1", first.TotalCount)
	}
	if _, err := os.Stat(cfg.AgentFile(0)); !os.IsNotExist(err) {
		t.Fatalf("agent file should be removed after merge, stat err=%v", err)
	}

	site.add(listing, staticPage(listingPage([]string{"a", "b"}, false)))
	second := runScraper(t, cfg, &fakeFactory{site: site})

	if second.TotalCount != 1 || second.SkippedCount != 1 {
		t.Fatalf("second run total=%d skipped=%d, want 1/1", second.TotalCount, second.SkippedCount)
	}
	if got := site.visitCount(productURL("a")); got != 1 {
		t.Fatalf("saved product visited %d times", got)
	}
	want := []string{productURL("a"), productURL("b")}
	if got := mergedURLs(t, cfg); !reflect.DeepEqual(got, want) {
		t.Fatalf("merged urls = %v, want %v", got, want)
	}
}

func TestSeedWarnsWhenDedupeCapacityExceeded(t *testing.T) {
	listing := shop + "/women/"
	cfg := testConfig(t, testSite(config.PaginationNone, listing))
	cfg.DedupeMaxSize = 1

	prior, err := pipeline.NewCSVWriter(cfg.AgentFile(0), cfg.Site.Columns, ",")
	if err != nil {
		t.Fatalf("prior writer: %v", err)
	}
	if err := prior.Write([]*models.Product{
		{Name: "A", Price: "$1", URL: productURL("a")},
		{Name: "B", Price: "$2", URL: productURL("b")},
	}); err != nil {
		t.Fatalf("prior write: %v", err)
	}
	if err := prior.Close(); err != nil {
		t.Fatalf("prior close: %v", err)
	}

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	agent := NewAgent(0, cfg, &fakeFactory{site: newFakeSite(), failFirst: 1}, nil, logger)
	agent.Run(context.Background())

	if !strings.Contains(logs.String(), "saved URLs exceed dedupe capacity") {
		t.Fatalf("expected capacity warning, logs:\n%s", logs.String())
	}
}

func TestLoadMoreExpandsListing(t *testing.T) {
	listing := shop + "/women/"
	cfg := testConfig(t, testSite(config.PaginationLoadMore, listing))

	all := []string{"a", "b", "c", "d", "e"}
	site := newFakeSite()
	site.add(listing, &fakePage{render: func(step int) string {
		switch step {
		case 0:
			return listingPage(all[:2], true)
		case 1:
			return listingPage(all[:4], true)
		default:
			return listingPage(all, false)
		}
	}})
	addProducts(site, all...)

	result := runScraper(t, cfg, &fakeFactory{site: site})

	if result.TotalCount != 5 {
		t.Fatalf("total = %d, want 5", result.TotalCount)
	}
	want := make([]string, 0, len(all))
	for _, slug := range all {
		want = append(want, productURL(slug))
	}
	if got := mergedURLs(t, cfg); !reflect.DeepEqual(got, want) {
		t.Fatalf("merged urls = %v, want %v", got, want)
	}
}

func TestScrollUntilStable(t *testing.T) {
	listing := shop + "/women/"
	cfg := testConfig(t, testSite(config.PaginationScroll, listing))

	all := []string{"a", "b", "c", "d"}
	site := newFakeSite()
	site.add(listing, &fakePage{render: func(step int) string {
		if step == 0 {
			return listingPage(all[:2], false)
		}
		return listingPage(all, false)
	}})
	addProducts(site, all...)

	result := runScraper(t, cfg, &fakeFactory{site: site})

	if result.TotalCount != 4 {
		t.Fatalf("total = %d, want 4", result.TotalCount)
	}
}

func TestRetryUsesFreshSession(t *testing.T) {
	listing := shop + "/women/"
	cfg := testConfig(t, testSite(config.PaginationNone, listing))

	site := newFakeSite()
	site.add(listing, staticPage(listingPage([]string{"a"}, false)))
	addProducts(site, "a")
	site.failures[productURL("a")] = 1

	factory := &fakeFactory{site: site}
	result := runScraper(t, cfg, factory)

	if result.TotalCount != 1 {
		t.Fatalf("total = %d, want 1", result.TotalCount)
	}
	if result.RetryCount != 1 {
		t.Fatalf("retries = %d, want 1", result.RetryCount)
	}
	if got := factory.sessionCount(); got != 2 {
		t.Fatalf("sessions = %d, want 2", got)
	}
}

func TestMissingRequiredFieldIsNotWritten(t *testing.T) {
	listing := shop + "/women/"
	cfg := testConfig(t, testSite(config.PaginationNone, listing))

	site := newFakeSite()
	site.add(listing, staticPage(`<html><body>
<div class="tile"><a href="/women/p/a">A</a><span class="price">$100</span></div>
<div class="tile"><a href="/women/p/b">B</a></div>
</body></html>`))
	addProducts(site, "a")
	site.add(productURL("b"), staticPage(detailPage("B", "")))

	result := runScraper(t, cfg, &fakeFactory{site: site})

	if result.TotalCount != 1 {
		t.Fatalf("total = %d, want 1", result.TotalCount)
	}
	if result.ErrorsByType["verification"] != 1 {
		t.Fatalf("errors by type = %v", result.ErrorsByType)
	}
	if got := site.visitCount(productURL("b")); got != 1 {
		t.Fatalf("verification failure retried: %d visits", got)
	}
	if !reflect.DeepEqual(result.FailedURLs, []string{productURL("b")}) {
		t.Fatalf("failed urls = %v", result.FailedURLs)
	}
	if got := mergedURLs(t, cfg); !reflect.DeepEqual(got, []string{productURL("a")}) {
		t.Fatalf("merged urls = %v", got)
	}
}

func TestRegionRedirectIsRejected(t *testing.T) {
	listing := shop + "/women/"
	site := testSite(config.PaginationNone, listing)
	site.AllowedPathPrefix = "/women/"
	cfg := testConfig(t, site)

	fake := newFakeSite()
	fake.add(listing, staticPage(listingPage([]string{"a", "b"}, false)))
	addProducts(fake, "a")
	fake.add(productURL("b"), &fakePage{
		final:  shop + "/intl/p/b",
		render: func(int) string { return detailPage("B", "$1") },
	})

	result := runScraper(t, cfg, &fakeFactory{site: fake})

	if result.TotalCount != 1 {
		t.Fatalf("total = %d, want 1", result.TotalCount)
	}
	if result.ErrorsByType["navigation"] != 1 {
		t.Fatalf("errors by type = %v", result.ErrorsByType)
	}
	if got := fake.visitCount(productURL("b")); got != cfg.MaxRetries+1 {
		t.Fatalf("visits = %d, want %d", got, cfg.MaxRetries+1)
	}
}

func TestMergeOnlyCompletedAgents(t *testing.T) {
	first, second := shop+"/women/dresses/", shop+"/women/bags/"
	cfg := testConfig(t, testSite(config.PaginationNone, first, second))
	cfg.Workers = 2

	site := newFakeSite()
	site.add(first, staticPage(listingPage([]string{"a", "b"}, false)))
	site.add(second, staticPage(listingPage([]string{"c"}, false)))
	addProducts(site, "a", "b", "c")

	result := runScraper(t, cfg, &fakeFactory{site: site, failFirst: 1})

	if got := result.CompletedAgents(); got != 1 {
		t.Fatalf("completed agents = %d, want 1", got)
	}

	var done, failed *models.AgentResult
	for _, ar := range result.Agents {
		if ar.Completed() {
			done = ar
		} else {
			failed = ar
		}
	}
	var session ErrSession
	if !errors.As(failed.Err, &session) {
		t.Fatalf("failed agent error = %v, want ErrSession", failed.Err)
	}
	if result.MergedRows != done.Written {
		t.Fatalf("merged rows = %d, want %d", result.MergedRows, done.Written)
	}
	if _, err := os.Stat(failed.OutputFile); err != nil {
		t.Fatalf("failed agent file should be kept: %v", err)
	}
}

func TestScraper_StaticIntegration(t *testing.T) {
	listing := shop + "/women/"
	cfg := testConfig(t, testSite(config.PaginationPage, listing))
	cfg.Engine = config.EngineStatic
	cfg.Workers = 2
	cfg.XLSX = true

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", listing+"?page=0", htmlResponder(listingPage([]string{"a", "b"}, true)))
	transport.RegisterResponder("GET", listing+"?page=1", htmlResponder(listingPage([]string{"c", "d"}, false)))
	transport.RegisterResponder("GET", listing+"?page=2", htmlResponder("<html><body></body></html>"))
	for _, slug := range []string{"a", "b", "c", "d"} {
		transport.RegisterResponder("GET", productURL(slug), htmlResponder(detailPage(strings.ToUpper(slug), "$1,500")))
	}

	factory := browser.NewStaticFactory(cfg)
	factory.Transport = transport

	result := runScraper(t, cfg, factory)

	if result.CompletedAgents() != 2 {
		t.Fatalf("completed agents = %d", result.CompletedAgents())
	}
	if result.MergedRows != 4 {
		t.Fatalf("merged rows = %d, want 4 (errors=%v failed=%v)", result.MergedRows, result.ErrorsByType, result.FailedURLs)
	}
	if _, err := os.Stat(xlsxPathFor(cfg.MergedFile())); err != nil {
		t.Fatalf("workbook missing: %v", err)
	}
	for i := 0; i < cfg.Workers; i++ {
		if _, err := os.Stat(cfg.AgentFile(i)); !os.IsNotExist(err) {
			t.Fatalf("agent %d file should be removed, stat err=%v", i, err)
		}
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: "unknown"},
		{name: "element", err: fmt.Errorf("wait: %w", browser.ErrElementNotFound), want: "missing_element"},
		{name: "deadline", err: context.DeadlineExceeded, want: "timeout"},
		{name: "net timeout", err: &net.DNSError{Err: "i/o timeout", IsTimeout: true}, want: "timeout"},
		{name: "status", err: &browser.StatusError{URL: "http://x", Code: 503}, want: "navigation"},
		{name: "plain", err: errors.New("connection reset"), want: "navigation"},
		{name: "session", err: ErrSession{Err: errors.New("no chrome")}, want: "session"},
		{name: "verification", err: ErrVerification{Err: errors.New("missing price")}, want: "verification"},
		{name: "output", err: ErrOutput{Err: pipeline.ErrPipelineClosed}, want: "output"},
		{name: "canceled", err: context.Canceled, want: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := errorTypeLabel(classifyError(tt.err, "http://x"))
			if got != tt.want {
				t.Fatalf("label = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	if retryable(nil) {
		t.Fatalf("nil should not be retryable")
	}
	if retryable(context.Canceled) {
		t.Fatalf("cancellation should not be retryable")
	}
	if retryable(ErrVerification{Err: errors.New("x")}) {
		t.Fatalf("verification should not be retryable")
	}
	if retryable(ErrSession{Err: errors.New("no chrome")}) {
		t.Fatalf("session failures should not be retried again")
	}
	if retryable(ErrOutput{Err: errors.New("disk full")}) {
		t.Fatalf("output failures should not be retryable")
	}
	if !retryable(ErrTimeout{Err: context.DeadlineExceeded}) {
		t.Fatalf("timeout should be retryable")
	}
}

func TestRetrierRespectsLimit(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MaxRetries = 2
	cfg.RetryBackoff = time.Millisecond
	cfg.RetryBackoffMax = time.Millisecond

	r := newRetrier(cfg, NewMetrics())
	calls := 0
	err := r.Do(context.Background(), func(attempt int) error {
		if attempt != calls {
			t.Fatalf("attempt = %d, want %d", attempt, calls)
		}
		calls++
		return ErrNavigation{URL: "http://x", Err: errors.New("reset")}
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if got := r.TotalRetries(); got != 2 {
		t.Fatalf("total retries = %d, want 2", got)
	}
}

func TestRetrierStopsOnPermanentError(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MaxRetries = 5
	r := newRetrier(cfg, nil)

	calls := 0
	err := r.Do(context.Background(), func(int) error {
		calls++
		return ErrVerification{Err: errors.New("missing name")}
	})
	var verification ErrVerification
	if !errors.As(err, &verification) || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestRetrierStopsOnCancel(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MaxRetries = 5
	cfg.RetryBackoff = time.Hour
	cfg.RetryBackoffMax = time.Hour
	r := newRetrier(cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := r.Do(ctx, func(int) error {
		calls++
		cancel()
		return ErrTimeout{Err: context.DeadlineExceeded}
	})
	if !errors.Is(err, context.Canceled) || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestRetrierBackoffCapped(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RetryBackoff = 200 * time.Millisecond
	cfg.RetryBackoffMax = 500 * time.Millisecond

	r := newRetrier(cfg, NewMetrics())

	if got := r.backoff(1); got != 200*time.Millisecond {
		t.Fatalf("first backoff = %v", got)
	}
	if got := r.backoff(2); got != 400*time.Millisecond {
		t.Fatalf("second backoff = %v", got)
	}
	if delay := r.backoff(4); delay > cfg.RetryBackoffMax {
		t.Fatalf("delay %v exceeds max %v", delay, cfg.RetryBackoffMax)
	}
}

func TestFatal(t *testing.T) {
	ctx := context.Background()
	if fatal(ctx, ErrNavigation{URL: "x", Err: errors.New("reset")}) {
		t.Fatalf("navigation error should not be fatal")
	}
	if !fatal(ctx, ErrSession{Err: errors.New("no chrome")}) {
		t.Fatalf("session error should be fatal")
	}
	if !fatal(ctx, ErrOutput{Err: fmt.Errorf("queue product: %w", pipeline.ErrPipelineClosed)}) {
		t.Fatalf("output error should be fatal")
	}
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if !fatal(cancelled, ErrTimeout{Err: context.DeadlineExceeded}) {
		t.Fatalf("errors after cancellation should be fatal")
	}
}

func TestStridePages(t *testing.T) {
	tests := []struct {
		agent, workers, max int
		want                []int
	}{
		{0, 1, 3, []int{0, 1, 2}},
		{0, 3, 8, []int{0, 3, 6}},
		{2, 3, 8, []int{2, 5}},
		{4, 4, 4, nil},
	}
	for _, tt := range tests {
		if got := stridePages(tt.agent, tt.workers, tt.max); !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("stridePages(%d, %d, %d) = %v, want %v", tt.agent, tt.workers, tt.max, got, tt.want)
		}
	}
}

func TestRoundRobin(t *testing.T) {
	urls := []string{"a", "b", "c", "d", "e"}
	if got := roundRobin(urls, 1, 2); !reflect.DeepEqual(got, []string{"b", "d"}) {
		t.Fatalf("agent 1 = %v", got)
	}
	if got := roundRobin(urls, 0, 1); !reflect.DeepEqual(got, urls) {
		t.Fatalf("single agent = %v", got)
	}
}

func TestPageURL(t *testing.T) {
	pg := config.PaginationConfig{Param: "start", PageSize: 24}
	got, err := pageURL("https://www.versace.test/us/en/women/?sz=12", pg, 2)
	if err != nil {
		t.Fatalf("page url: %v", err)
	}
	if got != "https://www.versace.test/us/en/women/?start=48&sz=12" {
		t.Fatalf("page url = %q", got)
	}

	pg = config.PaginationConfig{Param: "page", FirstPage: 1}
	got, err = pageURL("http://shop.test/list", pg, 0)
	if err != nil || got != "http://shop.test/list?page=1" {
		t.Fatalf("page url = %q, %v", got, err)
	}
}

type benchWriter struct {
	mu    sync.Mutex
	count int
}

func (bw *benchWriter) Write(products []*models.Product) error {
	bw.mu.Lock()
	bw.count += len(products)
	bw.mu.Unlock()
	return nil
}

func (bw *benchWriter) Close() error {
	return nil
}

func (bw *benchWriter) Validate() error {
	return nil
}

func BenchmarkPipeline_Throughput(b *testing.B) {
	cfg := config.DefaultConfig()
	cfg.PipelineBufferSize = 1024
	cfg.BatchSize = 64
	cfg.DedupeMaxSize = 5000000

	for _, workers := range []int{1, 4, 8} {
		b.Run(fmt.Sprintf("workers=%d", workers), func(b *testing.B) {
			writer := &benchWriter{}
			p := pipeline.NewPipeline(context.Background(), writer, cfg)
			p.Start(workers)

			scrapedAt := time.Unix(0, 0)

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				product := &models.Product{
					Gender:    "Women",
					Name:      "Benchmark Dress",
					Price:     "$1,250",
					Images:    []string{"https://cdn.example.test/1.jpg"},
					URL:       fmt.Sprintf("https://shop.example.test/p/%d", i),
					ScrapedAt: scrapedAt,
				}
				if err := p.Process(product); err != nil {
					b.Fatalf("process: %v", err)
				}
			}
			b.StopTimer()
			if err := p.Close(); err != nil {
				b.Fatalf("close: %v", err)
			}
			elapsed := b.Elapsed().Seconds()
			if elapsed > 0 {
				b.ReportMetric(float64(b.N)/elapsed, "items/sec")
			}
		})
	}
}

func htmlResponder(body string) httpmock.Responder {
	resp := httpmock.NewStringResponse(200, body)
	resp.Header.Set("Content-Type", "text/html")
	return httpmock.ResponderFromResponse(resp)
}
