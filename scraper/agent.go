package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/Haysam-Bin-Tahir/Array-Products-Scraper/browser"
	"github.com/Haysam-Bin-Tahir/Array-Products-Scraper/config"
	"github.com/Haysam-Bin-Tahir/Array-Products-Scraper/models"
	"github.com/Haysam-Bin-Tahir/Array-Products-Scraper/parser"
	"github.com/Haysam-Bin-Tahir/Array-Products-Scraper/pipeline"
)

// Agent is one worker: it owns a browser session and an output file and
// scrapes the listing pages assigned to it.
type Agent struct {
	ID int

	cfg     *config.Config
	site    *config.SiteConfig
	factory browser.Factory
	metrics *Metrics
	retry   *retrier
	limiter *rate.Limiter
	logger  *slog.Logger

	session  browser.Session
	pipeline *pipeline.Pipeline
	result   *models.AgentResult
}

// NewAgent builds agent id of a run. metrics may be nil.
func NewAgent(id int, cfg *config.Config, factory browser.Factory, metrics *Metrics, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.Delay > 0 {
		limit = rate.Every(cfg.Delay)
	}
	return &Agent{
		ID:      id,
		cfg:     cfg,
		site:    &cfg.Site,
		factory: factory,
		metrics: metrics,
		retry:   newRetrier(cfg, metrics),
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.With(slog.Int("agent", id)),
	}
}

// Run scrapes every listing assigned to the agent and appends new products
// to its file. The returned result carries Err when the agent stopped early.
func (a *Agent) Run(ctx context.Context) *models.AgentResult {
	a.result = &models.AgentResult{
		Agent:        a.ID,
		OutputFile:   a.cfg.AgentFile(a.ID),
		ErrorsByType: make(map[string]int),
	}

	err := a.run(ctx)
	a.result.Retries = a.retry.TotalRetries()
	if err != nil {
		a.result.Err = err
		a.logger.Error("agent stopped", slog.Any("error", err))
	} else {
		a.logger.Info("agent finished",
			slog.Int("pages", a.result.Pages),
			slog.Int("written", a.result.Written),
			slog.Int("skipped", a.result.Skipped),
			slog.Int("failed", a.result.Failed),
		)
	}
	return a.result
}

func (a *Agent) run(ctx context.Context) (err error) {
	writer, err := pipeline.NewWriter(a.cfg.OutputFormat, a.result.OutputFile, a.site.Columns, a.site.ImageDelimiter)
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}

	a.pipeline = pipeline.NewPipeline(ctx, writer, a.cfg)
	a.pipeline.Start(1)
	if a.cfg.Verbose {
		a.pipeline.StartMetricsReporting(30*time.Second, a.logger)
	}
	defer func() {
		closeErr := a.pipeline.Close()
		a.result.Written = int(a.pipeline.Written())
		if rejected, ok := a.pipeline.GetMetrics()["validation_errors"].(map[string]int); ok && len(rejected) > 0 {
			a.logger.Debug("pipeline rejected records", slog.Any("counts", rejected))
		}
		if closeErr == nil {
			closeErr = writer.Validate()
		}
		if writerErr := writer.Close(); closeErr == nil {
			closeErr = writerErr
		}
		if err == nil && closeErr != nil {
			err = fmt.Errorf("close output: %w", closeErr)
		}
	}()

	if err := a.seed(); err != nil {
		return err
	}

	if err := a.openSession(ctx); err != nil {
		return err
	}
	defer a.closeSession()

	items, err := a.collectListings(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("listing collected", slog.Int("products", len(items)))

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if a.pipeline.Contains(item.URL) {
			a.result.Skipped++
			a.metrics.IncSkipped()
			continue
		}
		if err := a.scrapeProduct(ctx, item); err != nil {
			if fatal(ctx, err) {
				return err
			}
			a.recordFailure(item.URL, err)
		}
	}
	return nil
}

// seed loads URLs already saved by this agent or by a previous merge.
func (a *Agent) seed() error {
	own, err := pipeline.ReadURLs(a.result.OutputFile)
	if err != nil {
		return fmt.Errorf("read own output: %w", err)
	}
	merged, err := pipeline.ReadURLs(a.cfg.MergedFile())
	if err != nil {
		a.logger.Warn("merged output unreadable, skipping", slog.Any("error", err))
	}
	if seeded := len(own) + len(merged); seeded > a.cfg.DedupeMaxSize {
		a.logger.Warn("saved URLs exceed dedupe capacity, older URLs may be scraped again",
			slog.Int("saved", seeded),
			slog.Int("capacity", a.cfg.DedupeMaxSize),
		)
	}
	a.pipeline.Seed(own...)
	a.pipeline.Seed(merged...)

	if len(own) > 0 {
		a.logger.Info("resuming",
			slog.Int("saved", len(own)),
			slog.String("last_url", own[len(own)-1]),
		)
	}
	return nil
}

func (a *Agent) openSession(ctx context.Context) error {
	s, err := browser.NewSessionWithRetry(ctx, a.factory, a.cfg.SessionRetries, a.cfg.SessionRetryDelay)
	if err != nil {
		a.metrics.IncSession("failed")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.metrics.IncError("session")
		return ErrSession{Err: err}
	}
	a.metrics.IncSession("started")
	a.session = s
	return nil
}

func (a *Agent) closeSession() {
	if a.session == nil {
		return
	}
	if err := a.session.Close(); err != nil {
		a.logger.Debug("session close failed", slog.Any("error", err))
	}
	a.session = nil
}

// refreshSession replaces the session before a retry.
func (a *Agent) refreshSession(ctx context.Context) error {
	a.closeSession()
	return a.openSession(ctx)
}

// collectListings expands every listing the agent owns and returns the
// product links in discovery order without duplicates.
func (a *Agent) collectListings(ctx context.Context) ([]parser.ListingItem, error) {
	var all []parser.ListingItem
	seen := make(map[string]struct{})
	add := func(items []parser.ListingItem) int {
		added := 0
		for _, it := range items {
			if _, ok := seen[it.URL]; ok {
				continue
			}
			seen[it.URL] = struct{}{}
			all = append(all, it)
			added++
		}
		return added
	}

	pg := a.site.Pagination
	if pg.Mode == config.PaginationPage {
		for _, base := range a.site.ListingURLs {
			if err := a.collectPaged(ctx, base, add); err != nil {
				return all, err
			}
		}
		return all, nil
	}

	for _, listing := range roundRobin(a.site.ListingURLs, a.ID, a.cfg.Workers) {
		var items []parser.ListingItem
		err := a.withRetry(ctx, listing, func(ctx context.Context) error {
			var err error
			items, _, err = a.loadListing(ctx, listing, false)
			return err
		})
		if err != nil {
			if fatal(ctx, err) {
				return all, err
			}
			a.recordFailure(listing, err)
			continue
		}
		a.result.Pages++
		a.logger.Info("listing expanded",
			slog.String("url", listing),
			slog.Int("products", len(items)),
			slog.Int("new", add(items)),
		)
	}
	return all, nil
}

func (a *Agent) collectPaged(ctx context.Context, base string, add func([]parser.ListingItem) int) error {
	pg := a.site.Pagination
	for _, page := range stridePages(a.ID, a.cfg.Workers, a.cfg.MaxPages) {
		if err := ctx.Err(); err != nil {
			return err
		}
		target, err := pageURL(base, pg, page)
		if err != nil {
			return err
		}

		var (
			items []parser.ListingItem
			more  bool
		)
		// Past the first page an absent grid means the listing has ended.
		emptyOK := page > 0
		err = a.withRetry(ctx, target, func(ctx context.Context) error {
			var err error
			items, more, err = a.loadListing(ctx, target, emptyOK)
			return err
		})
		if err != nil {
			if fatal(ctx, err) {
				return err
			}
			a.recordFailure(target, err)
			continue
		}
		a.result.Pages++
		added := add(items)
		a.logger.Info("listing page loaded",
			slog.Int("page", page),
			slog.String("url", target),
			slog.Int("products", len(items)),
			slog.Int("new", added),
		)

		if len(items) == 0 {
			a.logger.Info("listing ended: empty page", slog.Int("page", page))
			return nil
		}
		if !more {
			a.logger.Info("listing ended: no more products", slog.Int("page", page))
			return nil
		}
	}
	return nil
}

// loadListing opens a listing page, expands it and parses its product
// links. more reports whether a further page exists.
func (a *Agent) loadListing(ctx context.Context, target string, emptyOK bool) ([]parser.ListingItem, bool, error) {
	if err := a.navigate(ctx, target, "listing"); err != nil {
		return nil, false, err
	}

	ready := a.listingReadySelector()
	if err := a.session.WaitFor(ctx, ready, a.cfg.WaitTimeout); err != nil {
		if emptyOK && errors.Is(err, browser.ErrElementNotFound) {
			return nil, false, nil
		}
		return nil, false, ErrMissingElement{Selector: ready, Err: err}
	}

	pg := a.site.Pagination
	if pg.StableRounds <= 0 {
		pg.StableRounds = 1
	}
	limit := a.cfg.MaxPages
	switch pg.Mode {
	case config.PaginationLoadMore:
		if pg.MaxClicks > 0 {
			limit = pg.MaxClicks
		}
		res, err := clickLoadMore(ctx, a.session, pg, a.itemSelector(), limit)
		if err != nil {
			return nil, false, classifyError(err, target)
		}
		a.logger.Debug("load more finished", slog.Int("clicks", res.Steps), slog.Int("items", res.Items))
	case config.PaginationScroll:
		if pg.MaxScrolls > 0 {
			limit = pg.MaxScrolls
		}
		res, err := scrollUntilStable(ctx, a.session, pg, a.itemSelector(), limit)
		if err != nil {
			return nil, false, classifyError(err, target)
		}
		a.logger.Debug("scroll finished", slog.Int("scrolls", res.Steps), slog.Int("items", res.Items))
	}

	html, err := a.session.HTML(ctx)
	if err != nil {
		return nil, false, classifyError(err, target)
	}
	items, err := parser.ParseListing(html, target, a.site.Listing)
	if err != nil {
		return nil, false, err
	}
	more, err := parser.HasMore(html, pg.MoreSelector, pg.HiddenSelector)
	if err != nil {
		return nil, false, err
	}
	return items, more, nil
}

// scrapeProduct extracts one product and hands it to the pipeline.
func (a *Agent) scrapeProduct(ctx context.Context, item parser.ListingItem) error {
	var product *models.Product
	err := a.withRetry(ctx, item.URL, func(ctx context.Context) error {
		var err error
		product, err = a.loadDetail(ctx, item.URL)
		return err
	})
	if err != nil {
		return err
	}

	if product.Price == "" {
		product.Price = item.Price
	}
	if err := parser.ValidateProduct(product, a.site.Required); err != nil {
		return ErrVerification{Err: err}
	}
	parser.ApplyFallbacks(product, a.site.Fallbacks)

	if err := a.pipeline.Process(product); err != nil {
		return ErrOutput{Err: fmt.Errorf("queue product: %w", err)}
	}
	a.metrics.IncItems()
	a.logger.Info("product scraped",
		slog.String("url", product.URL),
		slog.String("name", product.Name),
		slog.String("price", product.Price),
	)
	return nil
}

func (a *Agent) loadDetail(ctx context.Context, target string) (*models.Product, error) {
	if err := a.navigate(ctx, target, "detail"); err != nil {
		return nil, err
	}
	ready := a.site.Detail.Ready
	if err := a.session.WaitFor(ctx, ready, a.cfg.WaitTimeout); err != nil {
		return nil, ErrMissingElement{Selector: ready, Err: err}
	}
	html, err := a.session.HTML(ctx)
	if err != nil {
		return nil, classifyError(err, target)
	}
	return parser.ParseDetail(html, target, a.site)
}

// navigate paces, loads target and enforces the region guard.
func (a *Agent) navigate(ctx context.Context, target, phase string) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	a.metrics.IncRequest(phase)

	start := time.Now()
	final, err := a.session.Navigate(ctx, target)
	a.metrics.ObserveDuration(time.Since(start))
	if err != nil {
		return classifyError(err, target)
	}

	if prefix := a.site.AllowedPathPrefix; prefix != "" && final != "" {
		u, perr := url.Parse(final)
		if perr == nil && !strings.HasPrefix(u.Path, prefix) {
			return ErrNavigation{URL: target, Err: fmt.Errorf("%w: landed on %s", errRegionRedirect, final)}
		}
	}
	return nil
}

// withRetry runs op, replacing the session between failed attempts.
func (a *Agent) withRetry(ctx context.Context, target string, op func(ctx context.Context) error) error {
	return a.retry.Do(ctx, func(attempt int) error {
		if a.session == nil {
			if err := a.openSession(ctx); err != nil {
				return err
			}
		} else if attempt > 0 {
			a.logger.Warn("retrying with a fresh session",
				slog.String("url", target),
				slog.Int("attempt", attempt+1),
			)
			if err := a.refreshSession(ctx); err != nil {
				return err
			}
		}
		err := op(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn("attempt failed",
				slog.String("url", target),
				slog.String("category", errorTypeLabel(classifyError(err, target))),
				slog.Any("error", err),
			)
		}
		return err
	})
}

// fatal reports errors that end the agent rather than one product: a
// cancelled run, a browser that cannot be restarted or an output that no
// longer accepts records.
func fatal(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	var (
		session ErrSession
		output  ErrOutput
	)
	return errors.As(err, &session) || errors.As(err, &output)
}

func (a *Agent) recordFailure(target string, err error) {
	category := errorTypeLabel(classifyError(err, target))
	a.result.Failed++
	a.result.FailedURLs = append(a.result.FailedURLs, target)
	a.result.ErrorsByType[category]++
	a.metrics.IncError(category)
	a.logger.Error("giving up",
		slog.String("url", target),
		slog.String("category", category),
		slog.Any("error", err),
	)
}

func (a *Agent) itemSelector() string {
	if a.site.Listing.Item != "" {
		return a.site.Listing.Item
	}
	return a.site.Listing.Link
}

func (a *Agent) listingReadySelector() string {
	if a.site.Listing.Ready != "" {
		return a.site.Listing.Ready
	}
	return a.itemSelector()
}
