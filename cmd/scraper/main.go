package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Haysam-Bin-Tahir/Array-Products-Scraper/browser"
	"github.com/Haysam-Bin-Tahir/Array-Products-Scraper/config"
	"github.com/Haysam-Bin-Tahir/Array-Products-Scraper/models"
	"github.com/Haysam-Bin-Tahir/Array-Products-Scraper/pipeline"
	"github.com/Haysam-Bin-Tahir/Array-Products-Scraper/scraper"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	cfg := config.DefaultConfig()
	siteName, _ := config.EnvString("SCRAPER_SITE")
	siteFile, _ := config.EnvString("SCRAPER_SITE_FILE")
	if err := applyEnv(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	flag.StringVar(&siteName, "site", siteName, "Site to scrape (built-in: "+strings.Join(config.PresetNames(), ", ")+")")
	flag.StringVar(&siteFile, "site-file", siteFile, "YAML file with site selector maps")
	flag.StringVar(&cfg.Engine, "engine", cfg.Engine, "Page engine: browser or static")
	flag.IntVar(&cfg.Workers, "workers", cfg.Workers, "Number of agents")
	flag.IntVar(&cfg.MaxPages, "pages", cfg.MaxPages, "Maximum listing pages (or clicks/scrolls) per listing")
	flag.DurationVar(&cfg.Delay, "delay", cfg.Delay, "Pause between navigations of one agent")
	flag.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Page load timeout")
	flag.DurationVar(&cfg.WaitTimeout, "wait-timeout", cfg.WaitTimeout, "Timeout for marker elements")
	flag.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "Retry attempts per page or product")
	flag.DurationVar(&cfg.RetryBackoff, "retry-backoff", cfg.RetryBackoff, "Initial retry backoff")
	flag.DurationVar(&cfg.RetryBackoffMax, "retry-backoff-max", cfg.RetryBackoffMax, "Maximum retry backoff")
	flag.IntVar(&cfg.SessionRetries, "session-retries", cfg.SessionRetries, "Attempts to start a browser session")
	flag.StringVar(&cfg.OutputDir, "output-dir", cfg.OutputDir, "Directory for CSV output")
	prefix := flag.String("prefix", "", "Output file prefix (default <site>_products)")
	flag.StringVar(&cfg.OutputFormat, "format", cfg.OutputFormat, "Output format: csv or dual (csv plus jsonl)")
	flag.BoolVar(&cfg.XLSX, "xlsx", cfg.XLSX, "Also export the merged rows to .xlsx")
	flag.BoolVar(&cfg.KeepAgentFiles, "keep-agent-files", cfg.KeepAgentFiles, "Keep per-agent files after merging")
	flag.BoolVar(&cfg.Dedupe, "dedupe", cfg.Dedupe, "Drop duplicate Product URLs when merging")
	flag.BoolVar(&cfg.Browser.Headless, "headless", cfg.Browser.Headless, "Run Chrome headless")
	flag.BoolVar(&cfg.Browser.NoSandbox, "no-sandbox", cfg.Browser.NoSandbox, "Disable the Chrome sandbox")
	flag.StringVar(&cfg.Browser.Bin, "chrome-bin", cfg.Browser.Bin, "Chrome binary (downloaded when empty)")
	flag.StringVar(&cfg.Browser.Proxy, "proxy", cfg.Browser.Proxy, "Proxy server for Chrome")
	flag.StringVar(&cfg.UserAgent, "user-agent", cfg.UserAgent, "User agent override")
	flag.BoolVar(&cfg.RespectRobotsTxt, "respect-robots", cfg.RespectRobotsTxt, "Respect robots.txt (static engine)")
	flag.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Enable verbose logging")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus metrics listen address (e.g. :9090)")
	combineOnly := flag.Bool("combine", false, "Only merge existing agent files into the output file, then exit")

	flag.Parse()

	logger, level := newLogger(cfg.Verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	site, err := config.ResolveSite(siteName, siteFile)
	if err != nil {
		slog.Error("resolving site", slog.Any("error", err))
		os.Exit(1)
	}
	cfg.Site = site
	cfg.OutputPrefix = site.Name + "_products"
	if *prefix != "" {
		cfg.OutputPrefix = *prefix
	}
	cfg.Engine = strings.ToLower(cfg.Engine)
	cfg.OutputFormat = strings.ToLower(cfg.OutputFormat)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	if *combineOnly {
		if err := combineAgentFiles(cfg); err != nil {
			slog.Error("combining agent files", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	slog.Info("starting scrape",
		slog.String("site", cfg.Site.Name),
		slog.String("engine", cfg.Engine),
		slog.Int("listings", len(cfg.Site.ListingURLs)),
		slog.Int("workers", cfg.Workers),
		slog.String("output", cfg.MergedFile()),
	)

	var factory browser.Factory
	if cfg.Engine == config.EngineStatic {
		factory = browser.NewStaticFactory(cfg)
	} else {
		factory = browser.NewRodFactory(cfg)
	}

	s, err := scraper.NewScraper(cfg, factory)
	if err != nil {
		slog.Error("initialising scraper", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, agents will stop after the current product")
	}()

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(s.Metrics.Registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
	}

	result, runErr := s.Run(ctx)

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	if result != nil {
		printSummary(result)
	}
	if runErr != nil {
		slog.Error("scraping failed", slog.Any("error", runErr))
		os.Exit(1)
	}
	if result.CompletedAgents() == 0 {
		slog.Error("no agent completed")
		os.Exit(1)
	}
}

// combineAgentFiles merges the files left by the agents of a previous run.
func combineAgentFiles(cfg *config.Config) error {
	inputs := make([]string, 0, cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		inputs = append(inputs, cfg.AgentFile(i))
	}
	stats, err := pipeline.Combine(inputs, cfg.MergedFile(), pipeline.CombineOptions{
		Dedupe:     cfg.Dedupe,
		KeepInputs: cfg.KeepAgentFiles,
	})
	if err != nil {
		return err
	}
	slog.Info("agent files combined",
		slog.String("output", cfg.MergedFile()),
		slog.Int("inputs", stats.Inputs),
		slog.Int("rows", stats.Rows),
		slog.Int("duplicates", stats.Duplicates),
		slog.Int("dropped", stats.Dropped),
	)
	if cfg.XLSX {
		xlsxPath := strings.TrimSuffix(cfg.MergedFile(), ".csv") + ".xlsx"
		if _, err := pipeline.ExportXLSX(cfg.MergedFile(), xlsxPath); err != nil {
			return err
		}
	}
	return nil
}

// applyEnv overrides defaults with SCRAPER_* variables.
func applyEnv(cfg *config.Config) error {
	ints := []struct {
		key string
		dst *int
	}{
		{"SCRAPER_WORKERS", &cfg.Workers},
		{"SCRAPER_PAGES", &cfg.MaxPages},
		{"SCRAPER_MAX_RETRIES", &cfg.MaxRetries},
		{"SCRAPER_SESSION_RETRIES", &cfg.SessionRetries},
	}
	for _, v := range ints {
		value, ok, err := config.EnvInt(v.key)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", v.key, err)
		}
		if ok {
			*v.dst = value
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SCRAPER_DELAY", &cfg.Delay},
		{"SCRAPER_TIMEOUT", &cfg.Timeout},
		{"SCRAPER_WAIT_TIMEOUT", &cfg.WaitTimeout},
	}
	for _, v := range durations {
		value, ok, err := config.EnvDuration(v.key)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", v.key, err)
		}
		if ok {
			*v.dst = value
		}
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"SCRAPER_HEADLESS", &cfg.Browser.Headless},
		{"SCRAPER_NO_SANDBOX", &cfg.Browser.NoSandbox},
		{"SCRAPER_XLSX", &cfg.XLSX},
		{"SCRAPER_KEEP_AGENT_FILES", &cfg.KeepAgentFiles},
	}
	for _, v := range bools {
		value, ok, err := config.EnvBool(v.key)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", v.key, err)
		}
		if ok {
			*v.dst = value
		}
	}

	strs := []struct {
		key string
		dst *string
	}{
		{"SCRAPER_ENGINE", &cfg.Engine},
		{"SCRAPER_OUTPUT_DIR", &cfg.OutputDir},
		{"SCRAPER_FORMAT", &cfg.OutputFormat},
		{"SCRAPER_CHROME_BIN", &cfg.Browser.Bin},
		{"SCRAPER_PROXY", &cfg.Browser.Proxy},
		{"SCRAPER_USER_AGENT", &cfg.UserAgent},
		{"SCRAPER_METRICS_ADDR", &cfg.MetricsAddr},
	}
	for _, v := range strs {
		if value, ok := config.EnvString(v.key); ok {
			*v.dst = value
		}
	}
	return nil
}

func printSummary(result *models.ScraperResult) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Println("Scrape complete")

	duration := result.EndTime.Sub(result.StartTime)
	fmt.Printf("  Run ID:        %s\n", result.RunID)
	fmt.Printf("  Site:          %s\n", result.Site)
	fmt.Printf("  Agents:        %d/%d completed\n", result.CompletedAgents(), len(result.Agents))
	fmt.Printf("  Pages:         %d\n", result.PageCount)
	fmt.Printf("  New products:  %d\n", result.TotalCount)
	fmt.Printf("  Skipped:       %d\n", result.SkippedCount)
	fmt.Printf("  Errors:        %d\n", result.ErrorCount)
	fmt.Printf("  Retries:       %d\n", result.RetryCount)
	fmt.Printf("  Failed URLs:   %d\n", len(result.FailedURLs))
	if len(result.ErrorsByType) > 0 {
		fmt.Printf("  Error types:   %v\n", result.ErrorsByType)
	}
	for _, agent := range result.Agents {
		if agent != nil && agent.Err != nil {
			fmt.Printf("  Agent %d:       %v (kept %s)\n", agent.Agent, agent.Err, agent.OutputFile)
		}
	}
	fmt.Printf("  Duration:      %v\n", duration.Round(time.Millisecond))
	if duration.Seconds() > 0 {
		fmt.Printf("  Items/sec:     %.2f\n", float64(result.TotalCount)/duration.Seconds())
	}
	fmt.Printf("  Output file:   %s (%d rows)\n", result.MergedFile, result.MergedRows)
	if last, err := pipeline.LastURL(result.MergedFile); err == nil && last != "" {
		fmt.Printf("  Last product:  %s\n", last)
	}
	fmt.Println(separator)
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
