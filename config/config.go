package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// Engine names.
const (
	EngineBrowser = "browser"
	EngineStatic  = "static"
)

// Output formats.
const (
	FormatCSV  = "csv"
	FormatDual = "dual"
)

// BrowserConfig controls the headless Chrome instance each agent launches.
type BrowserConfig struct {
	Headless     bool
	NoSandbox    bool
	Bin          string
	Proxy        string
	WindowWidth  int
	WindowHeight int
}

// Config holds scraper configuration.
type Config struct {
	Site SiteConfig

	Engine   string // browser or static
	Workers  int
	MaxPages int

	Delay       time.Duration
	Timeout     time.Duration
	WaitTimeout time.Duration

	MaxRetries      int
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration

	SessionRetries    int
	SessionRetryDelay time.Duration

	OutputDir      string
	OutputPrefix   string
	OutputFormat   string // csv or dual
	XLSX           bool
	KeepAgentFiles bool
	Dedupe         bool

	PipelineBufferSize int
	BatchSize          int
	DedupeMaxSize      int

	UserAgent        string
	Browser          BrowserConfig
	RespectRobotsTxt bool
	Verbose          bool
	MetricsAddr      string
}

// DefaultConfig returns defaults matching the built-in versace preset.
func DefaultConfig() *Config {
	site, _ := Preset(DefaultSite)
	return &Config{
		Site:              site,
		Engine:            EngineBrowser,
		Workers:           4,
		MaxPages:          100,
		Delay:             time.Second,
		Timeout:           30 * time.Second,
		WaitTimeout:       10 * time.Second,
		MaxRetries:        2,
		RetryBackoff:      2 * time.Second,
		RetryBackoffMax:   10 * time.Second,
		SessionRetries:    3,
		SessionRetryDelay: 5 * time.Second,

		OutputDir:      "output",
		OutputPrefix:   site.Name + "_products",
		OutputFormat:   FormatCSV,
		XLSX:           false,
		KeepAgentFiles: false,
		Dedupe:         true,

		PipelineBufferSize: 64,
		BatchSize:          1,
		DedupeMaxSize:      1_000_000,

		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
		Browser: BrowserConfig{
			Headless:     true,
			NoSandbox:    true,
			WindowWidth:  1920,
			WindowHeight: 1080,
		},
		RespectRobotsTxt: false,
		Verbose:          false,
		MetricsAddr:      "",
	}
}

// AgentFile returns the exclusive output file of agent i.
func (c *Config) AgentFile(i int) string {
	return filepath.Join(c.OutputDir, fmt.Sprintf("%s_agent_%d.csv", c.OutputPrefix, i))
}

// MergedFile returns the combined output file.
func (c *Config) MergedFile() string {
	return filepath.Join(c.OutputDir, c.OutputPrefix+".csv")
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if err := c.Site.Validate(); err != nil {
		return fmt.Errorf("site %q: %w", c.Site.Name, err)
	}
	if c.Engine != EngineBrowser && c.Engine != EngineStatic {
		return fmt.Errorf("engine must be browser or static")
	}
	if c.Engine == EngineStatic {
		switch c.Site.Pagination.Mode {
		case PaginationLoadMore, PaginationScroll:
			return fmt.Errorf("pagination mode %q needs the browser engine", c.Site.Pagination.Mode)
		}
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.MaxPages <= 0 {
		return fmt.Errorf("max pages must be positive")
	}
	if c.Delay < 0 {
		return fmt.Errorf("delay cannot be negative")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.WaitTimeout <= 0 {
		return fmt.Errorf("wait timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.SessionRetries <= 0 {
		return fmt.Errorf("session retries must be positive")
	}
	if c.SessionRetryDelay < 0 {
		return fmt.Errorf("session retry delay cannot be negative")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output dir cannot be empty")
	}
	if c.OutputPrefix == "" {
		return fmt.Errorf("output prefix cannot be empty")
	}
	if c.OutputFormat != FormatCSV && c.OutputFormat != FormatDual {
		return fmt.Errorf("output format must be csv or dual")
	}
	if c.PipelineBufferSize <= 0 {
		return fmt.Errorf("pipeline buffer size must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.DedupeMaxSize <= 0 {
		return fmt.Errorf("dedupe max size must be positive")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	if c.Engine == EngineBrowser && (c.Browser.WindowWidth <= 0 || c.Browser.WindowHeight <= 0) {
		return fmt.Errorf("browser window size must be positive")
	}

	return nil
}
