package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"

	"github.com/Haysam-Bin-Tahir/Array-Products-Scraper/config"
)

// RodFactory launches one headless Chrome per session.
type RodFactory struct {
	Browser   config.BrowserConfig
	UserAgent string
	// Timeout bounds page loads.
	Timeout time.Duration
}

// NewRodFactory builds a factory from the scraper configuration.
func NewRodFactory(cfg *config.Config) *RodFactory {
	return &RodFactory{
		Browser:   cfg.Browser,
		UserAgent: cfg.UserAgent,
		Timeout:   cfg.Timeout,
	}
}

// NewSession launches a browser and opens a tab configured with the user
// agent and viewport.
func (f *RodFactory) NewSession(ctx context.Context) (Session, error) {
	l := launcher.New().
		Context(ctx).
		Headless(f.Browser.Headless).
		NoSandbox(f.Browser.NoSandbox)

	if f.Browser.Bin != "" {
		l = l.Bin(f.Browser.Bin)
	}
	if f.Browser.Proxy != "" {
		l = l.Proxy(f.Browser.Proxy)
	}

	l.Set(flags.Flag("window-size"), fmt.Sprintf("%d,%d", f.Browser.WindowWidth, f.Browser.WindowHeight))
	l.Set(flags.Flag("disable-gpu"))
	l.Set(flags.Flag("disable-dev-shm-usage"))
	l.Set(flags.Flag("disable-extensions"))
	l.Set(flags.Flag("disable-notifications"))
	l.Set(flags.Flag("disable-popup-blocking"))
	l.Set(flags.Flag("disable-infobars"))
	l.Set(flags.Flag("disable-translate"))
	l.Set(flags.Flag("ignore-certificate-errors"))
	l.Set(flags.Flag("incognito"))
	l.Set(flags.Flag("no-first-run"))

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		l.Kill()
		l.Cleanup()
		return nil, fmt.Errorf("connect to browser: %w", err)
	}

	page, err := b.Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = b.Close()
		l.Kill()
		l.Cleanup()
		return nil, fmt.Errorf("open page: %w", err)
	}

	if f.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: f.UserAgent}); err != nil {
			slog.Warn("set user agent failed", slog.Any("error", err))
		}
	}
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             f.Browser.WindowWidth,
		Height:            f.Browser.WindowHeight,
		DeviceScaleFactor: 1,
	}); err != nil {
		slog.Warn("set viewport failed", slog.Any("error", err))
	}

	slog.Debug("browser session started", slog.String("control_url", controlURL))
	return &RodSession{
		launcher: l,
		browser:  b,
		page:     page,
		timeout:  f.Timeout,
	}, nil
}

// RodSession is a Chrome tab driven over the DevTools protocol.
type RodSession struct {
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
	timeout  time.Duration
	closed   bool
}

// bind returns the page tied to ctx, bounded by timeout when positive. The
// returned cancel func must be called once the operation is done.
func (s *RodSession) bind(ctx context.Context, timeout time.Duration) (*rod.Page, context.CancelFunc, error) {
	if s.closed {
		return nil, nil, ErrClosed
	}
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}
	return s.page.Context(ctx), cancel, nil
}

// Navigate loads url and waits for DOMContentLoaded.
func (s *RodSession) Navigate(ctx context.Context, url string) (string, error) {
	p, cancel, err := s.bind(ctx, s.timeout)
	if err != nil {
		return "", err
	}
	defer cancel()

	wait := p.WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)
	if err := p.Navigate(url); err != nil {
		return "", fmt.Errorf("navigate %s: %w", url, err)
	}
	wait()
	if err := p.GetContext().Err(); err != nil {
		return "", err
	}

	finalURL := url
	if res, err := p.Eval(`() => location.href`); err == nil {
		if href := res.Value.Str(); href != "" {
			finalURL = href
		}
	}

	// Status from the Navigation Timing API; zero when unavailable.
	if res, err := p.Eval(`() => {
		try {
			const entries = performance.getEntriesByType("navigation");
			if (entries.length > 0) return entries[0].responseStatus || 0;
		} catch (e) {}
		return 0;
	}`); err == nil {
		if code := res.Value.Int(); code >= 400 {
			return finalURL, &StatusError{URL: finalURL, Code: code}
		}
	}
	return finalURL, nil
}

// WaitFor waits for selector to appear.
func (s *RodSession) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	p, cancel, err := s.bind(ctx, timeout)
	if err != nil {
		return err
	}
	defer cancel()
	if _, err := p.Element(selector); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrElementNotFound, selector)
		}
		return fmt.Errorf("wait for %s: %w", selector, err)
	}
	return nil
}

// HTML returns the rendered document.
func (s *RodSession) HTML(ctx context.Context) (string, error) {
	p, cancel, err := s.bind(ctx, s.timeout)
	if err != nil {
		return "", err
	}
	defer cancel()
	html, err := p.HTML()
	if err != nil {
		return "", fmt.Errorf("read page html: %w", err)
	}
	return html, nil
}

// Count returns the number of elements matching selector without waiting.
func (s *RodSession) Count(ctx context.Context, selector string) (int, error) {
	p, cancel, err := s.bind(ctx, s.timeout)
	if err != nil {
		return 0, err
	}
	defer cancel()
	els, err := p.Elements(selector)
	if err != nil {
		return 0, fmt.Errorf("query %s: %w", selector, err)
	}
	return len(els), nil
}

// Visible reports whether any element matching selector is rendered.
func (s *RodSession) Visible(ctx context.Context, selector string) (bool, error) {
	p, cancel, err := s.bind(ctx, s.timeout)
	if err != nil {
		return false, err
	}
	defer cancel()
	els, err := p.Elements(selector)
	if err != nil {
		return false, fmt.Errorf("query %s: %w", selector, err)
	}
	for _, el := range els {
		visible, err := el.Visible()
		if err != nil {
			continue
		}
		if visible {
			return true, nil
		}
	}
	return false, nil
}

// Click scrolls the first visible match into view and clicks it.
func (s *RodSession) Click(ctx context.Context, selector string) error {
	p, cancel, err := s.bind(ctx, s.timeout)
	if err != nil {
		return err
	}
	defer cancel()
	els, err := p.Elements(selector)
	if err != nil {
		return fmt.Errorf("query %s: %w", selector, err)
	}
	for _, el := range els {
		if visible, err := el.Visible(); err != nil || !visible {
			continue
		}
		if err := el.ScrollIntoView(); err != nil {
			return fmt.Errorf("scroll to %s: %w", selector, err)
		}
		if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return fmt.Errorf("click %s: %w", selector, err)
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrElementNotFound, selector)
}

// ScrollToBottom scrolls the window to the end of the document.
func (s *RodSession) ScrollToBottom(ctx context.Context) error {
	p, cancel, err := s.bind(ctx, s.timeout)
	if err != nil {
		return err
	}
	defer cancel()
	if _, err := p.Eval(`() => window.scrollTo(0, document.body.scrollHeight)`); err != nil {
		return fmt.Errorf("scroll to bottom: %w", err)
	}
	return nil
}

// Close shuts the browser down and removes its profile directory.
func (s *RodSession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.browser.Close()
	s.launcher.Kill()
	s.launcher.Cleanup()
	return err
}
