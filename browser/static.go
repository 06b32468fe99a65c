package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/Haysam-Bin-Tahir/Array-Products-Scraper/config"
)

// StaticFactory fetches pages over plain HTTP with colly. It suits sites
// that render listings server side; it cannot click or scroll.
type StaticFactory struct {
	UserAgent        string
	Timeout          time.Duration
	RespectRobotsTxt bool
	// Transport replaces the default HTTP transport when set.
	Transport http.RoundTripper
}

// NewStaticFactory builds a factory from the scraper configuration.
func NewStaticFactory(cfg *config.Config) *StaticFactory {
	return &StaticFactory{
		UserAgent:        cfg.UserAgent,
		Timeout:          cfg.Timeout,
		RespectRobotsTxt: cfg.RespectRobotsTxt,
	}
}

// NewSession returns a session backed by a synchronous collector.
func (f *StaticFactory) NewSession(ctx context.Context) (Session, error) {
	opts := []colly.CollectorOption{colly.AllowURLRevisit()}
	if f.UserAgent != "" {
		opts = append(opts, colly.UserAgent(f.UserAgent))
	}
	collector := colly.NewCollector(opts...)
	if f.Timeout > 0 {
		collector.SetRequestTimeout(f.Timeout)
	}
	collector.IgnoreRobotsTxt = !f.RespectRobotsTxt
	if f.Transport != nil {
		collector.WithTransport(f.Transport)
	}

	s := &StaticSession{collector: collector, ctx: ctx}
	collector.OnRequest(func(r *colly.Request) {
		if s.ctx.Err() != nil {
			r.Abort()
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		s.body = string(r.Body)
		s.status = r.StatusCode
		if r.Request != nil && r.Request.URL != nil {
			s.finalURL = r.Request.URL.String()
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			s.status = r.StatusCode
		}
	})
	return s, nil
}

// StaticSession holds the last fetched document.
type StaticSession struct {
	collector *colly.Collector
	ctx       context.Context
	body      string
	finalURL  string
	status    int
	doc       *goquery.Document
	closed    bool
}

// Navigate fetches url.
func (s *StaticSession) Navigate(ctx context.Context, url string) (string, error) {
	if s.closed {
		return "", ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.body, s.finalURL, s.status, s.doc = "", url, 0, nil
	s.ctx = ctx

	if err := s.collector.Visit(url); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		if s.status >= http.StatusBadRequest {
			return s.finalURL, &StatusError{URL: s.finalURL, Code: s.status}
		}
		return "", fmt.Errorf("fetch %s: %w", url, err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s.body))
	if err != nil {
		return s.finalURL, fmt.Errorf("parse %s: %w", url, err)
	}
	s.doc = doc
	return s.finalURL, nil
}

func (s *StaticSession) document() (*goquery.Document, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if s.doc == nil {
		return nil, errors.New("browser: no page loaded")
	}
	return s.doc, nil
}

// WaitFor checks the fetched document once; nothing changes after load.
func (s *StaticSession) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	doc, err := s.document()
	if err != nil {
		return err
	}
	if doc.Find(selector).Length() == 0 {
		return fmt.Errorf("%w: %s", ErrElementNotFound, selector)
	}
	return nil
}

// HTML returns the fetched body.
func (s *StaticSession) HTML(ctx context.Context) (string, error) {
	if _, err := s.document(); err != nil {
		return "", err
	}
	return s.body, nil
}

// Count returns the number of elements matching selector.
func (s *StaticSession) Count(ctx context.Context, selector string) (int, error) {
	doc, err := s.document()
	if err != nil {
		return 0, err
	}
	return doc.Find(selector).Length(), nil
}

// Visible reports presence; styles are not evaluated.
func (s *StaticSession) Visible(ctx context.Context, selector string) (bool, error) {
	n, err := s.Count(ctx, selector)
	return n > 0, err
}

// Click is not supported without a browser.
func (s *StaticSession) Click(ctx context.Context, selector string) error {
	return ErrUnsupported
}

// ScrollToBottom is not supported without a browser.
func (s *StaticSession) ScrollToBottom(ctx context.Context) error {
	return ErrUnsupported
}

// Close releases the session.
func (s *StaticSession) Close() error {
	s.closed = true
	s.doc = nil
	return nil
}
