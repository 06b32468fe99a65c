// Package browser drives the pages an agent visits. A Session is one browser
// tab (or one HTTP client for the static engine) owned by a single agent.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	// ErrUnsupported is returned by engines that cannot perform an
	// interaction, such as clicking in the static engine.
	ErrUnsupported = errors.New("browser: operation not supported by engine")
	// ErrElementNotFound is returned when a selector does not appear in time.
	ErrElementNotFound = errors.New("browser: element not found")
	// ErrClosed is returned when a closed session is used.
	ErrClosed = errors.New("browser: session closed")
)

// StatusError reports an HTTP error status for a navigation.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d for %s", e.Code, e.URL)
}

// Session is a single page an agent navigates sequentially. Sessions are not
// safe for concurrent use.
type Session interface {
	// Navigate loads url and returns the final URL after redirects.
	Navigate(ctx context.Context, url string) (string, error)
	// WaitFor blocks until selector matches or timeout elapses.
	WaitFor(ctx context.Context, selector string, timeout time.Duration) error
	// HTML returns the current document.
	HTML(ctx context.Context) (string, error)
	// Count returns how many elements currently match selector.
	Count(ctx context.Context, selector string) (int, error)
	// Visible reports whether any element matching selector is displayed.
	Visible(ctx context.Context, selector string) (bool, error)
	// Click clicks the first visible element matching selector.
	Click(ctx context.Context, selector string) error
	// ScrollToBottom scrolls the document to its end.
	ScrollToBottom(ctx context.Context) error
	Close() error
}

// Factory creates sessions.
type Factory interface {
	NewSession(ctx context.Context) (Session, error)
}

// NewSessionWithRetry asks factory for a session up to attempts times,
// waiting delay between failures.
func NewSessionWithRetry(ctx context.Context, factory Factory, attempts int, delay time.Duration) (Session, error) {
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		session, err := factory.NewSession(ctx)
		if err == nil {
			return session, nil
		}
		lastErr = err
		slog.Warn("session start failed",
			slog.Int("attempt", attempt),
			slog.Int("attempts", attempts),
			slog.Any("error", err),
		)
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("start session after %d attempts: %w", attempts, lastErr)
}
