package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/Haysam-Bin-Tahir/Array-Products-Scraper/browser"
)

// ErrSession indicates the browser could not be started.
type ErrSession struct {
	Err error
}

func (e ErrSession) Error() string {
	return fmt.Errorf("session: %w", e.Err).Error()
}

func (e ErrSession) Unwrap() error {
	return e.Err
}

// ErrNavigation indicates a page could not be loaded: a network failure, an
// HTTP error status or a redirect away from the allowed region.
type ErrNavigation struct {
	URL string
	Err error
}

func (e ErrNavigation) Error() string {
	return fmt.Errorf("navigation %s: %w", e.URL, e.Err).Error()
}

func (e ErrNavigation) Unwrap() error {
	return e.Err
}

// ErrTimeout indicates a page load or wait exceeded its deadline.
type ErrTimeout struct {
	Err error
}

func (e ErrTimeout) Error() string {
	return fmt.Errorf("timeout: %w", e.Err).Error()
}

func (e ErrTimeout) Unwrap() error {
	return e.Err
}

// ErrMissingElement indicates a marker selector never appeared.
type ErrMissingElement struct {
	Selector string
	Err      error
}

func (e ErrMissingElement) Error() string {
	return fmt.Errorf("missing element %q: %w", e.Selector, e.Err).Error()
}

func (e ErrMissingElement) Unwrap() error {
	return e.Err
}

// ErrVerification indicates a scraped record lacks a required field.
type ErrVerification struct {
	Err error
}

func (e ErrVerification) Error() string {
	return fmt.Errorf("verification: %w", e.Err).Error()
}

func (e ErrVerification) Unwrap() error {
	return e.Err
}

// ErrOutput indicates the agent's output can no longer be written.
type ErrOutput struct {
	Err error
}

func (e ErrOutput) Error() string {
	return fmt.Errorf("output: %w", e.Err).Error()
}

func (e ErrOutput) Unwrap() error {
	return e.Err
}

// errRegionRedirect is wrapped in ErrNavigation when a site sends the
// browser outside the configured path prefix.
var errRegionRedirect = errors.New("redirected outside allowed region")

func errorTypeLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	var session ErrSession
	if errors.As(err, &session) {
		return "session"
	}
	var timeout ErrTimeout
	if errors.As(err, &timeout) {
		return "timeout"
	}
	var missing ErrMissingElement
	if errors.As(err, &missing) {
		return "missing_element"
	}
	var verification ErrVerification
	if errors.As(err, &verification) {
		return "verification"
	}
	var navigation ErrNavigation
	if errors.As(err, &navigation) {
		return "navigation"
	}
	var output ErrOutput
	if errors.As(err, &output) {
		return "output"
	}
	return "other"
}

// classifyError wraps a raw session error for url in the matching typed
// error. Errors that are already typed pass through.
func classifyError(err error, url string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	switch err.(type) {
	case ErrSession, ErrNavigation, ErrTimeout, ErrMissingElement, ErrVerification, ErrOutput:
		return err
	}

	if errors.Is(err, browser.ErrElementNotFound) {
		return ErrMissingElement{Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout{Err: err}
	}
	// HTTP status errors, dial failures and anything else the session
	// reports while loading a page.
	return ErrNavigation{URL: url, Err: err}
}

// retryable reports whether another attempt with a fresh session may help.
// Session failures already went through NewSessionWithRetry.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var (
		verification ErrVerification
		session      ErrSession
		output       ErrOutput
	)
	return !errors.As(err, &verification) && !errors.As(err, &session) && !errors.As(err, &output)
}
