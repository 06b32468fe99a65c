package scraper

import (
	"context"
	"sync"
	"time"

	"github.com/Haysam-Bin-Tahir/Array-Products-Scraper/config"
)

// retrier re-runs an operation with capped exponential backoff. Verification
// failures and cancellation are returned immediately.
type retrier struct {
	cfg     *config.Config
	metrics *Metrics

	mu           sync.Mutex
	totalRetries int
}

func newRetrier(cfg *config.Config, metrics *Metrics) *retrier {
	return &retrier{
		cfg:     cfg,
		metrics: metrics,
	}
}

// Do calls op until it succeeds or MaxRetries extra attempts are used. op
// receives the zero-based attempt number.
func (r *retrier) Do(ctx context.Context, op func(attempt int) error) error {
	for attempt := 0; ; attempt++ {
		err := op(attempt)
		if err == nil || !retryable(err) || attempt >= r.cfg.MaxRetries {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		r.mu.Lock()
		r.totalRetries++
		r.mu.Unlock()
		r.metrics.IncRetries()

		if err := sleepCtx(ctx, r.backoff(attempt+1)); err != nil {
			return err
		}
	}
}

func (r *retrier) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	base := r.cfg.RetryBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	delay := base * time.Duration(1<<(attempt-1))
	if max := r.cfg.RetryBackoffMax; max > 0 && delay > max {
		delay = max
	}
	return delay
}

// TotalRetries returns how many retries were scheduled.
func (r *retrier) TotalRetries() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalRetries
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
