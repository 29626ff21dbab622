// Package retry wraps a crawler.Fetcher with pacing and a fixed-delay retry
// policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/govdoc-harvester/internal/crawler"
	"github.com/JakeFAU/govdoc-harvester/internal/fetcher"
	"github.com/JakeFAU/govdoc-harvester/internal/metrics"
)

// StatusError carries a non-2xx response that survived every retry.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d for %s", e.StatusCode, e.URL)
}

// Unwrap maps 404 onto fetcher.ErrNotFound.
func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return fetcher.ErrNotFound
	}
	return nil
}

// Waiter paces requests; *ratelimit.Limiter satisfies it.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls the retry policy.
type Config struct {
	// Retries is the number of extra attempts after the first.
	Retries int
	Delay   time.Duration
}

// Fetcher retries transient failures of the wrapped fetcher.
type Fetcher struct {
	next    crawler.Fetcher
	limiter Waiter
	cfg     Config
	logger  *zap.Logger
}

// New wraps next. limiter may be nil.
func New(next crawler.Fetcher, limiter Waiter, cfg Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	return &Fetcher{next: next, limiter: limiter, cfg: cfg, logger: logger}
}

// Fetch returns the first 2xx/3xx response. Transport errors and retryable
// statuses are retried; a 404 or other 4xx fails immediately.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= f.cfg.Retries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, f.cfg.Delay); err != nil {
				return crawler.FetchResponse{}, err
			}
		}
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx, request.URL); err != nil {
				return crawler.FetchResponse{}, err
			}
		}

		resp, err := f.next.Fetch(ctx, request)
		if err != nil {
			metrics.ObserveFetch(request.URL, 0, 0)
			if ctx.Err() != nil {
				return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", request.URL, err)
			}
			lastErr = err
			f.logger.Debug("fetch attempt failed",
				zap.String("url", request.URL),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			continue
		}
		metrics.ObserveFetch(request.URL, resp.StatusCode, len(resp.Body))
		if resp.StatusCode < http.StatusBadRequest {
			return resp, nil
		}
		statusErr := &StatusError{URL: request.URL, StatusCode: resp.StatusCode}
		if !retryableStatus(resp.StatusCode) {
			return resp, statusErr
		}
		lastErr = statusErr
		f.logger.Debug("fetch attempt got retryable status",
			zap.String("url", request.URL),
			zap.Int("attempt", attempt+1),
			zap.Int("status", resp.StatusCode),
		)
	}
	return crawler.FetchResponse{}, fmt.Errorf("fetch %s after %d attempts: %w", request.URL, f.cfg.Retries+1, lastErr)
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	default:
		return code >= http.StatusInternalServerError
	}
}

// IsNotFound reports whether err stems from a 404.
func IsNotFound(err error) bool {
	return errors.Is(err, fetcher.ErrNotFound)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry wait: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
