// Package fetcher composes page fetchers: politeness throttling, bounded
// retries and headless promotion are layered over a transport fetcher.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/kakuyomu-crawler/internal/crawler"
	"github.com/JakeFAU/kakuyomu-crawler/internal/metrics"
)

// Waiter blocks until the next request to url is allowed.
type Waiter interface {
	Wait(ctx context.Context, url string) error
}

// Policy decides whether a URL may be fetched at all.
type Policy interface {
	AllowFetch(url string) bool
}

// Resilient wraps a PageFetcher with the politeness delay and the single
// retry policy. Every attempt, retries included, waits for the limiter.
type Resilient struct {
	next    crawler.PageFetcher
	waiter  Waiter
	policy  Policy
	retry   *crawler.RetryPolicy
	logger  *zap.Logger
	sleeper func(ctx context.Context, d time.Duration) error
}

// NewResilient builds a Resilient fetcher. waiter and policy may be nil.
func NewResilient(
	next crawler.PageFetcher,
	waiter Waiter,
	policy Policy,
	retry *crawler.RetryPolicy,
	logger *zap.Logger,
) *Resilient {
	if retry == nil {
		retry = crawler.NewExponentialRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resilient{
		next:    next,
		waiter:  waiter,
		policy:  policy,
		retry:   retry,
		logger:  logger,
		sleeper: crawler.Pause,
	}
}

// Fetch fetches url, retrying transient failures. An exhausted transient
// failure is returned as permanent for that item.
func (r *Resilient) Fetch(ctx context.Context, url string) (string, error) {
	if r.policy != nil && !r.policy.AllowFetch(url) {
		metrics.ObserveFetch(url, "blocked", 0)
		return "", crawler.NewPermanentError(url, 0, ErrBlocked)
	}
	for attempt := 1; ; attempt++ {
		if r.waiter != nil {
			if err := r.waiter.Wait(ctx, url); err != nil {
				return "", fmt.Errorf("politeness wait for %s: %w", url, err)
			}
		}
		html, err := r.next.Fetch(ctx, url)
		if err == nil {
			metrics.ObserveFetch(url, "ok", len(html))
			return html, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("fetch %s: %w", url, ctxErr)
		}
		if !r.retry.ShouldRetry(err, attempt) {
			metrics.ObserveFetch(url, outcome(err), 0)
			return "", crawler.AsPermanent(asFetchError(url, err))
		}
		delay := r.retry.Backoff(attempt)
		metrics.ObserveRetry(url)
		r.logger.Warn("transient fetch failure, retrying",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if err := r.sleeper(ctx, delay); err != nil {
			return "", fmt.Errorf("retry backoff for %s: %w", url, err)
		}
	}
}

// ErrBlocked marks a URL refused by the fetch policy.
var ErrBlocked = errors.New("url blocked by fetch policy")

func asFetchError(url string, err error) error {
	var fe *crawler.FetchError
	if errors.As(err, &fe) {
		return err
	}
	return crawler.NewTransientError(url, 0, err)
}

func outcome(err error) string {
	if errors.Is(err, crawler.ErrPermanent) {
		return "permanent"
	}
	return "transient"
}
