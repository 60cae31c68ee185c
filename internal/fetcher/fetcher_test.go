package fetcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/kakuyomu-crawler/internal/crawler"
)

type scriptedFetcher struct {
	mu      sync.Mutex
	results []scriptedResult
	calls   int
}

type scriptedResult struct {
	html string
	err  error
}

func (s *scriptedFetcher) Fetch(_ context.Context, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	s.calls++
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	return s.results[idx].html, s.results[idx].err
}

type countingWaiter struct {
	calls int
	err   error
}

func (w *countingWaiter) Wait(_ context.Context, _ string) error {
	w.calls++
	return w.err
}

type denyAll struct{}

func (denyAll) AllowFetch(string) bool { return false }

func newTestResilient(next crawler.PageFetcher, waiter Waiter, attempts int) *Resilient {
	r := NewResilient(next, waiter, nil, crawler.NewRetryPolicy(attempts, time.Millisecond, time.Millisecond), nil)
	r.sleeper = func(context.Context, time.Duration) error { return nil }
	return r
}

func TestResilientRetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()

	next := &scriptedFetcher{results: []scriptedResult{
		{err: crawler.NewTransientError("u", 503, errors.New("unavailable"))},
		{err: crawler.NewTransientError("u", 429, errors.New("slow down"))},
		{html: "<html>ok</html>"},
	}}
	waiter := &countingWaiter{}
	html, err := newTestResilient(next, waiter, 3).Fetch(context.Background(), "https://kakuyomu.jp/works/1")
	require.NoError(t, err)
	require.Equal(t, "<html>ok</html>", html)
	require.Equal(t, 3, next.calls)
	require.Equal(t, 3, waiter.calls, "every attempt is throttled")
}

func TestResilientExhaustedTransientBecomesPermanent(t *testing.T) {
	t.Parallel()

	next := &scriptedFetcher{results: []scriptedResult{
		{err: crawler.NewTransientError("u", 503, errors.New("unavailable"))},
	}}
	_, err := newTestResilient(next, nil, 3).Fetch(context.Background(), "https://kakuyomu.jp/works/1")
	require.ErrorIs(t, err, crawler.ErrPermanent)
	require.Equal(t, 3, next.calls)
}

func TestResilientDoesNotRetryPermanent(t *testing.T) {
	t.Parallel()

	next := &scriptedFetcher{results: []scriptedResult{
		{err: crawler.NewPermanentError("u", 404, errors.New("not found"))},
	}}
	_, err := newTestResilient(next, nil, 5).Fetch(context.Background(), "https://kakuyomu.jp/works/1")
	require.ErrorIs(t, err, crawler.ErrPermanent)
	require.Equal(t, 1, next.calls)
}

func TestResilientPolicyBlocks(t *testing.T) {
	t.Parallel()

	next := &scriptedFetcher{results: []scriptedResult{{html: "x"}}}
	r := NewResilient(next, nil, denyAll{}, nil, nil)
	_, err := r.Fetch(context.Background(), "https://elsewhere.example/")
	require.ErrorIs(t, err, ErrBlocked)
	require.ErrorIs(t, err, crawler.ErrPermanent)
	require.Zero(t, next.calls)
}

func TestResilientWaiterErrorStops(t *testing.T) {
	t.Parallel()

	next := &scriptedFetcher{results: []scriptedResult{{html: "x"}}}
	waiter := &countingWaiter{err: context.Canceled}
	_, err := newTestResilient(next, waiter, 3).Fetch(context.Background(), "https://kakuyomu.jp/")
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, next.calls)
}

type stubDetector bool

func (d stubDetector) ShouldPromote(string) bool { return bool(d) }

func TestPromotingUsesHeadlessWhenFlagged(t *testing.T) {
	t.Parallel()

	probe := &scriptedFetcher{results: []scriptedResult{{html: `<div id="__next"></div>`}}}
	headless := &scriptedFetcher{results: []scriptedResult{{html: "<html>rendered</html>"}}}
	html, err := NewPromoting(probe, headless, stubDetector(true), nil).Fetch(context.Background(), "u")
	require.NoError(t, err)
	require.Equal(t, "<html>rendered</html>", html)
}

func TestPromotingKeepsStaticBody(t *testing.T) {
	t.Parallel()

	probe := &scriptedFetcher{results: []scriptedResult{{html: "<html>static</html>"}}}
	headless := &scriptedFetcher{results: []scriptedResult{{html: "unused"}}}
	html, err := NewPromoting(probe, headless, stubDetector(false), nil).Fetch(context.Background(), "u")
	require.NoError(t, err)
	require.Equal(t, "<html>static</html>", html)
	require.Zero(t, headless.calls)

	failing := &scriptedFetcher{results: []scriptedResult{{err: errors.New("no chrome")}}}
	probe = &scriptedFetcher{results: []scriptedResult{{html: "<html>shell</html>"}}}
	html, err = NewPromoting(probe, failing, stubDetector(true), nil).Fetch(context.Background(), "u")
	require.NoError(t, err)
	require.Equal(t, "<html>shell</html>", html)
}

func TestPromotingPropagatesProbeError(t *testing.T) {
	t.Parallel()

	probe := &scriptedFetcher{results: []scriptedResult{{err: crawler.NewPermanentError("u", 404, errors.New("gone"))}}}
	_, err := NewPromoting(probe, nil, nil, nil).Fetch(context.Background(), "u")
	require.ErrorIs(t, err, crawler.ErrPermanent)
}
