// Package collyfetcher implements crawler.PageFetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/kakuyomu-crawler/internal/crawler"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	Headers       http.Header
}

// Fetcher fetches static HTML with a Colly collector.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
	logger        *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// result collects what the hooks observed for one visit.
type result struct {
	body   string
	status int
	err    error
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	// Retries visit the same URL again, so the shared visit store must allow it.
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	transport := newHTTPTransport()
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
		logger:        logger,
	}
}

// Fetch executes a single HTTP GET and returns the response body as text.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	var res result
	collector, guard := f.buildCollector(&res)

	if err := f.runCollector(ctx, collector, rawURL, &res); err != nil {
		return "", err
	}
	if guard != nil && guard.fellBack {
		f.logger.Warn("robots.txt unavailable, proceeding as allowed",
			zap.String("url", rawURL),
			zap.String("reason", guard.reason),
		)
	}
	return res.body, nil
}

func (f *Fetcher) buildCollector(res *result) (*colly.Collector, *robotsGuard) {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	var guard *robotsGuard
	baseTransport := f.transport
	if baseTransport == nil {
		baseTransport = newHTTPTransport()
	}
	if f.cfg.RespectRobots {
		guard = newRobotsGuard(baseTransport)
		collector.WithTransport(guard)
	} else {
		collector.WithTransport(baseTransport)
	}

	f.configureCollectorHooks(collector, res)
	return collector, guard
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, res *result) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		res.body = string(r.Body)
		res.status = r.StatusCode
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			res.status = r.StatusCode
		}
		res.err = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, rawURL string, res *result) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if res.err != nil {
			err = res.err
		}
		if err != nil {
			return classify(rawURL, res.status, err)
		}
		return nil
	}
}

func (f *Fetcher) copyHeaders(r *colly.Request) {
	for key, values := range f.cfg.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

// classify maps a collector failure onto the fetch error taxonomy.
func classify(rawURL string, status int, err error) *crawler.FetchError {
	if status > 0 {
		return &crawler.FetchError{URL: rawURL, Kind: crawler.KindForStatus(status), StatusCode: status, Err: err}
	}
	switch {
	case errors.Is(err, colly.ErrRobotsTxtBlocked),
		errors.Is(err, colly.ErrForbiddenDomain),
		errors.Is(err, colly.ErrForbiddenURL),
		errors.Is(err, colly.ErrMissingURL),
		errors.Is(err, colly.ErrMaxDepth):
		return crawler.NewPermanentError(rawURL, 0, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Op == "parse" {
		return crawler.NewPermanentError(rawURL, 0, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return crawler.NewTransientError(rawURL, 0, err)
	}
	return crawler.NewPermanentError(rawURL, 0, err)
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
