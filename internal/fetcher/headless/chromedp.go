// Package headless contains page fetchers that render JavaScript in a browser.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/kakuyomu-crawler/internal/crawler"
)

const (
	defaultNavTimeout = 45 * time.Second
	defaultSettle     = 3 * time.Second
	pollInterval      = 100 * time.Millisecond
)

// DefaultReadySelector matches the elements extraction reads: work links on
// listing and detail pages, publication dates on chapter indexes.
const DefaultReadySelector = "a[href*='/works/'], time[datetime]"

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// ReadySelector is polled after the body is ready; the DOM is captured as
	// soon as it matches or SettleDelay runs out, whichever is first.
	ReadySelector string
	SettleDelay   time.Duration
	Headers       http.Header
}

// Fetcher implements crawler.PageFetcher using chromedp and headless Chrome.
type Fetcher struct {
	cfg         Config
	slots       chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a headless fetcher backed by chromedp. The browser is
// started lazily on the first fetch.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettle
	}
	if cfg.ReadySelector == "" {
		cfg.ReadySelector = DefaultReadySelector
	}
	var slots chan struct{}
	if cfg.MaxParallel > 0 {
		slots = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
		chromedp.Flag("lang", "ja-JP"),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		slots:       slots,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close shuts the browser down.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch navigates with a headless browser and returns the rendered DOM.
// Navigation failures are transient; a 4xx/5xx document status is classified
// like a static fetch.
func (f *Fetcher) Fetch(ctx context.Context, url string) (string, error) {
	if err := f.acquire(ctx); err != nil {
		return "", err
	}
	defer f.release()

	tabCtx, closeTab := chromedp.NewContext(f.allocator)
	defer closeTab()
	tabCtx, cancel := context.WithTimeout(tabCtx, f.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	doc := &documentStatus{}
	chromedp.ListenTarget(tabCtx, doc.observe)

	html, err := f.render(tabCtx, url)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("headless fetch canceled: %w", ctxErr)
		}
		return "", crawler.NewTransientError(url, 0, err)
	}

	if status, finalURL := doc.result(url); status >= http.StatusBadRequest {
		return "", &crawler.FetchError{
			URL:        finalURL,
			Kind:       crawler.KindForStatus(status),
			StatusCode: status,
			Err:        fmt.Errorf("document status %d", status),
		}
	}
	return html, nil
}

func (f *Fetcher) render(ctx context.Context, url string) (string, error) {
	var html string
	err := chromedp.Run(ctx,
		f.setup(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		waitForSelector(f.cfg.ReadySelector, f.cfg.SettleDelay),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, nil
}

func (f *Fetcher) setup() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(f.cfg.Headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(f.cfg.Headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// waitForSelector polls until selector matches or budget runs out. Running
// out is not an error: the page is captured as rendered so far and missing
// fields come out unknown.
func waitForSelector(selector string, budget time.Duration) chromedp.Action {
	expr := "document.querySelector(" + strconv.Quote(selector) + ") !== null"
	return chromedp.ActionFunc(func(ctx context.Context) error {
		deadline := time.Now().Add(budget)
		for {
			var found bool
			if err := chromedp.Evaluate(expr, &found).Do(ctx); err != nil {
				return fmt.Errorf("poll %q: %w", selector, err)
			}
			if found || time.Now().After(deadline) {
				return nil
			}
			if err := crawler.Pause(ctx, pollInterval); err != nil {
				return err
			}
		}
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.slots == nil {
		return nil
	}
	select {
	case f.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.slots == nil {
		return
	}
	<-f.slots
}

// documentStatus remembers the status of the last top-level document
// response seen on the tab.
type documentStatus struct {
	mu     sync.Mutex
	status int
	url    string
}

func (d *documentStatus) observe(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	d.mu.Lock()
	d.status = int(resp.Response.Status)
	d.url = resp.Response.URL
	d.mu.Unlock()
}

// result falls back to 200 and the requested URL when no document response
// was observed, as happens for pages served from the browser cache.
func (d *documentStatus) result(requestURL string) (int, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	status, url := d.status, d.url
	if status == 0 {
		status = http.StatusOK
	}
	if url == "" {
		url = requestURL
	}
	return status, url
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			headers[key] = values[0]
		default:
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
