// Package chapters finds the earliest publication date of a work by walking
// its paginated chapter index.
package chapters

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/kakuyomu-crawler/internal/crawler"
	"github.com/JakeFAU/kakuyomu-crawler/internal/extract"
)

// Config bounds a traversal.
type Config struct {
	// PathSuffix is appended to the work URL to form the index entry URL.
	PathSuffix string
	MaxPages   int
	// MinFirstPublished enables the safe early exit: once the running minimum
	// is before it, later pages cannot change the verdict.
	MinFirstPublished time.Time
}

// Result is the outcome of one work's traversal.
type Result struct {
	Earliest     crawler.Opt[time.Time]
	PagesVisited int
	StoppedEarly bool
	BoundReached bool
	UsedFallback bool
}

// Traverser walks chapter indexes. It keeps no state between works.
type Traverser struct {
	fetcher   crawler.PageFetcher
	extractor *extract.Extractor
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Traverser.
func New(fetcher crawler.PageFetcher, extractor *extract.Extractor, cfg Config, logger *zap.Logger) *Traverser {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 1
	}
	return &Traverser{fetcher: fetcher, extractor: extractor, cfg: cfg, logger: logger}
}

// EntryURL returns the chapter index URL for a work.
func (t *Traverser) EntryURL(workURL string) string {
	return strings.TrimSuffix(workURL, "/") + t.cfg.PathSuffix
}

// Earliest returns the earliest chapter date for the work at workURL. When the
// entry page cannot be fetched, detailHTML is scanned as a one-page index.
// Only cancellation is returned as an error.
func (t *Traverser) Earliest(ctx context.Context, workURL, detailHTML string) (Result, error) {
	var res Result
	visited := map[string]struct{}{}
	current := t.EntryURL(workURL)

	for {
		if res.PagesVisited >= t.cfg.MaxPages {
			res.BoundReached = true
			t.logger.Warn("chapter index page ceiling reached",
				zap.String("url", workURL),
				zap.Int("pages", res.PagesVisited),
			)
			return res, nil
		}
		visited[visitKey(current)] = struct{}{}

		html, err := t.fetcher.Fetch(ctx, current)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return res, fmt.Errorf("chapter index %s: %w", current, err)
			}
			if res.PagesVisited == 0 {
				t.logger.Info("chapter index unavailable, scanning detail page",
					zap.String("url", workURL),
					zap.Error(err),
				)
				return t.fallback(detailHTML), nil
			}
			t.logger.Warn("chapter index page failed", zap.String("url", current), zap.Error(err))
			return res, nil
		}
		res.PagesVisited++

		doc, err := extract.Parse(html)
		if err != nil {
			t.logger.Warn("chapter index page unparseable", zap.String("url", current), zap.Error(err))
			return res, nil
		}
		dates := t.extractor.Dates(doc.Selection)
		if len(dates) == 0 {
			return res, nil
		}
		res.Earliest = fold(res.Earliest, dates)

		if t.belowThreshold(res.Earliest) {
			res.StoppedEarly = true
			return res, nil
		}

		href, ok := t.extractor.NextLink(doc.Selection)
		if !ok {
			return res, nil
		}
		next, err := crawler.ResolveURL(current, href)
		if err != nil {
			t.logger.Debug("next link unresolvable", zap.String("href", href), zap.Error(err))
			return res, nil
		}
		if _, seen := visited[visitKey(next)]; seen {
			t.logger.Debug("chapter index cycle", zap.String("url", next))
			return res, nil
		}
		current = next
	}
}

// visitKey ignores fragments, query order and default ports when detecting
// cycles.
func visitKey(u string) string {
	if n, err := crawler.NormalizeURL(u); err == nil {
		return n
	}
	return u
}

func (t *Traverser) fallback(detailHTML string) Result {
	res := Result{UsedFallback: true}
	if strings.TrimSpace(detailHTML) == "" {
		return res
	}
	doc, err := extract.Parse(detailHTML)
	if err != nil {
		return res
	}
	res.PagesVisited = 1
	res.Earliest = fold(res.Earliest, t.extractor.Dates(doc.Selection))
	return res
}

func (t *Traverser) belowThreshold(earliest crawler.Opt[time.Time]) bool {
	if t.cfg.MinFirstPublished.IsZero() {
		return false
	}
	d, ok := earliest.Get()
	return ok && d.Before(t.cfg.MinFirstPublished)
}

func fold(current crawler.Opt[time.Time], dates []time.Time) crawler.Opt[time.Time] {
	for _, d := range dates {
		d = crawler.TruncateToDate(d)
		if m, ok := current.Get(); !ok || d.Before(m) {
			current = crawler.Some(d)
		}
	}
	return current
}
