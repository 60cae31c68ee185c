// Package listing walks the ranked, paginated work listing one page at a time
// and yields provisional work candidates in the site's ranking order.
package listing

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/JakeFAU/kakuyomu-crawler/internal/crawler"
	"github.com/JakeFAU/kakuyomu-crawler/internal/extract"
)

// StopReason explains why a traversal ended.
type StopReason int

// Stop reasons.
const (
	NotStopped StopReason = iota
	StopEndOfResults
	StopEarly
	StopPageCeiling
	StopFetchFailed
	StopCanceled
)

func (r StopReason) String() string {
	switch r {
	case NotStopped:
		return "running"
	case StopEndOfResults:
		return "end_of_results"
	case StopEarly:
		return "early_stop"
	case StopPageCeiling:
		return "page_ceiling"
	case StopFetchFailed:
		return "fetch_failed"
	case StopCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Config controls traversal bounds and the early-stop heuristic.
type Config struct {
	BaseURL  string
	SiteRoot string
	MaxPages int
	// EarlyStop enables the low-star tail heuristic. It assumes the listing
	// rank tracks the star count and can truncate the crawl when it does not.
	EarlyStop        bool
	EarlyStopMinTail int
	// EarlyStopFraction is the share of a page's cards the low-star tail must
	// cover. Values below 0.5 are raised to 0.5.
	EarlyStopFraction float64
	MinStars          int
	// MaxConsecutiveFailures ends the traversal after that many listing pages
	// in a row fail to fetch or parse. Isolated failures are skipped.
	MaxConsecutiveFailures int
}

// Defaults applied by New when the corresponding Config field is unset.
const (
	DefaultEarlyStopFraction      = 0.5
	DefaultMaxConsecutiveFailures = 3
)

// Item is one provisional candidate and the page it came from.
type Item struct {
	Candidate *crawler.CandidateBuilder
	Page      int
}

// Page is the result of one listing request.
type Page struct {
	Index int
	URL   string
	HTML  string
	Cards int
	Items []Item
	// Skipped counts cards that carried no usable work link.
	Skipped int
}

// Traverser yields listing pages lazily. It is not safe for concurrent use.
type Traverser struct {
	fetcher   crawler.PageFetcher
	extractor *extract.Extractor
	cfg       Config
	logger    *zap.Logger

	next     int
	reason   StopReason
	failures int
	streak   int
}

// New constructs a Traverser starting at page 1.
func New(fetcher crawler.PageFetcher, extractor *extract.Extractor, cfg Config, logger *zap.Logger) *Traverser {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 1
	}
	if cfg.SiteRoot == "" {
		cfg.SiteRoot = cfg.BaseURL
	}
	if cfg.EarlyStopFraction < DefaultEarlyStopFraction {
		cfg.EarlyStopFraction = DefaultEarlyStopFraction
	}
	if cfg.EarlyStopFraction > 1 {
		cfg.EarlyStopFraction = 1
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	return &Traverser{
		fetcher:   fetcher,
		extractor: extractor,
		cfg:       cfg,
		logger:    logger,
		next:      1,
	}
}

// Reason returns why the traversal stopped, or NotStopped while pages remain.
func (t *Traverser) Reason() StopReason {
	return t.reason
}

// Failures returns how many listing pages were skipped because they could not
// be fetched or parsed.
func (t *Traverser) Failures() int {
	return t.failures
}

// Next fetches and parses the next listing page. It returns false once the
// sequence has ended. A page that cannot be fetched is logged and skipped;
// the error is non-nil only for cancellation or once MaxConsecutiveFailures
// pages in a row have failed.
func (t *Traverser) Next(ctx context.Context) (Page, bool, error) {
	for {
		if t.reason != NotStopped {
			return Page{}, false, nil
		}
		if t.next > t.cfg.MaxPages {
			t.stop(StopPageCeiling, t.next-1)
			return Page{}, false, nil
		}
		if err := ctx.Err(); err != nil {
			t.reason = StopCanceled
			return Page{}, false, fmt.Errorf("listing canceled: %w", err)
		}

		index := t.next
		t.next++

		page, err := t.fetchPage(ctx, index)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				t.reason = StopCanceled
				return Page{}, false, err
			}
			t.failures++
			t.streak++
			if t.streak >= t.cfg.MaxConsecutiveFailures {
				t.reason = StopFetchFailed
				t.logger.Warn("listing traversal stopped after consecutive failures",
					zap.Int("page", index), zap.Int("consecutive", t.streak), zap.Error(err))
				return Page{}, false, err
			}
			t.logger.Warn("listing page skipped", zap.Int("page", index), zap.Error(err))
			continue
		}
		t.streak = 0

		if page.Cards == 0 {
			t.stop(StopEndOfResults, index)
			return Page{}, false, nil
		}
		t.logger.Info("listing page parsed",
			zap.Int("page", index),
			zap.Int("cards", page.Cards),
			zap.Int("items", len(page.Items)),
			zap.Int("skipped", page.Skipped),
		)

		if t.cfg.EarlyStop && t.lowStarTail(page) {
			// The page is still yielded; only later pages are dropped.
			t.stop(StopEarly, index)
		} else if index >= t.cfg.MaxPages {
			t.stop(StopPageCeiling, index)
		}
		return page, true, nil
	}
}

func (t *Traverser) fetchPage(ctx context.Context, index int) (Page, error) {
	pageURL, err := crawler.PageURL(t.cfg.BaseURL, index)
	if err != nil {
		return Page{}, crawler.NewPermanentError(t.cfg.BaseURL, 0, err)
	}
	html, err := t.fetcher.Fetch(ctx, pageURL)
	if err != nil {
		return Page{}, fmt.Errorf("fetch listing page %d: %w", index, err)
	}
	return t.parse(index, pageURL, html)
}

func (t *Traverser) parse(index int, pageURL, html string) (Page, error) {
	doc, err := extract.Parse(html)
	if err != nil {
		return Page{}, crawler.NewPermanentError(pageURL, 0, err)
	}
	page := Page{Index: index, URL: pageURL, HTML: html}
	cards := t.extractor.Cards(doc)
	page.Cards = len(cards)
	for i, card := range cards {
		title, href, ok := t.extractor.WorkLink(card)
		if !ok {
			page.Skipped++
			t.logger.Debug("card without work link", zap.Int("page", index), zap.Int("card", i))
			continue
		}
		workURL, err := crawler.CanonicalWorkURL(t.cfg.SiteRoot, href)
		if err != nil {
			page.Skipped++
			t.logger.Debug("card link is not a work", zap.Int("page", index), zap.String("href", href), zap.Error(err))
			continue
		}
		b := crawler.NewCandidate(title, workURL)
		b.MergeListing(t.extractor.CardFields(card))
		page.Items = append(page.Items, Item{Candidate: b, Page: index})
	}
	return page, nil
}

// lowStarTail reports whether the trailing run of known sub-threshold star
// counts reaches max(EarlyStopMinTail, ceil(cards*EarlyStopFraction)). Unknown
// counts break the run.
func (t *Traverser) lowStarTail(page Page) bool {
	tail := 0
	for i := len(page.Items) - 1; i >= 0; i-- {
		stars, ok := page.Items[i].Candidate.Provisional().StarCount.Get()
		if !ok || stars >= t.cfg.MinStars {
			break
		}
		tail++
	}
	need := max(t.cfg.EarlyStopMinTail, int(math.Ceil(t.cfg.EarlyStopFraction*float64(page.Cards))))
	return tail > 0 && tail >= need
}

func (t *Traverser) stop(reason StopReason, page int) {
	t.reason = reason
	t.logger.Info("listing traversal stopped", zap.String("reason", reason.String()), zap.Int("page", page))
}
