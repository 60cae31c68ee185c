package fetcher

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/kakuyomu-crawler/internal/crawler"
	"github.com/JakeFAU/kakuyomu-crawler/internal/metrics"
)

// Detector reports whether statically fetched HTML needs a browser render.
type Detector interface {
	ShouldPromote(html string) bool
}

// Promoting fetches with a static fetcher first and re-fetches through the
// headless fetcher when the detector flags the result as an unrendered shell.
type Promoting struct {
	probe    crawler.PageFetcher
	headless crawler.PageFetcher
	detector Detector
	logger   *zap.Logger
}

// NewPromoting builds a Promoting fetcher. A nil headless fetcher or detector
// disables promotion.
func NewPromoting(probe, headless crawler.PageFetcher, detector Detector, logger *zap.Logger) *Promoting {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Promoting{probe: probe, headless: headless, detector: detector, logger: logger}
}

// Fetch implements crawler.PageFetcher.
func (p *Promoting) Fetch(ctx context.Context, url string) (string, error) {
	html, err := p.probe.Fetch(ctx, url)
	if err != nil {
		return "", err
	}
	if p.headless == nil || p.detector == nil || !p.detector.ShouldPromote(html) {
		return html, nil
	}
	metrics.ObserveHeadlessPromotion()
	rendered, err := p.headless.Fetch(ctx, url)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		// The static body is still usable; extraction degrades to unknown values.
		p.logger.Warn("headless promotion failed, using static body", zap.String("url", url), zap.Error(err))
		return html, nil
	}
	p.logger.Debug("page promoted to headless", zap.String("url", url))
	return rendered, nil
}
