package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/kakuyomu-crawler/internal/crawler"
)

// ErrNotConfigured is wrapped by every Noop fetch.
var ErrNotConfigured = errors.New("headless fetcher not configured")

// Noop stands in when headless rendering is disabled. Every fetch fails
// permanently so callers never retry it.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always fails.
func (Noop) Fetch(_ context.Context, url string) (string, error) {
	return "", crawler.NewPermanentError(url, 0, ErrNotConfigured)
}
