package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/kakuyomu-crawler/internal/crawler"
)

// Reasons a fetch went ahead without a readable robots.txt.
const (
	robotsReasonTimeout     = "robots.txt timed out"
	robotsReasonServerError = "robots.txt returned a server error"
)

const allowAllRobots = "User-agent: *\nAllow: /"

// robotsAttempts bounds the robots.txt retry loop. It is separate from the
// page retry policy so a slow robots.txt cannot eat the page's budget.
var robotsAttempts = crawler.NewRetryPolicy(4, 250*time.Millisecond, time.Second)

// robotsGuard sits under the collector. Requests for /robots.txt are retried
// on timeouts and 5xx answers; when the file stays unreadable the crawl goes
// ahead under an allow-all policy instead of colly's disallow-all reading of
// a 5xx, and the reason is kept for the caller to log. Other requests pass
// straight through.
type robotsGuard struct {
	base  http.RoundTripper
	pause func(context.Context, time.Duration) error

	fellBack bool
	reason   string
}

func newRobotsGuard(base http.RoundTripper) *robotsGuard {
	return &robotsGuard{base: base, pause: crawler.Pause}
}

func (g *robotsGuard) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots guard: nil request")
	}
	if !strings.EqualFold(req.URL.Path, "/robots.txt") {
		resp, err := g.base.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("roundtrip %s: %w", req.URL, err)
		}
		return resp, nil
	}
	return g.fetchRobots(req)
}

func (g *robotsGuard) fetchRobots(req *http.Request) (*http.Response, error) {
	for attempt := 1; ; attempt++ {
		resp, err := g.base.RoundTrip(req.Clone(req.Context()))
		reason := ""
		switch {
		case err != nil && !isTimeout(err):
			return nil, fmt.Errorf("robots.txt: %w", err)
		case err != nil:
			reason = robotsReasonTimeout
		case resp.StatusCode >= http.StatusInternalServerError:
			_ = resp.Body.Close()
			reason = robotsReasonServerError
		default:
			return resp, nil
		}

		if attempt >= robotsAttempts.MaxAttempts() {
			g.fellBack = true
			g.reason = reason
			return allowAll(req), nil
		}
		if err := g.pause(req.Context(), robotsAttempts.Backoff(attempt)); err != nil {
			return nil, fmt.Errorf("robots.txt backoff: %w", err)
		}
	}
}

func allowAll(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Body:          io.NopCloser(strings.NewReader(allowAllRobots)),
		ContentLength: int64(len(allowAllRobots)),
		Header:        http.Header{"Content-Type": {"text/plain"}},
		Request:       req,
	}
}

// isTimeout covers dial and TLS handshake timeouts as well as deadline errors.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "handshake timeout")
}
