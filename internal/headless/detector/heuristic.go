// Package detector decides when a statically fetched page must be re-fetched
// with the headless browser.
package detector

import (
	"strings"
)

// DefaultThreshold is the score at which a page is promoted.
const DefaultThreshold = 60

// Signal weights. Content markers short-circuit to zero before any of these
// are counted.
const (
	weightEmpty        = 100
	weightShellMarker  = 40
	weightScriptHeavy  = 40
	weightShortBody    = 20
	shortBodyBytes     = 2048
	scriptHeavyPercent = 25
)

// contentMarkers prove the server already rendered what extraction reads.
var contentMarkers = []string{
	`href="/works/`,
	`<time`,
}

// shellMarkers are mount points of client-rendered applications.
var shellMarkers = []string{
	`id="__next"`,
	`__NEXT_DATA__`,
	`id="root"`,
	`id="app"`,
	`data-reactroot`,
}

// Heuristic scores a static body and promotes when the score reaches
// Threshold.
type Heuristic struct {
	Threshold int
}

// NewHeuristic creates a detector. A non-positive threshold selects
// DefaultThreshold.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Heuristic{Threshold: threshold}
}

// ShouldPromote reports whether html looks like an unrendered shell.
func (h *Heuristic) ShouldPromote(html string) bool {
	return Score(html) >= h.Threshold
}

// Score rates how likely html is to be an unrendered application shell.
func Score(html string) int {
	trimmed := strings.TrimSpace(html)
	if trimmed == "" {
		return weightEmpty
	}
	for _, marker := range contentMarkers {
		if strings.Contains(html, marker) {
			return 0
		}
	}

	score := 0
	for _, marker := range shellMarkers {
		if strings.Contains(html, marker) {
			score += weightShellMarker
			break
		}
	}
	if len(trimmed) < shortBodyBytes {
		score += weightShortBody
	}
	if scriptPercent(html) >= scriptHeavyPercent {
		score += weightScriptHeavy
	}
	return score
}

// scriptPercent is the share of the document, in percent, taken up by
// <script> elements. An unterminated script runs to the end of the document.
func scriptPercent(html string) int {
	lower := strings.ToLower(html)
	if lower == "" {
		return 0
	}
	covered := 0
	rest := lower
	for {
		start := strings.Index(rest, "<script")
		if start < 0 {
			break
		}
		rest = rest[start:]
		end := strings.Index(rest, "</script>")
		if end < 0 {
			covered += len(rest)
			break
		}
		end += len("</script>")
		covered += end
		rest = rest[end:]
	}
	return covered * 100 / len(lower)
}
