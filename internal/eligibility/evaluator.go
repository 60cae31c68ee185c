// Package eligibility decides whether a finalized work candidate passes the
// conjunctive filter. Every predicate is evaluated independently and an
// unknown field always fails its predicate.
package eligibility

import (
	"time"

	"github.com/JakeFAU/kakuyomu-crawler/internal/crawler"
)

// Thresholds is the immutable filter configuration for a run.
type Thresholds struct {
	MinStars          int
	MinCharacters     int
	MinFirstPublished time.Time
	RequiredTag       string
	RequiredNotice    string
}

// Verdict records the outcome of each predicate.
type Verdict struct {
	Stars      bool
	Characters bool
	Notice     bool
	Tag        bool
	Published  bool

	missing bool
}

// Incomplete reports whether the candidate failed because a field was
// missing rather than merely low.
func (v Verdict) Incomplete() bool {
	return v.missing
}

// Eligible is the AND of all five predicates.
func (v Verdict) Eligible() bool {
	return v.Stars && v.Characters && v.Notice && v.Tag && v.Published
}

// Failed lists the names of predicates that did not hold.
func (v Verdict) Failed() []string {
	var out []string
	for _, p := range []struct {
		name string
		ok   bool
	}{
		{"stars", v.Stars},
		{"characters", v.Characters},
		{"notice", v.Notice},
		{"tag", v.Tag},
		{"published", v.Published},
	} {
		if !p.ok {
			out = append(out, p.name)
		}
	}
	return out
}

// Evaluate applies t to c.
func Evaluate(c crawler.WorkCandidate, t Thresholds) Verdict {
	stars, starsKnown := c.StarCount.Get()
	chars, charsKnown := c.TotalCharacterCount.Get()
	published, publishedKnown := c.FirstPublishedAt.Get()
	hasTag := c.HasTag(t.RequiredTag)

	v := Verdict{
		Stars:      starsKnown && stars >= t.MinStars,
		Characters: charsKnown && chars >= t.MinCharacters,
		Notice:     c.HasMatureNotice,
		Tag:        hasTag,
		Published:  publishedKnown && !published.Before(t.MinFirstPublished),
	}
	v.missing = !starsKnown || !charsKnown || !publishedKnown || !c.HasMatureNotice || !hasTag
	return v
}

// Record finalizes c into an output record.
func Record(c crawler.WorkCandidate, t Thresholds) crawler.Record {
	v := Evaluate(c, t)
	return crawler.Record{Candidate: c, Eligible: v.Eligible(), Incomplete: v.Incomplete()}
}

// PassesPrefilter is the relaxed listing-stage check. A provisional count is
// rejected only when it is known and below ratio times the threshold; unknown
// values pass so that absent listing data never discards a true positive.
func PassesPrefilter(c crawler.WorkCandidate, t Thresholds, ratio float64) bool {
	if ratio <= 0 {
		return true
	}
	if stars, ok := c.StarCount.Get(); ok && float64(stars) < ratio*float64(t.MinStars) {
		return false
	}
	if chars, ok := c.TotalCharacterCount.Get(); ok && float64(chars) < ratio*float64(t.MinCharacters) {
		return false
	}
	return true
}
