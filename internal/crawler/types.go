package crawler

import (
	"fmt"
	"slices"
	"strconv"
	"time"
)

// DateLayout is the ISO calendar date format used for thresholds and output.
const DateLayout = "2006-01-02"

// Opt is a value that is either known or explicitly unknown. The zero value is
// unknown; there is no implicit default.
type Opt[T any] struct {
	value T
	known bool
}

// Some wraps a known value.
func Some[T any](v T) Opt[T] {
	return Opt[T]{value: v, known: true}
}

// None returns the unknown value for T.
func None[T any]() Opt[T] {
	return Opt[T]{}
}

// Get returns the value and whether it is known.
func (o Opt[T]) Get() (T, bool) {
	return o.value, o.known
}

// Known reports whether a value is present.
func (o Opt[T]) Known() bool {
	return o.known
}

// Or returns the value when known, otherwise fallback.
func (o Opt[T]) Or(fallback Opt[T]) Opt[T] {
	if o.known {
		return o
	}
	return fallback
}

// FormatInt renders a known integer, or the empty string when unknown.
func FormatInt(o Opt[int]) string {
	v, ok := o.Get()
	if !ok {
		return ""
	}
	return strconv.Itoa(v)
}

// FormatDate renders a known date as YYYY-MM-DD, or the empty string when unknown.
func FormatDate(o Opt[time.Time]) string {
	v, ok := o.Get()
	if !ok {
		return ""
	}
	return v.Format(DateLayout)
}

// Date builds a UTC calendar date at midnight.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD string into a UTC calendar date.
func ParseDate(raw string) (time.Time, error) {
	t, err := time.Parse(DateLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", raw, err)
	}
	return t.UTC(), nil
}

// TruncateToDate drops the time-of-day component after converting to UTC.
func TruncateToDate(t time.Time) time.Time {
	u := t.UTC()
	return Date(u.Year(), u.Month(), u.Day())
}

// Fields is one page's contribution to a candidate. Unknown values never
// overwrite known ones during a detail merge.
type Fields struct {
	StarCount           Opt[int]
	TotalCharacterCount Opt[int]
	Tags                []string
	MatureNotice        Opt[bool]
	// NoticeFromFallback marks a notice found only by the full-document scan.
	NoticeFromFallback bool
}

// WorkCandidate is a finalized work record. URL is the identity key.
type WorkCandidate struct {
	Title               string
	URL                 string
	StarCount           Opt[int]
	TotalCharacterCount Opt[int]
	Tags                []string
	HasMatureNotice     bool
	NoticeFromFallback  bool
	FirstPublishedAt    Opt[time.Time]
}

// HasTag reports exact atomic-tag membership.
func (c WorkCandidate) HasTag(tag string) bool {
	return tag != "" && slices.Contains(c.Tags, tag)
}

// CandidateBuilder accumulates fields for one work until Finalize is called.
// Listing values are provisional; detail values replace them only when known.
type CandidateBuilder struct {
	c         WorkCandidate
	finalized bool
}

// NewCandidate starts a builder for the work at url.
func NewCandidate(title, url string) *CandidateBuilder {
	return &CandidateBuilder{c: WorkCandidate{Title: title, URL: url}}
}

// URL returns the identity key of the candidate under construction.
func (b *CandidateBuilder) URL() string {
	return b.c.URL
}

// Provisional returns a snapshot of the fields gathered so far.
func (b *CandidateBuilder) Provisional() WorkCandidate {
	out := b.c
	out.Tags = slices.Clone(b.c.Tags)
	return out
}

// MergeListing records provisional values from a listing card.
func (b *CandidateBuilder) MergeListing(f Fields) {
	if b.finalized {
		return
	}
	b.c.StarCount = f.StarCount
	b.c.TotalCharacterCount = f.TotalCharacterCount
	b.c.Tags = dedupe(f.Tags)
}

// MergeDetail overrides provisional values with every known detail value.
func (b *CandidateBuilder) MergeDetail(f Fields) {
	if b.finalized {
		return
	}
	b.c.StarCount = f.StarCount.Or(b.c.StarCount)
	b.c.TotalCharacterCount = f.TotalCharacterCount.Or(b.c.TotalCharacterCount)
	if tags := dedupe(f.Tags); len(tags) > 0 {
		b.c.Tags = tags
	}
	if notice, ok := f.MatureNotice.Get(); ok {
		b.c.HasMatureNotice = notice
		b.c.NoticeFromFallback = notice && f.NoticeFromFallback
	}
}

// SetFirstPublished records the earliest chapter date.
func (b *CandidateBuilder) SetFirstPublished(d Opt[time.Time]) {
	if b.finalized {
		return
	}
	if v, ok := d.Get(); ok {
		b.c.FirstPublishedAt = Some(TruncateToDate(v))
		return
	}
	b.c.FirstPublishedAt = None[time.Time]()
}

// Finalize freezes the builder and returns the immutable record.
func (b *CandidateBuilder) Finalize() WorkCandidate {
	b.finalized = true
	return b.Provisional()
}

// Record is a finalized candidate routed to the output sinks.
type Record struct {
	Candidate WorkCandidate
	Eligible  bool
	// Incomplete marks near-misses whose fields were missing rather than low.
	Incomplete bool
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
