package extract

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/JakeFAU/kakuyomu-crawler/internal/crawler"
)

var (
	isoDatePattern = regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})`)
	// Visible dates such as 2025年4月15日, 2025-04-15 or 2025/4/15.
	textDatePattern = regexp.MustCompile(`(\d{4})\s*(?:年|-|/)\s*(\d{1,2})\s*(?:月|-|/)\s*(\d{1,2})`)
	tagSeparators   = func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune("、,，/／", r)
	}
)

// ParseCount strips every non-digit and converts the rest. A string with no
// digits is unknown, never zero.
func ParseCount(raw string) crawler.Opt[int] {
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= '０' && r <= '９':
			b.WriteRune('0' + (r - '０'))
		}
	}
	if b.Len() == 0 {
		return crawler.None[int]()
	}
	n, err := strconv.Atoi(b.String())
	if err != nil {
		return crawler.None[int]()
	}
	return crawler.Some(n)
}

// parseDatetimeAttr reads the calendar date prefix of a datetime attribute.
func parseDatetimeAttr(raw string) (time.Time, bool) {
	m := isoDatePattern.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return time.Time{}, false
	}
	return buildDate(m[1], m[2], m[3])
}

// parseTextDates returns every calendar date written in s.
func parseTextDates(s string) []time.Time {
	var out []time.Time
	for _, m := range textDatePattern.FindAllStringSubmatch(s, -1) {
		if d, ok := buildDate(m[1], m[2], m[3]); ok {
			out = append(out, d)
		}
	}
	return out
}

func buildDate(y, m, d string) (time.Time, bool) {
	year, err := strconv.Atoi(y)
	if err != nil {
		return time.Time{}, false
	}
	month, err := strconv.Atoi(m)
	if err != nil || month < 1 || month > 12 {
		return time.Time{}, false
	}
	day, err := strconv.Atoi(d)
	if err != nil || day < 1 || day > 31 {
		return time.Time{}, false
	}
	date := crawler.Date(year, time.Month(month), day)
	// Reject dates that time.Date normalized (e.g. 2025-02-30).
	if date.Day() != day || int(date.Month()) != month {
		return time.Time{}, false
	}
	return date, true
}

// SplitTags breaks a compound tag string into atomic tags, dropping a leading
// '#' from each.
func SplitTags(raw string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(raw, tagSeparators) {
		part = strings.TrimLeft(part, "#＃")
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func acceptCount(raw string) (int, bool) {
	return ParseCount(raw).Get()
}
