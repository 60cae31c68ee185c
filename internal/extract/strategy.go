// Package extract turns listing cards, work detail pages and chapter index
// pages into typed field values. Every field is read through an ordered
// cascade of strategies so that extraction keeps working when the site's
// versioned class names drift; a field that no strategy can read is reported
// as unknown, never as an error.
package extract

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Strategy is one probe in an ordered extraction cascade.
type Strategy interface {
	// Probe returns every candidate value the strategy finds in sel, in
	// document order. An empty result means the probe did not fire.
	Probe(sel *goquery.Selection) []string
	String() string
}

// SelectorText reads the trimmed text of each node matching Selector.
type SelectorText struct {
	Selector string
}

// Probe implements Strategy.
func (s SelectorText) Probe(sel *goquery.Selection) []string {
	var out []string
	sel.Find(s.Selector).Each(func(_ int, node *goquery.Selection) {
		if text := normalizeSpace(node.Text()); text != "" {
			out = append(out, text)
		}
	})
	return out
}

func (s SelectorText) String() string { return "text(" + s.Selector + ")" }

// SelectorAttr reads attribute Attr of each node matching Selector.
type SelectorAttr struct {
	Selector string
	Attr     string
}

// Probe implements Strategy.
func (s SelectorAttr) Probe(sel *goquery.Selection) []string {
	var out []string
	sel.Find(s.Selector).Each(func(_ int, node *goquery.Selection) {
		if v, ok := node.Attr(s.Attr); ok {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
	})
	return out
}

func (s SelectorAttr) String() string { return "attr(" + s.Selector + "@" + s.Attr + ")" }

// TextPattern matches Pattern against the visible text of sel, or of the
// nodes matching Scope when set, and yields capture group 1 of every match.
type TextPattern struct {
	Scope   string
	Pattern *regexp.Regexp
}

// Probe implements Strategy.
func (s TextPattern) Probe(sel *goquery.Selection) []string {
	target := sel
	if s.Scope != "" {
		target = sel.Find(s.Scope)
	}
	var out []string
	target.Each(func(_ int, node *goquery.Selection) {
		for _, m := range s.Pattern.FindAllStringSubmatch(normalizeSpace(node.Text()), -1) {
			if len(m) > 1 && m[1] != "" {
				out = append(out, m[1])
			}
		}
	})
	return out
}

func (s TextPattern) String() string { return "pattern(" + s.Pattern.String() + ")" }

// AnchorText yields the href of anchors whose visible text is one of Labels.
type AnchorText struct {
	Labels []string
}

// Probe implements Strategy.
func (s AnchorText) Probe(sel *goquery.Selection) []string {
	var out []string
	sel.Find("a[href]").Each(func(_ int, node *goquery.Selection) {
		text := normalizeSpace(node.Text())
		for _, label := range s.Labels {
			if text == label {
				href, _ := node.Attr("href")
				if href = strings.TrimSpace(href); href != "" {
					out = append(out, href)
				}
				return
			}
		}
	})
	return out
}

func (s AnchorText) String() string { return "anchor(" + strings.Join(s.Labels, "|") + ")" }

// firstAccepted walks the cascade and returns the first value accepted by
// accept, together with the strategy that produced it.
func firstAccepted[T any](
	sel *goquery.Selection,
	cascade []Strategy,
	accept func(string) (T, bool),
) (T, Strategy, bool) {
	var zero T
	for _, strategy := range cascade {
		for _, raw := range strategy.Probe(sel) {
			if v, ok := accept(raw); ok {
				return v, strategy, true
			}
		}
	}
	return zero, nil, false
}

// collectAll unions the values of every strategy in the cascade.
func collectAll(sel *goquery.Selection, cascade []Strategy) []string {
	var out []string
	for _, strategy := range cascade {
		out = append(out, strategy.Probe(sel)...)
	}
	return out
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
