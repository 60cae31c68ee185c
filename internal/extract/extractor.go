package extract

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/kakuyomu-crawler/internal/crawler"
)

// NoticeSource records where a mature-notice marker was found.
type NoticeSource int

// Notice sources, from authoritative to best-effort.
const (
	NoticeAbsent NoticeSource = iota
	NoticeRegion
	NoticeFallback
)

// Notice is the outcome of a mature-notice scan.
type Notice struct {
	Found  bool
	Source NoticeSource
}

var (
	starPattern = regexp.MustCompile(`★\s*([0-9０-９][0-9０-９,，]*)`)
	charPattern = regexp.MustCompile(`([0-9０-９][0-9０-９,，]*)\s*(?:文字|字)`)
)

// Default cascades. Class names on the source carry versioned suffixes, so
// substring attribute probes follow the legacy exact selectors.
var (
	cardSelectors = []string{
		"div.widget-workCard",
		"[data-testid='work-card']",
		"[class*='WorkCard_container']",
	}
	workLinkSelectors = []string{
		"h3 a[href^='/works/']",
		"a[href^='/works/']",
		"a[href*='/works/']",
	}
	cardStarCascade = []Strategy{
		SelectorText{Selector: "span.widget-workCard-reviewCount"},
		SelectorText{Selector: "span.widget-workCard-reviewPoints"},
		SelectorText{Selector: "span.reviewCount"},
		SelectorText{Selector: "[data-testid='review-count']"},
		SelectorText{Selector: "[class*='reviewPoint']"},
		SelectorText{Selector: "[class*='ReviewPoint']"},
		SelectorAttr{Selector: "[data-review-count]", Attr: "data-review-count"},
		TextPattern{Pattern: starPattern},
	}
	cardCharCascade = []Strategy{
		SelectorText{Selector: "span.widget-workCard-charCount"},
		SelectorText{Selector: "span.charCount"},
		SelectorText{Selector: "[data-testid='char-count']"},
		SelectorText{Selector: "[class*='characterCount']"},
		SelectorText{Selector: "[class*='CharacterCount']"},
		SelectorAttr{Selector: "[data-char-count]", Attr: "data-char-count"},
		TextPattern{Pattern: charPattern},
	}
	detailStarCascade = []Strategy{
		SelectorText{Selector: "[data-testid='review-count']"},
		SelectorText{Selector: "#workPoints .js-total-review-point-element"},
		SelectorText{Selector: "[class*='reviewPoint']"},
		SelectorText{Selector: "[class*='ReviewPoint']"},
		TextPattern{Scope: "header", Pattern: starPattern},
	}
	detailCharCascade = []Strategy{
		SelectorText{Selector: "span.charCount"},
		SelectorText{Selector: "[data-testid='char-count']"},
		SelectorText{Selector: "[class*='characterCount']"},
		SelectorText{Selector: "[class*='CharacterCount']"},
		TextPattern{Scope: "header", Pattern: charPattern},
		TextPattern{Scope: "main", Pattern: charPattern},
	}
	tagCascade = []Strategy{
		SelectorText{Selector: ".widget-workCard-tag"},
		SelectorText{Selector: ".tag"},
		SelectorText{Selector: "[data-testid='tag']"},
		SelectorText{Selector: "[itemprop='keywords'] a"},
		SelectorText{Selector: "[class*='Tag'] a[href*='/tags/']"},
		SelectorText{Selector: "[class*='tag'] a[href*='/tags/']"},
	}
	noticeRegionSelectors = []string{
		".workHeader-notice",
		".notice",
		"[data-testid='notice']",
		"[class*='Notice']",
		"[class*='notice']",
	}
	dateAttrCascade = []Strategy{
		SelectorAttr{Selector: "time[datetime]", Attr: "datetime"},
	}
	nextLinkCascade = []Strategy{
		SelectorAttr{Selector: "a[rel~='next']", Attr: "href"},
		SelectorAttr{Selector: "link[rel~='next']", Attr: "href"},
		SelectorAttr{Selector: ".pager-next a", Attr: "href"},
		SelectorAttr{Selector: "[class*='Pagination'] a[aria-label*='次']", Attr: "href"},
		SelectorAttr{Selector: "[class*='pagination'] a[aria-label*='Next']", Attr: "href"},
		AnchorText{Labels: []string{"次へ", "次のページ", "次へ >", "Next", "next", "›", "»"}},
	}
)

// Extractor reads work fields out of parsed HTML. It holds no per-document
// state, so running it twice over the same document yields the same values.
type Extractor struct {
	noticeMarker string
}

// New builds an Extractor that looks for noticeMarker as the mature notice.
func New(noticeMarker string) *Extractor {
	return &Extractor{noticeMarker: noticeMarker}
}

// Parse builds a goquery document from HTML text.
func Parse(html string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

// Cards returns the work cards on a listing page using the first card
// selector that matches anything. The last resort wraps each work heading's
// parent element.
func (e *Extractor) Cards(doc *goquery.Document) []*goquery.Selection {
	for _, selector := range cardSelectors {
		found := doc.Find(selector)
		if found.Length() > 0 {
			return splitSelection(found)
		}
	}
	var cards []*goquery.Selection
	doc.Find("h3:has(a[href^='/works/'])").Each(func(_ int, h3 *goquery.Selection) {
		parent := h3.Parent()
		if parent.Length() == 0 {
			parent = h3
		}
		for _, c := range cards {
			if c.IsSelection(parent) {
				return
			}
		}
		cards = append(cards, parent)
	})
	return cards
}

// WorkLink returns the title and href of the card's work link.
func (e *Extractor) WorkLink(card *goquery.Selection) (string, string, bool) {
	for _, selector := range workLinkSelectors {
		a := card.Find(selector).First()
		if a.Length() == 0 {
			continue
		}
		href, ok := a.Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			continue
		}
		return normalizeSpace(a.Text()), strings.TrimSpace(href), true
	}
	return "", "", false
}

// CardFields reads the provisional fields of a listing card.
func (e *Extractor) CardFields(card *goquery.Selection) crawler.Fields {
	return crawler.Fields{
		StarCount:           e.count(card, cardStarCascade),
		TotalCharacterCount: e.count(card, cardCharCascade),
		Tags:                e.Tags(card),
	}
}

// DetailFields reads the authoritative fields of a work detail page.
func (e *Extractor) DetailFields(doc *goquery.Document) crawler.Fields {
	notice := e.MatureNotice(doc.Selection)
	return crawler.Fields{
		StarCount:           e.count(doc.Selection, detailStarCascade),
		TotalCharacterCount: e.count(doc.Selection, detailCharCascade),
		Tags:                e.Tags(doc.Selection),
		MatureNotice:        crawler.Some(notice.Found),
		NoticeFromFallback:  notice.Source == NoticeFallback,
	}
}

func (e *Extractor) count(sel *goquery.Selection, cascade []Strategy) crawler.Opt[int] {
	v, _, ok := firstAccepted(sel, cascade, acceptCount)
	if !ok {
		return crawler.None[int]()
	}
	return crawler.Some(v)
}

// Tags collects tag text from every tag probe, splits compound strings into
// atomic tags and de-duplicates them in first-seen order.
func (e *Extractor) Tags(sel *goquery.Selection) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, raw := range collectAll(sel, tagCascade) {
		for _, tag := range SplitTags(raw) {
			if _, ok := seen[tag]; ok {
				continue
			}
			seen[tag] = struct{}{}
			out = append(out, tag)
		}
	}
	return out
}

// MatureNotice scans the notice regions for the marker and falls back to a
// whole-document substring scan. A fallback hit is best-effort only.
func (e *Extractor) MatureNotice(sel *goquery.Selection) Notice {
	if e.noticeMarker == "" {
		return Notice{}
	}
	for _, selector := range noticeRegionSelectors {
		region := sel.Find(selector)
		if region.Length() == 0 {
			continue
		}
		if strings.Contains(normalizeSpace(region.Text()), e.noticeMarker) {
			return Notice{Found: true, Source: NoticeRegion}
		}
	}
	if strings.Contains(normalizeSpace(sel.Text()), e.noticeMarker) {
		return Notice{Found: true, Source: NoticeFallback}
	}
	return Notice{}
}

// Dates returns every publication date on a page in document order. Machine
// readable time[datetime] attributes win; visible date text is read only when
// no attribute parses.
func (e *Extractor) Dates(sel *goquery.Selection) []time.Time {
	var out []time.Time
	for _, raw := range collectAll(sel, dateAttrCascade) {
		if d, ok := parseDatetimeAttr(raw); ok {
			out = append(out, d)
		}
	}
	if len(out) > 0 {
		return out
	}
	sel.Find("time").Each(func(_ int, node *goquery.Selection) {
		out = append(out, parseTextDates(node.Text())...)
	})
	if len(out) > 0 {
		return out
	}
	return parseTextDates(normalizeSpace(sel.Find("body").Text()))
}

// NextLink locates the "next page" href of a paginated index.
func (e *Extractor) NextLink(sel *goquery.Selection) (string, bool) {
	href, _, ok := firstAccepted(sel, nextLinkCascade, func(raw string) (string, bool) {
		if strings.HasPrefix(raw, "#") || strings.HasPrefix(strings.ToLower(raw), "javascript:") {
			return "", false
		}
		return raw, true
	})
	return href, ok
}

func splitSelection(sel *goquery.Selection) []*goquery.Selection {
	out := make([]*goquery.Selection, 0, sel.Length())
	sel.Each(func(_ int, node *goquery.Selection) {
		out = append(out, node)
	})
	return out
}
