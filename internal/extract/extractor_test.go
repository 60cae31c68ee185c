package extract

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/kakuyomu-crawler/internal/crawler"
)

const listingHTML = `<html><body>
<div class="widget-workCard">
  <h3><a href="/works/1001">First Work</a></h3>
  <span class="widget-workCard-reviewPoints">★3,500</span>
  <span class="widget-workCard-charCount">60,000字</span>
  <a class="widget-workCard-tag" href="/tags/ハーレム">ハーレム</a>
  <a class="widget-workCard-tag" href="/tags/異世界">異世界 ファンタジー</a>
</div>
<div class="widget-workCard">
  <h3><a href="/works/1002">Second Work</a></h3>
  <span class="widget-workCard-reviewPoints">★ —</span>
</div>
<div class="widget-workCard"><p>no link here</p></div>
</body></html>`

const drifted = `<html><body><section>
  <div class="List_item__x1"><h3><a href="/works/2001?from=tag">Drifted</a></h3>
    <div class="Meta_row__q9">★ 4,100 ・ 120,500文字</div></div>
  <div class="List_item__x1"><h3><a href="/works/2002">Other</a></h3>
    <div class="Meta_row__q9">★ 12</div></div>
</section></body></html>`

const detailHTML = `<html><body>
<header>
  <h1>First Work</h1>
  <div class="workHeader-notice">セルフレイティング 残酷描写あり 性描写あり</div>
  <span data-testid="char-count">61,234文字</span>
</header>
<ul><li class="tag">ハーレム</li><li class="tag">ラブコメ</li></ul>
</body></html>`

const chapterHTML = `<html><body>
<ol>
  <li><a href="/works/1001/episodes/1">第1話</a><time datetime="2025-04-15T09:00:00Z">2025年4月15日</time></li>
  <li><a href="/works/1001/episodes/2">第2話</a><time datetime="2025-04-20T09:00:00Z">2025年4月20日</time></li>
</ol>
<nav><a href="?page=2" rel="next">次へ</a></nav>
</body></html>`

func TestCardsAndCardFields(t *testing.T) {
	t.Parallel()

	doc, err := Parse(listingHTML)
	require.NoError(t, err)
	e := New("性描写あり")

	cards := e.Cards(doc)
	require.Len(t, cards, 3)

	title, href, ok := e.WorkLink(cards[0])
	require.True(t, ok)
	require.Equal(t, "First Work", title)
	require.Equal(t, "/works/1001", href)

	fields := e.CardFields(cards[0])
	require.Equal(t, crawler.Some(3500), fields.StarCount)
	require.Equal(t, crawler.Some(60000), fields.TotalCharacterCount)
	require.Equal(t, []string{"ハーレム", "異世界", "ファンタジー"}, fields.Tags)

	second := e.CardFields(cards[1])
	require.False(t, second.StarCount.Known(), "a star cell with no digits is unknown, not zero")
	require.False(t, second.TotalCharacterCount.Known())

	_, _, ok = e.WorkLink(cards[2])
	require.False(t, ok)
}

func TestCardsFallBackToHeadingParents(t *testing.T) {
	t.Parallel()

	doc, err := Parse(drifted)
	require.NoError(t, err)
	e := New("性描写あり")

	cards := e.Cards(doc)
	require.Len(t, cards, 2)

	fields := e.CardFields(cards[0])
	require.Equal(t, crawler.Some(4100), fields.StarCount)
	require.Equal(t, crawler.Some(120500), fields.TotalCharacterCount)

	fields = e.CardFields(cards[1])
	require.Equal(t, crawler.Some(12), fields.StarCount)
	require.False(t, fields.TotalCharacterCount.Known())
}

func TestDetailFields(t *testing.T) {
	t.Parallel()

	doc, err := Parse(detailHTML)
	require.NoError(t, err)
	e := New("性描写あり")

	fields := e.DetailFields(doc)
	require.False(t, fields.StarCount.Known())
	require.Equal(t, crawler.Some(61234), fields.TotalCharacterCount)
	require.Equal(t, []string{"ハーレム", "ラブコメ"}, fields.Tags)
	require.Equal(t, crawler.Some(true), fields.MatureNotice)
	require.False(t, fields.NoticeFromFallback)
}

func TestMatureNoticeFallbackAndAbsence(t *testing.T) {
	t.Parallel()

	e := New("性描写あり")

	doc, err := Parse(`<html><body><p>注意: 性描写あり</p></body></html>`)
	require.NoError(t, err)
	require.Equal(t, Notice{Found: true, Source: NoticeFallback}, e.MatureNotice(doc.Selection))

	doc, err = Parse(`<html><body><div class="notice">残酷描写あり</div><p>本文</p></body></html>`)
	require.NoError(t, err)
	require.Equal(t, Notice{}, e.MatureNotice(doc.Selection))

	require.Equal(t, Notice{}, New("").MatureNotice(doc.Selection))
}

func TestDatesAndNextLink(t *testing.T) {
	t.Parallel()

	doc, err := Parse(chapterHTML)
	require.NoError(t, err)
	e := New("性描写あり")

	require.Equal(t, []time.Time{
		crawler.Date(2025, time.April, 15),
		crawler.Date(2025, time.April, 20),
	}, e.Dates(doc.Selection))

	next, ok := e.NextLink(doc.Selection)
	require.True(t, ok)
	require.Equal(t, "?page=2", next)
}

func TestDatesFallBackToText(t *testing.T) {
	t.Parallel()

	doc, err := Parse(`<html><body><li>第1話 2024年3月1日</li><li>第2話 2024年3月8日</li></body></html>`)
	require.NoError(t, err)
	e := New("")

	dates := e.Dates(doc.Selection)
	require.Contains(t, dates, crawler.Date(2024, time.March, 1))
	for _, d := range dates {
		require.False(t, d.Before(crawler.Date(2024, time.March, 1)), d)
	}

	empty, err := Parse(`<html><body><p>no dates</p></body></html>`)
	require.NoError(t, err)
	require.Empty(t, e.Dates(empty.Selection))
}

func TestNextLinkByAnchorText(t *testing.T) {
	t.Parallel()

	doc, err := Parse(`<html><body><a href="#">次へ</a><a href="/works/1/episodes?page=3">次へ</a></body></html>`)
	require.NoError(t, err)
	e := New("")

	next, ok := e.NextLink(doc.Selection)
	require.True(t, ok)
	require.Equal(t, "/works/1/episodes?page=3", next)

	none, err := Parse(`<html><body><a href="/prev">前へ</a></body></html>`)
	require.NoError(t, err)
	_, ok = e.NextLink(none.Selection)
	require.False(t, ok)
}

func TestExtractionIsIdempotent(t *testing.T) {
	t.Parallel()

	doc, err := Parse(detailHTML)
	require.NoError(t, err)
	e := New("性描写あり")

	require.Equal(t, e.DetailFields(doc), e.DetailFields(doc))
	require.Equal(t, e.Dates(doc.Selection), e.Dates(doc.Selection))
}
