package chapters

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/kakuyomu-crawler/internal/crawler"
	"github.com/JakeFAU/kakuyomu-crawler/internal/extract"
)

const workURL = "https://kakuyomu.jp/works/42"

type fakeFetcher struct {
	pages map[string]string
	calls []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.calls = append(f.calls, url)
	html, ok := f.pages[url]
	if !ok {
		return "", crawler.NewPermanentError(url, 404, fmt.Errorf("not found"))
	}
	return html, nil
}

func indexPage(next string, dates ...string) string {
	var b strings.Builder
	b.WriteString("<html><body><ul>")
	for _, d := range dates {
		fmt.Fprintf(&b, `<li><time datetime="%sT09:00:00Z">%s</time></li>`, d, d)
	}
	b.WriteString("</ul>")
	if next != "" {
		fmt.Fprintf(&b, `<a rel="next" href="%s">次へ</a>`, next)
	}
	b.WriteString("</body></html>")
	return b.String()
}

func newTraverser(f crawler.PageFetcher, maxPages int, threshold time.Time) *Traverser {
	return New(f, extract.New("性描写あり"), Config{
		PathSuffix:        "/episodes",
		MaxPages:          maxPages,
		MinFirstPublished: threshold,
	}, nil)
}

func earliest(t *testing.T, res Result) time.Time {
	t.Helper()
	d, ok := res.Earliest.Get()
	require.True(t, ok, "expected a known earliest date")
	return d
}

func TestSinglePageEligibleDate(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{pages: map[string]string{
		workURL + "/episodes": indexPage("", "2025-04-15", "2025-05-20"),
	}}
	res, err := newTraverser(f, 5, crawler.Date(2025, time.April, 1)).Earliest(context.Background(), workURL, "")
	require.NoError(t, err)
	require.Equal(t, crawler.Date(2025, time.April, 15), earliest(t, res))
	require.Equal(t, 1, res.PagesVisited)
	require.False(t, res.StoppedEarly)
	require.False(t, res.BoundReached)
	require.False(t, res.UsedFallback)
}

func TestFollowsNextAndFindsMinimum(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{pages: map[string]string{
		workURL + "/episodes":        indexPage("?page=2", "2025-05-01"),
		workURL + "/episodes?page=2": indexPage("?page=3", "2024-03-01"),
		workURL + "/episodes?page=3": indexPage("", "2023-01-01"),
	}}
	// No threshold: the traverser must visit every page.
	res, err := newTraverser(f, 10, time.Time{}).Earliest(context.Background(), workURL, "")
	require.NoError(t, err)
	require.Equal(t, crawler.Date(2023, time.January, 1), earliest(t, res))
	require.Equal(t, 3, res.PagesVisited)
}

func TestSafeEarlyStopBeforeThreshold(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{pages: map[string]string{
		workURL + "/episodes":        indexPage("?page=2", "2025-05-01"),
		workURL + "/episodes?page=2": indexPage("?page=3", "2024-03-01"),
		workURL + "/episodes?page=3": indexPage("", "2023-01-01"),
	}}
	res, err := newTraverser(f, 10, crawler.Date(2025, time.April, 1)).Earliest(context.Background(), workURL, "")
	require.NoError(t, err)
	require.Equal(t, crawler.Date(2024, time.March, 1), earliest(t, res))
	require.True(t, res.StoppedEarly)
	require.Len(t, f.calls, 2, "page 3 is never requested")
	require.True(t, earliest(t, res).Before(crawler.Date(2025, time.April, 1)))
}

func TestZeroDatesStops(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{pages: map[string]string{
		workURL + "/episodes":        indexPage("?page=2", "2025-05-01"),
		workURL + "/episodes?page=2": indexPage("?page=3"),
	}}
	res, err := newTraverser(f, 10, time.Time{}).Earliest(context.Background(), workURL, "")
	require.NoError(t, err)
	require.Equal(t, crawler.Date(2025, time.May, 1), earliest(t, res))
	require.Len(t, f.calls, 2)
}

func TestCycleTerminates(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{pages: map[string]string{
		workURL + "/episodes":        indexPage("?page=2", "2025-05-01"),
		workURL + "/episodes?page=2": indexPage(workURL+"/episodes", "2025-06-01"),
	}}
	res, err := newTraverser(f, 10, time.Time{}).Earliest(context.Background(), workURL, "")
	require.NoError(t, err)
	require.Equal(t, 2, res.PagesVisited)
	require.False(t, res.BoundReached)
}

func TestPageCeilingKeepsBestKnownMinimum(t *testing.T) {
	t.Parallel()

	pages := map[string]string{}
	for i := 1; i <= 5; i++ {
		url := fmt.Sprintf("%s/episodes?page=%d", workURL, i)
		if i == 1 {
			url = workURL + "/episodes"
		}
		pages[url] = indexPage(fmt.Sprintf("?page=%d", i+1), fmt.Sprintf("2025-0%d-10", 9-i))
	}
	f := &fakeFetcher{pages: pages}
	res, err := newTraverser(f, 2, time.Time{}).Earliest(context.Background(), workURL, "")
	require.NoError(t, err)
	require.True(t, res.BoundReached)
	require.Equal(t, 2, res.PagesVisited)
	require.Equal(t, crawler.Date(2025, time.July, 10), earliest(t, res))
}

func TestFallsBackToDetailPage(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{pages: map[string]string{}}
	detail := `<html><body><p>公開日 2025年4月20日</p></body></html>`
	res, err := newTraverser(f, 5, crawler.Date(2025, time.April, 1)).Earliest(context.Background(), workURL, detail)
	require.NoError(t, err)
	require.True(t, res.UsedFallback)
	require.Equal(t, crawler.Date(2025, time.April, 20), earliest(t, res))
}

func TestFallbackWithoutDatesIsUnknown(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{pages: map[string]string{}}
	res, err := newTraverser(f, 5, time.Time{}).Earliest(context.Background(), workURL, "<html><body>none</body></html>")
	require.NoError(t, err)
	require.True(t, res.UsedFallback)
	require.False(t, res.Earliest.Known())
}

func TestCancellationIsReturned(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{pages: map[string]string{workURL + "/episodes": indexPage("", "2025-05-01")}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTraverser(f, 5, time.Time{}).Earliest(ctx, workURL, "")
	require.ErrorIs(t, err, context.Canceled)
}

func TestCycleThroughFragmentVariantTerminates(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{pages: map[string]string{
		workURL + "/episodes":        indexPage("/works/42/episodes?page=2", "2025-05-01"),
		workURL + "/episodes?page=2": indexPage("/works/42/episodes#top", "2025-06-01"),
	}}
	res, err := newTraverser(f, 10, crawler.Date(2025, time.April, 1)).Earliest(context.Background(), workURL, "")
	require.NoError(t, err)
	require.Equal(t, 2, res.PagesVisited)
	require.Equal(t, crawler.Date(2025, time.May, 1), earliest(t, res))
	require.Len(t, f.calls, 2)
}
