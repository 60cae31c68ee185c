package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Kakuyomu.jp/works/1", "kakuyomu.jp"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	if crawlerPagesTotal == nil || crawlerRecordsTotal == nil || httpRequestsTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveFetch(t *testing.T) {
	before := testutil.ToFloat64(crawlerPagesTotalFor("fetch-test.example", "ok"))
	ObserveFetch("https://fetch-test.example/works/1", "ok", 512)
	if got := testutil.ToFloat64(crawlerPagesTotalFor("fetch-test.example", "ok")); got != before+1 {
		t.Errorf("crawler_pages_total = %f, want %f", got, before+1)
	}
	if got := testutil.ToFloat64(crawlerBytesTotal.WithLabelValues("fetch-test.example")); got < 512 {
		t.Errorf("crawler_bytes_total = %f, want >= 512", got)
	}
}

func TestObserveRecordAndStops(t *testing.T) {
	Init()
	before := testutil.ToFloat64(crawlerRecordsTotal.WithLabelValues("eligible"))
	ObserveRecord("eligible")
	if got := testutil.ToFloat64(crawlerRecordsTotal.WithLabelValues("eligible")); got != before+1 {
		t.Errorf("crawler_records_total{eligible} = %f, want %f", got, before+1)
	}

	ObserveListingStop("early_stop")
	if got := testutil.ToFloat64(crawlerListingStopsTotal.WithLabelValues("early_stop")); got < 1 {
		t.Errorf("crawler_listing_stops_total{early_stop} = %f, want >= 1", got)
	}

	ObserveRateLimitDelay("kakuyomu.jp", 250*time.Millisecond)
	if n := testutil.CollectAndCount(crawlerRateLimitDelaysSeconds); n == 0 {
		t.Error("expected rate limit histogram to be observed")
	}
}

func crawlerPagesTotalFor(site, status string) prometheus.Counter {
	Init()
	return crawlerPagesTotal.WithLabelValues(site, status)
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://kakuyomu.jp", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
