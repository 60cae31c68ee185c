package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/kakuyomu-crawler/internal/crawler"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 3000, cfg.Filter.MinStars)
	require.Equal(t, 50000, cfg.Filter.MinCharacters)
	require.Equal(t, "ハーレム", cfg.Filter.RequiredTag)
	require.Equal(t, "性描写あり", cfg.Filter.RequiredNotice)
	require.InDelta(t, 0.5, cfg.Filter.PrefilterRatio, 1e-9)
	require.Equal(t, 50, cfg.Listing.MaxPages)
	require.True(t, cfg.Listing.EarlyStop)
	require.Equal(t, 10, cfg.Listing.EarlyStopMinTail)
	require.InDelta(t, 0.5, cfg.Listing.EarlyStopFraction, 1e-9)
	require.Equal(t, 3, cfg.Listing.MaxConsecutiveFailures)
	require.Equal(t, "https://kakuyomu.jp/tags/%E3%83%8F%E3%83%BC%E3%83%AC%E3%83%A0?sort=popular", cfg.Source.BaseURL)
	require.Equal(t, 20, cfg.Chapters.MaxPages)
	require.Equal(t, "/episodes", cfg.Chapters.PathSuffix)
	require.Equal(t, time.Second, cfg.PolitenessDelay())
	require.Equal(t, 4, cfg.RetryPolicy().MaxAttempts())
	require.Zero(t, cfg.Crawl.TimeBudget)

	th, err := cfg.Thresholds()
	require.NoError(t, err)
	require.Equal(t, crawler.Date(2025, time.April, 1), th.MinFirstPublished)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
source:
  base_url: https://kakuyomu.jp/search?order=weekly_ranking&q=x
filter:
  min_stars: 1000
  min_first_published: "2024-01-15"
  prefilter_ratio: 0
listing:
  max_pages: 3
  early_stop: false
chapters:
  max_pages: 4
http:
  timeout_seconds: 10
  max_retries: 1
  politeness_delay_ms: 250
crawl:
  time_budget: 90s
output:
  dir: results
server:
  port: 9090
logging:
  development: false
  file: logs/crawler.log
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "https://kakuyomu.jp/search?order=weekly_ranking&q=x", cfg.Source.BaseURL)
	require.Equal(t, 1000, cfg.Filter.MinStars)
	require.Zero(t, cfg.Filter.PrefilterRatio)
	require.Equal(t, 3, cfg.Listing.MaxPages)
	require.False(t, cfg.Listing.EarlyStop)
	require.Equal(t, 4, cfg.Chapters.MaxPages)
	require.Equal(t, 10*time.Second, cfg.FetchTimeout())
	require.Equal(t, 250*time.Millisecond, cfg.PolitenessDelay())
	require.Equal(t, 2, cfg.RetryPolicy().MaxAttempts())
	require.Equal(t, 90*time.Second, cfg.Crawl.TimeBudget)
	require.Equal(t, "results", cfg.Output.Dir)
	require.Equal(t, 9090, cfg.Server.Port)
	require.False(t, cfg.Logging.Development)
	require.Equal(t, "logs/crawler.log", cfg.Logging.File)

	th, err := cfg.Thresholds()
	require.NoError(t, err)
	require.Equal(t, crawler.Date(2024, time.January, 15), th.MinFirstPublished)
}

func TestLoadFlagBindingWins(t *testing.T) {
	t.Parallel()

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("max-pages", 0, "")
	require.NoError(t, flags.Parse([]string{"--max-pages=7"}))

	cfg, err := Load("", Binding{Key: "listing.max_pages", Flag: flags.Lookup("max-pages")})
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Listing.MaxPages)
}

func TestLoadRejectsMalformedDate(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("filter:\n  min_first_published: 2025/04/01\n"), 0o600))

	_, err := Load(path)
	require.ErrorContains(t, err, "filter.min_first_published")
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"non-positive listing ceiling", func(c *Config) { c.Listing.MaxPages = 0 }, "listing.max_pages"},
		{"early stop fraction below half", func(c *Config) { c.Listing.EarlyStopFraction = 0.3 }, "listing.early_stop_fraction"},
		{"zero consecutive failure bound", func(c *Config) { c.Listing.MaxConsecutiveFailures = 0 }, "listing.max_consecutive_failures"},
		{"non-positive chapter ceiling", func(c *Config) { c.Chapters.MaxPages = -1 }, "chapters.max_pages"},
		{"empty tag", func(c *Config) { c.Filter.RequiredTag = " " }, "filter.required_tag"},
		{"empty notice", func(c *Config) { c.Filter.RequiredNotice = "" }, "filter.required_notice"},
		{"ratio out of range", func(c *Config) { c.Filter.PrefilterRatio = 1.5 }, "filter.prefilter_ratio"},
		{"topic without project", func(c *Config) { c.PubSub.TopicName = "t" }, "pubsub.project_id"},
		{"headless without parallelism", func(c *Config) {
			c.Headless.Enabled = true
			c.Headless.MaxParallel = 0
		}, "headless.max_parallel"},
		{"negative budget", func(c *Config) { c.Crawl.TimeBudget = -time.Second }, "crawl.time_budget"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid
			tt.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}

	cfg := valid
	cfg.Listing.MaxPages = 0
	cfg.Chapters.MaxPages = 0
	err = cfg.Validate()
	require.ErrorContains(t, err, "listing.max_pages")
	require.ErrorContains(t, err, "chapters.max_pages")
}
