// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/JakeFAU/kakuyomu-crawler/internal/crawler"
	"github.com/JakeFAU/kakuyomu-crawler/internal/eligibility"
)

// Config captures all crawler configuration knobs loaded via Viper.
type Config struct {
	Source    SourceConfig    `mapstructure:"source"`
	Filter    FilterConfig    `mapstructure:"filter"`
	Listing   ListingConfig   `mapstructure:"listing"`
	Chapters  ChaptersConfig  `mapstructure:"chapters"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Crawl     CrawlConfig     `mapstructure:"crawl"`
	Output    OutputConfig    `mapstructure:"output"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// SourceConfig names the ranked listing to crawl.
type SourceConfig struct {
	BaseURL  string `mapstructure:"base_url"`
	SiteRoot string `mapstructure:"site_root"`
}

// FilterConfig holds the eligibility thresholds in their raw form.
type FilterConfig struct {
	MinStars          int     `mapstructure:"min_stars"`
	MinCharacters     int     `mapstructure:"min_characters"`
	MinFirstPublished string  `mapstructure:"min_first_published"`
	RequiredTag       string  `mapstructure:"required_tag"`
	RequiredNotice    string  `mapstructure:"required_notice"`
	PrefilterRatio    float64 `mapstructure:"prefilter_ratio"`
}

// ListingConfig bounds the listing traversal.
type ListingConfig struct {
	MaxPages               int     `mapstructure:"max_pages"`
	EarlyStop              bool    `mapstructure:"early_stop"`
	EarlyStopMinTail       int     `mapstructure:"early_stop_min_tail"`
	EarlyStopFraction      float64 `mapstructure:"early_stop_fraction"`
	MaxConsecutiveFailures int     `mapstructure:"max_consecutive_failures"`
}

// ChaptersConfig bounds the per-work chapter index traversal.
type ChaptersConfig struct {
	MaxPages   int    `mapstructure:"max_pages"`
	PathSuffix string `mapstructure:"path_suffix"`
}

// HTTPConfig configures fetching, retry and politeness.
type HTTPConfig struct {
	UserAgent         string `mapstructure:"user_agent"`
	RespectRobots     bool   `mapstructure:"respect_robots"`
	TimeoutSeconds    int    `mapstructure:"timeout_seconds"`
	MaxRetries        int    `mapstructure:"max_retries"`
	BackoffInitialMs  int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs      int    `mapstructure:"backoff_max_ms"`
	PolitenessDelayMs int    `mapstructure:"politeness_delay_ms"`
}

// HeadlessConfig configures the headless rendering fallback.
type HeadlessConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	MaxParallel     int  `mapstructure:"max_parallel"`
	NavTimeoutSec   int  `mapstructure:"nav_timeout_seconds"`
	PromotionThresh int  `mapstructure:"promotion_threshold"`
}

// CrawlConfig bounds the whole run.
type CrawlConfig struct {
	TimeBudget time.Duration `mapstructure:"time_budget"`
}

// OutputConfig names the CSV outputs.
type OutputConfig struct {
	Dir          string `mapstructure:"dir"`
	AllFile      string `mapstructure:"all_file"`
	EligibleFile string `mapstructure:"eligible_file"`
	MismatchFile string `mapstructure:"mismatch_file"`
}

// ArtifactsConfig controls page snapshots and the run summary.
type ArtifactsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Dir       string `mapstructure:"dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls the optional Postgres record store.
type DBConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// PubSubConfig holds metadata for eligible-record notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ServerConfig controls the status server. Port 0 disables it.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features and the rotating log file.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
}

// Binding ties a command-line flag to a configuration key.
type Binding struct {
	Key  string
	Flag *pflag.Flag
}

// Load builds a Config from defaults, an optional file, CRAWLER_* environment
// variables and bound flags, in increasing precedence.
func Load(path string, bindings ...Binding) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	for _, b := range bindings {
		if b.Flag == nil {
			continue
		}
		if err := v.BindPFlag(b.Key, b.Flag); err != nil {
			return Config{}, fmt.Errorf("bind flag %s: %w", b.Key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("source.base_url", "https://kakuyomu.jp/tags/%E3%83%8F%E3%83%BC%E3%83%AC%E3%83%A0?sort=popular")
	v.SetDefault("source.site_root", "https://kakuyomu.jp/")
	v.SetDefault("filter.min_stars", 3000)
	v.SetDefault("filter.min_characters", 50000)
	v.SetDefault("filter.min_first_published", "2025-04-01")
	v.SetDefault("filter.required_tag", "ハーレム")
	v.SetDefault("filter.required_notice", "性描写あり")
	v.SetDefault("filter.prefilter_ratio", 0.5)
	v.SetDefault("listing.max_pages", 50)
	v.SetDefault("listing.early_stop", true)
	v.SetDefault("listing.early_stop_min_tail", 10)
	v.SetDefault("listing.early_stop_fraction", 0.5)
	v.SetDefault("listing.max_consecutive_failures", 3)
	v.SetDefault("chapters.max_pages", 20)
	v.SetDefault("chapters.path_suffix", "/episodes")
	v.SetDefault("http.user_agent", "kakuyomu-crawler/0.1")
	v.SetDefault("http.respect_robots", true)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.backoff_initial_ms", 500)
	v.SetDefault("http.backoff_max_ms", 8000)
	v.SetDefault("http.politeness_delay_ms", 1000)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 30)
	v.SetDefault("headless.promotion_threshold", 60)
	v.SetDefault("crawl.time_budget", "0s")
	v.SetDefault("output.dir", "out")
	v.SetDefault("output.all_file", "kakuyomu_all.csv")
	v.SetDefault("output.eligible_file", "kakuyomu_eligible.csv")
	v.SetDefault("output.mismatch_file", "kakuyomu_mismatch.csv")
	v.SetDefault("artifacts.enabled", true)
	v.SetDefault("artifacts.dir", "artifacts")
	v.SetDefault("db.table", "works")
	v.SetDefault("server.port", 0)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits. Every failure is
// reported, not just the first.
func (c Config) Validate() error {
	var errs []error
	if c.Source.BaseURL == "" {
		errs = append(errs, errors.New("source.base_url is required"))
	}
	if c.Filter.MinStars < 0 {
		errs = append(errs, errors.New("filter.min_stars must be >= 0"))
	}
	if c.Filter.MinCharacters < 0 {
		errs = append(errs, errors.New("filter.min_characters must be >= 0"))
	}
	if _, err := crawler.ParseDate(c.Filter.MinFirstPublished); err != nil {
		errs = append(errs, fmt.Errorf("filter.min_first_published: %w", err))
	}
	if strings.TrimSpace(c.Filter.RequiredTag) == "" {
		errs = append(errs, errors.New("filter.required_tag is required"))
	}
	if strings.TrimSpace(c.Filter.RequiredNotice) == "" {
		errs = append(errs, errors.New("filter.required_notice is required"))
	}
	if c.Filter.PrefilterRatio < 0 || c.Filter.PrefilterRatio > 1 {
		errs = append(errs, errors.New("filter.prefilter_ratio must be within [0, 1]"))
	}
	if c.Listing.MaxPages <= 0 {
		errs = append(errs, errors.New("listing.max_pages must be > 0"))
	}
	if c.Listing.EarlyStopMinTail < 0 {
		errs = append(errs, errors.New("listing.early_stop_min_tail must be >= 0"))
	}
	if c.Listing.EarlyStopFraction < 0.5 || c.Listing.EarlyStopFraction > 1 {
		errs = append(errs, errors.New("listing.early_stop_fraction must be within [0.5, 1]"))
	}
	if c.Listing.MaxConsecutiveFailures <= 0 {
		errs = append(errs, errors.New("listing.max_consecutive_failures must be > 0"))
	}
	if c.Chapters.MaxPages <= 0 {
		errs = append(errs, errors.New("chapters.max_pages must be > 0"))
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		errs = append(errs, errors.New("http.timeout_seconds must be > 0"))
	}
	if c.HTTP.MaxRetries < 0 {
		errs = append(errs, errors.New("http.max_retries must be >= 0"))
	}
	if c.HTTP.PolitenessDelayMs < 0 {
		errs = append(errs, errors.New("http.politeness_delay_ms must be >= 0"))
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		errs = append(errs, errors.New("headless.max_parallel must be > 0 when headless is enabled"))
	}
	if c.Crawl.TimeBudget < 0 {
		errs = append(errs, errors.New("crawl.time_budget must be >= 0"))
	}
	if c.Output.AllFile == "" || c.Output.EligibleFile == "" || c.Output.MismatchFile == "" {
		errs = append(errs, errors.New("output file names are required"))
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		errs = append(errs, errors.New("pubsub.project_id is required when pubsub.topic_name is set"))
	}
	if c.Server.Port < 0 {
		errs = append(errs, errors.New("server.port must be >= 0"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Thresholds returns the immutable eligibility thresholds.
func (c Config) Thresholds() (eligibility.Thresholds, error) {
	date, err := crawler.ParseDate(c.Filter.MinFirstPublished)
	if err != nil {
		return eligibility.Thresholds{}, fmt.Errorf("filter.min_first_published: %w", err)
	}
	return eligibility.Thresholds{
		MinStars:          c.Filter.MinStars,
		MinCharacters:     c.Filter.MinCharacters,
		MinFirstPublished: date,
		RequiredTag:       c.Filter.RequiredTag,
		RequiredNotice:    c.Filter.RequiredNotice,
	}, nil
}

// RetryPolicy builds the single fetch retry policy. MaxRetries counts retries,
// so the attempt budget is one more.
func (c Config) RetryPolicy() *crawler.RetryPolicy {
	return crawler.NewRetryPolicy(
		c.HTTP.MaxRetries+1,
		time.Duration(c.HTTP.BackoffInitialMs)*time.Millisecond,
		time.Duration(c.HTTP.BackoffMaxMs)*time.Millisecond,
	)
}

// FetchTimeout is the per-request timeout.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// PolitenessDelay is the minimum spacing between requests to one host.
func (c Config) PolitenessDelay() time.Duration {
	return time.Duration(c.HTTP.PolitenessDelayMs) * time.Millisecond
}
