// Package app builds the long-lived services of one crawl run from
// configuration and owns their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/kakuyomu-crawler/internal/api"
	"github.com/JakeFAU/kakuyomu-crawler/internal/chapters"
	"github.com/JakeFAU/kakuyomu-crawler/internal/clock/system"
	"github.com/JakeFAU/kakuyomu-crawler/internal/config"
	"github.com/JakeFAU/kakuyomu-crawler/internal/crawler"
	"github.com/JakeFAU/kakuyomu-crawler/internal/extract"
	"github.com/JakeFAU/kakuyomu-crawler/internal/fetcher"
	collyfetcher "github.com/JakeFAU/kakuyomu-crawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/kakuyomu-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/kakuyomu-crawler/internal/hash/sha256"
	"github.com/JakeFAU/kakuyomu-crawler/internal/headless/detector"
	"github.com/JakeFAU/kakuyomu-crawler/internal/id/uuid"
	"github.com/JakeFAU/kakuyomu-crawler/internal/listing"
	"github.com/JakeFAU/kakuyomu-crawler/internal/metrics"
	"github.com/JakeFAU/kakuyomu-crawler/internal/orchestrator"
	csvsink "github.com/JakeFAU/kakuyomu-crawler/internal/output/csv"
	"github.com/JakeFAU/kakuyomu-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/kakuyomu-crawler/internal/policy/simple"
	"github.com/JakeFAU/kakuyomu-crawler/internal/progress"
	"github.com/JakeFAU/kakuyomu-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/kakuyomu-crawler/internal/storage/gcs"
	"github.com/JakeFAU/kakuyomu-crawler/internal/storage/local"
	"github.com/JakeFAU/kakuyomu-crawler/internal/storage/postgres"
)

// App holds the services wired for a single run.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	runID   string
	tracker *progress.Tracker
	orch    *orchestrator.Orchestrator
	server  *api.Server

	// sinks are owned by the orchestrator once it is built.
	sinks   orchestrator.Sinks
	closers []func() error
}

// New builds every service named by cfg. It fails fast when an enabled
// backend cannot be reached; anything already opened is released.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			if a.orch == nil {
				closeSinks(a.sinks)
			}
			_ = a.Close()
		}
	}()

	thresholds, err := cfg.Thresholds()
	if err != nil {
		return nil, err
	}
	runID, err := uuid.NewUUIDGenerator().NewID()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}
	a.runID = runID
	a.logger = logger.With(zap.String("run_id", runID))

	sinks, err := a.openSinks(ctx)
	if err != nil {
		return nil, err
	}
	a.sinks = sinks
	artifacts, err := a.openArtifacts(ctx)
	if err != nil {
		return nil, err
	}
	var publisher crawler.Publisher
	if cfg.PubSub.TopicName != "" {
		pub, err := pubsub.Open(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pub.Close)
		publisher = pub
	}

	a.tracker = progress.NewTracker(a.logger.Named("progress"))
	a.orch, err = orchestrator.New(orchestrator.Config{
		RunID:          runID,
		Thresholds:     thresholds,
		PrefilterRatio: cfg.Filter.PrefilterRatio,
		Listing: listing.Config{
			BaseURL:                cfg.Source.BaseURL,
			SiteRoot:               cfg.Source.SiteRoot,
			MaxPages:               cfg.Listing.MaxPages,
			EarlyStop:              cfg.Listing.EarlyStop,
			EarlyStopMinTail:       cfg.Listing.EarlyStopMinTail,
			EarlyStopFraction:      cfg.Listing.EarlyStopFraction,
			MinStars:               thresholds.MinStars,
			MaxConsecutiveFailures: cfg.Listing.MaxConsecutiveFailures,
		},
		Chapters: chapters.Config{
			PathSuffix:        cfg.Chapters.PathSuffix,
			MaxPages:          cfg.Chapters.MaxPages,
			MinFirstPublished: thresholds.MinFirstPublished,
		},
		ArtifactPrefix: cfg.Artifacts.Prefix,
		Topic:          cfg.PubSub.TopicName,
	}, orchestrator.Deps{
		Fetcher:   a.buildFetcher(),
		Extractor: extract.New(thresholds.RequiredNotice),
		Sinks:     sinks,
		Artifacts: artifacts,
		Publisher: publisher,
		Hasher:    sha256.New(),
		Progress:  a.tracker,
		Clock:     system.New(),
		Logger:    a.logger.Named("orchestrator"),
	})
	if err != nil {
		return nil, fmt.Errorf("build orchestrator: %w", err)
	}

	if cfg.Server.Port > 0 {
		metrics.Init()
		a.server = api.NewServer(a.tracker, api.Config{Port: cfg.Server.Port}, a.logger.Named("api"))
	}
	return a, nil
}

// RunID identifies this run in logs, artifacts and stored rows.
func (a *App) RunID() string {
	return a.runID
}

// Tracker exposes the run progress.
func (a *App) Tracker() *progress.Tracker {
	return a.tracker
}

// Run executes the crawl within the configured time budget. The status
// server, when enabled, lives for the duration of the crawl.
func (a *App) Run(ctx context.Context) (orchestrator.Summary, error) {
	if a.cfg.Crawl.TimeBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Crawl.TimeBudget)
		defer cancel()
	}

	if a.server != nil {
		serverCtx, stopServer := context.WithCancel(context.WithoutCancel(ctx))
		done := make(chan error, 1)
		go func() { done <- a.server.ListenAndServe(serverCtx) }()
		defer func() {
			stopServer()
			if err := <-done; err != nil {
				a.logger.Warn("status server stopped with error", zap.Error(err))
			}
		}()
	}

	summary, err := a.orch.Run(ctx)
	if err != nil {
		return summary, fmt.Errorf("run %s: %w", a.runID, err)
	}
	return summary, nil
}

// Close releases opened backends in reverse order. Record sinks are closed
// by the orchestrator when a run ends.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close app: %w", err)
	}
	return nil
}

func (a *App) buildFetcher() crawler.PageFetcher {
	cfg := a.cfg
	headers := http.Header{"Accept-Language": {"ja,en;q=0.8"}}
	var next crawler.PageFetcher = collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.HTTP.UserAgent,
		RespectRobots: cfg.HTTP.RespectRobots,
		Timeout:       cfg.FetchTimeout(),
		Headers:       headers,
	}, a.logger.Named("colly"))

	if cfg.Headless.Enabled {
		var renderer crawler.PageFetcher
		chrome, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.HTTP.UserAgent,
			NavigationTimeout: secondsOr(cfg.Headless.NavTimeoutSec, cfg.FetchTimeout()),
			Headers:           headers,
		})
		if err != nil {
			// Promotions are still counted; every one falls back to the static body.
			a.logger.Warn("headless fetcher unavailable, using static HTML only", zap.Error(err))
			renderer = headlessfetcher.NewNoop()
		} else {
			a.closers = append(a.closers, func() error { chrome.Close(); return nil })
			renderer = chrome
		}
		next = fetcher.NewPromoting(next, renderer, detector.NewHeuristic(cfg.Headless.PromotionThresh), a.logger.Named("promote"))
	}

	return fetcher.NewResilient(
		next,
		ratelimit.New(ratelimit.Config{Interval: cfg.PolitenessDelay()}),
		simple.New(cfg.Source.BaseURL, cfg.Source.SiteRoot),
		cfg.RetryPolicy(),
		a.logger.Named("fetch"),
	)
}

func (a *App) openSinks(ctx context.Context) (orchestrator.Sinks, error) {
	out := a.cfg.Output
	var sinks orchestrator.Sinks
	var err error
	if sinks.All, err = csvsink.Create(filepath.Join(out.Dir, out.AllFile)); err != nil {
		return orchestrator.Sinks{}, fmt.Errorf("open all-records output: %w", err)
	}
	if sinks.Eligible, err = csvsink.Create(filepath.Join(out.Dir, out.EligibleFile)); err != nil {
		_ = sinks.All.Close()
		return orchestrator.Sinks{}, fmt.Errorf("open eligible output: %w", err)
	}
	if sinks.Mismatch, err = csvsink.Create(filepath.Join(out.Dir, out.MismatchFile)); err != nil {
		_ = sinks.All.Close()
		_ = sinks.Eligible.Close()
		return orchestrator.Sinks{}, fmt.Errorf("open mismatch output: %w", err)
	}
	if a.cfg.DB.DSN != "" {
		store, err := postgres.NewRecordStore(ctx, postgres.Config{
			DSN:   a.cfg.DB.DSN,
			Table: a.cfg.DB.Table,
			RunID: a.runID,
		}, system.New())
		if err != nil {
			closeSinks(sinks)
			return orchestrator.Sinks{}, err
		}
		sinks.Store = store
	}
	return sinks, nil
}

func (a *App) openArtifacts(ctx context.Context) (crawler.ArtifactStore, error) {
	cfg := a.cfg.Artifacts
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.GCSBucket != "" {
		// The orchestrator applies the prefix, so the bucket store gets none.
		store, err := gcs.Open(ctx, gcs.Config{Bucket: cfg.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("open artifact bucket: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	}
	store, err := local.New(local.Config{BaseDir: cfg.Dir})
	if err != nil {
		return nil, fmt.Errorf("open artifact dir: %w", err)
	}
	return store, nil
}

func closeSinks(s orchestrator.Sinks) {
	for _, sink := range []crawler.RecordSink{s.All, s.Eligible, s.Mismatch, s.Store} {
		if sink != nil {
			_ = sink.Close()
		}
	}
}

func secondsOr(sec int, fallback time.Duration) time.Duration {
	if sec <= 0 {
		return fallback
	}
	return time.Duration(sec) * time.Second
}
