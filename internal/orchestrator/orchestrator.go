// Package orchestrator runs one crawl: it walks the ranked listing, applies
// the listing-stage pre-filter, completes each surviving candidate from its
// detail page and chapter index, evaluates eligibility and routes the record.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/kakuyomu-crawler/internal/chapters"
	"github.com/JakeFAU/kakuyomu-crawler/internal/clock/system"
	"github.com/JakeFAU/kakuyomu-crawler/internal/crawler"
	"github.com/JakeFAU/kakuyomu-crawler/internal/eligibility"
	"github.com/JakeFAU/kakuyomu-crawler/internal/extract"
	"github.com/JakeFAU/kakuyomu-crawler/internal/listing"
	"github.com/JakeFAU/kakuyomu-crawler/internal/metrics"
	"github.com/JakeFAU/kakuyomu-crawler/internal/progress"
)

const tracerName = "github.com/JakeFAU/kakuyomu-crawler/internal/orchestrator"

// SummaryFile is the artifact name of the run summary.
const SummaryFile = "scrape_summary.txt"

// Config holds the immutable run parameters.
type Config struct {
	RunID      string
	Thresholds eligibility.Thresholds
	// PrefilterRatio scales the star and character thresholds for the
	// listing-stage check. Zero disables the pre-filter.
	PrefilterRatio float64
	Listing        listing.Config
	Chapters       chapters.Config
	// ArtifactPrefix is prepended to page snapshots and the run summary.
	ArtifactPrefix string
	// Topic receives one message per eligible record when a Publisher is set.
	Topic string
}

// Sinks are the record destinations. Nil sinks are skipped.
type Sinks struct {
	All      crawler.RecordSink
	Eligible crawler.RecordSink
	Mismatch crawler.RecordSink
	// Store receives every record after the file sinks. Its failures are
	// logged and do not stop the run.
	Store crawler.RecordSink
}

// Deps bundles the collaborators of a run.
type Deps struct {
	Fetcher   crawler.PageFetcher
	Extractor *extract.Extractor
	Sinks     Sinks
	Artifacts crawler.ArtifactStore
	Publisher crawler.Publisher
	// Hasher, when set, tags stored snapshots with a content digest in logs.
	Hasher   crawler.Hasher
	Progress progress.Emitter
	Clock    crawler.Clock
	Logger   *zap.Logger
}

// Summary counts what a run did. It is returned even when the run is cut short.
type Summary struct {
	RunID          string
	PagesProcessed int
	Cards          int
	SkippedCards   int
	Duplicates     int
	Prefiltered    int
	DetailFailures int
	// ListingFailures counts listing pages skipped after a failed fetch.
	ListingFailures int
	Rows            int
	Eligible        int
	Mismatches      int
	StopReason      listing.StopReason
}

// Orchestrator drives a single crawl run. Run may be called once.
type Orchestrator struct {
	cfg  Config
	deps Deps

	listing  *listing.Traverser
	chapters *chapters.Traverser
	seen     map[string]struct{}
	summary  Summary
	ran      bool
}

// New validates the dependencies and builds the traversers.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Fetcher == nil {
		return nil, errors.New("page fetcher is required")
	}
	if deps.Extractor == nil {
		return nil, errors.New("extractor is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Progress == nil {
		deps.Progress = progress.Discard{}
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if cfg.Listing.MinStars == 0 {
		cfg.Listing.MinStars = cfg.Thresholds.MinStars
	}
	if cfg.Chapters.MinFirstPublished.IsZero() {
		cfg.Chapters.MinFirstPublished = cfg.Thresholds.MinFirstPublished
	}
	return &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		listing:  listing.New(deps.Fetcher, deps.Extractor, cfg.Listing, deps.Logger.Named("listing")),
		chapters: chapters.New(deps.Fetcher, deps.Extractor, cfg.Chapters, deps.Logger.Named("chapters")),
		seen:     make(map[string]struct{}),
		summary:  Summary{RunID: cfg.RunID},
	}, nil
}

// Run crawls until the listing ends, a bound is hit or ctx is done. Records
// are written as soon as they are finalized, and the sinks are closed before
// Run returns, so a canceled run keeps everything finalized so far. The
// Summary is valid alongside any returned error.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	if o.ran {
		return o.summary, errors.New("orchestrator already ran")
	}
	o.ran = true

	ctx, span := otel.Tracer(tracerName).Start(ctx, "crawl.run")
	defer span.End()
	span.SetAttributes(attribute.String("run_id", o.cfg.RunID))

	logger := o.deps.Logger.With(zap.String("run_id", o.cfg.RunID))
	o.emit(progress.Event{Stage: progress.StageRunStart})
	logger.Info("crawl started",
		zap.String("base_url", o.cfg.Listing.BaseURL),
		zap.Int("max_pages", o.cfg.Listing.MaxPages),
		zap.Bool("early_stop", o.cfg.Listing.EarlyStop),
	)

	runErr := o.crawl(ctx, logger)

	o.summary.StopReason = o.listing.Reason()
	o.summary.ListingFailures = o.listing.Failures()
	metrics.ObserveListingStop(o.summary.StopReason.String())
	if err := o.writeSummary(ctx); err != nil {
		logger.Warn("write run summary failed", zap.Error(err))
	}
	if err := o.closeSinks(); err != nil {
		runErr = errors.Join(runErr, err)
	}

	span.SetAttributes(
		attribute.Int("pages_processed", o.summary.PagesProcessed),
		attribute.Int("rows", o.summary.Rows),
		attribute.Int("eligible", o.summary.Eligible),
	)
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		o.emit(progress.Event{Stage: progress.StageRunError, Note: runErr.Error()})
		fields := append([]zap.Field{zap.Error(runErr)}, o.summaryFields()...)
		logger.Warn("crawl ended early", fields...)
		return o.summary, runErr
	}
	o.emit(progress.Event{Stage: progress.StageRunDone, Note: o.summary.StopReason.String()})
	logger.Info("crawl finished", o.summaryFields()...)
	return o.summary, nil
}

func (o *Orchestrator) crawl(ctx context.Context, logger *zap.Logger) error {
	for {
		page, ok, err := o.listing.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("crawl canceled: %w", ctx.Err())
			}
			// Only a run of consecutive listing failures ends the traversal;
			// single failed pages are skipped by the traverser.
			logger.Warn("listing traversal stopped on fetch failures", zap.Error(err))
			return nil
		}
		if !ok {
			return nil
		}

		o.summary.PagesProcessed++
		o.summary.Cards += page.Cards
		o.summary.SkippedCards += page.Skipped
		o.storePage(ctx, page, logger)
		o.emit(progress.Event{Stage: progress.StageListingPage, Page: page.Index, URL: page.URL, Cards: page.Cards})

		for _, item := range page.Items {
			if ctx.Err() != nil {
				return fmt.Errorf("crawl canceled: %w", ctx.Err())
			}
			if err := o.processItem(ctx, item, logger); err != nil {
				return err
			}
		}
	}
}

// processItem returns an error only for cancellation or a failing file sink.
func (o *Orchestrator) processItem(ctx context.Context, item listing.Item, logger *zap.Logger) error {
	url := item.Candidate.URL()
	log := logger.With(zap.String("url", url), zap.Int("page", item.Page))

	if _, dup := o.seen[url]; dup {
		o.summary.Duplicates++
		log.Debug("duplicate work skipped")
		return nil
	}
	o.seen[url] = struct{}{}

	provisional := item.Candidate.Provisional()
	if !eligibility.PassesPrefilter(provisional, o.cfg.Thresholds, o.cfg.PrefilterRatio) {
		o.summary.Prefiltered++
		o.skip(item, "prefilter")
		log.Debug("rejected by listing pre-filter",
			zap.String("stars", crawler.FormatInt(provisional.StarCount)),
			zap.String("chars", crawler.FormatInt(provisional.TotalCharacterCount)),
		)
		return nil
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "crawl.work")
	defer span.End()
	span.SetAttributes(attribute.String("url", url))

	detailHTML, err := o.deps.Fetcher.Fetch(ctx, url)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("crawl canceled: %w", ctx.Err())
		}
		o.summary.DetailFailures++
		o.skip(item, "detail_fetch_failed")
		span.RecordError(err)
		log.Warn("detail fetch failed, skipping work", zap.Error(err))
		return nil
	}
	doc, err := extract.Parse(detailHTML)
	if err != nil {
		o.summary.DetailFailures++
		o.skip(item, "detail_parse_failed")
		log.Warn("detail parse failed, skipping work", zap.Error(err))
		return nil
	}
	detail := o.deps.Extractor.DetailFields(doc)
	item.Candidate.MergeDetail(detail)
	if detail.NoticeFromFallback {
		log.Debug("mature notice found by full-text fallback only")
	}

	res, err := o.chapters.Earliest(ctx, url, detailHTML)
	if err != nil {
		return fmt.Errorf("crawl canceled: %w", err)
	}
	item.Candidate.SetFirstPublished(res.Earliest)

	cand := item.Candidate.Finalize()
	return o.route(ctx, eligibility.Record(cand, o.cfg.Thresholds), item.Page, log)
}

func (o *Orchestrator) route(ctx context.Context, rec crawler.Record, page int, log *zap.Logger) error {
	verdict := progress.VerdictIneligible
	switch {
	case rec.Eligible:
		verdict = progress.VerdictEligible
	case rec.Incomplete:
		verdict = progress.VerdictMismatch
	}

	if err := write(ctx, o.deps.Sinks.All, rec); err != nil {
		return fmt.Errorf("write all-records sink: %w", err)
	}
	if rec.Eligible {
		if err := write(ctx, o.deps.Sinks.Eligible, rec); err != nil {
			return fmt.Errorf("write eligible sink: %w", err)
		}
		o.summary.Eligible++
	}
	if rec.Incomplete {
		if err := write(ctx, o.deps.Sinks.Mismatch, rec); err != nil {
			return fmt.Errorf("write mismatch sink: %w", err)
		}
		o.summary.Mismatches++
	}
	o.summary.Rows++

	if err := write(ctx, o.deps.Sinks.Store, rec); err != nil {
		log.Warn("record store write failed", zap.Error(err))
	}
	if rec.Eligible {
		o.publish(ctx, rec, log)
	}

	metrics.ObserveRecord(string(verdict))
	o.emit(progress.Event{Stage: progress.StageWorkDone, Page: page, URL: rec.Candidate.URL, Verdict: verdict})

	c := rec.Candidate
	fields := []zap.Field{
		zap.String("verdict", string(verdict)),
		zap.String("stars", crawler.FormatInt(c.StarCount)),
		zap.String("chars", crawler.FormatInt(c.TotalCharacterCount)),
		zap.String("first_published", crawler.FormatDate(c.FirstPublishedAt)),
		zap.Bool("notice", c.HasMatureNotice),
	}
	if !rec.Eligible {
		fields = append(fields, zap.Strings("failed", eligibility.Evaluate(c, o.cfg.Thresholds).Failed()))
	}
	log.Info("work evaluated", fields...)
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, rec crawler.Record, log *zap.Logger) {
	if o.deps.Publisher == nil || o.cfg.Topic == "" {
		return
	}
	c := rec.Candidate
	payload := map[string]any{
		"run_id":                o.cfg.RunID,
		"url":                   c.URL,
		"title":                 c.Title,
		"star_count":            crawler.FormatInt(c.StarCount),
		"total_character_count": crawler.FormatInt(c.TotalCharacterCount),
		"first_published_at":    crawler.FormatDate(c.FirstPublishedAt),
		"tags":                  c.Tags,
		"timestamp":             o.deps.Clock.Now().Format(time.RFC3339),
	}
	id, err := o.deps.Publisher.Publish(ctx, o.cfg.Topic, payload)
	if err != nil {
		log.Warn("publish eligible record failed", zap.Error(err))
		return
	}
	log.Debug("eligible record published", zap.String("message_id", id))
}

func (o *Orchestrator) storePage(ctx context.Context, page listing.Page, log *zap.Logger) {
	if o.deps.Artifacts == nil {
		return
	}
	name := o.artifactPath(fmt.Sprintf("page_%d.html", page.Index))
	uri, err := o.deps.Artifacts.PutObject(ctx, name, "text/html; charset=utf-8", strings.NewReader(page.HTML))
	if err != nil {
		log.Warn("store listing snapshot failed", zap.Int("page", page.Index), zap.Error(err))
		return
	}
	fields := []zap.Field{zap.Int("page", page.Index), zap.String("uri", uri)}
	if o.deps.Hasher != nil {
		if sum, err := o.deps.Hasher.Hash([]byte(page.HTML)); err == nil {
			fields = append(fields, zap.String("sha256", sum))
		}
	}
	log.Debug("listing snapshot stored", fields...)
}

func (o *Orchestrator) writeSummary(ctx context.Context) error {
	if o.deps.Artifacts == nil {
		return nil
	}
	s := o.summary
	body := fmt.Sprintf(
		"pages_processed=%d\nlisting_failures=%d\nrows=%d\neligible=%d\nmismatches=%d\nstop_reason=%s\n",
		s.PagesProcessed, s.ListingFailures, s.Rows, s.Eligible, s.Mismatches, s.StopReason,
	)
	// The summary is still written after cancellation.
	ctx = context.WithoutCancel(ctx)
	if _, err := o.deps.Artifacts.PutObject(ctx, o.artifactPath(SummaryFile), "text/plain; charset=utf-8", strings.NewReader(body)); err != nil {
		return fmt.Errorf("put summary: %w", err)
	}
	return nil
}

func (o *Orchestrator) artifactPath(name string) string {
	return path.Join(strings.Trim(o.cfg.ArtifactPrefix, "/"), o.cfg.RunID, name)
}

func (o *Orchestrator) closeSinks() error {
	var errs []error
	s := o.deps.Sinks
	for _, sink := range []crawler.RecordSink{s.All, s.Eligible, s.Mismatch, s.Store} {
		if sink == nil {
			continue
		}
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close sinks: %w", err)
	}
	return nil
}

func (o *Orchestrator) skip(item listing.Item, reason string) {
	o.emit(progress.Event{Stage: progress.StageWorkSkipped, Page: item.Page, URL: item.Candidate.URL(), Note: reason})
}

func (o *Orchestrator) emit(evt progress.Event) {
	evt.RunID = o.cfg.RunID
	evt.TS = o.deps.Clock.Now()
	o.deps.Progress.Emit(evt)
}

func (o *Orchestrator) summaryFields() []zap.Field {
	s := o.summary
	return []zap.Field{
		zap.Int("pages_processed", s.PagesProcessed),
		zap.Int("rows", s.Rows),
		zap.Int("eligible", s.Eligible),
		zap.Int("mismatches", s.Mismatches),
		zap.Int("prefiltered", s.Prefiltered),
		zap.Int("detail_failures", s.DetailFailures),
		zap.Int("listing_failures", s.ListingFailures),
		zap.Int("duplicates", s.Duplicates),
		zap.String("stop_reason", s.StopReason.String()),
	}
}

func write(ctx context.Context, sink crawler.RecordSink, rec crawler.Record) error {
	if sink == nil {
		return nil
	}
	return sink.Write(ctx, rec)
}
