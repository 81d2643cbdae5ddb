// Package collector brings local kline series up to date with the remote
// provider.
//
// A Syncer runs one job: it loads the stored series, works out where to resume,
// downloads the missing range window by window, merges the new rows over the old
// ones, drops the bar that is still forming and saves the result once. A Runner
// turns the configured data sources into jobs and runs them, sequentially or
// through a bounded errgroup, and summarises the outcome in a RunReport.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/johnayoung/go-kline-sync/internal/config"
	apperrors "github.com/johnayoung/go-kline-sync/internal/errors"
	"github.com/johnayoung/go-kline-sync/internal/exchange"
	"github.com/johnayoung/go-kline-sync/internal/logger"
	"github.com/johnayoung/go-kline-sync/internal/models"
	"github.com/johnayoung/go-kline-sync/internal/storage"
)

const (
	// DefaultOverlapRows is how many trailing rows are re-fetched on resume.
	DefaultOverlapRows = 5

	// DefaultRecentLimit is how many bars are asked for when probing the latest bar.
	DefaultRecentLimit = 5
)

// DefaultEpochFloor is where an empty series starts.
var DefaultEpochFloor = time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC)

// SyncerConfig tunes a Syncer
type SyncerConfig struct {
	OverlapRows int
	EpochFloor  time.Time
	WindowUnit  time.Duration
	RecentLimit int

	// Now returns the current time. It is called once per job.
	Now func() time.Time
}

// DefaultSyncerConfig returns the configuration used when none is given
func DefaultSyncerConfig() *SyncerConfig {
	return &SyncerConfig{
		OverlapRows: DefaultOverlapRows,
		EpochFloor:  DefaultEpochFloor,
		WindowUnit:  DefaultWindowUnit,
		RecentLimit: DefaultRecentLimit,
		Now:         time.Now,
	}
}

// SyncerConfigFrom builds a SyncerConfig from the sync section of the app config.
// Unset values fall back to the defaults.
func SyncerConfigFrom(cfg config.SyncConfig) *SyncerConfig {
	c := DefaultSyncerConfig()
	if cfg.OverlapRows > 0 {
		c.OverlapRows = cfg.OverlapRows
	}
	if floor := cfg.EpochFloorTime(); !floor.IsZero() {
		c.EpochFloor = floor
	}
	if unit := cfg.WindowUnitDuration(); unit > 0 {
		c.WindowUnit = unit
	}
	if cfg.RecentLimit > 0 {
		c.RecentLimit = cfg.RecentLimit
	}
	return c
}

// Syncer performs the incremental sync of one series per call
type Syncer struct {
	source  exchange.BarSource
	store   storage.SeriesStore
	config  *SyncerConfig
	logger  *slog.Logger
	metrics *metricsCollector
}

// NewSyncer creates a Syncer reading from source and persisting to store.
func NewSyncer(source exchange.BarSource, store storage.SeriesStore, cfg *SyncerConfig, logger *slog.Logger) *Syncer {
	if cfg == nil {
		cfg = DefaultSyncerConfig()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		source:  source,
		store:   store,
		config:  cfg,
		logger:  logger,
		metrics: newMetricsCollector(),
	}
}

// Metrics returns the counters accumulated over every Sync call so far.
func (s *Syncer) Metrics() RunMetrics {
	return s.metrics.snapshot()
}

// Plan returns the resume point for loc and the windows a sync started at now
// would request, without touching the remote source.
func (s *Syncer) Plan(ctx context.Context, loc storage.Location, now time.Time) (time.Time, []Window, error) {
	existing, err := s.store.Load(ctx, loc)
	if err != nil {
		return time.Time{}, nil, err
	}

	start := s.resumePoint(existing)
	var windows []Window
	for w := range Windows(start, now, s.config.WindowUnit) {
		windows = append(windows, w)
	}
	return start, windows, nil
}

func (s *Syncer) resumePoint(existing *models.Series) time.Time {
	if t, ok := existing.ResumePoint(s.config.OverlapRows); ok {
		return t
	}
	return s.config.EpochFloor
}

// Sync brings the series of job up to date and persists it.
//
// Nothing is written unless every remote call succeeds. On failure the job is
// marked failed and the returned error is a FetchError, a
// CorruptLocalStateError, a storage error or the context's error.
func (s *Syncer) Sync(ctx context.Context, job *models.Job) error {
	if job.Status == models.StatusPending {
		if err := job.Start(); err != nil {
			return err
		}
	}

	key := job.Key
	loc := storage.Location{Key: key, File: job.File}
	ref := seriesRef(key)
	ctx = logger.WithJobID(ctx, job.ID)
	ctx = logger.WithSeries(ctx, key.Symbol, key.Interval.String(), string(key.Market))

	now := s.config.Now().UTC()

	s.logger.InfoContext(ctx, "starting sync", "file", job.File)

	// The recent-bars lookup only feeds the log, but a provider that cannot answer it will not
	// answer the range requests either.
	recent, err := s.source.FetchRecent(ctx, key, s.config.RecentLimit)
	if err != nil {
		s.metrics.recordFetchError()
		return s.fail(ctx, job, apperrors.NewFetchError(ref, "fetch_recent", time.Time{}, time.Time{}, err))
	}
	if n := len(recent); n > 0 {
		job.LatestRemote = recent[n-1].Timestamp
		s.logger.InfoContext(ctx, "latest remote bar", "timestamp", job.LatestRemote)
	}

	existing, err := s.store.Load(ctx, loc)
	if err != nil {
		return s.fail(ctx, job, err)
	}

	start := s.resumePoint(existing)
	job.ResumeFrom = start
	s.logger.InfoContext(ctx, "resuming",
		"local_rows", existing.Len(),
		"resume_from", start,
		"overlap_rows", s.config.OverlapRows)

	series := existing
	for w := range Windows(start, now, s.config.WindowUnit) {
		if err := ctx.Err(); err != nil {
			return s.fail(ctx, job, err)
		}

		wctx := logger.WithWindow(ctx, w.String())
		fetchStart := time.Now()

		batch, err := s.source.FetchRange(wctx, key, w.Start, w.End)
		if err != nil {
			s.metrics.recordFetchError()
			return s.fail(wctx, job, apperrors.NewFetchError(ref, "fetch_range", w.Start, w.End, err))
		}

		s.metrics.recordFetch(len(batch), time.Since(fetchStart))
		job.RecordWindow(len(batch))
		series = series.Merge(batch)

		s.logger.DebugContext(wctx, "window fetched",
			"rows", len(batch),
			"total_rows", series.Len(),
			"duration", time.Since(fetchStart))
	}

	// The newest bar is still forming at fetch time.
	series = series.TrimTrailing()

	if err := s.store.Save(ctx, loc, series); err != nil {
		return s.fail(ctx, job, err)
	}

	if err := job.Complete(series.Len()); err != nil {
		return err
	}
	s.metrics.recordJob(series.Len(), nil)

	attrs := []any{
		"rows", series.Len(),
		"windows", job.WindowsFetched,
		"fetched", job.RecordsFetched,
		"elapsed", job.Elapsed(),
	}
	if last, ok := series.Last(); ok {
		attrs = append(attrs, "last_bar", last.Timestamp)
	}
	s.logger.InfoContext(ctx, "sync completed", attrs...)
	return nil
}

func (s *Syncer) fail(ctx context.Context, job *models.Job, err error) error {
	if ferr := job.Fail(err); ferr != nil {
		s.logger.WarnContext(ctx, "could not mark job failed", "error", ferr)
	}
	job.ErrorKind = apperrors.Kind(err)
	s.metrics.recordJob(0, err)
	logger.LogError(ctx, s.logger, err, "sync failed")
	return fmt.Errorf("sync %s: %w", job.Series, err)
}

func seriesRef(key models.SeriesKey) apperrors.SeriesRef {
	return apperrors.SeriesRef{
		Symbol:   key.Symbol,
		Interval: key.Interval.String(),
		Market:   string(key.Market),
	}
}
