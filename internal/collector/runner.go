package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/johnayoung/go-kline-sync/internal/config"
	apperrors "github.com/johnayoung/go-kline-sync/internal/errors"
	"github.com/johnayoung/go-kline-sync/internal/exchange"
	"github.com/johnayoung/go-kline-sync/internal/logger"
	"github.com/johnayoung/go-kline-sync/internal/models"
	"github.com/johnayoung/go-kline-sync/internal/storage"
)

const (
	// DefaultFileName is the series file name used when a data source names none.
	DefaultFileName = "klines"

	// ReportFileName is the run report written under the data folder.
	ReportFileName = ".lastrun.json"
)

// Runner runs one sync job per configured data source
type Runner struct {
	cfg     *config.AppConfig
	source  exchange.BarSource
	store   storage.SeriesStore
	syncer  *Syncer
	logger  *slog.Logger
	symbols map[string]bool
}

// NewRunner creates a Runner for the data sources of cfg.
func NewRunner(cfg *config.AppConfig, source exchange.BarSource, store storage.SeriesStore, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:    cfg,
		source: source,
		store:  store,
		syncer: NewSyncer(source, store, SyncerConfigFrom(cfg.Sync), logger),
		logger: logger,
	}
}

// WithSymbols restricts the run to the given symbols. No symbols means all.
func (r *Runner) WithSymbols(symbols ...string) *Runner {
	if len(symbols) == 0 {
		r.symbols = nil
		return r
	}
	r.symbols = make(map[string]bool, len(symbols))
	for _, s := range symbols {
		r.symbols[strings.ToUpper(strings.TrimSpace(s))] = true
	}
	return r
}

// Syncer returns the engine the runner drives.
func (r *Runner) Syncer() *Syncer {
	return r.syncer
}

// Jobs turns the configured data sources into jobs. Entries that cannot be
// turned into a job come back as skipped jobs carrying a ConfigError.
func (r *Runner) Jobs() []*models.Job {
	jobs, _ := BuildJobs(r.cfg)
	if r.symbols == nil {
		return jobs
	}

	filtered := jobs[:0]
	for _, job := range jobs {
		if r.symbols[job.Key.Symbol] {
			filtered = append(filtered, job)
		}
	}
	return filtered
}

// BuildJobs creates a job per data source. Invalid entries, and entries that
// repeat an earlier series key or resolve to an earlier entry's file, yield a
// skipped job and a ConfigError. Each persisted file is owned by one job.
func BuildJobs(cfg *config.AppConfig) ([]*models.Job, []error) {
	var (
		jobs  []*models.Job
		errs  []error
		seen  = make(map[models.SeriesKey]int)
		files = make(map[string]int)
	)

	for i, ds := range cfg.DataSources {
		job, err := buildJob(cfg, ds)
		if err == nil {
			fileKey := strings.ToLower(filepath.Clean(job.File))
			if first, dup := seen[job.Key]; dup {
				err = apperrors.NewConfigError(seriesRef(job.Key), "folder",
					fmt.Sprintf("data_sources[%d] repeats data_sources[%d]", i, first))
			} else if first, dup := files[fileKey]; dup {
				err = apperrors.NewConfigError(seriesRef(job.Key), "file",
					fmt.Sprintf("data_sources[%d] writes %s like data_sources[%d]", i, job.File, first))
			} else {
				seen[job.Key] = i
				files[fileKey] = i
			}
		}

		if err != nil {
			if job == nil {
				job = models.NewJob(models.SeriesKey{Symbol: strings.TrimSpace(ds.Folder)}, "")
				job.Series = fmt.Sprintf("data_sources[%d]", i)
			}
			job.Skip(err.Error())
			job.ErrorKind = apperrors.Kind(err)
			errs = append(errs, err)
		}
		jobs = append(jobs, job)
	}

	return jobs, errs
}

func buildJob(cfg *config.AppConfig, ds config.DataSource) (*models.Job, error) {
	folder := strings.TrimSpace(ds.Folder)
	ref := apperrors.SeriesRef{Symbol: folder, Interval: cfg.Freq, Market: ds.Type}

	if folder == "" {
		return nil, apperrors.NewConfigError(ref, "folder", "is required")
	}

	market, err := models.ParseMarketType(ds.Type)
	if err != nil {
		return nil, apperrors.NewConfigError(ref, "type", err.Error())
	}

	global := cfg.Frequency()
	freq := global
	if ds.Freq != "" {
		ref.Interval = ds.Freq
		if freq, err = models.ParseFrequency(ds.Freq); err != nil {
			return nil, apperrors.NewConfigError(ref, "freq", err.Error())
		}
	}
	if freq.IsZero() {
		return nil, apperrors.NewConfigError(ref, "freq", "is required")
	}

	file := strings.TrimSpace(ds.File)
	if file == "" {
		file = defaultFile(market, freq, global)
	}
	file = strings.TrimSuffix(file, filepath.Ext(file))

	key := models.SeriesKey{Symbol: strings.ToUpper(folder), Interval: freq, Market: market}
	return models.NewJob(key, filepath.Join(folder, file)), nil
}

// defaultFile names a series file when the data source gives none: "klines"
// for spot at the global frequency, with the market and any per-source
// frequency appended otherwise, e.g. "klines_futures_4h".
func defaultFile(market models.MarketType, freq, global models.Frequency) string {
	name := DefaultFileName
	if market != models.MarketSpot {
		name += "_" + string(market)
	}
	if freq != global {
		name += "_" + freq.String()
	}
	return name
}

// Run syncs every job. One job failing never stops the others; the returned
// report says which jobs failed and why. The error is only non-nil when the run
// itself could not be carried out.
func (r *Runner) Run(ctx context.Context) (*RunReport, error) {
	runID := uuid.NewString()
	ctx = logger.WithRunID(ctx, runID)
	started := time.Now()

	jobs := r.Jobs()
	r.logger.InfoContext(ctx, "starting run",
		"jobs", len(jobs),
		"workers", r.workers(),
		"storage", r.cfg.Storage.Type)

	if hc, ok := r.source.(exchange.HealthChecker); ok {
		if err := hc.HealthCheck(ctx); err != nil {
			r.logger.WarnContext(ctx, "exchange health check failed", "error", err)
		}
	}
	if hc, ok := r.store.(storage.HealthChecker); ok {
		if err := hc.HealthCheck(ctx); err != nil {
			r.logger.WarnContext(ctx, "storage health check failed", "error", err)
		}
	}

	var g errgroup.Group
	g.SetLimit(r.workers())

	for _, job := range jobs {
		if job.Status == models.StatusSkipped {
			r.logger.ErrorContext(ctx, "skipping data source", "series", job.Series, "error", job.Error)
			continue
		}

		g.Go(func() error {
			jctx := ctx
			if timeout := r.cfg.Sync.JobTimeoutDuration(); timeout > 0 {
				var cancel context.CancelFunc
				jctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			// Errors are recorded on the job; siblings keep going.
			_ = r.syncer.Sync(jctx, job)
			return nil
		})
	}
	_ = g.Wait()

	report := NewRunReport(runID, started, jobs)
	report.Metrics = r.syncer.Metrics()
	report.Log(ctx, r.logger)

	if r.cfg.Sync.Report {
		path := filepath.Join(r.cfg.DataFolder, ReportFileName)
		if err := report.WriteFile(path); err != nil {
			r.logger.WarnContext(ctx, "could not write run report", "path", path, "error", err)
		}
	}

	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

func (r *Runner) workers() int {
	if r.cfg.Sync.Workers < 1 {
		return 1
	}
	return r.cfg.Sync.Workers
}

// RunReport summarises one run
type RunReport struct {
	RunID      string        `json:"run_id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Elapsed    time.Duration `json:"elapsed_ns"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
	Jobs       []*models.Job `json:"jobs"`
	Metrics    RunMetrics    `json:"metrics"`
}

// NewRunReport tallies jobs. Skipped jobs count as failed.
func NewRunReport(runID string, started time.Time, jobs []*models.Job) *RunReport {
	finished := time.Now()
	report := &RunReport{
		RunID:      runID,
		StartedAt:  started.UTC(),
		FinishedAt: finished.UTC(),
		Elapsed:    finished.Sub(started),
		Jobs:       jobs,
	}
	for _, job := range jobs {
		switch job.Status {
		case models.StatusCompleted:
			report.Succeeded++
		case models.StatusSkipped:
			report.Skipped++
			report.Failed++
		default:
			report.Failed++
		}
	}
	return report
}

// OK reports whether every job succeeded.
func (r *RunReport) OK() bool {
	return r.Failed == 0
}

// Err returns an error naming the failed jobs, or nil.
func (r *RunReport) Err() error {
	if r.OK() {
		return nil
	}
	var failed []string
	for _, job := range r.Jobs {
		if !job.Succeeded() {
			failed = append(failed, job.Series)
		}
	}
	return fmt.Errorf("%d of %d jobs failed: %s", r.Failed, len(r.Jobs), strings.Join(failed, ", "))
}

// Log writes one line per job and a closing summary.
func (r *RunReport) Log(ctx context.Context, log *slog.Logger) {
	for _, job := range r.Jobs {
		level := slog.LevelInfo
		if !job.Succeeded() {
			level = slog.LevelError
		}
		log.Log(ctx, level, job.Summary(), "series", job.Series, "status", string(job.Status), "kind", job.ErrorKind)
	}
	log.InfoContext(ctx, "run finished",
		"succeeded", r.Succeeded,
		"failed", r.Failed,
		"skipped", r.Skipped,
		"elapsed", r.Elapsed.Round(time.Millisecond))
}

// WriteFile stores the report as indented JSON, replacing path atomically.
func (r *RunReport) WriteFile(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode run report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	return atomic.WriteFile(path, bytes.NewReader(append(data, '\n')))
}
