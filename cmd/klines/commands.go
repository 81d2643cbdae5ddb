package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/johnayoung/go-kline-sync/internal/collector"
	"github.com/johnayoung/go-kline-sync/internal/config"
	apperrors "github.com/johnayoung/go-kline-sync/internal/errors"
	"github.com/johnayoung/go-kline-sync/internal/exchange"
	"github.com/johnayoung/go-kline-sync/internal/logger"
	"github.com/johnayoung/go-kline-sync/internal/models"
	"github.com/johnayoung/go-kline-sync/internal/storage"
)

// app holds what the commands share once configuration is loaded
type app struct {
	configPath string
	logLevel   string

	cfg    *config.AppConfig
	logs   *logger.Manager
	logger *slog.Logger
	store  storage.SeriesStore
	source exchange.BarSource
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   AppName,
		Short: "Keep local kline series in sync with Binance",
		Long: `klines downloads candlestick (kline) history from Binance spot and USD-M
futures markets and keeps one local series per configured data source up to date.

Each run resumes a few bars before the end of the stored series so late revisions
by the exchange overwrite the local copy, downloads the missing range in yearly
windows, drops the bar that is still forming and saves the series once.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", ConfigFile, "configuration file (YAML or JSON)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	root.AddCommand(
		newSyncCommand(a),
		newScheduleCommand(a),
		newPlanCommand(a),
		newVersionCommand(),
	)
	return root
}

func newSyncCommand(a *app) *cobra.Command {
	var only []string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync every configured data source once",
		Long: `Sync every configured data source once.

Examples:
  # Sync all data sources listed in klines.yaml
  klines sync

  # Sync only two symbols
  klines sync --only BTCUSDT,ETHUSDT`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			defer a.close()
			if err := a.setup(ctx, true); err != nil {
				return err
			}

			report, err := collector.NewRunner(a.cfg, a.source, a.store, a.logger).WithSymbols(only...).Run(ctx)
			if err != nil {
				return withExitCode(ExitInterrupt, err)
			}

			printReport(cmd.OutOrStdout(), report)
			return withExitCode(ExitJobsFailed, report.Err())
		},
	}

	cmd.Flags().StringSliceVar(&only, "only", nil, "sync only these symbols (comma separated)")
	return cmd
}

func newScheduleCommand(a *app) *cobra.Command {
	var (
		spec       string
		runOnStart bool
		only       []string
	)

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run sync repeatedly on a cron schedule",
		Long: `Run sync repeatedly on a cron schedule until interrupted.

A run that is still going when the next one is due makes the next one skip.

Examples:
  # Use scheduler.cron from the configuration
  klines schedule

  # Sync five minutes past every hour and once right away
  klines schedule --cron "5 * * * *" --run-on-start`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			defer a.close()
			if err := a.setup(ctx, true); err != nil {
				return err
			}

			if spec == "" {
				spec = a.cfg.Scheduler.Cron
			}
			if !cmd.Flags().Changed("run-on-start") {
				runOnStart = a.cfg.Scheduler.RunOnStart
			}

			return a.schedule(ctx, spec, runOnStart, only)
		},
	}

	cmd.Flags().StringVar(&spec, "cron", "", "cron spec, five fields or a descriptor such as @hourly (default scheduler.cron)")
	cmd.Flags().BoolVar(&runOnStart, "run-on-start", false, "run once immediately before waiting for the schedule")
	cmd.Flags().StringSliceVar(&only, "only", nil, "sync only these symbols (comma separated)")
	return cmd
}

func (a *app) schedule(ctx context.Context, spec string, runOnStart bool, only []string) error {
	log := a.logs.Component("scheduler")
	cronLog := cronLogger{log}

	c := cron.New(
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)

	runOnce := func() {
		report, err := collector.NewRunner(a.cfg, a.source, a.store, a.logger).WithSymbols(only...).Run(ctx)
		if err != nil {
			log.WarnContext(ctx, "run interrupted", "error", err)
			return
		}
		if !report.OK() {
			log.ErrorContext(ctx, "run finished with failures", "error", report.Err())
		}
	}

	id, err := c.AddFunc(spec, runOnce)
	if err != nil {
		return withExitCode(ExitConfigError, fmt.Errorf("invalid cron spec %q: %w", spec, err))
	}

	if runOnStart {
		runOnce()
	}

	c.Start()
	log.InfoContext(ctx, "scheduler started", "cron", spec, "next_run", c.Entry(id).Next)

	<-ctx.Done()
	log.InfoContext(ctx, "stopping scheduler, waiting for the running sync")
	<-c.Stop().Done()
	return nil
}

func newPlanCommand(a *app) *cobra.Command {
	var only []string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the windows the next sync would request",
		Long: `Show, for every data source, where the next sync would resume and which
windows it would request. Nothing is fetched or written.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			defer a.close()
			if err := a.setup(ctx, false); err != nil {
				return err
			}

			runner := collector.NewRunner(a.cfg, a.source, a.store, a.logger).WithSymbols(only...)
			now := time.Now().UTC()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SERIES\tFILE\tRESUME FROM\tWINDOWS")

			var failed int
			for _, job := range runner.Jobs() {
				if job.Status == models.StatusSkipped {
					failed++
					fmt.Fprintf(w, "%s\t-\t-\tskipped: %s\n", job.Series, job.Error)
					continue
				}

				start, windows, err := runner.Syncer().Plan(ctx, storage.Location{Key: job.Key, File: job.File}, now)
				if err != nil {
					failed++
					fmt.Fprintf(w, "%s\t%s\t-\terror: %v\n", job.Series, job.File, err)
					continue
				}

				spans := make([]string, len(windows))
				for i, win := range windows {
					spans[i] = win.String()
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", job.Series, job.File, start.Format(time.RFC3339), strings.Join(spans, " "))
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if failed > 0 {
				return withExitCode(ExitJobsFailed, fmt.Errorf("%d data sources cannot be synced", failed))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&only, "only", nil, "plan only these symbols (comma separated)")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", AppName, Version)
		},
	}
}

// setup loads the configuration and builds the logger, the store and, when
// remote is set, the exchange source.
func (a *app) setup(ctx context.Context, remote bool) error {
	bootstrap := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg, err := config.NewConfigManager(a.configPath, bootstrap).LoadConfig(ctx)
	if err != nil {
		return withExitCode(ExitConfigError, err)
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	a.cfg = cfg

	logs, err := logger.NewManager(cfg.Logging)
	if err != nil {
		return withExitCode(ExitSetupError, fmt.Errorf("failed to setup logging: %w", err))
	}
	a.logs = logs
	a.logger = logs.Component("sync")

	store, err := storage.New(ctx, cfg, logs.Component("storage"))
	if err != nil {
		return withExitCode(ExitSetupError, fmt.Errorf("failed to initialize storage: %w", err))
	}
	a.store = store

	var source exchange.BarSource = offlineSource{}
	if remote {
		source = exchange.NewBinanceSource(cfg.Exchange, logs.Component("exchange"))
		if cfg.Exchange.Retry {
			retrier := apperrors.NewRetrier(cfg.ErrorHandling, logs.Component("retry"))
			source = exchange.NewRetryingSource(source, retrier)
		}
	}
	a.source = source

	return nil
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil && a.logger != nil {
			a.logger.Warn("failed to close storage", "error", err)
		}
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

func printReport(w io.Writer, report *collector.RunReport) {
	for _, job := range report.Jobs {
		fmt.Fprintln(w, job.Summary())
	}
	fmt.Fprintf(w, "%d succeeded, %d failed in %s\n",
		report.Succeeded, report.Failed, report.Elapsed.Round(time.Millisecond))
}

// offlineSource backs commands that never talk to the exchange.
type offlineSource struct{}

func (offlineSource) FetchRecent(context.Context, models.SeriesKey, int) ([]models.Candle, error) {
	return nil, fmt.Errorf("exchange access is disabled for this command")
}

func (offlineSource) FetchRange(context.Context, models.SeriesKey, time.Time, time.Time) ([]models.Candle, error) {
	return nil, fmt.Errorf("exchange access is disabled for this command")
}

// cronLogger routes cron's logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
}
