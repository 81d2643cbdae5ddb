// Package logger builds the slog loggers used by the sync tool. The series a
// goroutine is working on travels in its context as Fields, and every record
// logged through that context carries them.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/johnayoung/go-kline-sync/internal/config"
	apperrors "github.com/johnayoung/go-kline-sync/internal/errors"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Fields identify the run, job, series and window a record belongs to.
type Fields struct {
	RunID    string
	JobID    string
	Symbol   string
	Interval string
	Market   string
	Window   string
}

type fieldsKey struct{}

// FieldsFrom returns the Fields stored in ctx, zero when there are none.
func FieldsFrom(ctx context.Context) Fields {
	f, _ := ctx.Value(fieldsKey{}).(Fields)
	return f
}

func withFields(ctx context.Context, update func(*Fields)) context.Context {
	f := FieldsFrom(ctx)
	update(&f)
	return context.WithValue(ctx, fieldsKey{}, f)
}

// WithRunID tags ctx with the runner invocation.
func WithRunID(ctx context.Context, runID string) context.Context {
	return withFields(ctx, func(f *Fields) { f.RunID = runID })
}

// WithJobID tags ctx with a sync job.
func WithJobID(ctx context.Context, jobID string) context.Context {
	return withFields(ctx, func(f *Fields) { f.JobID = jobID })
}

// WithSeries tags ctx with the series being synced.
func WithSeries(ctx context.Context, symbol, interval, market string) context.Context {
	return withFields(ctx, func(f *Fields) {
		f.Symbol, f.Interval, f.Market = symbol, interval, market
	})
}

// WithWindow tags ctx with the fetch window in progress.
func WithWindow(ctx context.Context, window string) context.Context {
	return withFields(ctx, func(f *Fields) { f.Window = window })
}

func (f Fields) attrs() []slog.Attr {
	attrs := make([]slog.Attr, 0, 6)
	for _, kv := range [...]struct{ key, value string }{
		{"run_id", f.RunID},
		{"job_id", f.JobID},
		{"symbol", f.Symbol},
		{"interval", f.Interval},
		{"market_type", f.Market},
		{"window", f.Window},
	} {
		if kv.value != "" {
			attrs = append(attrs, slog.String(kv.key, kv.value))
		}
	}
	return attrs
}

// fieldsHandler appends the context's Fields to each record.
type fieldsHandler struct {
	slog.Handler
}

func (h fieldsHandler) Handle(ctx context.Context, r slog.Record) error {
	if ctx != nil {
		r.AddAttrs(FieldsFrom(ctx).attrs()...)
	}
	return h.Handler.Handle(ctx, r)
}

func (h fieldsHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return fieldsHandler{h.Handler.WithAttrs(attrs)}
}

func (h fieldsHandler) WithGroup(name string) slog.Handler {
	return fieldsHandler{h.Handler.WithGroup(name)}
}

// Manager owns the log destination and hands out per-component loggers.
type Manager struct {
	base   *slog.Logger
	output io.Closer

	mu         sync.Mutex
	components map[string]*slog.Logger
}

// NewManager opens the destination named by cfg.Output: stdout (default),
// stderr, a size-rotated file, or both stdout and the file.
func NewManager(cfg config.LoggingConfig) (*Manager, error) {
	w, closer, err := openOutput(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open log output: %w", err)
	}
	return &Manager{
		base:       slog.New(newHandler(w, cfg)),
		output:     closer,
		components: make(map[string]*slog.Logger),
	}, nil
}

// Component returns the logger for name. Repeated calls share one logger.
func (m *Manager) Component(name string) *slog.Logger {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.components[name]
	if !ok {
		l = m.base.With(slog.String("component", name))
		m.components[name] = l
	}
	return l
}

// Close flushes and closes a file destination.
func (m *Manager) Close() error {
	if m.output == nil {
		return nil
	}
	return m.output.Close()
}

func openOutput(cfg config.LoggingConfig) (io.Writer, io.Closer, error) {
	switch cfg.Output {
	case "stderr":
		return os.Stderr, nil, nil
	case "file", "both":
		if cfg.FilePath == "" {
			return nil, nil, fmt.Errorf("file path is required when output is %q", cfg.Output)
		}
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		rotating := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		if cfg.Output == "both" {
			return io.MultiWriter(os.Stdout, rotating), rotating, nil
		}
		return rotating, rotating, nil
	default:
		return os.Stdout, nil, nil
	}
}

func newHandler(w io.Writer, cfg config.LoggingConfig) slog.Handler {
	level := ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   level == slog.LevelDebug,
		ReplaceAttr: utcTimes,
	}

	var h slog.Handler = slog.NewJSONHandler(w, opts)
	if cfg.Format == "text" {
		h = slog.NewTextHandler(w, opts)
	}

	if len(cfg.ContextFields) > 0 {
		static := make([]slog.Attr, 0, len(cfg.ContextFields))
		for k, v := range cfg.ContextFields {
			static = append(static, slog.String(k, v))
		}
		h = h.WithAttrs(static)
	}
	return fieldsHandler{h}
}

// utcTimes renders record times in UTC so log lines line up with bar timestamps.
func utcTimes(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey && a.Value.Kind() == slog.KindTime {
		a.Value = slog.StringValue(a.Value.Time().UTC().Format(time.RFC3339Nano))
	}
	return a
}

// ParseLevel maps a config level name to a slog.Level; unknown names are info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogError logs err at error level together with its sync failure kind and
// retry class, so failed jobs can be grouped by cause.
func LogError(ctx context.Context, log *slog.Logger, err error, msg string, args ...any) {
	attrs := []any{slog.Any("error", err), slog.String("error_type", string(apperrors.Classify(err)))}
	if kind := apperrors.Kind(err); kind != "" {
		attrs = append(attrs, slog.String("error_kind", kind))
	}
	log.ErrorContext(ctx, msg, append(attrs, args...)...)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
