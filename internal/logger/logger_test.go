package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/johnayoung/go-kline-sync/internal/config"
	apperrors "github.com/johnayoung/go-kline-sync/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bufferLogger(buf *bytes.Buffer, cfg config.LoggingConfig) *slog.Logger {
	return slog.New(newHandler(buf, cfg))
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		out = append(out, rec)
	}
	return out
}

func TestFields_Layering(t *testing.T) {
	ctx := WithRunID(context.Background(), "run-1")
	ctx = WithJobID(ctx, "job-1")
	ctx = WithSeries(ctx, "BTCUSDT", "1h", "spot")
	windowed := WithWindow(ctx, "[2017-01-01T00:00:00Z, now)")

	assert.Equal(t, Fields{
		RunID:    "run-1",
		JobID:    "job-1",
		Symbol:   "BTCUSDT",
		Interval: "1h",
		Market:   "spot",
		Window:   "[2017-01-01T00:00:00Z, now)",
	}, FieldsFrom(windowed))

	assert.Empty(t, FieldsFrom(ctx).Window, "the parent context is untouched")
	assert.Equal(t, Fields{}, FieldsFrom(context.Background()))
}

func TestHandler_AddsContextFields(t *testing.T) {
	var buf bytes.Buffer
	log := bufferLogger(&buf, config.LoggingConfig{Level: "info", Format: "json"})

	ctx := WithJobID(context.Background(), "job-1")
	ctx = WithSeries(ctx, "BTCUSDT", "1h", "spot")
	ctx = WithWindow(ctx, "[2017-01-01T00:00:00Z, now)")

	log.InfoContext(ctx, "window fetched", "rows", 10)
	log.Info("no context fields")

	recs := decodeLines(t, &buf)
	require.Len(t, recs, 2)

	rec := recs[0]
	assert.Equal(t, "INFO", rec["level"])
	assert.Equal(t, "job-1", rec["job_id"])
	assert.Equal(t, "BTCUSDT", rec["symbol"])
	assert.Equal(t, "1h", rec["interval"])
	assert.Equal(t, "spot", rec["market_type"])
	assert.Equal(t, "[2017-01-01T00:00:00Z, now)", rec["window"])
	assert.Equal(t, float64(10), rec["rows"])
	assert.NotContains(t, rec, "run_id")

	assert.NotContains(t, recs[1], "symbol")
	assert.True(t, strings.HasSuffix(recs[1]["time"].(string), "Z"), "times are rendered in UTC")
}

func TestHandler_LevelAndStaticFields(t *testing.T) {
	var buf bytes.Buffer
	log := bufferLogger(&buf, config.LoggingConfig{
		Level:         "warn",
		Format:        "json",
		ContextFields: map[string]string{"service": "klines"},
	})

	log.Info("dropped")
	log.With("component", "sync").Warn("kept")

	recs := decodeLines(t, &buf)
	require.Len(t, recs, 1)
	assert.Equal(t, "kept", recs[0]["msg"])
	assert.Equal(t, "WARN", recs[0]["level"])
	assert.Equal(t, "klines", recs[0]["service"])
	assert.Equal(t, "sync", recs[0]["component"])
}

func TestHandler_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	log := bufferLogger(&buf, config.LoggingConfig{Level: "info", Format: "text"})

	log.InfoContext(WithSeries(context.Background(), "ETHUSDT", "1D", "futures"), "saved")
	assert.Contains(t, buf.String(), "symbol=ETHUSDT")
	assert.Contains(t, buf.String(), "market_type=futures")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestManager_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "klines.log")
	m, err := NewManager(config.LoggingConfig{
		Level:      "info",
		Format:     "json",
		Output:     "file",
		FilePath:   path,
		MaxSize:    1,
		MaxBackups: 1,
	})
	require.NoError(t, err)

	m.Component("runner").Info("run finished", "succeeded", 2)
	require.NoError(t, m.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"runner"`)
	assert.Contains(t, string(data), `"succeeded":2`)
}

func TestManager_FileOutputRequiresPath(t *testing.T) {
	_, err := NewManager(config.LoggingConfig{Output: "both"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file path is required")
}

func TestManager_ComponentCached(t *testing.T) {
	m, err := NewManager(config.LoggingConfig{Level: "info", Output: "stderr"})
	require.NoError(t, err)
	defer m.Close()

	assert.Same(t, m.Component("sync"), m.Component("sync"))
	assert.NotSame(t, m.Component("sync"), m.Component("storage"))
}

func TestLogError(t *testing.T) {
	var buf bytes.Buffer
	log := bufferLogger(&buf, config.LoggingConfig{Level: "info", Format: "json"})
	ctx := context.Background()

	corrupt := apperrors.NewCorruptLocalStateError(apperrors.SeriesRef{Symbol: "BTCUSDT"}, "a.csv", 3, "bad time", nil)
	LogError(ctx, log, corrupt, "sync failed", "rows", 0)
	LogError(ctx, log, errors.New("disk full"), "save failed")

	recs := decodeLines(t, &buf)
	require.Len(t, recs, 2)

	assert.Equal(t, "ERROR", recs[0]["level"])
	assert.Equal(t, "corrupt_local_state", recs[0]["error_kind"])
	assert.Equal(t, "corrupt_state", recs[0]["error_type"])
	assert.Equal(t, float64(0), recs[0]["rows"])

	assert.Equal(t, "disk full", recs[1]["error"])
	assert.Equal(t, "unknown", recs[1]["error_type"])
	assert.NotContains(t, recs[1], "error_kind")
}
