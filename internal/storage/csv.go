package storage

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/johnayoung/go-kline-sync/internal/errors"
	"github.com/johnayoung/go-kline-sync/internal/models"
	"github.com/natefinch/atomic"
	"github.com/shopspring/decimal"
)

// DefaultTimeColumn names the open time column when none is configured.
const DefaultTimeColumn = "timestamp"

// TimeLayout is how open and close times are written: RFC 3339, UTC,
// millisecond precision.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// readLayouts are accepted when loading, so files written by other tools
// (pandas writes "2017-08-17 04:00:00") stay readable.
var readLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	time.DateOnly,
}

var csvColumns = []string{"open", "high", "low", "close", "volume", "close_time", "quote_av", "trades", "tb_base_av", "tb_quote_av"}

// CSVStore keeps one CSV file per series under a root folder.
type CSVStore struct {
	root       string
	timeColumn string
	logger     *slog.Logger
}

// NewCSVStore creates a CSV store rooted at root. timeColumn names the open time
// column and defaults to "timestamp".
func NewCSVStore(root, timeColumn string, logger *slog.Logger) *CSVStore {
	if timeColumn == "" {
		timeColumn = DefaultTimeColumn
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CSVStore{root: root, timeColumn: timeColumn, logger: logger}
}

// Path returns the file backing loc.
func (s *CSVStore) Path(loc Location) string {
	return loc.Path(s.root, "csv")
}

// Load implements SeriesStore.
func (s *CSVStore) Load(ctx context.Context, loc Location) (*models.Series, error) {
	path := s.Path(loc)
	series := models.NewSeries(loc.Key)

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return series, nil
	}
	if err != nil {
		return nil, apperrors.NewCorruptLocalStateError(loc.ref(), path, 0, "unreadable file", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.ReuseRecord = true

	header, err := r.Read()
	if err == io.EOF {
		return series, nil
	}
	if err != nil {
		return nil, apperrors.NewCorruptLocalStateError(loc.ref(), path, 0, "unreadable header", err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(name)] = i
	}
	timeIdx, ok := cols[s.timeColumn]
	if !ok {
		return nil, apperrors.NewCorruptLocalStateError(loc.ref(), path, 0,
			fmt.Sprintf("missing time column %q", s.timeColumn), nil)
	}

	for row := 1; ; row++ {
		if row%10000 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}

		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, apperrors.NewCorruptLocalStateError(loc.ref(), path, row, "unreadable row", err)
		}

		candle, reason, err := decodeCSVRow(record, timeIdx, cols)
		if err != nil {
			return nil, apperrors.NewCorruptLocalStateError(loc.ref(), path, row, reason, err)
		}
		series.Candles = append(series.Candles, candle)
	}

	if err := checkLoaded(loc, path, series); err != nil {
		return nil, err
	}

	s.logger.DebugContext(ctx, "loaded series", "path", path, "rows", series.Len())
	return series, nil
}

func decodeCSVRow(record []string, timeIdx int, cols map[string]int) (models.Candle, string, error) {
	var c models.Candle

	if timeIdx >= len(record) {
		return c, "missing time value", errors.New("short row")
	}
	ts, err := parseTime(record[timeIdx])
	if err != nil {
		return c, "unparsable timestamp", err
	}
	c.Timestamp = ts

	field := func(name string) string {
		if i, ok := cols[name]; ok && i < len(record) {
			return strings.TrimSpace(record[i])
		}
		return ""
	}

	for _, d := range []struct {
		name     string
		dst      *decimal.Decimal
		required bool
	}{
		{"open", &c.Open, true},
		{"high", &c.High, true},
		{"low", &c.Low, true},
		{"close", &c.Close, true},
		{"volume", &c.Volume, true},
		{"quote_av", &c.QuoteVolume, false},
		{"tb_base_av", &c.TakerBuyBaseVolume, false},
		{"tb_quote_av", &c.TakerBuyQuoteVolume, false},
	} {
		raw := field(d.name)
		if raw == "" {
			if d.required {
				return c, "missing " + d.name, errors.New("empty value")
			}
			continue
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return c, "unparsable " + d.name, err
		}
		*d.dst = v
	}

	if raw := field("close_time"); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			return c, "unparsable close_time", err
		}
		c.CloseTime = t
	}

	if raw := field("trades"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return c, "unparsable trades", err
		}
		c.Trades = n
	}

	return c, "", nil
}

func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range readLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("parsing time %q: unsupported layout", raw)
}

// Save implements SeriesStore. The file is written to a temporary sibling and
// renamed into place.
func (s *CSVStore) Save(ctx context.Context, loc Location, series *models.Series) error {
	path := s.Path(loc)
	if err := series.Validate(); err != nil {
		return NewSaveError(path, err)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(append([]string{s.timeColumn}, csvColumns...)); err != nil {
		return NewSaveError(path, err)
	}
	for _, c := range series.Candles {
		if err := w.Write(encodeCSVRow(c)); err != nil {
			return NewSaveError(path, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return NewSaveError(path, err)
	}

	if err := ctx.Err(); err != nil {
		return NewSaveError(path, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return NewSaveError(path, fmt.Errorf("failed to create directory: %w", err))
	}
	if err := atomic.WriteFile(path, &buf); err != nil {
		return NewSaveError(path, err)
	}

	s.logger.DebugContext(ctx, "saved series", "path", path, "rows", series.Len())
	return nil
}

// Close implements SeriesStore.
func (s *CSVStore) Close() error {
	return nil
}

func encodeCSVRow(c models.Candle) []string {
	closeTime := ""
	if !c.CloseTime.IsZero() {
		closeTime = c.CloseTime.UTC().Format(TimeLayout)
	}
	return []string{
		c.Timestamp.UTC().Format(TimeLayout),
		c.Open.String(),
		c.High.String(),
		c.Low.String(),
		c.Close.String(),
		c.Volume.String(),
		closeTime,
		c.QuoteVolume.String(),
		strconv.FormatInt(c.Trades, 10),
		c.TakerBuyBaseVolume.String(),
		c.TakerBuyQuoteVolume.String(),
	}
}

var _ SeriesStore = (*CSVStore)(nil)
