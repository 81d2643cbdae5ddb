package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	apperrors "github.com/johnayoung/go-kline-sync/internal/errors"
	"github.com/johnayoung/go-kline-sync/internal/models"
	"github.com/natefinch/atomic"
	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"
)

// parquetBar is the on-disk row of a Parquet series file. Times are Unix
// milliseconds; decimals are kept as their exact text.
type parquetBar struct {
	Timestamp   int64  `parquet:"timestamp"`
	Open        string `parquet:"open"`
	High        string `parquet:"high"`
	Low         string `parquet:"low"`
	Close       string `parquet:"close"`
	Volume      string `parquet:"volume"`
	CloseTime   int64  `parquet:"close_time,optional"`
	QuoteVolume string `parquet:"quote_av,optional"`
	Trades      int64  `parquet:"trades,optional"`
	TakerBase   string `parquet:"tb_base_av,optional"`
	TakerQuote  string `parquet:"tb_quote_av,optional"`
}

// ParquetStore keeps one Parquet file per series under a root folder.
type ParquetStore struct {
	root   string
	logger *slog.Logger
}

// NewParquetStore creates a Parquet store rooted at root.
func NewParquetStore(root string, logger *slog.Logger) *ParquetStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ParquetStore{root: root, logger: logger}
}

// Path returns the file backing loc.
func (s *ParquetStore) Path(loc Location) string {
	return loc.Path(s.root, "parquet")
}

// Load implements SeriesStore.
func (s *ParquetStore) Load(ctx context.Context, loc Location) (*models.Series, error) {
	path := s.Path(loc)
	series := models.NewSeries(loc.Key)

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return series, nil
	}

	rows, err := parquet.ReadFile[parquetBar](path)
	if err != nil {
		return nil, apperrors.NewCorruptLocalStateError(loc.ref(), path, 0, "unreadable parquet file", err)
	}

	series.Candles = make([]models.Candle, 0, len(rows))
	for i, row := range rows {
		candle, err := row.toCandle()
		if err != nil {
			return nil, apperrors.NewCorruptLocalStateError(loc.ref(), path, i+1, "undecodable row", err)
		}
		series.Candles = append(series.Candles, candle)
	}

	if err := checkLoaded(loc, path, series); err != nil {
		return nil, err
	}

	s.logger.DebugContext(ctx, "loaded series", "path", path, "rows", series.Len())
	return series, nil
}

// Save implements SeriesStore.
func (s *ParquetStore) Save(ctx context.Context, loc Location, series *models.Series) error {
	path := s.Path(loc)
	if err := series.Validate(); err != nil {
		return NewSaveError(path, err)
	}

	rows := make([]parquetBar, len(series.Candles))
	for i, c := range series.Candles {
		rows[i] = newParquetBar(c)
	}

	var buf bytes.Buffer
	if err := parquet.Write(&buf, rows); err != nil {
		return NewSaveError(path, fmt.Errorf("failed to encode parquet: %w", err))
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
func (s *ParquetStore) Close() error {
	return nil
}

func newParquetBar(c models.Candle) parquetBar {
	row := parquetBar{
		Timestamp:   c.Timestamp.UnixMilli(),
		Open:        c.Open.String(),
		High:        c.High.String(),
		Low:         c.Low.String(),
		Close:       c.Close.String(),
		Volume:      c.Volume.String(),
		QuoteVolume: c.QuoteVolume.String(),
		Trades:      c.Trades,
		TakerBase:   c.TakerBuyBaseVolume.String(),
		TakerQuote:  c.TakerBuyQuoteVolume.String(),
	}
	if !c.CloseTime.IsZero() {
		row.CloseTime = c.CloseTime.UnixMilli()
	}
	return row
}

func (r parquetBar) toCandle() (models.Candle, error) {
	c := models.Candle{
		Timestamp: time.UnixMilli(r.Timestamp).UTC(),
		Trades:    r.Trades,
	}
	if r.CloseTime != 0 {
		c.CloseTime = time.UnixMilli(r.CloseTime).UTC()
	}

	for _, d := range []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"open", r.Open, &c.Open},
		{"high", r.High, &c.High},
		{"low", r.Low, &c.Low},
		{"close", r.Close, &c.Close},
		{"volume", r.Volume, &c.Volume},
		{"quote_av", r.QuoteVolume, &c.QuoteVolume},
		{"tb_base_av", r.TakerBase, &c.TakerBuyBaseVolume},
		{"tb_quote_av", r.TakerQuote, &c.TakerBuyQuoteVolume},
	} {
		if d.raw == "" {
			continue
		}
		v, err := decimal.NewFromString(d.raw)
		if err != nil {
			return c, fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = v
	}
	return c, nil
}

var _ SeriesStore = (*ParquetStore)(nil)
