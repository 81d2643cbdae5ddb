package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	apperrors "github.com/johnayoung/go-kline-sync/internal/errors"
	"github.com/johnayoung/go-kline-sync/internal/models"
	"github.com/marcboeker/go-duckdb/v2"
	"github.com/shopspring/decimal"
)

const klinesTable = "klines"

// DuckDBStore keeps every series in one DuckDB table keyed by symbol, interval
// and market. Saving a series replaces its rows inside a single transaction.
type DuckDBStore struct {
	db           *sql.DB
	dbPath       string
	queryTimeout time.Duration
	logger       *slog.Logger
	mu           sync.RWMutex
}

// NewDuckDBStore opens the database at dbPath. The dbPath can be ":memory:"
// or empty for an in-memory database.
func NewDuckDBStore(dbPath string, logger *slog.Logger) (*DuckDBStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if dbPath != "" && dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, NewStorageError("open", dbPath, fmt.Errorf("failed to create directory: %w", err))
		}
	}
	if dbPath == ":memory:" {
		dbPath = ""
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, NewStorageError("open", dbPath, fmt.Errorf("failed to open DuckDB database: %w", err))
	}

	// Single writer pattern as recommended for DuckDB
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &DuckDBStore{db: db, dbPath: dbPath, logger: logger}, nil
}

// SetQueryTimeout bounds every Load and Save by timeout. Zero means no bound beyond
// the caller's context.
func (d *DuckDBStore) SetQueryTimeout(timeout time.Duration) {
	d.queryTimeout = timeout
}

func (d *DuckDBStore) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d.queryTimeout)
}

// Initialize creates the klines table. It is idempotent.
//
// The table has no primary key: DuckDB rejects deleting and re-inserting the
// same key inside one transaction, which is exactly how Save replaces a series.
// Uniqueness of timestamps is enforced by Save validating the series.
func (d *DuckDBStore) Initialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.logger.InfoContext(ctx, "initializing DuckDB storage", "db_path", d.dbPath)

	query := `
	CREATE TABLE IF NOT EXISTS klines (
		symbol VARCHAR NOT NULL,
		interval VARCHAR NOT NULL,
		market VARCHAR NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		open DOUBLE NOT NULL,
		high DOUBLE NOT NULL,
		low DOUBLE NOT NULL,
		close DOUBLE NOT NULL,
		volume DOUBLE NOT NULL,
		close_time TIMESTAMPTZ,
		quote_av DOUBLE,
		trades BIGINT,
		tb_base_av DOUBLE,
		tb_quote_av DOUBLE
	)`
	if _, err := d.db.ExecContext(ctx, query); err != nil {
		return NewStorageError("initialize", klinesTable, fmt.Errorf("failed to create klines table: %w", err))
	}

	return nil
}

// Load implements SeriesStore.
func (d *DuckDBStore) Load(ctx context.Context, loc Location) (*models.Series, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return nil, NewLoadError(klinesTable, fmt.Errorf("database connection is closed"))
	}

	ctx, cancel := d.queryContext(ctx)
	defer cancel()

	rows, err := d.db.QueryContext(ctx, `
		SELECT timestamp, open, high, low, close, volume, close_time, quote_av, trades, tb_base_av, tb_quote_av
		FROM klines
		WHERE symbol = ? AND interval = ? AND market = ?
		ORDER BY timestamp`,
		loc.Key.Symbol, loc.Key.Interval.String(), string(loc.Key.Market))
	if err != nil {
		return nil, d.loadError(ctx, loc, 0, "unreadable table", err)
	}
	defer rows.Close()

	series := models.NewSeries(loc.Key)
	for rows.Next() {
		var (
			ts                             time.Time
			open, high, low, closePrice    float64
			volume                         float64
			closeTime                      sql.NullTime
			quoteAV, takerBase, takerQuote sql.NullFloat64
			trades                         sql.NullInt64
		)
		if err := rows.Scan(&ts, &open, &high, &low, &closePrice, &volume, &closeTime, &quoteAV, &trades, &takerBase, &takerQuote); err != nil {
			return nil, d.loadError(ctx, loc, series.Len()+1, "undecodable row", err)
		}

		c := models.Candle{
			Timestamp:           ts.UTC(),
			Open:                decimal.NewFromFloat(open),
			High:                decimal.NewFromFloat(high),
			Low:                 decimal.NewFromFloat(low),
			Close:               decimal.NewFromFloat(closePrice),
			Volume:              decimal.NewFromFloat(volume),
			QuoteVolume:         decimal.NewFromFloat(quoteAV.Float64),
			Trades:              trades.Int64,
			TakerBuyBaseVolume:  decimal.NewFromFloat(takerBase.Float64),
			TakerBuyQuoteVolume: decimal.NewFromFloat(takerQuote.Float64),
		}
		if closeTime.Valid {
			c.CloseTime = closeTime.Time.UTC()
		}
		series.Candles = append(series.Candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, d.loadError(ctx, loc, series.Len()+1, "unreadable table", err)
	}

	if err := checkLoaded(loc, d.target(), series); err != nil {
		return nil, err
	}
	return series, nil
}

// loadError reports a failed read as corrupt local state, unless the read was
// cut short by ctx.
func (d *DuckDBStore) loadError(ctx context.Context, loc Location, row int, reason string, err error) error {
	if ctx.Err() != nil {
		return NewLoadError(klinesTable, err)
	}
	return apperrors.NewCorruptLocalStateError(loc.ref(), d.target(), row, reason, err)
}

func (d *DuckDBStore) target() string {
	if d.dbPath == "" {
		return klinesTable
	}
	return d.dbPath + "#" + klinesTable
}

// Save implements SeriesStore. The series' previous rows are deleted and the new
// rows appended through the DuckDB Appender API in one transaction.
func (d *DuckDBStore) Save(ctx context.Context, loc Location, series *models.Series) (err error) {
	if err := series.Validate(); err != nil {
		return NewSaveError(klinesTable, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return NewSaveError(klinesTable, fmt.Errorf("database connection is closed"))
	}

	start := time.Now()
	ctx, cancel := d.queryContext(ctx)
	defer cancel()

	conn, err := d.db.Conn(ctx)
	if err != nil {
		return NewSaveError(klinesTable, fmt.Errorf("failed to get connection: %w", err))
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN TRANSACTION"); err != nil {
		return NewSaveError(klinesTable, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() {
		if err != nil {
			if _, rbErr := conn.ExecContext(context.Background(), "ROLLBACK"); rbErr != nil {
				d.logger.Warn("rollback failed", "error", rbErr)
			}
		}
	}()

	if _, err := conn.ExecContext(ctx, "DELETE FROM klines WHERE symbol = ? AND interval = ? AND market = ?",
		loc.Key.Symbol, loc.Key.Interval.String(), string(loc.Key.Market)); err != nil {
		return NewSaveError(klinesTable, fmt.Errorf("failed to delete previous rows: %w", err))
	}

	err = conn.Raw(func(dc any) error {
		driverConn, ok := dc.(*duckdb.Conn)
		if !ok {
			return fmt.Errorf("underlying connection is not a DuckDB connection")
		}

		appender, err := duckdb.NewAppenderFromConn(driverConn, "", klinesTable)
		if err != nil {
			return fmt.Errorf("failed to create appender: %w", err)
		}

		for _, c := range series.Candles {
			if err := appendCandle(appender, loc.Key, c); err != nil {
				appender.Close()
				return fmt.Errorf("failed to append candle %s: %w", c.String(), err)
			}
		}

		// Close flushes the remaining rows
		return appender.Close()
	})
	if err != nil {
		return NewSaveError(klinesTable, err)
	}

	if _, err = conn.ExecContext(ctx, "COMMIT"); err != nil {
		return NewSaveError(klinesTable, fmt.Errorf("failed to commit: %w", err))
	}

	d.logger.DebugContext(ctx, "saved series",
		"series", loc.Key.String(),
		"rows", series.Len(),
		"duration", time.Since(start))
	return nil
}

func appendCandle(appender *duckdb.Appender, key models.SeriesKey, c models.Candle) error {
	var closeTime any
	if !c.CloseTime.IsZero() {
		closeTime = c.CloseTime
	}

	return appender.AppendRow(
		key.Symbol,
		key.Interval.String(),
		string(key.Market),
		c.Timestamp,
		c.Open.InexactFloat64(),
		c.High.InexactFloat64(),
		c.Low.InexactFloat64(),
		c.Close.InexactFloat64(),
		c.Volume.InexactFloat64(),
		closeTime,
		c.QuoteVolume.InexactFloat64(),
		c.Trades,
		c.TakerBuyBaseVolume.InexactFloat64(),
		c.TakerBuyQuoteVolume.InexactFloat64(),
	)
}

// HealthCheck performs a lightweight query to verify database connectivity.
func (d *DuckDBStore) HealthCheck(ctx context.Context) error {
	d.mu.RLock()
	db := d.db
	d.mu.RUnlock()

	if db == nil {
		return NewStorageError("health_check", "", fmt.Errorf("database connection is closed"))
	}

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return NewStorageError("health_check", "", fmt.Errorf("database health check failed: %w", err))
	}
	return nil
}

// Close shuts down the DuckDB connection.
func (d *DuckDBStore) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db != nil {
		if err := d.db.Close(); err != nil {
			return NewStorageError("close", d.dbPath, fmt.Errorf("failed to close database: %w", err))
		}
		d.db = nil
	}
	return nil
}

// Compile-time interface compliance check
var (
	_ SeriesStore   = (*DuckDBStore)(nil)
	_ HealthChecker = (*DuckDBStore)(nil)
)
