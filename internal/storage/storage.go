// Package storage defines how synchronized series are persisted.
// A store loads a whole series at the start of a sync job and replaces it as a
// whole at the end; no store ever exposes a partially written series.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/johnayoung/go-kline-sync/internal/config"
	apperrors "github.com/johnayoung/go-kline-sync/internal/errors"
	"github.com/johnayoung/go-kline-sync/internal/models"
)

// Location identifies where a series lives.
type Location struct {
	// Key is the series identity
	Key models.SeriesKey

	// File is the series file relative to the data folder, without extension
	// (e.g. "BTCUSDT/klines"). Database stores key rows by Key and ignore it.
	File string
}

// Path returns the file path of loc under root with extension ext.
func (loc Location) Path(root, ext string) string {
	return filepath.Join(root, filepath.FromSlash(loc.File)+"."+ext)
}

func (loc Location) ref() apperrors.SeriesRef {
	return apperrors.SeriesRef{
		Symbol:   loc.Key.Symbol,
		Interval: loc.Key.Interval.String(),
		Market:   string(loc.Key.Market),
	}
}

// SeriesStore persists whole series.
type SeriesStore interface {
	// Load returns the stored series at loc. A series that was never saved is
	// returned empty without error. Stored data that cannot be decoded, or whose
	// timestamps are not strictly increasing, yields a
	// *errors.CorruptLocalStateError; it is never repaired.
	Load(ctx context.Context, loc Location) (*models.Series, error)

	// Save replaces the series at loc with series. Readers observe either the
	// previous series or the new one, never a mix.
	Save(ctx context.Context, loc Location, series *models.Series) error

	// Close releases resources held by the store.
	Close() error
}

// HealthChecker is implemented by stores that can verify their backend before a
// run. The runner treats a failure as a warning.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Store types accepted by New.
const (
	TypeCSV     = "csv"
	TypeParquet = "parquet"
	TypeDuckDB  = "duckdb"
	TypeMemory  = "memory"
)

// New creates the store selected by cfg.Storage.Type. DuckDB stores are
// initialized before they are returned.
func New(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (SeriesStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Type)) {
	case "", TypeCSV:
		return NewCSVStore(cfg.DataFolder, cfg.TimeColumn, logger), nil
	case TypeParquet:
		return NewParquetStore(cfg.DataFolder, logger), nil
	case TypeDuckDB:
		store, err := NewDuckDBStore(cfg.DatabasePath(), logger)
		if err != nil {
			return nil, err
		}
		store.SetQueryTimeout(cfg.Storage.QueryTimeoutDuration())
		if err := store.Initialize(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	case TypeMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported storage type %q (use: csv, parquet, duckdb, memory)", cfg.Storage.Type)
	}
}

// Error types for storage operations

// StorageError represents errors that occur during storage operations.
type StorageError struct {
	// Operation is the storage operation that failed (e.g., "load", "save")
	Operation string

	// Target is the file or table involved in the operation
	Target string

	// Err is the underlying error that caused the failure
	Err error
}

// Error implements the error interface for StorageError.
func (e *StorageError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("storage operation %s on %s failed: %v", e.Operation, e.Target, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for error chain support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new StorageError with the provided details.
func NewStorageError(operation, target string, err error) *StorageError {
	return &StorageError{Operation: operation, Target: target, Err: err}
}

// NewLoadError creates a StorageError for load operations.
func NewLoadError(target string, err error) *StorageError {
	return NewStorageError("load", target, err)
}

// NewSaveError creates a StorageError for save operations.
func NewSaveError(target string, err error) *StorageError {
	return NewStorageError("save", target, err)
}

// checkLoaded verifies the ordering invariant of a freshly decoded series.
func checkLoaded(loc Location, target string, series *models.Series) error {
	if err := series.Validate(); err != nil {
		return apperrors.NewCorruptLocalStateError(loc.ref(), target, 0, "timestamps are not strictly increasing", err)
	}
	return nil
}
