// Package exchange defines the remote bar source used by the sync engine and the
// Binance implementation of it.
//
// The interfaces are deliberately small. A BarSource only knows how to return bars
// for a bounded range; planning windows, merging and persistence live elsewhere.
package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/johnayoung/go-kline-sync/internal/models"
)

// BarSource retrieves historical bars for one series at a time.
//
// Implementations hide the provider's per-call row cap: FetchRange paginates
// internally and returns the whole requested range in one slice. Errors are
// returned as values; a BarSource never retries on its own unless it is wrapped
// in a RetryingSource.
type BarSource interface {
	// FetchRecent returns up to limit of the newest bars for key, oldest first.
	//
	// The sync engine only uses the result to log the provider's latest bar
	// before downloading, so implementations should make a single cheap call.
	FetchRecent(ctx context.Context, key models.SeriesKey, limit int) ([]models.Candle, error)

	// FetchRange returns every bar of key whose open time lies in [start, end).
	//
	// A zero end means the range is open and runs through the provider's latest
	// bar, including the bar that is still forming.
	//
	// Implementations should:
	// - Return bars in chronological order (oldest first)
	// - Paginate by the provider's per-call cap until the range is exhausted
	// - Return an empty slice without error when the range holds no bars
	// - Fail the whole call on a malformed row rather than skip it
	FetchRange(ctx context.Context, key models.SeriesKey, start, end time.Time) ([]models.Candle, error)
}

// HealthChecker provides health monitoring capabilities for exchange connections.
//
// HealthCheck should be a minimal call such as a ping endpoint. It must not
// consume meaningful rate limit quota. A nil return means the provider is
// reachable and answering.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// RateLimit defines the request budget of a source.
type RateLimit struct {
	// RequestsPerMinute is the sustained request rate. Zero means unlimited.
	RequestsPerMinute int `json:"requests_per_minute"`

	// BurstSize is the maximum number of requests allowed in a burst
	BurstSize int `json:"burst_size"`
}

// IsValid returns true if the rate limit has positive values.
func (rl RateLimit) IsValid() bool {
	return rl.RequestsPerMinute > 0 && rl.BurstSize > 0
}

// FetchRequest is one paginated call against the provider.
type FetchRequest struct {
	// Key identifies the series being fetched
	Key models.SeriesKey

	// Start is the earliest open time to return (inclusive). Zero asks for the
	// newest bars.
	Start time.Time

	// End is the open time to stop before (exclusive). Zero means open-ended.
	End time.Time

	// Limit is the maximum number of bars to return in this call
	Limit int
}

// Validate checks if the FetchRequest has valid parameters.
func (r *FetchRequest) Validate() error {
	if r.Key.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}

	if r.Key.Interval.IsZero() {
		return &ValidationError{Field: "interval", Message: "interval cannot be empty"}
	}

	if !r.End.IsZero() && !r.Start.IsZero() && !r.End.After(r.Start) {
		return &ValidationError{Field: "end", Message: "end time must be after start time"}
	}

	if r.Limit < 0 {
		return &ValidationError{Field: "limit", Message: "limit cannot be negative"}
	}

	return nil
}

// ValidationError represents a validation error for exchange types.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return "validation error for field " + e.Field + ": " + e.Message
}

// BinanceInterval translates a frequency to Binance's kline interval name.
// Binance only serves a fixed set of intervals; anything else is rejected
// rather than resampled.
func BinanceInterval(f models.Frequency) (string, error) {
	var interval string
	switch f.Unit {
	case models.UnitMinute:
		interval = fmt.Sprintf("%dm", f.Count)
	case models.UnitHour:
		interval = fmt.Sprintf("%dh", f.Count)
	case models.UnitDay:
		interval = fmt.Sprintf("%dd", f.Count)
	case models.UnitWeek:
		interval = fmt.Sprintf("%dw", f.Count)
	case models.UnitMonth:
		interval = fmt.Sprintf("%dM", f.Count)
	}

	if _, ok := binanceIntervals[interval]; !ok {
		return "", fmt.Errorf("unsupported interval for binance: %s", f)
	}
	return interval, nil
}

var binanceIntervals = map[string]struct{}{
	"1m": {}, "3m": {}, "5m": {}, "15m": {}, "30m": {},
	"1h": {}, "2h": {}, "4h": {}, "6h": {}, "8h": {}, "12h": {},
	"1d": {}, "3d": {},
	"1w": {},
	"1M": {},
}
