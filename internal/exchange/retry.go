package exchange

import (
	"context"
	"time"

	apperrors "github.com/johnayoung/go-kline-sync/internal/errors"
	"github.com/johnayoung/go-kline-sync/internal/models"
)

// RetryingSource decorates a BarSource with a Retrier. Each market is its own
// retry component, so spot and futures get separate policies and breakers.
type RetryingSource struct {
	source  BarSource
	retrier *apperrors.Retrier
}

// NewRetryingSource wraps source.
func NewRetryingSource(source BarSource, retrier *apperrors.Retrier) *RetryingSource {
	return &RetryingSource{source: source, retrier: retrier}
}

// FetchRecent implements BarSource.
func (r *RetryingSource) FetchRecent(ctx context.Context, key models.SeriesKey, limit int) ([]models.Candle, error) {
	var candles []models.Candle
	err := r.retrier.Do(ctx, string(key.Market), "fetch_recent", func() error {
		var err error
		candles, err = r.source.FetchRecent(ctx, key, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return candles, nil
}

// FetchRange implements BarSource. A failed attempt re-fetches the whole range;
// pages already received by the failed attempt are discarded.
func (r *RetryingSource) FetchRange(ctx context.Context, key models.SeriesKey, start, end time.Time) ([]models.Candle, error) {
	var candles []models.Candle
	err := r.retrier.Do(ctx, string(key.Market), "fetch_range", func() error {
		var err error
		candles, err = r.source.FetchRange(ctx, key, start, end)
		return err
	})
	if err != nil {
		return nil, err
	}
	return candles, nil
}

// HealthCheck forwards to the wrapped source when it supports health checks.
func (r *RetryingSource) HealthCheck(ctx context.Context) error {
	if hc, ok := r.source.(HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}
