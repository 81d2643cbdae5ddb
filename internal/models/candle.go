// Package models provides the data structures shared by the kline synchronizer:
// bars (candles), ordered per-series tables, semantic bar frequencies and sync jobs.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one bar of a series. Timestamp is the bar open time and the unique key
// within a series. The fields after Volume are optional exchange extras and stay at
// their zero value when the provider does not report them.
type Candle struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`

	CloseTime           time.Time       `json:"close_time,omitempty"`
	QuoteVolume         decimal.Decimal `json:"quote_av"`
	Trades              int64           `json:"trades"`
	TakerBuyBaseVolume  decimal.Decimal `json:"tb_base_av"`
	TakerBuyQuoteVolume decimal.Decimal `json:"tb_quote_av"`
}

// ValidationError represents a candle validation error with specific field context.
type ValidationError struct {
	Field   string // Field is the name of the field that failed validation
	Message string // Message is a descriptive error message explaining the validation failure
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// Validate checks the structural sanity of a bar as delivered by a provider:
// a non-zero open time, non-negative prices and volume, and high >= low.
// It does not score data quality.
func (c *Candle) Validate() error {
	if c.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Message: "timestamp cannot be null or zero"}
	}

	for _, f := range []struct {
		name  string
		value decimal.Decimal
	}{
		{"open", c.Open},
		{"high", c.High},
		{"low", c.Low},
		{"close", c.Close},
		{"volume", c.Volume},
	} {
		if f.value.IsNegative() {
			return &ValidationError{Field: f.name, Message: fmt.Sprintf("%s must not be negative, got %s", f.name, f.value)}
		}
	}

	if c.High.LessThan(c.Low) {
		return &ValidationError{
			Field:   "high",
			Message: fmt.Sprintf("high price (%s) must be greater than or equal to low price (%s)", c.High, c.Low),
		}
	}

	if !c.CloseTime.IsZero() && c.CloseTime.Before(c.Timestamp) {
		return &ValidationError{Field: "close_time", Message: "close time precedes open time"}
	}

	return nil
}

// Equal reports whether two candles carry the same values. Decimals are compared
// numerically so "47000.00" equals "47000".
func (c Candle) Equal(o Candle) bool {
	return c.Timestamp.Equal(o.Timestamp) &&
		c.Open.Equal(o.Open) &&
		c.High.Equal(o.High) &&
		c.Low.Equal(o.Low) &&
		c.Close.Equal(o.Close) &&
		c.Volume.Equal(o.Volume) &&
		c.CloseTime.Equal(o.CloseTime) &&
		c.QuoteVolume.Equal(o.QuoteVolume) &&
		c.Trades == o.Trades &&
		c.TakerBuyBaseVolume.Equal(o.TakerBuyBaseVolume) &&
		c.TakerBuyQuoteVolume.Equal(o.TakerBuyQuoteVolume)
}

// String returns a human-readable representation of the candle.
func (c Candle) String() string {
	return fmt.Sprintf("Candle{Timestamp: %s, O: %s, H: %s, L: %s, C: %s, V: %s}",
		c.Timestamp.Format(time.RFC3339), c.Open, c.High, c.Low, c.Close, c.Volume)
}

// NewCandle parses decimal strings into a validated Candle.
//
// Example:
//
//	candle, err := NewCandle(time.Now(), "100.50", "101.00", "100.00", "100.75", "1000.5")
func NewCandle(timestamp time.Time, open, high, low, close, volume string) (*Candle, error) {
	values := make([]decimal.Decimal, 5)
	for i, raw := range []string{open, high, low, close, volume} {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, &ValidationError{
				Field:   [...]string{"open", "high", "low", "close", "volume"}[i],
				Message: fmt.Sprintf("invalid decimal %q: %v", raw, err),
			}
		}
		values[i] = d
	}

	candle := &Candle{
		Timestamp: timestamp.UTC(),
		Open:      values[0],
		High:      values[1],
		Low:       values[2],
		Close:     values[3],
		Volume:    values[4],
	}

	if err := candle.Validate(); err != nil {
		return nil, fmt.Errorf("failed to create candle: %w", err)
	}

	return candle, nil
}
