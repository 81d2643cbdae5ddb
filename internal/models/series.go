package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// MarketType selects which market of the provider a series comes from.
type MarketType string

const (
	MarketSpot    MarketType = "spot"
	MarketFutures MarketType = "futures"
)

// ParseMarketType parses a data source type. An empty string means spot.
func ParseMarketType(s string) (MarketType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "spot":
		return MarketSpot, nil
	case "futures", "future", "usdm":
		return MarketFutures, nil
	default:
		return "", fmt.Errorf("unsupported market type %q (want spot or futures)", s)
	}
}

// SeriesKey identifies one logical series: symbol, bar frequency and market.
// It is comparable and safe to use as a map key.
type SeriesKey struct {
	Symbol   string
	Interval Frequency
	Market   MarketType
}

// String returns "SYMBOL/freq/market".
func (k SeriesKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Symbol, k.Interval, k.Market)
}

// Series is an ordered table of candles for one SeriesKey.
// Timestamps are strictly increasing; the table may be empty.
type Series struct {
	Key     SeriesKey
	Candles []Candle
}

// NewSeries returns an empty series for key.
func NewSeries(key SeriesKey) *Series {
	return &Series{Key: key}
}

// Len returns the number of rows.
func (s *Series) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Candles)
}

// IsEmpty reports whether the series has no rows.
func (s *Series) IsEmpty() bool {
	return s.Len() == 0
}

// Last returns the newest row.
func (s *Series) Last() (Candle, bool) {
	if s.IsEmpty() {
		return Candle{}, false
	}
	return s.Candles[len(s.Candles)-1], true
}

// ResumePoint returns the timestamp of the overlap-th row from the end, so that a
// re-fetch starting there overwrites the last overlap rows. Series shorter than
// overlap resume from their first row. ok is false for an empty series.
func (s *Series) ResumePoint(overlap int) (t time.Time, ok bool) {
	if s.IsEmpty() {
		return time.Time{}, false
	}
	if overlap < 1 {
		overlap = 1
	}
	idx := len(s.Candles) - overlap
	if idx < 0 {
		idx = 0
	}
	return s.Candles[idx].Timestamp, true
}

// Merge returns a new series holding the rows of s merged with batch.
// See Merge for the rules.
func (s *Series) Merge(batch []Candle) *Series {
	return &Series{Key: s.Key, Candles: Merge(s.Candles, batch)}
}

// TrimTrailing returns a new series without its newest row, which is the bar
// still open at fetch time. Trimming an empty series yields an empty series.
func (s *Series) TrimTrailing() *Series {
	if s.IsEmpty() {
		return &Series{Key: s.Key}
	}
	rows := make([]Candle, len(s.Candles)-1)
	copy(rows, s.Candles)
	return &Series{Key: s.Key, Candles: rows}
}

// Validate checks that timestamps are non-zero and strictly increasing.
func (s *Series) Validate() error {
	for i, c := range s.Candles {
		if c.Timestamp.IsZero() {
			return &ValidationError{Field: "timestamp", Message: fmt.Sprintf("row %d has a zero timestamp", i)}
		}
		if i > 0 && !c.Timestamp.After(s.Candles[i-1].Timestamp) {
			return &ValidationError{
				Field: "timestamp",
				Message: fmt.Sprintf("row %d (%s) does not follow row %d (%s)",
					i, c.Timestamp.Format(time.RFC3339), i-1, s.Candles[i-1].Timestamp.Format(time.RFC3339)),
			}
		}
	}
	return nil
}

// Merge combines an ordered table with a freshly fetched batch.
//
// Rows whose timestamp appears in both take the batch's version. Rows unique to
// either side are kept. The result is strictly ordered with unique timestamps and
// neither input is modified. The batch is normalised first (sorted, and for
// duplicate timestamps inside the batch the last occurrence wins), so merging the
// same batch twice gives the same result as merging it once.
func Merge(existing, batch []Candle) []Candle {
	fresh := normalizeBatch(batch)

	merged := make([]Candle, 0, len(existing)+len(fresh))
	i, j := 0, 0
	for i < len(existing) && j < len(fresh) {
		a, b := existing[i], fresh[j]
		switch {
		case a.Timestamp.Before(b.Timestamp):
			merged = append(merged, a)
			i++
		case b.Timestamp.Before(a.Timestamp):
			merged = append(merged, b)
			j++
		default:
			merged = append(merged, b)
			i++
			j++
		}
	}
	merged = append(merged, existing[i:]...)
	merged = append(merged, fresh[j:]...)

	return merged
}

func normalizeBatch(batch []Candle) []Candle {
	if len(batch) == 0 {
		return nil
	}

	rows := make([]Candle, len(batch))
	copy(rows, batch)
	sort.SliceStable(rows, func(a, b int) bool {
		return rows[a].Timestamp.Before(rows[b].Timestamp)
	})

	out := rows[:0]
	for _, c := range rows {
		if n := len(out); n > 0 && out[n-1].Timestamp.Equal(c.Timestamp) {
			out[n-1] = c
			continue
		}
		out = append(out, c)
	}
	return out
}
