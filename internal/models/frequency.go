package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FrequencyUnit is the calendar unit of a Frequency.
type FrequencyUnit string

const (
	UnitMinute FrequencyUnit = "min"
	UnitHour   FrequencyUnit = "h"
	UnitDay    FrequencyUnit = "D"
	UnitWeek   FrequencyUnit = "W"
	UnitMonth  FrequencyUnit = "MS"
)

// Frequency is a provider-independent bar duration written in the pandas offset
// vocabulary used by the configuration ("1min", "5min", "1h", "4h", "1D", "1W", "1MS").
// Exchange adapters translate it to their own interval names.
type Frequency struct {
	Count int
	Unit  FrequencyUnit
}

// unitAliases maps accepted spellings to their canonical unit. "M" and "BMS" are
// month spellings pandas users commonly reach for.
var unitAliases = map[string]FrequencyUnit{
	"min": UnitMinute,
	"t":   UnitMinute,
	"h":   UnitHour,
	"d":   UnitDay,
	"w":   UnitWeek,
	"ms":  UnitMonth,
	"bms": UnitMonth,
	"m":   UnitMonth,
}

// ParseFrequency parses a pandas-style frequency. A missing count means 1.
func ParseFrequency(s string) (Frequency, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return Frequency{}, fmt.Errorf("frequency cannot be empty")
	}

	i := 0
	for i < len(raw) && raw[i] >= '0' && raw[i] <= '9' {
		i++
	}

	count := 1
	if i > 0 {
		n, err := strconv.Atoi(raw[:i])
		if err != nil || n <= 0 {
			return Frequency{}, fmt.Errorf("invalid frequency count in %q", s)
		}
		count = n
	}

	suffix := raw[i:]
	// "M" alone is a month; "m" alone is ambiguous in pandas and rejected.
	if suffix == "m" {
		return Frequency{}, fmt.Errorf("ambiguous frequency %q: use \"min\" for minutes or \"MS\" for months", s)
	}

	unit, ok := unitAliases[strings.ToLower(suffix)]
	if !ok {
		return Frequency{}, fmt.Errorf("unsupported frequency unit %q in %q", suffix, s)
	}

	return Frequency{Count: count, Unit: unit}, nil
}

// MustParseFrequency is ParseFrequency for constants and tests.
func MustParseFrequency(s string) Frequency {
	f, err := ParseFrequency(s)
	if err != nil {
		panic(err)
	}
	return f
}

// IsZero reports whether the frequency is unset.
func (f Frequency) IsZero() bool {
	return f.Count == 0 && f.Unit == ""
}

// String returns the canonical pandas spelling.
func (f Frequency) String() string {
	if f.IsZero() {
		return ""
	}
	return strconv.Itoa(f.Count) + string(f.Unit)
}

// Duration returns the nominal length of one bar. Months count as 30 days.
func (f Frequency) Duration() time.Duration {
	n := time.Duration(f.Count)
	switch f.Unit {
	case UnitMinute:
		return n * time.Minute
	case UnitHour:
		return n * time.Hour
	case UnitDay:
		return n * 24 * time.Hour
	case UnitWeek:
		return n * 7 * 24 * time.Hour
	case UnitMonth:
		return n * 30 * 24 * time.Hour
	default:
		return 0
	}
}

// MarshalText implements encoding.TextMarshaler.
func (f Frequency) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Frequency) UnmarshalText(text []byte) error {
	parsed, err := ParseFrequency(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}
