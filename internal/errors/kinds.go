package errors

import (
	"errors"
	"fmt"
	"time"
)

// SeriesRef names the series a failure belongs to. All sync failures carry one
// so log lines and the run report can be filtered per series.
type SeriesRef struct {
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
	Market   string `json:"market_type"`
}

func (r SeriesRef) String() string {
	return fmt.Sprintf("%s/%s/%s", r.Symbol, r.Interval, r.Market)
}

// ConfigError reports a data source entry that cannot be turned into a job.
// The job is skipped; sibling jobs continue.
type ConfigError struct {
	SeriesRef
	Field  string
	Reason string
}

// NewConfigError creates a ConfigError for field of the data source at ref.
func NewConfigError(ref SeriesRef, field, reason string) *ConfigError {
	return &ConfigError{SeriesRef: ref, Field: field, Reason: reason}
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config error for %s: %s", e.SeriesRef, e.Reason)
	}
	return fmt.Sprintf("config error for %s: %s: %s", e.SeriesRef, e.Field, e.Reason)
}

// FetchError reports a failed remote call. Start and End bound the requested
// window; a zero End means the window was open-ended. Nothing is persisted for a
// job that fails with a FetchError.
type FetchError struct {
	SeriesRef
	Op    string
	Start time.Time
	End   time.Time
	Err   error
}

// NewFetchError wraps err as a FetchError for the window [start, end).
func NewFetchError(ref SeriesRef, op string, start, end time.Time, err error) *FetchError {
	return &FetchError{SeriesRef: ref, Op: op, Start: start, End: end, Err: err}
}

// Window renders the requested range as "[start, end)".
func (e *FetchError) Window() string {
	if e.Start.IsZero() && e.End.IsZero() {
		return "latest"
	}
	end := "now"
	if !e.End.IsZero() {
		end = e.End.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("[%s, %s)", e.Start.UTC().Format(time.RFC3339), end)
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s %s %s: %v", e.Op, e.SeriesRef, e.Window(), e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// CorruptLocalStateError reports an existing series file that cannot be read
// back. It is never repaired automatically.
type CorruptLocalStateError struct {
	SeriesRef
	Path   string
	Row    int
	Reason string
	Err    error
}

// NewCorruptLocalStateError creates a CorruptLocalStateError for path. Row is the
// 1-based data row, or 0 when the problem is not tied to a row.
func NewCorruptLocalStateError(ref SeriesRef, path string, row int, reason string, err error) *CorruptLocalStateError {
	return &CorruptLocalStateError{SeriesRef: ref, Path: path, Row: row, Reason: reason, Err: err}
}

func (e *CorruptLocalStateError) Error() string {
	msg := fmt.Sprintf("corrupt local state for %s in %s", e.SeriesRef, e.Path)
	if e.Row > 0 {
		msg += fmt.Sprintf(" at row %d", e.Row)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CorruptLocalStateError) Unwrap() error {
	return e.Err
}

// Kind returns the short name of a sync failure kind for reports, or "" when err
// is not one of them.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case Has[*ConfigError](err):
		return "config"
	case Has[*FetchError](err):
		return "fetch"
	case Has[*CorruptLocalStateError](err):
		return "corrupt_local_state"
	default:
		return ""
	}
}

// Has reports whether err's chain holds a T.
func Has[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}
