package collector

import (
	"fmt"
	"iter"
	"time"
)

// DefaultWindowUnit is the span of one planned fetch window.
const DefaultWindowUnit = 365 * 24 * time.Hour

// Window is a half-open range [Start, End) of bar open times. A zero End means
// the window runs through the provider's latest bar.
type Window struct {
	Start time.Time
	End   time.Time
}

// IsOpen reports whether the window has no upper bound.
func (w Window) IsOpen() bool {
	return w.End.IsZero()
}

func (w Window) String() string {
	end := "now"
	if !w.IsOpen() {
		end = w.End.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("[%s, %s)", w.Start.UTC().Format(time.RFC3339), end)
}

// Windows plans the fetch windows covering [start, now). Every window but the
// last spans exactly unit and starts where the previous one ended; the last one
// is open. At least one window is always yielded, and a unit <= 0 yields a
// single open window.
func Windows(start, now time.Time, unit time.Duration) iter.Seq[Window] {
	return func(yield func(Window) bool) {
		cursor := start
		for unit > 0 && now.Sub(cursor) > unit {
			end := cursor.Add(unit)
			if !yield(Window{Start: cursor, End: end}) {
				return
			}
			cursor = end
		}
		yield(Window{Start: cursor})
	}
}
