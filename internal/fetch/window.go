package fetch

import "time"

const (
	// DefaultDays applies when a request names no valid day count.
	DefaultDays = 7
	// MaxDays caps how far back a single sync may reach.
	MaxDays = 30
	// DayWindowSeconds is the vendor's usual maximum query window.
	DayWindowSeconds int64 = 86400

	secondsPerDay int64 = 86400
)

// Window is an inclusive range of epoch seconds.
type Window struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Span is the number of seconds between Start and End.
func (w Window) Span() int64 { return w.End - w.Start }

// ClampDays bounds days to [1, maxDays]. Zero or negative input falls back to
// def, itself bounded the same way.
func ClampDays(days, def, maxDays int) int {
	if maxDays < 1 {
		maxDays = MaxDays
	}
	if def < 1 {
		def = DefaultDays
	}
	if days < 1 {
		days = def
	}
	return min(days, maxDays)
}

// PlanWindows splits the trailing range of days ending at now into
// contiguous windows whose span never exceeds maxWindow-1 seconds. Each
// window starts one second after the previous one ends.
func PlanWindows(now time.Time, days int, maxWindow int64) []Window {
	if maxWindow < 1 {
		maxWindow = DayWindowSeconds
	}
	end := now.Unix()
	start := max(0, end-int64(days)*secondsPerDay+1)

	var windows []Window
	for ws := start; ws <= end; {
		we := min(ws+maxWindow-1, end)
		windows = append(windows, Window{Start: ws, End: we})
		ws = we + 1
	}
	return windows
}
