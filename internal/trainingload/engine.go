// Package trainingload derives the acute:chronic workload ratio and its
// supporting statistics from raw activity samples. Compute is pure: equal
// inputs always yield equal results.
package trainingload

import (
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	// WindowDays is the chronic window.
	WindowDays = 28
	// AcuteDays is the acute window at the end of the chronic one.
	AcuteDays = 7

	minIntensity = 0.5
	maxIntensity = 2.0
	flatEpsilon  = 1e-9
)

// Disclaimer is appended to every result.
const Disclaimer = "Training load figures are a wellness heuristic, not a medical diagnosis. " +
	"Talk to a qualified professional about pain, injury or health concerns."

// Zone is the ACWR risk band.
type Zone string

const (
	ZoneUnderload Zone = "underload"
	ZoneSweet     Zone = "sweet_zone"
	ZoneElevated  Zone = "elevated"
	ZoneHigh      Zone = "high"
)

// Recommendation returns the coaching guidance for z.
func (z Zone) Recommendation() string {
	switch z {
	case ZoneUnderload:
		return "Increase load gradually (5-10%) to avoid detraining."
	case ZoneElevated:
		return "Hold or slightly reduce load; avoid stacking hard days."
	case ZoneHigh:
		return "Prioritize recovery; cap intensity until ACWR is back in range."
	}
	return "Maintain progressive overload."
}

// Confidence grades how much data backs a result.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Evidence flags.
const (
	FlagNoBaseline   = "no_baseline"
	FlagSparseData   = "sparse_data"
	FlagFlatWeek     = "flat_week"
	FlagHighMonotony = "high_monotony"
	FlagDurationOnly = "duration_only_intensity"
)

const highMonotonyCutoff = 2.0

// Sample is one vendor-reported exercise session.
type Sample struct {
	StartTime time.Time
	// CalendarDate is the vendor-local date (YYYY-MM-DD). When empty the UTC
	// date of StartTime is used.
	CalendarDate       string
	DurationSeconds    float64
	AverageHeartRate   *float64
	ThresholdHeartRate *float64
	DistanceMeters     *float64
}

// Evidence describes the data behind a result.
type Evidence struct {
	DataPointsUsed  int        `json:"dataPointsUsed"`
	MissingDays     int        `json:"missingDays"`
	Confidence      Confidence `json:"confidence"`
	Flags           []string   `json:"flags"`
	UserExplanation string     `json:"userExplanation"`
}

// Result is the training load report. Ratios are rounded to two decimals.
type Result struct {
	StartDate      string    `json:"startDate"`
	EndDate        string    `json:"endDate"`
	DailyLoads     []float64 `json:"dailyLoads"`
	AcuteLoad      float64   `json:"acuteLoad"`
	ChronicLoad    float64   `json:"chronicLoad"`
	ACWR           *float64  `json:"acwr"`
	Monotony       *float64  `json:"monotony"`
	Strain         float64   `json:"strain"`
	Zone           Zone      `json:"zone"`
	Recommendation string    `json:"recommendation"`
	Evidence       Evidence  `json:"evidence"`
	Disclaimer     string    `json:"disclaimer"`
}

// LoadFor returns duration times an intensity proxy. The proxy is the ratio
// of average to threshold heart rate clamped to [0.5, 2.0], or 1.0 when
// either figure is missing or not positive.
func LoadFor(s Sample) float64 {
	if s.DurationSeconds <= 0 {
		return 0
	}
	return s.DurationSeconds * intensity(s)
}

func intensity(s Sample) float64 {
	if !hasHeartRate(s) {
		return 1.0
	}
	return min(max(*s.AverageHeartRate / *s.ThresholdHeartRate, minIntensity), maxIntensity)
}

func hasHeartRate(s Sample) bool {
	return s.AverageHeartRate != nil && s.ThresholdHeartRate != nil &&
		*s.AverageHeartRate > 0 && *s.ThresholdHeartRate > 0
}

// ClassifyZone maps an ACWR to its band. A nil ratio means no baseline and
// is reported as underload.
func ClassifyZone(acwr *float64) Zone {
	switch {
	case acwr == nil, *acwr < 0.8:
		return ZoneUnderload
	case *acwr <= 1.3:
		return ZoneSweet
	case *acwr <= 1.5:
		return ZoneElevated
	}
	return ZoneHigh
}

// LatestDate returns the calendar day of the most recent sample.
func LatestDate(samples []Sample) (time.Time, bool) {
	var latest time.Time
	for _, s := range samples {
		if d, ok := dayOf(s); ok && d.After(latest) {
			latest = d
		}
	}
	return latest, !latest.IsZero()
}

// Compute builds the report for the 28 days ending on endDate (inclusive).
func Compute(samples []Sample, endDate time.Time) Result {
	end := truncateDay(endDate)
	start := end.AddDate(0, 0, -(WindowDays - 1))

	daily := make([]float64, WindowDays)
	durationOnly := false
	for _, s := range samples {
		day, ok := dayOf(s)
		if !ok || day.Before(start) || day.After(end) {
			continue
		}
		load := LoadFor(s)
		if load > 0 && !hasHeartRate(s) {
			durationOnly = true
		}
		daily[daysBetween(start, day)] += load
	}

	acuteWindow := daily[WindowDays-AcuteDays:]
	acute := mean(acuteWindow)
	chronic := mean(daily)

	// Zones and flags are decided on the exact ratios; only the reported
	// values are rounded.
	var rawACWR, acwr *float64
	if chronic != 0 {
		rawACWR = ptr(acute / chronic)
		acwr = ptr(round2(*rawACWR))
	}

	var rawMonotony, monotony *float64
	strain := 0.0
	if sd := stddev(acuteWindow, acute); sd > flatEpsilon {
		rawMonotony = ptr(acute / sd)
		monotony = ptr(round2(*rawMonotony))
		strain = round2(sum(acuteWindow) * *rawMonotony)
	}

	zone := ClassifyZone(rawACWR)
	used := 0
	for _, l := range daily {
		if l > 0 {
			used++
		}
	}

	flags := []string{}
	if acwr == nil {
		flags = append(flags, FlagNoBaseline)
	}
	if used < 7 {
		flags = append(flags, FlagSparseData)
	}
	if monotony == nil && acute > 0 {
		flags = append(flags, FlagFlatWeek)
	}
	if rawMonotony != nil && *rawMonotony > highMonotonyCutoff {
		flags = append(flags, FlagHighMonotony)
	}
	if durationOnly {
		flags = append(flags, FlagDurationOnly)
	}

	for i := range daily {
		daily[i] = round2(daily[i])
	}

	return Result{
		StartDate:      start.Format(time.DateOnly),
		EndDate:        end.Format(time.DateOnly),
		DailyLoads:     daily,
		AcuteLoad:      round2(acute),
		ChronicLoad:    round2(chronic),
		ACWR:           acwr,
		Monotony:       monotony,
		Strain:         strain,
		Zone:           zone,
		Recommendation: zone.Recommendation(),
		Evidence: Evidence{
			DataPointsUsed:  used,
			MissingDays:     WindowDays - used,
			Confidence:      confidenceFor(used),
			Flags:           flags,
			UserExplanation: explain(acute, chronic, acwr, zone, used),
		},
		Disclaimer: Disclaimer,
	}
}

func confidenceFor(days int) Confidence {
	switch {
	case days >= 21:
		return ConfidenceHigh
	case days < 7:
		return ConfidenceLow
	}
	return ConfidenceMedium
}

func explain(acute, chronic float64, acwr *float64, zone Zone, used int) string {
	var sb strings.Builder
	if acwr == nil {
		sb.WriteString("No training was recorded in the last 28 days, so there is no baseline to compare against yet.")
	} else {
		fmt.Fprintf(&sb, "Your average daily load over the last 7 days is %.0f against a 28-day average of %.0f, a ratio of %.2f (%s).",
			acute, chronic, *acwr, strings.ReplaceAll(string(zone), "_", " "))
	}
	fmt.Fprintf(&sb, " Based on %d of %d days with recorded training.", used, WindowDays)
	return sb.String()
}

func dayOf(s Sample) (time.Time, bool) {
	if s.CalendarDate != "" {
		if d, err := time.Parse(time.DateOnly, s.CalendarDate); err == nil {
			return d, true
		}
	}
	if s.StartTime.IsZero() {
		return time.Time{}, false
	}
	return truncateDay(s.StartTime.UTC()), true
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func daysBetween(a, b time.Time) int {
	return int(math.Round(b.Sub(a).Hours() / 24))
}

func sum(xs []float64) float64 {
	total := 0.0
	for _, x := range xs {
		total += x
	}
	return total
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return sum(xs) / float64(len(xs))
}

// stddev is the population standard deviation.
func stddev(xs []float64, mu float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	v := 0.0
	for _, x := range xs {
		v += (x - mu) * (x - mu)
	}
	return math.Sqrt(v / float64(len(xs)))
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}

func ptr(f float64) *float64 { return &f }
