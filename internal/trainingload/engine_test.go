package trainingload

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var end = time.Date(2026, 2, 18, 18, 30, 0, 0, time.UTC)

func f(v float64) *float64 { return &v }

// daily builds one duration-only sample per day for the given loads, oldest
// first, ending on end.
func daily(loads ...float64) []Sample {
	samples := make([]Sample, 0, len(loads))
	for i, l := range loads {
		day := end.AddDate(0, 0, -(len(loads) - 1 - i))
		samples = append(samples, Sample{StartTime: day, DurationSeconds: l})
	}
	return samples
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestCompute_IdenticalLoadsAreSweetZone(t *testing.T) {
	t.Parallel()

	res := Compute(daily(repeat(3600, 28)...), end)

	require.NotNil(t, res.ACWR)
	assert.Equal(t, 1.0, *res.ACWR)
	assert.Equal(t, ZoneSweet, res.Zone)
	assert.Equal(t, "Maintain progressive overload.", res.Recommendation)
	assert.Equal(t, 3600.0, res.AcuteLoad)
	assert.Equal(t, 3600.0, res.ChronicLoad)
	assert.Nil(t, res.Monotony, "flat week has no monotony")
	assert.Zero(t, res.Strain)
	assert.Equal(t, 28, res.Evidence.DataPointsUsed)
	assert.Equal(t, 0, res.Evidence.MissingDays)
	assert.Equal(t, ConfidenceHigh, res.Evidence.Confidence)
	assert.Contains(t, res.Evidence.Flags, FlagFlatWeek)
	assert.Equal(t, Disclaimer, res.Disclaimer)
}

func TestCompute_NoDataHasNoBaseline(t *testing.T) {
	t.Parallel()

	res := Compute(nil, end)

	assert.Nil(t, res.ACWR)
	assert.Nil(t, res.Monotony)
	assert.Equal(t, ZoneUnderload, res.Zone)
	assert.Equal(t, ConfidenceLow, res.Evidence.Confidence)
	assert.Equal(t, 28, res.Evidence.MissingDays)
	assert.Contains(t, res.Evidence.Flags, FlagNoBaseline)
	assert.Contains(t, res.Evidence.Flags, FlagSparseData)
	assert.NotContains(t, res.Evidence.Flags, FlagFlatWeek)
	assert.Len(t, res.DailyLoads, WindowDays)
	assert.NotEmpty(t, res.Evidence.UserExplanation)
	assert.Equal(t, Disclaimer, res.Disclaimer)
}

func TestCompute_AllZeroLoadsHaveNoBaseline(t *testing.T) {
	t.Parallel()

	res := Compute(daily(repeat(0, 28)...), end)
	assert.Nil(t, res.ACWR)
	assert.Equal(t, ZoneUnderload, res.Zone)
}

func TestCompute_VariedWeekHasMonotonyAndStrain(t *testing.T) {
	t.Parallel()

	loads := append(repeat(1000, 21), 0, 2000, 0, 2000, 0, 2000, 1000)
	res := Compute(daily(loads...), end)

	// Last week: mean 1000, population stddev 925.82, monotony 1.08012.
	require.NotNil(t, res.Monotony)
	assert.InDelta(t, 1.08, *res.Monotony, 0.001)
	assert.InDelta(t, 7560.86, res.Strain, 0.001, "strain uses the unrounded monotony")
	require.NotNil(t, res.ACWR)
	assert.Equal(t, 1.0, *res.ACWR)
	assert.Equal(t, 25, res.Evidence.DataPointsUsed)
	assert.Equal(t, ConfidenceHigh, res.Evidence.Confidence)
}

func TestCompute_SpikeIsHigh(t *testing.T) {
	t.Parallel()

	loads := append(repeat(1000, 21), repeat(4000, 7)...)
	res := Compute(daily(loads...), end)

	// acute 4000, chronic (21*1000 + 7*4000)/28 = 1750
	require.NotNil(t, res.ACWR)
	assert.Equal(t, 2.29, *res.ACWR)
	assert.Equal(t, ZoneHigh, res.Zone)
	assert.Equal(t, "Prioritize recovery; cap intensity until ACWR is back in range.", res.Recommendation)
}

func TestCompute_ZoneUsesUnroundedRatio(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		acuteLoad float64
		shown     float64
		zone      Zone
	}{
		// 1451.05 / 1112.7625 = 1.30401
		{"just above sweet zone", 1451.05, 1.3, ZoneElevated},
		// 747.6 / 934.3286 = 0.79795
		{"just below sweet zone", 747.6, 0.8, ZoneUnderload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			loads := append(repeat(1000, 21), repeat(tt.acuteLoad, 7)...)
			res := Compute(daily(loads...), end)

			require.NotNil(t, res.ACWR)
			assert.Equal(t, tt.shown, *res.ACWR)
			assert.Equal(t, tt.zone, res.Zone)
			assert.Equal(t, tt.zone.Recommendation(), res.Recommendation)
		})
	}
}

func TestCompute_IgnoresSamplesOutsideWindow(t *testing.T) {
	t.Parallel()

	samples := []Sample{
		{StartTime: end.AddDate(0, 0, -28), DurationSeconds: 9999},
		{StartTime: end.AddDate(0, 0, 1), DurationSeconds: 9999},
		{StartTime: end, DurationSeconds: 700},
	}
	res := Compute(samples, end)

	assert.Equal(t, 700.0, res.DailyLoads[WindowDays-1])
	assert.Equal(t, 1, res.Evidence.DataPointsUsed)
	assert.Equal(t, "2026-01-22", res.StartDate)
	assert.Equal(t, "2026-02-18", res.EndDate)
}

func TestCompute_SumsLoadsPerCalendarDate(t *testing.T) {
	t.Parallel()

	// Vendor-local date wins over the UTC start time.
	samples := []Sample{
		{StartTime: end.Add(-30 * time.Hour), CalendarDate: "2026-02-18", DurationSeconds: 100},
		{StartTime: end, DurationSeconds: 50},
	}
	res := Compute(samples, end)
	assert.Equal(t, 150.0, res.DailyLoads[WindowDays-1])
	assert.Equal(t, 0.0, res.DailyLoads[WindowDays-2])
}

func TestCompute_IsDeterministic(t *testing.T) {
	t.Parallel()

	loads := append(repeat(800, 14), 0, 1200, 300, 0, 900, 1500, 0, 600, 0, 1100, 400, 0, 1300, 700)
	a := Compute(daily(loads...), end)
	b := Compute(daily(loads...), end)
	assert.Equal(t, a, b)
}

func TestLoadFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		s    Sample
		want float64
	}{
		{"duration only", Sample{DurationSeconds: 3600}, 3600},
		{"ratio", Sample{DurationSeconds: 3600, AverageHeartRate: f(150), ThresholdHeartRate: f(170)}, 3600 * 150.0 / 170.0},
		{"clamped low", Sample{DurationSeconds: 100, AverageHeartRate: f(40), ThresholdHeartRate: f(170)}, 50},
		{"clamped high", Sample{DurationSeconds: 100, AverageHeartRate: f(400), ThresholdHeartRate: f(150)}, 200},
		{"zero threshold falls back", Sample{DurationSeconds: 100, AverageHeartRate: f(150), ThresholdHeartRate: f(0)}, 100},
		{"missing average falls back", Sample{DurationSeconds: 100, ThresholdHeartRate: f(170)}, 100},
		{"negative duration", Sample{DurationSeconds: -5}, 0},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, LoadFor(tt.s), 1e-9, tt.name)
	}
}

func TestClassifyZone_Boundaries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		acwr *float64
		want Zone
	}{
		{nil, ZoneUnderload},
		{f(0), ZoneUnderload},
		{f(0.79), ZoneUnderload},
		{f(0.8), ZoneSweet},
		{f(1.3), ZoneSweet},
		{f(1.31), ZoneElevated},
		{f(1.5), ZoneElevated},
		{f(1.51), ZoneHigh},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyZone(tt.acwr))
	}
}

func TestConfidenceBands(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ConfidenceLow, confidenceFor(6))
	assert.Equal(t, ConfidenceMedium, confidenceFor(7))
	assert.Equal(t, ConfidenceMedium, confidenceFor(20))
	assert.Equal(t, ConfidenceHigh, confidenceFor(21))
}

func TestLatestDate(t *testing.T) {
	t.Parallel()

	_, ok := LatestDate(nil)
	assert.False(t, ok)

	latest, ok := LatestDate([]Sample{
		{CalendarDate: "2026-01-03"},
		{StartTime: time.Date(2026, 1, 9, 22, 0, 0, 0, time.UTC)},
		{CalendarDate: "not a date"},
	})
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 1, 9, 0, 0, 0, 0, time.UTC), latest)
}
