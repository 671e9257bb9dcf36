package fetch

import (
	"fmt"
	"time"
)

// Sleep is a normalized sleep summary. Nil fields were not reported by the
// vendor, which is distinct from a reported zero.
type Sleep struct {
	ID              *string    `json:"id"`
	CalendarDate    *string    `json:"calendarDate"`
	StartTime       *time.Time `json:"startTime"`
	DurationSeconds *int64     `json:"durationSeconds"`
	DeepSeconds     *int64     `json:"deepSeconds"`
	LightSeconds    *int64     `json:"lightSeconds"`
	RemSeconds      *int64     `json:"remSeconds"`
	AwakeSeconds    *int64     `json:"awakeSeconds"`
	Score           *int64     `json:"score"`
}

// Activity is a normalized activity summary.
type Activity struct {
	ID               *string    `json:"id"`
	Type             *string    `json:"type"`
	CalendarDate     *string    `json:"calendarDate"`
	StartTime        *time.Time `json:"startTime"`
	DurationSeconds  *int64     `json:"durationSeconds"`
	AverageHeartRate *float64   `json:"averageHeartRate"`
	MaxHeartRate     *float64   `json:"maxHeartRate"`
	DistanceMeters   *float64   `json:"distanceMeters"`
	Calories         *float64   `json:"calories"`
}

// NormalizeSleeps maps raw sleep summaries.
func NormalizeSleeps(records []Record) []Sleep {
	out := make([]Sleep, 0, len(records))
	for _, r := range records {
		s := Sleep{
			ID:              recordID(r),
			CalendarDate:    calendarDate(r),
			StartTime:       startTime(r),
			DurationSeconds: intPtr(r, "durationInSeconds"),
			DeepSeconds:     intPtr(r, "deepSleepDurationInSeconds"),
			LightSeconds:    intPtr(r, "lightSleepDurationInSeconds"),
			RemSeconds:      intPtr(r, "remSleepInSeconds"),
			AwakeSeconds:    intPtr(r, "awakeDurationInSeconds"),
		}
		if score := r.Object("overallSleepScore"); score != nil {
			s.Score = intPtr(score, "value")
		}
		out = append(out, s)
	}
	return out
}

// NormalizeActivities maps raw activity summaries.
func NormalizeActivities(records []Record) []Activity {
	out := make([]Activity, 0, len(records))
	for _, r := range records {
		a := Activity{
			ID:               recordID(r),
			CalendarDate:     calendarDate(r),
			StartTime:        startTime(r),
			DurationSeconds:  intPtr(r, "durationInSeconds"),
			AverageHeartRate: floatPtr(r, "averageHeartRateInBeatsPerMinute"),
			MaxHeartRate:     floatPtr(r, "maxHeartRateInBeatsPerMinute"),
			DistanceMeters:   floatPtr(r, "distanceInMeters"),
			Calories:         floatPtr(r, "activeKilocalories"),
		}
		a.Type = strPtr(r, "activityType")
		out = append(out, a)
	}
	return out
}

func recordID(r Record) *string {
	key, ok := KeyOf(r)
	if !ok {
		return nil
	}
	id := key.ID
	if key.Kind != KeyExplicit {
		id = fmt.Sprintf("%s@%d", key.CalendarDate, key.StartTime)
	}
	return &id
}

// calendarDate prefers the vendor's date and otherwise derives the
// vendor-local date from the start time and its offset.
func calendarDate(r Record) *string {
	if d := r.String("calendarDate"); d != "" {
		return &d
	}
	start, ok := r.Int("startTimeInSeconds")
	if !ok {
		return nil
	}
	offset, _ := r.Int("startTimeOffsetInSeconds")
	d := time.Unix(start+offset, 0).UTC().Format(time.DateOnly)
	return &d
}

func startTime(r Record) *time.Time {
	start, ok := r.Int("startTimeInSeconds")
	if !ok {
		return nil
	}
	t := time.Unix(start, 0).UTC()
	return &t
}

func strPtr(r Record, field string) *string {
	if v := r.String(field); v != "" {
		return &v
	}
	return nil
}

func intPtr(r Record, field string) *int64 {
	if v, ok := r.Int(field); ok {
		return &v
	}
	return nil
}

func floatPtr(r Record, field string) *float64 {
	if v, ok := r.Float(field); ok {
		return &v
	}
	return nil
}
