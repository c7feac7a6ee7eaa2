package domain

import (
	"sort"
	"time"
)

const dayLayout = "2006-01-02"

// TimeRange is the half-open interval [Start, End).
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

func (r TimeRange) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() || !r.Start.Before(r.End) {
		return ErrInvalidWindow
	}
	return nil
}

// DayAligned reports whether both bounds fall on UTC midnight.
func (r TimeRange) DayAligned() bool {
	return isMidnight(r.Start) && isMidnight(r.End)
}

// Days lists the UTC dates covered by the range.
func (r TimeRange) Days() []string {
	var days []string
	for d := StartOfDay(r.Start); d.Before(r.End); d = d.AddDate(0, 0, 1) {
		days = append(days, d.Format(dayLayout))
	}
	return days
}

// CurrentMonth returns the calendar month containing now, in UTC.
func CurrentMonth(now time.Time) TimeRange {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return TimeRange{Start: start, End: start.AddDate(0, 1, 0)}
}

// StartOfDay truncates t to its UTC day boundary.
func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DayKey is the daily bucket for t. Bucketing is always UTC.
func DayKey(t time.Time) string {
	return t.UTC().Format(dayLayout)
}

func ParseDayKey(s string) (time.Time, error) {
	return time.ParseInLocation(dayLayout, s, time.UTC)
}

// SortedDays returns the daily breakdown ordered by date ascending.
func SortedDays(daily map[string]int64) []DailyPoint {
	points := make([]DailyPoint, 0, len(daily))
	for date, tokens := range daily {
		points = append(points, DailyPoint{Date: date, Tokens: tokens})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Date < points[j].Date })
	return points
}

func isMidnight(t time.Time) bool {
	return t.Equal(StartOfDay(t))
}
