package aggregate

import "time"

// DayKeyLayout is the calendar-day key format used everywhere a daily
// record is addressed.
const DayKeyLayout = "2006-01-02"

// Daily is the folded summary of one user's sessions for one calendar day.
// ShortestSeconds is nil until the first session lands; the nil survives a
// JSON round trip, unlike the numeric infinity sentinel it replaces.
type Daily struct {
	UserID          string           `json:"user_id"`
	Date            string           `json:"date"`
	TotalSeconds    int64            `json:"total_seconds"`
	SessionCount    int              `json:"session_count"`
	LongestSeconds  int64            `json:"longest_seconds"`
	ShortestSeconds *int64           `json:"shortest_seconds"`
	AverageSeconds  float64          `json:"average_seconds"`
	Categories      map[string]int64 `json:"categories,omitempty"`
	FirstOpen       time.Time        `json:"first_open"`
	LastClose       time.Time        `json:"last_close"`
	Version         int64            `json:"version"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Trend classifies the week-over-week direction of usage.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendStable     Trend = "stable"
	TrendDecreasing Trend = "decreasing"
)

// WeeklyRollup is derived from seven daily records and never persisted.
type WeeklyRollup struct {
	UserID            string  `json:"user_id"`
	WeekStart         string  `json:"week_start"`
	DayTotals         []int64 `json:"day_totals"`
	TotalSeconds      int64   `json:"total_seconds"`
	SessionCount      int     `json:"session_count"`
	ActiveDays        int     `json:"active_days"`
	AverageDaySeconds float64 `json:"average_day_seconds"`
	Trend             Trend   `json:"trend"`
}

// DayKey buckets an instant into a calendar-day key in the given zone.
func DayKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(DayKeyLayout)
}

// WeekStart returns the Monday beginning the week containing t, at midnight
// in the given zone.
func WeekStart(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	offset := (int(day.Weekday()) + 6) % 7 // Monday-anchored
	return day.AddDate(0, 0, -offset)
}

// Clone returns a deep copy so callers cannot mutate shared state.
func (d Daily) Clone() Daily {
	if d.ShortestSeconds != nil {
		v := *d.ShortestSeconds
		d.ShortestSeconds = &v
	}
	if d.Categories != nil {
		categories := make(map[string]int64, len(d.Categories))
		for k, v := range d.Categories {
			categories[k] = v
		}
		d.Categories = categories
	}
	return d
}
