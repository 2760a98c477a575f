package parse

import (
	"fmt"
	"strings"
	"time"
)

// Period names a KPI reporting window.
type Period string

const (
	PeriodToday  Period = "today"
	PeriodWeek   Period = "week"
	PeriodMonth  Period = "month"
	PeriodCustom Period = "custom"
	PeriodAll    Period = "all"
)

// Window is a half-open [From, To) interval. A nil bound is unbounded.
type Window struct {
	From *time.Time
	To   *time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	if w.From != nil && t.Before(*w.From) {
		return false
	}
	if w.To != nil && !t.Before(*w.To) {
		return false
	}
	return true
}

// DayBounds returns the start of the calendar day containing now in loc, and
// the start of the next day.
func DayBounds(now time.Time, loc *time.Location) (time.Time, time.Time) {
	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}

// DateKey formats the calendar day of now in loc as YYYY-MM-DD.
func DateKey(now time.Time, loc *time.Location) string {
	return now.In(loc).Format(time.DateOnly)
}

// ParseWindow resolves a period name (plus from/to for custom ranges) into a
// window relative to now. An empty period means all time. Weeks start on Monday.
func ParseWindow(period, from, to string, now time.Time, loc *time.Location) (Window, error) {
	switch Period(strings.ToLower(strings.TrimSpace(period))) {
	case "", PeriodAll:
		return Window{}, nil
	case PeriodToday:
		start, end := DayBounds(now, loc)
		return Window{From: &start, To: &end}, nil
	case PeriodWeek:
		dayStart, _ := DayBounds(now, loc)
		offset := (int(dayStart.Weekday()) + 6) % 7
		start := dayStart.AddDate(0, 0, -offset)
		end := start.AddDate(0, 0, 7)
		return Window{From: &start, To: &end}, nil
	case PeriodMonth:
		local := now.In(loc)
		start := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
		end := start.AddDate(0, 1, 0)
		return Window{From: &start, To: &end}, nil
	case PeriodCustom:
		var w Window
		if from != "" {
			t, err := parseBound(from, loc, false)
			if err != nil {
				return Window{}, fmt.Errorf("invalid 'from': %w", err)
			}
			w.From = &t
		}
		if to != "" {
			t, err := parseBound(to, loc, true)
			if err != nil {
				return Window{}, fmt.Errorf("invalid 'to': %w", err)
			}
			w.To = &t
		}
		if w.From != nil && w.To != nil && !w.From.Before(*w.To) {
			return Window{}, fmt.Errorf("'from' must be before 'to'")
		}
		return w, nil
	default:
		return Window{}, fmt.Errorf("unknown period %q", period)
	}
}

// parseBound accepts RFC3339 timestamps or bare dates. A bare date used as an
// upper bound includes the whole day.
func parseBound(s string, loc *time.Location, upper bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected RFC3339 or YYYY-MM-DD, got %q", s)
	}
	if upper {
		t = t.AddDate(0, 0, 1)
	}
	return t, nil
}
