package planner

import (
	"fmt"
	"time"
)

const dayLayout = "2006-01-02"

// Day is a calendar date with no time-of-day or zone component. Bookmarks,
// range bounds and date-typed record fields are all Days; attaching a zone
// happens only at the edges (interpreting "now" for an advertiser, or
// formatting an API filter).
type Day struct {
	year  int
	month time.Month
	day   int
}

// NewDay builds a Day from its components.
func NewDay(year int, month time.Month, day int) Day {
	return Day{year: year, month: month, day: day}
}

// DayOf returns the calendar date of t in t's location.
func DayOf(t time.Time) Day {
	y, m, d := t.Date()
	return Day{year: y, month: m, day: d}
}

// ParseDay parses an ISO 8601 date string (YYYY-MM-DD).
func ParseDay(s string) (Day, error) {
	t, err := time.Parse(dayLayout, s)
	if err != nil {
		return Day{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DayOf(t), nil
}

// IsZero reports whether d is the zero Day.
func (d Day) IsZero() bool {
	return d == Day{}
}

// Time returns midnight of d in loc.
func (d Day) Time(loc *time.Location) time.Time {
	return time.Date(d.year, d.month, d.day, 0, 0, 0, 0, loc)
}

// AddDays returns d shifted by n calendar days (n may be negative).
func (d Day) AddDays(n int) Day {
	return DayOf(d.Time(time.UTC).AddDate(0, 0, n))
}

// Compare returns -1, 0 or 1 ordering d against o.
func (d Day) Compare(o Day) int {
	a := d.Time(time.UTC)
	b := o.Time(time.UTC)
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	}
	return 0
}

// Before reports whether d precedes o.
func (d Day) Before(o Day) bool { return d.Compare(o) < 0 }

// After reports whether d follows o.
func (d Day) After(o Day) bool { return d.Compare(o) > 0 }

// String formats d as YYYY-MM-DD.
func (d Day) String() string {
	return d.Time(time.UTC).Format(dayLayout)
}

// MarshalJSON emits d as a JSON string in ISO 8601 date form.
func (d Day) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON parses a JSON string in ISO 8601 date form.
func (d *Day) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("invalid date JSON %s", data)
	}
	parsed, err := ParseDay(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MaxDay returns the later of a and b.
func MaxDay(a, b Day) Day {
	if a.After(b) {
		return a
	}
	return b
}
