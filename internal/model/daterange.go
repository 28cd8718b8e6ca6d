package model

import (
	"fmt"
	"math"
	"time"
)

// DayLayout is the canonical calendar-day encoding used in rollups and keys.
const DayLayout = "2006-01-02"

// MaxExportDays bounds a single export request to one year.
const MaxExportDays = 366

// StartOfDay returns midnight of t's calendar day in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// Day formats t as its calendar day in loc.
func Day(t time.Time, loc *time.Location) string {
	return StartOfDay(t, loc).Format(DayLayout)
}

// ParseDay parses a YYYY-MM-DD string as midnight in loc.
func ParseDay(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(DayLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad date %q", ErrInvalidPeriod, s)
	}
	return t, nil
}

// DateRange is an inclusive range of calendar days. Start and End are
// midnights in the same location.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewDateRange normalises start and end to day boundaries in loc.
func NewDateRange(start, end time.Time, loc *time.Location) DateRange {
	return DateRange{Start: StartOfDay(start, loc), End: StartOfDay(end, loc)}
}

// ParseDateRange builds a range from two YYYY-MM-DD strings.
func ParseDateRange(start, end string, loc *time.Location) (DateRange, error) {
	s, err := ParseDay(start, loc)
	if err != nil {
		return DateRange{}, err
	}
	e, err := ParseDay(end, loc)
	if err != nil {
		return DateRange{}, err
	}
	r := DateRange{Start: s, End: e}
	return r, r.Validate()
}

// LastNDays returns the n-day range ending on now's calendar day.
func LastNDays(now time.Time, n int, loc *time.Location) DateRange {
	if n < 1 {
		n = 1
	}
	end := StartOfDay(now, loc)
	return DateRange{Start: end.AddDate(0, 0, -(n - 1)), End: end}
}

func (r DateRange) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return fmt.Errorf("%w: missing start or end", ErrInvalidPeriod)
	}
	if r.End.Before(r.Start) {
		return fmt.Errorf("%w: end %s before start %s", ErrInvalidPeriod,
			r.End.Format(DayLayout), r.Start.Format(DayLayout))
	}
	return nil
}

// Days returns the number of calendar days covered, inclusive.
func (r DateRange) Days() int {
	if r.End.Before(r.Start) {
		return 0
	}
	return int(math.Round(r.End.Sub(r.Start).Hours()/24)) + 1
}

// Bounds returns the half-open instant interval [from, until) covering the range.
func (r DateRange) Bounds() (from, until time.Time) {
	return r.Start, r.End.AddDate(0, 0, 1)
}

// EachDay calls fn for every day in the range in order.
func (r DateRange) EachDay(fn func(day time.Time)) {
	for d := r.Start; !d.After(r.End); d = d.AddDate(0, 0, 1) {
		fn(d)
	}
}

// Contains reports whether t falls on a day inside the range.
func (r DateRange) Contains(t time.Time) bool {
	from, until := r.Bounds()
	return !t.Before(from) && t.Before(until)
}

func (r DateRange) String() string {
	return r.Start.Format(DayLayout) + ".." + r.End.Format(DayLayout)
}
